package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "tflsched/pkg/logx"
)

// reloadDebounce lets editors finish multi-step saves before a reload.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the config whenever the file changes, until ctx ends.
//
// The parent directory is watched rather than the file so that
// rename-into-place saves are seen. A broken watcher is reported as an
// error; callers run Watch under a restarting supervisor.
func (m *ConfigManager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	// Reloads run on this goroutine, so they never overlap. A stopped timer
	// delivers no stale tick (go1.23 timer semantics).
	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()
	arm := func() { debounce.Reset(reloadDebounce) }

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-debounce.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watch: event channel closed")
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Chmod) {
				arm()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config watch: error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// events may have been lost; reload anyway
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				arm()
				continue
			}
			return fmt.Errorf("config watch: %w", err)
		}
	}
}
