package storage

import (
	"fmt"
	"strings"

	logx "tflsched/pkg/logx"
)

// Open returns the store selected by cfg.Driver, with its schema in place.
// An empty driver selects the in-memory store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	var (
		st  Store
		err error
	)
	switch driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	case "postgres", "postgresql", "pq":
		st, err = openPostgres(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	return st, nil
}
