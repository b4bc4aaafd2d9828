package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "tflsched/pkg/logx"
)

const (
	DefaultBaseURL = "https://api.tfl.gov.uk"
	// Name is the action identifier stored on job records.
	Name = "tfl.disruption"

	maxBody = 4 << 20
)

type TfLConfig struct {
	BaseURL string
	AppKey  string
	// Timeout bounds one HTTP call. 0 means no client timeout.
	Timeout time.Duration
	// RatePerSec limits outbound calls. 0 disables limiting.
	RatePerSec int
}

// HTTPError is returned for a non-2xx upstream response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("tfl: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// TfL looks up line disruptions on the TfL unified API.
type TfL struct {
	log    logx.Logger
	client *http.Client

	mu      sync.RWMutex
	cfg     TfLConfig
	limiter *rate.Limiter
}

func NewTfL(cfg TfLConfig, log logx.Logger) *TfL {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &TfL{log: log, client: &http.Client{}}
	t.Apply(cfg)
	return t
}

// Apply swaps config at runtime (base url, key, timeout, rate limit).
func (t *TfL) Apply(cfg TfLConfig) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}

	t.mu.Lock()
	t.cfg = cfg
	t.limiter = lim
	t.mu.Unlock()
}

func (t *TfL) Invoke(ctx context.Context, lines string) (string, error) {
	t.mu.RLock()
	cfg := t.cfg
	lim := t.limiter
	t.mu.RUnlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return "", fmt.Errorf("tfl: rate limit: %w", err)
		}
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	u := disruptionURL(cfg.BaseURL, lines, cfg.AppKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("tfl: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("tfl: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("tfl: read body: %w", err)
	}
	t.log.Debug("tfl call", logx.String("lines", lines), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return "", fmt.Errorf("tfl: decode response: %w", err)
	}
	return buf.String(), nil
}

func disruptionURL(base, lines, appKey string) string {
	parts := strings.Split(lines, ",")
	for i, p := range parts {
		parts[i] = url.PathEscape(strings.TrimSpace(p))
	}
	u := base + "/Line/" + strings.Join(parts, ",") + "/Disruption"
	if appKey != "" {
		u += "?" + url.Values{"app_key": {appKey}}.Encode()
	}
	return u
}

// IsHTTPError reports whether err is an upstream non-2xx response.
func IsHTTPError(err error) bool {
	var he *HTTPError
	return errors.As(err, &he)
}
