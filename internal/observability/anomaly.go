package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/ki2go/internal/config"
)

const (
	defaultWindowSeconds = 300
	minSamples           = 5
)

// AnomalyDetector flags bursts of upstream failures and unusual spend using
// sliding windows.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	spend         map[string]*slidingWindow
	cfg           *config.AnomalyConfig
	logger        *slog.Logger
	now           func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		spend:         make(map[string]*slidingWindow),
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = defaultWindowSeconds
	}
	return time.Duration(secs) * time.Second
}

// RecordError records a failed operation and checks the error rate.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.errorCounts, operation).add(a.now(), 1)
	a.checkErrorRate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.successCounts, operation).add(a.now(), 1)
}

// RecordSpend records committed cost for a credit account.
func (a *AnomalyDetector) RecordSpend(accountID string, micros int64) {
	if a == nil || micros <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.spend, accountID).add(a.now(), float64(micros))
}

// SpendInWindow returns the cost recorded for accountID within the window.
func (a *AnomalyDetector) SpendInWindow(accountID string) int64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	return int64(a.window(a.spend, accountID).sum(a.now()))
}

// ErrorRate returns the error rate of operation within the window and the
// number of samples it was computed from.
func (a *AnomalyDetector) ErrorRate(operation string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.rate(operation)
}

// Must be called with a.mu held.
func (a *AnomalyDetector) rate(operation string) (float64, int) {
	now := a.now()
	errs := a.window(a.errorCounts, operation).sum(now)
	total := errs + a.window(a.successCounts, operation).sum(now)
	if total == 0 {
		return 0, 0
	}
	return errs / total, int(total)
}

// Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 || a.logger == nil {
		return
	}

	rate, total := a.rate(operation)
	if total < minSamples {
		return
	}
	if rate > threshold {
		a.logger.Warn("anomaly detected: high upstream error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Int("samples", total),
		)
	}
}

func (a *AnomalyDetector) window(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune drops entries older than the window.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
