package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hermesosint/hermes/internal/config"
)

const (
	anomalyBuckets    = 10
	anomalyMinSamples = 5
)

// AnomalyDetector warns when an operation's error rate over a sliding
// window crosses the configured threshold. Counts live in fixed time
// buckets, so memory per operation is constant however busy it is. At most
// one warning per operation is logged per window.
type AnomalyDetector struct {
	mu        sync.Mutex
	ops       map[string]*opWindow
	threshold float64
	bucket    time.Duration
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

type opWindow struct {
	epochs   [anomalyBuckets]int64
	errs     [anomalyBuckets]int
	total    [anomalyBuckets]int
	lastWarn time.Time
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := 300 * time.Second
	var threshold float64
	if cfg != nil {
		if cfg.WindowSeconds > 0 {
			window = time.Duration(cfg.WindowSeconds) * time.Second
		}
		threshold = cfg.ErrorRateThreshold
	}
	return &AnomalyDetector{
		ops:       make(map[string]*opWindow),
		threshold: threshold,
		bucket:    window / anomalyBuckets,
		window:    window,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) {
	a.observe(operation, true)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	a.observe(operation, false)
}

// Rate returns the error rate of operation over the window and the number
// of samples it is based on.
func (a *AnomalyDetector) Rate(operation string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.ops[operation]
	if !ok {
		return 0, 0
	}
	errs, total := w.sum(a.epoch(a.now()))
	if total == 0 {
		return 0, 0
	}
	return float64(errs) / float64(total), total
}

func (a *AnomalyDetector) observe(operation string, failed bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	epoch := a.epoch(now)
	w, ok := a.ops[operation]
	if !ok {
		w = &opWindow{}
		a.ops[operation] = w
	}
	i := int(epoch % anomalyBuckets)
	if w.epochs[i] != epoch {
		w.epochs[i], w.errs[i], w.total[i] = epoch, 0, 0
	}
	w.total[i]++
	if !failed {
		return
	}
	w.errs[i]++

	if a.threshold <= 0 || now.Sub(w.lastWarn) < a.window {
		return
	}
	errs, total := w.sum(epoch)
	if total < anomalyMinSamples {
		return
	}
	if rate := float64(errs) / float64(total); rate > a.threshold {
		w.lastWarn = now
		if a.logger != nil {
			a.logger.Warn("anomaly detected: high error rate",
				slog.String("operation", operation),
				slog.Float64("error_rate", rate),
				slog.Float64("threshold", a.threshold),
				slog.Int("errors", errs),
				slog.Int("total", total),
			)
		}
	}
}

func (a *AnomalyDetector) epoch(t time.Time) int64 {
	if a.bucket <= 0 {
		return t.UnixNano()
	}
	return t.UnixNano() / int64(a.bucket)
}

// sum adds the buckets that are still inside the window ending at epoch.
func (w *opWindow) sum(epoch int64) (errs, total int) {
	for i := range w.epochs {
		if age := epoch - w.epochs[i]; age >= 0 && age < anomalyBuckets {
			errs += w.errs[i]
			total += w.total[i]
		}
	}
	return errs, total
}
