package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the worker pool.
type Metrics struct {
	Submitted    *prometheus.CounterVec
	Completed    *prometheus.CounterVec
	QueueDepth   prometheus.Gauge
	QueueWait    prometheus.Histogram
	TaskDuration prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hermes",
			Subsystem: "scheduler",
			Name:      "submitted_total",
			Help:      "Total tasks submitted, by priority.",
		}, []string{"priority"}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hermes",
			Subsystem: "scheduler",
			Name:      "completed_total",
			Help:      "Total tasks finished, by status (success, error, timeout, canceled).",
		}, []string{"status"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hermes",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Tasks waiting for a worker.",
		}),
		QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hermes",
			Subsystem: "scheduler",
			Name:      "queue_wait_seconds",
			Help:      "Time a task spent queued before a worker picked it up.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}),
		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hermes",
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Wall time of each task, including timed-out ones.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 30, 60, 300, 600},
		}),
	}

	reg.MustRegister(
		m.Submitted,
		m.Completed,
		m.QueueDepth,
		m.QueueWait,
		m.TaskDuration,
	)

	return m
}
