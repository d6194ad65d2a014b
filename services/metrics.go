package services

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "ragask"

// Metrics records pipeline outcomes and stage latencies. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. A nil reg creates unregistered
// collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Questions answered by the pipeline, by outcome.",
		}, []string{"outcome"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stage_duration_seconds",
			Help:      "Latency of each pipeline stage.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
	}
}

func (m *Metrics) observeStage(stage Stage, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

func (m *Metrics) observeOutcome(err error) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrNoContextFound):
		return "no_context"
	case errors.Is(err, ErrRetrievalFailed):
		return "retrieval_failed"
	case errors.Is(err, ErrGenerationFailed):
		return "generation_failed"
	default:
		return "error"
	}
}
