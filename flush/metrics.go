package flush

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/syssam/persist"
	"github.com/syssam/persist/batch"
)

// Metrics collects flush metrics. A nil *Metrics records nothing.
type Metrics struct {
	flushes      *prometheus.CounterVec
	statements   *prometheus.CounterVec
	rows         *prometheus.CounterVec
	duration     prometheus.Histogram
	phantoms     prometheus.Counter
	lockFailures prometheus.Counter
}

// NewMetrics returns flush metrics registered with reg. A nil reg leaves
// the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "persist",
			Subsystem: "flush",
			Name:      "total",
			Help:      "Number of flushes by result.",
		}, []string{"result"}),
		statements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "persist",
			Subsystem: "flush",
			Name:      "batches_total",
			Help:      "Number of executed batches by operation.",
		}, []string{"op"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "persist",
			Subsystem: "flush",
			Name:      "rows_total",
			Help:      "Number of executed row statements by operation.",
		}, []string{"op"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "persist",
			Subsystem: "flush",
			Name:      "duration_seconds",
			Help:      "Flush duration.",
			Buckets:   prometheus.DefBuckets,
		}),
		phantoms: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "persist",
			Subsystem: "flush",
			Name:      "phantom_updates_total",
			Help:      "Number of modified objects dropped without a column change.",
		}),
		lockFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "persist",
			Subsystem: "flush",
			Name:      "optimistic_lock_failures_total",
			Help:      "Number of flushes failed by an optimistic lock.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.flushes, m.statements, m.rows, m.duration, m.phantoms, m.lockFailures)
	}
	return m
}

// Flushes returns the flush counter, labeled by result.
func (m *Metrics) Flushes() *prometheus.CounterVec { return m.flushes }

// Phantoms returns the phantom update counter.
func (m *Metrics) Phantoms() prometheus.Counter { return m.phantoms }

// LockFailures returns the optimistic lock failure counter.
func (m *Metrics) LockFailures() prometheus.Counter { return m.lockFailures }

func (m *Metrics) statement(b *batch.Batch) {
	if m == nil {
		return
	}
	m.statements.WithLabelValues(b.Op.String()).Inc()
	m.rows.WithLabelValues(b.Op.String()).Add(float64(len(b.Rows)))
}

func (m *Metrics) observe(s *Summary, err error) {
	if m == nil {
		return
	}
	m.duration.Observe(s.Duration.Seconds())
	switch {
	case err == nil:
		m.flushes.WithLabelValues("committed").Inc()
		m.phantoms.Add(float64(s.Phantoms))
	case errors.Is(err, persist.ErrOptimisticLock):
		m.flushes.WithLabelValues("failed").Inc()
		m.lockFailures.Inc()
	default:
		m.flushes.WithLabelValues("failed").Inc()
	}
}
