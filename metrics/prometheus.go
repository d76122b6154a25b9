package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink reports pool telemetry as Prometheus metrics, labeled by
// pool name so multiple pools can share a registry.
type PrometheusSink struct {
	wait     prometheus.Histogram
	usage    prometheus.Histogram
	creation prometheus.Histogram
	timeouts prometheus.Counter
	active   prometheus.Gauge
	idle     prometheus.Gauge
	waiting  prometheus.Gauge
	total    prometheus.Gauge
}

// NewPrometheusSink registers pool metrics under reg, namespaced by
// poolName. Panics if registration fails (e.g. duplicate pool name against
// the same registry), matching Prometheus client convention for
// MustRegister-style setup code.
func NewPrometheusSink(reg prometheus.Registerer, poolName string) *PrometheusSink {
	constLabels := prometheus.Labels{"pool": poolName}

	s := &PrometheusSink{
		wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "hikaripool",
			Name:        "wait_seconds",
			Help:        "Time borrowers spent waiting for a connection.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		usage: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "hikaripool",
			Name:        "usage_seconds",
			Help:        "Time a connection spent checked out by a borrower.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		creation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "hikaripool",
			Name:        "creation_seconds",
			Help:        "Time spent creating a new raw connection.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hikaripool",
			Name:        "timeouts_total",
			Help:        "Number of GetConnection calls that failed with TIMEOUT.",
			ConstLabels: constLabels,
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hikaripool",
			Name:        "active_connections",
			Help:        "Connections currently checked out.",
			ConstLabels: constLabels,
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hikaripool",
			Name:        "idle_connections",
			Help:        "Connections currently idle in the pool.",
			ConstLabels: constLabels,
		}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hikaripool",
			Name:        "threads_awaiting_connection",
			Help:        "Borrowers currently blocked waiting for a connection.",
			ConstLabels: constLabels,
		}),
		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hikaripool",
			Name:        "total_connections",
			Help:        "Total connections known to the pool (active + idle).",
			ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(s.wait, s.usage, s.creation, s.timeouts, s.active, s.idle, s.waiting, s.total)
	return s
}

func (s *PrometheusSink) ObserveWait(d time.Duration)     { s.wait.Observe(d.Seconds()) }
func (s *PrometheusSink) ObserveUsage(d time.Duration)    { s.usage.Observe(d.Seconds()) }
func (s *PrometheusSink) ObserveCreation(d time.Duration) { s.creation.Observe(d.Seconds()) }
func (s *PrometheusSink) IncTimeout()                     { s.timeouts.Inc() }

func (s *PrometheusSink) SetCounts(active, idle int, waiting int32, total int) {
	s.active.Set(float64(active))
	s.idle.Set(float64(idle))
	s.waiting.Set(float64(waiting))
	s.total.Set(float64(total))
}

var _ Sink = (*PrometheusSink)(nil)
