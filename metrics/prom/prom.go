package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/memherd/herd"
)

// Adapter implements herd.Metrics and exports Prometheus counters.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits        prometheus.Counter
	stales      prometheus.Counter
	locks       *prometheus.CounterVec
	waits       prometheus.Counter
	computes    prometheus.Counter
	keys        prometheus.Counter
	computeSecs prometheus.Histogram
	retries     prometheus.Counter
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Fresh cache hits",
			ConstLabels: constLabels,
		}),
		stales: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "stale_reads_total",
			Help:        "Soft-expired envelopes observed on read",
			ConstLabels: constLabels,
		}),
		locks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "locks_total",
				Help:        "Recomputation locks won, by acquisition path",
				ConstLabels: constLabels,
			},
			[]string{"path"},
		),
		waits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "waits_total",
			Help:        "Callers that lost a lock race and entered the waiter branch",
			ConstLabels: constLabels,
		}),
		computes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "computes_total",
			Help:        "Compute invocations",
			ConstLabels: constLabels,
		}),
		keys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "computed_keys_total",
			Help:        "Keys covered by compute invocations",
			ConstLabels: constLabels,
		}),
		computeSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "compute_duration_seconds",
			Help:        "Duration of compute invocations",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "wait_retries_total",
			Help:        "Post-wait retries of the coordinator",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.hits, a.stales, a.locks, a.waits, a.computes, a.keys, a.computeSecs, a.retries)
	return a
}

// Hit increments the fresh-hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Stale increments the stale-read counter.
func (a *Adapter) Stale() { a.stales.Inc() }

// Lock increments the lock counter with its acquisition-path label.
func (a *Adapter) Lock(p herd.LockPath) {
	a.locks.WithLabelValues(path(p)).Inc()
}

// Wait increments the waiter counter.
func (a *Adapter) Wait() { a.waits.Inc() }

// Compute counts one invocation and the keys it covered.
func (a *Adapter) Compute(n int) {
	a.computes.Inc()
	a.keys.Add(float64(n))
}

// ObserveCompute records a compute duration in the histogram.
func (a *Adapter) ObserveCompute(d time.Duration) {
	a.computeSecs.Observe(d.Seconds())
}

// Retry increments the post-wait retry counter.
func (a *Adapter) Retry() { a.retries.Inc() }

// path maps LockPath to a stable label value.
func path(p herd.LockPath) string {
	switch p {
	case herd.LockCas:
		return "cas"
	default:
		return "add"
	}
}

// Compile-time check: ensure Adapter implements herd.Metrics.
var _ herd.Metrics = (*Adapter)(nil)
