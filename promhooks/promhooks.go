// Package promhooks exports idxcas.Hooks events as prometheus metrics.
package promhooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/unkn0wn-root/idxcas"
	"github.com/unkn0wn-root/idxcas/backend"
)

type Options struct {
	Namespace string                // metric namespace; "" => "idxcas"
	Registry  prometheus.Registerer // nil => prometheus.DefaultRegisterer
}

type Hooks struct {
	corrupt      prometheus.Counter
	conflicts    *prometheus.CounterVec
	exhausted    prometheus.Counter
	cacheLookups *prometheus.CounterVec
	batches      *prometheus.CounterVec
	batchSize    prometheus.Histogram
	batchErrors  prometheus.Counter
}

var _ idxcas.Hooks = (*Hooks)(nil)

// New registers the metrics. Registering twice on one registry panics, as
// with promauto.
func New(opts Options) *Hooks {
	ns := opts.Namespace
	if ns == "" {
		ns = "idxcas"
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Hooks{
		corrupt: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "corrupt_index_total",
			Help:      "Index lookups that returned more than one owner",
		}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "conflicts_total",
			Help:      "Commit attempts that did not commit, by result",
		}, []string{"result"}),
		exhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "retries_exhausted_total",
			Help:      "Upserts that gave up after the retry budget",
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Read cache lookups by op and outcome",
		}, []string{"op", "outcome"}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "batch",
			Name:      "flushes_total",
			Help:      "Grouped backend calls by flush reason",
		}, []string{"reason"}),
		batchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "batch",
			Name:      "size",
			Help:      "Requests per grouped backend call",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 200, 500},
		}),
		batchErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "batch",
			Name:      "errors_total",
			Help:      "Grouped backend calls that failed",
		}),
	}
}

func (h *Hooks) CorruptIndex(int64, int) { h.corrupt.Inc() }

func (h *Hooks) Conflict(_ int64, r backend.Result, _ int) {
	h.conflicts.WithLabelValues(r.String()).Inc()
}

func (h *Hooks) RetriesExhausted(int64, int) { h.exhausted.Inc() }

func (h *Hooks) CacheHit(op string)  { h.cacheLookups.WithLabelValues(op, "hit").Inc() }
func (h *Hooks) CacheMiss(op string) { h.cacheLookups.WithLabelValues(op, "miss").Inc() }

func (h *Hooks) BatchFlushed(size int, reason string) {
	h.batches.WithLabelValues(reason).Inc()
	h.batchSize.Observe(float64(size))
}

func (h *Hooks) BatchFailed(size int, _ error) {
	h.batchErrors.Inc()
	h.batchSize.Observe(float64(size))
}
