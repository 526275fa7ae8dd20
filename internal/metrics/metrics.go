package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enhancer_jobs_total",
			Help: "Enhancement jobs lifecycle counter by stage",
		},
		[]string{"stage"}, // submitted|rejected|rendering|completed|failed|canceled
	)

	OutboxDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enhancer_outbox_dispatch_total",
			Help: "Outbox dispatch attempts by result",
		},
		[]string{"result"}, // delivered|retried|failed|skipped|lost
	)

	CreditsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enhancer_credits_total",
			Help: "Credits moved by ledger operation",
		},
		[]string{"op"}, // reserve|refund|grant
	)

	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enhancer_callbacks_total",
			Help: "Provider callbacks by result",
		},
		[]string{"result"}, // applied|duplicate|invalid_signature|expired|bad_request|error
	)

	ProgressDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enhancer_progress_dropped_total",
			Help: "Progress events dropped for slow subscribers",
		},
	)
)

var once sync.Once

// MustRegister registers all collectors once per process.
func MustRegister(r prometheus.Registerer) {
	once.Do(func() {
		r.MustRegister(
			JobsTotal,
			OutboxDispatchTotal,
			CreditsTotal,
			CallbacksTotal,
			ProgressDropped,
		)
	})
}
