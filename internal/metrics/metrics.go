package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reserveAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashsale_reserve_attempts_total",
			Help: "Reservation attempts by outcome",
		},
		[]string{"outcome"},
	)

	admissions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flashsale_admissions_total",
			Help: "Users admitted from the queue",
		},
	)

	queueJoins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashsale_queue_joins_total",
			Help: "Queue join attempts by outcome",
		},
		[]string{"outcome"},
	)

	jobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashsale_reconcile_runs_total",
			Help: "Reconciliation job runs by job and result",
		},
		[]string{"job", "result"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flashsale_reconcile_duration_seconds",
			Help:    "Reconciliation job duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"job"},
	)
)

func ReserveAttempt(outcome string) {
	reserveAttempts.WithLabelValues(outcome).Inc()
}

func Admitted(n int) {
	admissions.Add(float64(n))
}

func QueueJoin(outcome string) {
	queueJoins.WithLabelValues(outcome).Inc()
}

func JobRun(job, result string, d time.Duration) {
	jobRuns.WithLabelValues(job, result).Inc()
	jobDuration.WithLabelValues(job).Observe(d.Seconds())
}
