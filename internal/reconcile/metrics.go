package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	pollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timebank",
		Subsystem: "reconcile",
		Name:      "polls_total",
		Help:      "Total background polls issued.",
	})

	staleResultsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timebank",
		Subsystem: "reconcile",
		Name:      "stale_results_dropped_total",
		Help:      "Poll results discarded because a later-issued poll already applied.",
	})

	pollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timebank",
		Subsystem: "reconcile",
		Name:      "poll_errors_total",
		Help:      "Total poll fetch errors.",
	})
)

func init() {
	prometheus.MustRegister(pollsTotal, staleResultsDropped, pollErrors)
}
