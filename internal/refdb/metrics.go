package refdb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refdb_ref_updates_total",
			Help: "Total number of reference updates by kind and result",
		},
		[]string{"kind", "result"},
	)

	lockRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "refdb_lock_retries_total",
			Help: "Total number of times acquiring reference locks had to be retried",
		},
	)
)

func countUpdate(kind string, result Result) {
	refUpdatesTotal.WithLabelValues(kind, result.Value()).Inc()
}
