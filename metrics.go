package splitmap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "splitmap"

type metrics struct {
	resizes         prometheus.Counter
	resizeRacesLost prometheus.Counter

	bucketsInitialized prometheus.Counter
	sentinelRacesLost  prometheus.Counter

	nodesUnlinked prometheus.Counter
	casRetries    prometheus.Counter
	restarts      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		resizes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resizes_total",
			Help:      "Total number of times the bucket directory was doubled.",
		}),
		resizeRacesLost: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resize_races_lost_total",
			Help:      "Total number of candidate directories discarded because another resize won.",
		}),
		bucketsInitialized: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buckets_initialized_total",
			Help:      "Total number of bucket sentinels linked into the list.",
		}),
		sentinelRacesLost: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sentinel_races_lost_total",
			Help:      "Total number of sentinels discarded because the bucket was already initialized.",
		}),
		nodesUnlinked: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_unlinked_total",
			Help:      "Total number of deleted nodes physically unlinked from the list.",
		}),
		casRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cas_retries_total",
			Help:      "Total number of inserts and deletes retried after a failed compare and swap.",
		}),
		restarts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traversal_restarts_total",
			Help:      "Total number of list traversals restarted because the list changed underneath.",
		}),
	}
}

// registerGauges exposes the live size of t. nil reg means nothing is registered.
func registerGauges[V any](t *Table[V], reg prometheus.Registerer) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "entries",
		Help:      "The current number of live entries.",
	}, func() float64 {
		return float64(t.Len())
	})
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "directory_size",
		Help:      "The current number of buckets in the directory.",
	}, func() float64 {
		return float64(t.Size())
	})
}
