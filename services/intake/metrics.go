package intake

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	capturesSyncedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kioskd_captures_synced_total",
		Help: "Captures successfully pushed to the remote store.",
	})

	syncFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kioskd_sync_failures_total",
		Help: "Failed remote upload attempts.",
	})

	sweepDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kioskd_sweep_deleted_total",
		Help: "Captures removed by the retention sweeper.",
	})

	sweepBytesFreedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kioskd_sweep_bytes_freed_total",
		Help: "Photo bytes freed by the retention sweeper.",
	})
)
