package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	SegmentsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "BackupStore",
		Name:      "segments_open",
		Help:      "segments currently open or closed-but-held on this backup",
	})

	SegmentOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "BackupStore",
		Name:      "segment_ops_total",
		Help:      "segment table operations by op and result",
	}, []string{"op", "result"})

	BytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "BackupStore",
		Name:      "segment_bytes_written_total",
		Help:      "bytes appended into staging chunks by owners",
	})

	RecoveryLoads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "BackupStore",
		Name:      "recovery_loads_total",
		Help:      "segment loads issued for crash recovery",
	})

	BackupFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "BackupStore",
		Name:      "backup_failures_handled_total",
		Help:      "crashed servers handled by the failure monitor",
	})
)

func init() {
	Registry.MustRegister(
		SegmentsOpen,
		SegmentOps,
		BytesWritten,
		RecoveryLoads,
		BackupFailures,
	)
}
