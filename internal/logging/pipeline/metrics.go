package pipeline

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Chichichkin/SnowpipeAgent/internal/logging"
)

const metricsNamespace = "snowpipe_agent"

type metrics struct {
	records       prometheus.Counter
	memoryFlushes prometheus.Counter
	diskFlushes   prometheus.Counter
	notifications prometheus.Counter
	failures      *prometheus.CounterVec
	buffered      prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		records: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "records_total",
			Help:      "Records appended to the buffer file",
		}),
		memoryFlushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "memory_flushes_total",
			Help:      "Flushes of compressed bytes to the buffer file",
		}),
		diskFlushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "disk_flushes_total",
			Help:      "Buffer files finalized and uploaded",
		}),
		notifications: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "notifications_total",
			Help:      "Uploaded files registered with the ingestion endpoint",
		}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "failures_total",
			Help:      "Failed flush cycles and storage errors by kind",
		}, []string{"kind"}),
		buffered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "buffered_records",
			Help:      "Records in the current buffer file",
		}),
	}
}

func failureKind(err error) string {
	var (
		ioErr     *logging.IOError
		uploadErr *logging.UploadError
		keyErr    *logging.KeyReadError
		notifyErr *logging.NotificationError
	)
	switch {
	case errors.As(err, &ioErr):
		return "io"
	case errors.As(err, &uploadErr):
		return "upload"
	case errors.As(err, &keyErr):
		return "key"
	case errors.As(err, &notifyErr):
		return "notification"
	default:
		return "other"
	}
}
