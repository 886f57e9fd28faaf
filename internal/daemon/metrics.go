package daemon

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	FilesDiscovered     int
	FilesProcessed      int
	FilesFailed         int
	QueuedFiles         int
	FilesQueueCapacity  int
	WorkersActive       int
	WorkersBusy         int
	ScaleUpOperations   int
	ScaleDownOperations int
	LinesSubmitted      int
	SubmitErrors        int
	mu                  sync.RWMutex
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	FilesDiscovered     int
	FilesProcessed      int
	FilesFailed         int
	QueuedFiles         int
	FilesQueueCapacity  int
	WorkersActive       int
	WorkersBusy         int
	ScaleUpOperations   int
	ScaleDownOperations int
	LinesSubmitted      int
	SubmitErrors        int
}

func (s Snapshot) QueueUsage() float64 {
	if s.FilesQueueCapacity == 0 {
		return 0
	}
	return float64(s.QueuedFiles) / float64(s.FilesQueueCapacity)
}

func (m *Metrics) add(field *int, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*field += delta
}

func (m *Metrics) IncFilesDiscovered() { m.add(&m.FilesDiscovered, 1) }
func (m *Metrics) IncFilesProcessed() { m.add(&m.FilesProcessed, 1) }
func (m *Metrics) IncFilesFailed() { m.add(&m.FilesFailed, 1) }
func (m *Metrics) IncAmountQueueFiles() { m.add(&m.QueuedFiles, 1) }
func (m *Metrics) DecAmountQueueFiles() { m.add(&m.QueuedFiles, -1) }
func (m *Metrics) IncWorkersActive() { m.add(&m.WorkersActive, 1) }
func (m *Metrics) DecWorkersActive() { m.add(&m.WorkersActive, -1) }
func (m *Metrics) IncWorkersBusy() { m.add(&m.WorkersBusy, 1) }
func (m *Metrics) DecWorkersBusy() { m.add(&m.WorkersBusy, -1) }
func (m *Metrics) IncScaleUpOperations() { m.add(&m.ScaleUpOperations, 1) }
func (m *Metrics) IncScaleDownOperations() { m.add(&m.ScaleDownOperations, 1) }
func (m *Metrics) IncLinesSubmitted() { m.add(&m.LinesSubmitted, 1) }
func (m *Metrics) IncSubmitErrors() { m.add(&m.SubmitErrors, 1) }

func (m *Metrics) GetMetricsStamp() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		FilesDiscovered:     m.FilesDiscovered,
		FilesProcessed:      m.FilesProcessed,
		FilesFailed:         m.FilesFailed,
		QueuedFiles:         m.QueuedFiles,
		FilesQueueCapacity:  m.FilesQueueCapacity,
		WorkersActive:       m.WorkersActive,
		WorkersBusy:         m.WorkersBusy,
		ScaleUpOperations:   m.ScaleUpOperations,
		ScaleDownOperations: m.ScaleDownOperations,
		LinesSubmitted:      m.LinesSubmitted,
		SubmitErrors:        m.SubmitErrors,
	}
}

func (m *Metrics) GetQueueUsage() float64 {
	return m.GetMetricsStamp().QueueUsage()
}

// Register exports the counters as prometheus metrics read on every scrape.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	counter := func(name, help string, value func(Snapshot) int) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "snowpipe_agent",
			Subsystem: "daemon",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(m.GetMetricsStamp())) })
	}
	gauge := func(name, help string, value func(Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "snowpipe_agent",
			Subsystem: "daemon",
			Name:      name,
			Help:      help,
		}, func() float64 { return value(m.GetMetricsStamp()) })
	}

	collectors := []prometheus.Collector{
		counter("files_discovered_total", "Input files seen for the first time",
			func(s Snapshot) int { return s.FilesDiscovered }),
		counter("files_processed_total", "Tail sessions finished",
			func(s Snapshot) int { return s.FilesProcessed }),
		counter("files_failed_total", "Tail sessions that could not start or panicked",
			func(s Snapshot) int { return s.FilesFailed }),
		counter("lines_submitted_total", "Lines handed to the pipeline",
			func(s Snapshot) int { return s.LinesSubmitted }),
		counter("submit_errors_total", "Lines rejected by the pipeline",
			func(s Snapshot) int { return s.SubmitErrors }),
		counter("scale_up_total", "Worker scale-up operations",
			func(s Snapshot) int { return s.ScaleUpOperations }),
		counter("scale_down_total", "Worker scale-down operations",
			func(s Snapshot) int { return s.ScaleDownOperations }),
		gauge("workers_active", "Running tail workers",
			func(s Snapshot) float64 { return float64(s.WorkersActive) }),
		gauge("workers_busy", "Workers currently tailing a file",
			func(s Snapshot) float64 { return float64(s.WorkersBusy) }),
		gauge("queue_usage_ratio", "Queued files relative to queue capacity",
			func(s Snapshot) float64 { return s.QueueUsage() }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
