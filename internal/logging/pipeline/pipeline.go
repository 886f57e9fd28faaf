package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/relex/gotils/logger"

	"github.com/Chichichkin/SnowpipeAgent/internal/logging"
	"github.com/Chichichkin/SnowpipeAgent/internal/logging/buffer"
)

const DefaultTickInterval = time.Second

type State int

const (
	Idle State = iota
	Buffering
	Flushing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Buffering:
		return "buffering"
	case Flushing:
		return "flushing"
	default:
		return "unknown"
	}
}

type Config struct {
	// TickInterval is how often Run re-evaluates the time thresholds.
	TickInterval time.Duration
	Now          func() time.Time
	// OnCycleError receives upload, key and notification failures. It runs
	// with the pipeline lock held and must not call back into the pipeline.
	OnCycleError func(error)
	// Registerer defaults to a private registry.
	Registerer prometheus.Registerer
}

type Stats struct {
	Records       int64
	MemoryFlushes int64
	DiskFlushes   int64
	Notifications int64
	CycleFailures int64
}

// Pipeline appends records to a RecordBuffer and runs the
// flush, upload and notify cycle when the buffer policy says so.
type Pipeline struct {
	buffer   *buffer.RecordBuffer
	tokens   logging.TokenSource
	notifier logging.Notifier
	config   Config
	logger   logger.Logger
	metrics  *metrics

	mu    sync.Mutex
	state State
	stats Stats
}

func New(parentLogger logger.Logger, config Config, buf *buffer.RecordBuffer, tokens logging.TokenSource, notifier logging.Notifier) *Pipeline {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.NewRegistry()
	}
	return &Pipeline{
		buffer:   buf,
		tokens:   tokens,
		notifier: notifier,
		config:   config,
		logger:   parentLogger.WithField(logging.LabelComponent, "IngestPipeline"),
		metrics:  newMetrics(config.Registerer),
	}
}

// Submit appends one serialized record. When a threshold is reached the whole
// flush cycle runs before Submit returns.
//
// Only storage errors are returned; failed cycles are reported through
// OnCycleError and the pipeline keeps accepting records.
func (p *Pipeline) Submit(record string) error {
	if record == "" {
		return logging.ErrEmptyRecord
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.buffer.Append(record); err != nil {
		p.metrics.failures.WithLabelValues(failureKind(err)).Inc()
		return err
	}
	p.state = Buffering
	p.stats.Records++
	p.metrics.records.Inc()
	p.metrics.buffered.Set(float64(p.buffer.State().RecordCount))

	return p.evaluate(context.Background())
}

// SubmitObject serializes v as JSON and submits it.
func (p *Pipeline) SubmitObject(v any) error {
	if v == nil {
		return logging.ErrEmptyRecord
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return p.Submit(string(data))
}

// Tick evaluates the policy without appending anything.
func (p *Pipeline) Tick(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evaluate(ctx)
}

// Run calls Tick every TickInterval until ctx is done. Cancelling ctx stops the
// loop but never a flush that has already started.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.TickInterval)
	defer ticker.Stop()

	flushCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ticker.C:
			if err := p.Tick(flushCtx); err != nil {
				p.logger.Errorf("periodic flush: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Drain flushes whatever is buffered and leaves the pipeline idle. Unlike
// Submit it returns cycle errors, so callers can report files left behind.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.state = Idle }()

	if !p.buffer.State().Open {
		return nil
	}

	if err := p.flushMemory(); err != nil {
		return err
	}
	if err := p.cycle(ctx); err != nil {
		p.cycleFailed(err)
		return err
	}
	return nil
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// evaluate must be called with p.mu held.
func (p *Pipeline) evaluate(ctx context.Context) error {
	thresholds := p.buffer.Thresholds()
	if !p.buffer.State().Open {
		return nil
	}

	if buffer.Decide(p.buffer.State(), thresholds, p.config.Now()).MemoryFlushDue {
		if err := p.flushMemory(); err != nil {
			return err
		}
	}

	// re-read state: the memory flush refreshed ByteSize
	if !buffer.Decide(p.buffer.State(), thresholds, p.config.Now()).DiskFlushDue {
		return nil
	}

	if err := p.cycle(ctx); err != nil {
		p.cycleFailed(err)
		var ioErr *logging.IOError
		if errors.As(err, &ioErr) {
			return err
		}
	}
	return nil
}

func (p *Pipeline) flushMemory() error {
	if err := p.buffer.FlushMemory(); err != nil {
		p.metrics.failures.WithLabelValues(failureKind(err)).Inc()
		return err
	}
	p.stats.MemoryFlushes++
	p.metrics.memoryFlushes.Inc()
	return nil
}

func (p *Pipeline) cycle(ctx context.Context) error {
	p.state = Flushing
	defer func() { p.state = Buffering }()

	records := p.buffer.State().RecordCount
	p.metrics.buffered.Set(0)

	result, err := p.buffer.FlushDisk(ctx)
	if err != nil {
		return err
	}
	p.stats.DiskFlushes++
	p.metrics.diskFlushes.Inc()
	p.logger.Infof("uploaded %d records as %s (%d bytes)", records, result.RemotePath, result.RemoteSizeBytes)

	token, err := p.tokens.Token()
	if err != nil {
		return err
	}
	if err := p.notifier.Notify(ctx, result, token); err != nil {
		return err
	}
	p.stats.Notifications++
	p.metrics.notifications.Inc()
	return nil
}

func (p *Pipeline) cycleFailed(err error) {
	p.stats.CycleFailures++
	p.metrics.failures.WithLabelValues(failureKind(err)).Inc()

	var uploadErr *logging.UploadError
	if errors.As(err, &uploadErr) {
		p.logger.Errorf("upload failed, %s left for recovery: %v", uploadErr.File, err)
	} else {
		p.logger.Errorf("flush cycle failed: %v", err)
	}

	if p.config.OnCycleError != nil {
		p.config.OnCycleError(err)
	}
}
