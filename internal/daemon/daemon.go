package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/hpcloud/tail"
	"github.com/relex/gotils/logger"

	"github.com/Chichichkin/SnowpipeAgent/internal/logging"
)

const DefaultPattern = "**.json"

// Service tails JSON-lines files under RootPath and submits every line.
type Service struct {
	config    Config
	submitter logging.Submitter
	matcher   glob.Glob
	logger    logger.Logger
	fileQueue chan string
	workers   []*worker
	workersWg sync.WaitGroup

	subServicesWg sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	metrics       *Metrics

	scaleMutex     sync.RWMutex
	currentWorkers int
	maxWorkers     int
	minWorkers     int

	filesMutex sync.Mutex
	seenFiles  map[string]struct{}
	// files that are queued or being tailed
	claimed map[string]struct{}
	// read position of files whose tail session ended
	offsets map[string]int64
	scanned bool
}

type worker struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
}

type Config struct {
	RootPath string
	// Pattern is matched against the slash-separated path relative to RootPath.
	Pattern            string
	ScanInterval       time.Duration
	MinWorkers         int
	MaxWorkers         int
	FileQueueSize      int
	ScaleUpThreshold   float64 // default: 0.9
	ScaleDownThreshold float64 // default: 0.3
	ScaleCheckInterval time.Duration
	// If > 0, stop tailing a file after this period without new lines
	FileIdleTimeout time.Duration
	// Read files found by the first scan from the start instead of the end.
	// Files created later are always read from the start.
	FromBeginning  bool
	ReportInterval time.Duration
}

// NewService always creates 3 + config.MinWorkers go routines on Start()
func NewService(ctx context.Context, parentLogger logger.Logger, config Config, submitter logging.Submitter) (*Service, error) {
	if config.Pattern == "" {
		config.Pattern = DefaultPattern
	}
	matcher, err := glob.Compile(config.Pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid input pattern %q: %w", config.Pattern, err)
	}
	if config.MinWorkers <= 0 {
		config.MinWorkers = 1
	}
	if config.MaxWorkers < config.MinWorkers {
		config.MaxWorkers = config.MinWorkers
	}
	if config.FileQueueSize <= 0 {
		config.FileQueueSize = 1
	}
	if config.ScaleUpThreshold == 0 {
		config.ScaleUpThreshold = 0.9
	}
	if config.ScaleDownThreshold == 0 {
		config.ScaleDownThreshold = 0.3
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = 30 * time.Second
	}
	if config.ScaleCheckInterval <= 0 {
		config.ScaleCheckInterval = 15 * time.Second
	}
	if config.ReportInterval <= 0 {
		config.ReportInterval = 30 * time.Second
	}

	nCtx, cancel := context.WithCancel(ctx)

	service := &Service{
		config:    config,
		submitter: submitter,
		matcher:   matcher,
		logger: parentLogger.WithFields(logger.Fields{
			logging.LabelComponent: "LogDaemon",
			"root":                 config.RootPath,
		}),
		fileQueue: make(chan string, config.FileQueueSize),
		ctx:       nCtx,
		cancel:    cancel,
		metrics: &Metrics{
			FilesQueueCapacity: config.FileQueueSize,
		},
		minWorkers:     config.MinWorkers,
		maxWorkers:     config.MaxWorkers,
		currentWorkers: config.MinWorkers,
		seenFiles:      make(map[string]struct{}),
		claimed:        make(map[string]struct{}),
		offsets:        make(map[string]int64),
	}

	service.workers = make([]*worker, config.MaxWorkers+1)

	return service, nil
}

func (s *Service) Metrics() *Metrics {
	return s.metrics
}

func (s *Service) Start() {
	s.logger.Infof("starting: min workers=%d, max workers=%d, queue size=%d, pattern=%s",
		s.minWorkers, s.maxWorkers, s.config.FileQueueSize, s.config.Pattern)

	s.scaleMutex.Lock()
	for i := 0; i < s.minWorkers; i++ {
		s.startWorker(i)
	}
	s.scaleMutex.Unlock()

	s.subServicesWg.Add(1)
	go s.scanner()

	s.subServicesWg.Add(1)
	go s.monitorAndScale()

	s.subServicesWg.Add(1)
	go s.metricsReporter()
}

func (s *Service) Stop() {
	s.logger.Infof("stopping...")
	s.cancel()

	s.subServicesWg.Wait()

	close(s.fileQueue)
	s.workersWg.Wait()

	s.logger.Infof("stopped")
}

// startWorker must be called with scaleMutex held.
func (s *Service) startWorker(id int) {
	if id >= len(s.workers) || s.workers[id] != nil {
		return
	}

	workerCtx, cancel := context.WithCancel(s.ctx)
	w := &worker{
		id:     id,
		ctx:    workerCtx,
		cancel: cancel,
	}
	s.workers[id] = w

	s.workersWg.Add(1)
	go s.worker(w)

	s.metrics.IncWorkersActive()
}

// stopWorker must be called with scaleMutex held.
func (s *Service) stopWorker(id int) {
	if id >= len(s.workers) || s.workers[id] == nil {
		return
	}

	s.workers[id].cancel()
	s.workers[id] = nil

	s.metrics.DecWorkersActive()
}

func (s *Service) worker(w *worker) {
	defer s.workersWg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("worker %d panicked: %v", w.id, r)
		}
	}()

	for {
		select {
		case filePath, ok := <-s.fileQueue:
			if !ok {
				return
			}
			s.metrics.DecAmountQueueFiles()
			if w.ctx.Err() != nil {
				s.release(filePath, -1)
				return
			}
			s.metrics.IncWorkersBusy()
			s.processFile(w.ctx, filePath)
			s.metrics.DecWorkersBusy()

		case <-w.ctx.Done():
			return
		}
	}
}

// tailLocation always resolves to an absolute offset so that the caller can
// track the read position by counting consumed bytes.
func (s *Service) tailLocation(filePath string) tail.SeekInfo {
	s.filesMutex.Lock()
	defer s.filesMutex.Unlock()

	info, statErr := os.Stat(filePath)
	if offset, ok := s.offsets[filePath]; ok {
		if statErr == nil && info.Size() >= offset {
			return tail.SeekInfo{Offset: offset, Whence: io.SeekStart}
		}
		// truncated or replaced
		return tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
	}
	if s.config.FromBeginning || statErr != nil {
		return tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
	}
	return tail.SeekInfo{Offset: info.Size(), Whence: io.SeekStart}
}

// release makes the file eligible for the next scan and remembers where
// reading stopped. A negative offset keeps the previous one.
func (s *Service) release(filePath string, offset int64) {
	s.filesMutex.Lock()
	defer s.filesMutex.Unlock()

	delete(s.claimed, filePath)
	if offset >= 0 {
		s.offsets[filePath] = offset
	}
}

func (s *Service) processFile(ctx context.Context, filePath string) {
	offset := int64(-1)
	defer func() { s.release(filePath, offset) }()
	defer s.metrics.IncFilesProcessed()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("processing %s panicked: %v", filePath, r)
			s.metrics.IncFilesFailed()
		}
	}()

	location := s.tailLocation(filePath)
	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &location,
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.logger.Errorf("failed to tail %s: %v", filePath, err)
		s.metrics.IncFilesFailed()
		return
	}

	// end of the last line taken from t.Lines; every line is its text plus
	// the newline. Truncation during a session is not tracked.
	pos := location.Offset
	consume := func(line *tail.Line) bool {
		if line != nil && line.Err == nil {
			pos += int64(len(line.Text)) + 1
		}
		return s.submitLine(filePath, line)
	}

	defer t.Cleanup()
	defer func() {
		t.Kill(nil)
		// the reader may be blocked handing over one more line
		for line := range t.Lines {
			consume(line)
		}
		_ = t.Wait()
		offset = pos
	}()

	checkTicker := time.NewTicker(1 * time.Second)
	defer checkTicker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if consume(line) {
				lastActivity = time.Now()
			}

		case <-checkTicker.C:
			// waking up from blocking line reading to check context status and idle timeout
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// submitLine reports whether a line was read, whatever became of it.
func (s *Service) submitLine(filePath string, line *tail.Line) bool {
	if line == nil {
		return false
	}
	if line.Err != nil {
		s.logger.Warnf("error reading from %s: %v", filePath, line.Err)
		return false
	}

	record := strings.TrimSpace(line.Text)
	if record == "" {
		return true
	}
	if err := s.submitter.Submit(record); err != nil {
		s.logger.Errorf("failed to submit line from %s: %v", filePath, err)
		s.metrics.IncSubmitErrors()
		return true
	}
	s.metrics.IncLinesSubmitted()
	return true
}

func (s *Service) scanner() {
	defer s.subServicesWg.Done()

	s.scanFiles()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanFiles()

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) scanFiles() {
	files, err := s.discoverLogFiles()
	if err != nil {
		s.logger.Errorf("error discovering input files: %v", err)
		return
	}

	defer func() {
		s.filesMutex.Lock()
		s.scanned = true
		s.filesMutex.Unlock()
	}()

	for _, file := range files {
		if !s.claim(file) {
			continue
		}
		select {
		case s.fileQueue <- file:
			s.metrics.IncAmountQueueFiles()
		case <-s.ctx.Done():
			s.release(file, -1)
			return

		default:
			s.release(file, -1)
			s.logger.Warnf("file queue full (%d/%d), skipping %s",
				len(s.fileQueue), cap(s.fileQueue), file)
		}
	}
}

// claim reports whether the file is free to be queued and marks it taken.
func (s *Service) claim(file string) bool {
	s.filesMutex.Lock()
	defer s.filesMutex.Unlock()

	if _, ok := s.seenFiles[file]; !ok {
		s.metrics.IncFilesDiscovered()
		s.seenFiles[file] = struct{}{}
		// created after startup: nothing in it has been read yet
		if s.scanned {
			s.offsets[file] = 0
		}
	}
	if _, ok := s.claimed[file]; ok {
		return false
	}
	s.claimed[file] = struct{}{}
	return true
}

func (s *Service) monitorAndScale() {
	defer s.subServicesWg.Done()

	ticker := time.NewTicker(s.config.ScaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.adjustWorkers()

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) adjustWorkers() {
	metrics := s.metrics.GetMetricsStamp()

	s.scaleMutex.RLock()
	current := s.currentWorkers
	s.scaleMutex.RUnlock()

	if s.minWorkers == s.maxWorkers {
		return
	}

	queueUsage := metrics.QueueUsage()
	workerUtilization := 0.0
	if current > 0 {
		workerUtilization = float64(metrics.WorkersBusy) / float64(current)
	}

	if queueUsage > s.config.ScaleUpThreshold &&
		workerUtilization > s.config.ScaleUpThreshold &&
		current < s.maxWorkers {
		s.scaleUp()
	} else if queueUsage < s.config.ScaleDownThreshold &&
		workerUtilization < s.config.ScaleDownThreshold &&
		current > s.minWorkers {
		s.scaleDown()
	}
}

func (s *Service) scaleUp() {
	s.scaleMutex.Lock()
	defer s.scaleMutex.Unlock()

	if s.currentWorkers >= s.maxWorkers {
		return
	}

	newWorkerID := s.currentWorkers
	s.currentWorkers++

	s.startWorker(newWorkerID)
	s.metrics.IncScaleUpOperations()

	s.logger.Infof("scaled up to %d workers (queue usage: %d%%)",
		s.currentWorkers, int(s.metrics.GetQueueUsage()*100))
}

func (s *Service) scaleDown() {
	s.scaleMutex.Lock()
	defer s.scaleMutex.Unlock()

	if s.currentWorkers <= s.minWorkers {
		return
	}

	workerToStop := s.currentWorkers - 1
	s.currentWorkers--

	s.stopWorker(workerToStop)
	s.metrics.IncScaleDownOperations()

	s.logger.Infof("scaled down to %d workers (queue usage: %d%%)",
		s.currentWorkers, int(s.metrics.GetQueueUsage()*100))
}

func (s *Service) CurrentWorkers() int {
	s.scaleMutex.RLock()
	defer s.scaleMutex.RUnlock()
	return s.currentWorkers
}

func (s *Service) metricsReporter() {
	defer s.subServicesWg.Done()

	ticker := time.NewTicker(s.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics := s.metrics.GetMetricsStamp()

			s.logger.Infof(
				"workers active/max=%d/%d, busy=%d, queue=%d/%d (%d%%), files=%d/%d, lines=%d, submit errors=%d, scale up/down=%d/%d",
				metrics.WorkersActive, s.maxWorkers,
				metrics.WorkersBusy,
				metrics.QueuedFiles, s.config.FileQueueSize, int(metrics.QueueUsage()*100),
				metrics.FilesProcessed, metrics.FilesDiscovered,
				metrics.LinesSubmitted, metrics.SubmitErrors,
				metrics.ScaleUpOperations, metrics.ScaleDownOperations,
			)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.Walk(s.config.RootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.logger.Warnf("error accessing path %s: %v", path, err)
			return nil
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(s.config.RootPath, path)
		if err != nil {
			return nil
		}
		if s.matcher.Match(filepath.ToSlash(rel)) {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}
