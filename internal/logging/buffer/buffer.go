package buffer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/relex/gotils/logger"

	"github.com/Chichichkin/SnowpipeAgent/internal/logging"
)

const (
	DefaultTempPrefix       = "snowpipe-"
	DefaultCompressionLevel = gzip.BestSpeed
)

type Config struct {
	// Path of the active gzip file. Finalized files are renamed next to it.
	Path       string
	TempPrefix string
	Thresholds Thresholds
	// CompressionLevel defaults to gzip.BestSpeed when zero.
	CompressionLevel int
	Now              func() time.Time
}

// RecordBuffer writes newline-delimited records into a gzip file and hands
// finished files to a StageUploader.
//
// It is not safe for concurrent use: Append, FlushMemory and FlushDisk must be
// serialized by the caller.
type RecordBuffer struct {
	config   Config
	uploader logging.StageUploader
	logger   logger.Logger

	file  *os.File
	gz    *gzip.Writer
	state State
}

func New(parentLogger logger.Logger, config Config, uploader logging.StageUploader) *RecordBuffer {
	if config.TempPrefix == "" {
		config.TempPrefix = DefaultTempPrefix
	}
	if config.CompressionLevel == 0 {
		config.CompressionLevel = DefaultCompressionLevel
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &RecordBuffer{
		config:   config,
		uploader: uploader,
		logger: parentLogger.WithFields(logger.Fields{
			logging.LabelComponent: "RecordBuffer",
			logging.LabelFile:      config.Path,
		}),
	}
}

func (b *RecordBuffer) State() State {
	return b.state
}

func (b *RecordBuffer) Thresholds() Thresholds {
	return b.config.Thresholds
}

// Append writes one record followed by a newline, opening the file first if needed.
func (b *RecordBuffer) Append(record string) error {
	if b.file == nil {
		if err := b.open(); err != nil {
			return err
		}
	}

	if _, err := io.WriteString(b.gz, record); err != nil {
		return &logging.IOError{Op: "write", Path: b.config.Path, Err: err}
	}
	if _, err := io.WriteString(b.gz, "\n"); err != nil {
		return &logging.IOError{Op: "write", Path: b.config.Path, Err: err}
	}
	b.state.RecordCount++
	return nil
}

// FlushMemory pushes compressed bytes to disk and refreshes the size used by the policy.
func (b *RecordBuffer) FlushMemory() error {
	if b.file == nil {
		return nil
	}

	if err := b.gz.Flush(); err != nil {
		return &logging.IOError{Op: "flush", Path: b.config.Path, Err: err}
	}
	if err := b.file.Sync(); err != nil {
		return &logging.IOError{Op: "sync", Path: b.config.Path, Err: err}
	}
	info, err := b.file.Stat()
	if err != nil {
		return &logging.IOError{Op: "stat", Path: b.config.Path, Err: err}
	}

	b.state.ByteSize = info.Size()
	b.state.MemoryExpiry = b.config.Now().Add(b.config.Thresholds.MemoryFlushInterval)
	return nil
}

// FlushDisk finalizes the current file, moves it to a fresh temporary name and
// uploads it. A new Append may start a new file as soon as the rename is done.
//
// On upload failure the temporary file is left in place and an UploadError
// naming it is returned.
func (b *RecordBuffer) FlushDisk(ctx context.Context) (logging.UploadResult, error) {
	if b.file == nil {
		return logging.UploadResult{}, logging.ErrBufferEmpty
	}

	records := b.state.RecordCount
	if err := b.release(); err != nil {
		return logging.UploadResult{}, &logging.IOError{Op: "close", Path: b.config.Path, Err: err}
	}

	tmpPath := b.tempName("")
	if err := os.Rename(b.config.Path, tmpPath); err != nil {
		return logging.UploadResult{}, &logging.IOError{Op: "rename", Path: b.config.Path, Err: err}
	}
	b.logger.Infof("finalized %d records into %s", records, tmpPath)

	result, err := b.uploader.Upload(ctx, tmpPath)
	if err != nil {
		return logging.UploadResult{}, &logging.UploadError{File: tmpPath, Err: err}
	}

	if err := os.Remove(tmpPath); err != nil {
		b.logger.Warnf("failed to remove uploaded file %s: %v", tmpPath, err)
	}
	return result, nil
}

// release closes the stream, zeroes the counters and restarts both expiry
// clocks. The file itself stays at config.Path.
func (b *RecordBuffer) release() error {
	gzErr := b.gz.Close()
	fileErr := b.file.Close()

	now := b.config.Now()
	b.gz = nil
	b.file = nil
	b.state = State{
		MemoryExpiry: now.Add(b.config.Thresholds.MemoryFlushInterval),
		DiskExpiry:   now.Add(b.config.Thresholds.DiskFlushInterval),
	}

	return errors.Join(gzErr, fileErr)
}

func (b *RecordBuffer) open() error {
	if err := b.setAsideLeftover(); err != nil {
		return err
	}

	f, err := os.OpenFile(b.config.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &logging.IOError{Op: "open", Path: b.config.Path, Err: err}
	}
	gz, err := gzip.NewWriterLevel(f, b.config.CompressionLevel)
	if err != nil {
		_ = f.Close()
		return &logging.IOError{Op: "open", Path: b.config.Path, Err: err}
	}

	// expiries survive a disk flush, so a record arriving after a long idle
	// gap is flushed right away
	now := b.config.Now()
	b.file = f
	b.gz = gz
	b.state.Open = true
	if b.state.MemoryExpiry.IsZero() {
		b.state.MemoryExpiry = now.Add(b.config.Thresholds.MemoryFlushInterval)
	}
	if b.state.DiskExpiry.IsZero() {
		b.state.DiskExpiry = now.Add(b.config.Thresholds.DiskFlushInterval)
	}
	return nil
}

// setAsideLeftover moves a non-empty file left by an earlier run or a failed
// flush out of the way so that opening a new stream never truncates data.
func (b *RecordBuffer) setAsideLeftover() error {
	info, err := os.Stat(b.config.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &logging.IOError{Op: "stat", Path: b.config.Path, Err: err}
	}
	if info.Size() == 0 {
		return nil
	}

	orphan := b.tempName("orphan-")
	if err := os.Rename(b.config.Path, orphan); err != nil {
		return &logging.IOError{Op: "rename", Path: b.config.Path, Err: err}
	}
	b.logger.Warnf("moved leftover buffer file (%d bytes) to %s", info.Size(), orphan)
	return nil
}

func (b *RecordBuffer) tempName(tag string) string {
	return filepath.Join(filepath.Dir(b.config.Path), b.config.TempPrefix+tag+uuid.NewString()+".gz")
}
