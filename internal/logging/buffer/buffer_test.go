package buffer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/relex/gotils/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/SnowpipeAgent/internal/logging"
	"github.com/Chichichkin/SnowpipeAgent/internal/testutils"
)

func newTestBuffer(t *testing.T, uploader logging.StageUploader, clock *testutils.ManualClock) (*RecordBuffer, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "current.tmp.gz")
	b := New(logger.Root(), Config{
		Path:       path,
		Thresholds: testThresholds,
		Now:        clock.Now,
	}, uploader)
	return b, path
}

func listGz(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.gz"))
	require.NoError(t, err)
	return matches
}

func TestRecordBuffer_AppendOpensLazily(t *testing.T) {
	clock := testutils.NewManualClock(time.Unix(1_700_000_000, 0))
	b, path := newTestBuffer(t, &testutils.MockUploader{}, clock)

	assert.False(t, b.State().Open)
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, b.Append(`{"n":1}`))

	state := b.State()
	assert.True(t, state.Open)
	assert.Equal(t, int64(1), state.RecordCount)
	assert.Equal(t, clock.Now().Add(time.Second), state.MemoryExpiry)
	assert.Equal(t, clock.Now().Add(time.Minute), state.DiskExpiry)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestRecordBuffer_CountsAppends(t *testing.T) {
	clock := testutils.NewManualClock(time.Unix(1_700_000_000, 0))
	b, _ := newTestBuffer(t, &testutils.MockUploader{}, clock)

	for i := 0; i < 25; i++ {
		require.NoError(t, b.Append(`{"k":"v"}`))
	}
	assert.Equal(t, int64(25), b.State().RecordCount)
}

func TestRecordBuffer_FlushMemoryUpdatesSizeAndExpiry(t *testing.T) {
	clock := testutils.NewManualClock(time.Unix(1_700_000_000, 0))
	b, path := newTestBuffer(t, &testutils.MockUploader{}, clock)

	require.NoError(t, b.FlushMemory())
	assert.Equal(t, int64(0), b.State().ByteSize)

	require.NoError(t, b.Append(`{"message":"hello"}`))
	clock.Advance(5 * time.Second)
	require.NoError(t, b.FlushMemory())

	info, err := os.Stat(path)
	require.NoError(t, err)
	state := b.State()
	assert.Greater(t, state.ByteSize, int64(0))
	assert.Equal(t, info.Size(), state.ByteSize)
	assert.Equal(t, clock.Now().Add(time.Second), state.MemoryExpiry)
}

func TestRecordBuffer_FlushDiskUploadsAndResets(t *testing.T) {
	clock := testutils.NewManualClock(time.Unix(1_700_000_000, 0))
	uploader := &testutils.MockUploader{Keep: true}
	b, path := newTestBuffer(t, uploader, clock)

	require.NoError(t, b.Append(`{"n":1}`))
	require.NoError(t, b.Append(`{"n":2}`))
	require.NoError(t, b.FlushMemory())

	result, err := b.FlushDisk(context.Background())
	require.NoError(t, err)

	uploaded := uploader.GetUploaded()
	require.Len(t, uploaded, 1)
	assert.NotEqual(t, path, uploaded[0])
	assert.Equal(t, filepath.Dir(path), filepath.Dir(uploaded[0]))
	assert.Equal(t, filepath.Base(uploaded[0]), result.RemotePath)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, testutils.ReadGzipLines(t, uploader.Contents[0]))

	assert.Equal(t, State{
		MemoryExpiry: clock.Now().Add(time.Second),
		DiskExpiry:   clock.Now().Add(time.Minute),
	}, b.State())
	assert.Empty(t, listGz(t, filepath.Dir(path)), "uploaded file and current file must be gone")

	require.NoError(t, b.Append(`{"n":3}`))
	assert.Equal(t, int64(1), b.State().RecordCount)
}

func TestRecordBuffer_ExpiriesKeptAcrossReopen(t *testing.T) {
	clock := testutils.NewManualClock(time.Unix(1_700_000_000, 0))
	b, _ := newTestBuffer(t, &testutils.MockUploader{}, clock)

	require.NoError(t, b.Append(`{"n":1}`))
	clock.Advance(30 * time.Second)
	_, err := b.FlushDisk(context.Background())
	require.NoError(t, err)
	flushedAt := clock.Now()

	clock.Advance(2 * time.Minute)
	require.NoError(t, b.Append(`{"n":2}`))

	state := b.State()
	assert.Equal(t, flushedAt.Add(time.Minute), state.DiskExpiry, "clock runs from the flush, not the reopen")
	assert.Equal(t, flushedAt.Add(time.Second), state.MemoryExpiry)
	assert.True(t, Decide(state, testThresholds, clock.Now()).DiskFlushDue)
}

func TestRecordBuffer_FlushDiskWithoutStream(t *testing.T) {
	clock := testutils.NewManualClock(time.Unix(1_700_000_000, 0))
	uploader := &testutils.MockUploader{}
	b, _ := newTestBuffer(t, uploader, clock)

	_, err := b.FlushDisk(context.Background())
	assert.ErrorIs(t, err, logging.ErrBufferEmpty)
	assert.Empty(t, uploader.GetUploaded())
}

func TestRecordBuffer_UploadFailureKeepsTempFile(t *testing.T) {
	clock := testutils.NewManualClock(time.Unix(1_700_000_000, 0))
	uploader := &testutils.MockUploader{ShouldFail: true}
	b, path := newTestBuffer(t, uploader, clock)

	require.NoError(t, b.Append(`{"n":1}`))
	_, err := b.FlushDisk(context.Background())

	var uploadErr *logging.UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.FileExists(t, uploadErr.File)
	assert.Equal(t, []string{`{"n":1}`}, readLines(t, uploadErr.File))

	assert.Equal(t, int64(0), b.State().RecordCount)
	require.NoError(t, b.Append(`{"n":2}`))
	assert.Equal(t, int64(1), b.State().RecordCount)
	assert.Len(t, listGz(t, filepath.Dir(path)), 2)
}

func TestRecordBuffer_LeftoverFileIsSetAside(t *testing.T) {
	clock := testutils.NewManualClock(time.Unix(1_700_000_000, 0))
	b, path := newTestBuffer(t, &testutils.MockUploader{}, clock)

	require.NoError(t, os.WriteFile(path, []byte("partial data from an earlier run"), 0o644))
	require.NoError(t, b.Append(`{"n":1}`))

	files := listGz(t, filepath.Dir(path))
	require.Len(t, files, 2)

	var orphan string
	for _, f := range files {
		if f != path {
			orphan = f
		}
	}
	assert.Contains(t, filepath.Base(orphan), DefaultTempPrefix+"orphan-")
	data, err := os.ReadFile(orphan)
	require.NoError(t, err)
	assert.Equal(t, "partial data from an earlier run", string(data))
}

func TestRecordBuffer_AppendFailsOnUnwritableDir(t *testing.T) {
	clock := testutils.NewManualClock(time.Unix(1_700_000_000, 0))
	b := New(logger.Root(), Config{
		Path:       filepath.Join(t.TempDir(), "missing", "current.tmp.gz"),
		Thresholds: testThresholds,
		Now:        clock.Now,
	}, &testutils.MockUploader{})

	err := b.Append(`{"n":1}`)
	var ioErr *logging.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "open", ioErr.Op)
	assert.False(t, b.State().Open)
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return testutils.ReadGzipLines(t, data)
}
