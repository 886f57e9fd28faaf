package testutils

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/Chichichkin/SnowpipeAgent/internal/logging"
)

// MockUploader records uploaded files. When Keep is set, a copy of each file's
// contents is stored before the caller deletes it.
type MockUploader struct {
	Uploaded   []string
	Contents   [][]byte
	ShouldFail bool
	Keep       bool
	mu         sync.Mutex
}

func (m *MockUploader) Upload(_ context.Context, localPath string) (logging.UploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ShouldFail {
		return logging.UploadResult{}, fmt.Errorf("mock upload failed")
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return logging.UploadResult{}, err
	}
	if m.Keep {
		data, err := os.ReadFile(localPath)
		if err != nil {
			return logging.UploadResult{}, err
		}
		m.Contents = append(m.Contents, data)
	}

	m.Uploaded = append(m.Uploaded, localPath)
	return logging.UploadResult{
		RemotePath:      filepath.Base(localPath),
		RemoteSizeBytes: info.Size(),
	}, nil
}

func (m *MockUploader) GetUploaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Uploaded...)
}

func (m *MockUploader) SetFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShouldFail = fail
}

type MockNotifier struct {
	Files      []logging.UploadResult
	Tokens     []logging.SignedToken
	ShouldFail bool
	mu         sync.Mutex
}

func (m *MockNotifier) Notify(_ context.Context, file logging.UploadResult, token logging.SignedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ShouldFail {
		return &logging.NotificationError{RemotePath: file.RemotePath, StatusCode: 500, Body: "mock"}
	}
	m.Files = append(m.Files, file)
	m.Tokens = append(m.Tokens, token)
	return nil
}

func (m *MockNotifier) GetFiles() []logging.UploadResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]logging.UploadResult(nil), m.Files...)
}

type MockTokenSource struct {
	Calls int
	Err   error
	mu    sync.Mutex
}

func (m *MockTokenSource) Token() (logging.SignedToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	if m.Err != nil {
		return logging.SignedToken{}, m.Err
	}
	now := time.Now()
	return logging.SignedToken{
		Value:     fmt.Sprintf("token-%d", m.Calls),
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Minute),
	}, nil
}

type MockSubmitter struct {
	Records    []string
	ShouldFail bool
	mu         sync.Mutex
}

func (m *MockSubmitter) Submit(record string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ShouldFail {
		return fmt.Errorf("mock submit failed")
	}
	m.Records = append(m.Records, record)
	return nil
}

func (m *MockSubmitter) GetRecords() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Records...)
}

// ManualClock is a settable time source for threshold tests.
type ManualClock struct {
	now time.Time
	mu  sync.Mutex
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ReadGzipLines decompresses a file written by the record buffer.
func ReadGzipLines(t *testing.T, data []byte) []string {
	t.Helper()

	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open gzip: %v", err)
	}
	defer r.Close()

	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"billing/api/requests.json":      `{"a":1}` + "\n",
		"billing/api/errors.json":        `{"a":2}` + "\n",
		"billing/worker/jobs.json":       `{"a":3}` + "\n",
		"search/indexer/progress.json":   `{"a":4}` + "\n",
		"search/indexer/debug.txt":       "not json\n",
		"search/frontend/access.log":     "plain text\n",
		"search/frontend/responses.json": `{"a":5}` + "\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
