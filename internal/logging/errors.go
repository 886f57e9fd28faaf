package logging

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyRecord = errors.New("empty record")
	ErrBufferEmpty = errors.New("buffer has no open file")
)

// KeyReadError means the private key could not be read or parsed.
type KeyReadError struct {
	Path string
	Err  error
}

func (e *KeyReadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("could not read private key: %v", e.Err)
	}
	return fmt.Sprintf("could not read private key %s: %v", e.Path, e.Err)
}

func (e *KeyReadError) Unwrap() error { return e.Err }

// IOError is a local storage failure while appending to or finalizing the buffer file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// UploadError means the stage transfer failed. File is the local copy left on disk.
type UploadError struct {
	File string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("failed to upload %s: %v", e.File, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// NotificationError means the file is already staged but the ingestion endpoint
// did not accept the notification.
type NotificationError struct {
	RemotePath string
	RequestID  string
	StatusCode int
	Body       string
	Err        error
}

func (e *NotificationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("notification for %s (request %s) returned status %d: %s",
			e.RemotePath, e.RequestID, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("notification for %s (request %s) failed: %v", e.RemotePath, e.RequestID, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }
