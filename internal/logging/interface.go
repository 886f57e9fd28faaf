package logging

import (
	"context"
	"time"
)

// UploadResult describes one file accepted by a stage.
type UploadResult struct {
	RemotePath      string
	RemoteSizeBytes int64
}

// SignedToken is a short-lived bearer credential for the ingestion endpoint.
type SignedToken struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type Submitter interface {
	Submit(record string) error
}

type StageUploader interface {
	Upload(ctx context.Context, localPath string) (UploadResult, error)
}

// TokenSource mints a fresh token on every call.
type TokenSource interface {
	Token() (SignedToken, error)
}

type Notifier interface {
	Notify(ctx context.Context, file UploadResult, token SignedToken) error
}

// Log field names shared by all components.
const (
	LabelComponent = "component"
	LabelFile      = "file"
)
