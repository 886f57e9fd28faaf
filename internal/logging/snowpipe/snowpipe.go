package snowpipe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/relex/gotils/logger"

	"github.com/Chichichkin/SnowpipeAgent/internal/logging"
)

const (
	DefaultHost    = "snowflakecomputing.com"
	DefaultTimeout = 30 * time.Second

	maxErrorBody = 4096
)

type Config struct {
	Account  string
	Host     string
	Database string
	Schema   string
	Pipe     string
	Timeout  time.Duration
	// BaseURL replaces https://{account}.{host} when set.
	BaseURL string
}

type File struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type Payload struct {
	Files []File `json:"files"`
}

type Response struct {
	RequestID    string `json:"requestId"`
	ResponseCode string `json:"responseCode"`
}

// Notifier registers staged files with a pipe through the insertFiles endpoint.
type Notifier struct {
	config       Config
	httpClient   *http.Client
	newRequestID func() string
	logger       logger.Logger
}

func NewNotifier(parentLogger logger.Logger, config Config) *Notifier {
	if config.Host == "" {
		config.Host = DefaultHost
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &Notifier{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		newRequestID: uuid.NewString,
		logger:       parentLogger.WithField(logging.LabelComponent, "SnowpipeNotifier"),
	}
}

// Endpoint returns the insertFiles URL for one request.
func (n *Notifier) Endpoint(requestID string) string {
	base := n.config.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://%s.%s", n.config.Account, n.config.Host)
	}
	return fmt.Sprintf("%s/v1/data/pipes/%s.%s.%s/insertFiles?requestId=%s",
		base, n.config.Database, n.config.Schema, n.config.Pipe, url.QueryEscape(requestID))
}

// Notify sends one insertFiles request. Each call uses a new request id, so two
// different uploads are never deduplicated by the remote side.
func (n *Notifier) Notify(ctx context.Context, file logging.UploadResult, token logging.SignedToken) error {
	requestID := n.newRequestID()
	fail := func(err error) error {
		return &logging.NotificationError{RemotePath: file.RemotePath, RequestID: requestID, Err: err}
	}

	body, err := json.Marshal(Payload{
		Files: []File{{Path: file.RemotePath, Size: file.RemoteSizeBytes}},
	})
	if err != nil {
		return fail(fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint(requestID), bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.Value)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &logging.NotificationError{
			RemotePath: file.RemotePath,
			RequestID:  requestID,
			StatusCode: resp.StatusCode,
			Body:       string(responseBody),
		}
	}

	var parsed Response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		n.logger.Infof("registered %s (%d bytes), request %s", file.RemotePath, file.RemoteSizeBytes, requestID)
		return nil
	}
	n.logger.Infof("registered %s (%d bytes), request %s: %s",
		file.RemotePath, file.RemoteSizeBytes, parsed.RequestID, parsed.ResponseCode)
	return nil
}
