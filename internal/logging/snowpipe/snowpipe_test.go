package snowpipe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relex/gotils/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/SnowpipeAgent/internal/logging"
)

var testToken = logging.SignedToken{Value: "header.payload.signature"}

func newTestNotifier(baseURL string) *Notifier {
	return NewNotifier(logger.Root(), Config{
		Account:  "xy12345",
		Database: "LOGS",
		Schema:   "PUBLIC",
		Pipe:     "EVENTS_PIPE",
		Timeout:  time.Second,
		BaseURL:  baseURL,
	})
}

func TestNotifier_Notify(t *testing.T) {
	var requestIDs []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/v1/data/pipes/LOGS.PUBLIC.EVENTS_PIPE/insertFiles", r.URL.Path)
		assert.Equal(t, "Bearer header.payload.signature", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		requestID := r.URL.Query().Get("requestId")
		assert.NotEmpty(t, requestID)
		requestIDs = append(requestIDs, requestID)

		var payload Payload
		err := json.NewDecoder(r.Body).Decode(&payload)
		assert.NoError(t, err)
		assert.Equal(t, []File{{Path: "snowpipe-1.gz", Size: 321}}, payload.Files)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"requestId":"` + requestID + `","responseCode":"SUCCESS"}`))
	}))
	defer server.Close()

	notifier := newTestNotifier(server.URL)
	file := logging.UploadResult{RemotePath: "snowpipe-1.gz", RemoteSizeBytes: 321}

	require.NoError(t, notifier.Notify(context.Background(), file, testToken))
	require.NoError(t, notifier.Notify(context.Background(), file, testToken))

	require.Len(t, requestIDs, 2)
	assert.NotEqual(t, requestIDs[0], requestIDs[1])
}

func TestNotifier_NonSuccessStatus(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"390144","message":"JWT token is invalid."}`))
	}))
	defer server.Close()

	notifier := newTestNotifier(server.URL)
	notifier.newRequestID = func() string { return "fixed-id" }

	err := notifier.Notify(context.Background(), logging.UploadResult{RemotePath: "f.gz", RemoteSizeBytes: 1}, testToken)

	var notifyErr *logging.NotificationError
	require.ErrorAs(t, err, &notifyErr)
	assert.Equal(t, http.StatusUnauthorized, notifyErr.StatusCode)
	assert.Equal(t, "f.gz", notifyErr.RemotePath)
	assert.Equal(t, "fixed-id", notifyErr.RequestID)
	assert.Contains(t, notifyErr.Body, "JWT token is invalid")
	assert.Equal(t, 1, attempts, "no retries")
}

func TestNotifier_TransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	err := newTestNotifier(server.URL).Notify(context.Background(), logging.UploadResult{RemotePath: "f.gz"}, testToken)

	var notifyErr *logging.NotificationError
	require.ErrorAs(t, err, &notifyErr)
	assert.Equal(t, 0, notifyErr.StatusCode)
	assert.Error(t, notifyErr.Err)
}

func TestNotifier_SuccessWithoutBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	err := newTestNotifier(server.URL).Notify(context.Background(), logging.UploadResult{RemotePath: "f.gz"}, testToken)
	assert.NoError(t, err)
}

func TestNotifier_Endpoint(t *testing.T) {
	notifier := NewNotifier(logger.Root(), Config{
		Account:  "xy12345.eu-central-1",
		Database: "DB",
		Schema:   "SCH",
		Pipe:     "P",
	})

	assert.Equal(t,
		"https://xy12345.eu-central-1.snowflakecomputing.com/v1/data/pipes/DB.SCH.P/insertFiles?requestId=abc",
		notifier.Endpoint("abc"))
}
