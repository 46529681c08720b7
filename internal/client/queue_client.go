package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sellerstudio/api/internal/config"
	"github.com/sellerstudio/api/internal/logger"
	"github.com/sellerstudio/api/internal/model"
)

// Provider queue statuses
const (
	StatusInQueue    = "IN_QUEUE"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusError      = "ERROR"
)

var (
	ErrMissingAPIKey  = errors.New("provider API key is not configured")
	ErrMissingModel   = errors.New("model id is required")
	ErrInvalidPayload = errors.New("payload must be a JSON object")
)

// ProgressFunc receives submission progress before Submit returns
type ProgressFunc func(status string, percent int, logs []string)

// Provider is an asynchronous generation queue
type Provider interface {
	Submit(ctx context.Context, modelID, apiKey string, payload json.RawMessage, onProgress ProgressFunc, kind model.TaskType) (*SubmitResponse, error)
	Status(ctx context.Context, modelID, requestID, apiKey string) (*QueueStatus, error)
	Result(ctx context.Context, modelID, requestID, apiKey string) (map[string]interface{}, error)
}

// SubmitResponse is returned once the provider accepted a job
type SubmitResponse struct {
	RequestID   string `json:"request_id"`
	Status      string `json:"status,omitempty"`
	StatusURL   string `json:"status_url,omitempty"`
	ResponseURL string `json:"response_url,omitempty"`
}

// QueueLog is one provider log line
type QueueLog struct {
	Message   string `json:"message"`
	Level     string `json:"level,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// QueueStatus is the provider's view of a queued job
type QueueStatus struct {
	Status        string     `json:"status"`
	QueuePosition *int       `json:"queue_position,omitempty"`
	Logs          []QueueLog `json:"logs,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// IsTerminal reports whether the provider finished the job
func (s *QueueStatus) IsTerminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusError:
		return true
	}
	return false
}

// Succeeded reports a completed job without an error
func (s *QueueStatus) Succeeded() bool {
	return s.Status == StatusCompleted && s.Error == ""
}

// LastLog returns the most recent non-empty log message
func (s *QueueStatus) LastLog() string {
	for i := len(s.Logs) - 1; i >= 0; i-- {
		if msg := strings.TrimSpace(s.Logs[i].Message); msg != "" {
			return msg
		}
	}
	return ""
}

// APIError is a non-2xx provider response
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error (status %d): %s", e.StatusCode, e.Body)
}

// IsAuth reports an authentication or authorization failure
func (e *APIError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// QueueClient implements Provider for a queue-style HTTP API
type QueueClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        *logrus.Entry
}

// NewQueueClient creates a new queue API client
func NewQueueClient(cfg *config.ProviderConfig) *QueueClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &QueueClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		log:        logger.For("provider"),
	}
}

// Submit posts a job to the provider queue and returns once it is accepted
func (c *QueueClient) Submit(ctx context.Context, modelID, apiKey string, payload json.RawMessage, onProgress ProgressFunc, kind model.TaskType) (*SubmitResponse, error) {
	modelID = strings.Trim(modelID, "/ ")
	if modelID == "" {
		return nil, ErrMissingModel
	}
	key := c.key(apiKey)
	if key == "" {
		return nil, ErrMissingAPIKey
	}
	if !isJSONObject(payload) {
		return nil, ErrInvalidPayload
	}

	report := func(status string, percent int, logs []string) {
		if onProgress != nil {
			onProgress(status, percent, logs)
		}
	}
	report("SUBMITTING", 0, nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+modelID, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var result SubmitResponse
	if err := c.doRequest(req, key, &result); err != nil {
		return nil, fmt.Errorf("submit %s job to %s: %w", kind, modelID, err)
	}
	if result.RequestID == "" {
		return nil, fmt.Errorf("submit %s job to %s: provider returned no request id", kind, modelID)
	}

	status := result.Status
	if status == "" {
		status = StatusInQueue
	}
	report(status, 0, nil)
	return &result, nil
}

// Status retrieves the queue status of a request, including logs
func (c *QueueClient) Status(ctx context.Context, modelID, requestID, apiKey string) (*QueueStatus, error) {
	endpoint := fmt.Sprintf("%s/%s/requests/%s/status?logs=1", c.baseURL, appPath(modelID), url.PathEscape(requestID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var result QueueStatus
	if err := c.doRequest(req, c.key(apiKey), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Result fetches the full result payload of a completed request
func (c *QueueClient) Result(ctx context.Context, modelID, requestID, apiKey string) (map[string]interface{}, error) {
	endpoint := fmt.Sprintf("%s/%s/requests/%s", c.baseURL, appPath(modelID), url.PathEscape(requestID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var result map[string]interface{}
	if err := c.doRequest(req, c.key(apiKey), &result); err != nil {
		return nil, err
	}
	return result, nil
}

// doRequest executes an HTTP request and parses the JSON response
func (c *QueueClient) doRequest(req *http.Request, apiKey string, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Key "+apiKey)

	entry := c.log.WithFields(logrus.Fields{"method": req.Method, "url": req.URL.String()})
	entry.Debug("Provider request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		entry.WithError(err).Warn("Provider request failed")
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	entry.WithField("status", resp.StatusCode).Debug("Provider response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *QueueClient) key(override string) string {
	if override != "" {
		return override
	}
	return c.apiKey
}

// IsConfigured returns true if a default API key is set
func (c *QueueClient) IsConfigured() bool {
	return c.apiKey != ""
}

// appPath returns the owner/app prefix used by status and result routes,
// e.g. "fal-ai/flux/dev" -> "fal-ai/flux".
func appPath(modelID string) string {
	parts := strings.Split(strings.Trim(modelID, "/"), "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, "/")
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}
