// Package backend is the HTTP client for the remote study backend.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/batch"
	"github.com/BTreeMap/StudyPipe/internal/device"
	"github.com/go-resty/resty/v2"
)

const (
	// PhoneEventsPath receives device data batches.
	PhoneEventsPath = "/v1/phone_events"
	// HealthPath answers reachability probes.
	HealthPath = "/health"
	// IdempotencyKeyHeader carries the archived buffer ID.
	IdempotencyKeyHeader = "Idempotency-Key"
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend %s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Opts holds client configuration.
type Opts struct {
	Token      string
	Timeout    time.Duration
	RetryCount int
}

// Option configures the client.
type Option func(*Opts)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithRetryCount sets how many times a request failing at the transport level
// or with a 5xx status is retried before the error is returned.
func WithRetryCount(n int) Option {
	return func(o *Opts) { o.RetryCount = n }
}

// Client talks to the study backend.
type Client struct {
	http *resty.Client
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	cfg := Opts{Timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.Token != "" {
		rc.SetAuthToken(cfg.Token)
	}
	rc.OnAfterResponse(func(_ *resty.Client, r *resty.Response) error {
		slog.Debug("backend.Client: response", "method", r.Request.Method, "url", r.Request.URL,
			"status", r.StatusCode(), "duration", r.Time())
		return nil
	})

	slog.Debug("Creating backend Client", "base_url", baseURL, "timeout", cfg.Timeout, "retry_count", cfg.RetryCount)
	return &Client{http: rc}
}

func checkResponse(method, path string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("backend %s %s: %w", method, path, err)
	}
	if !resp.IsSuccess() {
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

type phoneEvent struct {
	Data device.Data `json:"data"`
}

type phoneEventsRequest struct {
	PhoneEvents []phoneEvent `json:"phone_events"`
}

// SendDeviceData posts a batch of device samples. batchID is sent as the
// idempotency key so the backend can drop a batch it already stored.
func (c *Client) SendDeviceData(ctx context.Context, batchID string, records []device.Data) error {
	body := phoneEventsRequest{PhoneEvents: make([]phoneEvent, 0, len(records))}
	for _, r := range records {
		body.PhoneEvents = append(body.PhoneEvents, phoneEvent{Data: r})
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	if batchID != "" {
		req.SetHeader(IdempotencyKeyHeader, batchID)
	}
	resp, err := req.Post(PhoneEventsPath)
	if err := checkResponse(http.MethodPost, PhoneEventsPath, resp, err); err != nil {
		return err
	}
	slog.Debug("backend.SendDeviceData: batch sent", "batch_id", batchID, "records", len(records))
	return nil
}

// UploadDeviceBuffer sends an archived device data buffer. Empty buffers
// succeed without a request.
func (c *Client) UploadDeviceBuffer(ctx context.Context, buf batch.Buffer[device.Data]) error {
	if buf.Len() == 0 {
		slog.Debug("backend.UploadDeviceBuffer: empty buffer, nothing to send", "batch_id", buf.ID)
		return nil
	}
	return c.SendDeviceData(ctx, buf.ID, buf.Records)
}

// Ping checks that the backend answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get(HealthPath)
	return checkResponse(http.MethodGet, HealthPath, resp, err)
}
