/*
Package gateway implements the outbound transport to the government
reporting gateway.

PURPOSE:
  Client satisfies pipeline.Transport over an HTTP/JSON gateway:

    POST /v1/batches               -> 202 {"protocol_number": "..."}
    GET  /v1/batches/{protocol}    -> 200 {"status": "...", "results": [...]}

  Submissions are at-least-once: a retried POST carries the same external
  ids, which the gateway uses to drop duplicates.

FAILURE HANDLING:
  - RetryClient retries network errors and 429/5xx with backoff and jitter
  - A circuit breaker stops calling a gateway that keeps failing
  - Non-2xx responses become *APIError; Retryable() tells the pipeline
    whether repeating the call unchanged can help

SEE ALSO:
  - fake.go: Scripted transport for tests
  - pipeline/transmission.go: The caller
*/
package gateway

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

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/warp/labor-events/pipeline"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config configures the HTTP client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	MaxRetries int
	RetryDelay time.Duration
	MaxDelay   time.Duration

	// BreakerFailures consecutive failures open the breaker for
	// BreakerCooldown. Zero disables the breaker.
	BreakerFailures int
	BreakerCooldown time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(d Doer) Option { return func(c *Client) { c.base = d } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }

// =============================================================================
// ERRORS
// =============================================================================

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway error (%d): %s", e.Status, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool { return retryableStatus(e.Status) }

// ErrCircuitOpen is returned while the breaker refuses calls.
var ErrCircuitOpen = errors.New("gateway circuit open")

// =============================================================================
// CLIENT
// =============================================================================

// Client is the HTTP implementation of pipeline.Transport.
type Client struct {
	cfg     Config
	base    Doer
	http    Doer
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ pipeline.Transport = (*Client)(nil)

// New creates a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("gateway: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("gateway: invalid base url: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.base == nil {
		c.base = &http.Client{Timeout: cfg.Timeout}
	}
	c.http = NewRetryClient(c.base, cfg.MaxRetries, cfg.RetryDelay, cfg.MaxDelay, c.logger)

	if cfg.BreakerFailures > 0 {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "gateway",
			Timeout: cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
			},
			// Business errors (4xx) mean the gateway is healthy.
			IsSuccessful: func(err error) bool {
				var apiErr *APIError
				if errors.As(err, &apiErr) {
					return !apiErr.Retryable()
				}
				return err == nil
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn("gateway_breaker_state",
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
	return c, nil
}

type submitResponse struct {
	ProtocolNumber string `json:"protocol_number"`
}

// Submit sends one batch and returns the gateway's protocol number.
func (c *Client) Submit(ctx context.Context, sub pipeline.Submission) (string, error) {
	var out submitResponse
	err := c.call(ctx, http.MethodPost, "/v1/batches", sub, &out)
	if err != nil {
		return "", err
	}
	if out.ProtocolNumber == "" {
		return "", &APIError{Status: http.StatusAccepted, Message: "response carries no protocol number"}
	}
	c.logger.Info("gateway_submitted",
		zap.String("batch_id", sub.BatchID),
		zap.String("protocol_number", out.ProtocolNumber),
		zap.Int("events", len(sub.Events)))
	return out.ProtocolNumber, nil
}

// Processing states reported by the gateway.
const (
	StatusProcessing = "PROCESSING"
	StatusProcessed  = "PROCESSED"
)

type pollResponse struct {
	Status  string                 `json:"status"`
	Results []pipeline.EventResult `json:"results"`
}

// Poll returns the per-event results known so far. A batch still being
// processed yields no results.
func (c *Client) Poll(ctx context.Context, protocolNumber string) (*pipeline.PollResult, error) {
	if protocolNumber == "" {
		return nil, errors.New("gateway: protocol number is required")
	}
	var out pollResponse
	if err := c.call(ctx, http.MethodGet, "/v1/batches/"+url.PathEscape(protocolNumber), nil, &out); err != nil {
		return nil, err
	}
	if out.Status == StatusProcessing {
		return &pipeline.PollResult{}, nil
	}
	return &pipeline.PollResult{Results: out.Results}, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	if c.breaker == nil {
		return c.do(ctx, method, path, body, out)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: encode request: %w", err)
		}
		raw = b
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	if raw != nil {
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(raw)), nil }
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("gateway_call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("gateway: decode response: %w", err)
		}
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		apiErr.Message = fmt.Sprintf("%s (failed to read body: %v)", resp.Status, err)
		return apiErr
	}
	if json.Unmarshal(b, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(b))
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
	}
	apiErr.Status = resp.StatusCode
	return apiErr
}
