// Package transport delivers finished flows to the ingestion API.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/flowtrail/pkg/models"
	"github.com/google/uuid"
)

const (
	DefaultBaseURL    = "http://localhost:3000"
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 500 * time.Millisecond

	// IdempotencyKeyHeader carries the key shared by every attempt of one submission.
	IdempotencyKeyHeader = "idempotency-key"
)

var (
	// ErrDeliveryExhausted is matched by every error returned after all attempts failed.
	ErrDeliveryExhausted = errors.New("flow delivery exhausted")

	// ErrPermanentStatus indicates a response status that will not change on retry.
	ErrPermanentStatus = errors.New("permanent delivery failure")
)

// DeliveryExhaustedError wraps the last failure of a submission.
type DeliveryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *DeliveryExhaustedError) Error() string {
	return fmt.Sprintf("flow delivery failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *DeliveryExhaustedError) Unwrap() error {
	return e.Err
}

func (e *DeliveryExhaustedError) Is(target error) bool {
	return target == ErrDeliveryExhausted
}

// StatusError describes a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}

	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrPermanentStatus && !retryableStatus(e.StatusCode)
}

func retryableStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}

	return code < 400 || code >= 500
}

type Option func(*Transport)

func WithBaseURL(baseURL string) Option {
	return func(t *Transport) {
		t.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(t *Transport) {
		t.timeout = timeout
	}
}

// WithMaxRetries sets the total number of attempts per submission.
func WithMaxRetries(maxRetries int) Option {
	return func(t *Transport) {
		if maxRetries > 0 {
			t.maxRetries = maxRetries
		}
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(t *Transport) {
		t.baseDelay = delay
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		t.client = client
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithKeyGenerator overrides how idempotency keys are minted.
func WithKeyGenerator(generate func() string) Option {
	return func(t *Transport) {
		t.newKey = generate
	}
}

// Transport posts flow payloads with bounded, jittered retries.
type Transport struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	client     *http.Client
	logger     *slog.Logger
	newKey     func() string
	random     func() float64
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(opts ...Option) *Transport {
	transport := &Transport{
		baseURL:    DefaultBaseURL,
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		client:     &http.Client{},
		logger:     slog.Default().With("module", "transport"),
		newKey:     uuid.NewString,
		random:     defaultRandom,
		sleep:      sleepContext,
	}

	for _, opt := range opts {
		opt(transport)
	}

	return transport
}

// Send submits payload. One idempotency key is minted per call and reused on
// every attempt so the server can collapse retried deliveries.
func (t *Transport) Send(ctx context.Context, payload *models.FlowPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize flow payload: %w", err)
	}

	key := t.newKey()
	logger := t.logger.With("flow_name", payload.Flow.Name, "idempotency_key", key)

	var (
		lastErr  error
		attempts int
	)

	for attempt := range t.maxRetries {
		if err := t.sleep(ctx, Delay(attempt, t.baseDelay, t.random())); err != nil {
			if lastErr == nil {
				lastErr = err
			}

			break
		}

		attempts++

		lastErr = t.post(ctx, body, key)
		if lastErr == nil {
			logger.DebugContext(ctx, "Flow delivered", "attempt", attempts)

			return nil
		}

		if errors.Is(lastErr, ErrPermanentStatus) || ctx.Err() != nil {
			break
		}

		logger.WarnContext(ctx, "Flow delivery attempt failed",
			"attempt", attempts,
			"max_attempts", t.maxRetries,
			"error", lastErr,
		)
	}

	return &DeliveryExhaustedError{Attempts: attempts, Err: lastErr}
}

func (t *Transport) post(ctx context.Context, body []byte, key string) error {
	if t.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/flows", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyKeyHeader, key)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}
