// Package helix is the HTTP client for a HelixDB instance. Every backend
// operation is a named query invoked as POST /<query> with a JSON body.
package helix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/scrypster/helixmcp/internal/breaker"
	"github.com/scrypster/helixmcp/internal/metrics"
	"github.com/scrypster/helixmcp/internal/tracing"
	"github.com/scrypster/helixmcp/pkg/apperrors"
)

// Backend is the query surface consumed by the session registry, the update
// coordinator and the dispatcher.
type Backend interface {
	// Execute sends one query. It never retries.
	Execute(ctx context.Context, query string, params any) (*Result, error)
	// ExecuteRead sends a read-only query, retrying transient failures.
	ExecuteRead(ctx context.Context, query string, params any) (*Result, error)
}

// Config holds client settings.
type Config struct {
	// BaseURL is the backend root, e.g. http://localhost:6969
	BaseURL string

	// Timeout bounds one HTTP round trip. Default: 30s
	Timeout time.Duration

	// MaxRetries is the retry budget of ExecuteRead. Default: 3
	MaxRetries int

	// RetryInterval is the first ExecuteRead backoff delay. Default: 100ms
	RetryInterval time.Duration

	// BreakerFailures trips the breaker after this many consecutive
	// unavailable errors. Default: 5
	BreakerFailures int

	// BreakerTimeout is the open-state duration. Default: 30s
	BreakerTimeout time.Duration
}

// Client talks to HelixDB over HTTP. It is safe for concurrent use.
type Client struct {
	baseURL       string
	http          *http.Client
	breaker       *breaker.Breaker
	maxRetries    int
	retryInterval time.Duration

	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option customises a Client.
type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient replaces the transport, mostly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}

	c := &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		http:          &http.Client{Timeout: cfg.Timeout},
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		logger:        zap.NewNop(),
		tracer:        tracing.Tracer(),
	}
	for _, opt := range opts {
		opt(c)
	}

	var onStateChange func(string, string, string)
	if c.metrics != nil {
		onStateChange = c.metrics.BreakerObserver("helix")
	}
	logger := c.logger
	c.breaker = breaker.New(breaker.Config{
		Name:           "helix",
		MaxFailures:    uint32(cfg.BreakerFailures),
		Timeout:        cfg.BreakerTimeout,
		Counts:         apperrors.IsUnavailable,
		OnStateChange: func(name, from, to string) {
			logger.Warn("backend circuit breaker changed state",
				zap.String("breaker", name), zap.String("from", from), zap.String("to", to))
			if onStateChange != nil {
				onStateChange(name, from, to)
			}
		},
	})
	return c
}

// BreakerState reports the backend breaker state.
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// Execute sends query with params and classifies the outcome. Params are
// marshalled as-is; nil sends an empty object.
func (c *Client) Execute(ctx context.Context, query string, params any) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "helix.execute", trace.WithAttributes(attribute.String("helix.query", query)))
	defer span.End()

	start := time.Now()
	out, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		return c.do(ctx, query, params)
	})
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, breaker.ErrOpen):
		err = apperrors.Wrap(err, apperrors.CodeBackendUnavailable, "backend circuit breaker is open",
			apperrors.FieldQuery(query))
	case errors.Is(err, breaker.ErrCanceled):
		err = apperrors.Wrap(err, apperrors.CodeBackendUnavailable, "backend request canceled",
			apperrors.FieldQuery(query))
	}

	outcome := "ok"
	if err != nil {
		outcome = string(apperrors.CodeOf(err))
		if outcome == "" {
			outcome = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	if c.metrics != nil {
		c.metrics.BackendRequests.WithLabelValues(query, outcome).Inc()
		c.metrics.BackendLatency.WithLabelValues(query).Observe(elapsed.Seconds())
	}

	if apperrors.IsDefect(err) {
		c.logger.Error("backend does not accept routed query, catalogue drift",
			zap.String("query", query), zap.String("outcome", outcome), zap.Error(err))
		return nil, err
	}
	if err != nil {
		c.logger.Debug("backend query failed",
			zap.String("query", query), zap.String("outcome", outcome),
			zap.Duration("elapsed", elapsed), zap.Error(err))
		return nil, err
	}

	result := out.(*Result)
	span.SetAttributes(attribute.Int("helix.rows", len(result.Rows)))
	c.logger.Debug("backend query",
		zap.String("query", query), zap.Int("rows", len(result.Rows)), zap.Duration("elapsed", elapsed))
	return result, nil
}

// ExecuteRead is Execute with exponential-backoff retries on unavailable
// errors. It must only be used for queries without side effects.
func (c *Client) ExecuteRead(ctx context.Context, query string, params any) (*Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval

	attempt := 0
	return backoff.Retry(ctx, func() (*Result, error) {
		attempt++
		res, err := c.Execute(ctx, query, params)
		if err == nil {
			return res, nil
		}
		if !apperrors.IsUnavailable(err) || errors.Is(err, breaker.ErrOpen) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Info("retrying backend read",
				zap.String("query", query), zap.Int("attempt", attempt), zap.Duration("next", next), zap.Error(err))
		}),
	)
}

func (c *Client) do(ctx context.Context, query string, params any) (*Result, error) {
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal query params",
			apperrors.FieldQuery(query))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+query, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to create request",
			apperrors.FieldQuery(query))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeBackendUnavailable, "backend request failed",
			apperrors.FieldQuery(query))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeBackendUnavailable, "failed to read backend response",
			apperrors.FieldQuery(query))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res, err := DecodeResult(payload)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeBackendInvalidResponse, "backend returned invalid JSON",
				apperrors.FieldQuery(query))
		}
		return res, nil
	}

	return nil, classify(query, resp.StatusCode, payload)
}

// decodeHints are fragments of the backend's parameter deserialization
// errors. They distinguish a catalogue mismatch from a rejected write.
var decodeHints = []string{
	"decode", "deserializ", "missing field", "unknown field", "invalid type", "expected",
}

var notFoundHints = []string{"not found", "no value found", "does not exist"}

func classify(query string, status int, body []byte) error {
	msg := truncate(strings.TrimSpace(string(body)), maxDetail)
	lower := strings.ToLower(msg)
	fields := []apperrors.Attr{
		apperrors.FieldQuery(query), apperrors.Field("status", status), apperrors.Field("detail", msg),
	}

	switch {
	case status == http.StatusNotFound:
		return apperrors.New(apperrors.CodeBackendQueryNotFound,
			fmt.Sprintf("backend does not declare query %q", query), fields...)
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout, status == http.StatusTooManyRequests:
		return apperrors.New(apperrors.CodeBackendUnavailable,
			fmt.Sprintf("backend unavailable (%d): %s", status, msg), fields...)
	case status >= 500 && containsAny(lower, decodeHints):
		return apperrors.New(apperrors.CodeBackendDecodeFailure,
			fmt.Sprintf("backend could not decode params: %s", msg), fields...)
	case containsAny(lower, notFoundHints):
		return apperrors.New(apperrors.CodeBackendRecordNotFound,
			fmt.Sprintf("record not found: %s", msg), fields...)
	}
	return apperrors.New(apperrors.CodeBackendRejected,
		fmt.Sprintf("backend rejected query (%d): %s", status, msg), fields...)
}

// maxDetail bounds the backend message carried by an error.
const maxDetail = 512

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Ping checks that the backend answers HTTP at all. HelixDB has no health
// route, so any response, including 404, counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeBackendUnavailable, "backend is unreachable")
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return apperrors.New(apperrors.CodeBackendUnavailable,
			fmt.Sprintf("backend answered %d", resp.StatusCode), apperrors.Field("status", resp.StatusCode))
	}
	return nil
}

var _ Backend = (*Client)(nil)
