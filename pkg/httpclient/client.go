// Package httpclient wraps the outbound network transport with bearer
// credential attachment, correlation ids, retry with exponential
// backoff, and failure-triggered session teardown.
package httpclient

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/lendkit/sessionkit/internal/metrics"
	"github.com/lendkit/sessionkit/pkg/domain"
)

// Default retry policy.
const (
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxRetries = 3
)

// Request is a generic outbound request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a generic transport response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Transport performs a single network round trip.
type Transport interface {
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
}

// TokenSource provides the current access token. It is read fresh on
// every attempt so a refresh completing between attempts takes effect.
type TokenSource interface {
	AccessToken() (string, bool)
}

// AuthHandler is told about hard authentication failures (401). The
// session state machine implements it; the wrapper never clears the
// credential store itself.
type AuthHandler interface {
	HandleAuthFailure()
}

// Notifier surfaces user-facing side effects to the UI layer.
type Notifier interface {
	// Notify shows a single user-facing message.
	Notify(message string)
	// NavigateToLogin forces navigation to the login surface.
	NavigateToLogin()
}

// LogNotifier is a Notifier that only logs. Used when no UI shell is
// attached.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(message string) {
	n.logger().Info("user notification", "message", message)
}

func (n *LogNotifier) NavigateToLogin() {
	n.logger().Info("navigate to login")
}

func (n *LogNotifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// Config holds client configuration.
type Config struct {
	// BaseDelay is the delay before the first retry; doubles per retry.
	// Defaults to DefaultBaseDelay.
	BaseDelay time.Duration
	// MaxRetries bounds retries of transient failures. Defaults to
	// DefaultMaxRetries (4 total attempts).
	MaxRetries int
	// Logger for request diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
	// Metrics collectors, optional.
	Metrics *metrics.Metrics
}

// Client is the request resilience wrapper.
type Client struct {
	transport Transport
	tokens    TokenSource
	auth      AuthHandler
	notifier  Notifier
	cfg       Config
	log       *slog.Logger
}

// New creates a client over the given transport. tokens, auth and
// notifier may be nil for callers that need only the retry behavior.
func New(transport Transport, tokens TokenSource, auth AuthHandler, notifier Notifier, cfg Config) *Client {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if notifier == nil {
		notifier = &LogNotifier{Logger: cfg.Logger}
	}
	return &Client{
		transport: transport,
		tokens:    tokens,
		auth:      auth,
		notifier:  notifier,
		cfg:       cfg,
		log:       cfg.Logger,
	}
}

// SetAuthHandler binds the session state machine after construction.
// The manager and the client reference each other, so one side is
// wired late by the composition root, before any request is sent.
func (c *Client) SetAuthHandler(h AuthHandler) {
	c.auth = h
}

// retryContext tracks the state of one in-flight request.
type retryContext struct {
	attempt   int
	lastClass domain.ErrorClass
	lastErr   error
}

// Send performs the request with retry/backoff. 2xx returns
// immediately. 401 tears the session down and is not retried. Other
// 4xx fail immediately. Network errors, timeouts and 5xx are retried
// with exponential backoff until the retry budget is exhausted.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	correlationID := newCorrelationID()
	rc := retryContext{}

	for {
		resp, reqErr := c.attempt(ctx, req, correlationID)

		if reqErr == nil {
			c.cfg.Metrics.ObserveAttempt("success")
			return resp, nil
		}

		c.cfg.Metrics.ObserveAttempt(string(reqErr.Class))

		if reqErr.Class == domain.ClassAuthFailure {
			// Terminal: teardown is delegated through the session state
			// machine so only one component mutates the store.
			c.log.Warn("authentication failure", "url", req.URL, "correlation_id", correlationID)
			if c.auth != nil {
				c.auth.HandleAuthFailure()
			}
			c.notifier.Notify("Your session has expired. Please sign in again.")
			c.notifier.NavigateToLogin()
			return nil, reqErr
		}

		if !reqErr.Retryable() {
			return nil, reqErr
		}

		rc.lastClass = reqErr.Class
		rc.lastErr = reqErr
		if rc.attempt >= c.cfg.MaxRetries {
			c.log.Warn("retries exhausted",
				"url", req.URL,
				"attempts", rc.attempt+1,
				"last_error", reqErr.Class,
				"correlation_id", correlationID,
			)
			c.notifier.Notify("The request could not be completed. Please try again later.")
			return nil, fmt.Errorf("%w after %d attempts: %w", domain.ErrRetriesExhausted, rc.attempt+1, reqErr)
		}

		delay := c.cfg.BaseDelay << rc.attempt
		rc.attempt++
		c.cfg.Metrics.ObserveRetry()
		c.log.Debug("retrying request",
			"url", req.URL,
			"attempt", rc.attempt,
			"delay", delay,
			"class", reqErr.Class,
			"correlation_id", correlationID,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// attempt performs one round trip and classifies the outcome.
func (c *Client) attempt(ctx context.Context, req *Request, correlationID string) (*Response, *domain.RequestError) {
	// Headers are rebuilt per attempt: the body and caller headers are
	// reused verbatim, the bearer token is read fresh from the store.
	header := make(http.Header, len(req.Header)+2)
	for k, v := range req.Header {
		header[k] = v
	}
	header.Set("X-Correlation-ID", correlationID)
	if c.tokens != nil {
		if token, ok := c.tokens.AccessToken(); ok {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.transport.RoundTrip(ctx, &Request{
		Method: req.Method,
		URL:    req.URL,
		Header: header,
		Body:   req.Body,
	})
	if err != nil {
		return nil, &domain.RequestError{Class: classifyTransportError(err), Err: err}
	}

	switch {
	case resp.Status >= 200 && resp.Status <= 299:
		return resp, nil
	case resp.Status == http.StatusUnauthorized:
		return nil, &domain.RequestError{Class: domain.ClassAuthFailure, Status: resp.Status, Err: domain.ErrAuthExpired}
	case resp.Status >= 500:
		return nil, &domain.RequestError{Class: domain.ClassServerError, Status: resp.Status, Err: fmt.Errorf("server returned status %d", resp.Status)}
	default:
		return nil, &domain.RequestError{Class: domain.ClassClientError, Status: resp.Status, Err: fmt.Errorf("server returned status %d", resp.Status)}
	}
}

// classifyTransportError separates client-side timeouts from other
// network failures.
func classifyTransportError(err error) domain.ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ClassTimeout
	}
	return domain.ClassNetwork
}

// newCorrelationID returns a ULID string (26 chars, sortable).
func newCorrelationID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		// rand.Reader failing means the process is in a bad state;
		// fall back to a timestamp-only id rather than failing the request.
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return id.String()
}
