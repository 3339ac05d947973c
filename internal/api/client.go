package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/ethree/client-go/internal/apierrors"
)

const (
	// DefaultTimeout is the default HTTP client timeout.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxRetries is the default number of retries for transient failures.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the base delay between retries.
	DefaultRetryDelay = time.Second
)

// TokenFunc obtains a fresh access token. It is called when the client has
// no token yet and again, once, when the service rejects the current one.
type TokenFunc func(ctx context.Context) (string, error)

// Config configures a Client.
type Config struct {
	// BaseURL is the service root, e.g. "https://api.example.com".
	BaseURL string
	// HTTPClient overrides the default HTTP client.
	HTTPClient *http.Client
	// Timeout applies to the default HTTP client. Zero means DefaultTimeout.
	Timeout time.Duration
	// MaxRetries is the number of retries for transient failures. Zero means
	// DefaultMaxRetries; a negative value disables retries.
	MaxRetries int
	// RetryDelay is the base backoff delay. Zero means DefaultRetryDelay.
	RetryDelay time.Duration
	// RetryOn lists the status codes to retry. Empty means the defaults.
	RetryOn []int
	// TokenFunc supplies bearer tokens. Nil makes the client unauthenticated.
	TokenFunc TokenFunc
	// RateLimit caps outgoing requests per second. Zero disables limiting.
	RateLimit float64
	// RateBurst is the limiter burst size. Zero means 1.
	RateBurst int
	// Registerer receives request metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	// Logger receives debug output about retries and token renewal.
	Logger *slog.Logger
}

// Client is the HTTP API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      retryPolicy
	limiter    *rate.Limiter
	metrics    *metrics
	tokenFunc  TokenFunc
	logger     *slog.Logger

	mu    sync.Mutex
	token string
}

// NewClient creates a client from an explicit configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	maxRetries := cfg.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = DefaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}
	retryDelay := cfg.RetryDelay
	if retryDelay == 0 {
		retryDelay = DefaultRetryDelay
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		retry:      newRetryPolicy(maxRetries, retryDelay, cfg.RetryOn),
		limiter:    limiter,
		metrics:    newMetrics(cfg.Registerer),
		tokenFunc:  cfg.TokenFunc,
		logger:     logger,
	}, nil
}

// Option configures the API client.
type Option func(*Config)

// WithBaseURL sets the base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithRetries sets the number of retries.
func WithRetries(retries int) Option {
	return func(c *Config) {
		c.MaxRetries = retries
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

// WithTokenFunc makes the client authenticated.
func WithTokenFunc(fn TokenFunc) Option {
	return func(c *Config) {
		c.TokenFunc = fn
	}
}

// New creates a new API client using functional options.
func New(opts ...Option) (*Client, error) {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewClient(cfg)
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// SetHTTPClient sets a custom HTTP client.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

type request struct {
	method string
	path   string
	route  string
	header http.Header
	body   any
}

// Do performs a JSON request against path and decodes the response into
// result when it is non-nil.
func (c *Client) Do(ctx context.Context, method, path string, body, result any) error {
	return c.do(ctx, request{method: method, path: path, route: path, body: body}, result)
}

func (c *Client) do(ctx context.Context, req request, result any) error {
	var payload []byte
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		payload = data
	}

	if c.tokenFunc == nil {
		return c.send(ctx, req, payload, "", result)
	}

	token, err := c.accessToken(ctx, false)
	if err != nil {
		return err
	}
	err = c.send(ctx, req, payload, token, result)
	if !errors.Is(err, apierrors.ErrUnauthorized) {
		return err
	}

	c.logger.Debug("access token rejected, renewing", "route", req.route)
	token, err = c.accessToken(ctx, true)
	if err != nil {
		return err
	}
	return c.send(ctx, req, payload, token, result)
}

// Authorize fetches an access token unless one is cached. It is a no-op for
// unauthenticated clients.
func (c *Client) Authorize(ctx context.Context) error {
	if c.tokenFunc == nil {
		return nil
	}
	_, err := c.accessToken(ctx, false)
	return err
}

// accessToken returns the cached token or fetches a new one. Concurrent
// callers may each renew; the last token fetched wins.
func (c *Client) accessToken(ctx context.Context, renew bool) (string, error) {
	if !renew {
		c.mu.Lock()
		token := c.token
		c.mu.Unlock()
		if token != "" {
			return token, nil
		}
	}

	token, err := c.tokenFunc(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrEmptyToken
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return token, nil
}

// send performs the request with retries on transient failures.
func (c *Client) send(ctx context.Context, req request, payload []byte, token string, result any) error {
	requestID := uuid.NewString()

	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		var wait time.Duration
		start := time.Now()
		resp, err := c.roundTrip(ctx, req, payload, token, requestID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.metrics.observe(req.method, req.route, "network_error", time.Since(start))
			netErr := &apierrors.NetworkError{Err: err, URL: c.baseURL + req.path, Attempt: attempt + 1}
			if !c.retry.allowNetwork(attempt) {
				return netErr
			}
			c.logger.Debug("request failed, retrying", "route", req.route, "attempt", attempt+1, "error", err)
		} else {
			c.metrics.observe(req.method, req.route, strconv.Itoa(resp.StatusCode), time.Since(start))
			if resp.StatusCode < 400 {
				return decodeResponse(resp, result)
			}

			apiErr := parseErrorResponse(resp)
			if !c.retry.allowStatus(attempt, resp.StatusCode) {
				return apiErr
			}
			wait = retryAfter(resp.Header, time.Now())
			c.logger.Debug("request rejected, retrying", "route", req.route, "attempt", attempt+1, "status", resp.StatusCode)
		}

		if err := sleep(ctx, c.retry.backoff(attempt, wait)); err != nil {
			return err
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, req request, payload []byte, token, requestID string) (*http.Response, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if token != "" && httpReq.Header.Get("Authorization") == "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)

	return c.httpClient.Do(httpReq)
}

func decodeResponse(resp *http.Response, result any) error {
	defer resp.Body.Close()

	if result == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
