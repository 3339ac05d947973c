package api

import (
	"context"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

const (
	// DefaultMaxRetryDelay caps a single backoff, including one requested by
	// the server through Retry-After.
	DefaultMaxRetryDelay = 30 * time.Second

	retryMultiplier = 2.0
	retryJitter     = 0.2
)

// defaultRetryStatuses are the statuses retried when Config.RetryOn is empty.
var defaultRetryStatuses = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// retryPolicy decides whether a failed attempt is sent again and how long to
// wait first.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	statuses   map[int]bool
}

func newRetryPolicy(maxRetries int, baseDelay time.Duration, statuses []int) retryPolicy {
	if len(statuses) == 0 {
		statuses = defaultRetryStatuses
	}
	set := make(map[int]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return retryPolicy{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   max(DefaultMaxRetryDelay, baseDelay),
		statuses:   set,
	}
}

// allowNetwork reports whether a network failure on attempt is retried.
func (p retryPolicy) allowNetwork(attempt int) bool {
	return attempt < p.maxRetries
}

// allowStatus reports whether a response with status on attempt is retried.
func (p retryPolicy) allowStatus(attempt, status int) bool {
	return attempt < p.maxRetries && p.statuses[status]
}

// backoff returns the wait before the attempt after attempt. A positive
// retryAfter from the server replaces the computed delay, capped at
// maxDelay.
func (p retryPolicy) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, p.maxDelay)
	}

	delay := float64(p.baseDelay) * math.Pow(retryMultiplier, float64(attempt))
	delay = min(delay, float64(p.maxDelay))
	spread := delay * retryJitter
	return time.Duration(delay - spread + rand.Float64()*2*spread)
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP
// date. It returns zero when the header is absent or unusable.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
