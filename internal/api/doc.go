// Package api is the HTTP transport for the card directory, group ticket
// storage and key backup services, and for the application endpoints that
// issue auth tokens.
//
// Requests and responses are JSON. A [Client] built with a [TokenFunc]
// authenticates every request with "Authorization: Bearer <token>"; the
// token is fetched on first use and cached. A 401 drops it, the TokenFunc
// runs once more and the request is resent. Clients without a TokenFunc
// reach the auth endpoints themselves.
//
// # Retries
//
// Network errors and the statuses 408, 429, 500, 502, 503 and 504 are
// retried up to [DefaultMaxRetries] times unless [Config.RetryOn] lists
// others. The delay starts at [Config.RetryDelay] and doubles per attempt
// with jitter. A Retry-After header, in seconds or as an HTTP date, takes
// precedence. No single wait exceeds [DefaultMaxRetryDelay]. Every attempt
// of one call carries the same X-Request-ID.
//
// # Errors
//
// Non-2xx responses become [apierrors.APIError] tagged with the resource
// they concern, so errors.Is resolves them to the sentinels in package
// apierrors. A 409 on a card publish is [apierrors.ErrAlreadyRegistered],
// a 409 with code "epoch_conflict" on group tickets is
// [apierrors.ErrGroupEpochConflict].
//
// A Client is safe for concurrent use.
package api
