package ethree

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ethree/client-go/internal/keystore"
)

const (
	defaultBaseURL = "https://api.ethree.dev"
	defaultTimeout = 30 * time.Second
)

// clientConfig holds configuration for the client.
type clientConfig struct {
	baseURL    string
	authURL    string
	httpClient *http.Client
	timeout    time.Duration
	retries    int
	retryOn    []int
	rateLimit  float64
	rateBurst  int
	registerer prometheus.Registerer
	logger     *slog.Logger

	tokenProvider TokenProvider

	keyStoreDir      string
	keyStorePassword string
	keyStoreBackend  keystore.Backend
	groupStoreDir    string

	groupPollInterval   time.Duration
	groupPollMaxBackoff time.Duration
}

// KeyStoreBackend is the storage behind the local key store. Get and Remove
// return ErrKeyNotFound when nothing is stored under the key.
type KeyStoreBackend = keystore.Backend

// ErrKeyNotFound is returned by a KeyStoreBackend for missing keys.
var ErrKeyNotFound = keystore.ErrNotFound

// Option configures the client.
type Option func(*clientConfig)

// WithBaseURL sets the directory service URL.
func WithBaseURL(url string) Option {
	return func(c *clientConfig) {
		c.baseURL = url
	}
}

// WithAuthURL sets the application backend URL used to authenticate the
// identity and exchange tokens. Defaults to the base URL.
func WithAuthURL(url string) Option {
	return func(c *clientConfig) {
		c.authURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *clientConfig) {
		c.httpClient = client
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		c.timeout = timeout
	}
}

// WithRetries sets the number of retries for transient failures.
// A negative count disables retries.
func WithRetries(count int) Option {
	return func(c *clientConfig) {
		c.retries = count
	}
}

// WithRetryOn sets the HTTP status codes that trigger a retry.
// Default: [408, 429, 500, 502, 503, 504]
func WithRetryOn(statusCodes []int) Option {
	return func(c *clientConfig) {
		c.retryOn = statusCodes
	}
}

// WithRateLimit caps outgoing requests at perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *clientConfig) {
		c.rateLimit = perSecond
		c.rateBurst = burst
	}
}

// WithMetricsRegisterer registers request counters and latency histograms
// with reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *clientConfig) {
		c.registerer = reg
	}
}

// WithTokenProvider replaces the built-in authenticate-and-exchange flow.
func WithTokenProvider(p TokenProvider) Option {
	return func(c *clientConfig) {
		c.tokenProvider = p
	}
}

// WithKeyStoreDir stores private keys in an encrypted file keyring in dir.
// Without it the platform keyring is used.
func WithKeyStoreDir(dir string) Option {
	return func(c *clientConfig) {
		c.keyStoreDir = dir
	}
}

// WithKeyStorePassword sets the password of the file keyring.
func WithKeyStorePassword(password string) Option {
	return func(c *clientConfig) {
		c.keyStorePassword = password
	}
}

// WithKeyStoreBackend supplies the key storage directly. The client does
// not close a backend passed this way.
func WithKeyStoreBackend(b KeyStoreBackend) Option {
	return func(c *clientConfig) {
		c.keyStoreBackend = b
	}
}

// WithInMemoryKeyStore keeps private keys in process memory only.
func WithInMemoryKeyStore() Option {
	return func(c *clientConfig) {
		c.keyStoreBackend = keystore.NewMemoryBackend()
	}
}

// WithGroupStoreDir persists the sealed group ticket cache in dir.
// Without it the cache lives in memory.
func WithGroupStoreDir(dir string) Option {
	return func(c *clientConfig) {
		c.groupStoreDir = dir
	}
}

// WithGroupPolling sets the interval WatchGroups starts polling each group
// at and the maximum it backs off to while nothing changes.
// Default: 2s and 30s.
func WithGroupPolling(interval, maxBackoff time.Duration) Option {
	return func(c *clientConfig) {
		c.groupPollInterval = interval
		c.groupPollMaxBackoff = maxBackoff
	}
}

// WithLogger sets the logger. Identities are fingerprinted and secrets
// redacted before records reach its handler.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		c.logger = logger
	}
}
