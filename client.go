package ethree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethree/client-go/internal/api"
	"github.com/ethree/client-go/internal/crypto"
	"github.com/ethree/client-go/internal/delivery"
	"github.com/ethree/client-go/internal/groupstore"
	"github.com/ethree/client-go/internal/keystore"
	"github.com/ethree/client-go/internal/logging"
)

// Client manages the end-to-end encryption keys of one identity.
//
// The private key lives in the local key store; the client borrows it for
// each operation and never keeps it in memory between calls. Methods are
// safe for concurrent use.
type Client struct {
	identity string
	api      *api.Client
	keys     *keystore.LocalKeyStore
	groups   *groupstore.Store
	logger   *slog.Logger

	backend     keystore.Backend
	ownsBackend bool
	polling     delivery.Config

	mu       sync.RWMutex
	closed   bool
	sessions map[string]*Group // loaded groups keyed by id
}

// buildAPIClients creates the directory client and the client used to reach
// the application backend for auth tokens.
func buildAPIClients(identity string, cfg *clientConfig, logger *slog.Logger) (*api.Client, error) {
	base := api.Config{
		BaseURL:    cfg.baseURL,
		HTTPClient: cfg.httpClient,
		Timeout:    cfg.timeout,
		MaxRetries: cfg.retries,
		RetryOn:    cfg.retryOn,
		RateLimit:  cfg.rateLimit,
		RateBurst:  cfg.rateBurst,
		Registerer: cfg.registerer,
		Logger:     logger,
	}

	provider := cfg.tokenProvider
	if provider == nil {
		authCfg := base
		if cfg.authURL != "" {
			authCfg.BaseURL = cfg.authURL
		}
		authClient, err := api.NewClient(authCfg)
		if err != nil {
			return nil, err
		}
		provider = &backendTokenProvider{api: authClient, logger: logger}
	}

	base.TokenFunc = tokenFunc(provider, identity)
	return api.NewClient(base)
}

// openKeyBackend returns the configured key backend and whether the client
// owns it.
func openKeyBackend(cfg *clientConfig) (keystore.Backend, bool, error) {
	switch {
	case cfg.keyStoreBackend != nil:
		return cfg.keyStoreBackend, false, nil
	case cfg.keyStoreDir != "":
		b, err := keystore.OpenFileBackend(cfg.keyStoreDir, cfg.keyStorePassword)
		return b, true, err
	default:
		b, err := keystore.OpenSystemBackend()
		return b, true, err
	}
}

// Initialize creates a client for identity and fetches its first access
// token. It does not register the identity; call Register when
// HasLocalPrivateKey reports false.
func Initialize(ctx context.Context, identity string, opts ...Option) (*Client, error) {
	if identity == "" {
		return nil, ErrMissingIdentity
	}

	cfg := &clientConfig{
		baseURL: defaultBaseURL,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	logger := logging.New(cfg.logger).With("identity", identity)

	apiClient, err := buildAPIClients(identity, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := apiClient.Authorize(ctx); err != nil {
		return nil, wrapError(err)
	}

	backend, owns, err := openKeyBackend(cfg)
	if err != nil {
		return nil, err
	}

	groups, err := groupstore.Open(cfg.groupStoreDir, logger)
	if err != nil {
		if owns {
			backend.Close()
		}
		return nil, err
	}

	logger.Debug("client initialized")
	return &Client{
		identity:    identity,
		api:         apiClient,
		keys:        keystore.New(backend, identity),
		groups:      groups,
		logger:      logger,
		backend:     backend,
		ownsBackend: owns,
		polling: delivery.Config{
			InitialInterval: cfg.groupPollInterval,
			MaxBackoff:      cfg.groupPollMaxBackoff,
		},
		sessions:    make(map[string]*Group),
	}, nil
}

// Identity returns the identity the client manages.
func (c *Client) Identity() string {
	return c.identity
}

// checkClosed returns ErrClientClosed if the client has been closed.
func (c *Client) checkClosed() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

// HasLocalPrivateKey reports whether a private key for the identity is
// stored on this device.
func (c *Client) HasLocalPrivateKey() (bool, error) {
	if err := c.checkClosed(); err != nil {
		return false, err
	}
	return c.keys.Exists()
}

// loadKeyPair borrows the local key pair. The caller must Wipe it.
func (c *Client) loadKeyPair() (*crypto.KeyPair, error) {
	kp, err := c.keys.Load()
	if errors.Is(err, keystore.ErrNotFound) {
		return nil, ErrMissingPrivateKey
	}
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	return kp, nil
}

// CleanUp deletes the local private key and cached groups. The directory
// card stays published; use Unregister to revoke it.
func (c *Client) CleanUp() error {
	if err := c.checkClosed(); err != nil {
		return err
	}

	release := keystore.Acquire(c.identity)
	defer release()
	return c.cleanUpLocked()
}

func (c *Client) cleanUpLocked() error {
	if err := c.keys.Delete(); err != nil {
		return fmt.Errorf("delete private key: %w", err)
	}
	if err := c.groups.DeleteAll(c.identity); err != nil {
		return err
	}

	c.mu.Lock()
	for id, g := range c.sessions {
		g.session.Delete()
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	c.logger.Debug("local key material removed")
	return nil
}

// Close releases local stores. It does not delete any key.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, g := range c.sessions {
		g.session.Delete()
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	var errs []error
	if err := c.groups.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.ownsBackend {
		if err := c.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
