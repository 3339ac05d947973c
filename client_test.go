package ethree

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/ethree/client-go/internal/crypto"
	"github.com/ethree/client-go/internal/keystore"
	"github.com/ethree/client-go/internal/testbackend"
)

func TestMain(m *testing.M) {
	restore := crypto.SetBackupKDFForTesting(1, 64)
	code := m.Run()
	restore()
	os.Exit(code)
}

type testEnv struct {
	backend *testbackend.Backend
	url     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	b, err := testbackend.New(testbackend.Config{})
	if err != nil {
		t.Fatalf("testbackend.New() error = %v", err)
	}
	server := httptest.NewServer(b)
	t.Cleanup(server.Close)
	return &testEnv{backend: b, url: server.URL}
}

// device initializes a client for identity with its own in-memory key store,
// as if on a separate device.
func (e *testEnv) device(t *testing.T, identity string, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithBaseURL(e.url),
		WithRetries(-1),
		WithInMemoryKeyStore(),
	}
	c, err := Initialize(context.Background(), identity, append(base, opts...)...)
	if err != nil {
		t.Fatalf("Initialize(%q) error = %v", identity, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// registered returns a client whose identity is registered.
func (e *testEnv) registered(t *testing.T, identity string, opts ...Option) *Client {
	t.Helper()
	c := e.device(t, identity, opts...)
	if err := c.Register(context.Background()); err != nil {
		t.Fatalf("Register(%q) error = %v", identity, err)
	}
	return c
}

func lookup(t *testing.T, c *Client, identities ...string) LookupResult {
	t.Helper()
	keys, err := c.LookupPublicKeys(context.Background(), identities...)
	if err != nil {
		t.Fatalf("LookupPublicKeys(%v) error = %v", identities, err)
	}
	return keys
}

// flakyBackend is a key store backend whose writes can be made to fail.
type flakyBackend struct {
	keystore.Backend

	mu      sync.Mutex
	failSet bool
}

func (b *flakyBackend) Set(key string, data []byte) error {
	b.mu.Lock()
	fail := b.failSet
	b.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return b.Backend.Set(key, data)
}

func (b *flakyBackend) setFailing(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSet = fail
}

func TestInitialize_RequiresIdentity(t *testing.T) {
	_, err := Initialize(context.Background(), "")
	if !errors.Is(err, ErrMissingIdentity) {
		t.Errorf("Initialize() error = %v, want ErrMissingIdentity", err)
	}
}

func TestInitialize_FetchesAccessToken(t *testing.T) {
	env := newTestEnv(t)
	c := env.device(t, "alice")

	if c.Identity() != "alice" {
		t.Errorf("Identity() = %q, want alice", c.Identity())
	}
	if got := env.backend.RequestCount("GET /virgil-jwt"); got != 1 {
		t.Errorf("token exchanges = %d, want 1", got)
	}
	if ok, err := c.HasLocalPrivateKey(); err != nil || ok {
		t.Errorf("HasLocalPrivateKey() = %v, %v; want false", ok, err)
	}
}

func TestInitialize_NotAuthenticated(t *testing.T) {
	env := newTestEnv(t)
	env.backend.DenyIdentity("mallory")

	_, err := Initialize(context.Background(), "mallory",
		WithBaseURL(env.url), WithRetries(-1), WithInMemoryKeyStore())
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Initialize() error = %v, want ErrNotAuthenticated", err)
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error type = %T, want *AuthError", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 403 {
		t.Errorf("underlying error = %v, want 403 APIError", authErr.Err)
	}
}

func TestInitialize_TokenProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	boom := errors.New("auth service down")

	_, err := Initialize(context.Background(), "alice",
		WithBaseURL(env.url),
		WithInMemoryKeyStore(),
		WithTokenProvider(TokenProviderFunc(func(ctx context.Context, identity string) (string, error) {
			return "", boom
		})))
	if !errors.Is(err, ErrTokenRenewalFailed) || !errors.Is(err, boom) {
		t.Errorf("Initialize() error = %v, want ErrTokenRenewalFailed wrapping the provider error", err)
	}
}

func TestTokenProvider_EmptyToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := Initialize(context.Background(), "alice",
		WithBaseURL(env.url),
		WithInMemoryKeyStore(),
		WithTokenProvider(TokenProviderFunc(func(ctx context.Context, identity string) (string, error) {
			return "", nil
		})))
	if !errors.Is(err, ErrTokenRenewalFailed) {
		t.Errorf("Initialize() error = %v, want ErrTokenRenewalFailed", err)
	}
}

func TestTokenRenewal(t *testing.T) {
	env := newTestEnv(t)
	c := env.registered(t, "alice")
	ctx := context.Background()

	env.backend.ExpireTokens()
	if _, err := c.LookupPublicKeys(ctx, "alice"); err != nil {
		t.Fatalf("LookupPublicKeys() after token expiry error = %v", err)
	}
	if got := env.backend.RequestCount("POST /authenticate"); got != 2 {
		t.Errorf("authentications = %d, want 2", got)
	}
}

func TestTokenRejectedAfterRenewal(t *testing.T) {
	env := newTestEnv(t)
	var calls int
	var mu sync.Mutex

	c, err := Initialize(context.Background(), "alice",
		WithBaseURL(env.url),
		WithRetries(-1),
		WithInMemoryKeyStore(),
		WithTokenProvider(TokenProviderFunc(func(ctx context.Context, identity string) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return "forged", nil
		})))
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer c.Close()

	_, err = c.LookupPublicKeys(context.Background(), "bob")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("LookupPublicKeys() error = %v, want ErrUnauthorized", err)
	}
	if calls != 2 {
		t.Errorf("provider calls = %d, want 2 (initial and one renewal)", calls)
	}
}

func TestClose(t *testing.T) {
	env := newTestEnv(t)
	c := env.registered(t, "alice")

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	ctx := context.Background()
	checks := map[string]error{
		"Register":         c.Register(ctx),
		"RotatePrivateKey": c.RotatePrivateKey(ctx),
		"CleanUp":          c.CleanUp(),
	}
	_, checks["LookupPublicKeys"] = c.LookupPublicKeys(ctx, "bob")
	_, checks["Encrypt"] = c.Encrypt([]byte("x"), nil)
	_, checks["HasLocalPrivateKey"] = c.HasLocalPrivateKey()
	_, checks["GetGroup"] = c.GetGroup("g")
	for name, err := range checks {
		if !errors.Is(err, ErrClientClosed) {
			t.Errorf("%s() after Close error = %v, want ErrClientClosed", name, err)
		}
	}
}

func TestCleanUp(t *testing.T) {
	env := newTestEnv(t)
	c := env.registered(t, "alice")

	if err := c.CleanUp(); err != nil {
		t.Fatalf("CleanUp() error = %v", err)
	}
	if ok, _ := c.HasLocalPrivateKey(); ok {
		t.Error("HasLocalPrivateKey() after CleanUp = true")
	}
	if _, err := c.Encrypt([]byte("x"), nil); !errors.Is(err, ErrMissingPrivateKey) {
		t.Errorf("Encrypt() error = %v, want ErrMissingPrivateKey", err)
	}
	if _, ok := env.backend.CurrentCard("alice"); !ok {
		t.Error("CleanUp() must not revoke the published card")
	}
	if err := c.CleanUp(); err != nil {
		t.Errorf("second CleanUp() error = %v", err)
	}
}

func TestKeyStoreBackendNotClosed(t *testing.T) {
	env := newTestEnv(t)
	backend := keystore.NewMemoryBackend()

	c1 := env.device(t, "alice", WithKeyStoreBackend(backend))
	if err := c1.Register(context.Background()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	c1.Close()

	c2 := env.device(t, "alice", WithKeyStoreBackend(backend))
	if ok, err := c2.HasLocalPrivateKey(); err != nil || !ok {
		t.Errorf("HasLocalPrivateKey() on shared backend = %v, %v; want true", ok, err)
	}
}

func TestFileKeyStorePersists(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	opts := []Option{WithKeyStoreDir(dir), WithKeyStorePassword("pw"), WithGroupStoreDir(t.TempDir())}

	base := []Option{WithBaseURL(env.url), WithRetries(-1)}
	c1, err := Initialize(context.Background(), "alice", append(base, opts...)...)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := c1.Register(context.Background()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := c1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	c2, err := Initialize(context.Background(), "alice", append(base, WithKeyStoreDir(dir), WithKeyStorePassword("pw"))...)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer c2.Close()
	if ok, err := c2.HasLocalPrivateKey(); err != nil || !ok {
		t.Errorf("HasLocalPrivateKey() after reopen = %v, %v; want true", ok, err)
	}
}
