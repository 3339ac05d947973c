package ethree

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ethree.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
baseURL: https://dir.example.com
authURL: https://app.example.com
timeout: 10s
retries: 2
retryOn: [502, 503]
rateLimit: 5
rateBurst: 2
keyStore:
  dir: /var/lib/ethree/keys
  password: hunter2
groupStore:
  dir: /var/lib/ethree/groups
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.BaseURL != "https://dir.example.com" || cfg.AuthURL != "https://app.example.com" {
		t.Errorf("URLs = %s, %s", cfg.BaseURL, cfg.AuthURL)
	}
	if cfg.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", cfg.Timeout)
	}
	if cfg.Retries != 2 || !slices.Equal(cfg.RetryOn, []int{502, 503}) {
		t.Errorf("retries = %d on %v", cfg.Retries, cfg.RetryOn)
	}
	if cfg.RateLimit != 5 || cfg.RateBurst != 2 {
		t.Errorf("rate = %v/%d", cfg.RateLimit, cfg.RateBurst)
	}
	if cfg.KeyStore.Dir != "/var/lib/ethree/keys" || cfg.KeyStore.Password != "hunter2" {
		t.Errorf("KeyStore = %+v", cfg.KeyStore)
	}
	if cfg.GroupStore.Dir != "/var/lib/ethree/groups" {
		t.Errorf("GroupStore.Dir = %s", cfg.GroupStore.Dir)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "baseURL: https://file.example.com\nretries: 2\n")
	t.Setenv("ETHREE_BASE_URL", " https://env.example.com ")
	t.Setenv("ETHREE_RETRIES", "not-a-number")
	t.Setenv("ETHREE_TIMEOUT", "3s")
	t.Setenv("ETHREE_KEYSTORE_IN_MEMORY", "true")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.BaseURL != "https://env.example.com" {
		t.Errorf("BaseURL = %q, want env value", cfg.BaseURL)
	}
	if cfg.Retries != 2 {
		t.Errorf("Retries = %d, malformed override should be ignored", cfg.Retries)
	}
	if cfg.Timeout != 3*time.Second {
		t.Errorf("Timeout = %v, want 3s", cfg.Timeout)
	}
	if cfg.KeyStore.InMemory == nil || !*cfg.KeyStore.InMemory {
		t.Error("KeyStore.InMemory not set from env")
	}
}

func TestLoadConfig_ExpandsHome(t *testing.T) {
	t.Setenv("ETHREE_KEYSTORE_DIR", "~/ethree/keys")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.KeyStore.Dir == "~/ethree/keys" || !filepath.IsAbs(cfg.KeyStore.Dir) {
		t.Errorf("KeyStore.Dir = %s, want an expanded path", cfg.KeyStore.Dir)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig(missing) error = nil")
	}
	if _, err := LoadConfig(writeConfig(t, "timeout: [")); err == nil {
		t.Error("LoadConfig(malformed) error = nil")
	}
}

func TestConfig_Merge(t *testing.T) {
	inMemory := true
	cfg := Config{
		BaseURL:  "https://a.example.com",
		Retries:  1,
		KeyStore: StoreConfig{Dir: "/keys", Password: "old"},
	}
	cfg.Merge(Config{
		AuthURL:   "https://auth.example.com",
		RateLimit: 3,
		RateBurst: 1,
		KeyStore:  StoreConfig{Password: "new", InMemory: &inMemory},
	})

	if cfg.BaseURL != "https://a.example.com" || cfg.Retries != 1 {
		t.Errorf("unset fields overwritten: %+v", cfg)
	}
	if cfg.AuthURL != "https://auth.example.com" || cfg.RateLimit != 3 || cfg.RateBurst != 1 {
		t.Errorf("set fields not merged: %+v", cfg)
	}
	if cfg.KeyStore.Dir != "/keys" || cfg.KeyStore.Password != "new" || cfg.KeyStore.InMemory != &inMemory {
		t.Errorf("KeyStore = %+v", cfg.KeyStore)
	}
}

func TestConfig_Options(t *testing.T) {
	inMemory := true
	cfg := Config{
		BaseURL:    "https://dir.example.com",
		Timeout:    time.Second,
		Retries:    -1,
		KeyStore:   StoreConfig{Dir: "/keys", InMemory: &inMemory},
		GroupStore: StoreConfig{Dir: "/groups"},
	}

	cc := &clientConfig{}
	for _, opt := range cfg.Options() {
		opt(cc)
	}

	if cc.baseURL != "https://dir.example.com" || cc.timeout != time.Second || cc.retries != -1 {
		t.Errorf("clientConfig = %+v", cc)
	}
	if cc.keyStoreBackend == nil || cc.keyStoreDir != "" {
		t.Error("in-memory key store should take precedence over the directory")
	}
	if cc.groupStoreDir != "/groups" {
		t.Errorf("groupStoreDir = %s", cc.groupStoreDir)
	}

	if opts := (&Config{}).Options(); len(opts) != 0 {
		t.Errorf("empty config produced %d options", len(opts))
	}
}
