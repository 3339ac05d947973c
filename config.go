package ethree

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Config is the file form of the client options.
type Config struct {
	BaseURL    string        `yaml:"baseURL"`
	AuthURL    string        `yaml:"authURL"`
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	RetryOn    []int         `yaml:"retryOn"`
	RateLimit  float64       `yaml:"rateLimit"`
	RateBurst  int           `yaml:"rateBurst"`
	KeyStore   StoreConfig   `yaml:"keyStore"`
	GroupStore StoreConfig   `yaml:"groupStore"`
}

// StoreConfig locates a local store.
type StoreConfig struct {
	Dir      string `yaml:"dir"`
	Password string `yaml:"password"`
	InMemory *bool  `yaml:"inMemory"`
}

// LoadConfig reads a YAML config file and applies ETHREE_* environment
// overrides. An empty path yields the environment-only config. Store
// directories have "~" expanded.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("expand config path: %w", err)
		}
		data, err := os.ReadFile(expanded)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()

	for _, dir := range []*string{&cfg.KeyStore.Dir, &cfg.GroupStore.Dir} {
		if *dir == "" {
			continue
		}
		expanded, err := homedir.Expand(*dir)
		if err != nil {
			return nil, fmt.Errorf("expand store dir: %w", err)
		}
		*dir = expanded
	}
	return cfg, nil
}

// Merge copies the fields set in src over cfg.
func (cfg *Config) Merge(src Config) {
	if src.BaseURL != "" {
		cfg.BaseURL = src.BaseURL
	}
	if src.AuthURL != "" {
		cfg.AuthURL = src.AuthURL
	}
	if src.Timeout != 0 {
		cfg.Timeout = src.Timeout
	}
	if src.Retries != 0 {
		cfg.Retries = src.Retries
	}
	if src.RetryOn != nil {
		cfg.RetryOn = src.RetryOn
	}
	if src.RateLimit != 0 {
		cfg.RateLimit = src.RateLimit
		cfg.RateBurst = src.RateBurst
	}
	mergeStore(&cfg.KeyStore, src.KeyStore)
	mergeStore(&cfg.GroupStore, src.GroupStore)
}

func mergeStore(dst *StoreConfig, src StoreConfig) {
	if src.Dir != "" {
		dst.Dir = src.Dir
	}
	if src.Password != "" {
		dst.Password = src.Password
	}
	if src.InMemory != nil {
		dst.InMemory = src.InMemory
	}
}

// ApplyEnvOverrides overrides cfg from ETHREE_* environment variables.
// Malformed numeric values are ignored.
func (cfg *Config) ApplyEnvOverrides() {
	if v := env("ETHREE_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := env("ETHREE_AUTH_URL"); v != "" {
		cfg.AuthURL = v
	}
	if v := env("ETHREE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = d
		}
	}
	if v := env("ETHREE_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retries = n
		}
	}
	if v := env("ETHREE_KEYSTORE_DIR"); v != "" {
		cfg.KeyStore.Dir = v
	}
	if v := env("ETHREE_KEYSTORE_PASSWORD"); v != "" {
		cfg.KeyStore.Password = v
	}
	if v := env("ETHREE_KEYSTORE_IN_MEMORY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.KeyStore.InMemory = &b
		}
	}
	if v := env("ETHREE_GROUPSTORE_DIR"); v != "" {
		cfg.GroupStore.Dir = v
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// Options converts the config to client options.
func (cfg *Config) Options() []Option {
	var opts []Option
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.AuthURL != "" {
		opts = append(opts, WithAuthURL(cfg.AuthURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}
	if cfg.Retries != 0 {
		opts = append(opts, WithRetries(cfg.Retries))
	}
	if len(cfg.RetryOn) > 0 {
		opts = append(opts, WithRetryOn(cfg.RetryOn))
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, WithRateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	switch {
	case cfg.KeyStore.InMemory != nil && *cfg.KeyStore.InMemory:
		opts = append(opts, WithInMemoryKeyStore())
	case cfg.KeyStore.Dir != "":
		opts = append(opts, WithKeyStoreDir(cfg.KeyStore.Dir), WithKeyStorePassword(cfg.KeyStore.Password))
	}
	if cfg.GroupStore.Dir != "" {
		opts = append(opts, WithGroupStoreDir(cfg.GroupStore.Dir))
	}
	return opts
}
