package fundd

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"fundmgr/chain"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for fundd.
type Config struct {
	ListenAddress string       `yaml:"listen" toml:"listen"`
	Environment   string       `yaml:"environment" toml:"environment"`
	PauseOnStart  bool         `yaml:"pause" toml:"pause"`
	Chains        []ChainEntry `yaml:"chains" toml:"chains"`
	Lock          LockConfig   `yaml:"lock" toml:"lock"`
	Storage       StoreConfig  `yaml:"storage" toml:"storage"`
	Recon         ReconConfig  `yaml:"recon" toml:"recon"`
	Admin         AdminConfig  `yaml:"admin" toml:"admin"`
}

// ChainEntry is a chain record plus its optional quota window.
type ChainEntry struct {
	chain.Spec  `yaml:",inline"`
	QuotaPeriod Duration `yaml:"quota_period" toml:"quota_period"`
	QuotaCap    string   `yaml:"quota_cap" toml:"quota_cap"`
}

// Quota returns the configured window, or ok=false when the chain has none.
func (c ChainEntry) Quota() (period time.Duration, limit *big.Int, ok bool, err error) {
	raw := strings.TrimSpace(c.QuotaCap)
	if raw == "" && c.QuotaPeriod.Duration == 0 {
		return 0, nil, false, nil
	}
	limit, parsed := new(big.Int).SetString(raw, 10)
	if !parsed || limit.Sign() < 0 {
		return 0, nil, false, fmt.Errorf("chain %s: invalid quota_cap %q", c.Name, c.QuotaCap)
	}
	if c.QuotaPeriod.Duration <= 0 {
		return 0, nil, false, fmt.Errorf("chain %s: quota_period must be positive", c.Name)
	}
	return c.QuotaPeriod.Duration, limit, true, nil
}

// LockConfig selects the resource lock service.
type LockConfig struct {
	// Driver is "memory" (single process) or "redis".
	Driver        string   `yaml:"driver" toml:"driver"`
	RedisAddr     string   `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password" toml:"redis_password"`
	RedisPassEnv  string   `yaml:"redis_password_env" toml:"redis_password_env"`
	RedisDB       int      `yaml:"redis_db" toml:"redis_db"`
	Prefix        string   `yaml:"prefix" toml:"prefix"`
	TTL           Duration `yaml:"ttl" toml:"ttl"`
}

// StoreConfig selects persistence for the ledger and quota windows.
type StoreConfig struct {
	// Ledger is "memory", "leveldb", "sqlite" or "postgres".
	Ledger string `yaml:"ledger" toml:"ledger"`
	// Quota is "memory", "sqlite" or "postgres".
	Quota   string `yaml:"quota" toml:"quota"`
	DataDir string `yaml:"data_dir" toml:"data_dir"`
	DSN     string `yaml:"dsn" toml:"dsn"`
	DSNEnv  string `yaml:"dsn_env" toml:"dsn_env"`
}

// ReconConfig controls the periodic reconciliation scheduler.
type ReconConfig struct {
	Enabled    bool     `yaml:"enabled" toml:"enabled"`
	Interval   Duration `yaml:"interval" toml:"interval"`
	OutputDir  string   `yaml:"output_dir" toml:"output_dir"`
	StaleAfter Duration `yaml:"stale_after" toml:"stale_after"`
	DryRun     bool     `yaml:"dry_run" toml:"dry_run"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string         `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenFile string         `yaml:"bearer_token_file" toml:"bearer_token_file"`
	JWT             JWTConfig      `yaml:"jwt" toml:"jwt"`
	MTLS            MTLSConfig     `yaml:"mtls" toml:"mtls"`
	TLS             AdminTLSConfig `yaml:"tls" toml:"tls"`
	RateLimit       RateConfig     `yaml:"rate_limit" toml:"rate_limit"`
}

// JWTConfig enables HMAC-signed operator tokens.
type JWTConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	SecretEnv string   `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	Secret    string   `yaml:"-" toml:"-"`
	Issuer    string   `yaml:"issuer" toml:"issuer"`
	Audience  string   `yaml:"audience" toml:"audience"`
	ClockSkew Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// MTLSConfig controls mutual TLS verification.
type MTLSConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	ClientCAPath string `yaml:"client_ca" toml:"client_ca"`
}

// AdminTLSConfig configures TLS certificates for the admin API.
type AdminTLSConfig struct {
	Disable  bool   `yaml:"disable" toml:"disable"`
	CertPath string `yaml:"cert" toml:"cert"`
	KeyPath  string `yaml:"key" toml:"key"`
}

// RateConfig bounds admin requests per client.
type RateConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml are decoded as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	contents, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(contents), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := cfg.Lock.normalise(); err != nil {
		return cfg, fmt.Errorf("lock: %w", err)
	}
	if err := cfg.Storage.normalise(); err != nil {
		return cfg, fmt.Errorf("storage: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7085"
	}
	if cfg.Lock.Driver == "" {
		cfg.Lock.Driver = "memory"
	}
	if cfg.Lock.Prefix == "" {
		cfg.Lock.Prefix = "fundmgr:lock:"
	}
	if cfg.Lock.TTL.Duration == 0 {
		cfg.Lock.TTL.Duration = 2 * time.Minute
	}
	if cfg.Storage.Ledger == "" {
		cfg.Storage.Ledger = "leveldb"
	}
	if cfg.Storage.Quota == "" {
		cfg.Storage.Quota = "sqlite"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "fundmgr-data"
	}
	if cfg.Recon.Interval.Duration == 0 {
		cfg.Recon.Interval.Duration = 15 * time.Minute
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = filepath.Join(cfg.Storage.DataDir, "recon")
	}
	if cfg.Admin.RateLimit.RequestsPerMinute == 0 {
		cfg.Admin.RateLimit.RequestsPerMinute = 120
	}
	if cfg.Admin.RateLimit.Burst == 0 {
		cfg.Admin.RateLimit.Burst = 20
	}
}

func validateConfig(cfg Config) error {
	if len(cfg.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Chains))
	for _, entry := range cfg.Chains {
		name := strings.TrimSpace(entry.Name)
		if _, dup := seen[name]; dup {
			return fmt.Errorf("chain %s configured twice", name)
		}
		seen[name] = struct{}{}
		if _, _, _, err := entry.Quota(); err != nil {
			return err
		}
	}
	if cfg.Admin.BearerToken == "" && !cfg.Admin.MTLS.Enabled && !cfg.Admin.JWT.Enabled {
		return fmt.Errorf("configure bearer_token, jwt or mTLS for admin authentication")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	if a.JWT.Enabled {
		env := strings.TrimSpace(a.JWT.SecretEnv)
		if env == "" {
			return fmt.Errorf("jwt.hmac_secret_env must be configured when jwt is enabled")
		}
		secret := strings.TrimSpace(os.Getenv(env))
		if secret == "" {
			return fmt.Errorf("jwt secret env %s is empty", env)
		}
		a.JWT.Secret = secret
	}
	a.MTLS.ClientCAPath = strings.TrimSpace(a.MTLS.ClientCAPath)
	a.TLS.CertPath = strings.TrimSpace(a.TLS.CertPath)
	a.TLS.KeyPath = strings.TrimSpace(a.TLS.KeyPath)
	if a.TLS.CertPath == "" && a.TLS.KeyPath == "" {
		a.TLS.Disable = true
	}
	if !a.TLS.Disable {
		if a.TLS.CertPath == "" {
			return fmt.Errorf("tls.cert must be configured when TLS is enabled")
		}
		if a.TLS.KeyPath == "" {
			return fmt.Errorf("tls.key must be configured when TLS is enabled")
		}
	}
	if a.MTLS.Enabled && a.TLS.Disable {
		return fmt.Errorf("mTLS requires TLS to be enabled")
	}
	if a.MTLS.Enabled && a.MTLS.ClientCAPath == "" {
		return fmt.Errorf("mtls.client_ca must be configured when mTLS is enabled")
	}
	return nil
}

func (l *LockConfig) normalise() error {
	l.Driver = strings.ToLower(strings.TrimSpace(l.Driver))
	switch l.Driver {
	case "memory":
		return nil
	case "redis":
	default:
		return fmt.Errorf("unknown lock driver %q", l.Driver)
	}
	l.RedisAddr = strings.TrimSpace(l.RedisAddr)
	if l.RedisAddr == "" {
		return fmt.Errorf("redis_addr must be configured for the redis lock driver")
	}
	if env := strings.TrimSpace(l.RedisPassEnv); env != "" && l.RedisPassword == "" {
		l.RedisPassword = os.Getenv(env)
	}
	return nil
}

func (s *StoreConfig) normalise() error {
	s.Ledger = strings.ToLower(strings.TrimSpace(s.Ledger))
	s.Quota = strings.ToLower(strings.TrimSpace(s.Quota))
	switch s.Ledger {
	case "memory", "leveldb", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown ledger driver %q", s.Ledger)
	}
	switch s.Quota {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown quota driver %q", s.Quota)
	}
	if env := strings.TrimSpace(s.DSNEnv); env != "" && strings.TrimSpace(s.DSN) == "" {
		s.DSN = strings.TrimSpace(os.Getenv(env))
	}
	if (s.Ledger == "postgres" || s.Quota == "postgres") && strings.TrimSpace(s.DSN) == "" {
		return fmt.Errorf("dsn must be configured for the postgres driver")
	}
	return nil
}
