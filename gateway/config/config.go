package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	LimiterIP    = "ip"
	LimiterStake = "stake"
	LimiterNone  = "none"
)

type KeyConfig struct {
	// File is a commune JSON key file.
	File string `yaml:"file" toml:"file"`
	// Keystore is an encrypted v3 keystore (ecdsa keys only).
	Keystore string `yaml:"keystore" toml:"keystore"`
	// PassphraseEnv names the variable holding the keystore passphrase. When empty the
	// passphrase is prompted for.
	PassphraseEnv string `yaml:"passphraseEnv" toml:"passphraseEnv"`
}

type ChainConfig struct {
	Endpoint         string        `yaml:"endpoint" toml:"endpoint"`
	AuthToken        string        `yaml:"authToken" toml:"authToken"`
	Snapshot         string        `yaml:"snapshot" toml:"snapshot"`
	Timeout          time.Duration `yaml:"timeout" toml:"timeout"`
	RegisteredMethod string        `yaml:"registeredMethod" toml:"registeredMethod"`
	StakesMethod     string        `yaml:"stakesMethod" toml:"stakesMethod"`
}

type AdmissionConfig struct {
	Staleness      time.Duration `yaml:"staleness" toml:"staleness"`
	Subnets        []uint16      `yaml:"subnets" toml:"subnets"`
	IdentityMinTTL time.Duration `yaml:"identityMinTTL" toml:"identityMinTTL"`
	IdentityMaxTTL time.Duration `yaml:"identityMaxTTL" toml:"identityMaxTTL"`
}

type ListsConfig struct {
	Blacklist   []string `yaml:"blacklist" toml:"blacklist"`
	Whitelist   []string `yaml:"whitelist" toml:"whitelist"`
	IPBlacklist []string `yaml:"ipBlacklist" toml:"ipBlacklist"`
	// StorePath enables LevelDB persistence of list changes.
	StorePath string `yaml:"storePath" toml:"storePath"`
}

type IPLimiterConfig struct {
	BucketSize  int     `yaml:"bucketSize" toml:"bucketSize"`
	RefillRate  float64 `yaml:"refillRate" toml:"refillRate"`
	MaxVisitors int     `yaml:"maxVisitors" toml:"maxVisitors"`
}

type StakeLimiterConfig struct {
	// Epoch and CacheAge are in seconds.
	Epoch      int     `yaml:"epoch" toml:"epoch"`
	CacheAge   int     `yaml:"cacheAge" toml:"cacheAge"`
	TokenRatio float64 `yaml:"tokenRatio" toml:"tokenRatio"`
}

type LimiterConfig struct {
	Kind  string             `yaml:"kind" toml:"kind"`
	IP    IPLimiterConfig    `yaml:"ip" toml:"ip"`
	Stake StakeLimiterConfig `yaml:"stake" toml:"stake"`
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName" toml:"serviceName"`
	Environment   string `yaml:"environment" toml:"environment"`
	Metrics       bool   `yaml:"metrics" toml:"metrics"`
	Tracing       bool   `yaml:"tracing" toml:"tracing"`
	LogRequests   bool   `yaml:"logRequests" toml:"logRequests"`
	MetricsPrefix string `yaml:"metricsPrefix" toml:"metricsPrefix"`
	LogFile       string `yaml:"logFile" toml:"logFile"`
}

type SecurityConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins" toml:"allowedOrigins"`
}

type Config struct {
	ListenAddress   string              `yaml:"listen" toml:"listen"`
	ReadTimeout     time.Duration       `yaml:"readTimeout" toml:"readTimeout"`
	WriteTimeout    time.Duration       `yaml:"writeTimeout" toml:"writeTimeout"`
	IdleTimeout     time.Duration       `yaml:"idleTimeout" toml:"idleTimeout"`
	ShutdownTimeout time.Duration       `yaml:"shutdownTimeout" toml:"shutdownTimeout"`
	Key             KeyConfig           `yaml:"key" toml:"key"`
	Chain           ChainConfig         `yaml:"chain" toml:"chain"`
	Admission       AdmissionConfig     `yaml:"admission" toml:"admission"`
	Lists           ListsConfig         `yaml:"lists" toml:"lists"`
	Limiter         LimiterConfig       `yaml:"limiter" toml:"limiter"`
	Observability   ObservabilityConfig `yaml:"observability" toml:"observability"`
	Security        SecurityConfig      `yaml:"security" toml:"security"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddress:   ":8000",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Chain: ChainConfig{
			Timeout: 10 * time.Second,
		},
		Admission: AdmissionConfig{
			Staleness:      120 * time.Second,
			IdentityMinTTL: 60 * time.Second,
			IdentityMaxTTL: 120 * time.Second,
		},
		Limiter: LimiterConfig{
			Kind: LimiterStake,
			IP: IPLimiterConfig{
				BucketSize:  15,
				RefillRate:  1,
				MaxVisitors: 10000,
			},
			Stake: StakeLimiterConfig{
				Epoch:      800,
				CacheAge:   600,
				TokenRatio: 1,
			},
		},
		Observability: ObservabilityConfig{
			ServiceName:   "modulegate",
			Environment:   "dev",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "modulegate",
		},
	}
}

// Load reads path (YAML, or TOML when the extension is .toml) over the defaults, applies
// CONFIG_IP_LIMITER_* and CONFIG_STAKE_LIMITER_* environment overrides and validates the
// result. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, fmt.Errorf("apply environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	overrides := []struct {
		name  string
		apply func(string) error
	}{
		{"CONFIG_IP_LIMITER_BUCKET_SIZE", intSetter(&cfg.Limiter.IP.BucketSize)},
		{"CONFIG_IP_LIMITER_REFILL_RATE", floatSetter(&cfg.Limiter.IP.RefillRate)},
		{"CONFIG_STAKE_LIMITER_EPOCH", intSetter(&cfg.Limiter.Stake.Epoch)},
		{"CONFIG_STAKE_LIMITER_CACHE_AGE", intSetter(&cfg.Limiter.Stake.CacheAge)},
		{"CONFIG_STAKE_LIMITER_TOKEN_RATIO", floatSetter(&cfg.Limiter.Stake.TokenRatio)},
	}
	for _, o := range overrides {
		raw, ok := lookup(o.name)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := o.apply(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%s: %w", o.name, err)
		}
	}
	return nil
}

func intSetter(dst *int) func(string) error {
	return func(raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func floatSetter(dst *float64) func(string) error {
	return func(raw string) error {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("listen address required")
	}
	if cfg.Admission.Staleness <= 0 {
		return fmt.Errorf("admission.staleness must be positive")
	}
	if cfg.Admission.IdentityMinTTL <= 0 || cfg.Admission.IdentityMaxTTL < cfg.Admission.IdentityMinTTL {
		return fmt.Errorf("admission identity TTL bounds must satisfy 0 < identityMinTTL <= identityMaxTTL")
	}
	if strings.TrimSpace(cfg.Key.File) != "" && strings.TrimSpace(cfg.Key.Keystore) != "" {
		return fmt.Errorf("key.file and key.keystore are mutually exclusive")
	}
	if err := cfg.Chain.validate(); err != nil {
		return err
	}
	if len(cfg.Admission.Subnets) > 0 && !cfg.Chain.Configured() {
		return fmt.Errorf("admission.subnets requires chain.endpoint or chain.snapshot")
	}

	cfg.Limiter.Kind = strings.ToLower(strings.TrimSpace(cfg.Limiter.Kind))
	switch cfg.Limiter.Kind {
	case LimiterIP:
		if cfg.Limiter.IP.BucketSize <= 0 {
			return fmt.Errorf("limiter.ip.bucketSize must be positive")
		}
		if cfg.Limiter.IP.RefillRate <= 0 {
			return fmt.Errorf("limiter.ip.refillRate must be positive")
		}
	case LimiterStake:
		if cfg.Limiter.Stake.Epoch <= 0 {
			return fmt.Errorf("limiter.stake.epoch must be positive")
		}
		if cfg.Limiter.Stake.CacheAge <= 0 {
			return fmt.Errorf("limiter.stake.cacheAge must be positive")
		}
		if cfg.Limiter.Stake.TokenRatio <= 0.25 {
			return fmt.Errorf("limiter.stake.tokenRatio must exceed 0.25")
		}
	case LimiterNone:
	default:
		return fmt.Errorf("limiter.kind %q must be one of ip, stake, none", cfg.Limiter.Kind)
	}
	return nil
}

// Configured reports whether a chain source was given.
func (c ChainConfig) Configured() bool {
	return strings.TrimSpace(c.Endpoint) != "" || strings.TrimSpace(c.Snapshot) != ""
}

func (c ChainConfig) validate() error {
	if strings.TrimSpace(c.Endpoint) != "" && strings.TrimSpace(c.Snapshot) != "" {
		return fmt.Errorf("chain.endpoint and chain.snapshot are mutually exclusive")
	}
	if c.Endpoint == "" {
		return nil
	}
	parsed, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("parse chain.endpoint: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https", "ws", "wss":
		return nil
	case "":
		return fmt.Errorf("chain.endpoint URL scheme is required")
	default:
		return fmt.Errorf("unsupported chain.endpoint scheme %q", parsed.Scheme)
	}
}

// StakeEpoch returns the epoch as a duration.
func (c StakeLimiterConfig) StakeEpoch() time.Duration {
	return time.Duration(c.Epoch) * time.Second
}

// MaxCacheAge returns the snapshot cache age as a duration.
func (c StakeLimiterConfig) MaxCacheAge() time.Duration {
	return time.Duration(c.CacheAge) * time.Second
}
