// Package config loads daemon configuration: a YAML file when present,
// overridden by MANDATE_* environment variables, into one typed struct.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon configuration.
type Config struct {
	// Listen is the gateway bind address.
	Listen string `mapstructure:"listen"`
	// LocalChain is the network index this node executes directly.
	LocalChain uint32 `mapstructure:"local_chain"`
	// DatabasePath is the SQLite file; empty selects in-memory stores.
	DatabasePath string `mapstructure:"database_path"`
	// KeysetPath is the signing keyset file watched for hot reload.
	KeysetPath string `mapstructure:"keyset_path"`
	// OwnerToken gates the admin registry surface.
	OwnerToken string `mapstructure:"owner_token"`

	LogLevel string `mapstructure:"log_level"`

	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// AuthConfig configures admin JWT verification.
type AuthConfig struct {
	// JWTSecret signs and verifies admin tokens (HS256).
	JWTSecret string `mapstructure:"jwt_secret"`
	// Issuer must match the token's iss claim when set.
	Issuer string `mapstructure:"issuer"`
}

// RateLimitConfig bounds trigger submissions.
type RateLimitConfig struct {
	// PerIPRate is sustained requests per second per client IP.
	PerIPRate float64 `mapstructure:"per_ip_rate"`
	PerIPBurst int    `mapstructure:"per_ip_burst"`
	// RedisAddr enables the shared distributed limiter when non-empty.
	RedisAddr string `mapstructure:"redis_addr"`
	// TriggerCapacity / TriggerRefillPerSec parameterize the shared
	// per-principal token bucket.
	TriggerCapacity     int64   `mapstructure:"trigger_capacity"`
	TriggerRefillPerSec float64 `mapstructure:"trigger_refill_per_sec"`
}

// RelayConfig tunes the outbox dispatcher.
type RelayConfig struct {
	// Endpoint receives relayed operations; empty disables dispatch.
	Endpoint    string        `mapstructure:"endpoint"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// ArchiveConfig selects the segment store backend.
type ArchiveConfig struct {
	// Backend is one of "file", "s3", "gcs".
	Backend string `mapstructure:"backend"`
	// Interval between export sweeps; 0 disables the exporter.
	Interval time.Duration `mapstructure:"interval"`
	Dir      string        `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Region  string `mapstructure:"region"`
	// Endpoint overrides the S3 endpoint (MinIO, LocalStack).
	Endpoint string `mapstructure:"endpoint"`
	Prefix   string `mapstructure:"prefix"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8420")
	v.SetDefault("local_chain", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("rate_limit.per_ip_rate", 20.0)
	v.SetDefault("rate_limit.per_ip_burst", 40)
	v.SetDefault("rate_limit.trigger_capacity", 100)
	v.SetDefault("rate_limit.trigger_refill_per_sec", 10.0)
	v.SetDefault("relay.interval", 5*time.Second)
	v.SetDefault("relay.max_attempts", 5)
	v.SetDefault("archive.backend", "file")
	v.SetDefault("archive.interval", time.Minute)
	v.SetDefault("archive.dir", "archive")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.sample_rate", 1.0)
}

// Load reads path (optional; "" skips the file) and the environment.
// MANDATE_AUTH_JWT_SECRET overrides auth.jwt_secret, and so on.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("MANDATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Archive.Backend {
	case "", "file":
	case "s3", "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket required for backend %q", c.Archive.Backend)
		}
	default:
		return fmt.Errorf("unknown archive backend %q (valid: file, s3, gcs)", c.Archive.Backend)
	}
	if c.RateLimit.PerIPRate <= 0 || c.RateLimit.PerIPBurst <= 0 {
		return fmt.Errorf("rate_limit.per_ip_rate and per_ip_burst must be positive")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}
	return nil
}
