// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API (login, refresh, JWKS, protected routes) listens on.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC server (health, auth interceptors) listens on.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// DBTimeout bounds every persistence call on the request path (e.g. "3s").
	DBTimeout string `mapstructure:"DB_TIMEOUT"`

	// JWTIssuer is the iss claim stamped on access tokens.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim stamped on access tokens.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh session lifetime, extended on every rotation (e.g. "168h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// JWTKeyGrace is how long a retired signing key keeps verifying tokens.
	JWTKeyGrace string `mapstructure:"JWT_KEY_GRACE"`
	// JWTPrivateKey is the bootstrap signing key (inline PEM or path), used only when jwt_keys is empty.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the bootstrap verification key matching JWTPrivateKey.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTKeyDir is where cmd/keyrotate writes newly generated key PEMs.
	JWTKeyDir string `mapstructure:"JWT_KEY_DIR"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// MaxFailedLogins locks an account after this many consecutive failures.
	MaxFailedLogins int `mapstructure:"MAX_FAILED_LOGINS"`
	// LockoutDuration is how long a locked account stays locked.
	LockoutDuration string `mapstructure:"LOCKOUT_DURATION"`

	// PseudonymSalt keys the HMAC used to hash IPs and user agents before persistence.
	PseudonymSalt string `mapstructure:"PSEUDONYM_SALT"`
	// AuditRetention is how long audit rows are kept before the retention sweep deletes them.
	AuditRetention string `mapstructure:"AUDIT_RETENTION"`
	// AuditQueueSize is the buffer of the asynchronous audit writer.
	AuditQueueSize int `mapstructure:"AUDIT_QUEUE_SIZE"`

	// RateLimitMax is the number of requests allowed per (client, endpoint) per window.
	RateLimitMax int `mapstructure:"RATE_LIMIT_MAX"`
	// RateLimitWindow is the fixed window length (e.g. "60s").
	RateLimitWindow string `mapstructure:"RATE_LIMIT_WINDOW"`
	// RedisURL enables the shared rate limiter when set (e.g. redis://localhost:6379/0).
	RedisURL string `mapstructure:"REDIS_URL"`
	// PermissionCacheTTL is how long a resolved permission set is served from cache.
	PermissionCacheTTL string `mapstructure:"PERMISSION_CACHE_TTL"`
	// TrustedProxies is a comma-separated list of proxy addresses or CIDRs whose X-Forwarded-For
	// and X-Real-IP headers are believed. Empty means the peer address is always the client.
	TrustedProxies string `mapstructure:"TRUSTED_PROXIES"`
	// PasswordResetTTL is how long an issued password reset token stays redeemable.
	PasswordResetTTL string `mapstructure:"PASSWORD_RESET_TTL"`
	// SweepSchedule is the cron spec of the background sweep (e.g. "@every 5m").
	SweepSchedule string `mapstructure:"SWEEP_SCHEDULE"`

	// OTelEndpoint is the OTLP gRPC collector; empty disables export.
	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTelInsecure forces plaintext OTLP even for https endpoints.
	OTelInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// LogLevel is the logrus level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is "json" or "text".
	LogFormat string `mapstructure:"LOG_FORMAT"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_TIMEOUT", "3s")
	v.SetDefault("JWT_ISSUER", "credential-core")
	v.SetDefault("JWT_AUDIENCE", "credential-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("JWT_KEY_GRACE", "24h")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_KEY_DIR", "keys")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("MAX_FAILED_LOGINS", 5)
	v.SetDefault("LOCKOUT_DURATION", "15m")
	v.SetDefault("PSEUDONYM_SALT", "")
	v.SetDefault("AUDIT_RETENTION", "8760h") // 1y
	v.SetDefault("AUDIT_QUEUE_SIZE", 1024)
	v.SetDefault("RATE_LIMIT_MAX", 60)
	v.SetDefault("RATE_LIMIT_WINDOW", "60s")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("PERMISSION_CACHE_TTL", "5m")
	v.SetDefault("TRUSTED_PROXIES", "")
	v.SetDefault("PASSWORD_RESET_TTL", "30m")
	v.SetDefault("SWEEP_SCHEDULE", "@every 5m")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("APP_ENV", "development")
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.GRPCAddr == "" {
		return errors.New("config: GRPC_ADDR must be set")
	}
	if c.JWTIssuer == "" || c.JWTAudience == "" {
		return errors.New("config: JWT_ISSUER and JWT_AUDIENCE must be set")
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if c.RateLimitMax <= 0 {
		return errors.New("config: RATE_LIMIT_MAX must be positive")
	}
	if c.IsProduction() && strings.TrimSpace(c.PseudonymSalt) == "" {
		return errors.New("config: PSEUDONYM_SALT must be set when APP_ENV=production")
	}
	if c.AuditQueueSize <= 0 {
		c.AuditQueueSize = 1024
	}
	if c.MaxFailedLogins <= 0 {
		c.MaxFailedLogins = 5
	}
	return nil
}

// IsProduction reports whether APP_ENV is "production".
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "production")
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 15*time.Minute)
}

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return parseDuration(c.JWTRefreshTTL, 168*time.Hour)
}

// KeyGrace returns the retired-key verification grace. Never shorter than AccessTTL,
// so tokens signed just before a rotation still verify through their lifetime.
func (c *Config) KeyGrace() time.Duration {
	g := parseDuration(c.JWTKeyGrace, 24*time.Hour)
	if at := c.AccessTTL(); g < at {
		return at
	}
	return g
}

// Timeout returns the persistence call timeout. Returns 3s if unset or invalid.
func (c *Config) Timeout() time.Duration {
	return parseDuration(c.DBTimeout, 3*time.Second)
}

// Lockout returns the account lockout duration. Returns 15m if unset or invalid.
func (c *Config) Lockout() time.Duration {
	return parseDuration(c.LockoutDuration, 15*time.Minute)
}

// Retention returns the audit retention period. Returns one year if unset or invalid.
func (c *Config) Retention() time.Duration {
	return parseDuration(c.AuditRetention, 8760*time.Hour)
}

// Window returns the rate limit window. Returns 60s if unset or invalid.
func (c *Config) Window() time.Duration {
	return parseDuration(c.RateLimitWindow, 60*time.Second)
}

// PermissionTTL returns the permission cache TTL. Returns 5m if unset or invalid.
func (c *Config) PermissionTTL() time.Duration {
	return parseDuration(c.PermissionCacheTTL, 5*time.Minute)
}

// ResetTTL returns the password reset token lifetime. Returns 30m if unset or invalid.
func (c *Config) ResetTTL() time.Duration {
	return parseDuration(c.PasswordResetTTL, 30*time.Minute)
}

// Proxies splits TrustedProxies into its entries, dropping blanks.
func (c *Config) Proxies() []string {
	var out []string
	for _, p := range strings.Split(c.TrustedProxies, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
