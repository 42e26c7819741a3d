package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Security SecurityConfig `mapstructure:"security"`
	Session  SessionConfig  `mapstructure:"session"`
	Codes    CodesConfig    `mapstructure:"codes"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Cookie   CookieConfig   `mapstructure:"cookie"`
	Email    EmailConfig    `mapstructure:"email"`
	Captcha  CaptchaConfig  `mapstructure:"captcha"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
	Store    StoreConfig    `mapstructure:"store"`
	Janitor  JanitorConfig  `mapstructure:"janitor"`
	CORS     CORSConfig     `mapstructure:"cors"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	TLS  struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`
	// TrustProxyHeaders makes X-Forwarded-For / X-Real-IP authoritative for the client IP.
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// URL returns the PostgreSQL connection URL (used by the migration tool)
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	Password     PasswordConfig     `mapstructure:"password"`
	Lockout      LockoutConfig      `mapstructure:"lockout"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	Encryption   EncryptionConfig   `mapstructure:"encryption"`
}

// PasswordConfig holds password policy and hashing configuration
type PasswordConfig struct {
	MinLength         int    `mapstructure:"min_length"`
	SpecialCharacters string `mapstructure:"special_characters"`
	Argon2Memory      uint32 `mapstructure:"argon2_memory"`
	Argon2Iterations  uint32 `mapstructure:"argon2_iterations"`
	Argon2Parallelism uint8  `mapstructure:"argon2_parallelism"`
	// BreachCheck selects the compromised-password oracle: "list" or "range".
	BreachCheck string `mapstructure:"breach_check"`
	// BreachRangeURL is the k-anonymity range endpoint used when BreachCheck is "range".
	BreachRangeURL string `mapstructure:"breach_range_url"`
}

// LockoutConfig holds account lockout configuration
type LockoutConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
	Duration  time.Duration `mapstructure:"duration"`
}

// RateLimitingConfig holds fixed-window rate limiting configuration
type RateLimitingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	IPLimit    int           `mapstructure:"ip_limit"`
	IPWindow   time.Duration `mapstructure:"ip_window"`
	AuthLimit  int           `mapstructure:"auth_limit"`
	AuthWindow time.Duration `mapstructure:"auth_window"`
	UserLimit  int           `mapstructure:"user_limit"`
	UserWindow time.Duration `mapstructure:"user_window"`
	// CleanupGrace is how long a counter outlives its window before Redis expires it.
	CleanupGrace time.Duration `mapstructure:"cleanup_grace"`
}

// EncryptionConfig holds at-rest field encryption configuration
type EncryptionConfig struct {
	// KeyID is the secret identifier of the 256-bit data key.
	KeyID       string        `mapstructure:"key_id"`
	KeyCacheTTL time.Duration `mapstructure:"key_cache_ttl"`
}

// SessionConfig holds session lifetime configuration
type SessionConfig struct {
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	MaxLifetime       time.Duration `mapstructure:"max_lifetime"`
}

// CodesConfig holds one-time code configuration
type CodesConfig struct {
	Length          int           `mapstructure:"length"`
	VerificationTTL time.Duration `mapstructure:"verification_ttl"`
	ResetTTL        time.Duration `mapstructure:"reset_ttl"`
}

// AuditConfig holds audit log configuration
type AuditConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// CookieConfig holds cookie configuration
type CookieConfig struct {
	// Domain is the cookie domain; empty means host-only.
	Domain string `mapstructure:"domain"`
	// Secure sets the Secure flag on cookies (should be true in production with HTTPS)
	Secure bool `mapstructure:"secure"`
	// SameSite controls the SameSite attribute: "lax", "strict", or "none"
	SameSite string `mapstructure:"same_site"`
}

// EmailConfig holds email sending configuration
type EmailConfig struct {
	// Provider is the email provider to use: "gmail", "smtp" or "log".
	Provider string `mapstructure:"provider"`
	// AppName is the application name shown in emails (defaults to "TaskTrack")
	AppName string `mapstructure:"app_name"`
	// Gmail holds Gmail-specific configuration
	Gmail GmailEmailConfig `mapstructure:"gmail"`
	// SMTP holds SMTP relay configuration
	SMTP SMTPEmailConfig `mapstructure:"smtp"`
}

// GmailEmailConfig holds Gmail API configuration
type GmailEmailConfig struct {
	// CredentialsJSON is the service account credentials JSON content
	CredentialsJSON string `mapstructure:"credentials_json"`
	// ClientID for OAuth2 token-based auth (alternative to service account)
	ClientID string `mapstructure:"client_id"`
	// ClientSecret for OAuth2 token-based auth
	ClientSecret string `mapstructure:"client_secret"`
	// RefreshToken for OAuth2 token-based auth
	RefreshToken string `mapstructure:"refresh_token"`
	// SenderAddress is the "From" email address
	SenderAddress string `mapstructure:"sender_address"`
	// SenderName is the display name for the sender
	SenderName string `mapstructure:"sender_name"`
}

// SMTPEmailConfig holds SMTP relay configuration
type SMTPEmailConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	SenderAddress string `mapstructure:"sender_address"`
	SenderName    string `mapstructure:"sender_name"`
}

// CaptchaConfig holds CAPTCHA verification configuration
type CaptchaConfig struct {
	// Provider is "siteverify" for a remote verifier or "placeholder" for development.
	Provider  string        `mapstructure:"provider"`
	VerifyURL string        `mapstructure:"verify_url"`
	Secret    string        `mapstructure:"secret"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// SecretsConfig holds secret store configuration
type SecretsConfig struct {
	// Provider is "static" (keys from config/env) or "s3".
	Provider string `mapstructure:"provider"`
	// Static maps secret identifiers to base64-encoded values.
	Static map[string]string `mapstructure:"static"`
	S3     S3SecretsConfig   `mapstructure:"s3"`
}

// S3SecretsConfig holds configuration for the S3-backed secret store
type S3SecretsConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// StoreConfig holds durable store access configuration
type StoreConfig struct {
	Retry RetryConfig `mapstructure:"retry"`
}

// RetryConfig holds transient-failure retry configuration
type RetryConfig struct {
	MaxAttempts   uint64        `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	JitterPercent uint64        `mapstructure:"jitter_percent"`
}

// JanitorConfig holds background purge configuration
type JanitorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// CORSConfig holds cross-origin configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	// Set config file name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/tasktrack")

	// Set defaults
	SetDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	// Bind environment variables
	v.SetEnvPrefix("TASKTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate rejects settings the security components cannot work with
func (c *Config) Validate() error {
	var errs []error

	if c.Security.Password.MinLength <= 0 {
		errs = append(errs, errors.New("security.password.min_length must be positive"))
	}
	if c.Security.Lockout.Threshold <= 0 {
		errs = append(errs, errors.New("security.lockout.threshold must be positive"))
	}
	if c.Security.Lockout.Window <= 0 || c.Security.Lockout.Duration <= 0 {
		errs = append(errs, errors.New("security.lockout window and duration must be positive"))
	}

	rl := c.Security.RateLimiting
	if rl.IPLimit <= 0 || rl.AuthLimit <= 0 || rl.UserLimit <= 0 {
		errs = append(errs, errors.New("security.rate_limiting limits must be positive"))
	}
	for name, w := range map[string]time.Duration{"ip_window": rl.IPWindow, "auth_window": rl.AuthWindow, "user_window": rl.UserWindow} {
		if w < time.Second {
			errs = append(errs, fmt.Errorf("security.rate_limiting.%s must be at least 1s", name))
		}
	}

	if c.Session.InactivityTimeout <= 0 || c.Session.MaxLifetime <= 0 {
		errs = append(errs, errors.New("session timeouts must be positive"))
	}
	if c.Codes.VerificationTTL <= 0 || c.Codes.ResetTTL <= 0 {
		errs = append(errs, errors.New("code TTLs must be positive"))
	}
	if c.Codes.Length < 4 || c.Codes.Length > 10 {
		errs = append(errs, errors.New("codes.length must be between 4 and 10"))
	}
	if c.Audit.Retention <= 0 {
		errs = append(errs, errors.New("audit.retention must be positive"))
	}
	if c.Security.Encryption.KeyID == "" {
		errs = append(errs, errors.New("security.encryption.key_id is required"))
	}
	if c.Store.Retry.MaxAttempts == 0 {
		errs = append(errs, errors.New("store.retry.max_attempts must be at least 1"))
	}

	return errors.Join(errs...)
}

// SetDefaults registers the default value of every setting
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.trust_proxy_headers", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "tasktrack")
	v.SetDefault("database.user", "tasktrack")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Password policy defaults
	v.SetDefault("security.password.min_length", 12)
	v.SetDefault("security.password.special_characters", "!@#$%^&*()_+-=[]{};':\"\\|,.<>/?`~")
	v.SetDefault("security.password.argon2_memory", 65536)
	v.SetDefault("security.password.argon2_iterations", 3)
	v.SetDefault("security.password.argon2_parallelism", 4)
	v.SetDefault("security.password.breach_check", "list")
	v.SetDefault("security.password.breach_range_url", "https://api.pwnedpasswords.com/range/")

	// Lockout defaults
	v.SetDefault("security.lockout.threshold", 5)
	v.SetDefault("security.lockout.window", "15m")
	v.SetDefault("security.lockout.duration", "15m")

	// Rate limiting defaults
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.ip_limit", 100)
	v.SetDefault("security.rate_limiting.ip_window", "60s")
	v.SetDefault("security.rate_limiting.auth_limit", 10)
	v.SetDefault("security.rate_limiting.auth_window", "60s")
	v.SetDefault("security.rate_limiting.user_limit", 1000)
	v.SetDefault("security.rate_limiting.user_window", "1h")
	v.SetDefault("security.rate_limiting.cleanup_grace", "60s")

	// Encryption defaults
	v.SetDefault("security.encryption.key_id", "tasktrack/data-key")
	v.SetDefault("security.encryption.key_cache_ttl", "5m")

	// Session defaults
	v.SetDefault("session.inactivity_timeout", "30m")
	v.SetDefault("session.max_lifetime", "24h")

	// One-time code defaults
	v.SetDefault("codes.length", 6)
	v.SetDefault("codes.verification_ttl", "24h")
	v.SetDefault("codes.reset_ttl", "1h")

	// Audit defaults
	v.SetDefault("audit.retention", "2160h") // 90 days

	// Cookie defaults
	v.SetDefault("cookie.domain", "")
	v.SetDefault("cookie.secure", false)
	v.SetDefault("cookie.same_site", "lax")

	// Email defaults
	v.SetDefault("email.provider", "log")
	v.SetDefault("email.app_name", "TaskTrack")
	v.SetDefault("email.gmail.sender_address", "")
	v.SetDefault("email.gmail.sender_name", "TaskTrack")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.sender_name", "TaskTrack")

	// CAPTCHA defaults
	v.SetDefault("captcha.provider", "placeholder")
	v.SetDefault("captcha.verify_url", "https://hcaptcha.com/siteverify")
	v.SetDefault("captcha.timeout", "5s")

	// Secret store defaults
	v.SetDefault("secrets.provider", "static")
	v.SetDefault("secrets.s3.prefix", "secrets/")
	v.SetDefault("secrets.s3.region", "us-east-1")

	// Store retry defaults
	v.SetDefault("store.retry.max_attempts", 4)
	v.SetDefault("store.retry.base_delay", "50ms")
	v.SetDefault("store.retry.max_delay", "2s")
	v.SetDefault("store.retry.jitter_percent", 25)

	// Janitor defaults
	v.SetDefault("janitor.enabled", true)
	v.SetDefault("janitor.interval", "10m")

	// CORS defaults
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})
}
