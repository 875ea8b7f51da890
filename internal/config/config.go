package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Redis     RedisConfig
	Archive   ArchiveConfig
	Audit     AuditConfig
	RateLimit RateLimitConfig
	Security  SecurityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string
	Port           string
	AllowedOrigins []string
	SecureCookies  bool
	// ExposeResetToken returns reset tokens in the forgot-password
	// response. Development only.
	ExposeResetToken bool
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// JWTConfig holds JWT signing configuration. Token lifetimes live in
// SecurityConfig so the policy file can override them.
type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	Issuer        string
}

// RedisConfig holds the optional Redis connection used for the audit
// stream and the password reset delivery stream
type RedisConfig struct {
	URL            string
	StreamKey      string
	StreamMaxLen   int64
	ResetStreamKey string
}

// Enabled reports whether Redis is configured
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// ArchiveConfig holds the optional S3-compatible bucket for ledger archives
type ArchiveConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string
	PageSize  int
}

// Enabled reports whether ledger rows are archived before purging
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// AuditConfig tunes the asynchronous audit dispatcher
type AuditConfig struct {
	BufferSize int
	LogEvents  bool
}

// RateLimitConfig holds per-IP limits for credential endpoints
type RateLimitConfig struct {
	LoginPerMinute int
	LoginBurst     int
	ResetPerMinute int
	ResetBurst     int
	EntryTTL       time.Duration
}

// Load reads configuration from an optional .env file, environment
// variables and the optional YAML security policy file.
func Load() (*Config, error) {
	if err := godotenv.Load(getEnv("ENV_FILE", ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("SERVER_PORT", "8080"),
			AllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			SecureCookies:  getBoolEnv("SECURE_COOKIES", true),

			ExposeResetToken: getBoolEnv("EXPOSE_RESET_TOKEN", false),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "authguard"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			AccessSecret:  getEnv("JWT_ACCESS_SECRET", ""),
			RefreshSecret: getEnv("JWT_REFRESH_SECRET", ""),
			Issuer:        getEnv("JWT_ISSUER", "authguard"),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", ""),
			StreamKey:    getEnv("AUDIT_STREAM_KEY", "auth:audit"),
			StreamMaxLen: int64(getIntEnv("AUDIT_STREAM_MAXLEN", 100000)),

			ResetStreamKey: getEnv("RESET_STREAM_KEY", "auth:password-reset"),
		},
		Archive: ArchiveConfig{
			Endpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
			Region:    getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			Bucket:    getEnv("ARCHIVE_S3_BUCKET", ""),
			AccessKey: getEnv("ARCHIVE_S3_ACCESS_KEY", ""),
			SecretKey: getEnv("ARCHIVE_S3_SECRET_KEY", ""),
			Prefix:    getEnv("ARCHIVE_S3_PREFIX", "login-attempts"),
			PageSize:  getIntEnv("ARCHIVE_PAGE_SIZE", 5000),
		},
		Audit: AuditConfig{
			BufferSize: getIntEnv("AUDIT_BUFFER_SIZE", 1024),
			LogEvents:  getBoolEnv("AUDIT_LOG_EVENTS", false),
		},
		RateLimit: RateLimitConfig{
			LoginPerMinute: getIntEnv("RATE_LIMIT_LOGIN_PER_MINUTE", 10),
			LoginBurst:     getIntEnv("RATE_LIMIT_LOGIN_BURST", 5),
			ResetPerMinute: getIntEnv("RATE_LIMIT_RESET_PER_MINUTE", 3),
			ResetBurst:     getIntEnv("RATE_LIMIT_RESET_BURST", 3),
			EntryTTL:       getDurationEnv("RATE_LIMIT_ENTRY_TTL", 10*time.Minute),
		},
		Security: DefaultSecurityConfig(),
	}

	if path := getEnv("SECURITY_POLICY_FILE", ""); path != "" {
		if err := cfg.Security.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Security.Tokens.AccessTTL = getDurationEnv("JWT_ACCESS_EXPIRY", cfg.Security.Tokens.AccessTTL)
	cfg.Security.Tokens.RefreshTTL = getDurationEnv("JWT_REFRESH_EXPIRY", cfg.Security.Tokens.RefreshTTL)
	cfg.Security.RotationRevokesOldToken = getBoolEnv("ROTATION_REVOKES_OLD_TOKEN", cfg.Security.RotationRevokesOldToken)
	cfg.Security.RiskBlockEnforced = getBoolEnv("RISK_BLOCK_ENFORCED", cfg.Security.RiskBlockEnforced)
	cfg.Security.Timezone = getEnv("SECURITY_TIMEZONE", cfg.Security.Timezone)

	if err := cfg.Security.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings the API server cannot run without
func (c *Config) Validate() error {
	if c.JWT.AccessSecret == "" {
		return errors.New("JWT_ACCESS_SECRET environment variable is required")
	}
	if c.JWT.RefreshSecret == "" {
		return errors.New("JWT_REFRESH_SECRET environment variable is required")
	}
	if c.JWT.AccessSecret == c.JWT.RefreshSecret {
		return errors.New("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}
	return nil
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// URL returns the connection string in URL form, as golang-migrate expects
func (d *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("90s") or a bare number of minutes
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
