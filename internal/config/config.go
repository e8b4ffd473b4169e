package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all gateway configuration from environment variables.
type Config struct {
	// Runtime environment
	Env     string // development, production, or test
	Port    string
	Host    string
	BaseURL string

	// Auth
	JWTSecret      string
	APIKey         string
	RequireAuth    bool
	AllowedOrigins []string // "*" or explicit origin list

	// Logging
	LogLevel string
	LogJSON  bool

	// Upstream sessions
	SessionDir           string
	ConnectTimeout       time.Duration // WHATSAPP_TIMEOUT (milliseconds)
	QRTimeout            time.Duration // QR_TIMEOUT (milliseconds)
	MaxReconnectAttempts int

	// Platform webhook auto-registered for every new session
	LocaiWebhookURL    string
	LocaiWebhookSecret string

	// Rate limiting
	RateLimitWindow time.Duration
	RateLimitMax    int

	// Uploads
	MaxFileSize int64
	UploadDir   string

	// Caching
	CacheTTL time.Duration

	// Storage
	DBPath string

	// Webhook signing
	SignatureFormat string // "hex" (bare) or "sha256" (sha256=<hex>)

	// Metrics
	MetricsTextfile string // optional textfile-collector export path
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Env:                  envStr("NODE_ENV", "development"),
		Port:                 envStr("PORT", "3000"),
		Host:                 envStr("HOST", "0.0.0.0"),
		BaseURL:              envStr("BASE_URL", "http://localhost:3000"),
		JWTSecret:            envStr("JWT_SECRET", ""),
		APIKey:               envStr("API_KEY", ""),
		RequireAuth:          envBool("REQUIRE_AUTH", true),
		AllowedOrigins:       splitCSV(envStr("ALLOWED_ORIGINS", "*")),
		LogLevel:             envStr("LOG_LEVEL", "info"),
		LogJSON:              envBool("LOG_JSON", true),
		SessionDir:           envStr("WHATSAPP_SESSION_DIR", "./sessions"),
		ConnectTimeout:       envMillis("WHATSAPP_TIMEOUT", 60*time.Second),
		QRTimeout:            envMillis("QR_TIMEOUT", 120*time.Second),
		MaxReconnectAttempts: envInt("MAX_RECONNECT_ATTEMPTS", 5),
		LocaiWebhookURL:      envStr("LOCAI_WEBHOOK_URL", ""),
		LocaiWebhookSecret:   envStr("LOCAI_WEBHOOK_SECRET", ""),
		RateLimitWindow:      envMillis("RATE_LIMIT_WINDOW", 15*time.Minute),
		RateLimitMax:         envInt("RATE_LIMIT_MAX", 100),
		MaxFileSize:          envInt64("MAX_FILE_SIZE", 10*1024*1024),
		UploadDir:            envStr("UPLOAD_DIR", "./uploads"),
		CacheTTL:             time.Duration(envInt("CACHE_TTL", 300)) * time.Second,
		DBPath:               envStr("DB_PATH", "./data/gateway.db"),
		SignatureFormat:      envStr("WEBHOOK_SIGNATURE_FORMAT", "hex"),
		MetricsTextfile:      envStr("METRICS_TEXTFILE", ""),
	}
}

// Validate checks configuration for invalid values. Any violation is fatal
// at process start.
func (c *Config) Validate() error {
	var errs []error
	switch c.Env {
	case "development", "production", "test":
		// valid
	default:
		errs = append(errs, fmt.Errorf("NODE_ENV must be development, production, or test, got %q", c.Env))
	}
	if n, err := strconv.Atoi(c.Port); err != nil || n < 1 || n > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be a number in 1..65535, got %q", c.Port))
	}
	switch c.LogLevel {
	case "fatal", "error", "warn", "info", "debug", "trace":
		// valid
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of fatal, error, warn, info, debug, trace, got %q", c.LogLevel))
	}
	if c.RequireAuth {
		if c.APIKey == "" && c.JWTSecret == "" {
			errs = append(errs, errors.New("REQUIRE_AUTH is set but neither API_KEY nor JWT_SECRET is configured"))
		}
		if c.APIKey != "" && len(c.APIKey) < 16 {
			errs = append(errs, fmt.Errorf("API_KEY must be at least 16 characters, got %d", len(c.APIKey)))
		}
		minSecret := 32
		if c.Env == "production" {
			minSecret = 64
		}
		if c.JWTSecret != "" && len(c.JWTSecret) < minSecret {
			errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d characters, got %d", minSecret, len(c.JWTSecret)))
		}
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("WHATSAPP_TIMEOUT must be > 0, got %s", c.ConnectTimeout))
	}
	if c.QRTimeout <= 0 {
		errs = append(errs, fmt.Errorf("QR_TIMEOUT must be > 0, got %s", c.QRTimeout))
	}
	if c.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("MAX_RECONNECT_ATTEMPTS must be >= 0, got %d", c.MaxReconnectAttempts))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW must be > 0, got %s", c.RateLimitWindow))
	}
	if c.RateLimitMax <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_MAX must be > 0, got %d", c.RateLimitMax))
	}
	if c.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_FILE_SIZE must be > 0, got %d", c.MaxFileSize))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be > 0, got %s", c.CacheTTL))
	}
	switch c.SignatureFormat {
	case "hex", "sha256":
		// valid
	default:
		errs = append(errs, fmt.Errorf("WEBHOOK_SIGNATURE_FORMAT must be hex or sha256, got %q", c.SignatureFormat))
	}
	return errors.Join(errs...)
}

// OriginAllowed reports whether the given Origin header value is permitted
// by ALLOWED_ORIGINS.
func (c *Config) OriginAllowed(origin string) bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Production reports whether the gateway runs with NODE_ENV=production.
func (c *Config) Production() bool { return c.Env == "production" }

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envMillis parses an integer number of milliseconds, matching the units the
// deployment environment has always used for these options.
func envMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}
