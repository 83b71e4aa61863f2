// Package config provides centralized configuration loaded from environment
// variables. Shared by every cmd/notifier subcommand.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingConfig marks a fatal precondition failure: the notifier must not
// touch any event when it is returned.
var ErrMissingConfig = errors.New("missing required configuration")

// --------------------------------------------------------------------------
// Config struct, populated from environment variables
// --------------------------------------------------------------------------

type Config struct {
	// Database
	DatabaseURL    string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration
	DBConnectTries int

	// API server
	APIHost     string
	APIPort     int
	Environment string // development, staging, production
	Debug       bool

	// CORS
	CORSAllowOrigins []string

	// Rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel  string
	LogFormat string // text | json
	LogFile   string

	// Delivery window, evaluated in the park's local time
	ParkTimezone   string
	QuietStartHour int // first allowed hour
	QuietEndHour   int // first disallowed hour

	// Batch runner
	BatchSize       int
	RetentionDays   int
	CallTimeout     time.Duration
	StopMargin      time.Duration
	DeliveryWorkers int
	NotifyScope     string // favorites | all
	NotifyURL       string
	AuditLogEnabled bool

	// Detection and audience policy
	WaitSpikeThreshold int
	WaveThreshold      int
	WaveBucket         time.Duration

	// Web Push (VAPID)
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string

	// Pushover-style gateway
	PushoverToken         string
	PushoverAPIURL        string
	PushoverRatePerSecond float64

	// Serve mode
	RunInterval     time.Duration
	CleanupInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// It never fails on optional values; call Validate before touching events.
func Load() (*Config, error) {
	dbURL := envOr("DATABASE_URL", envOr("SUPABASE_DB_URL", ""))
	if dbURL == "" {
		return nil, fmt.Errorf("%w: DATABASE_URL or SUPABASE_DB_URL must be set", ErrMissingConfig)
	}

	return &Config{
		DatabaseURL:    dbURL,
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 1),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 8),
		DBPoolMaxLife:  time.Duration(envInt("DB_POOL_MAX_LIFE_MINUTES", 30)) * time.Minute,
		DBConnectTries: envInt("DB_CONNECT_TRIES", 3),

		APIHost:     envOr("API_HOST", "0.0.0.0"),
		APIPort:     envInt("API_PORT", envInt("PORT", 8000)),
		Environment: envOr("ENVIRONMENT", "development"),
		Debug:       envBool("DEBUG", false),

		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:   time.Duration(envInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "text"),
		LogFile:   envOr("LOG_FILE", ""),

		ParkTimezone:   envOr("PARK_TIMEZONE", "Asia/Tokyo"),
		QuietStartHour: envInt("QUIET_START_HOUR", 8),
		QuietEndHour:   envInt("QUIET_END_HOUR", 22),

		BatchSize:       envInt("BATCH_SIZE", 200),
		RetentionDays:   envInt("RETENTION_DAYS", 7),
		CallTimeout:     envDuration("CALL_TIMEOUT", 10*time.Second),
		StopMargin:      envDuration("STOP_MARGIN", 5*time.Second),
		DeliveryWorkers: envInt("DELIVERY_WORKERS", 8),
		NotifyScope:     strings.ToLower(envOr("NOTIFY_SCOPE", "favorites")),
		NotifyURL:       envOr("NOTIFY_URL", "/"),
		AuditLogEnabled: envBool("AUDIT_LOG_ENABLED", true),

		WaitSpikeThreshold: envInt("WAIT_SPIKE_THRESHOLD", 20),
		WaveThreshold:      envInt("WAVE_THRESHOLD", 12),
		WaveBucket:         time.Duration(envInt("WAVE_BUCKET_SECONDS", 60)) * time.Second,

		VAPIDPublicKey:  envOr("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: envOr("VAPID_PRIVATE_KEY", ""),
		VAPIDSubscriber: envOr("VAPID_SUBSCRIBER", "mailto:notify@example.com"),

		PushoverToken:         envOr("PUSHOVER_TOKEN", ""),
		PushoverAPIURL:        envOr("PUSHOVER_API_URL", "https://api.pushover.net/1/messages.json"),
		PushoverRatePerSecond: envFloat("PUSHOVER_RATE_PER_SECOND", 5),

		RunInterval:     envDuration("RUN_INTERVAL", time.Minute),
		CleanupInterval: envDuration("CLEANUP_INTERVAL", time.Hour),
	}, nil
}

// Validate reports fatal precondition failures. The notifier aborts before
// loading any event when this returns an error.
func (c *Config) Validate() error {
	var problems []string
	if c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is empty")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		problems = append(problems, "VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	if !c.WebPushEnabled() && !c.GatewayEnabled() {
		problems = append(problems, "no delivery transport configured (VAPID keys or PUSHOVER_TOKEN)")
	}
	if _, err := time.LoadLocation(c.ParkTimezone); err != nil {
		problems = append(problems, fmt.Sprintf("PARK_TIMEZONE %q is invalid", c.ParkTimezone))
	}
	if c.QuietStartHour < 0 || c.QuietStartHour > 23 || c.QuietEndHour < 1 || c.QuietEndHour > 24 {
		problems = append(problems, "QUIET_START_HOUR/QUIET_END_HOUR out of range")
	}
	if c.NotifyScope != "favorites" && c.NotifyScope != "all" {
		problems = append(problems, fmt.Sprintf("NOTIFY_SCOPE %q must be favorites or all", c.NotifyScope))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(problems, "; "))
	}
	return nil
}

// WebPushEnabled reports whether both VAPID keys are present.
func (c *Config) WebPushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// GatewayEnabled reports whether the Pushover application token is present.
func (c *Config) GatewayEnabled() bool {
	return c.PushoverToken != ""
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Presence lists which credentials are visible to the process, without values.
func (c *Config) Presence() map[string]bool {
	return map[string]bool{
		"DATABASE_URL":      c.DatabaseURL != "",
		"VAPID_PUBLIC_KEY":  c.VAPIDPublicKey != "",
		"VAPID_PRIVATE_KEY": c.VAPIDPrivateKey != "",
		"PUSHOVER_TOKEN":    c.PushoverToken != "",
	}
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
