package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the core runtime configuration for the service.
// Values are primarily sourced from environment variables, with
// sensible defaults where appropriate. See .env.example.
type Config struct {
	ListenAddr  string
	DatabaseURL string

	// RedisURL enables the extraction result cache when set. An empty
	// value disables caching entirely; the service runs fine without it.
	RedisURL string

	AdminUser     string
	AdminPassword string

	// GeminiAPIKey authenticates the LLM extraction collaborator.
	GeminiAPIKey string
	GeminiModel  string

	// RenderServiceURL, when set, routes rendering through a remote
	// rendering service instead of the embedded headless browser.
	RenderServiceURL string

	// BlobDir is the root directory for stored extraction results and
	// page snapshots.
	BlobDir string

	// CacheTTL is the retention window within which an identical
	// extraction fingerprint is served from cache.
	CacheTTL time.Duration

	// Webhook delivery policy. Attempts are spaced by
	// WebhookBackoffBase * 2^(attempt-1).
	WebhookMaxAttempts  int
	WebhookBackoffBase  time.Duration
	WebhookTimeout      time.Duration
	WebhookAllowPrivate bool // local development only

	// RefundBlocked refunds the credit cost when the target site
	// refuses rendering. Off by default: the render attempt was paid for.
	RefundBlocked bool

	// AllowAnonymous permits requests without an x-api-key header on a
	// heavily rate-limited anonymous tier.
	AllowAnonymous bool
	AnonymousRPM   int

	// RetentionDays bounds how long stored results and idempotency
	// records are kept before the retention worker removes them.
	RetentionDays int

	// ScheduleTickInterval is how often due schedules are evaluated.
	ScheduleTickInterval time.Duration
}

// Load reads configuration from environment variables and applies defaults.
func Load() *Config {
	cfg := &Config{
		ListenAddr:           getenv("APP_LISTEN_ADDR", ":8080"),
		DatabaseURL:          os.Getenv("APP_DATABASE_URL"),
		RedisURL:             os.Getenv("APP_REDIS_URL"),
		AdminUser:            getenv("APP_ADMIN_USER", "admin"),
		AdminPassword:        getenv("APP_ADMIN_PASSWORD", "changeme"),
		GeminiAPIKey:         os.Getenv("APP_GEMINI_API_KEY"),
		GeminiModel:          getenv("APP_GEMINI_MODEL", "gemini-2.5-flash"),
		RenderServiceURL:     os.Getenv("APP_RENDER_SERVICE_URL"),
		BlobDir:              getenv("APP_BLOB_DIR", "./data/blobs"),
		CacheTTL:             getdur("APP_CACHE_TTL", time.Hour),
		WebhookMaxAttempts:   getint("APP_WEBHOOK_MAX_ATTEMPTS", 3),
		WebhookBackoffBase:   getdur("APP_WEBHOOK_BACKOFF_BASE", 2*time.Second),
		WebhookTimeout:       getdur("APP_WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookAllowPrivate:  getbool("APP_WEBHOOK_ALLOW_PRIVATE", false),
		RefundBlocked:        getbool("APP_REFUND_BLOCKED", false),
		AllowAnonymous:       getbool("APP_ALLOW_ANONYMOUS", false),
		AnonymousRPM:         getint("APP_ANONYMOUS_RPM", 5),
		RetentionDays:        getint("APP_RETENTION_DAYS", 30),
		ScheduleTickInterval: getdur("APP_SCHEDULE_TICK_INTERVAL", time.Minute),
	}
	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func getbool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
