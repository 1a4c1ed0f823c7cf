package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/PortNumber53/taskboard-billing/backend/internal/catalog"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// WebhookSecret is the provider signing secret. When empty, webhook
	// signatures are not checked.
	WebhookSecret string

	// Fallback decides which plan an unmatched checkout amount maps to.
	Fallback catalog.FallbackPolicy

	// LogLevel is a zerolog level name. Defaults to "info".
	LogLevel string

	// LogFormat is "json" or "console". Defaults to "json".
	LogFormat string
}

const (
	defaultServerAddress = ":18111"
	defaultLogLevel      = "info"
	defaultLogFormat     = "json"

	envServerAddress     = "BACKEND_ADDR"
	envDatabaseURL       = "DATABASE_URL"
	envWebhookSecret     = "BILLING_WEBHOOK_SECRET"
	envStripeSecret      = "STRIPE_WEBHOOK_SECRET"
	envFallbackThreshold = "BILLING_FALLBACK_THRESHOLD"
	envFallbackHighSlug  = "BILLING_FALLBACK_HIGH_SLUG"
	envFallbackLowSlug   = "BILLING_FALLBACK_LOW_SLUG"
	envLogLevel          = "LOG_LEVEL"
	envLogFormat         = "LOG_FORMAT"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	defaults := catalog.DefaultFallbackPolicy()

	cfg := Config{
		ServerAddress: firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:   strings.TrimSpace(os.Getenv(envDatabaseURL)),
		WebhookSecret: firstNonEmpty(os.Getenv(envWebhookSecret), os.Getenv(envStripeSecret)),
		Fallback: catalog.FallbackPolicy{
			Threshold: defaults.Threshold,
			HighSlug:  firstNonEmpty(os.Getenv(envFallbackHighSlug), defaults.HighSlug),
			LowSlug:   firstNonEmpty(os.Getenv(envFallbackLowSlug), defaults.LowSlug),
		},
		LogLevel:  strings.ToLower(firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel)),
		LogFormat: strings.ToLower(firstNonEmpty(os.Getenv(envLogFormat), defaultLogFormat)),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}

	if raw := strings.TrimSpace(os.Getenv(envFallbackThreshold)); raw != "" {
		threshold, err := decimal.NewFromString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envFallbackThreshold, err)
		}
		if threshold.IsNegative() {
			return Config{}, fmt.Errorf("invalid %s: must not be negative", envFallbackThreshold)
		}
		cfg.Fallback.Threshold = threshold
	}

	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("invalid %s %q: want json or console", envLogFormat, cfg.LogFormat)
	}

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
