package billing

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/storytimehq/storytime-billing/internal/billing/plans"
)

// Config holds all configuration for the billing service.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	SiteURL     string
	LogLevel    string
	LogFormat   string

	StripeSecretKey     string
	StripeWebhookSecret string
	AuthJWTSecret       string

	PlanCatalog       *plans.Catalog
	ReconcileInterval time.Duration

	RateLimit       int
	RateLimitWindow time.Duration
}

// BillingDir returns the directory holding the billing database.
func (c *Config) BillingDir() string {
	return filepath.Join(c.DataDir, "billing")
}

// LoadConfig loads billing service configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("STORYTIME_PORT", 8787)
	if err != nil {
		return nil, err
	}
	reconcileInterval, err := envOrDefaultDuration("STORYTIME_RECONCILE_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("STORYTIME_RATE_LIMIT", 120)
	if err != nil {
		return nil, err
	}
	rateWindow, err := envOrDefaultDuration("STORYTIME_RATE_WINDOW", time.Minute)
	if err != nil {
		return nil, err
	}

	var catalog *plans.Catalog
	if spec := strings.TrimSpace(os.Getenv("STORYTIME_PLAN_MINUTES")); spec != "" {
		catalog, err = plans.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("STORYTIME_PLAN_MINUTES: %w", err)
		}
	}

	cfg := &Config{
		DataDir:             envOrDefault("STORYTIME_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("STORYTIME_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		SiteURL:             strings.TrimSpace(os.Getenv("SITE_URL")),
		LogLevel:            envOrDefault("STORYTIME_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("STORYTIME_LOG_FORMAT", "auto"),
		StripeSecretKey:     strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		AuthJWTSecret:       strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET")),
		PlanCatalog:         catalog,
		ReconcileInterval:   reconcileInterval,
		RateLimit:           rateLimit,
		RateLimitWindow:     rateWindow,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate billing config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.SiteURL == "" {
		missing = append(missing, "SITE_URL")
	}
	if c.StripeSecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.AuthJWTSecret == "" {
		missing = append(missing, "AUTH_JWT_SECRET")
	}
	if c.PlanCatalog.Len() == 0 {
		missing = append(missing, "STORYTIME_PLAN_MINUTES")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("STORYTIME_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("STORYTIME_RECONCILE_INTERVAL must not be negative, got %s", c.ReconcileInterval)
	}

	parsedSiteURL, err := url.Parse(c.SiteURL)
	if err != nil {
		return fmt.Errorf("SITE_URL must be a valid URL: %w", err)
	}
	if parsedSiteURL.Scheme != "http" && parsedSiteURL.Scheme != "https" {
		return fmt.Errorf("SITE_URL must use http or https scheme")
	}
	if parsedSiteURL.Host == "" {
		return fmt.Errorf("SITE_URL must include a host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
