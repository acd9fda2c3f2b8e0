package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/backend-resto/internal/pricing"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	SessionSecret      string
	SessionTTL         time.Duration
	// SessionMintMax caps new guest sessions per client IP within
	// SessionMintWindow; zero disables the cap.
	SessionMintMax    int
	SessionMintWindow time.Duration
	CORSAllowedOrigins []string
	CookieDomain       string
	CookieSecure       bool
	CookieSameSite     http.SameSite

	Cart     CartConfig
	Catalog  CatalogConfig
	Square   SquareConfig
	Order    OrderConfig
	Kafka    KafkaConfig
	Notify   NotifyConfig
	Outbound OutboundConfig
}

// CartConfig configures the durable session cart and its pricing inputs.
type CartConfig struct {
	TTL                    time.Duration
	LockTTL                time.Duration
	DeliveryFee            pricing.Money
	PickupFee              pricing.Money
	TaxRateBps             int
	CurrencyCode           string
	SpecialInstructionsMax int
}

// CatalogConfig selects the menu source.
type CatalogConfig struct {
	Provider string
	MenuFile string
	CacheTTL time.Duration
}

// SquareConfig carries the POS credentials shared by catalog and payments.
type SquareConfig struct {
	AccessToken string
	BaseURL     string
	LocationID  string
}

// OrderConfig configures checkout and the order endpoint.
type OrderConfig struct {
	PaymentProvider    string
	EndpointURL        string
	PrepTime           time.Duration
	CheckoutSessionTTL time.Duration
	IdempotencyTTL     time.Duration
	RateLimit          string
}

// KafkaConfig configures the kitchen ticket stream. Empty Brokers disables it.
type KafkaConfig struct {
	Brokers      []string
	KitchenTopic string
}

// NotifyConfig configures order confirmation emails.
type NotifyConfig struct {
	EmailEnabled      bool
	EmailFrom         string
	TaskQueue         string
	TaskRetries       int
	WorkerConcurrency int
	WebhookURL        string
	WebhookSecret     string
}

// OutboundConfig tunes calls to Square and the order endpoint.
type OutboundConfig struct {
	Timeout          time.Duration
	MaxAttempts      int
	BreakerMinReqs   int
	BreakerFailRatio float64
	BreakerOpenFor   time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	deliveryFee, err := parseMoney(k.String("DELIVERY_FEE"), "4.99")
	if err != nil {
		return nil, fmt.Errorf("DELIVERY_FEE: %w", err)
	}
	pickupFee, err := parseMoney(k.String("PICKUP_FEE"), "0")
	if err != nil {
		return nil, fmt.Errorf("PICKUP_FEE: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		SessionSecret:      k.String("SESSION_SECRET"),
		SessionTTL:         parseDuration(k.String("SESSION_TTL"), "72h"),
		SessionMintMax:     parseInt(k.String("SESSION_MINT_MAX"), 30),
		SessionMintWindow:  parseDuration(k.String("SESSION_MINT_WINDOW"), "10m"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		CookieDomain:       strings.TrimSpace(k.String("COOKIE_DOMAIN")),
		CookieSecure:       parseBool(k.String("COOKIE_SECURE")),
		CookieSameSite:     parseSameSite(k.String("COOKIE_SAMESITE")),
		Cart: CartConfig{
			TTL:                    parseDuration(k.String("CART_TTL"), "168h"),
			LockTTL:                parseDuration(k.String("CART_LOCK_TTL"), "5s"),
			DeliveryFee:            deliveryFee,
			PickupFee:              pickupFee,
			TaxRateBps:             parseInt(k.String("TAX_RATE_BPS"), pricing.DefaultTaxBps),
			CurrencyCode:           strings.ToUpper(valueOrDefault(k.String("CURRENCY_CODE"), "USD")),
			SpecialInstructionsMax: parseInt(k.String("SPECIAL_INSTRUCTIONS_MAX"), 200),
		},
		Catalog: CatalogConfig{
			Provider: strings.ToLower(valueOrDefault(k.String("CATALOG_PROVIDER"), "static")),
			MenuFile: valueOrDefault(k.String("CATALOG_MENU_FILE"), "menu.yaml"),
			CacheTTL: parseDuration(k.String("CATALOG_CACHE_TTL"), "5m"),
		},
		Square: SquareConfig{
			AccessToken: k.String("SQUARE_ACCESS_TOKEN"),
			BaseURL:     valueOrDefault(k.String("SQUARE_BASE_URL"), "https://connect.squareupsandbox.com"),
			LocationID:  k.String("SQUARE_LOCATION_ID"),
		},
		Order: OrderConfig{
			PaymentProvider:    strings.ToLower(valueOrDefault(k.String("PAYMENT_PROVIDER"), "mock")),
			EndpointURL:        strings.TrimSpace(k.String("ORDER_ENDPOINT_URL")),
			PrepTime:           parseDuration(k.String("ORDER_PREP_TIME"), "20m"),
			CheckoutSessionTTL: parseDuration(k.String("CHECKOUT_SESSION_TTL"), "30m"),
			IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "30s"),
			RateLimit:          valueOrDefault(k.String("RATE_LIMIT_ORDERS"), "10-M"),
		},
		Kafka: KafkaConfig{
			Brokers:      splitAndTrim(k.String("KAFKA_BROKERS")),
			KitchenTopic: valueOrDefault(k.String("KAFKA_KITCHEN_TOPIC"), "kitchen.tickets"),
		},
		Notify: NotifyConfig{
			EmailEnabled:      parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
			EmailFrom:         valueOrDefault(k.String("NOTIFY_EMAIL_FROM"), "orders@example.com"),
			TaskQueue:         valueOrDefault(k.String("NOTIFY_TASK_QUEUE"), "email"),
			TaskRetries:       parseInt(k.String("NOTIFY_TASK_RETRIES"), 8),
			WorkerConcurrency: parseInt(k.String("WORKER_CONCURRENCY"), 5),
			WebhookURL:        strings.TrimSpace(k.String("KITCHEN_WEBHOOK_URL")),
			WebhookSecret:     k.String("KITCHEN_WEBHOOK_SECRET"),
		},
		Outbound: OutboundConfig{
			Timeout:          parseDuration(k.String("OUTBOUND_TIMEOUT"), "10s"),
			MaxAttempts:      parseInt(k.String("CIRCUIT_MAX_ATTEMPTS"), 3),
			BreakerMinReqs:   parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 5),
			BreakerFailRatio: parseFloat(k.String("CIRCUIT_FAILURE_RATIO"), 0.5),
			BreakerOpenFor:   parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),
		},
	}

	if cfg.CookieSameSite == http.SameSiteDefaultMode {
		cfg.CookieSameSite = http.SameSiteLaxMode
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.SessionSecret == "" {
		return nil, errors.New("SESSION_SECRET is required")
	}
	if cfg.Cart.TaxRateBps < 0 {
		return nil, errors.New("TAX_RATE_BPS must not be negative")
	}
	switch cfg.Catalog.Provider {
	case "static", "square":
	default:
		return nil, fmt.Errorf("CATALOG_PROVIDER %q is not supported", cfg.Catalog.Provider)
	}
	switch cfg.Order.PaymentProvider {
	case "mock", "square":
	default:
		return nil, fmt.Errorf("PAYMENT_PROVIDER %q is not supported", cfg.Order.PaymentProvider)
	}
	if (cfg.Catalog.Provider == "square" || cfg.Order.PaymentProvider == "square") &&
		(cfg.Square.AccessToken == "" || cfg.Square.LocationID == "") {
		return nil, errors.New("SQUARE_ACCESS_TOKEN and SQUARE_LOCATION_ID are required for the square provider")
	}

	return cfg, nil
}

// FeeFor returns the delivery fee charged for the given order type.
func (c CartConfig) FeeFor(orderType string) pricing.Money {
	if orderType == "delivery" {
		return c.DeliveryFee
	}
	return c.PickupFee
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseMoney(value, fallback string) (pricing.Money, error) {
	m, err := pricing.ParseDollars(valueOrDefault(value, fallback))
	if err != nil {
		return 0, err
	}
	if m < 0 {
		return 0, errors.New("amount must not be negative")
	}
	return m, nil
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseSameSite(value string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "lax":
		return http.SameSiteLaxMode
	default:
		return http.SameSiteDefaultMode
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
