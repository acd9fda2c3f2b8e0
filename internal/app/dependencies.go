package app

import (
	"fmt"
	"net/http"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/backend-resto/internal/cart"
	"github.com/noah-isme/backend-resto/internal/catalog"
	"github.com/noah-isme/backend-resto/internal/config"
	"github.com/noah-isme/backend-resto/internal/events"
	"github.com/noah-isme/backend-resto/internal/lock"
	"github.com/noah-isme/backend-resto/internal/notify"
	"github.com/noah-isme/backend-resto/internal/order"
	"github.com/noah-isme/backend-resto/internal/payment"
	"github.com/noah-isme/backend-resto/internal/resilience"
)

// Dependencies enumerates the clients shared by the API, the worker and the
// tools. Nil fields disable the features that need them.
type Dependencies struct {
	Config     *config.Config
	Logger     zerolog.Logger
	DB         *pgxpool.Pool
	Redis      *redis.Client
	Validator  *validator.Validate
	TaskClient *asynq.Client
	Kafka      *kafka.Writer
}

// NewRedis parses url and returns an instrumented client.
func NewRedis(url string, metrics bool, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	return client, nil
}

// NewTaskClient returns an asynq client for the Redis instance at url.
func NewTaskClient(url string) (*asynq.Client, error) {
	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		return nil, fmt.Errorf("parse task redis url: %w", err)
	}
	return asynq.NewClient(opt), nil
}

// OutboundClient returns the retrying, circuit-broken client used for one
// upstream dependency.
func OutboundClient(cfg config.OutboundConfig, target string, logger zerolog.Logger) resilience.HTTPClient {
	breaker := resilience.NewBreaker(target, resilience.BreakerConfig{
		MinRequests:  cfg.BreakerMinReqs,
		FailureRatio: cfg.BreakerFailRatio,
		OpenFor:      cfg.BreakerOpenFor,
	}, logger)
	return resilience.HTTPClient{
		Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Breaker:     breaker,
		Target:      target,
		Logger:      logger,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
		MaxAttempts: cfg.MaxAttempts,
		Jitter:      true,
		Timeout:     cfg.Timeout,
	}
}

// Fees returns the delivery fee schedule.
func Fees(cfg config.CartConfig) cart.FeeSchedule {
	return cart.FeeSchedule{Pickup: cfg.PickupFee, Delivery: cfg.DeliveryFee}
}

// NewCatalog builds the configured menu source, read through the Redis cache
// when rdb is set.
func NewCatalog(cfg *config.Config, rdb *redis.Client, logger zerolog.Logger) (catalog.Provider, error) {
	var upstream catalog.Provider
	switch cfg.Catalog.Provider {
	case "square":
		upstream = &catalog.Square{
			HTTP:        OutboundClient(cfg.Outbound, "square_catalog", logger),
			BaseURL:     cfg.Square.BaseURL,
			AccessToken: cfg.Square.AccessToken,
			LocationID:  cfg.Square.LocationID,
			Logger:      logger,
		}
	default:
		static, err := catalog.LoadStatic(cfg.Catalog.MenuFile)
		if err != nil {
			return nil, err
		}
		upstream = static
	}
	if rdb == nil || cfg.Catalog.CacheTTL <= 0 {
		return upstream, nil
	}
	return &catalog.Cached{
		Upstream: upstream,
		Cache:    catalog.NewCache(rdb, cfg.Catalog.CacheTTL),
		Logger:   logger,
	}, nil
}

// NewPayments builds the configured payment processor.
func NewPayments(cfg *config.Config, logger zerolog.Logger) payment.Provider {
	if cfg.Order.PaymentProvider == "square" {
		return &payment.Square{
			HTTP:        OutboundClient(cfg.Outbound, "square_payments", logger),
			BaseURL:     cfg.Square.BaseURL,
			AccessToken: cfg.Square.AccessToken,
			LocationID:  cfg.Square.LocationID,
			Logger:      logger,
		}
	}
	return &payment.Mock{}
}

// NewCartService wires the durable session cart. Carts live in Redis and
// mutations are serialised with a Redis lock; without Redis both fall back
// to process memory.
func (d Dependencies) NewCartService(cat catalog.Provider) *cart.Service {
	cfg := d.Config.Cart
	svc := &cart.Service{
		Store:           cart.NewMemoryStore(),
		LockTTL:         cfg.LockTTL,
		Catalog:         cat,
		TaxBps:          cfg.TaxRateBps,
		MaxInstructions: cfg.SpecialInstructionsMax,
		Fees:            Fees(cfg),
		Logger:          d.Logger.With().Str("component", "cart").Logger(),
	}
	if d.Redis != nil {
		svc.Store = cart.RedisStore{R: d.Redis, TTL: cfg.TTL}
		svc.Locker = lock.Locker{R: d.Redis}
	}
	return svc
}

// NewBus builds the event bus. Events are stored in Postgres and fanned out
// to the email queue, the kitchen topic and the kitchen webhook, each only
// when configured.
func (d Dependencies) NewBus() *events.Bus {
	bus := &events.Bus{Logger: d.Logger.With().Str("component", "events").Logger()}
	if d.DB != nil {
		bus.Store = events.PGStore{DB: d.DB}
	} else {
		bus.Store = &events.MemoryStore{}
	}
	if d.TaskClient != nil {
		bus.Notifiers = append(bus.Notifiers, notify.TaskNotifier{
			Client:   d.TaskClient,
			Queue:    d.Config.Notify.TaskQueue,
			MaxRetry: d.Config.Notify.TaskRetries,
		})
	}
	if d.Kafka != nil {
		bus.Notifiers = append(bus.Notifiers, events.KafkaPublisher{
			Writer: d.Kafka,
			Topics: []string{events.TopicOrderCreated},
		})
	}
	if d.Config.Notify.WebhookURL != "" {
		bus.Notifiers = append(bus.Notifiers, notify.WebhookNotifier{
			URL:    d.Config.Notify.WebhookURL,
			Secret: d.Config.Notify.WebhookSecret,
			HTTP:   OutboundClient(d.Config.Outbound, "kitchen_webhook", d.Logger),
		})
	}
	return bus
}

// NewOrderService wires the order endpoint: orders persist in Postgres when a
// pool is available and in memory otherwise.
func (d Dependencies) NewOrderService(cat catalog.Provider, payments payment.Provider, bus order.Emitter) *order.Service {
	fees := Fees(d.Config.Cart)
	svc := &order.Service{
		Store:    order.NewMemoryStore(),
		Payments: payments,
		Events:   bus,
		Catalog:  cat,
		Fees:     &fees,
		Validate: d.Validator,
		TaxBps:   d.Config.Cart.TaxRateBps,
		Currency: d.Config.Cart.CurrencyCode,
		PrepTime: d.Config.Order.PrepTime,
		Logger:   d.Logger.With().Str("component", "order").Logger(),
	}
	if d.DB != nil {
		svc.Store = order.PGStore{DB: d.DB}
	}
	return svc
}

// Close releases every client that was opened.
func (d Dependencies) Close() {
	if d.Kafka != nil {
		if err := d.Kafka.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close kafka writer")
		}
	}
	if d.TaskClient != nil {
		if err := d.TaskClient.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close task client")
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}
