package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-resto/internal/app"
	"github.com/noah-isme/backend-resto/internal/cart"
	"github.com/noah-isme/backend-resto/internal/catalog"
	"github.com/noah-isme/backend-resto/internal/checkout"
	"github.com/noah-isme/backend-resto/internal/common"
	"github.com/noah-isme/backend-resto/internal/config"
	"github.com/noah-isme/backend-resto/internal/db"
	"github.com/noah-isme/backend-resto/internal/events"
	"github.com/noah-isme/backend-resto/internal/health"
	"github.com/noah-isme/backend-resto/internal/obs"
	"github.com/noah-isme/backend-resto/internal/order"
	"github.com/noah-isme/backend-resto/internal/ratelimit"
	"github.com/noah-isme/backend-resto/internal/security"
	"github.com/noah-isme/backend-resto/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(obs.LogConfig{
		Format:    envOrDefault("OBS_LOG_FORMAT", "json"),
		Level:     envOrDefault("OBS_LOG_LEVEL", "info"),
		Component: "api",
		Env:       cfg.AppEnv,
	})

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "resto")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "resto-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if envBool("DB_MIGRATE_ON_START", true) {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migrate database")
		}
	}
	pool, err := db.Open(ctx, db.Options{
		URL:             cfg.DatabaseURL,
		ApplicationName: "resto-api",
		Logger:          logger,
		SlowQuery:       envDurationMillis("DB_SLOW_QUERY_MS", 250),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}

	redisClient, err := app.NewRedis(cfg.RedisURL, metricsEnabled, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect redis")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	taskClient, err := app.NewTaskClient(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise task client")
	}

	deps := app.Dependencies{
		Config:     cfg,
		Logger:     logger,
		DB:         pool,
		Redis:      redisClient,
		Validator:  order.NewValidator(),
		TaskClient: taskClient,
	}
	if len(cfg.Kafka.Brokers) > 0 {
		deps.Kafka = events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.KitchenTopic)
	}
	defer deps.Close()

	sessionSvc, err := session.NewService(session.Config{
		Secret:   cfg.SessionSecret,
		TTL:      cfg.SessionTTL,
		Issuer:   "resto-api",
		Audience: "resto-web",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise session service")
	}
	sessionHandler := &session.Handler{
		Service:        sessionSvc,
		CookieDomain:   cfg.CookieDomain,
		CookieSecure:   cfg.CookieSecure,
		CookieSameSite: cfg.CookieSameSite,
	}
	requireSession := session.Middleware{Service: sessionSvc}.Require

	menu, err := app.NewCatalog(cfg, redisClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise catalog")
	}
	catalogHandler := catalog.NewHandler(catalog.HandlerConfig{Provider: menu})

	cartSvc := deps.NewCartService(menu)
	cartHandler := &cart.Handler{Svc: cartSvc, Validate: deps.Validator}

	bus := deps.NewBus()
	orderSvc := deps.NewOrderService(menu, app.NewPayments(cfg, logger), bus)
	orderHandler := &order.Handler{Svc: orderSvc}

	var submitter checkout.Submitter = order.LocalSubmitter{Service: orderSvc}
	if cfg.Order.EndpointURL != "" {
		submitter = &order.Client{
			HTTP:    app.OutboundClient(cfg.Outbound, "order_endpoint", logger),
			BaseURL: cfg.Order.EndpointURL,
		}
	}
	checkoutSvc := checkout.NewService(checkout.Service{
		CartFor:   func(sessionID string) checkout.Cart { return cartSvc.Bound(sessionID) },
		Submitter: submitter,
		Fees:      app.Fees(cfg.Cart),
		Validate:  deps.Validator,
		TTL:       cfg.Order.CheckoutSessionTTL,
		Logger:    logger.With().Str("component", "checkout").Logger(),
	})
	checkoutSvc.Start()
	defer checkoutSvc.Stop()
	checkoutHandler := &checkout.Handler{Svc: checkoutSvc}

	idem := common.Idem{R: redisClient, TTL: cfg.Order.IdempotencyTTL}
	orderLimiter, err := ratelimit.NewFixedWindow(redisClient, "rl:orders:", cfg.Order.RateLimit)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise order rate limit")
	}
	limitOrders := ratelimit.Handler{
		Limiter: orderLimiter,
		Key:     ratelimit.BySessionOrIP("orders:"),
		OnError: func(err error) { logger.Warn().Err(err).Msg("order rate limiter unavailable") },
	}.Middleware

	limitSessions := ratelimit.Handler{
		Limiter: ratelimit.SlidingWindow{Client: redisClient, Prefix: "rl:", Window: cfg.SessionMintWindow, Max: cfg.SessionMintMax},
		Key:     ratelimit.ByIP("session:"),
		OnError: func(err error) { logger.Warn().Err(err).Msg("session rate limiter unavailable") },
	}.Middleware

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(obs.Tracing("resto-api"))
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", common.IdempotencyHeader},
		ExposedHeaders:   []string{"X-CSRF-Token", order.ReplayedHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.CookieSecure, HSTSMaxAge: 31536000}.Middleware)

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{Probes: []health.Probe{
		health.Postgres(pool, envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500)),
		health.Redis(redisClient, envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300)),
	}}
	if len(cfg.Kafka.Brokers) > 0 {
		healthHandler.Probes = append(healthHandler.Probes, health.Kafka(cfg.Kafka.Brokers, envDurationMillis("HEALTH_READY_KAFKA_TIMEOUT_MS", 500)))
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(security.BodyLimit{Max: int64(envInt("HTTP_MAX_BODY_BYTES", 64<<10))}.Middleware)
		v.Use(security.CSRF{Header: "X-CSRF-Token", Cookie: session.CSRFCookieName, SessionCookie: session.CookieName}.Middleware)

		v.With(limitSessions).Post("/session", sessionHandler.Create)

		v.Get("/menu", catalogHandler.Menu)
		v.Get("/menu/{itemId}", catalogHandler.Item)

		v.Route("/cart", func(c chi.Router) {
			c.Use(requireSession)
			c.Get("/", cartHandler.Get)
			c.Delete("/", cartHandler.Clear)
			c.Post("/items", cartHandler.AddItem)
			c.Patch("/items/{lineKey}", cartHandler.UpdateItem)
			c.Delete("/items/{lineKey}", cartHandler.RemoveItem)
			c.Put("/order-type", cartHandler.SetOrderType)
		})

		v.Route("/checkout", func(c chi.Router) {
			c.Use(requireSession)
			c.Post("/", checkoutHandler.Enter)
			c.Get("/", checkoutHandler.Get)
			c.Delete("/", checkoutHandler.Abandon)
			c.Put("/order-type", checkoutHandler.SelectOrderType)
			c.Post("/info", checkoutHandler.ContinueToPayment)
			c.Post("/back-to-info", checkoutHandler.BackToInfo)
			c.With(limitOrders).Post("/payment", checkoutHandler.Payment)
			c.With(limitOrders).Post("/retry", checkoutHandler.Retry)
			c.Post("/back-to-payment", checkoutHandler.BackToPayment)
		})

		v.With(limitOrders, idem.Middleware).Post("/orders", orderHandler.Create)
		v.Get("/orders/{orderId}", orderHandler.Get)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-sigCtx.Done():
		shutdownServer(srv, logger, envDurationMillis("HTTP_SHUTDOWN_TIMEOUT_MS", 15000))
	}
}

// shutdownServer flips readiness first so no new checkout lands here, then
// lets in-flight submissions finish.
func shutdownServer(srv *http.Server, logger zerolog.Logger, timeout time.Duration) {
	health.SetReady(false)
	logger.Info().Msg("server draining")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
