package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hanko-field/storefront/internal/di"
	"github.com/hanko-field/storefront/internal/handlers"
	"github.com/hanko-field/storefront/internal/payments"
	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/platform/config"
	"github.com/hanko-field/storefront/internal/platform/events"
	"github.com/hanko-field/storefront/internal/platform/idempotency"
	"github.com/hanko-field/storefront/internal/platform/mail"
	"github.com/hanko-field/storefront/internal/platform/observability"
	"github.com/hanko-field/storefront/internal/platform/postgres"
	"github.com/hanko-field/storefront/internal/platform/requestctx"
	"github.com/hanko-field/storefront/internal/platform/secrets"
	"github.com/hanko-field/storefront/internal/platform/session"
	"github.com/hanko-field/storefront/internal/repositories"
	pgrepo "github.com/hanko-field/storefront/internal/repositories/postgres"
	"github.com/hanko-field/storefront/internal/services"
)

const (
	gatewayHTTPTimeout = 10 * time.Second
	jwksHTTPTimeout    = 5 * time.Second
	shutdownTimeout    = 10 * time.Second
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("storefront")
	ctx = requestctx.WithLogger(ctx, logger)
	observability.InstallPropagator()

	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(firstNonEmpty(config.Lookup("SECURITY_SECRETS_PROJECT_ID"), config.Lookup("FIREBASE_PROJECT_ID"))),
		secrets.WithEnvironment(config.Lookup("SECURITY_ENVIRONMENT")),
	)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromConfig(cfg, startedAt)

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("postgres close error", zap.Error(err))
		}
	}()
	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(db); err != nil {
			logger.Fatal("failed to apply migrations", zap.Error(err))
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close error", zap.Error(err))
		}
	}()

	registry, err := pgrepo.NewRegistry(db)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	metrics := observability.NewMetrics()

	gateways, err := buildGateways(cfg, redisClient, metrics, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment gateways", zap.Error(err))
	}

	publisher, closers, err := buildEventPublisher(ctx, cfg, logger.Named("events"))
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.Error(err))
	}

	var mailer services.OrderMailer
	if cfg.Mail.SendGridAPIKey != "" {
		sendgrid, err := mail.NewSendGridMailer(cfg.Mail.SendGridAPIKey, cfg.Mail.FromAddress, cfg.Mail.FromName)
		if err != nil {
			logger.Fatal("failed to initialise mailer", zap.Error(err))
		}
		mailer = sendgrid
	} else {
		logger.Warn("order confirmation mail disabled: sendgrid api key not configured")
	}

	health, err := newHealthRepository(db, redisClient)
	if err != nil {
		logger.Warn("health: dependency checks unavailable", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, di.Dependencies{
		Repositories: registry,
		Health:       health,
		Gateways:     gateways,
		Events:       publisher,
		Mailer:       mailer,
		Metrics:      metrics,
		Build:        buildInfo,
		Logger:       logger,
		Closers:      closers,
	})
	if err != nil {
		logger.Fatal("failed to build services", zap.Error(err))
	}
	defer func() {
		if err := container.Close(context.Background()); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	sessions := sessionMiddleware(redisClient, cfg)
	idempotencyMiddleware := idempotency.Middleware(
		idempotency.NewRedisStore(redisClient),
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.EventLogger(logger.Named("idempotency"))),
	)

	svc := container.Services
	cartHandlers := handlers.NewCartHandlers(authenticator, svc.Cart, svc.Coupons)
	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, svc.Checkout, idempotencyMiddleware)
	paymentHandlers := handlers.NewPaymentHandlers(authenticator, svc.Checkout, observability.EventLogger(logger.Named("payments")))
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders)
	internalHandlers := handlers.NewInternalHandlers(svc.Checkout, svc.Coupons)

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(buildInfo)}
	if svc.System != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(svc.System))
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
		metrics.Middleware(),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithAPIMiddlewares(sessions),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithAdditionalRoutes(cartHandlers.RegisterStandaloneRoutes),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, handlers.WithMetricsHandler(metrics.Handler()))
	}
	switch oidc := buildOIDCMiddleware(logger.Named("auth"), cfg); {
	case oidc != nil:
		opts = append(opts, handlers.WithInternalRoutes(internalHandlers.Routes), handlers.WithInternalMiddlewares(oidc))
	case buildInfo.Environment == "local":
		logger.Warn("internal routes unprotected: oidc audience not configured")
		opts = append(opts, handlers.WithInternalRoutes(internalHandlers.Routes))
	default:
		logger.Warn("internal routes disabled: oidc audience not configured")
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("storefront api listening", zap.Strings("gateways", gateways.Names()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromConfig(cfg config.Config, started time.Time) services.BuildInfo {
	version := config.Lookup("BUILD_VERSION")
	if version == "" {
		version = "dev"
	}
	commit := config.Lookup("BUILD_COMMIT_SHA")
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func buildGateways(cfg config.Config, redisClient redis.UniversalClient, metrics *observability.Metrics, logger *zap.Logger) (*payments.Registry, error) {
	httpClient := &http.Client{Timeout: gatewayHTTPTimeout}
	var gateways []payments.Gateway

	if cfg.VNPay.Enabled() {
		location, err := time.LoadLocation(cfg.VNPay.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load vnpay timezone %q: %w", cfg.VNPay.Timezone, err)
		}
		rates := payments.NewExchangeRates(payments.ExchangeRateConfig{
			URL:      cfg.Checkout.ExchangeRateURL,
			Fallback: cfg.Checkout.FallbackRate,
			TTL:      cfg.Checkout.ExchangeRateTTL,
			Cache:    redisClient,
			Client:   httpClient,
			Logger:   observability.EventLogger(logger.Named("exchange_rate")),
		})
		vnpay, err := payments.NewVNPayGateway(payments.VNPayConfig{
			TmnCode:       cfg.VNPay.TmnCode,
			HashSecret:    cfg.VNPay.HashSecret,
			PayURL:        cfg.VNPay.PayURL,
			ReturnURL:     cfg.VNPay.ReturnURL,
			Version:       cfg.VNPay.Version,
			HashAlgorithm: cfg.VNPay.HashAlgorithm,
			Locale:        cfg.VNPay.Locale,
			Currency:      cfg.VNPay.Currency,
			Location:      location,
			Observer:      metrics.ObserveGatewayCall,
		}, rates)
		if err != nil {
			return nil, fmt.Errorf("vnpay: %w", err)
		}
		gateways = append(gateways, vnpay)
	}

	if cfg.PayPal.Enabled() {
		paypal, err := payments.NewPayPalGateway(payments.PayPalConfig{
			ClientID:  cfg.PayPal.ClientID,
			Secret:    cfg.PayPal.Secret,
			BaseURL:   cfg.PayPal.BaseURL,
			BrandName: cfg.PayPal.BrandName,
			ReturnURL: cfg.PayPal.ReturnURL,
			CancelURL: cfg.PayPal.CancelURL,
			Timeout:   cfg.PayPal.Timeout,
			Observer:  metrics.ObserveGatewayCall,
		}, payments.WithPayPalHTTPClient(httpClient))
		if err != nil {
			return nil, fmt.Errorf("paypal: %w", err)
		}
		gateways = append(gateways, paypal)
	}

	return payments.NewRegistry(gateways...)
}

func buildEventPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.OrderEventPublisher, []func() error, error) {
	switch cfg.Events.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.Events.Topic)
		topic.EnableMessageOrdering = true
		publisher, err := events.NewPubSubPublisher(topic)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		closers := []func() error{
			client.Close,
			func() error { topic.Stop(); return nil },
		}
		logger.Info("publishing order events to pubsub", zap.String("topic", cfg.Events.Topic))
		return publisher, closers, nil
	case "kafka":
		producer, err := events.NewKafkaSyncProducer(cfg.Events.KafkaBrokers)
		if err != nil {
			return nil, nil, err
		}
		publisher, err := events.NewKafkaPublisher(producer, cfg.Events.Topic, logger)
		if err != nil {
			_ = producer.Close()
			return nil, nil, err
		}
		logger.Info("publishing order events to kafka", zap.String("topic", cfg.Events.Topic), zap.Strings("brokers", cfg.Events.KafkaBrokers))
		return publisher, []func() error{publisher.Close}, nil
	case "", "none":
		logger.Info("order event publishing disabled")
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}
}

func newHealthRepository(db *sql.DB, redisClient redis.UniversalClient) (repositories.HealthRepository, error) {
	return repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{
			Name:  "postgres",
			Check: db.PingContext,
		},
		{
			Name: "redis",
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
	})
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		return nil
	}
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, &http.Client{Timeout: jwksHTTPTimeout})
	validator := auth.NewOIDCValidator(cache, observability.EventLogger(logger))
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func sessionMiddleware(client redis.UniversalClient, cfg config.Config) func(http.Handler) http.Handler {
	store := session.NewStore(client, cfg.Session.TTL)
	return store.Middleware(session.CookieOptions{Name: cfg.Session.CookieName, Secure: cfg.Session.CookieSecure})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
