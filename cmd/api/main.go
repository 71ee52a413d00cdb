// Package main is the entry point for the billing API server.
//
// Startup order: configuration, logger, database pool (and migrations when
// DB_AUTO_MIGRATE is set), metrics sink, Stripe client, billing services,
// handlers, router. SIGINT and SIGTERM trigger a graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"

	"rentaltrack/internal/api/handlers"
	"rentaltrack/internal/billing"
	"rentaltrack/internal/config"
	"rentaltrack/internal/core"
	"rentaltrack/internal/db"
	"rentaltrack/internal/external"
	"rentaltrack/internal/telemetry"
)

var (
	_ billing.AccountStore         = (*db.AccountRepository)(nil)
	_ billing.EventLog             = (*db.WebhookEventRepository)(nil)
	_ billing.Provider             = (*external.StripeClient)(nil)
	_ billing.Metrics              = (*telemetry.CloudWatchMetrics)(nil)
	_ core.MetricsCollector        = (*telemetry.CloudWatchMetrics)(nil)
	_ core.Pinger                  = (*pgxpool.Pool)(nil)
	_ db.DBTX                      = (*pgxpool.Pool)(nil)
	_ handlers.WebhookVerifier     = (*external.StripeVerifier)(nil)
	_ handlers.EventProcessor      = (*billing.Reconciler)(nil)
	_ handlers.CheckoutStarter     = (*billing.CheckoutInitiator)(nil)
	_ handlers.SubscriptionService = (*billing.SubscriptionManager)(nil)
	_ handlers.AccountProvisioner  = (*db.AccountRepository)(nil)
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// metricsSink is what both the HTTP chassis and the billing services record to.
type metricsSink interface {
	core.MetricsCollector
	billing.Metrics
}

// dependencies are the process-scoped resources buildServer wires together.
type dependencies struct {
	DB         db.DBTX
	Pinger     core.Pinger
	Metrics    metricsSink
	HTTPClient *http.Client // nil builds one from STRIPE_TIMEOUT
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("billing API starting",
		slog.String("environment", cfg.Environment),
		slog.String("version", cfg.Build.Version),
		slog.String("commit", cfg.Build.Commit),
		slog.String("port", cfg.Server.Port),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(pool, logger); err != nil {
			return err
		}
	}

	metrics, err := newMetrics(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if cw, ok := metrics.(*telemetry.CloudWatchMetrics); ok {
		// Outlives the signal so requests drained during shutdown are counted.
		metricsCtx, stopMetrics := context.WithCancel(context.WithoutCancel(ctx))
		flushed := make(chan struct{})
		go func() {
			defer close(flushed)
			cw.Run(metricsCtx)
		}()
		defer func() {
			stopMetrics()
			<-flushed
		}()
	}

	srv, err := buildServer(cfg, dependencies{
		DB:      pool,
		Pinger:  pool,
		Metrics: metrics,
	}, logger)
	if err != nil {
		return err
	}

	return serve(ctx, srv, cfg, logger)
}

// buildServer constructs the billing services and mounts every route.
func buildServer(cfg *config.Config, deps dependencies, logger *slog.Logger) (*core.Server, error) {
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NoopMetrics{}
	}

	accounts := db.NewAccountRepository(deps.DB, logger)
	eventLog := db.NewWebhookEventRepository(deps.DB)

	stripeClient := external.NewStripeClient(deps.HTTPClient, external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey,
		BaseURL:   cfg.Billing.APIBaseURL,
		Timeout:   cfg.Billing.Timeout,
		Logger:    logger,
	})
	verifier := external.NewStripeVerifier(cfg.Billing.StripeWebhookSecret, cfg.Billing.WebhookTolerance)

	plans := billing.NewPlanResolver(billing.PriceTable{
		Starter: cfg.Billing.StarterPriceID,
		Pro:     cfg.Billing.ProPriceID,
	})
	reconciler := billing.NewReconciler(accounts, stripeClient, plans, eventLog, deps.Metrics, logger)
	checkout := billing.NewCheckoutInitiator(accounts, stripeClient, logger)
	subscriptions := billing.NewSubscriptionManager(accounts, stripeClient, deps.Metrics, logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = deps.Metrics
	if deps.Pinger != nil {
		srv.HealthProbes = append(srv.HealthProbes, core.NewPingProbe("database", deps.Pinger))
	}

	srv.Registrars = append(srv.Registrars,
		handlers.NewStripeWebhookHandler(verifier, reconciler, logger),
		handlers.NewBillingHandler(checkout, subscriptions, accounts, srv.Validator, handlers.BillingHandlerConfig{
			DashboardURL:   cfg.Server.DashboardURL,
			TrustedOrigins: cfg.Security.CorsAllowedOrigins,
		}, logger),
	)
	srv.MountRoutes()

	return srv, nil
}

// newMetrics returns the CloudWatch sink when ENABLE_METRICS is set and a
// no-op sink otherwise. AWS_ENDPOINT_URL points the client at LocalStack.
// The caller starts the CloudWatch sink's Run loop.
func newMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (metricsSink, error) {
	if !cfg.Observability.EnableMetrics {
		return telemetry.NoopMetrics{}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	return telemetry.NewCloudWatchMetrics(client, cfg.Observability.MetricNamespace, logger), nil
}

// serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests for up to SHUTDOWN_TIMEOUT.
func serve(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	httpServer := srv.HTTPServer()
	httpServer.ReadTimeout = 30 * time.Second
	httpServer.WriteTimeout = 30 * time.Second
	httpServer.IdleTimeout = 120 * time.Second

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a JSON logger at the given level. Unknown levels mean info.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
