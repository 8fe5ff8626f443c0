// Package server wires the CapsuleKeeper components together and runs them:
// the client gRPC API, the provider webhook intake and the delivery
// dispatcher, with graceful shutdown on SIGINT/SIGTERM/SIGQUIT.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/cryptox"
	"github.com/dmitrijs2005/capsulekeeper/internal/logging"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/audit"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/config"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/dispatcher"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/fulfillment"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/notify"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/services"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/webhooks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	gs "github.com/dmitrijs2005/capsulekeeper/internal/server/grpc"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	entitlementCacheTTL = 5 * time.Minute
	shutdownTimeout     = 10 * time.Second
)

type App struct {
	config    *config.Config
	logger    logging.Logger
	db        *sql.DB
	repos     repomanager.RepositoryManager
	redis     *redis.Client
	publisher notify.Publisher

	letters    *services.LetterService
	deliveries *services.DeliveryService
	ledger     *services.EntitlementLedger
	dispatcher *dispatcher.Dispatcher
	webhooks   *webhooks.Handler
}

// OpenRepositories opens the PostgreSQL pool behind the repository manager.
// The caller owns the returned *sql.DB.
func OpenRepositories(dsn string) (*sql.DB, repomanager.RepositoryManager, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db open error: %w", err)
	}
	rm, err := repomanager.NewPostgresRepositoryManager(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("db init error: %w", err)
	}
	return db, rm, nil
}

func NewApp(c *config.Config) (*App, error) {
	logger, err := logging.New(c.LogFormat, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("logger init error: %w", err)
	}

	ring, err := cryptox.ParseKeyRing(c.MasterKeys)
	if err != nil {
		return nil, fmt.Errorf("vault init error: %w", err)
	}
	vault := cryptox.NewVault(ring)

	db, rm, err := OpenRepositories(c.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	app := &App{config: c, logger: logger, db: db, repos: rm, publisher: notify.NopPublisher{}}

	var cache services.EntitlementCache = services.NopEntitlementCache{}
	if c.RedisAddr != "" {
		app.redis = redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		cache = services.NewRedisEntitlementCache(app.redis, entitlementCacheTTL)
	}

	if c.AMQPURL != "" {
		p, err := notify.NewRabbitPublisher(c.AMQPURL, c.AMQPExchange)
		if err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("notification publisher init error: %w", err)
		}
		app.publisher = p
	}

	now := time.Now
	emitter := audit.NewEmitter(now)
	app.ledger = services.NewEntitlementLedger(rm, cache, emitter, now, logger)
	suppressions := services.NewSuppressionList(rm, emitter, now)
	app.letters = services.NewLetterService(rm, vault, emitter, now, logger)
	app.deliveries = services.NewDeliveryService(rm, app.ledger, emitter, now, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app.dispatcher = dispatcher.New(dispatcher.Config{
		Interval:        c.DispatchInterval,
		BatchSize:       c.DispatchBatchSize,
		Workers:         c.DispatchWorkers,
		MaxAttempts:     c.DispatchMaxAttempts,
		BaseDelay:       c.DispatchBaseDelay,
		MaxDelay:        c.DispatchMaxDelay,
		ProviderTimeout: c.ProviderTimeout,
		StaleClaimAfter: c.StaleClaimAfter,
		RatePerSecond:   c.ProviderRatePerSecond,
	}, rm, app.ledger, vault, app.adapters(suppressions), app.publisher, emitter, dispatcher.NewMetrics(registry), now, logger)

	reconciler := webhooks.NewReconciler(rm, app.ledger, suppressions, emitter, now, logger)
	app.webhooks = webhooks.NewHandler(reconciler, webhooks.Secrets{
		Email:   c.EmailWebhookSecret,
		Mail:    c.MailWebhookSecret,
		Billing: c.BillingWebhookSecret,
	}, webhooks.NewMetrics(registry), registry, now, logger)

	return app, nil
}

// adapters builds the fulfillment adapters that have credentials. A channel
// without one keeps its deliveries scheduled and retrying.
func (app *App) adapters(suppressions *services.SuppressionList) []fulfillment.Adapter {
	c := app.config
	client := &http.Client{Timeout: c.ProviderTimeout}
	ctx := context.Background()

	var out []fulfillment.Adapter
	if c.EmailAPIKey != "" {
		out = append(out, fulfillment.NewEmailAdapter(fulfillment.EmailConfig{
			BaseURL: c.EmailAPIURL,
			APIKey:  c.EmailAPIKey,
			From:    c.EmailFrom,
			AppURL:  c.AppURL,
		}, client, suppressions))
	} else {
		app.logger.Warn(ctx, "email provider key not set, email deliveries will not be sent")
	}

	if c.MailAPIKey != "" {
		var store fulfillment.DocumentStore
		if c.S3Bucket != "" {
			store = fulfillment.NewS3DocumentStore(fulfillment.S3Config{
				Region:       c.S3Region,
				AccessKey:    c.S3RootUser,
				SecretKey:    c.S3RootPassword,
				BaseEndpoint: c.S3BaseEndpoint,
				Bucket:       c.S3Bucket,
				PresignTTL:   c.S3PresignTTL,
			}, client)
		}
		out = append(out, fulfillment.NewMailAdapter(fulfillment.MailConfig{
			BaseURL: c.MailAPIURL,
			APIKey:  c.MailAPIKey,
			Sender:  c.MailSender,
		}, client, store))
	} else {
		app.logger.Warn(ctx, "mail provider key not set, mail deliveries will not be sent")
	}
	return out
}

// Repositories exposes the storage layer to maintenance commands.
func (app *App) Repositories() repomanager.RepositoryManager {
	return app.repos
}

func (app *App) Dispatcher() *dispatcher.Dispatcher {
	return app.dispatcher
}

func (app *App) Logger() logging.Logger {
	return app.logger
}

// Migrate applies pending schema migrations.
func (app *App) Migrate(ctx context.Context) error {
	if err := app.repos.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	return nil
}

// Close releases the database pool and the optional backends.
func (app *App) Close() error {
	var errs []error
	if err := app.publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := app.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if z, ok := app.logger.(interface{ Sync() error }); ok {
		_ = z.Sync()
	}
	return errors.Join(errs...)
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.letters, app.deliveries, app.ledger, app.config.SecretKey)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startWebhookServer(ctx context.Context, cancelFunc context.CancelFunc) {
	srv := &http.Server{
		Addr:              app.config.EndpointAddrHTTP,
		Handler:           app.webhooks.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	app.logger.Info(ctx, "webhook server started", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	if err := app.Migrate(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		return
	}

	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startWebhookServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.dispatcher.Run(ctx)
	}()

	wg.Wait()

	if err := app.Close(); err != nil {
		app.logger.Error(context.Background(), "shutdown error", "error", err)
	}
	app.logger.Info(context.Background(), "app stopped")
}
