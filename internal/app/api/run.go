package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	workerlog "go.temporal.io/sdk/log"

	"github.com/Apurer/orderdesk/internal/domains/orders/adapters/http/handlers"
	ordersmemory "github.com/Apurer/orderdesk/internal/domains/orders/adapters/memory"
	ordersobs "github.com/Apurer/orderdesk/internal/domains/orders/adapters/observability"
	orderspostgres "github.com/Apurer/orderdesk/internal/domains/orders/adapters/persistence/postgres"
	"github.com/Apurer/orderdesk/internal/domains/orders/adapters/printing"
	"github.com/Apurer/orderdesk/internal/domains/orders/adapters/realtime"
	ordersworkflows "github.com/Apurer/orderdesk/internal/domains/orders/adapters/workflows"
	"github.com/Apurer/orderdesk/internal/domains/orders/application"
	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
	platformamqp "github.com/Apurer/orderdesk/internal/platform/amqp"
	"github.com/Apurer/orderdesk/internal/platform/migrations"
	platformobservability "github.com/Apurer/orderdesk/internal/platform/observability"
	platformpostgres "github.com/Apurer/orderdesk/internal/platform/postgres"
)

// Runtime is the wired order sync stack shared by the dashboard and the watcher.
type Runtime struct {
	Config   Config
	Logger   *slog.Logger
	Store    ports.OrderStore
	Registry *application.Registry
	Service  ports.Service
	Alerts   *handlers.AlertHub

	closers []func()
}

// Close releases everything Build opened, newest first.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *Runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

// Build connects the order store, change feed, printer and promoter selected by cfg,
// falling back to in-process adapters when a dependency is missing or unreachable.
func Build(ctx context.Context, cfg Config, instruments *platformobservability.Instruments) (*Runtime, error) {
	logger := effectiveLogger(instruments)
	rt := &Runtime{Config: cfg, Logger: logger, Alerts: handlers.NewAlertHub()}

	store, feed, err := rt.buildStoreAndFeed(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Store = ordersobs.NewStore(store,
		ordersobs.WithLogger(logger),
		ordersobs.WithTracer(instruments.Tracer("internal.orders.store")),
		ordersobs.WithMeter(instruments.Meter("internal.orders.store")),
	)

	promoter := rt.buildPromoter(instruments, store)
	rt.Registry = application.NewRegistry(rt.Store, feed, application.NewSettingsStore(cfg.Settings),
		application.WithSyncConfig(cfg.Sync),
		application.WithPrinter(rt.buildPrinter()),
		application.WithAlertSink(rt.Alerts),
		application.WithSessionObserver(application.NewPromoter(promoter, logger).Observe),
		application.WithRegistryLogger(logger),
	)
	rt.onClose(rt.Registry.Close)

	rt.Service = ordersobs.New(application.NewService(rt.Registry),
		ordersobs.WithLogger(logger),
		ordersobs.WithTracer(instruments.Tracer("internal.orders.application")),
		ordersobs.WithMeter(instruments.Meter("internal.orders.application")),
	)
	return rt, nil
}

func (rt *Runtime) buildStoreAndFeed(ctx context.Context) (ports.OrderStore, ports.ChangeFeed, error) {
	cfg, logger := rt.Config, rt.Logger
	db, cleanupDB := platformpostgres.ConnectOrFallback(ctx, cfg.PostgresDSN, platformpostgres.Pool{MaxOpen: 10, MaxIdle: 5, MaxLifetime: 30 * time.Minute}, logger)
	rt.onClose(cleanupDB)

	var (
		store   ports.OrderStore
		feed    ports.ChangeFeed
		pgStore *orderspostgres.Store
		memFeed *ordersmemory.Feed
	)
	if db != nil {
		if err := migrations.Run(db); err != nil {
			return nil, nil, fmt.Errorf("migrate orders schema: %w", err)
		}
		pgStore = orderspostgres.NewStore(db)
		store = pgStore
		logger.Info("order store configured with postgres")
	} else {
		memFeed = ordersmemory.NewFeed()
		store = ordersmemory.NewStore(ordersmemory.WithFeed(memFeed))
	}

	switch {
	case cfg.SupabaseURL != "":
		rf, err := realtime.NewFeed(cfg.SupabaseURL, cfg.SupabaseAnonKey, realtime.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		feed = rf
		logger.Info("change feed configured with supabase realtime", slog.String("url", cfg.SupabaseURL))
	case pgStore != nil:
		nf := orderspostgres.NewNotifyFeed(cfg.PostgresDSN, pgStore,
			orderspostgres.WithNotifyLogger(logger),
			orderspostgres.WithReconnect(cfg.Sync.BackoffInitial, cfg.Sync.BackoffMax),
		)
		rt.onClose(func() { _ = nf.Close() })
		feed = nf
		logger.Info("change feed configured with postgres LISTEN/NOTIFY", slog.String("channel", migrations.ChangeChannel))
	default:
		feed = memFeed
	}
	return store, feed, nil
}

func (rt *Runtime) buildPrinter() ports.Printer {
	cfg, logger := rt.Config, rt.Logger
	if cfg.AMQPURL == "" {
		logger.Warn("AMQP_URL not set, print jobs are only logged")
		return printing.NewLogPrinter(logger)
	}
	amqpClient, err := platformamqp.Dial(cfg.AMQPURL)
	if err != nil {
		logger.Warn("failed to connect to rabbitmq, print jobs are only logged", slog.String("error", err.Error()))
		return printing.NewLogPrinter(logger)
	}
	if err := amqpClient.DeclareTopicExchange(cfg.PrintExchange); err != nil {
		_ = amqpClient.Close()
		logger.Warn("failed to declare print exchange, print jobs are only logged",
			slog.String("exchange", cfg.PrintExchange), slog.String("error", err.Error()))
		return printing.NewLogPrinter(logger)
	}
	rt.onClose(func() { _ = amqpClient.Close() })
	logger.Info("print spool configured with rabbitmq", slog.String("exchange", cfg.PrintExchange))
	return printing.NewAMQPPrinter(amqpClient, cfg.PrintExchange)
}

func (rt *Runtime) buildPromoter(instruments *platformobservability.Instruments, store ports.OrderStore) ports.PromotionScheduler {
	logger := rt.Logger
	temporalClient, err := connectTemporalClient(rt.Config, instruments)
	if err != nil {
		logger.Warn("Temporal workflows unavailable, promoting scheduled orders inline", slog.String("error", err.Error()))
		inline := ordersworkflows.NewInlinePromoter(store, logger)
		rt.onClose(inline.Close)
		return inline
	}
	rt.onClose(temporalClient.Close)
	logger.Info("Temporal workflows enabled", slog.String("namespace", rt.Config.TemporalNamespace))
	return ordersworkflows.NewTemporalPromoter(temporalClient)
}

// KeepWarm holds a session open for every configured store so side effects fire even
// when no dashboard is connected. onEvent may be nil.
func (rt *Runtime) KeepWarm(ctx context.Context, onEvent func(domain.Event)) {
	if onEvent == nil {
		onEvent = func(domain.Event) {}
	}
	for _, storeID := range rt.Config.StoreIDs {
		vc := domain.ForStores(storeID)
		subCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		unsubscribe, err := rt.Service.Subscribe(subCtx, vc, onEvent)
		cancel()
		if err != nil {
			rt.Logger.Warn("failed to start store session", slog.Int64("store.id", storeID), slog.String("error", err.Error()))
			continue
		}
		rt.onClose(unsubscribe)
		rt.Logger.Info("store session started", slog.Int64("store.id", storeID))
	}
}

// Run boots the dashboard HTTP API with observability, stores and sync sessions wired,
// and serves until ctx is cancelled.
func Run(ctx context.Context) error {
	const serviceName = "orderdesk-dashboard"
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	instruments, shutdown, err := platformobservability.Init(ctx, platformobservability.Options{
		ServiceName: serviceName,
		LogLevel:    cfg.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			instruments.Logger.Error("failed to shutdown observability", slog.String("error", err.Error()))
		}
	}()
	logger := instruments.Logger

	rt, err := Build(ctx, cfg, instruments)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.KeepWarm(ctx, nil)

	router := handlers.NewRouter(handlers.NewOrdersAPI(rt.Service, rt.Alerts), otelgin.Middleware(serviceName))
	// Event streams end with their request context, which Shutdown alone never cancels.
	streams, stopStreams := context.WithCancel(context.Background())
	defer stopStreams()
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return streams },
	}
	server.RegisterOnShutdown(stopStreams)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("orderdesk dashboard listening", slog.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("dashboard server exited", slog.String("addr", server.Addr), slog.String("error", err.Error()))
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down dashboard")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func connectTemporalClient(cfg Config, instruments *platformobservability.Instruments) (client.Client, error) {
	if cfg.TemporalDisabled {
		return nil, errors.New("temporal disabled via TEMPORAL_DISABLED env")
	}
	tracerOptions := temporalotel.TracerOptions{}
	if instruments != nil {
		tracerOptions.Tracer = instruments.Tracer("temporal-client")
	}
	tracingInterceptor, err := temporalotel.NewTracingInterceptor(tracerOptions)
	if err != nil {
		return nil, err
	}
	options := client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
		Logger:    workerlog.NewStructuredLogger(effectiveLogger(instruments)),
	}
	options.Interceptors = append(options.Interceptors, tracingInterceptor)
	return client.Dial(options)
}

func effectiveLogger(instruments *platformobservability.Instruments) *slog.Logger {
	if instruments != nil && instruments.Logger != nil {
		return instruments.Logger
	}
	return slog.Default()
}
