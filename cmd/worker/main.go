package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	workerlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/Apurer/orderdesk/internal/app/api"
	ordersmemory "github.com/Apurer/orderdesk/internal/domains/orders/adapters/memory"
	ordersobs "github.com/Apurer/orderdesk/internal/domains/orders/adapters/observability"
	orderspostgres "github.com/Apurer/orderdesk/internal/domains/orders/adapters/persistence/postgres"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
	"github.com/Apurer/orderdesk/internal/platform/migrations"
	platformobservability "github.com/Apurer/orderdesk/internal/platform/observability"
	platformpostgres "github.com/Apurer/orderdesk/internal/platform/postgres"
	orderactivities "github.com/Apurer/orderdesk/internal/platform/temporal/activities/orders"
	orderworkflows "github.com/Apurer/orderdesk/internal/platform/temporal/workflows/orders"
)

func main() {
	ctx := context.Background()
	const serviceName = "orderdesk-worker"
	cfg, err := api.LoadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	instruments, shutdown, err := platformobservability.Init(ctx, platformobservability.Options{
		ServiceName: serviceName,
		LogLevel:    cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("failed to initialize observability: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			instruments.Logger.Error("failed to shutdown observability", slog.String("error", err.Error()))
		}
	}()
	logger := instruments.Logger

	store, cleanupStore := buildOrderStore(ctx, cfg.PostgresDSN, logger)
	defer cleanupStore()
	store = ordersobs.NewStore(
		store,
		ordersobs.WithLogger(logger),
		ordersobs.WithTracer(instruments.Tracer("internal.orders.store")),
		ordersobs.WithMeter(instruments.Meter("internal.orders.store")),
	)
	activities := orderactivities.NewActivities(store)

	tracerOptions := temporalotel.TracerOptions{Tracer: instruments.Tracer("temporal-worker")}
	tracingInterceptor, err := temporalotel.NewTracingInterceptor(tracerOptions)
	if err != nil {
		logger.Error("failed to configure Temporal tracing interceptor", slog.String("error", err.Error()))
		os.Exit(1)
	}
	clientOptions := client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
		Logger:    workerlog.NewStructuredLogger(logger),
	}
	clientOptions.Interceptors = append(clientOptions.Interceptors, tracingInterceptor)
	temporalClient, err := client.Dial(clientOptions)
	if err != nil {
		logger.Error("failed to create Temporal client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer temporalClient.Close()

	w := worker.New(temporalClient, orderworkflows.PromotionTaskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(orderworkflows.ScheduledPromotionWorkflow, workflow.RegisterOptions{Name: orderworkflows.ScheduledPromotionWorkflowName})
	w.RegisterActivityWithOptions(activities.PromoteOrder, activity.RegisterOptions{Name: orderactivities.PromoteOrderActivityName})

	logger.Info("worker listening", slog.String("taskQueue", orderworkflows.PromotionTaskQueue), slog.String("namespace", clientOptions.Namespace))
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Error("Temporal worker exited with error", slog.String("error", err.Error()))
		return
	}
	logger.Info("Temporal worker stopped")
}

// buildOrderStore prefers postgres; the in-memory fallback only lets the worker start
// for local experiments, since it shares no data with the dashboard.
func buildOrderStore(ctx context.Context, dsn string, logger *slog.Logger) (ports.OrderStore, func()) {
	db, cleanup := platformpostgres.ConnectOrFallback(ctx, dsn, platformpostgres.Pool{MaxOpen: 4}, logger)
	if db == nil {
		return ordersmemory.NewStore(), cleanup
	}
	if err := migrations.Run(db); err != nil {
		logger.Warn("worker failed to migrate orders schema", slog.String("error", err.Error()))
	}
	logger.Info("worker order store configured with postgres")
	return orderspostgres.NewStore(db), cleanup
}
