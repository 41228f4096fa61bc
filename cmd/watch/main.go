// Command watch keeps the configured stores synchronised without serving HTTP and logs
// every order event. Printing and promotions run exactly as they do in the dashboard.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Apurer/orderdesk/internal/app/api"
	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	platformobservability "github.com/Apurer/orderdesk/internal/platform/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := api.LoadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if len(cfg.StoreIDs) == 0 {
		log.Fatal("STORE_IDS must list at least one store to watch")
	}
	instruments, shutdown, err := platformobservability.Init(ctx, platformobservability.Options{
		ServiceName: "orderdesk-watch",
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

	rt, err := api.Build(ctx, cfg, instruments)
	if err != nil {
		logger.Error("failed to build order sync runtime", slog.String("error", err.Error()))
		return
	}
	defer rt.Close()

	rt.KeepWarm(ctx, func(ev domain.Event) { logEvent(ctx, logger, ev) })
	logger.Info("watching stores", slog.Any("stores", cfg.StoreIDs))
	<-ctx.Done()
	logger.Info("watch stopped")
}

func logEvent(ctx context.Context, logger *slog.Logger, ev domain.Event) {
	attrs := []slog.Attr{
		slog.String("event", ev.EventName()),
		slog.String("order.id", ev.OrderID()),
		slog.Time("at", ev.OccurredAt()),
	}
	switch e := ev.(type) {
	case domain.OrderAdded:
		attrs = append(attrs,
			slog.Int64("store.id", e.Order.StoreID),
			slog.String("order.number", e.Order.Number),
			slog.String("status", string(e.Order.Status)),
			slog.Bool("baseline", e.Baseline),
		)
	case domain.OrderStatusChanged:
		attrs = append(attrs,
			slog.Int64("store.id", e.Order.StoreID),
			slog.String("from", string(e.From)),
			slog.String("to", string(e.To)),
		)
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "order event", attrs...)
}
