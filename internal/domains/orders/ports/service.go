package ports

import (
	"context"
	"errors"
	"time"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
)

// ErrUnknownContext is returned when no session is running for a viewing context.
var ErrUnknownContext = errors.New("viewing context is not being synchronised")

// SyncState is the lifecycle state of a scheduler.
type SyncState string

const (
	SyncIdle     SyncState = "idle"
	SyncStarting SyncState = "starting"
	SyncActive   SyncState = "active"
	SyncStopping SyncState = "stopping"
	SyncError    SyncState = "error"
)

// FeedHealth reports one change feed subscription.
type FeedHealth struct {
	Topic      string
	Connected  bool
	Reconnects int
	LastError  string
}

// SyncHealth is the non-blocking connectivity indicator shown to operators.
type SyncHealth struct {
	State         SyncState
	LastPollAt    time.Time
	LastPollError string
	Generation    uint64
	Feeds         []FeedHealth
}

// Service exposes the live order view to presentation adapters.
type Service interface {
	CurrentOrders(ctx context.Context, vc domain.ViewingContext) ([]*domain.Order, error)
	UpdateStatus(ctx context.Context, vc domain.ViewingContext, orderID string, status domain.Status) (*domain.Order, error)
	Subscribe(ctx context.Context, vc domain.ViewingContext, fn func(domain.Event)) (func(), error)
	Resume(ctx context.Context, vc domain.ViewingContext) error
	Health(ctx context.Context, vc domain.ViewingContext) (SyncHealth, error)
	Settings(ctx context.Context) domain.Settings
	UpdateSettings(ctx context.Context, settings domain.Settings) (domain.Settings, error)
}
