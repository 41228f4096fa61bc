package ports

import (
	"context"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
)

// ChangeFeed opens push subscriptions for logical topics such as "orders:store:7".
type ChangeFeed interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription is a long-lived stream of changes. The Changes channel is closed when
// the underlying transport drops or Close is called; Err then reports why.
type Subscription interface {
	Changes() <-chan domain.Change
	Err() error
	Close() error
}
