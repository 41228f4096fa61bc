// Package printing spools kitchen receipts.
package printing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

var (
	_ ports.Printer = (*AMQPPrinter)(nil)
	_ ports.Printer = (*LogPrinter)(nil)
)

const DefaultExchange = "kitchen_print"

// Publisher is the slice of platform/amqp.Client the printer needs.
type Publisher interface {
	Publish(ctx context.Context, exchange, key, contentType string, body []byte, headers map[string]any) error
}

// AMQPPrinter publishes print jobs to a topic exchange; kitchen print stations bind
// queues to print.<reason> keys.
type AMQPPrinter struct {
	publisher Publisher
	exchange  string
}

func NewAMQPPrinter(publisher Publisher, exchange string) *AMQPPrinter {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPPrinter{publisher: publisher, exchange: exchange}
}

// RoutingKey returns the key a job is published under.
func RoutingKey(reason ports.PrintReason) string {
	return "print." + string(reason)
}

func (p *AMQPPrinter) Print(ctx context.Context, job ports.PrintJob) error {
	if p == nil || p.publisher == nil {
		return errors.New("amqp printer not configured")
	}
	if job.Order == nil {
		return errors.New("print job has no order")
	}
	body, err := json.Marshal(toMessage(job))
	if err != nil {
		return fmt.Errorf("encode print job: %w", err)
	}
	headers := map[string]any{
		"job_id":   job.ID,
		"store_id": job.Order.StoreID,
		"order_id": job.Order.ID,
	}
	return p.publisher.Publish(ctx, p.exchange, RoutingKey(job.Reason), "application/json", body, headers)
}

// LogPrinter stands in when no print spool is configured.
type LogPrinter struct {
	logger *slog.Logger
}

func NewLogPrinter(logger *slog.Logger) *LogPrinter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPrinter{logger: logger}
}

func (p *LogPrinter) Print(ctx context.Context, job ports.PrintJob) error {
	if job.Order == nil {
		return errors.New("print job has no order")
	}
	p.logger.LogAttrs(ctx, slog.LevelInfo, "print job",
		slog.String("job.id", job.ID),
		slog.String("reason", string(job.Reason)),
		slog.String("order.id", job.Order.ID),
		slog.Int64("store.id", job.Order.StoreID),
		slog.String("order.number", job.Order.Number),
		slog.Int("items", len(job.Order.Items)),
	)
	return nil
}

type message struct {
	JobID     string       `json:"jobId"`
	Reason    string       `json:"reason"`
	CreatedAt time.Time    `json:"createdAt"`
	Order     orderMessage `json:"order"`
}

type orderMessage struct {
	ID               string        `json:"id"`
	StoreID          int64         `json:"storeId"`
	Number           string        `json:"number"`
	CustomerName     string        `json:"customerName,omitempty"`
	Type             string        `json:"type"`
	Status           string        `json:"status"`
	Items            []itemMessage `json:"items"`
	Subtotal         int64         `json:"subtotal"`
	Tax              int64         `json:"tax"`
	Total            int64         `json:"total"`
	CreatedAt        time.Time     `json:"createdAt"`
	EstimatedReadyAt *time.Time    `json:"estimatedReadyAt,omitempty"`
}

type itemMessage struct {
	Name      string `json:"name"`
	Quantity  int32  `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Notes     string `json:"notes,omitempty"`
}

func toMessage(job ports.PrintJob) message {
	o := job.Order
	return message{
		JobID:     job.ID,
		Reason:    string(job.Reason),
		CreatedAt: job.CreatedAt.UTC(),
		Order: orderMessage{
			ID:               o.ID,
			StoreID:          o.StoreID,
			Number:           o.Number,
			CustomerName:     o.CustomerName,
			Type:             string(o.Type),
			Status:           string(o.Status),
			Items:            toItems(o.Items),
			Subtotal:         o.Totals.Subtotal,
			Tax:              o.Totals.Tax,
			Total:            o.Totals.Total,
			CreatedAt:        o.CreatedAt.UTC(),
			EstimatedReadyAt: o.EstimatedReadyAt,
		},
	}
}

func toItems(items []domain.LineItem) []itemMessage {
	out := make([]itemMessage, 0, len(items))
	for _, it := range items {
		out = append(out, itemMessage{Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice, Notes: it.Notes})
	}
	return out
}
