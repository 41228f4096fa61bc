package realtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
)

var ErrMalformedRecord = errors.New("realtime: malformed order record")

// Postgres timestamp renderings seen on the wire, with and without a zone.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
}

// DecodeOrder maps an orders row, as serialised by Realtime, to a domain order.
// Structural problems are reported; domain validation is left to the caller.
func DecodeOrder(rec gjson.Result) (*domain.Order, error) {
	if !rec.IsObject() {
		return nil, fmt.Errorf("%w: record is not an object", ErrMalformedRecord)
	}
	id := rec.Get("id").String()
	if id == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	createdAt, err := parseTime(rec.Get("created_at"))
	if err != nil {
		return nil, fmt.Errorf("%w: created_at: %v", ErrMalformedRecord, err)
	}
	if createdAt == nil {
		return nil, fmt.Errorf("%w: missing created_at", ErrMalformedRecord)
	}
	o := &domain.Order{
		ID:           id,
		StoreID:      rec.Get("store_id").Int(),
		Number:       rec.Get("number").String(),
		CustomerName: rec.Get("customer_name").String(),
		Totals: domain.Totals{
			Subtotal: rec.Get("subtotal").Int(),
			Tax:      rec.Get("tax").Int(),
			Total:    rec.Get("total").Int(),
		},
		Status:    domain.Status(rec.Get("status").String()),
		Type:      domain.Type(rec.Get("type").String()),
		CreatedAt: *createdAt,
	}
	for field, dst := range map[string]**time.Time{
		"scheduled_for":      &o.ScheduledFor,
		"estimated_ready_at": &o.EstimatedReadyAt,
		"completed_at":       &o.CompletedAt,
	} {
		ts, err := parseTime(rec.Get(field))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, field, err)
		}
		*dst = ts
	}
	if updated, err := parseTime(rec.Get("updated_at")); err == nil && updated != nil {
		o.UpdatedAt = *updated
	}

	items := rec.Get("items")
	if items.Type == gjson.String {
		// jsonb columns can arrive double encoded.
		items = gjson.Parse(items.String())
	}
	if items.Exists() && items.Type != gjson.Null {
		if !items.IsArray() {
			return nil, fmt.Errorf("%w: items is not an array", ErrMalformedRecord)
		}
		for _, it := range items.Array() {
			o.Items = append(o.Items, domain.LineItem{
				Name:      it.Get("name").String(),
				Quantity:  int32(it.Get("quantity").Int()),
				UnitPrice: it.Get("unitPrice").Int(),
				Notes:     it.Get("notes").String(),
			})
		}
	}
	return o, nil
}

func parseTime(v gjson.Result) (*time.Time, error) {
	if !v.Exists() || v.Type == gjson.Null || v.String() == "" {
		return nil, nil
	}
	raw := v.String()
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognised timestamp %q", raw)
}
