package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

var _ ports.OrderStore = (*Store)(nil)

// Store reads and mutates the orders table with GORM. The schema is owned by
// platform/migrations; the caller manages the DB lifecycle.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// orderRecord maps the order snapshot to a relational row.
type orderRecord struct {
	ID               string           `gorm:"primaryKey;column:id;type:varchar(64)"`
	StoreID          int64            `gorm:"column:store_id;not null;index:idx_orders_store_status"`
	Number           string           `gorm:"column:number;type:varchar(32)"`
	CustomerName     string           `gorm:"column:customer_name"`
	Items            []lineItemRecord `gorm:"column:items;type:jsonb;serializer:json"`
	Subtotal         int64            `gorm:"column:subtotal"`
	Tax              int64            `gorm:"column:tax"`
	Total            int64            `gorm:"column:total"`
	Status           string           `gorm:"column:status;type:varchar(32);index:idx_orders_store_status"`
	Type             string           `gorm:"column:type;type:varchar(32)"`
	ScheduledFor     *time.Time       `gorm:"column:scheduled_for"`
	EstimatedReadyAt *time.Time       `gorm:"column:estimated_ready_at"`
	CompletedAt      *time.Time       `gorm:"column:completed_at"`
	CreatedAt        time.Time        `gorm:"column:created_at;index"`
	UpdatedAt        time.Time        `gorm:"column:updated_at"`
}

type lineItemRecord struct {
	Name      string `json:"name"`
	Quantity  int32  `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Notes     string `json:"notes,omitempty"`
}

func (orderRecord) TableName() string { return "orders" }

// FetchOrders returns rows matching the filter, newest first.
func (s *Store) FetchOrders(ctx context.Context, filter domain.FetchFilter) ([]*domain.Order, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	if len(filter.StoreIDs) == 0 {
		return []*domain.Order{}, nil
	}
	q := s.db.WithContext(ctx).Where("store_id IN ?", filter.StoreIDs)
	if filter.OrderID != "" {
		q = q.Where("id = ?", filter.OrderID)
	}
	if !filter.IncludeTerminal {
		q = q.Where("status NOT IN ?", []string{string(domain.StatusCompleted), string(domain.StatusCancelled)})
	}
	var records []orderRecord
	if err := q.Order("created_at DESC").Order("id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	orders := make([]*domain.Order, 0, len(records))
	for i := range records {
		orders = append(orders, records[i].toDomain())
	}
	return orders, nil
}

// Get loads one order regardless of status.
func (s *Store) Get(ctx context.Context, id string) (*domain.Order, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	var record orderRecord
	if err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ports.ErrNotFound
		}
		return nil, err
	}
	return record.toDomain(), nil
}

// UpdateStatus locks the row and applies a workflow transition.
func (s *Store) UpdateStatus(ctx context.Context, orderID string, status domain.Status) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	if !status.Valid() {
		return domain.ErrInvalidStatus
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record orderRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "id = ?", orderID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.ErrNotFound
		}
		if err != nil {
			return err
		}
		current := record.toDomain()
		if !domain.CanTransition(current.Status, status) {
			return ports.ErrConflict
		}
		if err := current.ApplyStatus(status, s.now().UTC()); err != nil {
			return err
		}
		return tx.Model(&orderRecord{}).Where("id = ?", orderID).Updates(map[string]any{
			"status":       string(current.Status),
			"completed_at": current.CompletedAt,
			"updated_at":   current.UpdatedAt,
		}).Error
	})
}

// Save inserts or replaces an order. Used for seeding and by the watch tool.
func (s *Store) Save(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	if order == nil {
		return nil, errors.New("order is nil")
	}
	clone := order.Clone()
	if strings.TrimSpace(clone.ID) == "" {
		clone.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	record := toRecord(clone)
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"store_id", "number", "customer_name", "items", "subtotal", "tax", "total",
				"status", "type", "scheduled_for", "estimated_ready_at", "completed_at", "updated_at",
			}),
		}).Create(&record).Error; err != nil {
		return nil, err
	}
	return s.Get(ctx, record.ID)
}

// Delete removes an order. The change trigger does not fire for deletes.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Delete(&orderRecord{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (s *Store) ensureDB() error {
	if s == nil || s.db == nil {
		return errors.New("postgres order store not configured")
	}
	return nil
}

func toRecord(o *domain.Order) orderRecord {
	items := make([]lineItemRecord, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, lineItemRecord{Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice, Notes: it.Notes})
	}
	return orderRecord{
		ID:               o.ID,
		StoreID:          o.StoreID,
		Number:           o.Number,
		CustomerName:     o.CustomerName,
		Items:            items,
		Subtotal:         o.Totals.Subtotal,
		Tax:              o.Totals.Tax,
		Total:            o.Totals.Total,
		Status:           string(o.Status),
		Type:             string(o.Type),
		ScheduledFor:     o.ScheduledFor,
		EstimatedReadyAt: o.EstimatedReadyAt,
		CompletedAt:      o.CompletedAt,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

func (r orderRecord) toDomain() *domain.Order {
	items := make([]domain.LineItem, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, domain.LineItem{Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice, Notes: it.Notes})
	}
	return &domain.Order{
		ID:               r.ID,
		StoreID:          r.StoreID,
		Number:           r.Number,
		CustomerName:     r.CustomerName,
		Items:            items,
		Totals:           domain.Totals{Subtotal: r.Subtotal, Tax: r.Tax, Total: r.Total},
		Status:           domain.Status(r.Status),
		Type:             domain.Type(r.Type),
		CreatedAt:        r.CreatedAt,
		ScheduledFor:     r.ScheduledFor,
		EstimatedReadyAt: r.EstimatedReadyAt,
		CompletedAt:      r.CompletedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}
