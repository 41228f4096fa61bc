package migrations

import (
	"time"

	"gorm.io/gorm"
)

// ChangeChannel is the LISTEN/NOTIFY channel the orders trigger publishes to.
const ChangeChannel = "order_changes"

// Run applies the orders schema and the change-notification trigger.
func Run(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	if err := db.AutoMigrate(&orderRecord{}); err != nil {
		return err
	}
	return db.Exec(notifyTriggerSQL).Error
}

// Order schema mirrors the orders Postgres adapter.
type orderRecord struct {
	ID               string         `gorm:"primaryKey;column:id;type:varchar(64)"`
	StoreID          int64          `gorm:"column:store_id;not null;index:idx_orders_store_status"`
	Number           string         `gorm:"column:number;type:varchar(32)"`
	CustomerName     string         `gorm:"column:customer_name"`
	Items            []lineItemJSON `gorm:"column:items;type:jsonb;serializer:json"`
	Subtotal         int64          `gorm:"column:subtotal"`
	Tax              int64          `gorm:"column:tax"`
	Total            int64          `gorm:"column:total"`
	Status           string         `gorm:"column:status;type:varchar(32);index:idx_orders_store_status"`
	Type             string         `gorm:"column:type;type:varchar(32)"`
	ScheduledFor     *time.Time     `gorm:"column:scheduled_for"`
	EstimatedReadyAt *time.Time     `gorm:"column:estimated_ready_at"`
	CompletedAt      *time.Time     `gorm:"column:completed_at"`
	CreatedAt        time.Time      `gorm:"column:created_at;index"`
	UpdatedAt        time.Time      `gorm:"column:updated_at"`
}

type lineItemJSON struct {
	Name      string `json:"name"`
	Quantity  int32  `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Notes     string `json:"notes,omitempty"`
}

func (orderRecord) TableName() string { return "orders" }

// The payload stays small (NOTIFY caps it at 8000 bytes); listeners load the row themselves.
const notifyTriggerSQL = `
CREATE OR REPLACE FUNCTION orders_notify_change() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + ChangeChannel + `', json_build_object(
		'op', TG_OP,
		'id', NEW.id,
		'store_id', NEW.store_id
	)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS orders_notify_change ON orders;
CREATE TRIGGER orders_notify_change
	AFTER INSERT OR UPDATE ON orders
	FOR EACH ROW EXECUTE FUNCTION orders_notify_change();
`
