//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
	"github.com/Apurer/orderdesk/internal/platform/migrations"
)

func setupOrdersPostgresContainer(t *testing.T) (*gorm.DB, string, func()) {
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("orders_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migrations.Run(db))

	cleanup := func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		pgContainer.Terminate(ctx)
	}
	return db, dsn, cleanup
}

func TestStore_SaveFetchAndFilter(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db, _, cleanup := setupOrdersPostgresContainer(t)
	defer cleanup()

	store := NewStore(db)
	ctx := context.Background()

	first, err := store.Save(ctx, sampleOrder("", 7))
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Len(t, first.Items, 1)
	assert.Equal(t, int64(1296), first.Totals.Total)

	second := sampleOrder("", 7)
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	second, err = store.Save(ctx, second)
	require.NoError(t, err)
	_, err = store.Save(ctx, sampleOrder("", 8))
	require.NoError(t, err)

	orders, err := store.FetchOrders(ctx, domain.ForStores(7).Filter())
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, second.ID, orders[0].ID)

	require.NoError(t, store.UpdateStatus(ctx, first.ID, domain.StatusCancelled))
	orders, err = store.FetchOrders(ctx, domain.ForStores(7).Filter())
	require.NoError(t, err)
	require.Len(t, orders, 1)

	single, err := store.FetchOrders(ctx, domain.ForOrder(7, first.ID).Filter())
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, domain.StatusCancelled, single[0].Status)
	assert.NotNil(t, single[0].CompletedAt)
}

func TestStore_UpdateStatusErrors(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db, _, cleanup := setupOrdersPostgresContainer(t)
	defer cleanup()

	store := NewStore(db)
	ctx := context.Background()
	saved, err := store.Save(ctx, sampleOrder("", 7))
	require.NoError(t, err)

	assert.ErrorIs(t, store.UpdateStatus(ctx, "missing", domain.StatusReady), ports.ErrNotFound)
	assert.ErrorIs(t, store.UpdateStatus(ctx, saved.ID, domain.StatusCompleted), ports.ErrConflict)
	assert.ErrorIs(t, store.UpdateStatus(ctx, saved.ID, "bogus"), domain.ErrInvalidStatus)
	require.NoError(t, store.UpdateStatus(ctx, saved.ID, domain.StatusPreparing))

	require.NoError(t, store.Delete(ctx, saved.ID))
	assert.ErrorIs(t, store.Delete(ctx, saved.ID), ports.ErrNotFound)
}

func TestNotifyFeed_DeliversTriggerChanges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db, dsn, cleanup := setupOrdersPostgresContainer(t)
	defer cleanup()

	store := NewStore(db)
	feed := NewNotifyFeed(dsn, store)
	defer feed.Close()
	ctx := context.Background()

	sub, err := feed.Subscribe(ctx, domain.StoreTopic(7))
	require.NoError(t, err)
	defer sub.Close()

	saved, err := store.Save(ctx, sampleOrder("", 7))
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, saved.ID, domain.StatusPreparing))

	select {
	case change := <-sub.Changes():
		assert.Equal(t, domain.ChangeInsert, change.Kind)
		assert.Equal(t, saved.ID, change.Order.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no insert notification")
	}
	select {
	case change := <-sub.Changes():
		assert.Equal(t, domain.ChangeUpdate, change.Kind)
		assert.Equal(t, domain.StatusPreparing, change.Order.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no update notification")
	}
}
