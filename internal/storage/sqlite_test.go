package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fdcsuite/ledgercore/internal/model"
)

func createTestStorage(t *testing.T) (*SQLiteStorage, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStorage(dbPath)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		t.Fatalf("Failed to migrate: %v", err)
	}

	return store, func() { _ = store.Close() }
}

func testTransaction(clientID string, source model.Source, amount string) *model.Transaction {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		panic(err)
	}
	return &model.Transaction{
		ClientID:       clientID,
		Date:           time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		Amount:         amt,
		PayeeRaw:       "WOOLWORTHS METRO",
		DescriptionRaw: "groceries for the service",
		Source:         source,
	}
}

func TestNewSQLiteStorage(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	require.NotNil(t, store)
	require.NotNil(t, store.db)
}

func TestMigrate_Idempotent(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx))

	var version int
	require.NoError(t, store.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version))
	require.Equal(t, ExpectedSchemaVersion, version)
}
