package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tabsync/tabsync/internal/db"
	"github.com/tabsync/tabsync/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "tabsync-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func SeedTab(t *testing.T, store *db.Store, ctx context.Context, tabID, name string) model.CanonicalTab {
	t.Helper()
	tab := model.CanonicalTab{
		ID:        tabID,
		Name:      name,
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.InsertTab(ctx, tab); err != nil {
		t.Fatalf("seed tab %s: %v", tabID, err)
	}
	seeded, err := store.GetTab(ctx, tabID)
	if err != nil {
		t.Fatalf("reload seeded tab %s: %v", tabID, err)
	}
	return seeded
}
