package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tabsync/tabsync/internal/model"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func TestInsertTabAssignsPositions(t *testing.T) {
	store, ctx := newTestStore(t)

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := store.InsertTab(ctx, model.CanonicalTab{ID: id, Name: "Tab " + id}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	tabs, err := store.ListTabs(ctx)
	if err != nil {
		t.Fatalf("list tabs: %v", err)
	}
	if len(tabs) != 3 {
		t.Fatalf("expected 3 tabs, got %d", len(tabs))
	}
	for i, tab := range tabs {
		if tab.Position != i {
			t.Fatalf("tab %s: expected position %d, got %d", tab.ID, i, tab.Position)
		}
	}
}

func TestInsertTabRejectsDuplicateID(t *testing.T) {
	store, ctx := newTestStore(t)

	if err := store.InsertTab(ctx, model.CanonicalTab{ID: "t1", Name: "first"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := store.InsertTab(ctx, model.CanonicalTab{ID: "t1", Name: "second"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestSetTabSessionNeverReverts(t *testing.T) {
	store, ctx := newTestStore(t)
	now := time.Now().UTC()

	if err := store.InsertTab(ctx, model.CanonicalTab{ID: "t1", Name: "tab"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.SetTabSession(ctx, "t1", "sess-a", now); err != nil {
		t.Fatalf("bind session: %v", err)
	}
	// Correction to a different id is allowed.
	if err := store.SetTabSession(ctx, "t1", "sess-b", now); err != nil {
		t.Fatalf("correct session: %v", err)
	}
	// Clearing the binding is not.
	if err := store.SetTabSession(ctx, "t1", "", now); !errors.Is(err, ErrSessionRevert) {
		t.Fatalf("expected ErrSessionRevert, got %v", err)
	}

	tab, err := store.GetTab(ctx, "t1")
	if err != nil {
		t.Fatalf("get tab: %v", err)
	}
	if tab.SessionID != "sess-b" {
		t.Fatalf("expected sess-b, got %q", tab.SessionID)
	}
}

func TestMutationsOnMissingTabReturnNotFound(t *testing.T) {
	store, ctx := newTestStore(t)
	now := time.Now().UTC()

	if err := store.RenameTab(ctx, "nope", "name", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rename: expected ErrNotFound, got %v", err)
	}
	if err := store.SetTabSession(ctx, "nope", "sess", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("set session: expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteTab(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete: expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetTab(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get: expected ErrNotFound, got %v", err)
	}
}

func TestBumpLastModifiedIsMonotonic(t *testing.T) {
	store, ctx := newTestStore(t)

	now := time.Now().UTC()
	first, err := store.BumpLastModified(ctx, now)
	if err != nil {
		t.Fatalf("first bump: %v", err)
	}
	// A clock stepping backwards must still advance the marker.
	second, err := store.BumpLastModified(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("second bump: %v", err)
	}
	if second <= first {
		t.Fatalf("expected monotonic marker, got %d then %d", first, second)
	}

	stored, err := store.LastModified(ctx)
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	if stored != second {
		t.Fatalf("expected stored marker %d, got %d", second, stored)
	}
}

func TestClearSessionsKeepsTabBindings(t *testing.T) {
	store, ctx := newTestStore(t)
	now := time.Now().UTC()

	if err := store.InsertTab(ctx, model.CanonicalTab{ID: "t1", Name: "tab"}); err != nil {
		t.Fatalf("insert tab: %v", err)
	}
	if err := store.SetTabSession(ctx, "t1", "sess-a", now); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := store.UpsertSession(ctx, model.Session{ID: "sess-a", Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	if err := store.ClearSessions(ctx); err != nil {
		t.Fatalf("clear sessions: %v", err)
	}

	tab, err := store.GetTab(ctx, "t1")
	if err != nil {
		t.Fatalf("get tab: %v", err)
	}
	if tab.SessionID != "sess-a" {
		t.Fatalf("tab binding should survive session clear, got %q", tab.SessionID)
	}
}
