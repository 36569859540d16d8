package persist

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tabsync/tabsync/internal/model"
)

func TestSaveThenLoadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	in := Layout{
		Panes: []model.Pane{{ID: model.PanePrimary, TabIDs: []string{"a", "b"}, ActiveTabID: "b"}},
		Tabs:  []model.Tab{{ID: "a", Name: "one"}, {ID: "b", Name: "two", SessionID: "sess-1"}},
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out.Panes) != 1 || out.Panes[0].ActiveTabID != "b" {
		t.Fatalf("panes = %+v", out.Panes)
	}
	if out.Tabs[1].SessionID != "sess-1" {
		t.Fatalf("session id lost: %+v", out.Tabs)
	}
	if out.SavedAt.IsZero() {
		t.Fatal("SavedAt not stamped")
	}
	if out.TabSessions["b"] != "sess-1" {
		t.Fatalf("tab session map = %v", out.TabSessions)
	}
}

func TestLoadMergesFlatSessionMapIntoTabs(t *testing.T) {
	s := NewStore(t.TempDir())
	err := s.Save(Layout{
		Tabs:        []model.Tab{{ID: "a", Name: "one"}},
		TabSessions: map[string]string{"a": "sess-7"},
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if out.Tabs[0].SessionID != "sess-7" {
		t.Fatalf("session not merged: %+v", out.Tabs)
	}
}

func TestLoadMissingFileReturnsEmptyLayout(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "never-created"))
	out, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out.Panes) != 0 || len(out.Tabs) != 0 {
		t.Fatalf("expected empty layout, got %+v", out)
	}
}

func TestLoadCorruptFileReturnsErrCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := s.Load()
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("want ErrCorrupt, got %v", err)
	}
}

func TestSaveOverwritesPrevious(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Save(Layout{Tabs: []model.Tab{{ID: "old"}}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(Layout{Tabs: []model.Tab{{ID: "new"}}}); err != nil {
		t.Fatal(err)
	}
	out, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Tabs) != 1 || out.Tabs[0].ID != "new" {
		t.Fatalf("tabs = %+v", out.Tabs)
	}
	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("leftover temp files: %v", entries)
	}
}
