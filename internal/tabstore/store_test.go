package tabstore

import (
	"errors"
	"testing"

	"github.com/tabsync/tabsync/internal/model"
)

func TestCreateTabEnforcesCapacity(t *testing.T) {
	s := New()
	for i := 0; i < model.MaxTabsPerPane; i++ {
		if _, err := s.CreateTab(model.PanePrimary, "t"); err != nil {
			t.Fatalf("CreateTab %d: %v", i, err)
		}
	}
	_, err := s.CreateTab(model.PanePrimary, "overflow")
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("want ErrCapacityExceeded, got %v", err)
	}
	if got := len(s.FlattenedTabIDs()); got != model.MaxTabsPerPane {
		t.Fatalf("tab count = %d, want %d", got, model.MaxTabsPerPane)
	}
}

func TestSplitToggleCreatesAndMergesSecondaryTab(t *testing.T) {
	s := New()
	first, err := s.CreateTab(model.PanePrimary, "one")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.EnableSplit("two")
	if err != nil {
		t.Fatalf("EnableSplit: %v", err)
	}
	panes := s.Panes()
	if len(panes) != 2 || len(panes[1].TabIDs) != 1 {
		t.Fatalf("after split: panes = %+v", panes)
	}
	s.DisableSplit()
	panes = s.Panes()
	if len(panes) != 1 {
		t.Fatalf("after merge: %d panes", len(panes))
	}
	want := []string{first.ID, second.ID}
	if len(panes[0].TabIDs) != 2 || panes[0].TabIDs[0] != want[0] || panes[0].TabIDs[1] != want[1] {
		t.Fatalf("merged order = %v, want %v", panes[0].TabIDs, want)
	}
	if panes[0].ActiveTabID != first.ID {
		t.Fatalf("active = %s, want prior primary active %s", panes[0].ActiveTabID, first.ID)
	}
}

func TestClosingLastSecondaryTabDisablesSplit(t *testing.T) {
	s := New()
	if _, err := s.CreateTab(model.PanePrimary, "one"); err != nil {
		t.Fatal(err)
	}
	tab, err := s.EnableSplit("two")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CloseTab(model.PaneSecondary, tab.ID); err != nil {
		t.Fatalf("CloseTab: %v", err)
	}
	if s.SplitEnabled() {
		t.Fatal("split still enabled after last secondary tab closed")
	}
	if got := len(s.Panes()); got != 1 {
		t.Fatalf("%d panes remain", got)
	}
}

func TestGridCollapseAppendsToNewRightmost(t *testing.T) {
	s := NewGrid(3)
	left, _ := s.CreateTab(model.GridPaneID(1), "left")
	moved, _ := s.CreateTab(model.GridPaneID(2), "moved")
	if err := s.CollapseGrid(); err != nil {
		t.Fatalf("CollapseGrid: %v", err)
	}
	panes := s.Panes()
	if len(panes) != 2 {
		t.Fatalf("%d panes after collapse", len(panes))
	}
	rightmost := panes[1]
	if len(rightmost.TabIDs) != 2 || rightmost.TabIDs[0] != left.ID || rightmost.TabIDs[1] != moved.ID {
		t.Fatalf("rightmost tabs = %v", rightmost.TabIDs)
	}
}

func TestMoveTabAcrossFamiliesIsNoOp(t *testing.T) {
	s := New()
	tab, _ := s.CreateTab(model.PanePrimary, "one")
	if err := s.MoveTab(model.PanePrimary, model.GridPaneID(0), tab.ID, 0); err != nil {
		t.Fatalf("cross-family move: %v", err)
	}
	if pane, _ := s.PaneOf(tab.ID); pane != model.PanePrimary {
		t.Fatalf("tab moved to %s", pane)
	}
}

func TestMoveTabRepairsActiveAndMergesEmptyPane(t *testing.T) {
	s := New()
	keep, _ := s.CreateTab(model.PanePrimary, "keep")
	tab, err := s.EnableSplit("roam")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MoveTab(model.PaneSecondary, model.PanePrimary, tab.ID, 1); err != nil {
		t.Fatalf("MoveTab: %v", err)
	}
	if s.SplitEnabled() {
		t.Fatal("emptied secondary pane not merged away")
	}
	panes := s.Panes()
	if len(panes[0].TabIDs) != 2 || panes[0].TabIDs[0] != keep.ID {
		t.Fatalf("primary tabs = %v", panes[0].TabIDs)
	}
}

func TestReorderTab(t *testing.T) {
	s := New()
	a, _ := s.CreateTab(model.PanePrimary, "a")
	b, _ := s.CreateTab(model.PanePrimary, "b")
	c, _ := s.CreateTab(model.PanePrimary, "c")
	if err := s.ReorderTab(model.PanePrimary, 2, 0); err != nil {
		t.Fatalf("ReorderTab: %v", err)
	}
	got := s.Panes()[0].TabIDs
	want := []string{c.ID, a.ID, b.ID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSetTabSessionNeverReverts(t *testing.T) {
	s := New()
	tab, _ := s.CreateTab(model.PanePrimary, "t")
	if err := s.SetTabSession(tab.ID, "sess-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTabSession(tab.ID, ""); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Tab(tab.ID)
	if got.SessionID != "sess-1" {
		t.Fatalf("session id reverted to %q", got.SessionID)
	}
}

func TestRehydrateSkipsMalformedEntries(t *testing.T) {
	s := New()
	panes := []model.Pane{
		{ID: model.PanePrimary, TabIDs: []string{"a", "ghost", "a"}, ActiveTabID: "ghost"},
		{ID: model.GridPaneID(0), TabIDs: []string{"b"}},
	}
	tabs := []model.Tab{{ID: "a", Name: "kept", SessionID: "sess"}, {ID: "b", Name: "wrong-family"}}
	s.Rehydrate(panes, tabs)
	got := s.Panes()
	if len(got) != 1 || len(got[0].TabIDs) != 1 || got[0].TabIDs[0] != "a" {
		t.Fatalf("rehydrated panes = %+v", got)
	}
	if got[0].ActiveTabID != "a" {
		t.Fatalf("active = %q, want fallback to first tab", got[0].ActiveTabID)
	}
}

func TestRehydrateSecondaryOnlyLayoutRestoresPrimary(t *testing.T) {
	s := New()
	// A secondary whose only tab id is unknown rehydrates to an empty
	// secondary; merging it away must not assume a primary record exists.
	s.Rehydrate([]model.Pane{{ID: model.PaneSecondary, TabIDs: []string{"ghost"}}}, nil)
	got := s.Panes()
	if len(got) != 1 || got[0].ID != model.PanePrimary {
		t.Fatalf("rehydrated panes = %+v, want single primary", got)
	}
	if s.SplitEnabled() {
		t.Fatal("split still enabled with no secondary tabs")
	}
}

func TestRehydrateSplitWithoutPrimarySurvivesClose(t *testing.T) {
	s := New()
	panes := []model.Pane{{ID: model.PaneSecondary, TabIDs: []string{"a"}, ActiveTabID: "a"}}
	s.Rehydrate(panes, []model.Tab{{ID: "a", Name: "kept"}})
	got := s.Panes()
	if len(got) != 2 || got[0].ID != model.PanePrimary || got[1].ID != model.PaneSecondary {
		t.Fatalf("rehydrated panes = %+v, want primary then secondary", got)
	}
	if err := s.CloseTab(model.PaneSecondary, "a"); err != nil {
		t.Fatalf("CloseTab: %v", err)
	}
	got = s.Panes()
	if len(got) != 1 || got[0].ID != model.PanePrimary || s.SplitEnabled() {
		t.Fatalf("after close: panes = %+v, split = %v", got, s.SplitEnabled())
	}
}

func TestAdoptTabMayOverflowPaneCap(t *testing.T) {
	s := New()
	for i := 0; i < model.MaxTabsPerPane; i++ {
		if _, err := s.CreateTab(model.PanePrimary, "t"); err != nil {
			t.Fatalf("CreateTab %d: %v", i, err)
		}
	}
	if err := s.AdoptTab(model.PanePrimary, model.Tab{ID: "canonical"}); err != nil {
		t.Fatalf("AdoptTab over cap: %v", err)
	}
	if got := len(s.FlattenedTabIDs()); got != model.MaxTabsPerPane+1 {
		t.Fatalf("tab count = %d, want %d", got, model.MaxTabsPerPane+1)
	}
}

func TestRemoveTabRepairsActivePointer(t *testing.T) {
	s := New()
	a, _ := s.CreateTab(model.PanePrimary, "a")
	b, _ := s.CreateTab(model.PanePrimary, "b")
	if err := s.SwitchActive(model.PanePrimary, a.ID); err != nil {
		t.Fatal(err)
	}
	s.RemoveTab(a.ID)
	panes := s.Panes()
	if panes[0].ActiveTabID != b.ID {
		t.Fatalf("active = %q, want %q", panes[0].ActiveTabID, b.ID)
	}
	s.RemoveTab("unknown")
}
