package reconcile

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/tabsync/tabsync/internal/model"
	"github.com/tabsync/tabsync/internal/protocol"
	"github.com/tabsync/tabsync/internal/tabstore"
)

func snapshot(s *tabstore.Store) []model.Pane {
	return s.Panes()
}

func TestApplyAddsUnknownTabToDefaultHomePane(t *testing.T) {
	store := tabstore.New()
	eng := NewEngine(store, nil)
	now := time.Now()

	eng.Apply(now, []protocol.TabInfo{{ID: "t1", Name: "remote", SessionID: "s1", Position: 1}})

	panes := store.Panes()
	if len(panes) != 1 || len(panes[0].TabIDs) != 1 || panes[0].TabIDs[0] != "t1" {
		t.Fatalf("panes = %+v", panes)
	}
	tab, ok := store.Tab("t1")
	if !ok || tab.SessionID != "s1" {
		t.Fatalf("tab = %+v ok=%v", tab, ok)
	}
}

func TestApplyHonorsReservedPlacement(t *testing.T) {
	store := tabstore.New()
	if _, err := store.CreateTab(model.PanePrimary, "existing"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.EnableSplit("side"); err != nil {
		t.Fatal(err)
	}
	eng := NewEngine(store, nil)
	eng.ReservePlacement("t-new", model.PaneSecondary)

	eng.Apply(time.Now(), canonicalOf(store, protocol.TabInfo{ID: "t-new", Name: "reserved"}))

	if pane, _ := store.PaneOf("t-new"); pane != model.PaneSecondary {
		t.Fatalf("placed in %s, want secondary", pane)
	}
	// Consumed on match: a second unknown add falls back to the home pane.
	eng.Apply(time.Now(), canonicalOf(store, protocol.TabInfo{ID: "t-new2", Name: "later"}))
	if pane, _ := store.PaneOf("t-new2"); pane != model.PanePrimary {
		t.Fatalf("second add placed in %s", pane)
	}
}

func TestApplyRemovesAndRepairsActive(t *testing.T) {
	store := tabstore.New()
	gone, _ := store.CreateTab(model.PanePrimary, "gone")
	kept, _ := store.CreateTab(model.PanePrimary, "kept")
	if err := store.SwitchActive(model.PanePrimary, gone.ID); err != nil {
		t.Fatal(err)
	}
	eng := NewEngine(store, nil)

	eng.Apply(time.Now(), []protocol.TabInfo{{ID: kept.ID, Name: "kept"}})

	panes := store.Panes()
	if len(panes[0].TabIDs) != 1 || panes[0].ActiveTabID != kept.ID {
		t.Fatalf("panes = %+v", panes)
	}
}

func TestApplyUpdatesNameAndSession(t *testing.T) {
	store := tabstore.New()
	tab, _ := store.CreateTab(model.PanePrimary, "old")
	var changes []Change
	eng := NewEngine(store, func(c Change) { changes = append(changes, c) })

	eng.Apply(time.Now(), []protocol.TabInfo{{ID: tab.ID, Name: "new", SessionID: "s9"}})

	got, _ := store.Tab(tab.ID)
	if got.Name != "new" || got.SessionID != "s9" {
		t.Fatalf("tab = %+v", got)
	}
	if len(changes) != 1 || changes[0].Kind != ChangeUpdated {
		t.Fatalf("changes = %+v", changes)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	store := tabstore.New()
	eng := NewEngine(store, nil)
	canonical := []protocol.TabInfo{
		{ID: "a", Name: "one", Position: 1},
		{ID: "b", Name: "two", SessionID: "s2", Position: 2},
	}
	now := time.Now()

	eng.Apply(now, canonical)
	first := snapshot(store)
	eng.Apply(now, canonical)
	second := snapshot(store)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("second apply diverged:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestSuspensionQueuesLatestSnapshotOnly(t *testing.T) {
	store := tabstore.New()
	eng := NewEngine(store, nil)
	now := time.Now()
	eng.Suspend(now, 500*time.Millisecond)

	if eng.Apply(now.Add(100*time.Millisecond), []protocol.TabInfo{{ID: "stale", Name: "stale"}}) {
		t.Fatal("applied while suspended")
	}
	if eng.Apply(now.Add(200*time.Millisecond), []protocol.TabInfo{{ID: "fresh", Name: "fresh"}}) {
		t.Fatal("applied while suspended")
	}
	if eng.Flush(now.Add(300 * time.Millisecond)) {
		t.Fatal("flushed before suspension elapsed")
	}
	if !eng.Flush(now.Add(600 * time.Millisecond)) {
		t.Fatal("flush after suspension did nothing")
	}

	if _, ok := store.Tab("fresh"); !ok {
		t.Fatal("latest snapshot not applied")
	}
	if _, ok := store.Tab("stale"); ok {
		t.Fatal("intermediate snapshot applied")
	}
	if eng.Flush(now.Add(700 * time.Millisecond)) {
		t.Fatal("second flush re-applied")
	}
}

func TestSuspensionShieldsLocalCreateFromStaleBroadcast(t *testing.T) {
	store := tabstore.New()
	eng := NewEngine(store, nil)
	now := time.Now()

	// Local create: mutate, reserve, suspend, command goes out.
	tab, err := store.CreateTab(model.PanePrimary, "mine")
	if err != nil {
		t.Fatal(err)
	}
	eng.ReservePlacement(tab.ID, model.PanePrimary)
	eng.Suspend(now, 500*time.Millisecond)

	// A broadcast from before the create arrives; it must not remove the
	// tab mid-creation.
	eng.Apply(now.Add(50*time.Millisecond), nil)
	if _, ok := store.Tab(tab.ID); !ok {
		t.Fatal("stale broadcast clobbered in-flight create")
	}

	// The echo lands after the window, superseding the queued stale
	// snapshot.
	eng.Apply(now.Add(time.Second), []protocol.TabInfo{{ID: tab.ID, Name: "mine"}})
	if _, ok := store.Tab(tab.ID); !ok {
		t.Fatal("tab lost after echo")
	}
	if got := len(store.FlattenedTabIDs()); got != 1 {
		t.Fatalf("tab duplicated: %d entries", got)
	}
	if eng.Flush(now.Add(2 * time.Second)) {
		t.Fatal("stale queued snapshot survived the echo")
	}
}

func TestApplyAdoptsEveryCanonicalTabPastLocalCap(t *testing.T) {
	store := tabstore.New()
	eng := NewEngine(store, nil)
	total := model.MaxTabsPerPane + 2
	var canonical []protocol.TabInfo
	for i := 0; i < total; i++ {
		canonical = append(canonical, protocol.TabInfo{ID: fmt.Sprintf("t%02d", i), Name: "remote", Position: i})
	}

	eng.Apply(time.Now(), canonical)

	if got := len(store.FlattenedTabIDs()); got != total {
		t.Fatalf("adopted %d of %d canonical tabs", got, total)
	}
}

func TestEmptyCanonicalSessionDoesNotRenotify(t *testing.T) {
	store := tabstore.New()
	tab, _ := store.CreateTab(model.PanePrimary, "one")
	if err := store.SetTabSession(tab.ID, "s1"); err != nil {
		t.Fatal(err)
	}
	var changes []Change
	eng := NewEngine(store, func(c Change) { changes = append(changes, c) })
	canonical := []protocol.TabInfo{{ID: tab.ID, Name: "one"}}

	eng.Apply(time.Now(), canonical)
	eng.Apply(time.Now(), canonical)

	if len(changes) != 0 {
		t.Fatalf("changes = %+v, want none", changes)
	}
	got, _ := store.Tab(tab.ID)
	if got.SessionID != "s1" {
		t.Fatalf("session = %q, want retained s1", got.SessionID)
	}
}

// canonicalOf builds a snapshot of everything already in the store plus
// extras, so an apply exercises only the intended adds.
func canonicalOf(s *tabstore.Store, extra ...protocol.TabInfo) []protocol.TabInfo {
	var out []protocol.TabInfo
	for i, id := range s.FlattenedTabIDs() {
		tab, _ := s.Tab(id)
		out = append(out, protocol.TabInfo{ID: tab.ID, Name: tab.Name, SessionID: tab.SessionID, Position: i})
	}
	return append(out, extra...)
}
