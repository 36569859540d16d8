package reconcile

import (
	"sort"
	"time"

	"github.com/tabsync/tabsync/internal/model"
	"github.com/tabsync/tabsync/internal/protocol"
	"github.com/tabsync/tabsync/internal/tabstore"
)

// ChangeKind labels a store mutation the engine applied from canonical
// state.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeUpdated ChangeKind = "updated"
)

// Change is emitted for each applied mutation so a renderer can react
// without the engine knowing anything about rendering.
type Change struct {
	Kind   ChangeKind
	TabID  string
	PaneID string
	Tab    protocol.TabInfo
}

// Engine keeps the local store converged with the server's canonical tab
// list. It runs on the client event loop and is not safe for concurrent
// use.
type Engine struct {
	store  *tabstore.Store
	notify func(Change)

	// pending maps tab ids this client created to their requested pane, so
	// a canonical add lands where the user put it instead of the default
	// home pane.
	pending map[string]string

	suspendedUntil time.Time
	queued         []protocol.TabInfo
	hasQueued      bool
}

func NewEngine(store *tabstore.Store, notify func(Change)) *Engine {
	if notify == nil {
		notify = func(Change) {}
	}
	return &Engine{
		store:   store,
		notify:  notify,
		pending: map[string]string{},
	}
}

// ReservePlacement records the pane a locally created tab belongs to. Call
// it synchronously with the local creation, before the create command is
// sent. The reservation is consumed on the first canonical add that
// matches.
func (e *Engine) ReservePlacement(tabID, paneID string) {
	e.pending[tabID] = paneID
}

// Suspend queues incoming broadcasts instead of applying them until now+d.
// Used around local multi-step operations whose echo has not come back
// yet, so a stale broadcast cannot revert or duplicate a tab mid-creation.
func (e *Engine) Suspend(now time.Time, d time.Duration) {
	until := now.Add(d)
	if until.After(e.suspendedUntil) {
		e.suspendedUntil = until
	}
}

// Suspended reports whether broadcasts are currently being queued.
func (e *Engine) Suspended(now time.Time) bool {
	return now.Before(e.suspendedUntil)
}

// Apply reconciles the canonical list into the store. While suspended it
// only retains the latest snapshot; Flush applies it after the suspension
// window passes. Applying the same list twice is a no-op the second time.
func (e *Engine) Apply(now time.Time, tabs []protocol.TabInfo) bool {
	if e.Suspended(now) {
		e.queued = tabs
		e.hasQueued = true
		return false
	}
	// A direct apply supersedes anything queued during suspension.
	e.queued = nil
	e.hasQueued = false
	e.apply(tabs)
	return true
}

// Flush applies the most recent snapshot queued during a suspension, if
// any. Intermediate snapshots are dropped: only the latest matters.
func (e *Engine) Flush(now time.Time) bool {
	if !e.hasQueued || e.Suspended(now) {
		return false
	}
	tabs := e.queued
	e.queued = nil
	e.hasQueued = false
	e.apply(tabs)
	return true
}

func (e *Engine) apply(tabs []protocol.TabInfo) {
	canonical := make(map[string]protocol.TabInfo, len(tabs))
	for _, tab := range tabs {
		canonical[tab.ID] = tab
	}

	// Removals first so their panes free capacity for adds.
	for _, tabID := range e.store.FlattenedTabIDs() {
		if _, ok := canonical[tabID]; ok {
			continue
		}
		paneID, _ := e.store.PaneOf(tabID)
		e.store.RemoveTab(tabID)
		e.notify(Change{Kind: ChangeRemoved, TabID: tabID, PaneID: paneID})
	}

	ordered := make([]protocol.TabInfo, len(tabs))
	copy(ordered, tabs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Position < ordered[j].Position
	})

	for _, tab := range ordered {
		local, known := e.store.Tab(tab.ID)
		if !known {
			paneID, reserved := e.pending[tab.ID]
			if reserved {
				delete(e.pending, tab.ID)
			} else {
				paneID = e.store.FirstPaneWithCapacity()
			}
			placed := model.Tab{ID: tab.ID, Name: tab.Name, SessionID: tab.SessionID}
			if err := e.store.AdoptTab(paneID, placed); err != nil {
				// The reserved pane may have merged away in the meantime.
				fallback := e.store.FirstPaneWithCapacity()
				if fallback == paneID || e.store.AdoptTab(fallback, placed) != nil {
					continue
				}
				paneID = fallback
			}
			e.notify(Change{Kind: ChangeAdded, TabID: tab.ID, PaneID: paneID, Tab: tab})
			continue
		}
		changed := false
		if local.Name != tab.Name {
			e.store.RenameTab(tab.ID, tab.Name)
			changed = true
		}
		// An empty canonical session never clears a local binding, so it is
		// not a change worth announcing either.
		if tab.SessionID != "" && local.SessionID != tab.SessionID {
			e.store.SetTabSession(tab.ID, tab.SessionID)
			changed = true
		}
		if !changed {
			continue
		}
		paneID, _ := e.store.PaneOf(tab.ID)
		e.notify(Change{Kind: ChangeUpdated, TabID: tab.ID, PaneID: paneID, Tab: tab})
	}
}
