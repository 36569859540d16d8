package tabstore

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tabsync/tabsync/internal/model"
)

var (
	ErrCapacityExceeded = errors.New("tabstore: pane capacity exceeded")
	ErrPaneNotFound     = errors.New("tabstore: pane not found")
	ErrTabNotFound      = errors.New("tabstore: tab not found")
)

// Store is this client's authoritative pane/tab structure. It runs on the
// client event loop: all mutations are serialized there, so there is no
// internal locking.
type Store struct {
	panes []*pane
	tabs  map[string]*model.Tab
	max   int
	split bool
	grid  bool
}

type pane struct {
	id     string
	tabIDs []string
	active string
}

// New returns a split-family store with the primary pane only.
func New() *Store {
	return &Store{
		panes: []*pane{{id: model.PanePrimary}},
		tabs:  map[string]*model.Tab{},
		max:   model.MaxTabsPerPane,
	}
}

// NewGrid returns a grid-family store with cols panes, leftmost first.
func NewGrid(cols int) *Store {
	if cols < 1 {
		cols = 1
	}
	s := &Store{
		tabs: map[string]*model.Tab{},
		max:  model.MaxTabsPerPane,
		grid: true,
	}
	for i := 0; i < cols; i++ {
		s.panes = append(s.panes, &pane{id: model.GridPaneID(i)})
	}
	return s
}

// HomePaneID is the designated merge target: primary, or the leftmost grid
// pane.
func (s *Store) HomePaneID() string {
	return s.panes[0].id
}

func (s *Store) SplitEnabled() bool {
	return s.split
}

// CreateTab appends a new tab to the pane and makes it active.
func (s *Store) CreateTab(paneID, name string) (model.Tab, error) {
	return s.CreateTabWithID(paneID, uuid.NewString(), name)
}

// CreateTabWithID is CreateTab with a caller-supplied id, for callers that
// must know the id before the mutation runs.
func (s *Store) CreateTabWithID(paneID, id, name string) (model.Tab, error) {
	p := s.pane(paneID)
	if p == nil {
		return model.Tab{}, ErrPaneNotFound
	}
	if len(p.tabIDs) >= s.max {
		return model.Tab{}, ErrCapacityExceeded
	}
	if _, exists := s.tabs[id]; exists {
		return model.Tab{}, fmt.Errorf("tab %s already placed", id)
	}
	tab := model.Tab{ID: id, Name: name}
	s.tabs[tab.ID] = &tab
	p.tabIDs = append(p.tabIDs, tab.ID)
	p.active = tab.ID
	return tab, nil
}

// AdoptTab places a tab learned from canonical state without changing the
// active pointer unless the pane was empty. The per-pane cap binds local
// creation only; canonical tabs are never dropped, so adoption may overflow
// it.
func (s *Store) AdoptTab(paneID string, tab model.Tab) error {
	p := s.pane(paneID)
	if p == nil {
		return ErrPaneNotFound
	}
	if _, exists := s.tabs[tab.ID]; exists {
		return fmt.Errorf("tab %s already placed", tab.ID)
	}
	copied := tab
	s.tabs[tab.ID] = &copied
	p.tabIDs = append(p.tabIDs, tab.ID)
	if p.active == "" {
		p.active = tab.ID
	}
	return nil
}

// CloseTab removes a tab from its pane, repairs the active pointer, and
// merges away an emptied non-home pane.
func (s *Store) CloseTab(paneID, tabID string) error {
	p := s.pane(paneID)
	if p == nil {
		return ErrPaneNotFound
	}
	if !p.remove(tabID) {
		return ErrTabNotFound
	}
	delete(s.tabs, tabID)
	s.normalize()
	return nil
}

// RemoveTab deletes a tab wherever it is held. Used by reconciliation for
// canonical removals; unknown ids are a no-op.
func (s *Store) RemoveTab(tabID string) {
	for _, p := range s.panes {
		if p.remove(tabID) {
			break
		}
	}
	delete(s.tabs, tabID)
	s.normalize()
}

func (s *Store) SwitchActive(paneID, tabID string) error {
	p := s.pane(paneID)
	if p == nil {
		return ErrPaneNotFound
	}
	if !p.contains(tabID) {
		return ErrTabNotFound
	}
	p.active = tabID
	return nil
}

// MoveTab relocates a tab between panes, inserting at index. Moves across
// pane families are a deliberate no-op.
func (s *Store) MoveTab(fromID, toID, tabID string, index int) error {
	if model.PaneFamilyOf(fromID) != model.PaneFamilyOf(toID) {
		return nil
	}
	from := s.pane(fromID)
	to := s.pane(toID)
	if from == nil || to == nil {
		return ErrPaneNotFound
	}
	if !from.contains(tabID) {
		return ErrTabNotFound
	}
	if from != to && len(to.tabIDs) >= s.max {
		return ErrCapacityExceeded
	}
	from.remove(tabID)
	if index < 0 {
		index = 0
	}
	if index > len(to.tabIDs) {
		index = len(to.tabIDs)
	}
	to.tabIDs = append(to.tabIDs[:index], append([]string{tabID}, to.tabIDs[index:]...)...)
	if to.active == "" {
		to.active = tabID
	}
	s.normalize()
	return nil
}

// ReorderTab moves the tab at position from to position to within a pane.
func (s *Store) ReorderTab(paneID string, from, to int) error {
	p := s.pane(paneID)
	if p == nil {
		return ErrPaneNotFound
	}
	if from < 0 || from >= len(p.tabIDs) || to < 0 || to >= len(p.tabIDs) {
		return fmt.Errorf("tabstore: reorder index out of range")
	}
	id := p.tabIDs[from]
	p.tabIDs = append(p.tabIDs[:from], p.tabIDs[from+1:]...)
	p.tabIDs = append(p.tabIDs[:to], append([]string{id}, p.tabIDs[to:]...)...)
	return nil
}

func (s *Store) RenameTab(tabID, name string) error {
	tab, ok := s.tabs[tabID]
	if !ok {
		return ErrTabNotFound
	}
	tab.Name = name
	return nil
}

// SetTabSession binds or corrects a tab's session id. Clearing a non-empty
// binding is ignored: session ids are monotonic while the tab exists.
func (s *Store) SetTabSession(tabID, sessionID string) error {
	tab, ok := s.tabs[tabID]
	if !ok {
		return ErrTabNotFound
	}
	if sessionID == "" && tab.SessionID != "" {
		return nil
	}
	tab.SessionID = sessionID
	return nil
}

// EnableSplit opens the secondary pane with exactly one new tab in it.
func (s *Store) EnableSplit(name string) (model.Tab, error) {
	if s.grid {
		return model.Tab{}, fmt.Errorf("tabstore: split unavailable in grid family")
	}
	if s.split {
		return model.Tab{}, fmt.Errorf("tabstore: split already enabled")
	}
	s.panes = append(s.panes, &pane{id: model.PaneSecondary})
	s.split = true
	tab, err := s.CreateTab(model.PaneSecondary, name)
	if err != nil {
		s.panes = s.panes[:1]
		s.split = false
		return model.Tab{}, err
	}
	return tab, nil
}

// DisableSplit merges the secondary pane back into primary: primary tabs
// first, then secondary tabs, order preserved. Active becomes the prior
// primary active, else the first tab.
func (s *Store) DisableSplit() {
	if !s.split {
		return
	}
	primary := s.pane(model.PanePrimary)
	secondary := s.pane(model.PaneSecondary)
	if primary == nil {
		// A partial layout can leave split mode with no primary record.
		primary = &pane{id: model.PanePrimary}
	}
	if secondary != nil {
		primary.tabIDs = append(primary.tabIDs, secondary.tabIDs...)
	}
	if primary.active == "" && len(primary.tabIDs) > 0 {
		primary.active = primary.tabIDs[0]
	}
	s.panes = []*pane{primary}
	s.split = false
}

// CollapseGrid drops the rightmost grid pane, appending its tabs to the new
// rightmost pane. The last remaining pane cannot be collapsed.
func (s *Store) CollapseGrid() error {
	if !s.grid {
		return fmt.Errorf("tabstore: not a grid store")
	}
	if len(s.panes) <= 1 {
		return fmt.Errorf("tabstore: cannot collapse last pane")
	}
	removed := s.panes[len(s.panes)-1]
	target := s.panes[len(s.panes)-2]
	target.tabIDs = append(target.tabIDs, removed.tabIDs...)
	if target.active == "" && len(target.tabIDs) > 0 {
		target.active = target.tabIDs[0]
	}
	s.panes = s.panes[:len(s.panes)-1]
	return nil
}

// ExpandGrid appends one empty pane on the right.
func (s *Store) ExpandGrid() error {
	if !s.grid {
		return fmt.Errorf("tabstore: not a grid store")
	}
	s.panes = append(s.panes, &pane{id: model.GridPaneID(len(s.panes))})
	return nil
}

// FirstPaneWithCapacity is the deterministic default placement for tabs
// learned from canonical state.
func (s *Store) FirstPaneWithCapacity() string {
	for _, p := range s.panes {
		if len(p.tabIDs) < s.max {
			return p.id
		}
	}
	return s.HomePaneID()
}

// Tab returns a copy of the tab.
func (s *Store) Tab(tabID string) (model.Tab, bool) {
	tab, ok := s.tabs[tabID]
	if !ok {
		return model.Tab{}, false
	}
	return *tab, true
}

// Panes returns a snapshot of the pane layout.
func (s *Store) Panes() []model.Pane {
	out := make([]model.Pane, 0, len(s.panes))
	for _, p := range s.panes {
		ids := make([]string, len(p.tabIDs))
		copy(ids, p.tabIDs)
		out = append(out, model.Pane{ID: p.id, TabIDs: ids, ActiveTabID: p.active})
	}
	return out
}

// FlattenedTabIDs returns every known tab id in pane order.
func (s *Store) FlattenedTabIDs() []string {
	var out []string
	for _, p := range s.panes {
		out = append(out, p.tabIDs...)
	}
	return out
}

// PaneOf returns the pane currently holding the tab.
func (s *Store) PaneOf(tabID string) (string, bool) {
	for _, p := range s.panes {
		if p.contains(tabID) {
			return p.id, true
		}
	}
	return "", false
}

// Rehydrate replaces the structure from persisted layout. Unknown or
// malformed entries are skipped; the result is normalized.
func (s *Store) Rehydrate(panes []model.Pane, tabs []model.Tab) {
	byID := map[string]model.Tab{}
	for _, tab := range tabs {
		if tab.ID != "" {
			byID[tab.ID] = tab
		}
	}
	s.tabs = map[string]*model.Tab{}
	s.panes = nil
	s.split = false
	for _, p := range panes {
		if s.grid != (model.PaneFamilyOf(p.ID) == model.FamilyGrid) {
			continue
		}
		np := &pane{id: p.ID}
		for _, tabID := range p.TabIDs {
			tab, ok := byID[tabID]
			if !ok {
				continue
			}
			if _, dup := s.tabs[tabID]; dup {
				continue
			}
			copied := tab
			s.tabs[tabID] = &copied
			np.tabIDs = append(np.tabIDs, tabID)
		}
		if p.ActiveTabID != "" && np.contains(p.ActiveTabID) {
			np.active = p.ActiveTabID
		} else if len(np.tabIDs) > 0 {
			np.active = np.tabIDs[0]
		}
		s.panes = append(s.panes, np)
		if np.id == model.PaneSecondary {
			s.split = true
		}
	}
	if !s.grid && s.pane(model.PanePrimary) == nil {
		// Split mode without a primary record cannot stand; the home pane
		// always exists.
		s.panes = append([]*pane{{id: model.PanePrimary}}, s.panes...)
	}
	if s.grid && len(s.panes) == 0 {
		s.panes = []*pane{{id: model.GridPaneID(0)}}
	}
	s.normalize()
}

func (s *Store) pane(id string) *pane {
	for _, p := range s.panes {
		if p.id == id {
			return p
		}
	}
	return nil
}

// normalize merges away empty non-home panes. A split secondary with no
// tabs disables split mode; an empty grid pane is removed and the panes to
// its right renumbered.
func (s *Store) normalize() {
	if s.split {
		secondary := s.pane(model.PaneSecondary)
		if secondary != nil && len(secondary.tabIDs) == 0 {
			s.DisableSplit()
		}
	}
	if s.grid {
		kept := s.panes[:0]
		for _, p := range s.panes {
			if len(p.tabIDs) == 0 && p != s.panes[0] {
				continue
			}
			kept = append(kept, p)
		}
		s.panes = kept
		for i, p := range s.panes {
			p.id = model.GridPaneID(i)
		}
	}
}

func (p *pane) contains(tabID string) bool {
	for _, id := range p.tabIDs {
		if id == tabID {
			return true
		}
	}
	return false
}

func (p *pane) remove(tabID string) bool {
	for i, id := range p.tabIDs {
		if id != tabID {
			continue
		}
		p.tabIDs = append(p.tabIDs[:i], p.tabIDs[i+1:]...)
		if p.active == tabID {
			if len(p.tabIDs) > 0 {
				p.active = p.tabIDs[0]
			} else {
				p.active = ""
			}
		}
		return true
	}
	return false
}
