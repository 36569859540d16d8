package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tabsync/tabsync/internal/model"
)

// ErrCorrupt marks a layout file that exists but cannot be decoded. Callers
// log it and continue with a fresh layout.
var ErrCorrupt = errors.New("persist: layout file corrupt")

const layoutFile = "layout.json"

// Layout is the client's persisted pane/tab structure plus a flat
// tab-to-session map, so a restarted client resumes sessions instead of
// creating new ones.
type Layout struct {
	Panes       []model.Pane      `json:"panes"`
	Tabs        []model.Tab       `json:"tabs"`
	TabSessions map[string]string `json:"tabSessions,omitempty"`
	SavedAt     time.Time         `json:"savedAt"`
}

// Store writes layouts under a state directory, overwriting on every save.
type Store struct {
	dir string
}

func NewStore(stateDir string) *Store {
	return &Store{dir: stateDir}
}

func (s *Store) Path() string {
	return filepath.Join(s.dir, layoutFile)
}

// Save writes the layout atomically: temp file in the same directory, then
// rename over the previous one.
func (s *Store) Save(layout Layout) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	layout.SavedAt = time.Now().UTC()
	if layout.TabSessions == nil {
		layout.TabSessions = map[string]string{}
		for _, tab := range layout.Tabs {
			if tab.SessionID != "" {
				layout.TabSessions[tab.ID] = tab.SessionID
			}
		}
	}
	data, err := json.MarshalIndent(layout, "", "  ")
	if err != nil {
		return fmt.Errorf("encode layout: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, layoutFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp layout: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod layout: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write layout: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close layout: %w", err)
	}
	if err := os.Rename(tmpName, s.Path()); err != nil {
		return fmt.Errorf("replace layout: %w", err)
	}
	return nil
}

// Load reads the persisted layout. A missing file returns an empty layout
// and no error; an undecodable file returns an empty layout and ErrCorrupt.
func (s *Store) Load() (Layout, error) {
	data, err := os.ReadFile(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return Layout{}, nil
	}
	if err != nil {
		return Layout{}, fmt.Errorf("read layout: %w", err)
	}
	var layout Layout
	if err := json.Unmarshal(data, &layout); err != nil {
		return Layout{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	// The flat map is authoritative for bindings written by other versions
	// of the document; merge it into the tabs.
	for i, tab := range layout.Tabs {
		if tab.SessionID == "" {
			if sessionID, ok := layout.TabSessions[tab.ID]; ok {
				layout.Tabs[i].SessionID = sessionID
			}
		}
	}
	return layout, nil
}
