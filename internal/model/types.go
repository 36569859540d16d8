package model

import (
	"strconv"
	"time"
)

// PaneFamily groups pane ids that tabs may move between. Moves across
// families are rejected as no-ops by the store.
type PaneFamily string

const (
	FamilySplit PaneFamily = "split"
	FamilyGrid  PaneFamily = "grid"
)

// Fixed pane namespace for split mode.
const (
	PanePrimary   = "primary"
	PaneSecondary = "secondary"
)

// GridPanePrefix plus a zero-based column index names a grid pane
// ("grid-0", "grid-1", ...).
const GridPanePrefix = "grid-"

// MaxTabsPerPane bounds a single pane. CreateTab rejects beyond this.
const MaxTabsPerPane = 10

// Tab is one terminal tab. The id is client-generated and globally unique.
// SessionID stays empty until an attachment confirms a remote session, and
// once set by the server it is corrected but never reverted to empty while
// the tab exists remotely.
type Tab struct {
	ID        string
	Name      string
	SessionID string
}

// Pane is an ordered list of tabs plus the active pointer. Pane membership
// is a per-client layout decision and is never shared with the server.
type Pane struct {
	ID          string
	TabIDs      []string
	ActiveTabID string
}

// Session is the server-owned view of a remote long-lived process. Clients
// hold only the id.
type Session struct {
	ID            string
	Cols          int
	Rows          int
	HasScrollback bool
	CreatedAt     time.Time
}

// CanonicalTab is one entry in the server-held canonical tab list. It has
// no notion of panes.
type CanonicalTab struct {
	ID        string
	Name      string
	SessionID string
	Position  int
	UpdatedAt time.Time
}

// AttachState is the lifecycle of a tab's binding to a remote session.
type AttachState string

const (
	AttachUnattached  AttachState = "unattached"
	AttachAttaching   AttachState = "attaching"
	AttachAttached    AttachState = "attached"
	AttachReattaching AttachState = "reattaching"
	AttachDetached    AttachState = "detached"
)

// Error codes carried on the wire and in RequestError values.
const (
	ErrCodeCapacityExceeded   = "E_CAPACITY_EXCEEDED"
	ErrCodeTransportDown      = "E_TRANSPORT_UNAVAILABLE"
	ErrCodeSessionUnknown     = "E_SESSION_UNKNOWN"
	ErrCodeTabNotFound        = "E_TAB_NOT_FOUND"
	ErrCodePaneNotFound       = "E_PANE_NOT_FOUND"
	ErrCodeInvalidFrame       = "E_PROTOCOL_INVALID_FRAME"
	ErrCodeUnsupportedVersion = "E_PROTOCOL_UNSUPPORTED_VERSION"
	ErrCodeInternal           = "E_INTERNAL"
)

// PaneFamilyOf classifies a pane id. Unknown ids are treated as split so a
// bad move degrades to a no-op rather than corrupting a grid.
func PaneFamilyOf(paneID string) PaneFamily {
	if len(paneID) > len(GridPanePrefix) && paneID[:len(GridPanePrefix)] == GridPanePrefix {
		return FamilyGrid
	}
	return FamilySplit
}

// GridPaneID returns the pane id for a zero-based grid column.
func GridPaneID(col int) string {
	if col < 0 {
		col = 0
	}
	return GridPanePrefix + strconv.Itoa(col)
}
