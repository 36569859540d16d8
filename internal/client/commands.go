package client

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/tabsync/tabsync/internal/model"
	"github.com/tabsync/tabsync/internal/pipeline"
	"github.com/tabsync/tabsync/internal/protocol"
)

// User-facing commands. Each posts onto the event loop and returns
// immediately; results surface through the store and OnStatus.

// CreateTab adds a tab locally, reserves its placement for the canonical
// echo, and proposes the creation to the server. Reconciliation is
// suspended long enough for the echo to come back, so a stale broadcast
// cannot revert the tab mid-creation. The returned id is valid only once
// the posted mutation has run; a rejection (a full pane, say) surfaces
// through OnError and the id never enters the store.
func (c *Client) CreateTab(paneID, name string) string {
	id := uuid.NewString()
	c.Do(func() {
		tab, err := c.store.CreateTabWithID(paneID, id, name)
		if err != nil {
			c.fail("create tab", err)
			return
		}
		c.engine.ReservePlacement(tab.ID, paneID)
		c.engine.Suspend(time.Now(), c.cfg.ReconcileSuspend)
		c.sendMutation(protocol.TypeTabCreate, protocol.TabCreatePayload{ID: tab.ID, Name: tab.Name})
		c.persistLayout()
	})
	return id
}

// CloseTab detaches the tab's session under the dwell policy, removes it
// locally, and proposes the close.
func (c *Client) CloseTab(tabID string) {
	c.Do(func() {
		paneID, ok := c.store.PaneOf(tabID)
		if !ok {
			return
		}
		if err := c.atts.Detach(tabID); err != nil {
			c.logf("detach %s: %v", tabID, err)
		}
		if err := c.store.CloseTab(paneID, tabID); err != nil {
			c.logf("close tab: %v", err)
			return
		}
		c.engine.Suspend(time.Now(), c.cfg.ReconcileSuspend)
		c.sendMutation(protocol.TypeTabClose, protocol.TabClosePayload{TabID: tabID})
		c.persistLayout()
	})
}

func (c *Client) RenameTab(tabID, name string) {
	c.Do(func() {
		if err := c.store.RenameTab(tabID, name); err != nil {
			return
		}
		c.sendMutation(protocol.TypeTabRename, protocol.TabRenamePayload{TabID: tabID, NewName: name})
		c.persistLayout()
	})
}

func (c *Client) SwitchActive(paneID, tabID string) {
	c.Do(func() {
		if err := c.store.SwitchActive(paneID, tabID); err != nil {
			return
		}
		c.persistLayout()
	})
}

func (c *Client) MoveTab(fromPane, toPane, tabID string, index int) {
	c.Do(func() {
		if err := c.store.MoveTab(fromPane, toPane, tabID, index); err != nil {
			c.logf("move tab: %v", err)
			return
		}
		c.persistLayout()
	})
}

func (c *Client) ReorderTab(paneID string, from, to int) {
	c.Do(func() {
		if err := c.store.ReorderTab(paneID, from, to); err != nil {
			return
		}
		c.persistLayout()
	})
}

// ToggleSplit opens the secondary pane with one fresh tab, or merges it
// back into primary. Opening emits a create command, so it carries the
// same reconciliation suspension as CreateTab; merging is purely local.
func (c *Client) ToggleSplit() {
	c.Do(func() {
		if c.store.SplitEnabled() {
			c.store.DisableSplit()
			c.persistLayout()
			return
		}
		tab, err := c.store.EnableSplit("Terminal")
		if err != nil {
			c.fail("split", err)
			return
		}
		c.engine.ReservePlacement(tab.ID, model.PaneSecondary)
		c.engine.Suspend(time.Now(), c.cfg.ReconcileSuspend)
		c.sendMutation(protocol.TypeTabCreate, protocol.TabCreatePayload{ID: tab.ID, Name: tab.Name})
		c.persistLayout()
	})
}

// AttachTab binds a rendering surface to a tab and starts the attachment,
// resuming the tab's remembered session when it has one.
func (c *Client) AttachTab(tabID string, surface pipeline.Surface, cols, rows int) {
	c.Do(func() {
		tab, ok := c.store.Tab(tabID)
		if !ok {
			c.logf("attach: unknown tab %s", tabID)
			return
		}
		pipe := c.pipelineFor(tabID)
		if err := pipe.SetSurface(surface); err != nil {
			c.logf("surface %s: %v", tabID, err)
			return
		}
		if _, err := c.atts.Attach(tabID, tab.SessionID, cols, rows, pipe); err != nil {
			c.logf("attach %s: %v", tabID, err)
		}
	})
}

// DetachTab tears down the tab's attachment, leaving the session alive
// unless the dwell policy says otherwise.
func (c *Client) DetachTab(tabID string) {
	c.Do(func() {
		if err := c.atts.Detach(tabID); err != nil {
			c.logf("detach %s: %v", tabID, err)
		}
	})
}

// SendInput forwards keystrokes for an attached tab. Input during a
// disconnect is dropped, not queued.
func (c *Client) SendInput(tabID string, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	c.Do(func() {
		if _, ok := c.atts.Get(tabID); !ok {
			return
		}
		c.send(protocol.TypeTerminalInput, "", protocol.TerminalInputPayload{
			TerminalID:  tabID,
			BytesBase64: encoded,
		})
	})
}

// LocalResize reports a surface-driven size change. The pipeline holds it
// back while an authoritative resize is settling.
func (c *Client) LocalResize(tabID string, cols, rows int) {
	c.Do(func() {
		a, ok := c.atts.Get(tabID)
		if !ok || a.Pipeline() == nil {
			return
		}
		a.Pipeline().LocalResize(cols, rows)
	})
}
