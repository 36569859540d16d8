package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	SchemaVersion  = "tabsync.v1"
	DefaultMaxSize = 4 << 20 // 4 MiB, history replies are bulky
)

var (
	ErrInvalidMessage  = errors.New("protocol: invalid message")
	ErrMessageTooLarge = errors.New("protocol: message too large")
	ErrUnsupportedVers = errors.New("protocol: unsupported schema version")
)

// Message types carried on the channel. Tab messages mutate or mirror the
// canonical tab list; terminal messages bind and stream sessions.
const (
	TypeTabsRequest    = "tabs:request"
	TypeTabsSync       = "tabs:sync"
	TypeTabCreate      = "tab:create"
	TypeTabClose       = "tab:close"
	TypeTabRename      = "tab:rename"
	TypeTabSetSession  = "tab:set-session"
	TypeSessionUpdated = "tab:session-updated"

	TypeTerminalCreate     = "terminal:create"
	TypeTerminalCreated    = "terminal:created"
	TypeTerminalInput      = "terminal:input"
	TypeTerminalOutput     = "terminal:output"
	TypeTerminalResize     = "terminal:resize"
	TypeTerminalDimensions = "terminal:dimensions"
	TypeTerminalHistoryReq = "terminal:request-history"
	TypeTerminalHistory    = "terminal:history"
	TypeTerminalClose      = "terminal:close"

	TypeError = "error"
)

// Envelope wraps every message on the channel. Seq is per-sender and
// strictly increasing; the websocket already guarantees ordering, the seq
// exists for log correlation.
type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	Type          string          `json:"type"`
	Seq           uint64          `json:"seq"`
	SentAt        time.Time       `json:"sent_at"`
	RequestID     string          `json:"request_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(msgType string, seq uint64, requestID string, payload any) (Envelope, error) {
	if strings.TrimSpace(msgType) == "" {
		return Envelope{}, fmt.Errorf("%w: type is required", ErrInvalidMessage)
	}
	var body json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
		body = b
	}
	return Envelope{
		SchemaVersion: SchemaVersion,
		Type:          strings.TrimSpace(msgType),
		Seq:           seq,
		SentAt:        time.Now().UTC(),
		RequestID:     strings.TrimSpace(requestID),
		Payload:       body,
	}, nil
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.SchemaVersion) != SchemaVersion {
		return ErrUnsupportedVers
	}
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidMessage)
	}
	return nil
}

func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// Encode marshals an envelope for a single websocket text message.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if len(body) > DefaultMaxSize {
		return nil, ErrMessageTooLarge
	}
	return body, nil
}

// Decode parses one websocket text message into an envelope.
func Decode(data []byte) (Envelope, error) {
	if len(data) > DefaultMaxSize {
		return Envelope{}, ErrMessageTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode message: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// TabInfo is one canonical tab as broadcast by the server.
type TabInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SessionID string `json:"session_id,omitempty"`
	Position  int    `json:"position"`
}

// TabsSyncPayload is the complete canonical snapshot. LastModified is the
// revision marker, unix milliseconds, monotonic per server.
type TabsSyncPayload struct {
	Tabs         []TabInfo `json:"tabs"`
	LastModified int64     `json:"last_modified"`
}

type TabCreatePayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type TabClosePayload struct {
	TabID string `json:"tab_id"`
}

type TabRenamePayload struct {
	TabID   string `json:"tab_id"`
	NewName string `json:"new_name"`
}

type TabSetSessionPayload struct {
	TabID     string `json:"tab_id"`
	SessionID string `json:"session_id"`
}

type SessionUpdatedPayload struct {
	TabID     string `json:"tab_id"`
	SessionID string `json:"session_id"`
}

// TerminalCreatePayload requests create-or-resume. SessionID, when set, asks
// the registry to resume that session; the registry substitutes a fresh one
// if the id is unknown.
type TerminalCreatePayload struct {
	TerminalID string `json:"terminal_id"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
	SessionID  string `json:"session_id,omitempty"`
}

// TerminalCreatedPayload always carries the authoritative session id.
// Restored is false when the requested session was unknown and a fresh one
// was substituted.
type TerminalCreatedPayload struct {
	TerminalID string `json:"terminal_id"`
	SessionID  string `json:"session_id"`
	Restored   bool   `json:"restored"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

type TerminalInputPayload struct {
	TerminalID  string `json:"terminal_id"`
	BytesBase64 string `json:"bytes_base64"`
}

type TerminalOutputPayload struct {
	TerminalID  string `json:"terminal_id"`
	SessionID   string `json:"session_id"`
	BytesBase64 string `json:"bytes_base64"`
}

type TerminalResizePayload struct {
	TerminalID string `json:"terminal_id"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// TerminalDimensionsPayload is the server's authoritative geometry for a
// terminal, consumed by the client resize barrier.
type TerminalDimensionsPayload struct {
	TerminalID string `json:"terminal_id"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

type TerminalHistoryRequestPayload struct {
	TerminalID string `json:"terminal_id"`
	SessionID  string `json:"session_id"`
}

type TerminalHistoryPayload struct {
	TerminalID  string `json:"terminal_id"`
	SessionID   string `json:"session_id"`
	BytesBase64 string `json:"bytes_base64"`
}

// TerminalClosePayload detaches a terminal. DestroySession additionally
// kills the remote session; the attachment layer sets it only when it owns
// the session and the creation dwell time has elapsed.
type TerminalClosePayload struct {
	TerminalID     string `json:"terminal_id"`
	SessionID      string `json:"session_id,omitempty"`
	DestroySession bool   `json:"destroy_session,omitempty"`
}

type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}
