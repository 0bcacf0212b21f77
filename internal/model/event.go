package model

import (
	"encoding/json"
	"time"
)

// EventType classifies messages on a per-operation event stream. The set is
// closed; consumers dispatch exhaustively and drop anything else as
// malformed.
type EventType string

const (
	EventStatus   EventType = "status"   // partial session state, merged into the store
	EventProgress EventType = "progress" // operation stage narration, merged into the store
	EventComplete EventType = "complete" // terminal: operation finished (ok or not)
	EventError    EventType = "error"    // terminal: backend-reported failure
)

// Valid reports whether the type is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventStatus, EventProgress, EventComplete, EventError:
		return true
	}
	return false
}

// StreamEvent is one message on a per-operation event stream. Payload shape
// depends on Type; Timestamp orders the event relative to poll snapshots.
type StreamEvent struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatusPayload is the payload of a "status" event: a partial session
// update for the stream's key.
type StatusPayload = SessionUpdate

// ProgressPayload is the payload of a "progress" event.
type ProgressPayload struct {
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// CompletePayload is the payload of a "complete" event. OK distinguishes a
// successful completion from a completed-with-failure.
type CompletePayload struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload is the payload of an "error" event. CredentialSetup flags the
// distinguished "credentials/setup needed" case so callers can redirect to a
// remediation flow instead of a generic retry.
type ErrorPayload struct {
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	CredentialSetup bool   `json:"credential_setup,omitempty"`
}
