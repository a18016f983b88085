package domain

import (
	"encoding/json"
	"time"
)

// Event types emitted by the agent.
const (
	EventSessionRegistered  = "session_registered"
	EventSessionAdopted     = "session_adopted"
	EventSessionEnded       = "session_ended"
	EventNewSessionDetected = "new_session_detected"
	EventSessionTerminated  = "session_terminated"
	EventPresenceChanged    = "presence_changed"
	EventRPC                = "grpc_request"
)

// Event is a telemetry event scoped to a user and optionally a device and session.
type Event struct {
	UserID    string          `json:"userId,omitempty"`
	DeviceID  string          `json:"deviceId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	EventType string          `json:"eventType"`
	Source    string          `json:"source,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// WithMetadata returns a copy of e with v marshalled as metadata. Unmarshalable values leave metadata empty.
func (e Event) WithMetadata(v any) Event {
	raw, err := json.Marshal(v)
	if err == nil {
		e.Metadata = raw
	}
	return e
}
