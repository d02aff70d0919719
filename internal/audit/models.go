package audit

import "time"

// Event is an immutable record of something that happened to a call.
//
// Invariants:
// - Events are never updated.
// - call_id is required.
// - actor ip capture is best-effort; audit failures never block call flows.
type Event struct {
	ID     string    `json:"id"`
	CallID string    `json:"call_id"`
	Type   EventType `json:"type"`

	// IPAddress is the resolved client IP of the operator, when the event
	// came from the operator API.
	IPAddress string `json:"ip_address,omitempty"`

	Sequence *int64 `json:"sequence,omitempty"`
	State    string `json:"state,omitempty"`
	Message  string `json:"message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type EventType string

const (
	EventTypeCallStarted EventType = "call_started"
	EventTypeTextPushed  EventType = "text_pushed"
	EventTypeCallEnded   EventType = "call_ended"
)
