package calls

import "time"

// State is the lifecycle state of a call session.
//
// Forward order: initiated -> ringing -> connected -> streaming -> completed.
// failed is reachable from every non-terminal state.
type State string

const (
	StateInitiated State = "initiated"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s State) rank() int {
	switch s {
	case StateInitiated:
		return 0
	case StateRinging:
		return 1
	case StateConnected:
		return 2
	case StateStreaming:
		return 3
	case StateCompleted, StateFailed:
		return 4
	default:
		return -1
	}
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool { return s.rank() >= 0 }

// TextChunk is one unit of operator text. It is immutable once created.
//
// Sequence 0 is reserved for the initial text given at call start; operator
// pushes are numbered from 1 without gaps.
type TextChunk struct {
	Sequence    int64     `json:"sequence"`
	Text        string    `json:"text"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// SessionInfo is a point-in-time copy of a session's observable fields.
type SessionInfo struct {
	CallID         string    `json:"call_id"`
	State          State     `json:"state"`
	QueueDepth     int       `json:"queue_depth"`
	Attached       bool      `json:"attached"`
	NextSequence   int64     `json:"next_sequence"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	// Discarded counts chunks dropped undelivered when the session ended.
	Discarded int `json:"discarded,omitempty"`
}
