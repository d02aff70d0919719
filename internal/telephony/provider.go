package telephony

import (
	"context"
)

// CallPlacer is the carrier boundary used by business logic to start calls.
//
// Rules:
// - No carrier REST calls outside telephony adapters.
// - PlaceCall issues exactly one request and never retries; carriers bill per attempt.
type CallPlacer interface {
	Name() string
	HealthCheck(ctx context.Context) error

	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlacedCall, error)
}

// PlaceCallRequest describes one outbound call.
type PlaceCallRequest struct {
	// To and From are E.164.
	To   string `json:"to"`
	From string `json:"from"`

	// ControlDocument is the inline call-control document (TwiML).
	ControlDocument string `json:"control_document"`

	// StatusCallbackURL receives lifecycle notifications for the call.
	StatusCallbackURL string `json:"status_callback_url,omitempty"`
}

// PlacedCall is the carrier's acknowledgement of a placed call.
type PlacedCall struct {
	// CallID is the carrier-assigned identifier (Twilio CallSid).
	CallID string `json:"call_id"`
	Status string `json:"status"`
}
