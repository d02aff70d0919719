package telephony

import (
	"net/http"
	"strings"

	"callrelay/internal/calls"
)

// TwilioStatusForm captures the status-callback fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
type TwilioStatusForm struct {
	CallSid        string
	AccountSid     string
	CallStatus     string
	From           string
	To             string
	Direction      string
	CallDuration   string
	SequenceNumber string
	Timestamp      string
	ErrorCode      string
}

func ParseTwilioStatusCallback(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	return TwilioStatusForm{
		CallSid:        strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid:     r.PostFormValue("AccountSid"),
		CallStatus:     strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus"))),
		From:           strings.TrimSpace(r.PostFormValue("From")),
		To:             strings.TrimSpace(r.PostFormValue("To")),
		Direction:      r.PostFormValue("Direction"),
		CallDuration:   r.PostFormValue("CallDuration"),
		SequenceNumber: r.PostFormValue("SequenceNumber"),
		Timestamp:      r.PostFormValue("Timestamp"),
		ErrorCode:      r.PostFormValue("ErrorCode"),
	}, nil
}

// MapCallStatus translates a Twilio CallStatus into a session state.
// ok is false for statuses we do not act on.
func MapCallStatus(status string) (calls.State, bool) {
	switch strings.ToLower(status) {
	case "queued", "initiated":
		return calls.StateInitiated, true
	case "ringing":
		return calls.StateRinging, true
	case "in-progress", "answered":
		return calls.StateConnected, true
	case "completed":
		return calls.StateCompleted, true
	case "busy", "no-answer", "failed", "canceled":
		return calls.StateFailed, true
	default:
		return "", false
	}
}
