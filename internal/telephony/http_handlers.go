package telephony

import (
	"context"
	"net/http"

	"callrelay/internal/calls"
	"callrelay/pkg/logger"

	"github.com/gin-gonic/gin"
)

// StatusSink consumes carrier lifecycle notifications.
type StatusSink interface {
	Apply(ctx context.Context, callID string, to calls.State) bool
}

// StatusCallbackHandler converts the Twilio status callback to a session
// transition. Unknown statuses and calls are acknowledged and dropped: any
// non-2xx answer makes the carrier redeliver.
type StatusCallbackHandler struct {
	Sink StatusSink
}

func (h StatusCallbackHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status sink not configured"})
		return
	}

	form, err := ParseTwilioStatusCallback(c.Request)
	if err != nil {
		log.Warn("twilio status parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	if form.CallSid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "CallSid required"})
		return
	}

	state, ok := MapCallStatus(form.CallStatus)
	if !ok {
		log.Info("twilio status ignored", "call_id", form.CallSid, "call_status", form.CallStatus)
		c.Status(http.StatusNoContent)
		return
	}
	if form.ErrorCode != "" {
		log.Warn("twilio reported call error", "call_id", form.CallSid, "error_code", form.ErrorCode)
	}

	h.Sink.Apply(c.Request.Context(), form.CallSid, state)
	c.Status(http.StatusNoContent)
}
