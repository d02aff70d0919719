package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"callrelay/internal/audit"
	"callrelay/internal/calls"
	"callrelay/internal/dispatch"
	"callrelay/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups the operator-facing HTTP handlers.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Dispatcher CallStarter
	Submitter  TextPusher
	Sessions   SessionLookup
	Tokens     TokenIssuer

	// Audit is optional.
	Audit *audit.Service

	Now func() time.Time
}

type CallStarter interface {
	StartCall(ctx context.Context, to, initialText string) (string, error)
}

type TextPusher interface {
	Push(ctx context.Context, callID, text string) (int64, error)
}

type SessionLookup interface {
	Get(callID string) (*calls.CallSession, error)
}

type TokenIssuer interface {
	IssueVoiceToken(now time.Time, identity string) (string, error)
}

// --- Calls ---

type startCallRequest struct {
	To          string `json:"to"`
	InitialText string `json:"initial_text"`
}

// StartCall places an outbound call: {to, initial_text?} -> {call_id}.
func (h Handlers) StartCall(c *gin.Context) {
	if h.Dispatcher == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatcher not configured"})
		return
	}
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	callID, err := h.Dispatcher.StartCall(c.Request.Context(), req.To, req.InitialText)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.Audit != nil {
		h.Audit.LogCallStarted(c.Request.Context(), callID, c.ClientIP(), req.To)
	}
	c.JSON(http.StatusCreated, gin.H{"call_id": callID})
}

type legacyCallRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// LegacyCall answers /call with the status/call_sid envelope older clients expect.
func (h Handlers) LegacyCall(c *gin.Context) {
	if h.Dispatcher == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatcher not configured"})
		return
	}
	var req legacyCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid json"})
		return
	}
	callID, err := h.Dispatcher.StartCall(c.Request.Context(), req.To, req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.Audit != nil {
		h.Audit.LogCallStarted(c.Request.Context(), callID, c.ClientIP(), req.To)
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "success",
		"call_sid": callID,
		"call_id":  callID,
		"message":  "call initiated",
	})
}

type pushTextRequest struct {
	CallID string `json:"call_id"`
	Text   string `json:"text"`
}

// PushText queues operator text: {call_id, text} -> {sequence}.
func (h Handlers) PushText(c *gin.Context) {
	if h.Submitter == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "submitter not configured"})
		return
	}
	var req pushTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if p := c.Param("call_id"); p != "" {
		req.CallID = p
	}
	if req.CallID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}
	seq, err := h.Submitter.Push(c.Request.Context(), req.CallID, req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.Audit != nil {
		h.Audit.LogTextPushed(c.Request.Context(), req.CallID, c.ClientIP(), seq)
	}
	c.JSON(http.StatusAccepted, gin.H{"call_id": req.CallID, "sequence": seq})
}

// GetCall reports a session's current state and queue depth.
func (h Handlers) GetCall(c *gin.Context) {
	if h.Sessions == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "registry not configured"})
		return
	}
	sess, err := h.Sessions.Get(c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

// CallEvents lists the retained audit trail for a call.
func (h Handlers) CallEvents(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "audit disabled"})
		return
	}
	events, err := h.Audit.List(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"call_id": c.Param("call_id"), "events": events})
}

// --- Tokens ---

// Token issues a Voice SDK access token for ?identity= (default "default_user").
func (h Handlers) Token(c *gin.Context) {
	if h.Tokens == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuer not configured"})
		return
	}
	now := time.Now()
	if h.Now != nil {
		now = h.Now()
	}
	tok, err := h.Tokens.IssueVoiceToken(now, c.Query("identity"))
	if err != nil {
		logger.FromGin(c).Error("token issuance failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

// writeError maps domain errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatch.ErrInvalidDestination), errors.Is(err, calls.ErrEmptyText):
		status = http.StatusBadRequest
	case errors.Is(err, calls.ErrNoSuchSession):
		status = http.StatusNotFound
	case errors.Is(err, calls.ErrSessionTerminal),
		errors.Is(err, calls.ErrDuplicateSession),
		errors.Is(err, calls.ErrAlreadyAttached):
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrCapacityExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrCarrierRejected):
		status = http.StatusBadGateway
	}

	log := logger.FromGin(c)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "err", err)
	} else {
		log.Info("request rejected", "status", status, "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
