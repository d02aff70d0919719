package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"callrelay/internal/calls"
	"callrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// ConversationRelay websocket messages.
// Ref: https://www.twilio.com/docs/voice/conversationrelay/websocket-messages

// RelayInbound is any message the carrier sends on the relay socket.
type RelayInbound struct {
	Type string `json:"type"`

	// setup
	SessionID        string            `json:"sessionId,omitempty"`
	CallSid          string            `json:"callSid,omitempty"`
	From             string            `json:"from,omitempty"`
	To               string            `json:"to,omitempty"`
	Direction        string            `json:"direction,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`

	// prompt
	VoicePrompt string `json:"voicePrompt,omitempty"`
	Lang        string `json:"lang,omitempty"`
	Last        bool   `json:"last,omitempty"`

	// dtmf
	Digit string `json:"digit,omitempty"`

	// interrupt
	UtteranceUntilInterrupt  string `json:"utteranceUntilInterrupt,omitempty"`
	DurationUntilInterruptMs int    `json:"durationUntilInterruptMs,omitempty"`

	// error
	Description string `json:"description,omitempty"`
}

// RelayText asks the carrier to speak Token.
type RelayText struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Last  bool   `json:"last"`
}

// RelayEnd asks the carrier to end the relay session.
type RelayEnd struct {
	Type        string `json:"type"`
	HandoffData string `json:"handoffData,omitempty"`
}

const (
	relayTypeSetup     = "setup"
	relayTypePrompt    = "prompt"
	relayTypeDTMF      = "dtmf"
	relayTypeInterrupt = "interrupt"
	relayTypeError     = "error"
	relayTypeText      = "text"
	relayTypeEnd       = "end"
)

// StreamAttacher hands out the single consumer stream of a call.
type StreamAttacher interface {
	Attach(callID string) (*calls.ChunkStream, error)
}

// RelayHandler serves the relay websocket: it reads the setup message,
// attaches to the call's text queue and writes every chunk as a text token.
type RelayHandler struct {
	Bridge StreamAttacher

	Upgrader     websocket.Upgrader
	SetupTimeout time.Duration
	WriteTimeout time.Duration
}

func NewRelayHandler(bridge StreamAttacher) *RelayHandler {
	return &RelayHandler{
		Bridge: bridge,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Carrier media servers do not send a browser Origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		SetupTimeout: 10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func (h *RelayHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	conn, err := h.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Warn("relay upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	setup, err := h.readSetup(conn)
	if err != nil {
		log.Warn("relay setup failed", "err", err)
		h.closeWith(conn, websocket.ClosePolicyViolation, "setup required")
		return
	}
	log = log.With("call_id", setup.CallSid, "relay_session", setup.SessionID)

	stream, err := h.Bridge.Attach(setup.CallSid)
	if err != nil {
		log.Warn("relay attach rejected", "err", err)
		if errors.Is(err, calls.ErrSessionTerminal) {
			h.writeJSON(conn, RelayEnd{Type: relayTypeEnd})
		}
		h.closeWith(conn, websocket.ClosePolicyViolation, attachCloseReason(err))
		return
	}
	defer stream.Close()
	log.Info("relay attached")

	ctx, cancel := context.WithCancel(logger.With(c.Request.Context(), log))
	defer cancel()

	go func() {
		defer cancel()
		h.readLoop(conn, log)
	}()

	for {
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			select {
			case <-stream.Done():
				log.Info("call ended, closing relay")
				h.writeJSON(conn, RelayEnd{Type: relayTypeEnd})
				h.closeWith(conn, websocket.CloseNormalClosure, "call ended")
			default:
			}
			return
		}
		if err != nil {
			log.Info("relay detached", "reason", err)
			return
		}
		if err := h.writeJSON(conn, RelayText{Type: relayTypeText, Token: chunk.Text, Last: true}); err != nil {
			// The chunk was already taken from the queue; it is lost with the socket.
			log.Warn("relay write failed", "sequence", chunk.Sequence, "err", err)
			return
		}
		log.Debug("relay chunk sent", "sequence", chunk.Sequence)
	}
}

func (h *RelayHandler) readSetup(conn *websocket.Conn) (RelayInbound, error) {
	if h.SetupTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(h.SetupTimeout))
	}
	var msg RelayInbound
	if err := conn.ReadJSON(&msg); err != nil {
		return RelayInbound{}, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	if msg.Type != relayTypeSetup {
		return RelayInbound{}, errors.New("telephony: first relay message must be setup")
	}
	if msg.CallSid == "" {
		return RelayInbound{}, errors.New("telephony: setup message missing callSid")
	}
	return msg, nil
}

// readLoop drains carrier messages until the socket closes. It is the only
// reader of conn.
func (h *RelayHandler) readLoop(conn *websocket.Conn, log *slog.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("relay read error", "err", err)
			}
			return
		}

		var msg RelayInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("relay message parse failed", "err", err)
			continue
		}
		switch msg.Type {
		case relayTypePrompt:
			log.Info("caller speech", "prompt", msg.VoicePrompt, "last", msg.Last)
		case relayTypeDTMF:
			log.Info("caller dtmf", "digit", msg.Digit)
		case relayTypeInterrupt:
			log.Info("caller interrupted", "utterance", msg.UtteranceUntilInterrupt, "after_ms", msg.DurationUntilInterruptMs)
		case relayTypeError:
			log.Warn("relay error from carrier", "description", msg.Description)
		default:
			log.Debug("relay message ignored", "type", msg.Type)
		}
	}
}

func (h *RelayHandler) writeJSON(conn *websocket.Conn, v any) error {
	if h.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(h.WriteTimeout))
	}
	return conn.WriteJSON(v)
}

func (h *RelayHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

func attachCloseReason(err error) string {
	switch {
	case errors.Is(err, calls.ErrNoSuchSession):
		return "unknown call"
	case errors.Is(err, calls.ErrSessionTerminal):
		return "call ended"
	case errors.Is(err, calls.ErrAlreadyAttached):
		return "already attached"
	default:
		return "attach failed"
	}
}
