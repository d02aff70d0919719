package dispatch

import (
	"context"
	"fmt"
	"strings"

	"callrelay/internal/calls"
	"callrelay/internal/telephony"
	"callrelay/pkg/logger"
)

// InitialTextMode selects how initial text reaches the callee.
type InitialTextMode string

const (
	// InitialTextQueue delivers initial text over the relay as sequence 0.
	InitialTextQueue InitialTextMode = "queue"
	// InitialTextSay speaks initial text with <Say> before the relay opens.
	InitialTextSay InitialTextMode = "say"
)

// Limiter caps concurrently active calls.
type Limiter interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Config holds the fixed parameters of every placed call.
type Config struct {
	From              string
	RelayURL          string
	StatusCallbackURL string
	Voice             string
	Language          string
	InitialTextMode   InitialTextMode
}

// Dispatcher places outbound calls and registers their sessions.
type Dispatcher struct {
	cfg      Config
	carrier  telephony.CallPlacer
	registry *calls.Registry
	monitor  *calls.Monitor
	limiter  Limiter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLimiter enforces an active-call cap. Slots are released when the
// carrier rejects the call or when the session ends.
func WithLimiter(l Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// New builds a Dispatcher. monitor applies carrier statuses that arrive
// before a session is registered and releases cap slots when sessions end.
func New(cfg Config, carrier telephony.CallPlacer, registry *calls.Registry, monitor *calls.Monitor, opts ...Option) *Dispatcher {
	if cfg.InitialTextMode == "" {
		cfg.InitialTextMode = InitialTextQueue
	}
	d := &Dispatcher{cfg: cfg, carrier: carrier, registry: registry, monitor: monitor}
	for _, opt := range opts {
		opt(d)
	}
	if d.limiter != nil && monitor != nil {
		monitor.OnTerminal(func(ctx context.Context, info calls.SessionInfo) {
			d.release(ctx, info.CallID)
		})
	}
	return d
}

// StartCall validates to, places exactly one carrier call and registers an
// initiated session under the carrier's call id. Nothing is registered if the
// carrier refuses the call.
func (d *Dispatcher) StartCall(ctx context.Context, to, initialText string) (string, error) {
	to = strings.TrimSpace(to)
	if err := ValidateDestination(to); err != nil {
		return "", err
	}
	initialText = strings.TrimSpace(initialText)
	log := logger.From(ctx).With("to", to, "carrier", d.carrier.Name())

	doc := telephony.RelayDocument{
		RelayURL: d.cfg.RelayURL,
		Voice:    d.cfg.Voice,
		Language: d.cfg.Language,
	}
	if d.cfg.InitialTextMode == InitialTextSay {
		doc.Greeting = initialText
	}
	twiml, err := telephony.RenderRelayTwiML(doc)
	if err != nil {
		return "", fmt.Errorf("dispatch: render control document: %w", err)
	}

	if d.limiter != nil {
		ok, err := d.limiter.Acquire(ctx)
		if err != nil {
			return "", fmt.Errorf("dispatch: %w", err)
		}
		if !ok {
			log.Warn("active call cap reached")
			return "", ErrCapacityExceeded
		}
	}

	placed, err := d.carrier.PlaceCall(ctx, telephony.PlaceCallRequest{
		To:                to,
		From:              d.cfg.From,
		ControlDocument:   twiml,
		StatusCallbackURL: d.cfg.StatusCallbackURL,
	})
	if err != nil {
		d.release(ctx, "")
		log.Error("carrier rejected call", "err", err)
		return "", fmt.Errorf("%w: %w", ErrCarrierRejected, err)
	}

	var opts []calls.CreateOption
	if d.cfg.InitialTextMode == InitialTextQueue {
		opts = append(opts, calls.WithInitialText(initialText))
	}
	if _, err := d.registry.Create(placed.CallID, opts...); err != nil {
		// The carrier call exists but cannot be tracked; hand the slot back
		// since no terminal transition will ever fire for it.
		d.release(ctx, placed.CallID)
		log.Error("session registration failed", "call_id", placed.CallID, "err", err)
		return "", fmt.Errorf("dispatch: register %s: %w", placed.CallID, err)
	}

	log.Info("call placed", "call_id", placed.CallID, "carrier_status", placed.Status)

	if d.monitor != nil && d.monitor.Reconcile(ctx, placed.CallID) {
		log.Info("early carrier status applied", "call_id", placed.CallID)
	}
	return placed.CallID, nil
}

func (d *Dispatcher) release(ctx context.Context, callID string) {
	if d.limiter == nil {
		return
	}
	if err := d.limiter.Release(context.WithoutCancel(ctx)); err != nil {
		logger.From(ctx).Warn("active call slot release failed", "call_id", callID, "err", err)
	}
}

// ValidateDestination requires international format: '+' then 8 to 15 digits
// with a non-zero country code.
func ValidateDestination(to string) error {
	if !strings.HasPrefix(to, "+") {
		return fmt.Errorf("%w: %q must start with a country code prefix", ErrInvalidDestination, to)
	}
	digits := to[1:]
	if len(digits) < 8 || len(digits) > 15 || digits[0] == '0' {
		return fmt.Errorf("%w: %q", ErrInvalidDestination, to)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: %q", ErrInvalidDestination, to)
		}
	}
	return nil
}
