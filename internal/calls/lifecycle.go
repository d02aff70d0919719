package calls

import (
	"context"
	"errors"
	"sync"
	"time"

	"callrelay/pkg/logger"
)

// TerminalHook is invoked once per session after it becomes terminal.
type TerminalHook func(ctx context.Context, info SessionInfo)

// DefaultHoldFor bounds how long a status for an unregistered call is kept.
const DefaultHoldFor = 2 * time.Minute

// maxHeld caps the number of held statuses.
const maxHeld = 10000

// Monitor drives session state from carrier status notifications.
//
// Notifications for already-ended calls, and transitions that would move a
// session backwards, are logged and dropped: carriers redeliver and reorder
// callbacks. A status for a call id that is not registered yet is held for
// HoldFor, since the carrier may report on a call before the dispatcher has
// registered it; Reconcile applies it once the session exists.
type Monitor struct {
	registry *Registry

	// Retention keeps terminal sessions visible for late attach attempts.
	// Zero removes them immediately.
	Retention time.Duration
	HoldFor   time.Duration

	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) *time.Timer

	mu    sync.RWMutex
	hooks []TerminalHook

	heldMu sync.Mutex
	held   map[string]heldStatus
}

type heldStatus struct {
	state State
	at    time.Time
}

func NewMonitor(registry *Registry, retention time.Duration) *Monitor {
	return &Monitor{
		registry:  registry,
		Retention: retention,
		HoldFor:   DefaultHoldFor,
		Now:       time.Now,
		AfterFunc: time.AfterFunc,
		held:      make(map[string]heldStatus),
	}
}

// OnTerminal registers a hook that runs after a session ends.
func (m *Monitor) OnTerminal(h TerminalHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Apply moves callID to state to. It reports whether the transition happened.
func (m *Monitor) Apply(ctx context.Context, callID string, to State) bool {
	log := logger.From(ctx).With("call_id", callID, "state", string(to))

	sess, err := m.registry.Get(callID)
	if errors.Is(err, ErrNoSuchSession) {
		if !m.hold(callID, to) {
			statusCallbacks.WithLabelValues(string(to), "ignored").Inc()
			log.Info("status for unknown call ignored")
			return false
		}
		// The session may have been registered between the lookup and hold.
		if _, err := m.registry.Get(callID); err == nil {
			return m.Reconcile(ctx, callID)
		}
		statusCallbacks.WithLabelValues(string(to), "held").Inc()
		log.Info("status for unregistered call held")
		return false
	}

	from, applied := sess.transition(to, m.clock())
	if !applied {
		statusCallbacks.WithLabelValues(string(to), "ignored").Inc()
		log.Info("status transition ignored", "from", string(from))
		return false
	}
	statusCallbacks.WithLabelValues(string(to), "applied").Inc()
	log.Info("session transition", "from", string(from))

	if to.IsTerminal() {
		m.finish(ctx, sess)
	}
	return true
}

// Complete force-completes callID, e.g. when it has been idle too long.
func (m *Monitor) Complete(ctx context.Context, callID string) bool {
	return m.Apply(ctx, callID, StateCompleted)
}

// Remove ends callID if it is still live, running the terminal hooks, and
// drops it from the registry without waiting for Retention.
func (m *Monitor) Remove(ctx context.Context, callID string) {
	m.Complete(ctx, callID)
	m.registry.Remove(callID)
}

// Reconcile applies a status held for callID before its session was
// registered. It reports whether a transition happened.
func (m *Monitor) Reconcile(ctx context.Context, callID string) bool {
	m.heldMu.Lock()
	h, ok := m.held[callID]
	delete(m.held, callID)
	m.heldMu.Unlock()

	if !ok || m.clock().Sub(h.at) > m.HoldFor {
		return false
	}
	logger.From(ctx).Info("applying status received before registration", "call_id", callID, "state", string(h.state))
	return m.Apply(ctx, callID, h.state)
}

// hold records to for an unregistered callID, keeping the furthest state seen.
// It returns false when holding is disabled or to is not a valid state.
func (m *Monitor) hold(callID string, to State) bool {
	if m.HoldFor <= 0 || !to.Valid() {
		return false
	}
	now := m.clock()

	m.heldMu.Lock()
	defer m.heldMu.Unlock()
	if m.held == nil {
		m.held = make(map[string]heldStatus)
	}
	for id, h := range m.held {
		if now.Sub(h.at) > m.HoldFor {
			delete(m.held, id)
		}
	}

	cur, ok := m.held[callID]
	switch {
	case !ok:
		if len(m.held) >= maxHeld {
			return false
		}
	case cur.state.IsTerminal():
		return true
	case !to.IsTerminal() && to.rank() <= cur.state.rank():
		return true
	}
	m.held[callID] = heldStatus{state: to, at: now}
	return true
}

func (m *Monitor) finish(ctx context.Context, sess *CallSession) {
	info := sess.Info()

	m.mu.RLock()
	hooks := append([]TerminalHook(nil), m.hooks...)
	m.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, info)
	}

	if m.Retention <= 0 || m.AfterFunc == nil {
		m.registry.removeSession(sess)
		return
	}
	m.AfterFunc(m.Retention, func() {
		m.registry.removeSession(sess)
	})
}

func (m *Monitor) clock() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}
