package calls

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Registry owns every live call session, keyed by carrier call id.
//
// Lock order is registry then session; session methods never reach back into
// the registry.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession

	Now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*CallSession), Now: time.Now}
}

// CreateOption customises a session before it becomes visible.
type CreateOption func(*CallSession, time.Time)

// WithInitialText queues text as sequence 0, ahead of any operator push.
func WithInitialText(text string) CreateOption {
	return func(s *CallSession, now time.Time) {
		if text != "" {
			s.seedInitial(text, now)
		}
	}
}

// Create registers a new session in the initiated state. It fails with
// ErrDuplicateSession if callID maps to a session that has not ended yet;
// a terminal session under the same id is replaced.
func (r *Registry) Create(callID string, opts ...CreateOption) (*CallSession, error) {
	if callID == "" {
		return nil, errors.New("calls: call id required")
	}
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[callID]; ok && !existing.State().IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, callID)
	}

	s := newSession(callID, now)
	for _, opt := range opts {
		opt(s, now)
	}
	r.sessions[callID] = s
	activeSessions.Inc()
	return s, nil
}

// Get returns the session for callID, terminal or not.
func (r *Registry) Get(callID string) (*CallSession, error) {
	r.mu.RLock()
	s, ok := r.sessions[callID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchSession, callID)
	}
	return s, nil
}

// Remove drops callID from the registry. It is idempotent. A session that is
// still live is completed first so any blocked consumer wakes up, but terminal
// hooks do not run; callers holding a Monitor use Monitor.Remove instead.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	s, ok := r.sessions[callID]
	delete(r.sessions, callID)
	r.mu.Unlock()

	if ok {
		s.transition(StateCompleted, r.clock())
	}
}

// removeSession deletes s only if it is still the session registered under
// its id, so a re-used call id is never evicted by a stale timer.
func (r *Registry) removeSession(s *CallSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.callID]; ok && cur == s {
		delete(r.sessions, s.callID)
		return true
	}
	return false
}

// Snapshot returns the currently registered sessions in no particular order.
func (r *Registry) Snapshot() []*CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions, terminal ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) clock() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}
