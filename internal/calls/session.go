package calls

import (
	"sync"
	"time"
)

// CallSession is the per-call unit of mutual exclusion: its state, text queue
// and attachment flag are only touched while holding mu.
//
// Sessions are owned by the Registry. Producers and consumers look them up by
// call id and never keep them beyond a single operation, except for the
// ChunkStream returned by Bridge.Attach.
type CallSession struct {
	callID    string
	createdAt time.Time

	mu           sync.Mutex
	state        State
	queue        []TextChunk
	nextSeq      int64
	lastActivity time.Time
	attached     bool
	attachGen    uint64
	discarded    int

	// lastConsumerAt moves only on creation, attach and detach; pushes never
	// touch it.
	lastConsumerAt time.Time

	// wake has capacity 1; a pending value means "queue may be non-empty".
	wake chan struct{}
	// done is closed exactly once, when the session becomes terminal.
	done chan struct{}
}

func newSession(callID string, now time.Time) *CallSession {
	return &CallSession{
		callID:         callID,
		createdAt:      now,
		state:          StateInitiated,
		nextSeq:        1,
		lastActivity:   now,
		lastConsumerAt: now,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

// CallID returns the carrier-assigned call identifier.
func (s *CallSession) CallID() string { return s.callID }

// Done is closed when the session reaches a terminal state.
func (s *CallSession) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *CallSession) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		CallID:         s.callID,
		State:          s.state,
		QueueDepth:     len(s.queue),
		Attached:       s.attached,
		NextSequence:   s.nextSeq,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		Discarded:      s.discarded,
	}
}

// seedInitial places the initial text at sequence 0. Only called before the
// session is published in the registry.
func (s *CallSession) seedInitial(text string, now time.Time) {
	s.queue = append(s.queue, TextChunk{Sequence: 0, Text: text, SubmittedAt: now})
	queuedChunks.Inc()
	s.signal()
}

func (s *CallSession) enqueue(text string, now time.Time) (TextChunk, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return TextChunk{}, 0, ErrSessionTerminal
	}
	c := TextChunk{Sequence: s.nextSeq, Text: text, SubmittedAt: now}
	s.nextSeq++
	s.queue = append(s.queue, c)
	s.lastActivity = now
	queuedChunks.Inc()
	s.signal()
	return c, len(s.queue), nil
}

// pop removes the head of the queue. terminal is true when the session has
// ended and nothing more will ever be delivered.
func (s *CallSession) pop(gen uint64, now time.Time) (c TextChunk, ok bool, terminal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return TextChunk{}, false, true
	}
	if !s.attached || s.attachGen != gen {
		return TextChunk{}, false, true
	}
	if len(s.queue) == 0 {
		return TextChunk{}, false, false
	}
	c = s.queue[0]
	s.queue[0] = TextChunk{}
	s.queue = s.queue[1:]
	s.lastActivity = now
	queuedChunks.Dec()
	return c, true, false
}

func (s *CallSession) attach(now time.Time) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return 0, ErrSessionTerminal
	}
	if s.attached {
		return 0, ErrAlreadyAttached
	}
	s.attached = true
	s.attachGen++
	s.lastActivity = now
	s.lastConsumerAt = now
	if s.state.rank() < StateStreaming.rank() {
		s.state = StateStreaming
		transitionsTotal.WithLabelValues(string(StateStreaming)).Inc()
	}
	attachedStreams.Inc()
	return s.attachGen, nil
}

// detach releases the attachment identified by gen. The queue is kept.
func (s *CallSession) detach(gen uint64, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.attached || s.attachGen != gen {
		return false
	}
	s.attached = false
	s.lastActivity = now
	s.lastConsumerAt = now
	attachedStreams.Dec()
	if s.state == StateStreaming {
		s.state = StateConnected
		transitionsTotal.WithLabelValues(string(StateConnected)).Inc()
	}
	return true
}

// transition applies a carrier- or policy-driven state change. Backward and
// repeated transitions are ignored, as is anything after a terminal state.
func (s *CallSession) transition(to State, now time.Time) (from State, applied bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from = s.state
	if from.IsTerminal() || !to.Valid() {
		return from, false
	}
	switch {
	case to == StateFailed:
	case to.rank() <= from.rank():
		return from, false
	case to == StateConnected && s.attached:
		// Answered callback raced with the media channel; stay streaming.
		return from, false
	}

	s.state = to
	s.lastActivity = now
	transitionsTotal.WithLabelValues(string(to)).Inc()
	if to.IsTerminal() {
		s.terminateLocked()
	}
	return from, true
}

func (s *CallSession) terminateLocked() {
	s.discarded = len(s.queue)
	queuedChunks.Sub(float64(s.discarded))
	s.queue = nil
	if s.attached {
		s.attached = false
		attachedStreams.Dec()
	}
	activeSessions.Dec()
	close(s.done)
}

// idleSince reports whether the session has had no consumer for longer than
// bound. Operator pushes do not reset the clock.
func (s *CallSession) idleSince(now time.Time, bound time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() || s.attached {
		return false
	}
	return now.Sub(s.lastConsumerAt) > bound
}

func (s *CallSession) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
