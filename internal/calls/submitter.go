package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"callrelay/pkg/logger"
)

// Submitter accepts operator text for live calls. Push only enqueues; it never
// waits for delivery.
type Submitter struct {
	registry *Registry

	// WarnDepth logs a warning when a session queue reaches this many chunks.
	// Zero disables the warning.
	WarnDepth int

	Now func() time.Time
}

func NewSubmitter(registry *Registry, warnDepth int) *Submitter {
	return &Submitter{registry: registry, WarnDepth: warnDepth, Now: time.Now}
}

// Push appends text to the call's queue and returns its sequence number.
// Concurrent pushes to one call get consecutive sequence numbers.
func (s *Submitter) Push(ctx context.Context, callID, text string) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, ErrEmptyText
	}
	sess, err := s.registry.Get(callID)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	chunk, depth, err := sess.enqueue(text, now)
	if errors.Is(err, ErrSessionTerminal) {
		return 0, fmt.Errorf("%w: %s has ended", ErrNoSuchSession, callID)
	}
	if err != nil {
		return 0, err
	}
	submittedChunks.Inc()

	log := logger.From(ctx).With("call_id", callID)
	if s.WarnDepth > 0 && depth >= s.WarnDepth {
		log.Warn("text queue growing", "depth", depth, "sequence", chunk.Sequence)
	} else {
		log.Debug("text queued", "depth", depth, "sequence", chunk.Sequence)
	}
	return chunk.Sequence, nil
}
