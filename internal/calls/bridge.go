package calls

import (
	"context"
	"io"
	"sync"
	"time"
)

// Bridge hands out the single consumer side of a session's text queue.
type Bridge struct {
	registry *Registry

	Now func() time.Time
}

func NewBridge(registry *Registry) *Bridge {
	return &Bridge{registry: registry, Now: time.Now}
}

// Attach claims the session's queue for one consumer. It fails with
// ErrNoSuchSession, ErrSessionTerminal or ErrAlreadyAttached. Delivery resumes
// at the first chunk not yet handed to a previous stream.
func (b *Bridge) Attach(callID string) (*ChunkStream, error) {
	sess, err := b.registry.Get(callID)
	if err != nil {
		return nil, err
	}
	gen, err := sess.attach(b.clock())
	if err != nil {
		return nil, err
	}
	return &ChunkStream{
		session:  sess,
		gen:      gen,
		now:      b.clock,
		detached: make(chan struct{}),
	}, nil
}

func (b *Bridge) clock() time.Time {
	if b.Now == nil {
		return time.Now()
	}
	return b.Now()
}

// ChunkStream is a lazy, ordered sequence of text chunks for one attachment.
// Next must be called from a single goroutine; Close may be called from any.
type ChunkStream struct {
	session *CallSession
	gen     uint64
	now     func() time.Time

	closeOnce sync.Once
	detached  chan struct{}
}

// CallID returns the id of the attached call.
func (cs *ChunkStream) CallID() string { return cs.session.callID }

// Next blocks until a chunk is available and returns it, removing it from the
// queue. It returns io.EOF once the session is terminal or the stream has been
// closed, and ctx.Err() if ctx ends first.
func (cs *ChunkStream) Next(ctx context.Context) (TextChunk, error) {
	for {
		select {
		case <-cs.detached:
			return TextChunk{}, io.EOF
		default:
		}

		chunk, ok, ended := cs.session.pop(cs.gen, cs.now())
		if ok {
			deliveredChunks.Inc()
			return chunk, nil
		}
		if ended {
			return TextChunk{}, io.EOF
		}

		select {
		case <-cs.session.wake:
		case <-cs.session.done:
		case <-cs.detached:
		case <-ctx.Done():
			return TextChunk{}, ctx.Err()
		}
	}
}

// Done is closed when the underlying session reaches a terminal state.
func (cs *ChunkStream) Done() <-chan struct{} { return cs.session.done }

// Close detaches the stream. Undelivered chunks stay queued for the next
// attachment. Close is idempotent and wakes a blocked Next.
func (cs *ChunkStream) Close() error {
	cs.closeOnce.Do(func() {
		cs.session.detach(cs.gen, cs.now())
		close(cs.detached)
	})
	return nil
}
