package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps the most recent events in a fixed-size ring, so memory
// stays bounded no matter how many calls pass through.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

func NewMemoryRepo(capacity int) *MemoryRepo {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryRepo{events: make([]Event, capacity)}
}

func (r *MemoryRepo) Append(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = e
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// ListByCall returns callID's retained events, oldest first.
func (r *MemoryRepo) ListByCall(_ context.Context, callID string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	r.each(func(e Event) {
		if e.CallID == callID {
			out = append(out, e)
		}
	})
	return out, nil
}

// Events returns every retained event, oldest first.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	r.each(func(e Event) { out = append(out, e) })
	return out
}

func (r *MemoryRepo) each(f func(Event)) {
	start, n := 0, r.next
	if r.full {
		start, n = r.next, len(r.events)
	}
	for i := 0; i < n; i++ {
		f(r.events[(start+i)%len(r.events)])
	}
}
