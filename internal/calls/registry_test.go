package calls

import (
	"errors"
	"sync"
	"testing"
)

func TestRegistry_CreateGetRemove(t *testing.T) {
	r := NewRegistry()

	s, err := r.Create("CA1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if s.State() != StateInitiated {
		t.Fatalf("expected initiated, got %s", s.State())
	}

	got, err := r.Get("CA1")
	if err != nil || got != s {
		t.Fatalf("expected same session, got %v %v", got, err)
	}

	r.Remove("CA1")
	r.Remove("CA1")
	if _, err := r.Get("CA1"); !errors.Is(err, ErrNoSuchSession) {
		t.Fatalf("expected ErrNoSuchSession, got %v", err)
	}
	if s.State() != StateCompleted {
		t.Fatalf("expected removed live session to be completed, got %s", s.State())
	}
}

func TestRegistry_CreateRejectsEmptyID(t *testing.T) {
	if _, err := NewRegistry().Create(""); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRegistry_DuplicateLiveSession(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create("CA1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create("CA1"); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
}

func TestRegistry_TerminalSessionIsReplaced(t *testing.T) {
	r := NewRegistry()
	old, _ := r.Create("CA1")
	old.transition(StateFailed, r.clock())

	fresh, err := r.Create("CA1")
	if err != nil {
		t.Fatalf("expected replacement, got %v", err)
	}
	if fresh == old {
		t.Fatalf("expected a new session")
	}
	if r.removeSession(old) {
		t.Fatalf("stale session must not evict its replacement")
	}
	if _, err := r.Get("CA1"); err != nil {
		t.Fatalf("expected replacement still registered, got %v", err)
	}
}

func TestRegistry_ConcurrentCreateOnlyOneWins(t *testing.T) {
	r := NewRegistry()

	const n = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Create("CA1"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one successful create, got %d", wins)
	}
}

func TestRegistry_InitialTextIsSequenceZero(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create("CA1", WithInitialText("hello"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	info := s.Info()
	if info.QueueDepth != 1 || info.NextSequence != 1 {
		t.Fatalf("unexpected info: %+v", info)
	}

	s2, _ := r.Create("CA2", WithInitialText(""))
	if s2.Info().QueueDepth != 0 {
		t.Fatalf("expected empty initial text to be skipped")
	}
}
