package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callrelay/pkg/logger"

	"github.com/google/uuid"
)

// Repository is the storage contract for call events. It is append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByCall(ctx context.Context, callID string) ([]Event, error)
}

// Service records operator actions and call outcomes.
// Callers treat it as best-effort: the Log* helpers only log failures.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

func (s *Service) List(ctx context.Context, callID string) ([]Event, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.ListByCall(ctx, callID)
}

// LogCallStarted records an operator placing a call.
func (s *Service) LogCallStarted(ctx context.Context, callID, ip, to string) {
	s.bestEffort(ctx, Event{CallID: callID, Type: EventTypeCallStarted, IPAddress: ip, Message: "to " + to})
}

// LogTextPushed records an operator push. The text itself is not stored.
func (s *Service) LogTextPushed(ctx context.Context, callID, ip string, seq int64) {
	s.bestEffort(ctx, Event{CallID: callID, Type: EventTypeTextPushed, IPAddress: ip, Sequence: &seq})
}

// LogCallEnded records the terminal state of a call.
func (s *Service) LogCallEnded(ctx context.Context, callID, state string, undelivered int) {
	e := Event{CallID: callID, Type: EventTypeCallEnded, State: state}
	if undelivered > 0 {
		e.Message = fmt.Sprintf("%d undelivered chunks discarded", undelivered)
	}
	s.bestEffort(ctx, e)
}

func (s *Service) bestEffort(ctx context.Context, e Event) {
	if err := s.Append(ctx, e); err != nil {
		logger.From(ctx).Warn("audit append failed", "call_id", e.CallID, "type", string(e.Type), "err", err)
	}
}
