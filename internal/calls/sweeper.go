package calls

import (
	"context"
	"time"

	"callrelay/pkg/logger"
)

// Sweeper force-completes sessions that have had no consumer and no activity
// for longer than IdleTimeout, so abandoned queues cannot grow forever.
type Sweeper struct {
	registry *Registry
	monitor  *Monitor

	IdleTimeout time.Duration
	Interval    time.Duration

	Now func() time.Time
}

func NewSweeper(registry *Registry, monitor *Monitor, idleTimeout, interval time.Duration) *Sweeper {
	return &Sweeper{
		registry:    registry,
		monitor:     monitor,
		IdleTimeout: idleTimeout,
		Interval:    interval,
		Now:         time.Now,
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.IdleTimeout <= 0 || s.Interval <= 0 {
		return
	}
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce completes every idle session and returns how many were completed.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}

	n := 0
	for _, sess := range s.registry.Snapshot() {
		if !sess.idleSince(now, s.IdleTimeout) {
			continue
		}
		if s.monitor.Complete(ctx, sess.CallID()) {
			sweptSessions.Inc()
			logger.From(ctx).Warn("idle session force-completed", "call_id", sess.CallID(), "idle_timeout", s.IdleTimeout.String())
			n++
		}
	}
	return n
}
