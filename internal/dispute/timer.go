package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// EscalateOverdue sweeps response_pending disputes whose deadline has
// passed and escalates them. Returns how many were escalated.
func (s *Service) EscalateOverdue(ctx context.Context, limit int) (int, error) {
	overdue, err := s.store.ListResponseOverdue(ctx, time.Now(), limit)
	if err != nil {
		return 0, err
	}

	escalated := 0
	for _, d := range overdue {
		_, err := s.transition(ctx, d.ID, "system", ActionEscalate, func(d *Dispute) error {
			// Re-check under the lock: the respondent may just have
			// answered.
			if d.AwaitingResponseFrom == "" || d.ResponseDeadline == nil || d.ResponseDeadline.After(time.Now()) {
				return ErrNotAwaitingResponse
			}
			d.AwaitingResponseFrom = ""
			d.ResponseDeadline = nil
			s.logActivity(ctx, d, "system", "escalated", "response deadline passed")
			s.notifyParties(ctx, d, "", "Dispute escalated",
				"The response deadline passed, so the dispute was escalated to mediation.")
			return nil
		})
		if err != nil {
			continue
		}
		escalated++
	}
	return escalated, nil
}

// ExpireProposals sweeps pending proposals past their expiry, marks them
// expired, and returns their disputes to discussion. Returns how many
// proposals expired.
func (s *Service) ExpireProposals(ctx context.Context, limit int) (int, error) {
	stale, err := s.store.ListExpiredProposals(ctx, time.Now(), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, p := range stale {
		unlock := s.locks.Lock(p.DisputeID)

		d, err := s.store.GetDispute(ctx, p.DisputeID)
		if err != nil {
			unlock()
			continue
		}
		// Re-fetch under the lock: the proposal may just have been
		// resolved or countered.
		fresh, err := s.store.GetProposal(ctx, p.ID)
		if err != nil || fresh.Status != ProposalPending {
			unlock()
			continue
		}
		s.expireProposalLocked(ctx, d, fresh)
		s.notifyParties(ctx, d, "", "Proposal expired",
			"The pending proposal expired without full acceptance.")
		unlock()
		expired++
	}
	return expired, nil
}

// Timer runs the dispute maintenance sweeps: deadline escalation and
// proposal expiry.
type Timer struct {
	svc      *Service
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates the dispute sweep timer.
func NewTimer(svc *Service, logger *slog.Logger) *Timer {
	return &Timer{
		svc:      svc,
		interval: time.Minute,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in dispute timer", "panic", fmt.Sprint(r))
		}
	}()

	if escalated, err := t.svc.EscalateOverdue(ctx, t.batch); err != nil {
		t.logger.Warn("deadline escalation sweep failed", "error", err)
	} else if escalated > 0 {
		t.logger.Info("escalated overdue disputes", "count", escalated)
	}

	if expired, err := t.svc.ExpireProposals(ctx, t.batch); err != nil {
		t.logger.Warn("proposal expiry sweep failed", "error", err)
	} else if expired > 0 {
		t.logger.Info("expired stale proposals", "count", expired)
	}
}
