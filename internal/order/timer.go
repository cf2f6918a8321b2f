package order

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically accepts deliveries whose review window has passed.
type Timer struct {
	svc      *Service
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates the auto-accept sweep timer.
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
			t.logger.Error("panic in auto-accept timer", "panic", fmt.Sprint(r))
		}
	}()

	accepted, err := t.svc.AutoAcceptDue(ctx, t.batch)
	if err != nil {
		t.logger.Warn("auto-accept sweep failed", "error", err)
		return
	}
	if accepted > 0 {
		t.logger.Info("auto-accepted overdue deliveries", "count", accepted)
	}
}
