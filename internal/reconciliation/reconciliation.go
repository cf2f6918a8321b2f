// Package reconciliation repairs divergence between order state and
// payment custody state.
//
// A capture or refund that fails at a terminal order transition does not
// roll the transition back (the user-visible state is authoritative);
// instead the operation is enqueued here and replayed against the gateway
// until it succeeds. Entries that exhaust their retry budget stay queued
// and are surfaced through the admin API for manual resolution.
package reconciliation

import (
	"context"
	"sync"
	"time"

	"github.com/freeflowhq/marketplace/internal/metrics"
	"github.com/freeflowhq/marketplace/internal/payment"
	"github.com/freeflowhq/marketplace/internal/retry"
)

// Op identifies the gateway operation to replay.
type Op string

const (
	OpCapture Op = "capture"
	OpRefund  Op = "refund"
)

// Entry is one failed payment operation awaiting replay.
type Entry struct {
	OrderID        string    `json:"orderId"`
	IntentID       string    `json:"intentId"`
	Op             Op        `json:"op"`
	AmountCents    int64     `json:"amountCents,omitempty"` // partial refund amount, 0 = full
	Reason         string    `json:"reason,omitempty"`      // refund reason, empty for captures
	IdempotencyKey string    `json:"idempotencyKey"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"lastError,omitempty"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

// Queue is the in-process reconciliation queue. Entries are keyed by
// idempotency key, so re-enqueueing the same failed operation is a no-op.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewQueue creates an empty reconciliation queue.
func NewQueue() *Queue {
	return &Queue{entries: make(map[string]*Entry)}
}

// Enqueue records a failed gateway operation for replay.
func (q *Queue) Enqueue(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[e.IdempotencyKey]; ok {
		return
	}
	e.EnqueuedAt = time.Now()
	q.entries[e.IdempotencyKey] = &e
	metrics.ReconcileQueueDepth.Set(float64(len(q.entries)))
}

// Pending returns a snapshot of all queued entries.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	return out
}

// Depth returns the number of queued entries.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) remove(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, key)
	metrics.ReconcileQueueDepth.Set(float64(len(q.entries)))
}

func (q *Queue) markFailed(key string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[key]; ok {
		e.Attempts++
		e.LastError = err.Error()
	}
}

// Runner replays queued entries against the payment gateway.
type Runner struct {
	queue       *Queue
	gateway     payment.Gateway
	maxAttempts int
	baseDelay   time.Duration
}

// NewRunner creates a reconciliation runner.
func NewRunner(queue *Queue, gateway payment.Gateway) *Runner {
	return &Runner{
		queue:       queue,
		gateway:     gateway,
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
	}
}

// RunAll replays every queued entry once (with per-entry retry backoff).
// Returns the number of entries that were successfully settled.
func (r *Runner) RunAll(ctx context.Context) (int, error) {
	settled := 0
	for _, e := range r.queue.Pending() {
		if err := r.replay(ctx, e); err != nil {
			r.queue.markFailed(e.IdempotencyKey, err)
			continue
		}
		r.queue.remove(e.IdempotencyKey)
		settled++
	}
	return settled, ctx.Err()
}

func (r *Runner) replay(ctx context.Context, e Entry) error {
	return retry.Do(ctx, r.maxAttempts, r.baseDelay, func() error {
		switch e.Op {
		case OpRefund:
			return r.gateway.Refund(ctx, e.IntentID, e.AmountCents, e.Reason, e.IdempotencyKey)
		default:
			return r.gateway.Capture(ctx, e.IntentID, e.IdempotencyKey)
		}
	})
}
