package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/freeflowhq/marketplace/internal/idgen"
)

// FakeGateway is an in-memory Gateway used in development mode and tests.
// It records every call, deduplicates capture/refund by idempotency key,
// and can be scripted to fail specific operations.
type FakeGateway struct {
	mu sync.Mutex

	// Scriptable failures. When set, the corresponding operation fails.
	HoldErr    error
	CaptureErr error
	RefundErr  error

	holds         map[string]HoldRequest // intentID -> original hold
	captured      map[string]string      // idempotencyKey -> intentID
	refunded      map[string]string      // idempotencyKey -> intentID
	refundAmounts map[string]int64       // idempotencyKey -> cents (0 = full)

	// Call counters by operation, including deduplicated retries.
	CaptureCalls int
	RefundCalls  int
}

// NewFakeGateway creates a new fake custody gateway.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		holds:         make(map[string]HoldRequest),
		captured:      make(map[string]string),
		refunded:      make(map[string]string),
		refundAmounts: make(map[string]int64),
	}
}

func (g *FakeGateway) Hold(ctx context.Context, req HoldRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.HoldErr != nil {
		return "", fmt.Errorf("%w: %v", ErrHoldDeclined, g.HoldErr)
	}

	intentID := "pi_" + idgen.Hex(12)
	g.holds[intentID] = req
	return intentID, nil
}

func (g *FakeGateway) Capture(ctx context.Context, intentID, idempotencyKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.CaptureCalls++
	if _, done := g.captured[idempotencyKey]; done {
		return nil // retried call, no additional effect
	}
	if g.CaptureErr != nil {
		return fmt.Errorf("%w: capture: %v", ErrGateway, g.CaptureErr)
	}
	if _, ok := g.holds[intentID]; !ok {
		return fmt.Errorf("%w: unknown intent %s", ErrGateway, intentID)
	}
	g.captured[idempotencyKey] = intentID
	return nil
}

func (g *FakeGateway) Refund(ctx context.Context, intentID string, amountCents int64, reason, idempotencyKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.RefundCalls++
	if _, done := g.refunded[idempotencyKey]; done {
		return nil // retried call, no additional effect
	}
	if g.RefundErr != nil {
		return fmt.Errorf("%w: refund: %v", ErrGateway, g.RefundErr)
	}
	if _, ok := g.holds[intentID]; !ok {
		return fmt.Errorf("%w: unknown intent %s", ErrGateway, intentID)
	}
	g.refunded[idempotencyKey] = intentID
	g.refundAmounts[idempotencyKey] = amountCents
	return nil
}

// Captured reports whether a capture was performed for the given key.
func (g *FakeGateway) Captured(idempotencyKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.captured[idempotencyKey]
	return ok
}

// Refunded reports whether a refund was performed for the given key.
func (g *FakeGateway) Refunded(idempotencyKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.refunded[idempotencyKey]
	return ok
}

// EffectiveCaptures returns the number of distinct captures performed.
func (g *FakeGateway) EffectiveCaptures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.captured)
}

// EffectiveRefunds returns the number of distinct refunds performed.
func (g *FakeGateway) EffectiveRefunds() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunded)
}

// RefundAmount returns the amount refunded under a key (0 means full).
func (g *FakeGateway) RefundAmount(idempotencyKey string) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	amount, ok := g.refundAmounts[idempotencyKey]
	return amount, ok
}

// HoldFor returns the hold request behind an intent ID, if any.
func (g *FakeGateway) HoldFor(intentID string) (HoldRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.holds[intentID]
	return req, ok
}

// Compile-time assertion that FakeGateway implements Gateway.
var _ Gateway = (*FakeGateway)(nil)
