package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/freeflowhq/marketplace/internal/circuitbreaker"
)

// ErrGatewayUnavailable is returned when the circuit to the custody
// provider is open. Callers treat it like any other gateway failure:
// the operation lands on the reconciliation queue.
var ErrGatewayUnavailable = fmt.Errorf("%w: circuit open", ErrGateway)

// BreakeredGateway wraps a Gateway with a per-operation circuit breaker
// so a provider outage fails fast instead of stacking up blocked
// transitions behind provider timeouts.
type BreakeredGateway struct {
	inner   Gateway
	breaker *circuitbreaker.Breaker
}

// NewBreakeredGateway wraps gw with a circuit breaker that opens after
// five consecutive failures per operation and probes again after 30s.
func NewBreakeredGateway(gw Gateway) *BreakeredGateway {
	return &BreakeredGateway{
		inner:   gw,
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

func (g *BreakeredGateway) Hold(ctx context.Context, req HoldRequest) (string, error) {
	if !g.breaker.Allow("hold") {
		return "", ErrGatewayUnavailable
	}
	intentID, err := g.inner.Hold(ctx, req)
	g.record("hold", err)
	return intentID, err
}

func (g *BreakeredGateway) Capture(ctx context.Context, intentID, idempotencyKey string) error {
	if !g.breaker.Allow("capture") {
		return ErrGatewayUnavailable
	}
	err := g.inner.Capture(ctx, intentID, idempotencyKey)
	g.record("capture", err)
	return err
}

func (g *BreakeredGateway) Refund(ctx context.Context, intentID string, amountCents int64, reason, idempotencyKey string) error {
	if !g.breaker.Allow("refund") {
		return ErrGatewayUnavailable
	}
	err := g.inner.Refund(ctx, intentID, amountCents, reason, idempotencyKey)
	g.record("refund", err)
	return err
}

// record feeds the breaker. A declined hold is the provider answering
// normally, so it counts as success for circuit purposes.
func (g *BreakeredGateway) record(op string, err error) {
	if err != nil && !errors.Is(err, ErrHoldDeclined) {
		g.breaker.RecordFailure(op)
		return
	}
	g.breaker.RecordSuccess(op)
}

var _ Gateway = (*BreakeredGateway)(nil)
