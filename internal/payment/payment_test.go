package payment

import (
	"context"
	"errors"
	"testing"
)

func TestFakeGatewayIdempotency(t *testing.T) {
	ctx := context.Background()
	g := NewFakeGateway()

	intentID, err := g.Hold(ctx, HoldRequest{
		OrderID: "ord_x", BuyerID: "usr_b", SellerID: "usr_s",
		AmountCents: 10500, Currency: "USD",
	})
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}

	// A retried capture with the same key has no additional effect.
	for i := 0; i < 3; i++ {
		if err := g.Capture(ctx, intentID, "cap_ord_x"); err != nil {
			t.Fatalf("Capture #%d: %v", i+1, err)
		}
	}
	if g.CaptureCalls != 3 {
		t.Errorf("capture calls = %d, want 3", g.CaptureCalls)
	}
	if g.EffectiveCaptures() != 1 {
		t.Errorf("effective captures = %d, want 1", g.EffectiveCaptures())
	}

	// Same for refunds; the amount is recorded once.
	for i := 0; i < 2; i++ {
		if err := g.Refund(ctx, intentID, 4000, "dispute_partial_refund", "ref_ord_x"); err != nil {
			t.Fatalf("Refund #%d: %v", i+1, err)
		}
	}
	if g.EffectiveRefunds() != 1 {
		t.Errorf("effective refunds = %d, want 1", g.EffectiveRefunds())
	}
	if amount, ok := g.RefundAmount("ref_ord_x"); !ok || amount != 4000 {
		t.Errorf("refund amount = %d (present=%v), want 4000", amount, ok)
	}
}

func TestFakeGatewayScriptedFailures(t *testing.T) {
	ctx := context.Background()
	g := NewFakeGateway()
	g.HoldErr = errors.New("card declined")

	if _, err := g.Hold(ctx, HoldRequest{AmountCents: 100}); !errors.Is(err, ErrHoldDeclined) {
		t.Errorf("err = %v, want ErrHoldDeclined", err)
	}

	// Unknown intent IDs are gateway errors.
	if err := g.Capture(ctx, "pi_missing", "k1"); !errors.Is(err, ErrGateway) {
		t.Errorf("err = %v, want ErrGateway", err)
	}
}

func TestBreakeredGatewayTripsPerOperation(t *testing.T) {
	ctx := context.Background()
	inner := NewFakeGateway()
	inner.CaptureErr = errors.New("provider timeout")
	g := NewBreakeredGateway(inner)

	intentID, err := g.Hold(ctx, HoldRequest{AmountCents: 100})
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}

	// Five consecutive failures trip the capture circuit.
	for i := 0; i < 5; i++ {
		if err := g.Capture(ctx, intentID, "k"); !errors.Is(err, ErrGateway) {
			t.Fatalf("Capture #%d: err = %v, want gateway error", i+1, err)
		}
	}
	calls := inner.CaptureCalls

	if err := g.Capture(ctx, intentID, "k"); !errors.Is(err, ErrGatewayUnavailable) {
		t.Errorf("err = %v, want ErrGatewayUnavailable with circuit open", err)
	}
	if inner.CaptureCalls != calls {
		t.Error("open circuit still reached the provider")
	}

	// The refund circuit is independent of the capture circuit.
	if err := g.Refund(ctx, intentID, 0, "requested_by_customer", "r1"); err != nil {
		t.Errorf("Refund through open capture circuit: %v", err)
	}
}
