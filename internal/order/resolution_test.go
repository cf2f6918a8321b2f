package order

import (
	"context"
	"errors"
	"testing"
)

func TestResolveCancelRefundsHeldPayment(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	o := createTestOrder(t, f, "basic")
	mustProgress(t, f, o.ID)

	if err := f.svc.ResolveCancel(ctx, o.ID, "not_as_described", "dsp_x_resolution"); err != nil {
		t.Fatalf("ResolveCancel: %v", err)
	}
	got, _ := f.store.GetOrder(ctx, o.ID)
	if got.Status != StatusCancelled || got.PaymentStatus != PaymentRefunded {
		t.Errorf("order = %s/%s, want cancelled/refunded", got.Status, got.PaymentStatus)
	}
	if !f.gateway.Refunded("dsp_x_resolution") {
		t.Error("refund was not issued under the resolution key")
	}

	// Applying the same resolution again is a no-op.
	if err := f.svc.ResolveCancel(ctx, o.ID, "not_as_described", "dsp_x_resolution"); err != nil {
		t.Fatalf("second ResolveCancel: %v", err)
	}
	if f.gateway.EffectiveRefunds() != 1 {
		t.Errorf("effective refunds = %d, want 1", f.gateway.EffectiveRefunds())
	}
}

func TestResolveCompleteCapturesPayment(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	o := createTestOrder(t, f, "basic")
	mustProgress(t, f, o.ID)

	if err := f.svc.ResolveComplete(ctx, o.ID, "dsp_y_resolution"); err != nil {
		t.Fatalf("ResolveComplete: %v", err)
	}
	got, _ := f.store.GetOrder(ctx, o.ID)
	if got.Status != StatusCompleted || got.PaymentStatus != PaymentReleased {
		t.Errorf("order = %s/%s, want completed/released", got.Status, got.PaymentStatus)
	}
	if !f.gateway.Captured("dsp_y_resolution") {
		t.Error("capture was not issued under the resolution key")
	}
}

func TestResolvePartialRefund(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	o := createTestOrder(t, f, "basic") // total 10500
	mustProgress(t, f, o.ID)

	if err := f.svc.ResolvePartialRefund(ctx, o.ID, 4000, "dsp_z_resolution"); err != nil {
		t.Fatalf("ResolvePartialRefund: %v", err)
	}
	got, _ := f.store.GetOrder(ctx, o.ID)
	if got.Status != StatusCompleted || got.PaymentStatus != PaymentReleased {
		t.Errorf("order = %s/%s, want completed/released", got.Status, got.PaymentStatus)
	}
	if !f.gateway.Captured("dsp_z_resolution_cap") {
		t.Error("capture leg missing")
	}
	if amount, ok := f.gateway.RefundAmount("dsp_z_resolution_ref"); !ok || amount != 4000 {
		t.Errorf("refund amount = %d (present=%v), want 4000", amount, ok)
	}

	// Terminal orders reject further partial refunds.
	if err := f.svc.ResolvePartialRefund(ctx, o.ID, 1000, "dsp_z2"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestResolveRedelivery(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	o := createTestOrder(t, f, "basic")
	mustProgress(t, f, o.ID)
	if _, _, err := f.svc.Deliver(ctx, o.ID, testSeller, "v1", nil); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if err := f.svc.ResolveRedelivery(ctx, o.ID, 5); err != nil {
		t.Fatalf("ResolveRedelivery: %v", err)
	}
	got, _ := f.store.GetOrder(ctx, o.ID)
	if got.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
	if got.PaymentStatus != PaymentHeld {
		t.Errorf("payment status = %s, want held", got.PaymentStatus)
	}
	if !got.DueAt.After(o.DueAt) {
		t.Error("due date was not extended")
	}

	// Seller can deliver again through the normal flow.
	if _, _, err := f.svc.Deliver(ctx, o.ID, testSeller, "v2", nil); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
}
