package reconciliation

import (
	"context"
	"testing"

	"github.com/freeflowhq/marketplace/internal/payment"
)

func TestEnqueueDeduplicatesByKey(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Entry{OrderID: "ord_1", IntentID: "pi_1", Op: OpCapture, IdempotencyKey: "cap_ord_1"})
	q.Enqueue(Entry{OrderID: "ord_1", IntentID: "pi_1", Op: OpCapture, IdempotencyKey: "cap_ord_1"})

	if q.Depth() != 1 {
		t.Errorf("depth = %d, want 1 after duplicate enqueue", q.Depth())
	}
}

func TestRunAllSettlesPendingOperations(t *testing.T) {
	ctx := context.Background()
	gateway := payment.NewFakeGateway()
	q := NewQueue()
	runner := NewRunner(q, gateway)

	intentID, err := gateway.Hold(ctx, payment.HoldRequest{
		OrderID: "ord_1", AmountCents: 10500, Currency: "USD",
	})
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}

	q.Enqueue(Entry{OrderID: "ord_1", IntentID: intentID, Op: OpCapture, IdempotencyKey: "cap_ord_1"})
	q.Enqueue(Entry{
		OrderID: "ord_1", IntentID: intentID, Op: OpRefund,
		AmountCents: 3000, Reason: "dispute_partial_refund", IdempotencyKey: "ref_ord_1",
	})

	settled, err := runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if settled != 2 {
		t.Errorf("settled = %d, want 2", settled)
	}
	if q.Depth() != 0 {
		t.Errorf("depth = %d, want 0 after replay", q.Depth())
	}
	if !gateway.Captured("cap_ord_1") {
		t.Error("capture was not replayed")
	}
	if amount, ok := gateway.RefundAmount("ref_ord_1"); !ok || amount != 3000 {
		t.Errorf("refund amount = %d (present=%v), want 3000", amount, ok)
	}
}

func TestRunAllKeepsFailedEntries(t *testing.T) {
	ctx := context.Background()
	gateway := payment.NewFakeGateway()
	q := NewQueue()
	runner := NewRunner(q, gateway)
	runner.baseDelay = 0 // no backoff sleeps in tests

	// Unknown intent: the gateway rejects the capture every attempt.
	q.Enqueue(Entry{OrderID: "ord_2", IntentID: "pi_missing", Op: OpCapture, IdempotencyKey: "cap_ord_2"})

	settled, err := runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if settled != 0 {
		t.Errorf("settled = %d, want 0", settled)
	}
	if q.Depth() != 1 {
		t.Fatalf("depth = %d, want 1 (entry kept for the next sweep)", q.Depth())
	}

	pending := q.Pending()
	if pending[0].Attempts != 1 || pending[0].LastError == "" {
		t.Errorf("entry = %+v, want attempts=1 with last error recorded", pending[0])
	}
}
