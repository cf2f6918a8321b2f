package dispute

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/freeflowhq/marketplace/internal/listing"
	"github.com/freeflowhq/marketplace/internal/notify"
	"github.com/freeflowhq/marketplace/internal/order"
	"github.com/freeflowhq/marketplace/internal/payment"
	"github.com/freeflowhq/marketplace/internal/reconciliation"
)

const (
	testBuyer    = "usr_buyer001"
	testSeller   = "usr_seller01"
	testMediator = "usr_mediator"
)

type nopSender struct{}

func (nopSender) Send(context.Context, notify.Notification) {}

type fixture struct {
	svc      *Service
	orderSvc *order.Service
	gateway  *payment.FakeGateway
}

// newFixture wires the dispute service against a real order service with
// in-memory stores, so resolutions exercise the full order-side effects.
func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	catalog := listing.NewMemoryCatalog()
	catalog.Put(&listing.Listing{
		ID:       "lst_logo",
		SellerID: testSeller,
		Title:    "Logo design",
		Currency: "USD",
		Active:   true,
		Packages: []listing.Package{
			{Name: "basic", PriceCents: 10000, DeliveryDays: 3, Revisions: 1},
		},
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gateway := payment.NewFakeGateway()
	orderSvc := order.NewService(
		order.NewMemoryStore(), catalog, gateway, nopSender{},
		reconciliation.NewQueue(), logger, order.Options{})
	svc := NewService(NewMemoryStore(), orderSvc, nopSender{}, logger, opts)
	return &fixture{svc: svc, orderSvc: orderSvc, gateway: gateway}
}

// newDisputedOrder creates an in-progress order ready to dispute.
func newDisputedOrder(t *testing.T, f *fixture) *order.ServiceOrder {
	t.Helper()
	ctx := context.Background()
	o, err := f.orderSvc.CreateOrder(ctx, order.CreateOrderRequest{
		BuyerID: testBuyer, ListingID: "lst_logo", PackageName: "basic",
		Quantity: 1, Requirements: "make it blue",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := f.orderSvc.StartWork(ctx, o.ID, testSeller); err != nil {
		t.Fatalf("StartWork: %v", err)
	}
	return o
}

func openTestDispute(t *testing.T, f *fixture, orderID string, amount int64) *Dispute {
	t.Helper()
	d, err := f.svc.Open(context.Background(), OpenRequest{
		OrderID:             orderID,
		InitiatorID:         testBuyer,
		Type:                TypeQualityIssue,
		Subject:             "Logo is wrong",
		Description:         "The delivered logo does not match the brief.",
		DisputedAmountCents: amount,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return d
}

func TestOpenDispute(t *testing.T) {
	f := newFixture(t, Options{})
	o := newDisputedOrder(t, f)

	d := openTestDispute(t, f, o.ID, 10500)
	if d.Status != StatusResponsePending {
		t.Errorf("status = %s, want response_pending", d.Status)
	}
	if d.RespondentID != testSeller {
		t.Errorf("respondent = %s, want seller", d.RespondentID)
	}
	if d.AwaitingResponseFrom != testSeller {
		t.Errorf("awaiting = %s, want seller", d.AwaitingResponseFrom)
	}
	if d.ResponseDeadline == nil {
		t.Error("expected a response deadline")
	}
	if d.Priority != PriorityNormal {
		t.Errorf("priority = %s, want normal default", d.Priority)
	}
}

func TestOpenDisputeRejections(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	o := newDisputedOrder(t, f)

	base := OpenRequest{
		OrderID: o.ID, Type: TypeQualityIssue,
		Subject: "s", Description: "d", DisputedAmountCents: 1000,
	}

	t.Run("stranger", func(t *testing.T) {
		req := base
		req.InitiatorID = "usr_rando001"
		if _, err := f.svc.Open(ctx, req); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("err = %v, want ErrUnauthorized", err)
		}
	})
	t.Run("amount over order total", func(t *testing.T) {
		req := base
		req.InitiatorID = testBuyer
		req.DisputedAmountCents = 99999
		if _, err := f.svc.Open(ctx, req); !errors.Is(err, ErrAmountExceedsOrder) {
			t.Errorf("err = %v, want ErrAmountExceedsOrder", err)
		}
	})
	t.Run("second active dispute", func(t *testing.T) {
		openTestDispute(t, f, o.ID, 1000)
		req := base
		req.InitiatorID = testSeller
		if _, err := f.svc.Open(ctx, req); !errors.Is(err, ErrActiveDispute) {
			t.Errorf("err = %v, want ErrActiveDispute", err)
		}
	})
	t.Run("cancelled order", func(t *testing.T) {
		o2, err := f.orderSvc.CreateOrder(ctx, order.CreateOrderRequest{
			BuyerID: testBuyer, ListingID: "lst_logo", PackageName: "basic", Quantity: 1,
		})
		if err != nil {
			t.Fatalf("CreateOrder: %v", err)
		}
		if _, err := f.orderSvc.RequestCancellation(ctx, o2.ID, testBuyer, "nvm"); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		req := base
		req.OrderID = o2.ID
		req.InitiatorID = testBuyer
		if _, err := f.svc.Open(ctx, req); !errors.Is(err, ErrOrderNotDisputable) {
			t.Errorf("err = %v, want ErrOrderNotDisputable", err)
		}
	})
}

func TestRespondMovesToDiscussion(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	o := newDisputedOrder(t, f)
	d := openTestDispute(t, f, o.ID, 5000)

	// Only the awaited party can respond.
	if _, err := f.svc.Respond(ctx, d.ID, testBuyer, "it's fine"); !errors.Is(err, ErrNotAwaitingResponse) {
		t.Errorf("initiator respond: err = %v, want ErrNotAwaitingResponse", err)
	}

	updated, err := f.svc.Respond(ctx, d.ID, testSeller, "I followed the brief exactly")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if updated.Status != StatusInDiscussion {
		t.Errorf("status = %s, want in_discussion", updated.Status)
	}
	if updated.AwaitingResponseFrom != "" || updated.ResponseDeadline != nil {
		t.Error("response tracking was not cleared")
	}
}

func TestEvidenceMovesToReview(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	o := newDisputedOrder(t, f)
	d := openTestDispute(t, f, o.ID, 5000)
	if _, err := f.svc.Respond(ctx, d.ID, testSeller, "disagree"); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	e, err := f.svc.SubmitEvidence(ctx, d.ID, testBuyer, "Brief document", "the original brief", "https://files/brief.pdf")
	if err != nil {
		t.Fatalf("SubmitEvidence: %v", err)
	}

	got, err := f.svc.Get(ctx, d.ID, testBuyer)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusEvidenceReview {
		t.Errorf("status = %s, want evidence_review", got.Status)
	}
	if got.EvidenceDeadline == nil {
		t.Error("evidence deadline should be stamped when review starts")
	}

	// Further evidence keeps the status.
	if _, err := f.svc.SubmitEvidence(ctx, d.ID, testSeller, "Chat log", "", ""); err != nil {
		t.Fatalf("second SubmitEvidence: %v", err)
	}
	all, err := f.svc.ListEvidence(ctx, d.ID, testSeller)
	if err != nil {
		t.Fatalf("ListEvidence: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("evidence count = %d, want 2", len(all))
	}
	if all[0].ID != e.ID {
		t.Error("evidence not ordered oldest first")
	}
}

func TestPrivateMessageVisibility(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	o := newDisputedOrder(t, f)
	d := openTestDispute(t, f, o.ID, 5000)

	// Private messages need a mediator.
	if _, err := f.svc.PostMessage(ctx, d.ID, testBuyer, "psst", true); !errors.Is(err, ErrNoMediator) {
		t.Errorf("err = %v, want ErrNoMediator", err)
	}

	if _, err := f.svc.Escalate(ctx, d.ID, testBuyer, "stuck"); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if _, err := f.svc.AssignMediator(ctx, d.ID, testMediator); err != nil {
		t.Fatalf("AssignMediator: %v", err)
	}

	if _, err := f.svc.PostMessage(ctx, d.ID, testBuyer, "public note", false); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if _, err := f.svc.PostMessage(ctx, d.ID, testBuyer, "between us", true); err != nil {
		t.Fatalf("private PostMessage: %v", err)
	}

	sellerView, err := f.svc.ListMessages(ctx, d.ID, testSeller)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(sellerView) != 1 {
		t.Errorf("seller sees %d messages, want 1", len(sellerView))
	}
	mediatorView, err := f.svc.ListMessages(ctx, d.ID, testMediator)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(mediatorView) != 2 {
		t.Errorf("mediator sees %d messages, want 2", len(mediatorView))
	}
}

func TestMediationFlow(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	o := newDisputedOrder(t, f)
	d := openTestDispute(t, f, o.ID, 5000)

	if _, err := f.svc.Escalate(ctx, d.ID, testSeller, "no progress"); err != nil {
		t.Fatalf("Escalate: %v", err)
	}

	// A party cannot mediate its own dispute.
	if _, err := f.svc.AssignMediator(ctx, d.ID, testBuyer); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	if _, err := f.svc.AssignMediator(ctx, d.ID, testMediator); err != nil {
		t.Fatalf("AssignMediator: %v", err)
	}

	got, _ := f.svc.Get(ctx, d.ID, testMediator)
	if got.Status != StatusMediation {
		t.Errorf("status = %s, want mediation", got.Status)
	}
	if got.MediatorID != testMediator || got.ResolutionDeadline == nil {
		t.Errorf("mediator = %q, resolutionDeadline = %v", got.MediatorID, got.ResolutionDeadline)
	}

	// Mediator verifies evidence.
	e, err := f.svc.SubmitEvidence(ctx, d.ID, testBuyer, "Brief", "", "")
	if err != nil {
		t.Fatalf("SubmitEvidence: %v", err)
	}
	verified, err := f.svc.VerifyEvidence(ctx, d.ID, e.ID, testMediator, 4)
	if err != nil {
		t.Fatalf("VerifyEvidence: %v", err)
	}
	if !verified.Verified || verified.RelevanceScore != 4 {
		t.Errorf("evidence = %+v, want verified with score 4", verified)
	}
	if _, err := f.svc.VerifyEvidence(ctx, d.ID, e.ID, testBuyer, 5); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("party verify: err = %v, want ErrUnauthorized", err)
	}

	// Mediator proposal carries no implicit acceptance; the mediator can
	// recommend it, but both parties still have to accept.
	p, err := f.svc.Propose(ctx, d.ID, testMediator, ProposalRequest{
		Type: ResolutionPartialRefund, AmountCents: 3000, Note: "split the difference",
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if p.InitiatorAccepted || p.RespondentAccepted {
		t.Error("mediator proposal should start with no acceptances")
	}
	rec, err := f.svc.Recommend(ctx, d.ID, p.ID, testMediator)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if rec.RecommendedBy != testMediator {
		t.Error("recommendation not recorded")
	}

	if _, err := f.svc.RespondToProposal(ctx, d.ID, p.ID, testBuyer, "accept", nil); err != nil {
		t.Fatalf("buyer accept: %v", err)
	}
	got, _ = f.svc.Get(ctx, d.ID, testMediator)
	if got.Status != StatusResolutionProposed {
		t.Errorf("status = %s, want resolution_proposed after one acceptance", got.Status)
	}

	if _, err := f.svc.RespondToProposal(ctx, d.ID, p.ID, testSeller, "accept", nil); err != nil {
		t.Fatalf("seller accept: %v", err)
	}
	got, _ = f.svc.Get(ctx, d.ID, testMediator)
	if got.Status != StatusResolved {
		t.Errorf("status = %s, want resolved", got.Status)
	}
	if got.ResolutionType != ResolutionPartialRefund || got.ResolutionAmountCents != 3000 {
		t.Errorf("resolution = %s/%d, want partial_refund/3000", got.ResolutionType, got.ResolutionAmountCents)
	}

	// Order side: completed, captured, partially refunded.
	ord, err := f.orderSvc.Lookup(ctx, o.ID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ord.Status != order.StatusCompleted || ord.PaymentStatus != order.PaymentReleased {
		t.Errorf("order = %s/%s, want completed/released", ord.Status, ord.PaymentStatus)
	}
	if amount, ok := f.gateway.RefundAmount(d.ID + "_resolution_ref"); !ok || amount != 3000 {
		t.Errorf("refund amount = %d (present=%v), want 3000", amount, ok)
	}
}

func TestResponseDeadlineEscalation(t *testing.T) {
	f := newFixture(t, Options{ResponseDeadline: time.Millisecond})
	ctx := context.Background()
	o := newDisputedOrder(t, f)
	d := openTestDispute(t, f, o.ID, 5000)
	time.Sleep(5 * time.Millisecond)

	escalated, err := f.svc.EscalateOverdue(ctx, 10)
	if err != nil {
		t.Fatalf("EscalateOverdue: %v", err)
	}
	if escalated != 1 {
		t.Fatalf("escalated = %d, want 1", escalated)
	}
	got, _ := f.svc.Get(ctx, d.ID, testBuyer)
	if got.Status != StatusEscalated {
		t.Errorf("status = %s, want escalated", got.Status)
	}

	// Nothing left to escalate.
	escalated, err = f.svc.EscalateOverdue(ctx, 10)
	if err != nil {
		t.Fatalf("EscalateOverdue: %v", err)
	}
	if escalated != 0 {
		t.Errorf("second sweep escalated = %d, want 0", escalated)
	}
}

func TestCloseWithdrawal(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	o := newDisputedOrder(t, f)
	d := openTestDispute(t, f, o.ID, 5000)

	// A stranger cannot close a dispute.
	if _, err := f.svc.Close(ctx, d.ID, "usr_rando001", "go away"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}

	// Either party may close; here the respondent does.
	closed, err := f.svc.Close(ctx, d.ID, testSeller, "sorted it out")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closed.Status != StatusClosed || closed.ClosedAt == nil {
		t.Errorf("dispute = %+v, want closed with timestamp", closed)
	}

	// Order untouched.
	ord, _ := f.orderSvc.Lookup(ctx, o.ID)
	if ord.Status != order.StatusInProgress || ord.PaymentStatus != order.PaymentHeld {
		t.Errorf("order = %s/%s, want in_progress/held", ord.Status, ord.PaymentStatus)
	}

	// A new dispute can be opened once the old one is closed.
	openTestDispute(t, f, o.ID, 1000)
}

func TestConcurrentAcceptResolvesOnce(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	o := newDisputedOrder(t, f)
	d := openTestDispute(t, f, o.ID, 10500)

	p, err := f.svc.Propose(ctx, d.ID, testBuyer, ProposalRequest{Type: ResolutionFullRefund})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if !p.InitiatorAccepted {
		t.Fatal("proposer's own acceptance not recorded")
	}

	// Both parties accept concurrently; the dispute lock makes one of
	// them the resolver and the other a no-op or late rejection.
	var wg sync.WaitGroup
	for _, uid := range []string{testBuyer, testSeller} {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			_, _ = f.svc.RespondToProposal(ctx, d.ID, p.ID, uid, "accept", nil)
		}(uid)
	}
	wg.Wait()

	got, _ := f.svc.Get(ctx, d.ID, testBuyer)
	if got.Status != StatusResolved {
		t.Fatalf("status = %s, want resolved", got.Status)
	}
	if f.gateway.EffectiveRefunds() != 1 {
		t.Errorf("effective refunds = %d, want exactly 1", f.gateway.EffectiveRefunds())
	}

	ord, _ := f.orderSvc.Lookup(ctx, o.ID)
	if ord.Status != order.StatusCancelled || ord.PaymentStatus != order.PaymentRefunded {
		t.Errorf("order = %s/%s, want cancelled/refunded", ord.Status, ord.PaymentStatus)
	}
}
