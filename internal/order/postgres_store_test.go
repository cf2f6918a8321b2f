//go:build integration

package order

import (
	"context"
	"testing"
	"time"

	"github.com/freeflowhq/marketplace/internal/testutil"
)

func TestPostgresOrderRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	o := &ServiceOrder{
		ID:        "ord_pgtest01",
		ListingID: "lst_pgtest01",
		BuyerID:   "usr_pgbuyer",
		SellerID:  "usr_pgseller",

		PackageName:       "standard",
		PackagePriceCents: 12000,
		Quantity:          1,
		Extras: []OrderExtra{
			{ID: "ext_rush", Title: "Rush delivery", PriceCents: 2500, DeliveryDaysModifier: -2},
		},
		SubtotalCents:   14500,
		ServiceFeeCents: 725,
		TotalCents:      15225,
		Currency:        "USD",

		DeliveryDays:  3,
		OriginalDueAt: now.Add(72 * time.Hour),
		DueAt:         now.Add(72 * time.Hour),

		RevisionsAllowed: 3,
		Status:           StatusRequirementsSubmitted,
		PaymentStatus:    PaymentHeld,
		PaymentIntentID:  "pi_pgtest01",
		Requirements:     "logo files and brand guide",
		RequirementFiles: []string{"brief.pdf", "brand.zip"},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.CreateOrder(ctx, o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	got, err := store.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.TotalCents != 15225 || got.ServiceFeeCents != 725 {
		t.Errorf("pricing mismatch: total=%d fee=%d", got.TotalCents, got.ServiceFeeCents)
	}
	if len(got.Extras) != 1 || got.Extras[0].DeliveryDaysModifier != -2 {
		t.Errorf("extras did not survive round trip: %+v", got.Extras)
	}
	if len(got.RequirementFiles) != 2 || got.RequirementFiles[0] != "brief.pdf" {
		t.Errorf("requirement files mismatch: %v", got.RequirementFiles)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Errorf("expected nil lifecycle timestamps on fresh order")
	}
	if got.Status != StatusRequirementsSubmitted || got.PaymentStatus != PaymentHeld {
		t.Errorf("status mismatch: %s/%s", got.Status, got.PaymentStatus)
	}

	if _, err := store.GetOrder(ctx, "ord_nonexistent"); err != ErrOrderNotFound {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestPostgresOrderUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	o := minimalOrder("ord_pgupd01", now)
	if err := store.CreateOrder(ctx, o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	started := now.Add(time.Hour)
	o.Status = StatusInProgress
	o.StartedAt = &started
	o.DueAt = started.Add(72 * time.Hour)
	o.RevisionsUsed = 1
	o.CurrentDeliveryID = "del_pgupd01"
	o.UpdatedAt = started
	if err := store.UpdateOrder(ctx, o); err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}

	got, err := store.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOrder after update: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("startedAt = %v, want %v", got.StartedAt, started)
	}
	if got.RevisionsUsed != 1 || got.CurrentDeliveryID != "del_pgupd01" {
		t.Errorf("mutable fields not persisted: %+v", got)
	}

	missing := minimalOrder("ord_missing", now)
	if err := store.UpdateOrder(ctx, missing); err != ErrOrderNotFound {
		t.Errorf("updating missing order: got %v, want ErrOrderNotFound", err)
	}
}

func TestPostgresListByParticipant(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	// Three orders touching usr_pglist: two as buyer, one as seller,
	// staggered creation times to check ordering.
	for i, spec := range []struct {
		id     string
		buyer  string
		seller string
	}{
		{"ord_pglist01", "usr_pglist", "usr_other1"},
		{"ord_pglist02", "usr_other2", "usr_pglist"},
		{"ord_pglist03", "usr_pglist", "usr_other3"},
	} {
		o := minimalOrder(spec.id, base.Add(time.Duration(i)*time.Minute))
		o.BuyerID = spec.buyer
		o.SellerID = spec.seller
		if err := store.CreateOrder(ctx, o); err != nil {
			t.Fatalf("CreateOrder %s: %v", spec.id, err)
		}
	}
	unrelated := minimalOrder("ord_pglist04", base)
	unrelated.BuyerID = "usr_other4"
	unrelated.SellerID = "usr_other5"
	if err := store.CreateOrder(ctx, unrelated); err != nil {
		t.Fatalf("CreateOrder unrelated: %v", err)
	}

	orders, err := store.ListByParticipant(ctx, "usr_pglist", 10)
	if err != nil {
		t.Fatalf("ListByParticipant: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("got %d orders, want 3", len(orders))
	}
	// Newest first.
	if orders[0].ID != "ord_pglist03" || orders[2].ID != "ord_pglist01" {
		t.Errorf("unexpected order: %s, %s, %s", orders[0].ID, orders[1].ID, orders[2].ID)
	}

	limited, err := store.ListByParticipant(ctx, "usr_pglist", 2)
	if err != nil {
		t.Fatalf("ListByParticipant limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit not applied: got %d", len(limited))
	}
}

func TestPostgresDeliveries(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	o := minimalOrder("ord_pgdel01", now)
	if err := store.CreateOrder(ctx, o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	first := &OrderDelivery{
		ID:           "del_pgdel01",
		OrderID:      o.ID,
		Number:       1,
		Message:      "first cut",
		Files:        []string{"logo_v1.png"},
		AutoAcceptAt: now.Add(-time.Minute),
		Status:       DeliveryPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateDelivery(ctx, first); err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
	second := &OrderDelivery{
		ID:           "del_pgdel02",
		OrderID:      o.ID,
		Number:       2,
		IsRevision:   true,
		AutoAcceptAt: now.Add(72 * time.Hour),
		Status:       DeliveryPending,
		CreatedAt:    now.Add(time.Hour),
		UpdatedAt:    now.Add(time.Hour),
	}
	if err := store.CreateDelivery(ctx, second); err != nil {
		t.Fatalf("CreateDelivery revision: %v", err)
	}

	deliveries, err := store.ListDeliveries(ctx, o.ID)
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	if len(deliveries) != 2 || deliveries[0].Number != 1 || deliveries[1].Number != 2 {
		t.Fatalf("unexpected deliveries: %+v", deliveries)
	}
	if !deliveries[1].IsRevision {
		t.Errorf("second delivery should be a revision")
	}

	// Only the first delivery is past its auto-accept window.
	due, err := store.ListAutoAcceptDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListAutoAcceptDue: %v", err)
	}
	if len(due) != 1 || due[0].ID != "del_pgdel01" {
		t.Fatalf("due deliveries = %+v, want just del_pgdel01", due)
	}

	first.Status = DeliveryAccepted
	first.UpdatedAt = now.Add(2 * time.Hour)
	if err := store.UpdateDelivery(ctx, first); err != nil {
		t.Fatalf("UpdateDelivery: %v", err)
	}
	got, err := store.GetDelivery(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if got.Status != DeliveryAccepted {
		t.Errorf("delivery status = %s, want accepted", got.Status)
	}

	// Accepted deliveries fall out of the auto-accept sweep.
	due, err = store.ListAutoAcceptDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListAutoAcceptDue after accept: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected no due deliveries after accept, got %d", len(due))
	}
}

// minimalOrder builds a valid order with the given creation time, ready
// for insertion without any optional fields set.
func minimalOrder(id string, createdAt time.Time) *ServiceOrder {
	return &ServiceOrder{
		ID:                id,
		ListingID:         "lst_pgtest",
		BuyerID:           "usr_pgbuyer",
		SellerID:          "usr_pgseller",
		PackageName:       "basic",
		PackagePriceCents: 5000,
		Quantity:          1,
		SubtotalCents:     5000,
		ServiceFeeCents:   250,
		TotalCents:        5250,
		Currency:          "USD",
		DeliveryDays:      3,
		OriginalDueAt:     createdAt.Add(72 * time.Hour),
		DueAt:             createdAt.Add(72 * time.Hour),
		RevisionsAllowed:  1,
		Status:            StatusRequirementsSubmitted,
		PaymentStatus:     PaymentHeld,
		PaymentIntentID:   "pi_" + id,
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}
}
