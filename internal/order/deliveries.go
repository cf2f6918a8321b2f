package order

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/freeflowhq/marketplace/internal/idgen"
	"github.com/freeflowhq/marketplace/internal/metrics"
	"github.com/freeflowhq/marketplace/internal/notify"
	"github.com/freeflowhq/marketplace/internal/reconciliation"
	"github.com/freeflowhq/marketplace/internal/traces"
	"github.com/freeflowhq/marketplace/internal/validation"
)

// Deliver submits the seller's work. The first submission and each
// revision redelivery go through here; every one creates a new delivery
// record and becomes the order's current delivery.
func (s *Service) Deliver(ctx context.Context, orderID, callerID, message string, files []string) (*ServiceOrder, *OrderDelivery, error) {
	if errs := validation.Validate(
		validation.Required("message", message),
	); len(errs) > 0 {
		return nil, nil, errs
	}

	var delivery *OrderDelivery
	o, err := s.transition(ctx, orderID, callerID, roleSeller, ActionDeliver, func(o *ServiceOrder) error {
		now := time.Now()
		d := &OrderDelivery{
			ID:           idgen.WithPrefix(idgen.PrefixDelivery),
			OrderID:      o.ID,
			Number:       o.RevisionsUsed + 1,
			Message:      message,
			Files:        files,
			IsRevision:   o.RevisionsUsed > 0,
			AutoAcceptAt: now.Add(s.autoAcceptGrace),
			Status:       DeliveryPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.store.CreateDelivery(ctx, d); err != nil {
			return fmt.Errorf("create delivery: %w", err)
		}
		delivery = d
		o.CurrentDeliveryID = d.ID
		o.DeliveredAt = &now
		return nil
	})
	if err != nil {
		// A delivery row without its order update is an orphan the
		// auto-accept sweep would later trip over; take it back out.
		if delivery != nil {
			if derr := s.store.DeleteDelivery(ctx, delivery.ID); derr != nil {
				s.logger.Warn("orphaned delivery not removed",
					"delivery_id", delivery.ID, "order_id", orderID, "error", derr)
			}
		}
		return nil, nil, err
	}

	s.notify(ctx, o.BuyerID, "Order delivered",
		fmt.Sprintf("Your order was delivered. Review it within %s or it will be accepted automatically.", s.autoAcceptGrace),
		notify.CategoryOrder, notify.PriorityHigh, o.ID)
	return o, delivery, nil
}

// RequestRevision asks the seller to rework the current delivery. The
// revision quota is checked before any mutation: an exhausted quota
// leaves the order in delivered, where the buyer can still accept or
// open a dispute.
func (s *Service) RequestRevision(ctx context.Context, orderID, callerID, note string) (*ServiceOrder, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if callerID != o.BuyerID {
		return nil, ErrUnauthorized
	}
	next, err := nextStatus(o.Status, ActionRequestRevision)
	if err != nil {
		metrics.OrderTransitionsTotal.WithLabelValues(string(ActionRequestRevision), "invalid").Inc()
		return nil, fmt.Errorf("%w: %s cannot %s", ErrInvalidTransition, o.Status, ActionRequestRevision)
	}
	if !o.revisionsRemaining() {
		metrics.OrderTransitionsTotal.WithLabelValues(string(ActionRequestRevision), "quota_exceeded").Inc()
		return nil, fmt.Errorf("%w: %d of %d used", ErrRevisionQuotaExceeded, o.RevisionsUsed, o.RevisionsAllowed)
	}

	d, err := s.store.GetDelivery(ctx, o.CurrentDeliveryID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	d.Status = DeliveryRevisionRequested
	d.RevisionNote = note
	d.UpdatedAt = now
	if err := s.store.UpdateDelivery(ctx, d); err != nil {
		return nil, fmt.Errorf("update delivery: %w", err)
	}

	o.Status = next
	o.RevisionsUsed++
	o.DueAt = now.AddDate(0, 0, o.DeliveryDays)
	o.UpdatedAt = now
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(ActionRequestRevision), "ok").Inc()
	s.logger.Info("revision requested",
		"order_id", o.ID, "revisions_used", o.RevisionsUsed, "revisions_allowed", o.RevisionsAllowed)
	s.notify(ctx, o.SellerID, "Revision requested",
		"The buyer requested a revision of your delivery.",
		notify.CategoryOrder, notify.PriorityHigh, o.ID)
	return o, nil
}

// AcceptDelivery completes the order and captures the held payment for
// the seller. A capture failure does not undo the completion; the
// capture is queued for reconciliation instead.
func (s *Service) AcceptDelivery(ctx context.Context, orderID, callerID string) (*ServiceOrder, error) {
	ctx, span := traces.StartSpan(ctx, "order.accept_delivery",
		attribute.String("order.id", orderID))
	defer span.End()

	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if callerID != o.BuyerID {
		return nil, ErrUnauthorized
	}
	return s.acceptLocked(ctx, o)
}

// acceptLocked finishes a delivered order: delivery accepted, order
// completed, payment captured. Caller holds the order lock.
func (s *Service) acceptLocked(ctx context.Context, o *ServiceOrder) (*ServiceOrder, error) {
	if _, err := nextStatus(o.Status, ActionAcceptDelivery); err != nil {
		metrics.OrderTransitionsTotal.WithLabelValues(string(ActionAcceptDelivery), "invalid").Inc()
		return nil, fmt.Errorf("%w: %s cannot %s", ErrInvalidTransition, o.Status, ActionAcceptDelivery)
	}

	now := time.Now()
	if o.CurrentDeliveryID != "" {
		d, err := s.store.GetDelivery(ctx, o.CurrentDeliveryID)
		if err != nil {
			return nil, err
		}
		d.Status = DeliveryAccepted
		d.UpdatedAt = now
		if err := s.store.UpdateDelivery(ctx, d); err != nil {
			return nil, fmt.Errorf("update delivery: %w", err)
		}
	}

	o.Status = StatusCompleted
	o.CompletedAt = &now
	o.UpdatedAt = now

	if o.PaymentStatus == PaymentHeld {
		o.PaymentStatus = PaymentReleased
		key := "cap_" + o.ID
		if err := s.gateway.Capture(ctx, o.PaymentIntentID, key); err != nil {
			s.logger.Error("capture failed at completion, queued for reconciliation",
				"order_id", o.ID, "intent_id", o.PaymentIntentID, "error", err)
			s.recon.Enqueue(reconciliation.Entry{
				OrderID:        o.ID,
				IntentID:       o.PaymentIntentID,
				Op:             reconciliation.OpCapture,
				IdempotencyKey: key,
			})
		}
	}

	if err := s.store.UpdateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(ActionAcceptDelivery), "ok").Inc()
	s.logger.Info("order completed", "order_id", o.ID, "total_cents", o.TotalCents)
	s.notify(ctx, o.SellerID, "Delivery accepted",
		"The buyer accepted your delivery. Payment has been released to you.",
		notify.CategoryPayment, notify.PriorityHigh, o.ID)
	return o, nil
}

// ListDeliveries returns every delivery of an order, visible only to its
// parties, oldest first.
func (s *Service) ListDeliveries(ctx context.Context, orderID, callerID string) ([]*OrderDelivery, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParty(callerID) {
		return nil, ErrUnauthorized
	}
	return s.store.ListDeliveries(ctx, orderID)
}

// AutoAcceptDue sweeps deliveries whose review window has passed and
// accepts them on the buyer's behalf. Returns how many were accepted.
func (s *Service) AutoAcceptDue(ctx context.Context, limit int) (int, error) {
	due, err := s.store.ListAutoAcceptDue(ctx, time.Now(), limit)
	if err != nil {
		return 0, err
	}

	accepted := 0
	for _, d := range due {
		if err := s.autoAccept(ctx, d); err != nil {
			s.logger.Error("auto-accept failed", "order_id", d.OrderID, "delivery_id", d.ID, "error", err)
			continue
		}
		accepted++
	}
	return accepted, nil
}

func (s *Service) autoAccept(ctx context.Context, d *OrderDelivery) error {
	unlock := s.locks.Lock(d.OrderID)
	defer unlock()

	o, err := s.store.GetOrder(ctx, d.OrderID)
	if err != nil {
		return err
	}
	// The buyer may have acted between the sweep query and this lock.
	if o.Status != StatusDelivered || o.CurrentDeliveryID != d.ID {
		return nil
	}

	if _, err := s.acceptLocked(ctx, o); err != nil {
		return err
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(ActionAcceptDelivery), "auto").Inc()
	s.logger.Info("delivery auto-accepted", "order_id", o.ID, "delivery_id", d.ID)
	s.notify(ctx, o.BuyerID, "Delivery auto-accepted",
		"The review window passed, so the delivery was accepted automatically.",
		notify.CategoryOrder, notify.PriorityNormal, o.ID)
	return nil
}
