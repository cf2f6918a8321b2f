package order

import (
	"context"
	"fmt"
	"time"

	"github.com/freeflowhq/marketplace/internal/notify"
	"github.com/freeflowhq/marketplace/internal/reconciliation"
)

// Dispute resolution entry points. These bypass the caller-role checks
// of the normal operations (the dispute engine has already authorized
// the outcome) but still run under the order lock and keep the payment
// invariants: a gateway failure never blocks the order transition, it
// is queued for reconciliation instead.

// ResolveCancel force-cancels an order and refunds the full held amount.
// Used for full_refund and order_cancelled resolutions. No-op on an
// already cancelled order.
func (s *Service) ResolveCancel(ctx context.Context, orderID, reason, idempotencyKey string) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == StatusCancelled {
		return nil
	}

	now := time.Now()
	o.Status = StatusCancelled
	o.CancelledAt = &now
	o.CancelReason = reason
	o.UpdatedAt = now

	// A held payment is released back; a captured one is refunded
	// post-capture. Either way the buyer is made whole.
	if o.PaymentStatus == PaymentHeld || o.PaymentStatus == PaymentReleased {
		o.PaymentStatus = PaymentRefunded
		s.refundOrQueue(ctx, o, 0, reason, idempotencyKey)
	}
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	s.logger.Info("order cancelled by dispute resolution", "order_id", o.ID, "reason", reason)
	s.notifyBoth(ctx, o, "Dispute resolved",
		"The dispute was resolved: the order is cancelled and the payment refunded.")
	return nil
}

// ResolveComplete force-completes an order and captures the held payment
// for the seller. Used for order_completed resolutions. No-op on an
// already completed order.
func (s *Service) ResolveComplete(ctx context.Context, orderID, idempotencyKey string) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == StatusCompleted {
		return nil
	}

	now := time.Now()
	o.Status = StatusCompleted
	o.CompletedAt = &now
	o.UpdatedAt = now

	if o.PaymentStatus == PaymentHeld {
		o.PaymentStatus = PaymentReleased
		if err := s.gateway.Capture(ctx, o.PaymentIntentID, idempotencyKey); err != nil {
			s.logger.Error("capture failed at dispute resolution, queued for reconciliation",
				"order_id", o.ID, "intent_id", o.PaymentIntentID, "error", err)
			s.recon.Enqueue(reconciliation.Entry{
				OrderID:        o.ID,
				IntentID:       o.PaymentIntentID,
				Op:             reconciliation.OpCapture,
				IdempotencyKey: idempotencyKey,
			})
		}
	}
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	s.logger.Info("order completed by dispute resolution", "order_id", o.ID)
	s.notifyBoth(ctx, o, "Dispute resolved",
		"The dispute was resolved: the order is completed and the payment released to the seller.")
	return nil
}

// ResolvePartialRefund completes the order, captures the full amount and
// refunds refundCents of it to the buyer. Used for partial_refund
// resolutions: the buyer keeps the work, the seller keeps the remainder.
func (s *Service) ResolvePartialRefund(ctx context.Context, orderID string, refundCents int64, idempotencyKey string) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == StatusCompleted || o.Status == StatusCancelled {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, o.Status)
	}

	now := time.Now()
	o.Status = StatusCompleted
	o.CompletedAt = &now
	o.UpdatedAt = now

	if o.PaymentStatus == PaymentHeld {
		o.PaymentStatus = PaymentReleased
		if err := s.gateway.Capture(ctx, o.PaymentIntentID, idempotencyKey+"_cap"); err != nil {
			s.logger.Error("capture failed at partial-refund resolution, queued for reconciliation",
				"order_id", o.ID, "intent_id", o.PaymentIntentID, "error", err)
			s.recon.Enqueue(reconciliation.Entry{
				OrderID:        o.ID,
				IntentID:       o.PaymentIntentID,
				Op:             reconciliation.OpCapture,
				IdempotencyKey: idempotencyKey + "_cap",
			})
		}
		s.refundOrQueue(ctx, o, refundCents, "dispute_partial_refund", idempotencyKey+"_ref")
	}
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	s.logger.Info("partial refund applied by dispute resolution",
		"order_id", o.ID, "refund_cents", refundCents)
	s.notifyBoth(ctx, o, "Dispute resolved",
		"The dispute was resolved with a partial refund to the buyer.")
	return nil
}

// ResolveRedelivery puts the order back into in_progress with a fresh
// delivery window so the seller can redeliver. The payment stays held.
func (s *Service) ResolveRedelivery(ctx context.Context, orderID string, extraDays int) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, o.Status)
	}
	if extraDays < 1 {
		extraDays = o.DeliveryDays
	}

	now := time.Now()
	o.Status = StatusInProgress
	o.DueAt = now.AddDate(0, 0, extraDays)
	o.UpdatedAt = now
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	s.logger.Info("order reopened for redelivery", "order_id", o.ID, "due_at", o.DueAt)
	s.notify(ctx, o.SellerID, "Redelivery required",
		"The dispute was resolved with a redelivery. A new delivery window has started.",
		notify.CategoryOrder, notify.PriorityHigh, o.ID)
	return nil
}

func (s *Service) refundOrQueue(ctx context.Context, o *ServiceOrder, amountCents int64, reason, key string) {
	if err := s.gateway.Refund(ctx, o.PaymentIntentID, amountCents, reason, key); err != nil {
		s.logger.Error("refund failed, queued for reconciliation",
			"order_id", o.ID, "intent_id", o.PaymentIntentID, "error", err)
		s.recon.Enqueue(reconciliation.Entry{
			OrderID:        o.ID,
			IntentID:       o.PaymentIntentID,
			Op:             reconciliation.OpRefund,
			AmountCents:    amountCents,
			Reason:         reason,
			IdempotencyKey: key,
		})
	}
}

func (s *Service) notifyBoth(ctx context.Context, o *ServiceOrder, title, message string) {
	s.notify(ctx, o.BuyerID, title, message, notify.CategoryDispute, notify.PriorityHigh, o.ID)
	s.notify(ctx, o.SellerID, title, message, notify.CategoryDispute, notify.PriorityHigh, o.ID)
}
