package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/freeflowhq/marketplace/internal/idgen"
	"github.com/freeflowhq/marketplace/internal/listing"
	"github.com/freeflowhq/marketplace/internal/metrics"
	"github.com/freeflowhq/marketplace/internal/notify"
	"github.com/freeflowhq/marketplace/internal/payment"
	"github.com/freeflowhq/marketplace/internal/reconciliation"
	"github.com/freeflowhq/marketplace/internal/syncutil"
	"github.com/freeflowhq/marketplace/internal/traces"
	"github.com/freeflowhq/marketplace/internal/validation"
)

// ErrCancellationPending is returned when a cancellation request is
// already awaiting a decision.
var ErrCancellationPending = errors.New("cancellation request already pending")

// Options tunes service behavior; zero values fall back to defaults.
type Options struct {
	// ServiceFeeRate is the platform fee as a fraction of the subtotal.
	ServiceFeeRate float64
	// AutoAcceptGrace is how long a buyer has to act on a delivery
	// before it is accepted on their behalf.
	AutoAcceptGrace time.Duration
}

const (
	defaultFeeRate         = 0.05
	defaultAutoAcceptGrace = 72 * time.Hour
)

// Service drives the order state machine. All transitions run under a
// per-order lock; commercial terms are fixed at creation time.
type Service struct {
	store    Store
	catalog  listing.Catalog
	gateway  payment.Gateway
	notifier notify.Sender
	recon    *reconciliation.Queue
	logger   *slog.Logger
	locks    syncutil.ShardedMutex

	feeRate         float64
	autoAcceptGrace time.Duration
}

// NewService creates an order service.
func NewService(store Store, catalog listing.Catalog, gateway payment.Gateway, notifier notify.Sender, recon *reconciliation.Queue, logger *slog.Logger, opts Options) *Service {
	if opts.ServiceFeeRate <= 0 {
		opts.ServiceFeeRate = defaultFeeRate
	}
	if opts.AutoAcceptGrace <= 0 {
		opts.AutoAcceptGrace = defaultAutoAcceptGrace
	}
	return &Service{
		store:           store,
		catalog:         catalog,
		gateway:         gateway,
		notifier:        notifier,
		recon:           recon,
		logger:          logger,
		feeRate:         opts.ServiceFeeRate,
		autoAcceptGrace: opts.AutoAcceptGrace,
	}
}

// CreateOrderRequest carries everything needed to place an order.
type CreateOrderRequest struct {
	BuyerID     string   `json:"buyerId"`
	ListingID   string   `json:"listingId"`
	PackageName string   `json:"packageName"`
	ExtraIDs    []string `json:"extraIds,omitempty"`
	Quantity    int      `json:"quantity"`

	// Optional inline requirements. When present the order skips
	// straight to requirements_submitted.
	Requirements     string   `json:"requirements,omitempty"`
	RequirementFiles []string `json:"requirementFiles,omitempty"`
}

// CreateOrder prices a package order, places the payment hold, and
// persists the order. The hold comes first: if it fails, no order
// exists. If persisting fails after a successful hold, the hold is
// released best-effort.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*ServiceOrder, error) {
	ctx, span := traces.StartSpan(ctx, "order.create",
		attribute.String("listing.id", req.ListingID))
	defer span.End()

	if errs := validation.Validate(
		validation.Required("buyerId", req.BuyerID),
		validation.Required("listingId", req.ListingID),
		validation.Required("packageName", req.PackageName),
		validation.PositiveQuantity("quantity", req.Quantity),
	); len(errs) > 0 {
		return nil, errs
	}

	l, err := s.catalog.GetListing(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	if !l.Active || l.VacationMode {
		return nil, ErrListingUnavailable
	}
	if l.SellerID == req.BuyerID {
		return nil, ErrSelfPurchase
	}

	pkg, err := l.FindPackage(req.PackageName)
	if err != nil {
		return nil, err
	}

	subtotal := pkg.PriceCents * int64(req.Quantity)
	deliveryDays := pkg.DeliveryDays
	extras := make([]OrderExtra, 0, len(req.ExtraIDs))
	for _, id := range req.ExtraIDs {
		ex, err := l.FindExtra(id)
		if err != nil {
			return nil, err
		}
		subtotal += ex.PriceCents
		deliveryDays += ex.DeliveryDaysModifier
		extras = append(extras, OrderExtra{
			ID:                   ex.ID,
			Title:                ex.Title,
			PriceCents:           ex.PriceCents,
			DeliveryDaysModifier: ex.DeliveryDaysModifier,
		})
	}
	if deliveryDays < 1 {
		deliveryDays = 1
	}
	fee := int64(math.Round(float64(subtotal) * s.feeRate))
	total := subtotal + fee

	now := time.Now()
	o := &ServiceOrder{
		ID:                idgen.WithPrefix(idgen.PrefixOrder),
		ListingID:         l.ID,
		BuyerID:           req.BuyerID,
		SellerID:          l.SellerID,
		PackageName:       pkg.Name,
		PackagePriceCents: pkg.PriceCents,
		Quantity:          req.Quantity,
		Extras:            extras,
		SubtotalCents:     subtotal,
		ServiceFeeCents:   fee,
		TotalCents:        total,
		Currency:          l.Currency,
		DeliveryDays:      deliveryDays,
		OriginalDueAt:     now.AddDate(0, 0, deliveryDays),
		DueAt:             now.AddDate(0, 0, deliveryDays),
		RevisionsAllowed:  pkg.Revisions,
		Status:            StatusPending,
		PaymentStatus:     PaymentPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.Requirements != "" {
		o.Status = StatusRequirementsSubmitted
		o.Requirements = req.Requirements
		o.RequirementFiles = req.RequirementFiles
	}

	intentID, err := s.gateway.Hold(ctx, payment.HoldRequest{
		OrderID:     o.ID,
		BuyerID:     o.BuyerID,
		SellerID:    o.SellerID,
		AmountCents: o.TotalCents,
		Currency:    o.Currency,
	})
	if err != nil {
		metrics.OrderTransitionsTotal.WithLabelValues("create", "hold_failed").Inc()
		s.logger.Warn("payment hold failed", "order_id", o.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPaymentHoldFailed, err)
	}
	o.PaymentIntentID = intentID
	o.PaymentStatus = PaymentHeld

	if err := s.store.CreateOrder(ctx, o); err != nil {
		// Best-effort: don't leave the buyer's money held for an order
		// that was never recorded.
		if rerr := s.gateway.Refund(ctx, intentID, 0, "order_create_failed", "refund_create_"+o.ID); rerr != nil {
			s.logger.Error("failed to release hold after create failure",
				"order_id", o.ID, "intent_id", intentID, "error", rerr)
			s.recon.Enqueue(reconciliation.Entry{
				OrderID:        o.ID,
				IntentID:       intentID,
				Op:             reconciliation.OpRefund,
				Reason:         "order_create_failed",
				IdempotencyKey: "refund_create_" + o.ID,
			})
		}
		return nil, fmt.Errorf("create order: %w", err)
	}

	metrics.OrderTransitionsTotal.WithLabelValues("create", "ok").Inc()
	s.logger.Info("order created",
		"order_id", o.ID, "listing_id", l.ID, "buyer_id", o.BuyerID,
		"seller_id", o.SellerID, "total_cents", o.TotalCents, "status", o.Status)
	s.notify(ctx, o.SellerID, "New order received",
		fmt.Sprintf("You received a new order for %q (%s package).", l.Title, pkg.Name),
		notify.CategoryOrder, notify.PriorityHigh, o.ID)
	return o, nil
}

// SubmitRequirements records the buyer's project requirements and moves
// the order out of pending.
func (s *Service) SubmitRequirements(ctx context.Context, orderID, callerID, text string, files []string) (*ServiceOrder, error) {
	if errs := validation.Validate(
		validation.Required("requirements", text),
	); len(errs) > 0 {
		return nil, errs
	}

	return s.transition(ctx, orderID, callerID, roleBuyer, ActionSubmitRequirements, func(o *ServiceOrder) error {
		o.Requirements = text
		o.RequirementFiles = files
		s.notify(ctx, o.SellerID, "Requirements submitted",
			"The buyer submitted requirements. You can start working.",
			notify.CategoryOrder, notify.PriorityNormal, o.ID)
		return nil
	})
}

// StartWork marks the seller as having begun the work.
func (s *Service) StartWork(ctx context.Context, orderID, callerID string) (*ServiceOrder, error) {
	return s.transition(ctx, orderID, callerID, roleSeller, ActionStartWork, func(o *ServiceOrder) error {
		now := time.Now()
		o.StartedAt = &now
		s.notify(ctx, o.BuyerID, "Work started",
			"The seller has started working on your order.",
			notify.CategoryOrder, notify.PriorityNormal, o.ID)
		return nil
	})
}

// RequestCancellation records a cancellation request. A buyer cancelling
// before the seller has started work is refunded immediately; in every
// other case the counterparty has to approve.
func (s *Service) RequestCancellation(ctx context.Context, orderID, callerID, reason string) (*ServiceOrder, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParty(callerID) {
		return nil, ErrUnauthorized
	}
	if o.CancelledBy != "" {
		return nil, ErrCancellationPending
	}
	if _, err := nextStatus(o.Status, ActionRequestCancellation); err != nil {
		return nil, err
	}

	o.CancelReason = reason
	o.CancelledBy = callerID

	preWork := o.Status == StatusPending || o.Status == StatusRequirementsSubmitted
	if callerID == o.BuyerID && preWork {
		if err := s.cancel(ctx, o); err != nil {
			return nil, err
		}
		metrics.OrderTransitionsTotal.WithLabelValues(string(ActionRequestCancellation), "auto_approved").Inc()
		s.notify(ctx, o.SellerID, "Order cancelled",
			"The buyer cancelled the order before work started. The payment was refunded.",
			notify.CategoryOrder, notify.PriorityNormal, o.ID)
		return o, nil
	}

	o.UpdatedAt = time.Now()
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(ActionRequestCancellation), "ok").Inc()
	s.notify(ctx, o.Counterparty(callerID), "Cancellation requested",
		"The other party asked to cancel this order. Approve or decline the request.",
		notify.CategoryOrder, notify.PriorityHigh, o.ID)
	return o, nil
}

// ApproveCancellation lets the counterparty approve a pending
// cancellation request, cancelling the order and refunding the buyer.
// The requester cannot approve their own request.
func (s *Service) ApproveCancellation(ctx context.Context, orderID, callerID string) (*ServiceOrder, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParty(callerID) {
		return nil, ErrUnauthorized
	}
	if o.CancelledBy == "" {
		return nil, ErrNoCancellationPending
	}
	if o.CancelledBy == callerID {
		return nil, ErrSelfApproval
	}
	if _, err := nextStatus(o.Status, ActionApproveCancellation); err != nil {
		return nil, err
	}

	if err := s.cancel(ctx, o); err != nil {
		return nil, err
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(ActionApproveCancellation), "ok").Inc()
	s.notify(ctx, o.Counterparty(callerID), "Cancellation approved",
		"Your cancellation request was approved. The order is cancelled and the payment refunded.",
		notify.CategoryOrder, notify.PriorityNormal, o.ID)
	return o, nil
}

// DeclineCancellation rejects a pending cancellation request; the order
// keeps its status and the request is cleared. Only the counterparty of
// the requester can decline.
func (s *Service) DeclineCancellation(ctx context.Context, orderID, callerID string) (*ServiceOrder, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParty(callerID) {
		return nil, ErrUnauthorized
	}
	if o.CancelledBy == "" {
		return nil, ErrNoCancellationPending
	}
	if o.CancelledBy == callerID {
		return nil, ErrSelfApproval
	}

	requester := o.CancelledBy
	o.CancelReason = ""
	o.CancelledBy = ""
	o.UpdatedAt = time.Now()
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}
	metrics.OrderTransitionsTotal.WithLabelValues("decline_cancellation", "ok").Inc()
	s.notify(ctx, requester, "Cancellation declined",
		"Your cancellation request was declined. The order continues.",
		notify.CategoryOrder, notify.PriorityNormal, o.ID)
	return o, nil
}

// cancel moves a locked order to cancelled and refunds the held payment.
// The cancellation stands even when the refund call fails; the refund is
// then queued for reconciliation.
func (s *Service) cancel(ctx context.Context, o *ServiceOrder) error {
	now := time.Now()
	o.Status = StatusCancelled
	o.CancelledAt = &now
	o.UpdatedAt = now

	if o.PaymentStatus == PaymentHeld {
		o.PaymentStatus = PaymentRefunded
		key := "refund_cancel_" + o.ID
		if err := s.gateway.Refund(ctx, o.PaymentIntentID, 0, o.CancelReason, key); err != nil {
			s.logger.Error("refund failed at cancellation, queued for reconciliation",
				"order_id", o.ID, "intent_id", o.PaymentIntentID, "error", err)
			s.recon.Enqueue(reconciliation.Entry{
				OrderID:        o.ID,
				IntentID:       o.PaymentIntentID,
				Op:             reconciliation.OpRefund,
				Reason:         o.CancelReason,
				IdempotencyKey: key,
			})
		}
	}

	if err := s.store.UpdateOrder(ctx, o); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	s.logger.Info("order cancelled", "order_id", o.ID, "cancelled_by", o.CancelledBy)
	return nil
}

// Lookup fetches an order without the party visibility check. Used by
// the dispute engine, which does its own authorization (mediators are
// not order parties).
func (s *Service) Lookup(ctx context.Context, orderID string) (*ServiceOrder, error) {
	return s.store.GetOrder(ctx, orderID)
}

// Get returns an order, visible only to its parties.
func (s *Service) Get(ctx context.Context, orderID, callerID string) (*ServiceOrder, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParty(callerID) {
		return nil, ErrUnauthorized
	}
	return o, nil
}

// ListByParticipant returns the caller's orders, newest first.
func (s *Service) ListByParticipant(ctx context.Context, userID string, limit int) ([]*ServiceOrder, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByParticipant(ctx, userID, limit)
}

type partyRole int

const (
	roleAny partyRole = iota
	roleBuyer
	roleSeller
)

// transition runs one table-validated state change under the order lock.
// The mutate callback sees the order with its new status already set and
// may attach side data before the update is persisted.
func (s *Service) transition(ctx context.Context, orderID, callerID string, role partyRole, action Action, mutate func(*ServiceOrder) error) (*ServiceOrder, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := authorize(o, callerID, role); err != nil {
		return nil, err
	}

	next, err := nextStatus(o.Status, action)
	if err != nil {
		metrics.OrderTransitionsTotal.WithLabelValues(string(action), "invalid").Inc()
		return nil, fmt.Errorf("%w: %s cannot %s", ErrInvalidTransition, o.Status, action)
	}

	prev := o.Status
	o.Status = next
	o.UpdatedAt = time.Now()
	if mutate != nil {
		if err := mutate(o); err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(action), "ok").Inc()
	s.logger.Info("order transition",
		"order_id", o.ID, "action", action, "from", prev, "to", o.Status)
	return o, nil
}

func authorize(o *ServiceOrder, callerID string, role partyRole) error {
	switch role {
	case roleBuyer:
		if callerID != o.BuyerID {
			return ErrUnauthorized
		}
	case roleSeller:
		if callerID != o.SellerID {
			return ErrUnauthorized
		}
	default:
		if !o.IsParty(callerID) {
			return ErrUnauthorized
		}
	}
	return nil
}

func (s *Service) notify(ctx context.Context, recipient, title, message, category string, priority notify.Priority, orderID string) {
	s.notifier.Send(ctx, notify.Notification{
		Recipient: recipient,
		Title:     title,
		Message:   message,
		Category:  category,
		Priority:  priority,
		ActionURL: "/orders/" + orderID,
		Data:      map[string]any{"orderId": orderID},
	})
}
