package dispute

import (
	"context"

	"github.com/freeflowhq/marketplace/internal/notify"
)

// applyResolution executes the order-side effects of an accepted
// resolution. The mapping is total over ResolutionType. The idempotency
// key is derived from the dispute ID, so the payment gateway sees each
// terminal outcome at most once even if effects are replayed.
//
// The dispute is already resolved when this runs; an effect failure is
// logged, not propagated. Payment legs that fail inside the order
// service land in the reconciliation queue.
func (s *Service) applyResolution(ctx context.Context, d *Dispute, p *Proposal) {
	key := d.ID + "_resolution"

	var err error
	switch p.Type {
	case ResolutionFullRefund:
		err = s.orders.ResolveCancel(ctx, d.OrderID, string(d.Type), key)
	case ResolutionOrderCancelled:
		err = s.orders.ResolveCancel(ctx, d.OrderID, "dispute_cancelled", key)
	case ResolutionPartialRefund:
		err = s.orders.ResolvePartialRefund(ctx, d.OrderID, p.AmountCents, key)
	case ResolutionOrderCompleted:
		err = s.orders.ResolveComplete(ctx, d.OrderID, key)
	case ResolutionRedelivery:
		err = s.orders.ResolveRedelivery(ctx, d.OrderID, 0)
	case ResolutionNoAction:
		// The order continues wherever it was.
	case ResolutionAccountWarning:
		// No order or payment effect. The warning is recorded on the
		// dispute and surfaced to the warned party; enforcement lives
		// outside this service.
		warned := d.RespondentID
		if p.ProposerID == d.RespondentID {
			warned = d.InitiatorID
		}
		s.logActivity(ctx, d, "system", "account_warning", warned)
		s.notify(ctx, warned, "Account warning issued",
			"The dispute resolved with a formal warning on your account.",
			notify.PriorityUrgent, d)
	}

	if err != nil {
		// The resolution stands; the order side is repaired out of band.
		s.logger.Error("failed to apply dispute resolution to order",
			"dispute_id", d.ID, "order_id", d.OrderID,
			"resolution", p.Type, "error", err)
		return
	}
	s.logger.Info("dispute resolution applied",
		"dispute_id", d.ID, "order_id", d.OrderID,
		"resolution", p.Type, "amount_cents", p.AmountCents)
}
