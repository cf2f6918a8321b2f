package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/freeflowhq/marketplace/internal/idgen"
	"github.com/freeflowhq/marketplace/internal/metrics"
	"github.com/freeflowhq/marketplace/internal/notify"
	"github.com/freeflowhq/marketplace/internal/order"
	"github.com/freeflowhq/marketplace/internal/syncutil"
	"github.com/freeflowhq/marketplace/internal/traces"
	"github.com/freeflowhq/marketplace/internal/validation"
)

// OrderResolver is the order-side port for dispute outcomes. Implemented
// by the order service.
type OrderResolver interface {
	Lookup(ctx context.Context, orderID string) (*order.ServiceOrder, error)
	ResolveCancel(ctx context.Context, orderID, reason, idempotencyKey string) error
	ResolveComplete(ctx context.Context, orderID, idempotencyKey string) error
	ResolvePartialRefund(ctx context.Context, orderID string, refundCents int64, idempotencyKey string) error
	ResolveRedelivery(ctx context.Context, orderID string, extraDays int) error
}

// Options tunes service behavior; zero values fall back to defaults.
type Options struct {
	// ResponseDeadline is how long the respondent has to answer before
	// the dispute auto-escalates.
	ResponseDeadline time.Duration
	// ProposalExpiry is how long a proposal stays open for acceptance.
	ProposalExpiry time.Duration
	// AppealLimit bounds how often a resolved dispute can be reopened.
	AppealLimit int
}

const (
	defaultResponseDeadline = 48 * time.Hour
	defaultProposalExpiry   = 72 * time.Hour
	defaultAppealLimit      = 2
)

// Service drives the dispute state machine. All transitions run under a
// per-dispute lock.
type Service struct {
	store    Store
	orders   OrderResolver
	notifier notify.Sender
	logger   *slog.Logger
	locks    syncutil.ShardedMutex

	responseDeadline time.Duration
	proposalExpiry   time.Duration
	appealLimit      int
}

// NewService creates a dispute service.
func NewService(store Store, orders OrderResolver, notifier notify.Sender, logger *slog.Logger, opts Options) *Service {
	if opts.ResponseDeadline <= 0 {
		opts.ResponseDeadline = defaultResponseDeadline
	}
	if opts.ProposalExpiry <= 0 {
		opts.ProposalExpiry = defaultProposalExpiry
	}
	if opts.AppealLimit <= 0 {
		opts.AppealLimit = defaultAppealLimit
	}
	return &Service{
		store:            store,
		orders:           orders,
		notifier:         notifier,
		logger:           logger,
		responseDeadline: opts.ResponseDeadline,
		proposalExpiry:   opts.ProposalExpiry,
		appealLimit:      opts.AppealLimit,
	}
}

// OpenRequest carries everything needed to open a dispute.
type OpenRequest struct {
	OrderID             string   `json:"orderId"`
	InitiatorID         string   `json:"initiatorId"`
	Type                Type     `json:"type"`
	Priority            Priority `json:"priority,omitempty"`
	Subject             string   `json:"subject"`
	Description         string   `json:"description"`
	DisputedAmountCents int64    `json:"disputedAmountCents"`
}

// Open files a dispute against an order. Only an order party can open
// one; the other party becomes the respondent and has to answer before
// the response deadline or the dispute escalates.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.open",
		attribute.String("order.id", req.OrderID))
	defer span.End()

	if errs := validation.Validate(
		validation.Required("orderId", req.OrderID),
		validation.Required("subject", req.Subject),
		validation.Required("description", req.Description),
		validation.PositiveAmount("disputedAmountCents", req.DisputedAmountCents),
	); len(errs) > 0 {
		return nil, errs
	}
	if !validTypes[req.Type] {
		return nil, fmt.Errorf("%w: unknown dispute type %q", ErrInvalidTransition, req.Type)
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}

	o, err := s.orders.Lookup(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParty(req.InitiatorID) {
		return nil, ErrUnauthorized
	}
	if o.Status == order.StatusCancelled {
		return nil, ErrOrderNotDisputable
	}
	if req.DisputedAmountCents > o.TotalCents {
		return nil, fmt.Errorf("%w: %d > %d", ErrAmountExceedsOrder, req.DisputedAmountCents, o.TotalCents)
	}

	// One active dispute per order: serialize on the order ID so two
	// concurrent opens cannot both pass the check.
	unlock := s.locks.Lock("order:" + req.OrderID)
	defer unlock()

	if existing, err := s.store.GetActiveByOrder(ctx, req.OrderID); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrActiveDispute, existing.ID)
	}

	now := time.Now()
	deadline := now.Add(s.responseDeadline)
	d := &Dispute{
		ID:                   idgen.WithPrefix(idgen.PrefixDispute),
		OrderID:              o.ID,
		InitiatorID:          req.InitiatorID,
		RespondentID:         o.Counterparty(req.InitiatorID),
		Type:                 req.Type,
		Priority:             req.Priority,
		Subject:              req.Subject,
		Description:          req.Description,
		DisputedAmountCents:  req.DisputedAmountCents,
		Currency:             o.Currency,
		Status:               StatusResponsePending,
		AwaitingResponseFrom: o.Counterparty(req.InitiatorID),
		ResponseDeadline:     &deadline,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.CreateDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("create dispute: %w", err)
	}

	s.logActivity(ctx, d, req.InitiatorID, "opened", string(req.Type))
	s.logger.Info("dispute opened",
		"dispute_id", d.ID, "order_id", o.ID, "type", d.Type,
		"initiator", d.InitiatorID, "disputed_cents", d.DisputedAmountCents)
	s.notify(ctx, d.RespondentID, "Dispute opened against your order",
		fmt.Sprintf("A dispute was opened: %s. Respond before %s.", d.Subject, deadline.Format(time.RFC822)),
		notify.PriorityUrgent, d)
	return d, nil
}

// Respond records the respondent's answer and moves the dispute into
// discussion.
func (s *Service) Respond(ctx context.Context, disputeID, callerID, response string) (*Dispute, error) {
	if errs := validation.Validate(
		validation.Required("response", response),
	); len(errs) > 0 {
		return nil, errs
	}

	return s.transition(ctx, disputeID, callerID, ActionRespond, func(d *Dispute) error {
		if d.AwaitingResponseFrom == "" || callerID != d.AwaitingResponseFrom {
			return ErrNotAwaitingResponse
		}
		now := time.Now()
		d.Response = response
		d.RespondedAt = &now
		d.AwaitingResponseFrom = ""
		d.ResponseDeadline = nil
		s.logActivity(ctx, d, callerID, "responded", "")
		s.notify(ctx, d.Counterparty(callerID), "Dispute response received",
			"The other party responded to the dispute.", notify.PriorityHigh, d)
		return nil
	})
}

// Escalate hands a stuck dispute to mediation. Either party can
// escalate; a mediator still has to be assigned.
func (s *Service) Escalate(ctx context.Context, disputeID, callerID, reason string) (*Dispute, error) {
	return s.transition(ctx, disputeID, callerID, ActionEscalate, func(d *Dispute) error {
		if !d.IsParty(callerID) {
			return ErrUnauthorized
		}
		d.AwaitingResponseFrom = ""
		d.ResponseDeadline = nil
		s.logActivity(ctx, d, callerID, "escalated", reason)
		s.notify(ctx, d.Counterparty(callerID), "Dispute escalated",
			"The dispute was escalated to mediation.", notify.PriorityHigh, d)
		return nil
	})
}

// AssignMediator puts an escalated dispute into mediation. Called from
// the admin surface, not by the parties.
func (s *Service) AssignMediator(ctx context.Context, disputeID, mediatorID string) (*Dispute, error) {
	if errs := validation.Validate(
		validation.Required("mediatorId", mediatorID),
	); len(errs) > 0 {
		return nil, errs
	}

	return s.transition(ctx, disputeID, mediatorID, ActionMediate, func(d *Dispute) error {
		if d.IsParty(mediatorID) {
			return fmt.Errorf("%w: a party cannot mediate its own dispute", ErrUnauthorized)
		}
		d.MediatorID = mediatorID
		resolveBy := time.Now().Add(s.proposalExpiry)
		d.ResolutionDeadline = &resolveBy
		s.logActivity(ctx, d, mediatorID, "mediator_assigned", "")
		s.notify(ctx, d.InitiatorID, "Mediator assigned",
			"A mediator joined the dispute.", notify.PriorityNormal, d)
		s.notify(ctx, d.RespondentID, "Mediator assigned",
			"A mediator joined the dispute.", notify.PriorityNormal, d)
		return nil
	})
}

// Appeal reopens a resolved dispute, bounded by the appeal limit. The
// dispute passes through appealed and lands back in in_discussion in
// the same locked operation. The resolution's order-side effects are
// not undone; the reopened dispute has to reach a new resolution to
// change anything.
func (s *Service) Appeal(ctx context.Context, disputeID, callerID, reason string) (*Dispute, error) {
	if errs := validation.Validate(
		validation.Required("reason", reason),
	); len(errs) > 0 {
		return nil, errs
	}

	unlock := s.locks.Lock(disputeID)
	defer unlock()

	if _, err := s.transitionLocked(ctx, disputeID, callerID, ActionAppeal, func(d *Dispute) error {
		if !d.IsParty(callerID) {
			return ErrUnauthorized
		}
		if d.AppealsUsed >= s.appealLimit {
			return fmt.Errorf("%w: %d of %d used", ErrAppealLimitExceeded, d.AppealsUsed, s.appealLimit)
		}
		now := time.Now()
		d.AppealsUsed++
		d.LastAppealAt = &now
		s.logActivity(ctx, d, callerID, "appealed", reason)
		s.notify(ctx, d.Counterparty(callerID), "Dispute resolution appealed",
			"The other party appealed the resolution. The dispute is back in discussion.",
			notify.PriorityUrgent, d)
		return nil
	}); err != nil {
		return nil, err
	}

	return s.transitionLocked(ctx, disputeID, callerID, ActionReopen, nil)
}

// Close ends a dispute without touching the order. Either party or the
// assigned mediator may close it.
func (s *Service) Close(ctx context.Context, disputeID, callerID, reason string) (*Dispute, error) {
	return s.transition(ctx, disputeID, callerID, ActionClose, func(d *Dispute) error {
		if !d.IsParticipant(callerID) {
			return ErrUnauthorized
		}
		now := time.Now()
		d.ClosedAt = &now
		d.AwaitingResponseFrom = ""
		d.ResponseDeadline = nil
		d.EvidenceDeadline = nil
		d.ResolutionDeadline = nil
		s.logActivity(ctx, d, callerID, "closed", reason)
		s.notify(ctx, d.Counterparty(callerID), "Dispute closed",
			"The dispute was closed without a resolution.", notify.PriorityNormal, d)
		return nil
	})
}

// Get returns a dispute, visible to its parties and the mediator.
func (s *Service) Get(ctx context.Context, disputeID, callerID string) (*Dispute, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsParticipant(callerID) {
		return nil, ErrUnauthorized
	}
	return d, nil
}

// ListByParticipant returns the caller's disputes, newest first.
func (s *Service) ListByParticipant(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByParticipant(ctx, userID, limit)
}

// ListActivity returns the audit log, visible to participants.
func (s *Service) ListActivity(ctx context.Context, disputeID, callerID string) ([]*Activity, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsParticipant(callerID) {
		return nil, ErrUnauthorized
	}
	return s.store.ListActivity(ctx, disputeID)
}

// transition runs one table-validated state change under the dispute
// lock. The mutate callback sees the dispute with its new status already
// set; returning an error aborts without persisting.
func (s *Service) transition(ctx context.Context, disputeID, callerID string, action Action, mutate func(*Dispute) error) (*Dispute, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()
	return s.transitionLocked(ctx, disputeID, callerID, action, mutate)
}

func (s *Service) transitionLocked(ctx context.Context, disputeID, callerID string, action Action, mutate func(*Dispute) error) (*Dispute, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	next, err := nextStatus(d.Status, action)
	if err != nil {
		return nil, fmt.Errorf("%w: %s cannot %s", ErrInvalidTransition, d.Status, action)
	}

	prev := d.Status
	d.Status = next
	d.UpdatedAt = time.Now()
	if mutate != nil {
		if err := mutate(d); err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("update dispute: %w", err)
	}

	s.logger.Info("dispute transition",
		"dispute_id", d.ID, "action", action, "from", prev, "to", d.Status, "actor", callerID)
	return d, nil
}

func (s *Service) logActivity(ctx context.Context, d *Dispute, actorID, kind, detail string) {
	a := &Activity{
		ID:        idgen.WithPrefix(idgen.PrefixActivity),
		DisputeID: d.ID,
		ActorID:   actorID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendActivity(ctx, a); err != nil {
		s.logger.Warn("failed to append dispute activity",
			"dispute_id", d.ID, "kind", kind, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, recipient, title, message string, priority notify.Priority, d *Dispute) {
	s.notifier.Send(ctx, notify.Notification{
		Recipient: recipient,
		Title:     title,
		Message:   message,
		Category:  notify.CategoryDispute,
		Priority:  priority,
		ActionURL: "/disputes/" + d.ID,
		Data:      map[string]any{"disputeId": d.ID, "orderId": d.OrderID},
	})
}

// resolvedCounter bumps the resolution outcome metric.
func resolvedCounter(rt ResolutionType) {
	metrics.DisputesResolvedTotal.WithLabelValues(string(rt)).Inc()
}
