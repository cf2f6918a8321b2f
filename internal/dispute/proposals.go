package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/freeflowhq/marketplace/internal/idgen"
	"github.com/freeflowhq/marketplace/internal/notify"
	"github.com/freeflowhq/marketplace/internal/validation"
)

// ProposalRequest carries a suggested resolution.
type ProposalRequest struct {
	Type        ResolutionType `json:"type"`
	AmountCents int64          `json:"amountCents,omitempty"`
	Note        string         `json:"note,omitempty"`
}

func (s *Service) validateProposal(d *Dispute, req ProposalRequest) error {
	if !validResolutions[req.Type] {
		return fmt.Errorf("%w: unknown resolution type %q", ErrInvalidTransition, req.Type)
	}
	if req.Type == ResolutionPartialRefund {
		if errs := validation.Validate(
			validation.PositiveAmount("amountCents", req.AmountCents),
		); len(errs) > 0 {
			return errs
		}
	}
	if req.AmountCents > d.DisputedAmountCents {
		return fmt.Errorf("%w: %d > %d", ErrAmountExceedsDispute, req.AmountCents, d.DisputedAmountCents)
	}
	return nil
}

// Propose suggests a resolution. Parties and the mediator can propose;
// while a proposal is pending a new one has to go through the counter
// path. A party proposer accepts their own proposal implicitly.
func (s *Service) Propose(ctx context.Context, disputeID, callerID string, req ProposalRequest) (*Proposal, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsParticipant(callerID) {
		return nil, ErrUnauthorized
	}
	if err := s.validateProposal(d, req); err != nil {
		return nil, err
	}
	if pending, err := s.store.GetPendingProposal(ctx, disputeID); err == nil && pending != nil {
		return nil, fmt.Errorf("%w: %s", ErrProposalPending, pending.ID)
	}

	p := s.buildProposal(d, callerID, req, "")
	if _, err := s.transitionLocked(ctx, disputeID, callerID, ActionPropose, func(d *Dispute) error {
		return s.store.CreateProposal(ctx, p)
	}); err != nil {
		return nil, err
	}

	s.logActivity(ctx, d, callerID, "proposal_made", string(req.Type))
	s.notifyParties(ctx, d, callerID, "Resolution proposed",
		fmt.Sprintf("A resolution was proposed: %s. Accept, reject, or counter before it expires.", req.Type))
	return p, nil
}

// RespondToProposal accepts, rejects, or counters a pending proposal.
// Acceptance is dual: the dispute resolves exactly once, when the second
// party accepts, and the resolution is applied to the order right away.
func (s *Service) RespondToProposal(ctx context.Context, disputeID, proposalID, callerID, action string, counter *ProposalRequest) (*Proposal, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsParty(callerID) {
		return nil, ErrUnauthorized
	}

	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.DisputeID != d.ID {
		return nil, ErrProposalNotFound
	}
	if p.Status != ProposalPending {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotPending, p.Status)
	}
	if time.Now().After(p.ExpiresAt) {
		s.expireProposalLocked(ctx, d, p)
		return nil, ErrProposalExpired
	}

	switch action {
	case "accept":
		// Even a one-sided accept must come while the dispute can still
		// resolve; a recorded acceptance would otherwise strand the
		// proposal once the dispute has moved on (e.g. escalated).
		if _, err := nextStatus(d.Status, ActionResolve); err != nil {
			return nil, fmt.Errorf("%w: %s cannot %s", ErrInvalidTransition, d.Status, ActionResolve)
		}
		return s.acceptProposal(ctx, d, p, callerID)
	case "reject":
		if _, err := nextStatus(d.Status, ActionReject); err != nil {
			return nil, fmt.Errorf("%w: %s cannot %s", ErrInvalidTransition, d.Status, ActionReject)
		}
		return s.rejectProposal(ctx, d, p, callerID)
	case "counter":
		if counter == nil {
			return nil, validation.ValidationErrors{{Field: "counter", Message: "is required for counter action"}}
		}
		if _, err := nextStatus(d.Status, ActionReject); err != nil {
			return nil, fmt.Errorf("%w: %s cannot %s", ErrInvalidTransition, d.Status, ActionReject)
		}
		return s.counterProposal(ctx, d, p, callerID, *counter)
	default:
		return nil, validation.ValidationErrors{{Field: "action", Message: "must be accept, reject, or counter"}}
	}
}

func (s *Service) acceptProposal(ctx context.Context, d *Dispute, p *Proposal, callerID string) (*Proposal, error) {
	if callerID == d.InitiatorID {
		p.InitiatorAccepted = true
	} else {
		p.RespondentAccepted = true
	}
	p.UpdatedAt = time.Now()

	if !(p.InitiatorAccepted && p.RespondentAccepted) {
		if err := s.store.UpdateProposal(ctx, p); err != nil {
			return nil, fmt.Errorf("update proposal: %w", err)
		}
		s.logActivity(ctx, d, callerID, "proposal_accepted", "awaiting other party")
		s.notify(ctx, d.Counterparty(callerID), "Proposal accepted by one party",
			"The other party accepted the proposal. Your acceptance resolves the dispute.",
			notify.PriorityHigh, d)
		return p, nil
	}

	// Both sides accepted: resolve exactly once, under the dispute lock.
	// The proposal's accepted status is persisted inside the resolve
	// transition, so a rejected transition leaves it pending.
	if _, err := s.transitionLocked(ctx, d.ID, callerID, ActionResolve, func(d *Dispute) error {
		p.Status = ProposalAccepted
		if err := s.store.UpdateProposal(ctx, p); err != nil {
			return fmt.Errorf("update proposal: %w", err)
		}
		now := time.Now()
		d.ResolutionType = p.Type
		d.ResolutionAmountCents = p.AmountCents
		d.ResolutionNote = p.Note
		d.ResolvedProposalID = p.ID
		d.ResolvedAt = &now
		d.EvidenceDeadline = nil
		d.ResolutionDeadline = nil
		return nil
	}); err != nil {
		return nil, err
	}

	resolvedCounter(p.Type)
	s.logActivity(ctx, d, callerID, "resolved", string(p.Type))
	s.applyResolution(ctx, d, p)
	s.notifyParties(ctx, d, "", "Dispute resolved",
		fmt.Sprintf("Both parties accepted the proposal: %s.", p.Type))
	return p, nil
}

func (s *Service) rejectProposal(ctx context.Context, d *Dispute, p *Proposal, callerID string) (*Proposal, error) {
	p.Status = ProposalRejected
	p.UpdatedAt = time.Now()
	if err := s.store.UpdateProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("update proposal: %w", err)
	}
	if _, err := s.transitionLocked(ctx, d.ID, callerID, ActionReject, nil); err != nil {
		return nil, err
	}

	s.logActivity(ctx, d, callerID, "proposal_rejected", "")
	s.notify(ctx, d.Counterparty(callerID), "Proposal rejected",
		"The other party rejected the proposal. The discussion continues.",
		notify.PriorityNormal, d)
	return p, nil
}

func (s *Service) counterProposal(ctx context.Context, d *Dispute, p *Proposal, callerID string, req ProposalRequest) (*Proposal, error) {
	if err := s.validateProposal(d, req); err != nil {
		return nil, err
	}

	successor := s.buildProposal(d, callerID, req, p.ID)
	now := time.Now()
	p.Status = ProposalCountered
	p.CounteredByID = successor.ID
	p.UpdatedAt = now
	if err := s.store.UpdateProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("update proposal: %w", err)
	}
	if err := s.store.CreateProposal(ctx, successor); err != nil {
		return nil, fmt.Errorf("create counter proposal: %w", err)
	}
	// Status stays resolution_proposed; touch the dispute timestamp.
	d.UpdatedAt = now
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("update dispute: %w", err)
	}

	s.logActivity(ctx, d, callerID, "proposal_countered", string(req.Type))
	s.notify(ctx, d.Counterparty(callerID), "Counter-proposal made",
		"The other party countered with a new proposal.", notify.PriorityHigh, d)
	return successor, nil
}

// Recommend marks a pending proposal as mediator-endorsed. Advisory
// only: both parties still have to accept it.
func (s *Service) Recommend(ctx context.Context, disputeID, proposalID, callerID string) (*Proposal, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.MediatorID == "" {
		return nil, ErrNoMediator
	}
	if callerID != d.MediatorID {
		return nil, ErrUnauthorized
	}

	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.DisputeID != d.ID {
		return nil, ErrProposalNotFound
	}
	if p.Status != ProposalPending {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotPending, p.Status)
	}

	p.RecommendedBy = callerID
	p.UpdatedAt = time.Now()
	if err := s.store.UpdateProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("update proposal: %w", err)
	}

	s.logActivity(ctx, d, callerID, "proposal_recommended", string(p.Type))
	s.notifyParties(ctx, d, "", "Mediator recommendation",
		"The mediator recommends accepting the pending proposal.")
	return p, nil
}

// ListProposals returns all proposals, visible to participants.
func (s *Service) ListProposals(ctx context.Context, disputeID, callerID string) ([]*Proposal, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsParticipant(callerID) {
		return nil, ErrUnauthorized
	}
	return s.store.ListProposals(ctx, disputeID)
}

func (s *Service) buildProposal(d *Dispute, proposerID string, req ProposalRequest, parentID string) *Proposal {
	now := time.Now()
	p := &Proposal{
		ID:               idgen.WithPrefix(idgen.PrefixProposal),
		DisputeID:        d.ID,
		ProposerID:       proposerID,
		Type:             req.Type,
		AmountCents:      req.AmountCents,
		Note:             req.Note,
		Status:           ProposalPending,
		ParentProposalID: parentID,
		ExpiresAt:        now.Add(s.proposalExpiry),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	// The proposing party implicitly accepts; a mediator proposal needs
	// both parties.
	switch proposerID {
	case d.InitiatorID:
		p.InitiatorAccepted = true
	case d.RespondentID:
		p.RespondentAccepted = true
	}
	return p
}

// expireProposalLocked marks a proposal expired and returns the dispute
// to discussion. Caller holds the dispute lock.
func (s *Service) expireProposalLocked(ctx context.Context, d *Dispute, p *Proposal) {
	p.Status = ProposalExpired
	p.UpdatedAt = time.Now()
	if err := s.store.UpdateProposal(ctx, p); err != nil {
		s.logger.Warn("failed to expire proposal", "proposal_id", p.ID, "error", err)
		return
	}
	if d.Status == StatusResolutionProposed {
		if _, err := s.transitionLocked(ctx, d.ID, "system", ActionReject, nil); err != nil &&
			!errors.Is(err, ErrInvalidTransition) {
			s.logger.Warn("failed to return dispute to discussion after expiry",
				"dispute_id", d.ID, "error", err)
		}
	}
	s.logActivity(ctx, d, "system", "proposal_expired", p.ID)
}

func (s *Service) notifyParties(ctx context.Context, d *Dispute, except, title, message string) {
	for _, uid := range []string{d.InitiatorID, d.RespondentID} {
		if uid == except {
			continue
		}
		s.notify(ctx, uid, title, message, notify.PriorityHigh, d)
	}
}
