package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/freeflowhq/marketplace/internal/idgen"
	"github.com/freeflowhq/marketplace/internal/notify"
	"github.com/freeflowhq/marketplace/internal/validation"
)

// statuses in which the discussion thread is open.
var discussionOpen = map[Status]bool{
	StatusResponsePending:    true,
	StatusInDiscussion:       true,
	StatusEvidenceReview:     true,
	StatusMediation:          true,
	StatusResolutionProposed: true,
	StatusEscalated:          true,
	StatusAppealed:           true,
}

// PostMessage adds a message to the dispute thread. Messages never
// change the dispute status. A message marked private to the mediator is
// hidden from the other party.
func (s *Service) PostMessage(ctx context.Context, disputeID, callerID, body string, privateToMediator bool) (*Message, error) {
	if errs := validation.Validate(
		validation.Required("body", body),
	); len(errs) > 0 {
		return nil, errs
	}

	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsParticipant(callerID) {
		return nil, ErrUnauthorized
	}
	if !discussionOpen[d.Status] {
		return nil, fmt.Errorf("%w: thread closed in %s", ErrInvalidTransition, d.Status)
	}
	if privateToMediator && d.MediatorID == "" {
		return nil, ErrNoMediator
	}

	m := &Message{
		ID:                idgen.WithPrefix(idgen.PrefixMessage),
		DisputeID:         d.ID,
		SenderID:          callerID,
		Body:              validation.SanitizeString(body, 4000),
		PrivateToMediator: privateToMediator,
		ReadBy:            []string{callerID},
		CreatedAt:         time.Now(),
	}
	if err := s.store.CreateMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	if !privateToMediator {
		s.notify(ctx, d.Counterparty(callerID), "New dispute message",
			"A new message was posted in the dispute.", notify.PriorityNormal, d)
	} else if callerID != d.MediatorID {
		s.notify(ctx, d.MediatorID, "New private dispute message",
			"A party sent you a private message.", notify.PriorityNormal, d)
	}
	return m, nil
}

// ListMessages returns the thread as visible to the caller: private
// messages are filtered out for everyone but their sender and the
// mediator.
func (s *Service) ListMessages(ctx context.Context, disputeID, callerID string) ([]*Message, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsParticipant(callerID) {
		return nil, ErrUnauthorized
	}

	all, err := s.store.ListMessages(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	visible := make([]*Message, 0, len(all))
	for _, m := range all {
		if m.VisibleTo(callerID, d.MediatorID) {
			visible = append(visible, m)
		}
	}
	return visible, nil
}

// SubmitEvidence attaches supporting material to the dispute. Evidence
// is append-only; the first submission moves the dispute into evidence
// review.
func (s *Service) SubmitEvidence(ctx context.Context, disputeID, callerID, title, description, fileURL string) (*Evidence, error) {
	if errs := validation.Validate(
		validation.Required("title", title),
	); len(errs) > 0 {
		return nil, errs
	}

	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsParty(callerID) {
		return nil, ErrUnauthorized
	}

	e := &Evidence{
		ID:          idgen.WithPrefix(idgen.PrefixEvidence),
		DisputeID:   d.ID,
		SubmitterID: callerID,
		Title:       validation.SanitizeString(title, 200),
		Description: validation.SanitizeString(description, 4000),
		FileURL:     fileURL,
		CreatedAt:   time.Now(),
	}

	if _, err := s.transitionLocked(ctx, disputeID, callerID, ActionEvidence, func(d *Dispute) error {
		if d.Status == StatusEvidenceReview && d.EvidenceDeadline == nil {
			reviewBy := time.Now().Add(s.responseDeadline)
			d.EvidenceDeadline = &reviewBy
		}
		return s.store.CreateEvidence(ctx, e)
	}); err != nil {
		return nil, err
	}

	s.logActivity(ctx, d, callerID, "evidence_submitted", e.Title)
	s.notify(ctx, d.Counterparty(callerID), "New evidence submitted",
		"The other party submitted evidence in the dispute.", notify.PriorityNormal, d)
	return e, nil
}

// VerifyEvidence records the mediator's assessment of one evidence item.
func (s *Service) VerifyEvidence(ctx context.Context, disputeID, evidenceID, callerID string, relevance int) (*Evidence, error) {
	if relevance < 1 || relevance > 5 {
		return nil, validation.ValidationErrors{{Field: "relevance", Message: "must be between 1 and 5"}}
	}

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

	e, err := s.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if e.DisputeID != d.ID {
		return nil, ErrEvidenceNotFound
	}

	e.Verified = true
	e.VerifiedBy = callerID
	e.RelevanceScore = relevance
	if err := s.store.UpdateEvidence(ctx, e); err != nil {
		return nil, fmt.Errorf("update evidence: %w", err)
	}

	s.logActivity(ctx, d, callerID, "evidence_verified", e.Title)
	return e, nil
}

// ListEvidence returns all evidence, visible to participants.
func (s *Service) ListEvidence(ctx context.Context, disputeID, callerID string) ([]*Evidence, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsParticipant(callerID) {
		return nil, ErrUnauthorized
	}
	return s.store.ListEvidence(ctx, disputeID)
}
