package dispute

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development mode and tests.
// All reads return deep copies so callers can never race on shared state.
type MemoryStore struct {
	mu         sync.RWMutex
	disputes   map[string]*Dispute
	messages   map[string]*Message
	evidence   map[string]*Evidence
	proposals  map[string]*Proposal
	activities map[string][]*Activity // keyed by dispute ID, append-only
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes:   make(map[string]*Dispute),
		messages:   make(map[string]*Message),
		evidence:   make(map[string]*Evidence),
		proposals:  make(map[string]*Proposal),
		activities: make(map[string][]*Activity),
	}
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) GetActiveByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.disputes {
		if d.OrderID == orderID && d.Status.Active() {
			return copyDispute(d), nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) ListByParticipant(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if d.IsParticipant(userID) {
			out = append(out, copyDispute(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListResponseOverdue(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if d.Status == StatusResponsePending && d.ResponseDeadline != nil && d.ResponseDeadline.Before(before) {
			out = append(out, copyDispute(d))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = copyMessage(msg)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, disputeID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for _, msg := range m.messages {
		if msg.DisputeID == disputeID {
			out = append(out, copyMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateEvidence(ctx context.Context, e *Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.evidence[e.ID] = &cp
	return nil
}

func (m *MemoryStore) GetEvidence(ctx context.Context, id string) (*Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.evidence[id]
	if !ok {
		return nil, ErrEvidenceNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) UpdateEvidence(ctx context.Context, e *Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.evidence[e.ID]; !ok {
		return ErrEvidenceNotFound
	}
	cp := *e
	m.evidence[e.ID] = &cp
	return nil
}

func (m *MemoryStore) ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Evidence
	for _, e := range m.evidence {
		if e.DisputeID == disputeID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateProposal(ctx context.Context, p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.proposals[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpdateProposal(ctx context.Context, p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[p.ID]; !ok {
		return ErrProposalNotFound
	}
	cp := *p
	m.proposals[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListProposals(ctx context.Context, disputeID string) ([]*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Proposal
	for _, p := range m.proposals {
		if p.DisputeID == disputeID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetPendingProposal(ctx context.Context, disputeID string) (*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.proposals {
		if p.DisputeID == disputeID && p.Status == ProposalPending {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrProposalNotFound
}

func (m *MemoryStore) ListExpiredProposals(ctx context.Context, before time.Time, limit int) ([]*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Proposal
	for _, p := range m.proposals {
		if p.Status == ProposalPending && p.ExpiresAt.Before(before) {
			cp := *p
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendActivity(ctx context.Context, a *Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.activities[a.DisputeID] = append(m.activities[a.DisputeID], &cp)
	return nil
}

func (m *MemoryStore) ListActivity(ctx context.Context, disputeID string) ([]*Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Activity, 0, len(m.activities[disputeID]))
	for _, a := range m.activities[disputeID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func copyDispute(d *Dispute) *Dispute {
	c := *d
	c.ResponseDeadline = copyTime(d.ResponseDeadline)
	c.RespondedAt = copyTime(d.RespondedAt)
	c.EvidenceDeadline = copyTime(d.EvidenceDeadline)
	c.ResolutionDeadline = copyTime(d.ResolutionDeadline)
	c.LastAppealAt = copyTime(d.LastAppealAt)
	c.ResolvedAt = copyTime(d.ResolvedAt)
	c.ClosedAt = copyTime(d.ClosedAt)
	return &c
}

func copyMessage(m *Message) *Message {
	c := *m
	c.ReadBy = append([]string(nil), m.ReadBy...)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
