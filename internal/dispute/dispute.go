// Package dispute implements the dispute resolution engine for
// marketplace orders.
//
// A dispute runs its own state machine next to the order: the initiator
// opens it against an order, the respondent answers before a deadline,
// the parties discuss and exchange evidence, and either side proposes a
// resolution. A proposal needs both parties to accept; accepted
// resolutions are applied to the order (refund, capture, redelivery)
// exactly once. Stuck disputes escalate to a mediator, whose
// recommendation is advisory: the parties still have to accept.
package dispute

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisputeNotFound  = errors.New("dispute not found")
	ErrMessageNotFound  = errors.New("dispute message not found")
	ErrEvidenceNotFound = errors.New("evidence not found")
	ErrProposalNotFound = errors.New("proposal not found")

	// ErrInvalidTransition is returned when an action is not permitted
	// from the dispute's current status. Nothing is mutated.
	ErrInvalidTransition = errors.New("invalid dispute status for this operation")

	ErrUnauthorized = errors.New("not authorized for this dispute operation")

	// ErrActiveDispute is returned when the order already has a dispute
	// that is neither resolved nor closed.
	ErrActiveDispute = errors.New("order already has an active dispute")

	ErrAmountExceedsOrder   = errors.New("disputed amount exceeds order total")
	ErrAmountExceedsDispute = errors.New("resolution amount exceeds disputed amount")
	ErrProposalPending      = errors.New("a pending proposal already exists, counter it instead")
	ErrProposalNotPending   = errors.New("proposal is no longer pending")
	ErrProposalExpired      = errors.New("proposal has expired")
	ErrAppealLimitExceeded  = errors.New("appeal limit exhausted")
	ErrNoMediator           = errors.New("dispute has no mediator assigned")
	ErrOrderNotDisputable   = errors.New("cancelled orders cannot be disputed")
	ErrNotAwaitingResponse  = errors.New("no response is awaited from this party")
)

// Status represents the state of a dispute.
type Status string

// A new dispute starts in response_pending: opening and setting the
// respondent's deadline are one step, recorded as the "opened" activity.
const (
	StatusResponsePending    Status = "response_pending"
	StatusInDiscussion       Status = "in_discussion"
	StatusEvidenceReview     Status = "evidence_review"
	StatusMediation          Status = "mediation"
	StatusResolutionProposed Status = "resolution_proposed"
	StatusResolved           Status = "resolved"
	StatusAppealed           Status = "appealed"
	StatusEscalated          Status = "escalated"
	StatusClosed             Status = "closed"
)

// Active reports whether the dispute still needs an outcome.
func (s Status) Active() bool {
	return s != StatusResolved && s != StatusClosed
}

// Type categorizes what the dispute is about.
type Type string

const (
	TypeNotAsDescribed         Type = "not_as_described"
	TypeLateDelivery           Type = "late_delivery"
	TypeRefundRequest          Type = "refund_request"
	TypeQualityIssue           Type = "quality_issue"
	TypeCommunicationBreakdown Type = "communication_breakdown"
	TypeScopeDisagreement      Type = "scope_disagreement"
	TypeOther                  Type = "other"
)

var validTypes = map[Type]bool{
	TypeNotAsDescribed:         true,
	TypeLateDelivery:           true,
	TypeRefundRequest:          true,
	TypeQualityIssue:           true,
	TypeCommunicationBreakdown: true,
	TypeScopeDisagreement:      true,
	TypeOther:                  true,
}

// Priority orders the mediation backlog.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ResolutionType names the agreed outcome of a dispute.
type ResolutionType string

const (
	ResolutionFullRefund     ResolutionType = "full_refund"
	ResolutionPartialRefund  ResolutionType = "partial_refund"
	ResolutionRedelivery     ResolutionType = "redelivery"
	ResolutionOrderCompleted ResolutionType = "order_completed"
	ResolutionOrderCancelled ResolutionType = "order_cancelled"
	ResolutionNoAction       ResolutionType = "no_action"
	ResolutionAccountWarning ResolutionType = "account_warning"
)

var validResolutions = map[ResolutionType]bool{
	ResolutionFullRefund:     true,
	ResolutionPartialRefund:  true,
	ResolutionRedelivery:     true,
	ResolutionOrderCompleted: true,
	ResolutionOrderCancelled: true,
	ResolutionNoAction:       true,
	ResolutionAccountWarning: true,
}

// ProposalStatus represents the state of one resolution proposal.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalAccepted  ProposalStatus = "accepted"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalExpired   ProposalStatus = "expired"
	ProposalCountered ProposalStatus = "countered"
)

// Action names one dispute state machine operation.
type Action string

const (
	ActionRespond  Action = "respond"
	ActionEvidence Action = "submit_evidence"
	ActionPropose  Action = "propose_resolution"
	ActionReject   Action = "reject_proposal"
	ActionResolve  Action = "resolve"
	ActionEscalate Action = "escalate"
	ActionMediate  Action = "assign_mediator"
	ActionAppeal   Action = "appeal"
	ActionReopen   Action = "reopen"
	ActionClose    Action = "close"
)

// transitions is the full dispute state machine: (status, action) pairs
// absent from this table are rejected with ErrInvalidTransition.
// Message posting never changes status and is not in the table.
var transitions = map[Status]map[Action]Status{
	StatusResponsePending: {
		ActionRespond:  StatusInDiscussion,
		ActionEvidence: StatusEvidenceReview,
		ActionPropose:  StatusResolutionProposed,
		ActionEscalate: StatusEscalated,
		ActionClose:    StatusClosed,
	},
	StatusInDiscussion: {
		ActionEvidence: StatusEvidenceReview,
		ActionPropose:  StatusResolutionProposed,
		ActionEscalate: StatusEscalated,
		ActionClose:    StatusClosed,
	},
	StatusEvidenceReview: {
		ActionEvidence: StatusEvidenceReview,
		ActionPropose:  StatusResolutionProposed,
		ActionEscalate: StatusEscalated,
		ActionClose:    StatusClosed,
	},
	StatusMediation: {
		ActionEvidence: StatusMediation,
		ActionPropose:  StatusResolutionProposed,
		ActionClose:    StatusClosed,
	},
	StatusResolutionProposed: {
		ActionReject:   StatusInDiscussion,
		ActionResolve:  StatusResolved,
		ActionEscalate: StatusEscalated,
		ActionClose:    StatusClosed,
	},
	StatusEscalated: {
		ActionMediate:  StatusMediation,
		ActionEvidence: StatusEscalated,
		ActionClose:    StatusClosed,
	},
	StatusResolved: {
		ActionAppeal: StatusAppealed,
		ActionClose:  StatusClosed,
	},
	// appealed is momentary: Appeal performs the reopen hop in the same
	// locked operation, so at rest a dispute is never appealed.
	StatusAppealed: {
		ActionReopen: StatusInDiscussion,
	},
	// closed is terminal.
}

func nextStatus(from Status, action Action) (Status, error) {
	if row, ok := transitions[from]; ok {
		if to, ok := row[action]; ok {
			return to, nil
		}
	}
	return "", ErrInvalidTransition
}

// Dispute is one conflict over an order.
type Dispute struct {
	ID           string `json:"id"`
	OrderID      string `json:"orderId"`
	InitiatorID  string `json:"initiatorId"`
	RespondentID string `json:"respondentId"`
	MediatorID   string `json:"mediatorId,omitempty"`

	Type        Type     `json:"type"`
	Priority    Priority `json:"priority"`
	Subject     string   `json:"subject"`
	Description string   `json:"description"`

	// DisputedAmountCents caps what any resolution can move. Never more
	// than the order total.
	DisputedAmountCents int64  `json:"disputedAmountCents"`
	Currency            string `json:"currency"`

	Status Status `json:"status"`

	// AwaitingResponseFrom names the party whose answer is pending
	// (the respondent, after open).
	AwaitingResponseFrom string     `json:"awaitingResponseFrom,omitempty"`
	ResponseDeadline     *time.Time `json:"responseDeadline,omitempty"`
	Response             string     `json:"response,omitempty"`
	RespondedAt          *time.Time `json:"respondedAt,omitempty"`

	// Advisory deadlines for the evidence and mediation phases. The
	// engine enforces only the response deadline; these are surfaced to
	// clients and sweeps.
	EvidenceDeadline   *time.Time `json:"evidenceDeadline,omitempty"`
	ResolutionDeadline *time.Time `json:"resolutionDeadline,omitempty"`

	// Resolution fields, set exactly once when the dispute resolves.
	ResolutionType        ResolutionType `json:"resolutionType,omitempty"`
	ResolutionAmountCents int64          `json:"resolutionAmountCents,omitempty"`
	ResolutionNote        string         `json:"resolutionNote,omitempty"`
	ResolvedProposalID    string         `json:"resolvedProposalId,omitempty"`
	ResolvedAt            *time.Time     `json:"resolvedAt,omitempty"`

	AppealsUsed  int        `json:"appealsUsed"`
	LastAppealAt *time.Time `json:"lastAppealAt,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
}

// IsParty returns true if userID is the initiator or the respondent.
func (d *Dispute) IsParty(userID string) bool {
	return userID == d.InitiatorID || userID == d.RespondentID
}

// IsParticipant returns true for parties and the assigned mediator.
func (d *Dispute) IsParticipant(userID string) bool {
	return d.IsParty(userID) || (d.MediatorID != "" && userID == d.MediatorID)
}

// Counterparty returns the other party of the dispute.
func (d *Dispute) Counterparty(userID string) string {
	if userID == d.InitiatorID {
		return d.RespondentID
	}
	return d.InitiatorID
}

// Message is one entry in the dispute discussion thread.
type Message struct {
	ID        string `json:"id"`
	DisputeID string `json:"disputeId"`
	SenderID  string `json:"senderId"`
	Body      string `json:"body"`

	// PrivateToMediator hides the message from the other party; only
	// the sender and the mediator can read it.
	PrivateToMediator bool `json:"privateToMediator"`

	ReadBy    []string  `json:"readBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// VisibleTo reports whether a participant may read the message.
func (m *Message) VisibleTo(userID string, mediatorID string) bool {
	if !m.PrivateToMediator {
		return true
	}
	return userID == m.SenderID || (mediatorID != "" && userID == mediatorID)
}

// Evidence is one append-only piece of supporting material.
type Evidence struct {
	ID          string `json:"id"`
	DisputeID   string `json:"disputeId"`
	SubmitterID string `json:"submitterId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	FileURL     string `json:"fileUrl,omitempty"`

	// Mediator assessment.
	Verified       bool   `json:"verified"`
	VerifiedBy     string `json:"verifiedBy,omitempty"`
	RelevanceScore int    `json:"relevanceScore,omitempty"` // 1..5

	CreatedAt time.Time `json:"createdAt"`
}

// Proposal is one suggested resolution. At most one proposal per dispute
// is pending at a time; counters expire the old one and link to it.
type Proposal struct {
	ID          string         `json:"id"`
	DisputeID   string         `json:"disputeId"`
	ProposerID  string         `json:"proposerId"`
	Type        ResolutionType `json:"type"`
	AmountCents int64          `json:"amountCents,omitempty"`
	Note        string         `json:"note,omitempty"`

	Status ProposalStatus `json:"status"`

	// Dual acceptance: a proposal resolves the dispute only when both
	// flags are set. The proposer's own flag is set at creation unless
	// the proposer is the mediator.
	InitiatorAccepted  bool `json:"initiatorAccepted"`
	RespondentAccepted bool `json:"respondentAccepted"`

	// RecommendedBy marks a mediator endorsement. Advisory only.
	RecommendedBy string `json:"recommendedBy,omitempty"`

	// Counter chain.
	ParentProposalID string `json:"parentProposalId,omitempty"`
	CounteredByID    string `json:"counteredById,omitempty"`

	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Activity is one append-only audit log entry.
type Activity struct {
	ID        string    `json:"id"`
	DisputeID string    `json:"disputeId"`
	ActorID   string    `json:"actorId"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists disputes and their attachments.
type Store interface {
	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
	GetActiveByOrder(ctx context.Context, orderID string) (*Dispute, error)
	ListByParticipant(ctx context.Context, userID string, limit int) ([]*Dispute, error)

	// ListResponseOverdue returns response_pending disputes whose
	// deadline has passed, for the escalation sweep.
	ListResponseOverdue(ctx context.Context, before time.Time, limit int) ([]*Dispute, error)

	CreateMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, disputeID string) ([]*Message, error)

	CreateEvidence(ctx context.Context, e *Evidence) error
	GetEvidence(ctx context.Context, id string) (*Evidence, error)
	UpdateEvidence(ctx context.Context, e *Evidence) error
	ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error)

	CreateProposal(ctx context.Context, p *Proposal) error
	GetProposal(ctx context.Context, id string) (*Proposal, error)
	UpdateProposal(ctx context.Context, p *Proposal) error
	ListProposals(ctx context.Context, disputeID string) ([]*Proposal, error)
	GetPendingProposal(ctx context.Context, disputeID string) (*Proposal, error)

	// ListExpiredProposals returns pending proposals past their expiry,
	// for the expiry sweep.
	ListExpiredProposals(ctx context.Context, before time.Time, limit int) ([]*Proposal, error)

	AppendActivity(ctx context.Context, a *Activity) error
	ListActivity(ctx context.Context, disputeID string) ([]*Activity, error)
}
