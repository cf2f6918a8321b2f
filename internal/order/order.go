// Package order implements the marketplace order lifecycle engine.
//
// Flow:
//  1. Buyer orders a listing package → payment held in custody
//  2. Buyer submits requirements → seller starts work
//  3. Seller delivers → buyer accepts (funds captured to seller) or
//     requests a revision (bounded by the package's revision quota)
//  4. Either party may request cancellation; the counterparty approves
//     (buyer-initiated before work starts auto-approves) → funds refunded
//
// Every transition is validated against an explicit table before any
// mutation, and runs under a per-order lock.
package order

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrDeliveryNotFound = errors.New("delivery not found")

	// ErrInvalidTransition is returned when an action is not permitted
	// from the order's current status. Nothing is mutated.
	ErrInvalidTransition = errors.New("invalid order status for this operation")

	ErrUnauthorized = errors.New("not authorized for this order operation")

	// ErrSelfApproval is returned when the party that requested a
	// cancellation tries to approve it.
	ErrSelfApproval = errors.New("cannot approve your own cancellation request")

	ErrSelfPurchase          = errors.New("seller cannot order their own listing")
	ErrListingUnavailable    = errors.New("listing is inactive or seller is on vacation")
	ErrRevisionQuotaExceeded = errors.New("revision quota exhausted")
	ErrNoCancellationPending = errors.New("no cancellation request pending")
	ErrPaymentHoldFailed     = errors.New("payment hold failed, order not created")
)

// Status represents the state of an order.
type Status string

const (
	StatusPending               Status = "pending"
	StatusRequirementsSubmitted Status = "requirements_submitted"
	StatusInProgress            Status = "in_progress"
	StatusDelivered             Status = "delivered"
	StatusRevisionRequested     Status = "revision_requested"
	StatusCompleted             Status = "completed"
	StatusCancelled             Status = "cancelled"
)

// PaymentStatus tracks payment custody independently of order status.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentHeld     PaymentStatus = "held"
	PaymentReleased PaymentStatus = "released"
	PaymentRefunded PaymentStatus = "refunded"
)

// UnlimitedRevisions is the sentinel revision quota meaning "no limit".
// Quota comparisons must use `allowed >= UnlimitedRevisions`, never a
// raw literal.
const UnlimitedRevisions = 999

// Action names one order state machine operation.
type Action string

const (
	ActionSubmitRequirements  Action = "submit_requirements"
	ActionStartWork           Action = "start_work"
	ActionDeliver             Action = "deliver"
	ActionRequestRevision     Action = "request_revision"
	ActionAcceptDelivery      Action = "accept_delivery"
	ActionRequestCancellation Action = "request_cancellation"
	ActionApproveCancellation Action = "approve_cancellation"
)

// transitions is the full order state machine: (status, action) pairs
// absent from this table are rejected with ErrInvalidTransition.
// request_cancellation intentionally maps a status onto itself — the
// order keeps its status until the counterparty approves.
var transitions = map[Status]map[Action]Status{
	StatusPending: {
		ActionSubmitRequirements:  StatusRequirementsSubmitted,
		ActionRequestCancellation: StatusPending,
		ActionApproveCancellation: StatusCancelled,
	},
	StatusRequirementsSubmitted: {
		ActionStartWork:           StatusInProgress,
		ActionRequestCancellation: StatusRequirementsSubmitted,
		ActionApproveCancellation: StatusCancelled,
	},
	StatusInProgress: {
		ActionDeliver:             StatusDelivered,
		ActionRequestCancellation: StatusInProgress,
		ActionApproveCancellation: StatusCancelled,
	},
	StatusDelivered: {
		ActionAcceptDelivery:  StatusCompleted,
		ActionRequestRevision: StatusRevisionRequested,
	},
	StatusRevisionRequested: {
		ActionDeliver: StatusDelivered,
	},
	// completed and cancelled are terminal: no actions.
}

// nextStatus looks up the transition table.
func nextStatus(from Status, action Action) (Status, error) {
	if row, ok := transitions[from]; ok {
		if to, ok := row[action]; ok {
			return to, nil
		}
	}
	return "", ErrInvalidTransition
}

// OrderExtra is a priced add-on snapshotted onto the order at creation.
type OrderExtra struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	PriceCents           int64  `json:"priceCents"`
	DeliveryDaysModifier int    `json:"deliveryDaysModifier"`
}

// ServiceOrder is one transaction between a buyer and a seller for a
// listing package. Commercial terms are immutable after creation.
type ServiceOrder struct {
	ID        string `json:"id"`
	ListingID string `json:"listingId"`
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`

	PackageName       string       `json:"packageName"`
	PackagePriceCents int64        `json:"packagePriceCents"`
	Quantity          int          `json:"quantity"`
	Extras            []OrderExtra `json:"extras,omitempty"`
	SubtotalCents     int64        `json:"subtotalCents"`
	ServiceFeeCents   int64        `json:"serviceFeeCents"`
	TotalCents        int64        `json:"totalCents"`
	Currency          string       `json:"currency"`

	DeliveryDays  int        `json:"deliveryDays"`
	OriginalDueAt time.Time  `json:"originalDueAt"`
	DueAt         time.Time  `json:"dueAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CancelledAt   *time.Time `json:"cancelledAt,omitempty"`

	RevisionsAllowed int `json:"revisionsAllowed"`
	RevisionsUsed    int `json:"revisionsUsed"`

	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`

	// PaymentIntentID is the custody provider's reference for the held
	// payment; set at creation, used for capture and refund.
	PaymentIntentID string `json:"paymentIntentId"`

	// CurrentDeliveryID points at the authoritative delivery for
	// accept/revision actions, updated whenever a delivery is created.
	CurrentDeliveryID string `json:"currentDeliveryId,omitempty"`

	// Cancellation metadata, set only while a request is pending.
	CancelReason string `json:"cancelReason,omitempty"`
	CancelledBy  string `json:"cancelledBy,omitempty"`

	Requirements     string   `json:"requirements,omitempty"`
	RequirementFiles []string `json:"requirementFiles,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the order is in a final state.
func (o *ServiceOrder) IsTerminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusCancelled
}

// IsParty returns true if userID is the buyer or the seller.
func (o *ServiceOrder) IsParty(userID string) bool {
	return userID == o.BuyerID || userID == o.SellerID
}

// Counterparty returns the other party of the order.
func (o *ServiceOrder) Counterparty(userID string) string {
	if userID == o.BuyerID {
		return o.SellerID
	}
	return o.BuyerID
}

// revisionsRemaining reports whether the buyer may request another revision.
func (o *ServiceOrder) revisionsRemaining() bool {
	if o.RevisionsAllowed >= UnlimitedRevisions {
		return true
	}
	return o.RevisionsUsed < o.RevisionsAllowed
}

// DeliveryStatus represents the state of one delivery submission.
type DeliveryStatus string

const (
	DeliveryPending           DeliveryStatus = "pending"
	DeliveryAccepted          DeliveryStatus = "accepted"
	DeliveryRevisionRequested DeliveryStatus = "revision_requested"
)

// OrderDelivery is one seller submission of work against an order.
// Deliveries are append-only: status changes, the record never goes away.
type OrderDelivery struct {
	ID           string         `json:"id"`
	OrderID      string         `json:"orderId"`
	Number       int            `json:"number"` // 1-based, increments per revision cycle
	Message      string         `json:"message,omitempty"`
	Files        []string       `json:"files,omitempty"`
	IsRevision   bool           `json:"isRevision"`
	AutoAcceptAt time.Time      `json:"autoAcceptAt"`
	Status       DeliveryStatus `json:"status"`
	RevisionNote string         `json:"revisionNote,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Store persists orders and their deliveries.
type Store interface {
	CreateOrder(ctx context.Context, o *ServiceOrder) error
	GetOrder(ctx context.Context, id string) (*ServiceOrder, error)
	UpdateOrder(ctx context.Context, o *ServiceOrder) error
	ListByParticipant(ctx context.Context, userID string, limit int) ([]*ServiceOrder, error)

	CreateDelivery(ctx context.Context, d *OrderDelivery) error
	GetDelivery(ctx context.Context, id string) (*OrderDelivery, error)
	UpdateDelivery(ctx context.Context, d *OrderDelivery) error
	// DeleteDelivery removes a delivery row that never made it onto its
	// order, after a failed order update.
	DeleteDelivery(ctx context.Context, id string) error
	ListDeliveries(ctx context.Context, orderID string) ([]*OrderDelivery, error)

	// ListAutoAcceptDue returns pending deliveries whose auto-accept
	// deadline has passed, for the acceptance sweep.
	ListAutoAcceptDue(ctx context.Context, before time.Time, limit int) ([]*OrderDelivery, error)
}
