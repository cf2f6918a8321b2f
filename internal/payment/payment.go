// Package payment defines the payment custody gateway port.
//
// The marketplace holds a buyer's payment when an order is created,
// captures it (pays the seller) when the buyer accepts the work, and
// refunds it when the order is cancelled or a dispute resolves in the
// buyer's favor. All three operations are idempotent per key so network
// retries can never double-charge or double-refund.
package payment

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrGateway wraps any failure reported by the custody provider.
	ErrGateway = errors.New("payment gateway error")

	// ErrHoldDeclined indicates the buyer's payment could not be authorized.
	// Order creation must not proceed past this.
	ErrHoldDeclined = fmt.Errorf("%w: hold declined", ErrGateway)
)

// HoldRequest contains the parameters for placing a payment hold.
type HoldRequest struct {
	OrderID     string
	BuyerID     string
	SellerID    string
	AmountCents int64
	Currency    string
}

// Gateway authorizes, captures, and refunds held payments.
//
// Capture and Refund must be idempotent per key: a retried call with the
// same key is a no-op success. Implementations pass the key through to
// the provider (Stripe) or dedup locally (fake).
type Gateway interface {
	// Hold authorizes the buyer's payment and returns the provider's
	// payment intent ID. The funds are held, not transferred.
	Hold(ctx context.Context, req HoldRequest) (intentID string, err error)

	// Capture transfers a held payment to the seller.
	Capture(ctx context.Context, intentID, idempotencyKey string) error

	// Refund returns a held (or captured) payment to the buyer.
	// amountCents of 0 refunds the full amount; a positive value issues
	// a partial refund (dispute partial_refund resolutions).
	Refund(ctx context.Context, intentID string, amountCents int64, reason, idempotencyKey string) error
}
