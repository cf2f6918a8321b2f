package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/freeflowhq/marketplace/internal/metrics"
)

// StripeGateway implements Gateway on Stripe PaymentIntents with manual
// capture: Hold creates an intent with capture_method=manual, Capture
// captures it, Refund refunds it. Idempotency keys are passed through to
// Stripe so retries are deduplicated provider-side.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a Stripe-backed custody gateway.
func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api}
}

func (g *StripeGateway) Hold(ctx context.Context, req HoldRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String("hold_" + req.OrderID),
		},
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Metadata: map[string]string{
			"order_id":  req.OrderID,
			"buyer_id":  req.BuyerID,
			"seller_id": req.SellerID,
		},
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		metrics.PaymentGatewayCallsTotal.WithLabelValues("hold", "error").Inc()
		if isCardDecline(err) {
			return "", fmt.Errorf("%w: %v", ErrHoldDeclined, err)
		}
		return "", fmt.Errorf("%w: hold: %v", ErrGateway, err)
	}

	metrics.PaymentGatewayCallsTotal.WithLabelValues("hold", "ok").Inc()
	return pi.ID, nil
}

func (g *StripeGateway) Capture(ctx context.Context, intentID, idempotencyKey string) error {
	params := &stripe.PaymentIntentCaptureParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(idempotencyKey),
		},
	}
	if _, err := g.api.PaymentIntents.Capture(intentID, params); err != nil {
		metrics.PaymentGatewayCallsTotal.WithLabelValues("capture", "error").Inc()
		return fmt.Errorf("%w: capture %s: %v", ErrGateway, intentID, err)
	}
	metrics.PaymentGatewayCallsTotal.WithLabelValues("capture", "ok").Inc()
	return nil
}

func (g *StripeGateway) Refund(ctx context.Context, intentID string, amountCents int64, reason, idempotencyKey string) error {
	params := &stripe.RefundParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(idempotencyKey),
		},
		PaymentIntent: stripe.String(intentID),
		Metadata:      map[string]string{"reason": reason},
	}
	if amountCents > 0 {
		params.Amount = stripe.Int64(amountCents)
	}
	if _, err := g.api.Refunds.New(params); err != nil {
		metrics.PaymentGatewayCallsTotal.WithLabelValues("refund", "error").Inc()
		return fmt.Errorf("%w: refund %s: %v", ErrGateway, intentID, err)
	}
	metrics.PaymentGatewayCallsTotal.WithLabelValues("refund", "ok").Inc()
	return nil
}

// isCardDecline reports whether a Stripe error is a card decline rather
// than an infrastructure failure.
func isCardDecline(err error) bool {
	if stripeErr, ok := err.(*stripe.Error); ok {
		return stripeErr.Type == stripe.ErrorTypeCard
	}
	return false
}

// Compile-time assertion that StripeGateway implements Gateway.
var _ Gateway = (*StripeGateway)(nil)
