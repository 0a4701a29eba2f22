package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/dispatch-engine/internal/models"
)

// StripeClient is a thin wrapper around stripe-go for the escrow
// hold/capture/cancel flow. Holds are manual-capture PaymentIntents.
type StripeClient struct{}

// NewStripeClient initializes the stripe client with the given API key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// AuthorizeHold creates a PaymentIntent with capture_method=manual to
// hold funds and returns its ID. Gateway failures are reported as
// ErrPaymentHoldFailed so they never read as dispatch failures.
func (s *StripeClient) AuthorizeHold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrPaymentHoldFailed, err)
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Capture(paymentIntentID, nil)
	return err
}

// Refund releases the hold on a PaymentIntent.
func (s *StripeClient) Refund(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Cancel(paymentIntentID, nil)
	return err
}
