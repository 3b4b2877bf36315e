package stripeclient

import (
	"context"

	"github.com/stripe/stripe-go/v83"
)

// Client wraps the Stripe API calls used for holds, captures, refunds and payouts
type Client struct {
	sc *stripe.Client
}

// NewClient creates a Stripe client for the given secret key
func NewClient(apiKey string) *Client {
	return &Client{sc: stripe.NewClient(apiKey)}
}

// GetPaymentIntent retrieves a payment intent
func (c *Client) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*stripe.PaymentIntent, error) {
	return c.sc.V1PaymentIntents.Retrieve(ctx, paymentIntentID, &stripe.PaymentIntentRetrieveParams{})
}

// ConfirmPaymentIntent confirms a payment intent, attaching paymentMethod when set
func (c *Client) ConfirmPaymentIntent(ctx context.Context, paymentIntentID, paymentMethod, idempotencyKey string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	if paymentMethod != "" {
		params.PaymentMethod = stripe.String(paymentMethod)
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	return c.sc.V1PaymentIntents.Confirm(ctx, paymentIntentID, params)
}

// CapturePaymentIntent captures amount from an authorized payment intent.
// The uncaptured remainder is released by Stripe.
func (c *Client) CapturePaymentIntent(ctx context.Context, paymentIntentID string, amount int64, idempotencyKey string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(amount),
	}
	params.SetIdempotencyKey(idempotencyKey)
	return c.sc.V1PaymentIntents.Capture(ctx, paymentIntentID, params)
}

// CancelPaymentIntent releases an uncaptured hold
func (c *Client) CancelPaymentIntent(ctx context.Context, paymentIntentID, idempotencyKey string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.SetIdempotencyKey(idempotencyKey)
	return c.sc.V1PaymentIntents.Cancel(ctx, paymentIntentID, params)
}

// CreateRefund refunds amount of a captured payment intent. reason must be a
// Stripe refund reason or empty.
func (c *Client) CreateRefund(ctx context.Context, paymentIntentID string, amount int64, reason string, metadata map[string]string, idempotencyKey string) (*stripe.Refund, error) {
	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Amount:        stripe.Int64(amount),
	}
	if reason != "" {
		params.Reason = stripe.String(reason)
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey(idempotencyKey)
	return c.sc.V1Refunds.Create(ctx, params)
}

// CreateTransfer pays amount out to a connected account
func (c *Client) CreateTransfer(ctx context.Context, amount int64, currency, destination, transferGroup string, metadata map[string]string, idempotencyKey string) (*stripe.Transfer, error) {
	params := &stripe.TransferCreateParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(currency),
		Destination:   stripe.String(destination),
		TransferGroup: stripe.String(transferGroup),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey(idempotencyKey)
	return c.sc.V1Transfers.Create(ctx, params)
}
