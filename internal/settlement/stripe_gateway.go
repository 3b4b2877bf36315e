package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/richxcame/fare-settlement/pkg/models"
	"github.com/richxcame/fare-settlement/pkg/resilience"
	"github.com/stripe/stripe-go/v83"
)

// StripeGateway implements PaymentGateway on Stripe PaymentIntents with manual capture
type StripeGateway struct {
	client   StripeClientInterface
	currency string
}

// NewStripeGateway creates a new Stripe-backed gateway
func NewStripeGateway(client StripeClientInterface, currency string) *StripeGateway {
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeGateway{client: client, currency: currency}
}

// AuthorizeOrVerify confirms the intent when it still needs confirmation and
// reports the resulting hold. Only requires_capture is capturable.
func (g *StripeGateway) AuthorizeOrVerify(ctx context.Context, intentID, paymentMethod, idempotencyKey string) (*models.GatewayHold, error) {
	pi, err := g.client.GetPaymentIntent(ctx, intentID)
	if err != nil {
		return nil, mapStripeError(err)
	}

	if needsConfirmation(pi, paymentMethod) {
		pi, err = g.client.ConfirmPaymentIntent(ctx, intentID, paymentMethod, idempotencyKey)
		if err != nil {
			return nil, mapStripeError(err)
		}
	}

	if pi.Status == stripe.PaymentIntentStatusCanceled {
		return nil, &GatewayError{
			Kind:    GatewayNotAuthorized,
			Code:    string(pi.Status),
			Message: "payment intent was canceled",
		}
	}

	return &models.GatewayHold{
		IntentID:         pi.ID,
		Status:           string(pi.Status),
		Capturable:       pi.Status == stripe.PaymentIntentStatusRequiresCapture,
		Amount:           pi.Amount,
		AmountCapturable: pi.AmountCapturable,
		Currency:         string(pi.Currency),
	}, nil
}

// Capture captures amount from the hold and returns the charge id
func (g *StripeGateway) Capture(ctx context.Context, intentID string, amount int64, idempotencyKey string) (string, error) {
	pi, err := g.client.CapturePaymentIntent(ctx, intentID, amount, idempotencyKey)
	if err != nil {
		return "", mapStripeError(err)
	}
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		return pi.LatestCharge.ID, nil
	}
	return pi.ID, nil
}

// Refund returns amount to the passenger. An uncaptured hold can only be
// released whole, so it is cancelled. After a partial capture the processor
// has already released the whole uncaptured remainder and no call is made.
// Fully captured funds are refunded.
func (g *StripeGateway) Refund(ctx context.Context, intentID string, amount int64, reason string, metadata map[string]string, idempotencyKey string) (string, error) {
	if amount <= 0 {
		return "", &GatewayError{
			Kind:    GatewayInvalidRequest,
			Message: fmt.Sprintf("refund amount must be positive, got %d", amount),
		}
	}

	pi, err := g.client.GetPaymentIntent(ctx, intentID)
	if err != nil {
		return "", mapStripeError(err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusCanceled:
		return releaseID(pi.ID), nil

	case stripe.PaymentIntentStatusRequiresCapture:
		if _, err := g.client.CancelPaymentIntent(ctx, intentID, idempotencyKey); err != nil {
			return "", mapStripeError(err)
		}
		return releaseID(pi.ID), nil

	case stripe.PaymentIntentStatusSucceeded:
		if pi.AmountReceived < pi.Amount {
			return releaseID(pi.ID), nil
		}
		stripeReason, md := refundReason(reason, metadata)
		refund, err := g.client.CreateRefund(ctx, intentID, amount, stripeReason, md, idempotencyKey)
		if err != nil {
			return "", mapStripeError(err)
		}
		return refund.ID, nil

	default:
		return "", &GatewayError{
			Kind:    GatewayInvalidRequest,
			Code:    string(pi.Status),
			Message: "payment intent has nothing to refund",
		}
	}
}

// Transfer pays amount to the driver's connected account, grouped by ride group
func (g *StripeGateway) Transfer(ctx context.Context, amount int64, destination, groupTag string, metadata map[string]string, idempotencyKey string) (string, error) {
	tr, err := g.client.CreateTransfer(ctx, amount, g.currency, destination, groupTag, metadata, idempotencyKey)
	if err != nil {
		return "", mapStripeError(err)
	}
	return tr.ID, nil
}

func needsConfirmation(pi *stripe.PaymentIntent, paymentMethod string) bool {
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresConfirmation:
		return true
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		return paymentMethod != ""
	}
	return false
}

func releaseID(intentID string) string {
	return intentID + ":released"
}

// refundReason keeps Stripe's own refund reasons and moves anything else into metadata
func refundReason(reason string, metadata map[string]string) (string, map[string]string) {
	md := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}

	switch stripe.RefundReason(reason) {
	case stripe.RefundReasonDuplicate, stripe.RefundReasonFraudulent, stripe.RefundReasonRequestedByCustomer:
		return reason, md
	}
	if reason != "" {
		md["reason"] = reason
	}
	return "", md
}

// mapStripeError classifies a Stripe failure. Transport errors count as unavailable.
func mapStripeError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return &GatewayError{Kind: GatewayUnavailable, Message: err.Error(), Err: err}
	}

	kind := GatewayInvalidRequest
	switch {
	case stripeErr.Type == stripe.ErrorTypeCard:
		kind = GatewayCardDeclined
	case stripeErr.Type == stripe.ErrorTypeAPI || resilience.IsRetryableHTTPStatus(stripeErr.HTTPStatusCode):
		kind = GatewayUnavailable
	}

	return &GatewayError{
		Kind:    kind,
		Code:    string(stripeErr.Code),
		Message: stripeErr.Msg,
		Err:     err,
	}
}
