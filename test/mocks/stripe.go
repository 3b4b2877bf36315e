package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/stripe/stripe-go/v83"
)

// MockStripeClient is a mock implementation of the Stripe client
type MockStripeClient struct {
	mock.Mock
}

// GetPaymentIntent mocks retrieving a payment intent
func (m *MockStripeClient) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*stripe.PaymentIntent, error) {
	args := m.Called(ctx, paymentIntentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*stripe.PaymentIntent), args.Error(1)
}

// ConfirmPaymentIntent mocks confirming a payment intent
func (m *MockStripeClient) ConfirmPaymentIntent(ctx context.Context, paymentIntentID, paymentMethod, idempotencyKey string) (*stripe.PaymentIntent, error) {
	args := m.Called(ctx, paymentIntentID, paymentMethod, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*stripe.PaymentIntent), args.Error(1)
}

// CapturePaymentIntent mocks capturing a payment intent
func (m *MockStripeClient) CapturePaymentIntent(ctx context.Context, paymentIntentID string, amount int64, idempotencyKey string) (*stripe.PaymentIntent, error) {
	args := m.Called(ctx, paymentIntentID, amount, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*stripe.PaymentIntent), args.Error(1)
}

// CancelPaymentIntent mocks cancelling a payment intent
func (m *MockStripeClient) CancelPaymentIntent(ctx context.Context, paymentIntentID, idempotencyKey string) (*stripe.PaymentIntent, error) {
	args := m.Called(ctx, paymentIntentID, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*stripe.PaymentIntent), args.Error(1)
}

// CreateRefund mocks creating a refund
func (m *MockStripeClient) CreateRefund(ctx context.Context, paymentIntentID string, amount int64, reason string, metadata map[string]string, idempotencyKey string) (*stripe.Refund, error) {
	args := m.Called(ctx, paymentIntentID, amount, reason, metadata, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*stripe.Refund), args.Error(1)
}

// CreateTransfer mocks creating a transfer
func (m *MockStripeClient) CreateTransfer(ctx context.Context, amount int64, currency, destination, transferGroup string, metadata map[string]string, idempotencyKey string) (*stripe.Transfer, error) {
	args := m.Called(ctx, amount, currency, destination, transferGroup, metadata, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*stripe.Transfer), args.Error(1)
}
