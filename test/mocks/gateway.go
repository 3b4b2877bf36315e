package mocks

import (
	"context"

	"github.com/richxcame/fare-settlement/pkg/eventbus"
	"github.com/richxcame/fare-settlement/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockPaymentGateway is a mock implementation of the payment processor
type MockPaymentGateway struct {
	mock.Mock
}

// AuthorizeOrVerify mocks verifying a processor hold
func (m *MockPaymentGateway) AuthorizeOrVerify(ctx context.Context, intentID, paymentMethod, idempotencyKey string) (*models.GatewayHold, error) {
	args := m.Called(ctx, intentID, paymentMethod, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.GatewayHold), args.Error(1)
}

// Capture mocks capturing part or all of a hold
func (m *MockPaymentGateway) Capture(ctx context.Context, intentID string, amount int64, idempotencyKey string) (string, error) {
	args := m.Called(ctx, intentID, amount, idempotencyKey)
	return args.String(0), args.Error(1)
}

// Refund mocks releasing or refunding an amount
func (m *MockPaymentGateway) Refund(ctx context.Context, intentID string, amount int64, reason string, metadata map[string]string, idempotencyKey string) (string, error) {
	args := m.Called(ctx, intentID, amount, reason, metadata, idempotencyKey)
	return args.String(0), args.Error(1)
}

// Transfer mocks paying out to a driver's account
func (m *MockPaymentGateway) Transfer(ctx context.Context, amount int64, destination, groupTag string, metadata map[string]string, idempotencyKey string) (string, error) {
	args := m.Called(ctx, amount, destination, groupTag, metadata, idempotencyKey)
	return args.String(0), args.Error(1)
}

// MockEventPublisher is a mock implementation of the settlement event sink
type MockEventPublisher struct {
	mock.Mock
}

// Publish mocks publishing an event
func (m *MockEventPublisher) Publish(ctx context.Context, subject string, event *eventbus.Event) error {
	args := m.Called(ctx, subject, event)
	return args.Error(0)
}
