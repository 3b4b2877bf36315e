package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/fare-settlement/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockLedgerStore is a mock implementation of the settlement ledger store
type MockLedgerStore struct {
	mock.Mock
}

// GetMember mocks getting a ride group member by ID
func (m *MockLedgerStore) GetMember(ctx context.Context, memberID uuid.UUID) (*models.RideGroupMember, error) {
	args := m.Called(ctx, memberID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RideGroupMember), args.Error(1)
}

// GetMemberByPaymentIntent mocks getting a member by processor hold reference
func (m *MockLedgerStore) GetMemberByPaymentIntent(ctx context.Context, intentID string) (*models.RideGroupMember, error) {
	args := m.Called(ctx, intentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RideGroupMember), args.Error(1)
}

// GetRideGroup mocks getting a ride group
func (m *MockLedgerStore) GetRideGroup(ctx context.Context, groupID uuid.UUID) (*models.RideGroup, error) {
	args := m.Called(ctx, groupID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RideGroup), args.Error(1)
}

// GetDriver mocks getting a driver
func (m *MockLedgerStore) GetDriver(ctx context.Context, driverID uuid.UUID) (*models.Driver, error) {
	args := m.Called(ctx, driverID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Driver), args.Error(1)
}

// UpdateMemberPricing mocks storing a member's price breakdown
func (m *MockLedgerStore) UpdateMemberPricing(ctx context.Context, member *models.RideGroupMember) (bool, error) {
	args := m.Called(ctx, member)
	return args.Bool(0), args.Error(1)
}

// TransitionMember mocks a compare-and-swap status transition
func (m *MockLedgerStore) TransitionMember(ctx context.Context, memberID uuid.UUID, t models.StatusTransition) (bool, error) {
	args := m.Called(ctx, memberID, t)
	return args.Bool(0), args.Error(1)
}

// ClaimSettlement mocks taking the settlement claim
func (m *MockLedgerStore) ClaimSettlement(ctx context.Context, memberID uuid.UUID, op models.SettlementOp, token uuid.UUID, leaseUntil time.Time) (*models.RideGroupMember, error) {
	args := m.Called(ctx, memberID, op, token, leaseUntil)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RideGroupMember), args.Error(1)
}

// RecordSettlementStep mocks recording a completed gateway step
func (m *MockLedgerStore) RecordSettlementStep(ctx context.Context, memberID, token uuid.UUID, step models.SettlementStep, externalID string) error {
	args := m.Called(ctx, memberID, token, step, externalID)
	return args.Error(0)
}

// ReleaseSettlement mocks releasing the settlement claim
func (m *MockLedgerStore) ReleaseSettlement(ctx context.Context, memberID, token uuid.UUID) error {
	args := m.Called(ctx, memberID, token)
	return args.Error(0)
}

// ListStalledSettlements mocks listing settlements with a lapsed claim
func (m *MockLedgerStore) ListStalledSettlements(ctx context.Context, now time.Time, limit int) ([]*models.RideGroupMember, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.RideGroupMember), args.Error(1)
}

// IncrementDriverCounters mocks bumping driver earnings and ride count
func (m *MockLedgerStore) IncrementDriverCounters(ctx context.Context, driverID uuid.UUID, earnings int64, rides int) error {
	args := m.Called(ctx, driverID, earnings, rides)
	return args.Error(0)
}

// InsertAuditLog mocks appending an audit row
func (m *MockLedgerStore) InsertAuditLog(ctx context.Context, log *models.PriceAuditLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

// ListAuditLogs mocks listing a page of a member's audit rows
func (m *MockLedgerStore) ListAuditLogs(ctx context.Context, memberID uuid.UUID, limit, offset int) ([]*models.PriceAuditLog, int64, error) {
	args := m.Called(ctx, memberID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*models.PriceAuditLog), args.Get(1).(int64), args.Error(2)
}
