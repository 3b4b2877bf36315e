package settlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/fare-settlement/internal/fare"
	"github.com/richxcame/fare-settlement/pkg/common"
	"github.com/richxcame/fare-settlement/pkg/config"
	"github.com/richxcame/fare-settlement/pkg/models"
	"github.com/richxcame/fare-settlement/pkg/resilience"
	"github.com/richxcame/fare-settlement/test/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *mocks.MockLedgerStore
	gateway *mocks.MockPaymentGateway
	events  *mocks.MockEventPublisher
	service *Service
	member  *models.RideGroupMember
	group   *models.RideGroup
	driver  *models.Driver
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	driverID := uuid.New()
	groupID := uuid.New()
	payout := "acct_driver_1"
	intent := "pi_123"
	pickup := testNow.Add(-30 * time.Minute)

	f := &fixture{
		store:   new(mocks.MockLedgerStore),
		gateway: new(mocks.MockPaymentGateway),
		events:  new(mocks.MockEventPublisher),
		group: &models.RideGroup{
			ID:           groupID,
			DriverID:     &driverID,
			RouteVersion: 2,
			Status:       "ACTIVE",
		},
		driver: &models.Driver{
			ID:              driverID,
			PayoutAccountID: &payout,
		},
		member: &models.RideGroupMember{
			ID:                uuid.New(),
			BookingID:         uuid.New(),
			RideGroupID:       groupID,
			KmOnboard:         35,
			KmDirect:          33,
			DetourKm:          2,
			DetourPercent:     6.06,
			DriverShare:       1400,
			FeeRatePerKm:      0.30,
			PlatformFee:       1050,
			ProtectionFee:     100,
			TotalPrice:        2550,
			ConstraintsMet:    true,
			PaymentIntentID:   &intent,
			PaymentStatus:     models.PaymentStatusAuthorized,
			Status:            models.MemberStatusConfirmed,
			StateVersion:      1,
			EstimatedPickupAt: &pickup,
		},
	}

	cfg := &config.SettlementConfig{GatewayRetryAttempts: 1}
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	f.service = NewService(f.store, f.gateway, f.events, cfg, opts...)

	f.events.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return f
}

func (f *fixture) claimed() *models.RideGroupMember {
	m := *f.member
	return &m
}

func (f *fixture) expectLookups() {
	f.store.On("GetMember", mock.Anything, f.member.ID).Return(f.member, nil)
	f.store.On("GetRideGroup", mock.Anything, f.group.ID).Return(f.group, nil)
	f.store.On("GetDriver", mock.Anything, f.driver.ID).Return(f.driver, nil)
}

func (f *fixture) expectClaim(op models.SettlementOp, claimed *models.RideGroupMember) {
	f.store.On("ClaimSettlement", mock.Anything, f.member.ID, op, mock.AnythingOfType("uuid.UUID"), testNow.Add(defaultSettlementLease)).
		Return(claimed, nil).Once()
}

func (f *fixture) expectStep(step models.SettlementStep, externalID string) {
	f.store.On("RecordSettlementStep", mock.Anything, f.member.ID, mock.AnythingOfType("uuid.UUID"), step, externalID).
		Return(nil).Once()
}

func (f *fixture) key(op models.SettlementOp, step string) string {
	return IdempotencyKey(op, step, f.member)
}

func transitionTo(payment models.PaymentStatus, status models.MemberStatus) interface{} {
	return mock.MatchedBy(func(t models.StatusTransition) bool {
		return t.ToPayment == payment && t.ToStatus == status
	})
}

func auditOf(eventType models.AuditEventType) interface{} {
	return mock.MatchedBy(func(l *models.PriceAuditLog) bool {
		return l.EventType == eventType
	})
}

// ========================================
// IDEMPOTENCY KEYS
// ========================================

func TestIdempotencyKey(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	member := &models.RideGroupMember{ID: id, StateVersion: 3}

	assert.Equal(t, "capture:transfer:11111111-2222-3333-4444-555555555555:v3",
		IdempotencyKey(models.SettlementOpCapture, "transfer", member))
	assert.Equal(t, "no_show:refund:11111111-2222-3333-4444-555555555555:v3",
		IdempotencyKey(models.SettlementOpNoShow, "refund", member))

	member.StateVersion++
	assert.True(t, strings.HasSuffix(IdempotencyKey(models.SettlementOpCapture, "capture", member), ":v4"))
}

// ========================================
// QUOTE
// ========================================

func TestQuoteMember_Success(t *testing.T) {
	f := newFixture(t)
	f.member.PaymentStatus = models.PaymentStatusPending
	f.member.Status = models.MemberStatusPending
	f.member.TotalPrice = 0

	f.store.On("GetMember", mock.Anything, f.member.ID).Return(f.member, nil)
	f.store.On("UpdateMemberPricing", mock.Anything, mock.MatchedBy(func(m *models.RideGroupMember) bool {
		return m.TotalPrice == 2550 && m.DriverShare == 1400 && m.PlatformFee == 1050 && m.ConstraintsMet
	})).Return(true, nil)

	b, err := f.service.QuoteMember(context.Background(), f.member.ID, fare.RouteMetrics{
		KmOnboard:       35,
		KmDirect:        33,
		DriverRatePerKm: 40,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(2550), b.Total)
	assert.Equal(t, b.Total, b.Components())
	f.store.AssertExpectations(t)
}

func TestQuoteMember_FixedOnceAuthorized(t *testing.T) {
	f := newFixture(t)
	f.store.On("GetMember", mock.Anything, f.member.ID).Return(f.member, nil)

	_, err := f.service.QuoteMember(context.Background(), f.member.ID, fare.RouteMetrics{KmOnboard: 10, KmDirect: 10, DriverRatePerKm: 40})

	var conflictErr *StateConflictError
	assert.ErrorAs(t, err, &conflictErr)
	f.store.AssertNotCalled(t, "UpdateMemberPricing", mock.Anything, mock.Anything)
}

func TestQuoteMember_InvalidMetrics(t *testing.T) {
	f := newFixture(t)
	f.member.PaymentStatus = models.PaymentStatusPending
	f.member.Status = models.MemberStatusPending
	f.store.On("GetMember", mock.Anything, f.member.ID).Return(f.member, nil)

	_, err := f.service.QuoteMember(context.Background(), f.member.ID, fare.RouteMetrics{KmOnboard: -1, KmDirect: 10})

	var validation *ValidationError
	assert.ErrorAs(t, err, &validation)
}

// ========================================
// AUTHORIZE
// ========================================

func TestAuthorizePayment_Success(t *testing.T) {
	f := newFixture(t)
	f.member.PaymentStatus = models.PaymentStatusPending
	f.member.Status = models.MemberStatusPending

	f.store.On("GetMemberByPaymentIntent", mock.Anything, "pi_123").Return(f.member, nil)
	f.gateway.On("AuthorizeOrVerify", mock.Anything, "pi_123", "pm_card", "authorize:confirm:"+f.member.ID.String()+":v1").Return(&models.GatewayHold{
		IntentID:         "pi_123",
		Status:           "requires_capture",
		Capturable:       true,
		Amount:           2550,
		AmountCapturable: 2550,
		Currency:         "usd",
	}, nil)
	f.store.On("TransitionMember", mock.Anything, f.member.ID, mock.MatchedBy(func(t models.StatusTransition) bool {
		return t.FromPayment == models.PaymentStatusPending &&
			t.ToPayment == models.PaymentStatusAuthorized &&
			t.ToStatus == models.MemberStatusConfirmed
	})).Return(true, nil)

	result, err := f.service.AuthorizePayment(context.Background(), "pi_123", "pm_card")

	require.NoError(t, err)
	assert.True(t, result.Authorized)
	assert.False(t, result.AlreadyAuthorized)
	assert.Equal(t, models.PaymentStatusAuthorized, result.PaymentStatus)
	f.events.AssertCalled(t, "Publish", mock.Anything, SubjectPaymentAuthorized, mock.Anything)
	f.store.AssertExpectations(t)
}

func TestAuthorizePayment_AlreadyAuthorizedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.store.On("GetMemberByPaymentIntent", mock.Anything, "pi_123").Return(f.member, nil)

	result, err := f.service.AuthorizePayment(context.Background(), "pi_123", "")

	require.NoError(t, err)
	assert.True(t, result.AlreadyAuthorized)
	f.gateway.AssertNotCalled(t, "AuthorizeOrVerify", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.store.AssertNotCalled(t, "TransitionMember", mock.Anything, mock.Anything, mock.Anything)
}

func TestAuthorizePayment_ConcurrentAuthorizeWins(t *testing.T) {
	f := newFixture(t)
	pending := f.claimed()
	pending.PaymentStatus = models.PaymentStatusPending
	pending.Status = models.MemberStatusPending

	f.store.On("GetMemberByPaymentIntent", mock.Anything, "pi_123").Return(pending, nil)
	f.gateway.On("AuthorizeOrVerify", mock.Anything, "pi_123", "", mock.Anything).Return(&models.GatewayHold{
		Status: "requires_capture", Capturable: true, AmountCapturable: 2550,
	}, nil)
	f.store.On("TransitionMember", mock.Anything, f.member.ID, mock.Anything).Return(false, nil)
	f.store.On("GetMember", mock.Anything, f.member.ID).Return(f.member, nil)

	result, err := f.service.AuthorizePayment(context.Background(), "pi_123", "")

	require.NoError(t, err)
	assert.True(t, result.AlreadyAuthorized)
}

func TestAuthorizePayment_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		intent  string
		setup   func(f *fixture)
		checkFn func(t *testing.T, err error)
	}{
		{
			name:   "empty intent",
			intent: "  ",
			setup:  func(f *fixture) {},
			checkFn: func(t *testing.T, err error) {
				var v *ValidationError
				assert.ErrorAs(t, err, &v)
			},
		},
		{
			name:   "unknown intent",
			intent: "pi_missing",
			setup: func(f *fixture) {
				f.store.On("GetMemberByPaymentIntent", mock.Anything, "pi_missing").Return(nil, nil)
			},
			checkFn: func(t *testing.T, err error) {
				var nf *NotFoundError
				assert.ErrorAs(t, err, &nf)
			},
		},
		{
			name:   "already paid",
			intent: "pi_123",
			setup: func(f *fixture) {
				f.member.PaymentStatus = models.PaymentStatusPaid
				f.member.Status = models.MemberStatusCompleted
				f.store.On("GetMemberByPaymentIntent", mock.Anything, "pi_123").Return(f.member, nil)
			},
			checkFn: func(t *testing.T, err error) {
				var c *StateConflictError
				assert.ErrorAs(t, err, &c)
			},
		},
		{
			name:   "hold smaller than total",
			intent: "pi_123",
			setup: func(f *fixture) {
				f.member.PaymentStatus = models.PaymentStatusPending
				f.member.Status = models.MemberStatusPending
				f.store.On("GetMemberByPaymentIntent", mock.Anything, "pi_123").Return(f.member, nil)
				f.gateway.On("AuthorizeOrVerify", mock.Anything, "pi_123", "", mock.Anything).Return(&models.GatewayHold{
					Status: "requires_capture", Capturable: true, AmountCapturable: 2000,
				}, nil)
			},
			checkFn: func(t *testing.T, err error) {
				var a *AuthorizationError
				assert.ErrorAs(t, err, &a)
			},
		},
		{
			name:   "hold not capturable",
			intent: "pi_123",
			setup: func(f *fixture) {
				f.member.PaymentStatus = models.PaymentStatusPending
				f.member.Status = models.MemberStatusPending
				f.store.On("GetMemberByPaymentIntent", mock.Anything, "pi_123").Return(f.member, nil)
				f.gateway.On("AuthorizeOrVerify", mock.Anything, "pi_123", "", mock.Anything).Return(&models.GatewayHold{
					Status: "requires_payment_method", AmountCapturable: 2550,
				}, nil)
			},
			checkFn: func(t *testing.T, err error) {
				var a *AuthorizationError
				require.ErrorAs(t, err, &a)
				assert.Equal(t, "requires_payment_method", a.Status)
			},
		},
		{
			name:   "processor reports not authorized",
			intent: "pi_123",
			setup: func(f *fixture) {
				f.member.PaymentStatus = models.PaymentStatusPending
				f.member.Status = models.MemberStatusPending
				f.store.On("GetMemberByPaymentIntent", mock.Anything, "pi_123").Return(f.member, nil)
				f.gateway.On("AuthorizeOrVerify", mock.Anything, "pi_123", "", mock.Anything).Return(nil, &GatewayError{
					Kind: GatewayNotAuthorized, Code: "canceled", Message: "intent was canceled",
				})
			},
			checkFn: func(t *testing.T, err error) {
				var a *AuthorizationError
				require.ErrorAs(t, err, &a)
				assert.Equal(t, "canceled", a.Status)
			},
		},
		{
			name:   "card declined",
			intent: "pi_123",
			setup: func(f *fixture) {
				f.member.PaymentStatus = models.PaymentStatusPending
				f.member.Status = models.MemberStatusPending
				f.store.On("GetMemberByPaymentIntent", mock.Anything, "pi_123").Return(f.member, nil)
				f.gateway.On("AuthorizeOrVerify", mock.Anything, "pi_123", "", mock.Anything).Return(nil, &GatewayError{
					Kind: GatewayCardDeclined, Code: "card_declined", Message: "Your card was declined.",
				})
			},
			checkFn: func(t *testing.T, err error) {
				var g *GatewayError
				require.ErrorAs(t, err, &g)
				assert.Equal(t, GatewayCardDeclined, g.Kind)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			result, err := f.service.AuthorizePayment(context.Background(), tt.intent, "")

			assert.Nil(t, result)
			tt.checkFn(t, err)
			f.store.AssertNotCalled(t, "TransitionMember", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestAuthorizePayment_RetriesUnavailableGateway(t *testing.T) {
	f := newFixture(t, WithRetryConfig(resilience.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 1,
	}))
	f.member.PaymentStatus = models.PaymentStatusPending
	f.member.Status = models.MemberStatusPending

	f.store.On("GetMemberByPaymentIntent", mock.Anything, "pi_123").Return(f.member, nil)
	f.gateway.On("AuthorizeOrVerify", mock.Anything, "pi_123", "", mock.Anything).
		Return(nil, &GatewayError{Kind: GatewayUnavailable, Message: "connection reset"}).Once()
	f.gateway.On("AuthorizeOrVerify", mock.Anything, "pi_123", "", mock.Anything).
		Return(&models.GatewayHold{Status: "requires_capture", Capturable: true, AmountCapturable: 2550}, nil).Once()
	f.store.On("TransitionMember", mock.Anything, f.member.ID, mock.Anything).Return(true, nil)

	result, err := f.service.AuthorizePayment(context.Background(), "pi_123", "")

	require.NoError(t, err)
	assert.True(t, result.Authorized)
	f.gateway.AssertNumberOfCalls(t, "AuthorizeOrVerify", 2)
}

// ========================================
// CANCEL
// ========================================

func TestCancelMember(t *testing.T) {
	t.Run("pending member is cancelled", func(t *testing.T) {
		f := newFixture(t)
		f.member.PaymentStatus = models.PaymentStatusPending
		f.member.Status = models.MemberStatusPending
		f.store.On("GetMember", mock.Anything, f.member.ID).Return(f.member, nil)
		f.store.On("TransitionMember", mock.Anything, f.member.ID,
			transitionTo(models.PaymentStatusPending, models.MemberStatusCancelled)).Return(true, nil)

		err := f.service.CancelMember(context.Background(), f.member.ID)

		require.NoError(t, err)
		f.events.AssertCalled(t, "Publish", mock.Anything, SubjectMemberCancelled, mock.Anything)
	})

	t.Run("authorized member must be refunded instead", func(t *testing.T) {
		f := newFixture(t)
		f.store.On("GetMember", mock.Anything, f.member.ID).Return(f.member, nil)

		err := f.service.CancelMember(context.Background(), f.member.ID)

		var c *StateConflictError
		assert.ErrorAs(t, err, &c)
	})

	t.Run("already cancelled", func(t *testing.T) {
		f := newFixture(t)
		f.member.PaymentStatus = models.PaymentStatusPending
		f.member.Status = models.MemberStatusCancelled
		f.store.On("GetMember", mock.Anything, f.member.ID).Return(f.member, nil)

		err := f.service.CancelMember(context.Background(), f.member.ID)

		var c *StateConflictError
		assert.ErrorAs(t, err, &c)
	})
}

// ========================================
// CAPTURE ON DROPOFF
// ========================================

func TestCaptureOnDropoff_Success(t *testing.T) {
	f := newFixture(t)
	f.expectLookups()
	f.expectClaim(models.SettlementOpCapture, f.claimed())

	f.gateway.On("Capture", mock.Anything, "pi_123", int64(2550), f.key(models.SettlementOpCapture, "capture")).Return("ch_1", nil)
	f.expectStep(models.SettlementStepCaptured, "ch_1")
	f.gateway.On("Transfer", mock.Anything, int64(1400), "acct_driver_1", f.group.ID.String(), mock.Anything,
		f.key(models.SettlementOpCapture, "transfer")).Return("tr_1", nil)
	f.expectStep(models.SettlementStepTransferred, "tr_1")
	f.store.On("TransitionMember", mock.Anything, f.member.ID, mock.MatchedBy(func(t models.StatusTransition) bool {
		return t.FromPayment == models.PaymentStatusAuthorized &&
			t.ToPayment == models.PaymentStatusPaid &&
			t.ToStatus == models.MemberStatusCompleted &&
			t.CapturedAt != nil && t.CapturedAt.Equal(testNow)
	})).Return(true, nil)
	f.store.On("IncrementDriverCounters", mock.Anything, f.driver.ID, int64(1400), 1).Return(nil)
	f.store.On("InsertAuditLog", mock.Anything, mock.MatchedBy(func(l *models.PriceAuditLog) bool {
		return l.EventType == models.AuditEventCapture &&
			l.AmountCaptured == 2550 &&
			l.AmountTransferred == 1400 &&
			l.RouteVersion == 2 &&
			strings.Contains(l.Notes, "capture_id=ch_1")
	})).Return(nil)

	result, err := f.service.CaptureOnDropoff(context.Background(), f.member.ID)

	require.NoError(t, err)
	assert.Equal(t, int64(2550), result.AmountCaptured)
	assert.Equal(t, int64(1400), result.DriverTransfer)
	assert.Equal(t, "ch_1", result.Receipt.CaptureID)
	assert.Equal(t, "tr_1", result.Receipt.TransferID)
	assert.Equal(t, testNow, result.Receipt.CapturedAt)
	assert.Equal(t, result.Receipt.TotalPrice,
		result.Receipt.DriverShare+result.Receipt.PlatformFee+result.Receipt.ProtectionFee+result.Receipt.PennyAdjustment)
	f.events.AssertCalled(t, "Publish", mock.Anything, SubjectMemberCaptured, mock.Anything)
	f.store.AssertExpectations(t)
	f.gateway.AssertExpectations(t)
	f.store.AssertNotCalled(t, "ReleaseSettlement", mock.Anything, mock.Anything, mock.Anything)
}

func TestCaptureOnDropoff_WrongState(t *testing.T) {
	tests := []struct {
		name    string
		payment models.PaymentStatus
		status  models.MemberStatus
	}{
		{"already captured", models.PaymentStatusPaid, models.MemberStatusCompleted},
		{"never authorized", models.PaymentStatusPending, models.MemberStatusPending},
		{"refunded", models.PaymentStatusRefunded, models.MemberStatusCancelled},
		{"no-show settled", models.PaymentStatusPaid, models.MemberStatusNoShow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.member.PaymentStatus = tt.payment
			f.member.Status = tt.status
			f.store.On("GetMember", mock.Anything, f.member.ID).Return(f.member, nil)

			result, err := f.service.CaptureOnDropoff(context.Background(), f.member.ID)

			assert.Nil(t, result)
			var c *StateConflictError
			require.ErrorAs(t, err, &c)
			assert.Equal(t, http.StatusConflict, ToAppError(err).Code)
			f.gateway.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			f.store.AssertNotCalled(t, "ClaimSettlement", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestCaptureOnDropoff_ClaimHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	f.expectLookups()
	f.store.On("ClaimSettlement", mock.Anything, f.member.ID, models.SettlementOpCapture, mock.Anything, mock.Anything).
		Return(nil, nil)

	_, err := f.service.CaptureOnDropoff(context.Background(), f.member.ID)

	var c *StateConflictError
	require.ErrorAs(t, err, &c)
	assert.Contains(t, c.Reason, "in progress")
	f.gateway.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCaptureOnDropoff_DriverWithoutPayoutAccount(t *testing.T) {
	f := newFixture(t)
	f.driver.PayoutAccountID = nil
	f.expectLookups()

	_, err := f.service.CaptureOnDropoff(context.Background(), f.member.ID)

	var v *ValidationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "payout_account_id", v.Field)
	f.store.AssertNotCalled(t, "ClaimSettlement", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCaptureOnDropoff_CaptureFailsBeforeMoneyMoves(t *testing.T) {
	f := newFixture(t)
	f.expectLookups()
	f.expectClaim(models.SettlementOpCapture, f.claimed())
	f.gateway.On("Capture", mock.Anything, "pi_123", int64(2550), mock.Anything).
		Return("", &GatewayError{Kind: GatewayInvalidRequest, Code: "payment_intent_unexpected_state", Message: "expired"})
	f.store.On("ReleaseSettlement", mock.Anything, f.member.ID, mock.AnythingOfType("uuid.UUID")).Return(nil)

	_, err := f.service.CaptureOnDropoff(context.Background(), f.member.ID)

	var g *GatewayError
	require.ErrorAs(t, err, &g)
	var partial *PartialSettlementError
	assert.False(t, errors.As(err, &partial))
	assert.Equal(t, http.StatusBadGateway, ToAppError(err).Code)
	f.store.AssertNotCalled(t, "InsertAuditLog", mock.Anything, mock.Anything)
	f.store.AssertNotCalled(t, "TransitionMember", mock.Anything, mock.Anything, mock.Anything)
	f.store.AssertExpectations(t)
}

func TestCaptureOnDropoff_TransferFailsAfterCapture(t *testing.T) {
	f := newFixture(t)
	f.expectLookups()
	f.expectClaim(models.SettlementOpCapture, f.claimed())
	f.gateway.On("Capture", mock.Anything, "pi_123", int64(2550), mock.Anything).Return("ch_1", nil)
	f.expectStep(models.SettlementStepCaptured, "ch_1")
	f.gateway.On("Transfer", mock.Anything, int64(1400), "acct_driver_1", mock.Anything, mock.Anything, mock.Anything).
		Return("", &GatewayError{Kind: GatewayInvalidRequest, Code: "account_invalid", Message: "destination account disabled"})
	f.store.On("ReleaseSettlement", mock.Anything, f.member.ID, mock.AnythingOfType("uuid.UUID")).Return(nil)
	f.store.On("InsertAuditLog", mock.Anything, mock.MatchedBy(func(l *models.PriceAuditLog) bool {
		return l.EventType == models.AuditEventPartialSettlement &&
			l.AmountCaptured == 2550 &&
			l.AmountTransferred == 0 &&
			strings.Contains(l.Notes, "completed_step=CAPTURED")
	})).Return(nil)

	_, err := f.service.CaptureOnDropoff(context.Background(), f.member.ID)

	var partial *PartialSettlementError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, models.SettlementStepCaptured, partial.CompletedStep)
	assert.Equal(t, models.SettlementOpCapture, partial.Operation)

	var g *GatewayError
	assert.ErrorAs(t, err, &g)

	appErr := ToAppError(err)
	assert.Equal(t, http.StatusInternalServerError, appErr.Code)
	assert.Equal(t, models.SettlementStepCaptured, appErr.Details["completed_step"])

	f.events.AssertCalled(t, "Publish", mock.Anything, SubjectPartialSettlement, mock.Anything)
	f.store.AssertNotCalled(t, "TransitionMember", mock.Anything, mock.Anything, mock.Anything)
	f.store.AssertExpectations(t)
}

func TestCaptureOnDropoff_ResumesAfterRecordedCapture(t *testing.T) {
	f := newFixture(t)
	f.expectLookups()

	resumed := f.claimed()
	captureID := "ch_1"
	resumed.CaptureID = &captureID
	resumed.SettlementStep = models.SettlementStepCaptured
	f.expectClaim(models.SettlementOpCapture, resumed)

	f.gateway.On("Transfer", mock.Anything, int64(1400), "acct_driver_1", f.group.ID.String(), mock.Anything,
		f.key(models.SettlementOpCapture, "transfer")).Return("tr_1", nil)
	f.expectStep(models.SettlementStepTransferred, "tr_1")
	f.store.On("TransitionMember", mock.Anything, f.member.ID,
		transitionTo(models.PaymentStatusPaid, models.MemberStatusCompleted)).Return(true, nil)
	f.store.On("IncrementDriverCounters", mock.Anything, f.driver.ID, int64(1400), 1).Return(nil)
	f.store.On("InsertAuditLog", mock.Anything, auditOf(models.AuditEventCapture)).Return(nil)

	result, err := f.service.CaptureOnDropoff(context.Background(), f.member.ID)

	require.NoError(t, err)
	assert.Equal(t, "ch_1", result.Receipt.CaptureID)
	f.gateway.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCaptureOnDropoff_AuditFailureLeavesSettlementResumable(t *testing.T) {
	f := newFixture(t)
	f.expectLookups()
	f.expectClaim(models.SettlementOpCapture, f.claimed())
	f.gateway.On("Capture", mock.Anything, "pi_123", int64(2550), mock.Anything).Return("ch_1", nil)
	f.expectStep(models.SettlementStepCaptured, "ch_1")
	f.gateway.On("Transfer", mock.Anything, int64(1400), mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("tr_1", nil)
	f.expectStep(models.SettlementStepTransferred, "tr_1")
	f.store.On("ReleaseSettlement", mock.Anything, f.member.ID, mock.AnythingOfType("uuid.UUID")).Return(nil)

	var firstAuditID uuid.UUID
	f.store.On("InsertAuditLog", mock.Anything, auditOf(models.AuditEventCapture)).
		Run(func(args mock.Arguments) { firstAuditID = args.Get(1).(*models.PriceAuditLog).ID }).
		Return(errors.New("connection refused")).Once()
	f.store.On("InsertAuditLog", mock.Anything, auditOf(models.AuditEventPartialSettlement)).
		Return(errors.New("connection refused")).Once()

	_, err := f.service.CaptureOnDropoff(context.Background(), f.member.ID)

	var partial *PartialSettlementError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, models.SettlementStepTransferred, partial.CompletedStep)
	f.store.AssertNotCalled(t, "TransitionMember", mock.Anything, mock.Anything, mock.Anything)
	f.store.AssertNotCalled(t, "IncrementDriverCounters", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	// the claim was released at TRANSFERRED, so a retry finishes the sequence
	resumed := f.claimed()
	captureID, transferID := "ch_1", "tr_1"
	resumed.CaptureID = &captureID
	resumed.TransferID = &transferID
	resumed.SettlementStep = models.SettlementStepTransferred
	f.expectClaim(models.SettlementOpCapture, resumed)
	f.store.On("InsertAuditLog", mock.Anything, mock.MatchedBy(func(l *models.PriceAuditLog) bool {
		return l.EventType == models.AuditEventCapture && l.ID == firstAuditID
	})).Return(nil).Once()
	f.store.On("TransitionMember", mock.Anything, f.member.ID,
		transitionTo(models.PaymentStatusPaid, models.MemberStatusCompleted)).Return(true, nil)
	f.store.On("IncrementDriverCounters", mock.Anything, f.driver.ID, int64(1400), 1).Return(nil)

	result, err := f.service.CaptureOnDropoff(context.Background(), f.member.ID)

	require.NoError(t, err)
	assert.Equal(t, "tr_1", result.Receipt.TransferID)
	assert.NotEqual(t, uuid.Nil, firstAuditID)
	f.gateway.AssertNumberOfCalls(t, "Capture", 1)
	f.gateway.AssertNumberOfCalls(t, "Transfer", 1)
	f.store.AssertExpectations(t)
}

func TestCaptureOnDropoff_AuditWrittenBeforeTransition(t *testing.T) {
	f := newFixture(t)
	f.expectLookups()
	f.expectClaim(models.SettlementOpCapture, f.claimed())
	f.gateway.On("Capture", mock.Anything, "pi_123", int64(2550), mock.Anything).Return("ch_1", nil)
	f.expectStep(models.SettlementStepCaptured, "ch_1")
	f.gateway.On("Transfer", mock.Anything, int64(1400), mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("tr_1", nil)
	f.expectStep(models.SettlementStepTransferred, "tr_1")

	var order []string
	f.store.On("InsertAuditLog", mock.Anything, auditOf(models.AuditEventCapture)).
		Run(func(mock.Arguments) { order = append(order, "audit") }).Return(nil)
	f.store.On("TransitionMember", mock.Anything, f.member.ID, mock.Anything).
		Run(func(mock.Arguments) { order = append(order, "transition") }).Return(true, nil)
	f.store.On("IncrementDriverCounters", mock.Anything, f.driver.ID, int64(1400), 1).
		Run(func(mock.Arguments) { order = append(order, "counters") }).Return(nil)

	_, err := f.service.CaptureOnDropoff(context.Background(), f.member.ID)

	require.NoError(t, err)
	assert.Equal(t, []string{"audit", "transition", "counters"}, order)
}

func TestCaptureOnDropoff_CounterFailureDoesNotFailSettlement(t *testing.T) {
	f := newFixture(t)
	f.expectLookups()
	f.expectClaim(models.SettlementOpCapture, f.claimed())
	f.gateway.On("Capture", mock.Anything, "pi_123", int64(2550), mock.Anything).Return("ch_1", nil)
	f.expectStep(models.SettlementStepCaptured, "ch_1")
	f.gateway.On("Transfer", mock.Anything, int64(1400), mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("tr_1", nil)
	f.expectStep(models.SettlementStepTransferred, "tr_1")
	f.store.On("TransitionMember", mock.Anything, f.member.ID, mock.Anything).Return(true, nil)
	f.store.On("IncrementDriverCounters", mock.Anything, f.driver.ID, int64(1400), 1).Return(errors.New("deadlock detected"))
	f.store.On("InsertAuditLog", mock.Anything, auditOf(models.AuditEventCapture)).Return(nil)

	result, err := f.service.CaptureOnDropoff(context.Background(), f.member.ID)

	require.NoError(t, err)
	assert.Equal(t, int64(2550), result.AmountCaptured)
	f.store.AssertExpectations(t)
}

// ========================================
// NO-SHOW
// ========================================

func TestHandleNoShow_TooEarly(t *testing.T) {
	f := newFixture(t)
	pickup := testNow.Add(-19 * time.Minute)
	f.member.EstimatedPickupAt = &pickup
	f.store.On("GetMember", mock.Anything, f.member.ID).Return(f.member, nil)
	f.store.On("GetRideGroup", mock.Anything, f.group.ID).Return(f.group, nil)

	_, err := f.service.HandleNoShow(context.Background(), f.member.ID, "passenger not at curb")

	var early *NoShowTooEarlyError
	require.ErrorAs(t, err, &early)
	assert.Equal(t, 1, early.RemainingMinutes)

	appErr := ToAppError(err)
	assert.Equal(t, http.StatusConflict, appErr.Code)
	assert.Equal(t, 1, appErr.Details["remaining_minutes"])

	f.gateway.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.store.AssertNotCalled(t, "ClaimSettlement", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleNoShow_Success(t *testing.T) {
	f := newFixture(t)
	pickup := testNow.Add(-20 * time.Minute)
	f.member.EstimatedPickupAt = &pickup
	f.expectLookups()
	f.expectClaim(models.SettlementOpNoShow, f.claimed())

	f.gateway.On("Capture", mock.Anything, "pi_123", int64(1400), f.key(models.SettlementOpNoShow, "capture")).Return("ch_2", nil)
	f.expectStep(models.SettlementStepCaptured, "ch_2")
	f.gateway.On("Refund", mock.Anything, "pi_123", int64(1150), noShowRefundReason, mock.Anything,
		f.key(models.SettlementOpNoShow, "refund")).Return("re_1", nil)
	f.expectStep(models.SettlementStepRefunded, "re_1")
	f.gateway.On("Transfer", mock.Anything, int64(1400), "acct_driver_1", f.group.ID.String(), mock.Anything,
		f.key(models.SettlementOpNoShow, "transfer")).Return("tr_2", nil)
	f.expectStep(models.SettlementStepTransferred, "tr_2")
	f.store.On("TransitionMember", mock.Anything, f.member.ID,
		transitionTo(models.PaymentStatusPaid, models.MemberStatusNoShow)).Return(true, nil)
	f.store.On("IncrementDriverCounters", mock.Anything, f.driver.ID, int64(1400), 0).Return(nil)
	f.store.On("InsertAuditLog", mock.Anything, mock.MatchedBy(func(l *models.PriceAuditLog) bool {
		return l.EventType == models.AuditEventNoShow &&
			l.KmOnboard == 0 && l.KmDirect == 0 && l.DetourPercent == 0 &&
			!l.ConstraintsMet &&
			l.AmountCaptured == 1400 &&
			l.AmountRefunded == 1150 &&
			l.AmountTransferred == 1400 &&
			strings.Contains(l.Notes, "reason=passenger not at curb")
	})).Return(nil)

	result, err := f.service.HandleNoShow(context.Background(), f.member.ID, "passenger not at curb")

	require.NoError(t, err)
	assert.Equal(t, int64(1400), result.Penalty)
	assert.Equal(t, int64(1150), result.Refunded)
	assert.Equal(t, int64(1400), result.NetCharge)
	assert.Equal(t, f.member.TotalPrice, result.Penalty+result.Refunded)
	assert.Equal(t, "re_1", result.Receipt.RefundID)
	f.events.AssertCalled(t, "Publish", mock.Anything, SubjectMemberNoShow, mock.Anything)
	f.store.AssertExpectations(t)
	f.gateway.AssertExpectations(t)
}

func TestHandleNoShow_NegativePennyAdjustment(t *testing.T) {
	f := newFixture(t)
	b, err := fare.NewCalculator(nil).Calculate(fare.RouteMetrics{KmOnboard: 35.05, KmDirect: 35.05, DriverRatePerKm: 10})
	require.NoError(t, err)
	require.Equal(t, int64(-1), b.PennyAdjustment)
	applyBreakdown(f.member, b)
	f.expectLookups()
	f.expectClaim(models.SettlementOpNoShow, f.claimed())

	fees := b.PlatformFee + b.ProtectionFee
	f.gateway.On("Capture", mock.Anything, "pi_123", b.DriverShare, mock.Anything).Return("ch_3", nil)
	f.expectStep(models.SettlementStepCaptured, "ch_3")
	f.gateway.On("Refund", mock.Anything, "pi_123", fees, noShowRefundReason, mock.Anything, mock.Anything).
		Return("pi_123:released", nil)
	f.expectStep(models.SettlementStepRefunded, "pi_123:released")
	f.gateway.On("Transfer", mock.Anything, b.DriverShare, "acct_driver_1", mock.Anything, mock.Anything, mock.Anything).Return("tr_3", nil)
	f.expectStep(models.SettlementStepTransferred, "tr_3")
	f.store.On("TransitionMember", mock.Anything, f.member.ID,
		transitionTo(models.PaymentStatusPaid, models.MemberStatusNoShow)).Return(true, nil)
	f.store.On("IncrementDriverCounters", mock.Anything, f.driver.ID, b.DriverShare, 0).Return(nil)
	f.store.On("InsertAuditLog", mock.Anything, mock.MatchedBy(func(l *models.PriceAuditLog) bool {
		return l.EventType == models.AuditEventNoShow &&
			l.AmountRefunded == fees &&
			strings.Contains(l.Notes, fmt.Sprintf("hold_released=%d", b.Total-b.DriverShare))
	})).Return(nil)

	result, err := f.service.HandleNoShow(context.Background(), f.member.ID, "")

	require.NoError(t, err)
	assert.Equal(t, b.DriverShare, result.NetCharge)
	assert.Equal(t, fees, result.Refunded)
	f.store.AssertExpectations(t)
}

func TestHandleNoShow_UsesGroupPickupTime(t *testing.T) {
	f := newFixture(t)
	f.member.EstimatedPickupAt = nil
	target := testNow.Add(-5 * time.Minute)
	f.group.TargetPickupTime = &target
	f.store.On("GetMember", mock.Anything, f.member.ID).Return(f.member, nil)
	f.store.On("GetRideGroup", mock.Anything, f.group.ID).Return(f.group, nil)

	_, err := f.service.HandleNoShow(context.Background(), f.member.ID, "")

	var early *NoShowTooEarlyError
	require.ErrorAs(t, err, &early)
	assert.Equal(t, 15, early.RemainingMinutes)
}

func TestHandleNoShow_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		check func(t *testing.T, err error)
	}{
		{
			name: "already a no-show",
			setup: func(f *fixture) {
				f.member.PaymentStatus = models.PaymentStatusPaid
				f.member.Status = models.MemberStatusNoShow
			},
			check: func(t *testing.T, err error) {
				var c *StateConflictError
				assert.ErrorAs(t, err, &c)
			},
		},
		{
			name: "payment pending",
			setup: func(f *fixture) {
				f.member.PaymentStatus = models.PaymentStatusPending
				f.member.Status = models.MemberStatusPending
			},
			check: func(t *testing.T, err error) {
				var c *StateConflictError
				assert.ErrorAs(t, err, &c)
			},
		},
		{
			name: "no pickup time anywhere",
			setup: func(f *fixture) {
				f.member.EstimatedPickupAt = nil
				f.store.On("GetRideGroup", mock.Anything, f.group.ID).Return(f.group, nil)
			},
			check: func(t *testing.T, err error) {
				var v *ValidationError
				assert.ErrorAs(t, err, &v)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)
			f.store.On("GetMember", mock.Anything, f.member.ID).Return(f.member, nil)

			result, err := f.service.HandleNoShow(context.Background(), f.member.ID, "")

			assert.Nil(t, result)
			tt.check(t, err)
			f.gateway.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

// ========================================
// REFUND
// ========================================

func TestRefundAuthorized_Success(t *testing.T) {
	f := newFixture(t)
	f.store.On("GetMember", mock.Anything, f.member.ID).Return(f.member, nil)
	f.store.On("GetRideGroup", mock.Anything, f.group.ID).Return(f.group, nil)
	f.expectClaim(models.SettlementOpRefund, f.claimed())
	f.gateway.On("Refund", mock.Anything, "pi_123", int64(2550), "flight_cancelled", mock.Anything,
		f.key(models.SettlementOpRefund, "refund")).Return("pi_123_release", nil)
	f.expectStep(models.SettlementStepRefunded, "pi_123_release")
	f.store.On("TransitionMember", mock.Anything, f.member.ID,
		transitionTo(models.PaymentStatusRefunded, models.MemberStatusCancelled)).Return(true, nil)
	f.store.On("InsertAuditLog", mock.Anything, mock.MatchedBy(func(l *models.PriceAuditLog) bool {
		return l.EventType == models.AuditEventRefund && l.AmountRefunded == 2550 && l.AmountCaptured == 0
	})).Return(nil)

	result, err := f.service.RefundAuthorized(context.Background(), f.member.ID, "flight_cancelled")

	require.NoError(t, err)
	assert.Equal(t, int64(2550), result.Refunded)
	assert.Equal(t, "pi_123_release", result.RefundID)
	f.store.AssertNotCalled(t, "GetDriver", mock.Anything, mock.Anything)
	f.store.AssertNotCalled(t, "IncrementDriverCounters", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.events.AssertCalled(t, "Publish", mock.Anything, SubjectMemberRefunded, mock.Anything)
	f.store.AssertExpectations(t)
}

func TestRefundAuthorized_RequiresReason(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.RefundAuthorized(context.Background(), f.member.ID, " ")

	var v *ValidationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, http.StatusBadRequest, ToAppError(err).Code)
	f.store.AssertNotCalled(t, "GetMember", mock.Anything, mock.Anything)
}

func TestRefundAuthorized_MarkupOnlyReasonIsRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.RefundAuthorized(context.Background(), f.member.ID, "<script>alert(1)</script>")

	var v *ValidationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "reason", v.Field)
}

func TestRefundAuthorized_AfterCaptureIsConflict(t *testing.T) {
	f := newFixture(t)
	f.member.PaymentStatus = models.PaymentStatusPaid
	f.member.Status = models.MemberStatusCompleted
	f.store.On("GetMember", mock.Anything, f.member.ID).Return(f.member, nil)

	_, err := f.service.RefundAuthorized(context.Background(), f.member.ID, "rider_request")

	var c *StateConflictError
	assert.ErrorAs(t, err, &c)
	f.gateway.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// ========================================
// READS
// ========================================

func TestGetBreakdown(t *testing.T) {
	f := newFixture(t)
	f.store.On("GetMember", mock.Anything, f.member.ID).Return(f.member, nil)
	f.store.On("GetRideGroup", mock.Anything, f.group.ID).Return(f.group, nil)

	view, err := f.service.GetBreakdown(context.Background(), f.member.ID)

	require.NoError(t, err)
	assert.Equal(t, int64(2550), view.Pricing.Total)
	assert.Equal(t, view.Pricing.Total, view.Pricing.Components())
	require.NotNil(t, view.NoShowEligibleAt)
	assert.Equal(t, f.member.EstimatedPickupAt.Add(20*time.Minute), *view.NoShowEligibleAt)
}

func TestGetBreakdown_NotFound(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	f.store.On("GetMember", mock.Anything, id).Return(nil, nil)

	_, err := f.service.GetBreakdown(context.Background(), id)

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, http.StatusNotFound, ToAppError(err).Code)
}

func TestListAuditLogs(t *testing.T) {
	f := newFixture(t)
	logs := []*models.PriceAuditLog{{ID: uuid.New(), MemberID: f.member.ID, EventType: models.AuditEventCapture}}
	f.store.On("GetMember", mock.Anything, f.member.ID).Return(f.member, nil)
	f.store.On("ListAuditLogs", mock.Anything, f.member.ID, 20, 0).Return(logs, int64(3), nil)

	got, total, err := f.service.ListAuditLogs(context.Background(), f.member.ID, 20, 0)

	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int64(3), total)
}

func TestListAuditLogs_EmptyPage(t *testing.T) {
	f := newFixture(t)
	f.store.On("GetMember", mock.Anything, f.member.ID).Return(f.member, nil)
	f.store.On("ListAuditLogs", mock.Anything, f.member.ID, 20, 40).Return(nil, int64(3), nil)

	got, total, err := f.service.ListAuditLogs(context.Background(), f.member.ID, 20, 40)

	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Equal(t, int64(3), total)
}

// ========================================
// RECONCILE
// ========================================

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	op := models.SettlementOpCapture
	stalled := f.claimed()
	stalled.SettlementOp = &op
	stalled.SettlementStep = models.SettlementStepCaptured

	settled := f.claimed()
	settled.PaymentStatus = models.PaymentStatusPaid
	settled.Status = models.MemberStatusCompleted

	f.store.On("ListStalledSettlements", mock.Anything, testNow, defaultReconcileBatch).
		Return([]*models.RideGroupMember{stalled, {ID: uuid.New()}}, nil)
	f.store.On("GetMember", mock.Anything, f.member.ID).Return(settled, nil)

	report, err := f.service.Reconcile(context.Background(), 0)

	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.Resumed)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, models.SettlementStepCaptured, report.Outcomes[0].ResumedFrom)
	assert.NotEmpty(t, report.Outcomes[0].Error)
}

// ========================================
// ERROR MAPPING
// ========================================

func TestToAppError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"validation", &ValidationError{Field: "reason", Reason: "is required"}, http.StatusBadRequest},
		{"invalid metrics", fare.ErrInvalidMetrics, http.StatusBadRequest},
		{"not found", &NotFoundError{Entity: "member", ID: "x"}, http.StatusNotFound},
		{"conflict", &StateConflictError{Operation: "capture"}, http.StatusConflict},
		{"too early", &NoShowTooEarlyError{RemainingMinutes: 3}, http.StatusConflict},
		{"not authorized", &AuthorizationError{IntentID: "pi"}, http.StatusPaymentRequired},
		{"gateway", &GatewayError{Kind: GatewayCardDeclined}, http.StatusBadGateway},
		{"partial", &PartialSettlementError{Err: errors.New("boom")}, http.StatusInternalServerError},
		{"app error passthrough", common.NewForbiddenError("nope"), http.StatusForbidden},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, ToAppError(tt.err).Code)
		})
	}
}

func TestIsRetryableGatewayError(t *testing.T) {
	assert.True(t, IsRetryableGatewayError(&GatewayError{Kind: GatewayUnavailable}))
	assert.False(t, IsRetryableGatewayError(&GatewayError{Kind: GatewayCardDeclined}))
	assert.False(t, IsRetryableGatewayError(errors.New("plain")))
}

func TestNormalizeGatewayError(t *testing.T) {
	parent := context.Background()

	err := normalizeGatewayError(parent, resilience.ErrCircuitOpen)
	var g *GatewayError
	require.ErrorAs(t, err, &g)
	assert.Equal(t, GatewayUnavailable, g.Kind)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)

	err = normalizeGatewayError(parent, context.DeadlineExceeded)
	require.ErrorAs(t, err, &g)
	assert.True(t, g.Retryable())

	cancelled, cancel := context.WithCancel(parent)
	cancel()
	err = normalizeGatewayError(cancelled, context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
}
