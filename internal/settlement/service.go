package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/fare-settlement/internal/fare"
	"github.com/richxcame/fare-settlement/internal/noshow"
	"github.com/richxcame/fare-settlement/pkg/config"
	"github.com/richxcame/fare-settlement/pkg/logger"
	"github.com/richxcame/fare-settlement/pkg/models"
	"github.com/richxcame/fare-settlement/pkg/resilience"
	"github.com/richxcame/fare-settlement/pkg/security"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Default timings used when no config is provided
const (
	defaultGatewayTimeout  = 10 * time.Second
	defaultSettlementLease = 2 * time.Minute
	maxReasonLength        = 500
	tracerName             = "github.com/richxcame/fare-settlement/internal/settlement"
)

// Operation names used for idempotency keys, metrics and spans
const (
	opAuthorize = "authorize"
	opQuote     = "quote"
	opCapture   = "capture"
	opNoShow    = "no_show"
	opCancel    = "cancel"
	opRefund    = "refund"
)

// Service is the payment orchestrator. It drives the member payment state
// machine and sequences gateway calls, recording each step before the next.
type Service struct {
	store          LedgerStore
	gateway        PaymentGateway
	events         EventPublisher
	calculator     *fare.Calculator
	policy         *noshow.Policy
	breaker        *resilience.CircuitBreaker
	retry          resilience.RetryConfig
	gatewayTimeout time.Duration
	lease          time.Duration
	now            func() time.Time
	tracer         trace.Tracer
}

// Option customizes a Service
type Option func(*Service)

// WithClock replaces the wall clock, used by no-show evaluation and timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBreaker routes every gateway call through the circuit breaker
func WithBreaker(breaker *resilience.CircuitBreaker) Option {
	return func(s *Service) { s.breaker = breaker }
}

// WithRetryConfig replaces the gateway retry policy
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(s *Service) {
		cfg.RetryableChecker = IsRetryableGatewayError
		s.retry = cfg
	}
}

// NewService creates a new settlement service
func NewService(store LedgerStore, gateway PaymentGateway, events EventPublisher, cfg *config.SettlementConfig, opts ...Option) *Service {
	gatewayTimeout := defaultGatewayTimeout
	lease := defaultSettlementLease
	attempts := 0

	if cfg != nil {
		if cfg.GatewayTimeout > 0 {
			gatewayTimeout = cfg.GatewayTimeout
		}
		if cfg.SettlementLease > 0 {
			lease = cfg.SettlementLease
		}
		attempts = cfg.GatewayRetryAttempts
	}

	retry := resilience.GatewayRetryConfig(attempts)
	retry.RetryableChecker = IsRetryableGatewayError

	s := &Service{
		store:          store,
		gateway:        gateway,
		events:         events,
		calculator:     fare.NewCalculator(cfg),
		policy:         noshow.NewPolicy(cfg),
		retry:          retry,
		gatewayTimeout: gatewayTimeout,
		lease:          lease,
		now:            time.Now,
		tracer:         otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ========================================
// RESULT TYPES
// ========================================

// AuthorizeResult is returned by AuthorizePayment
type AuthorizeResult struct {
	MemberID          uuid.UUID            `json:"member_id"`
	Authorized        bool                 `json:"authorized"`
	AlreadyAuthorized bool                 `json:"already_authorized"`
	PaymentStatus     models.PaymentStatus `json:"payment_status"`
}

// Receipt describes what a settlement charged and paid out
type Receipt struct {
	MemberID        uuid.UUID `json:"member_id"`
	BookingID       uuid.UUID `json:"booking_id"`
	RideGroupID     uuid.UUID `json:"ride_group_id"`
	DriverShare     int64     `json:"driver_share"`
	PlatformFee     int64     `json:"platform_fee"`
	ProtectionFee   int64     `json:"protection_fee"`
	PennyAdjustment int64     `json:"penny_adjustment"`
	TotalPrice      int64     `json:"total_price"`
	CaptureID       string    `json:"capture_id,omitempty"`
	RefundID        string    `json:"refund_id,omitempty"`
	TransferID      string    `json:"transfer_id,omitempty"`
	CapturedAt      time.Time `json:"captured_at"`
}

// CaptureResult is returned by CaptureOnDropoff
type CaptureResult struct {
	AmountCaptured int64   `json:"amount_captured"`
	DriverTransfer int64   `json:"driver_transfer"`
	Receipt        Receipt `json:"receipt"`
}

// NoShowResult is returned by HandleNoShow
type NoShowResult struct {
	Penalty   int64   `json:"penalty"`
	Refunded  int64   `json:"refunded"`
	NetCharge int64   `json:"net_charge"`
	Receipt   Receipt `json:"receipt"`
}

// RefundResult is returned by RefundAuthorized
type RefundResult struct {
	MemberID uuid.UUID `json:"member_id"`
	Refunded int64     `json:"refunded"`
	RefundID string    `json:"refund_id"`
}

// BreakdownView is the read-only pricing and timing view of a member
type BreakdownView struct {
	MemberID         uuid.UUID            `json:"member_id"`
	BookingID        uuid.UUID            `json:"booking_id"`
	RideGroupID      uuid.UUID            `json:"ride_group_id"`
	Pricing          fare.Breakdown       `json:"pricing"`
	ConstraintsMet   bool                 `json:"constraints_met"`
	PaymentStatus    models.PaymentStatus `json:"payment_status"`
	Status           models.MemberStatus  `json:"status"`
	SettlementStep   string               `json:"settlement_step,omitempty"`
	JoinedAt         time.Time            `json:"joined_at"`
	CapturedAt       *time.Time           `json:"captured_at,omitempty"`
	EstimatedPickup  *time.Time           `json:"estimated_pickup_at,omitempty"`
	ActualPickup     *time.Time           `json:"actual_pickup_at,omitempty"`
	EstimatedDropoff *time.Time           `json:"estimated_dropoff_at,omitempty"`
	ActualDropoff    *time.Time           `json:"actual_dropoff_at,omitempty"`
	NoShowEligibleAt *time.Time           `json:"no_show_eligible_at,omitempty"`
}

// ========================================
// READ OPERATIONS
// ========================================

// GetBreakdown returns the full pricing and timing breakdown of a member
func (s *Service) GetBreakdown(ctx context.Context, memberID uuid.UUID) (*BreakdownView, error) {
	member, err := s.loadMember(ctx, memberID)
	if err != nil {
		return nil, err
	}

	group, err := s.store.GetRideGroup(ctx, member.RideGroupID)
	if err != nil {
		return nil, fmt.Errorf("get ride group: %w", err)
	}

	view := &BreakdownView{
		MemberID:         member.ID,
		BookingID:        member.BookingID,
		RideGroupID:      member.RideGroupID,
		Pricing:          breakdownOf(member),
		ConstraintsMet:   member.ConstraintsMet,
		PaymentStatus:    member.PaymentStatus,
		Status:           member.Status,
		SettlementStep:   string(member.SettlementStep),
		JoinedAt:         member.JoinedAt,
		CapturedAt:       member.CapturedAt,
		EstimatedPickup:  member.EstimatedPickupAt,
		ActualPickup:     member.ActualPickupAt,
		EstimatedDropoff: member.EstimatedDropoffAt,
		ActualDropoff:    member.ActualDropoffAt,
	}
	if end, ok := noshow.PickupWindowEnd(member, group); ok {
		eligible := end.Add(s.policy.Grace())
		view.NoShowEligibleAt = &eligible
	}

	return view, nil
}

// ListAuditLogs returns one page of the audit trail of a member, oldest
// first, and the total number of entries
func (s *Service) ListAuditLogs(ctx context.Context, memberID uuid.UUID, limit, offset int) ([]*models.PriceAuditLog, int64, error) {
	if _, err := s.loadMember(ctx, memberID); err != nil {
		return nil, 0, err
	}
	logs, total, err := s.store.ListAuditLogs(ctx, memberID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit logs: %w", err)
	}
	if logs == nil {
		logs = []*models.PriceAuditLog{}
	}
	return logs, total, nil
}

// ========================================
// PRICING
// ========================================

// QuoteMember prices a member from its route metrics. Pricing is only
// writable while the payment is PENDING; it is fixed once a hold exists.
func (s *Service) QuoteMember(ctx context.Context, memberID uuid.UUID, metrics fare.RouteMetrics) (b *fare.Breakdown, err error) {
	ctx, span := s.startSpan(ctx, opQuote, memberID)
	defer func() { s.endSpan(span, opQuote, err) }()

	member, err := s.loadMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if member.PaymentStatus != models.PaymentStatusPending || member.Status == models.MemberStatusCancelled {
		return nil, conflict(opQuote, member, "pricing is fixed once a hold is placed")
	}

	breakdown, err := s.calculator.Calculate(metrics)
	if err != nil {
		return nil, &ValidationError{Field: "route_metrics", Reason: err.Error()}
	}

	applyBreakdown(member, breakdown)
	member.ConstraintsMet = s.calculator.Constraints().Met(breakdown)

	ok, err := s.store.UpdateMemberPricing(ctx, member)
	if err != nil {
		return nil, fmt.Errorf("update member pricing: %w", err)
	}
	if !ok {
		return nil, conflict(opQuote, member, "member was authorized concurrently")
	}

	logger.WithContext(ctx).Info("settlement: member quoted",
		zap.String("member_id", memberID.String()),
		zap.Int64("total_price", breakdown.Total),
		zap.Bool("constraints_met", member.ConstraintsMet),
	)
	return &breakdown, nil
}

// ========================================
// AUTHORIZE
// ========================================

// AuthorizePayment verifies the processor hold for a payment intent and moves
// the member from PENDING to AUTHORIZED. Repeating it on an AUTHORIZED member
// succeeds without calling the processor.
func (s *Service) AuthorizePayment(ctx context.Context, intentID, paymentMethod string) (result *AuthorizeResult, err error) {
	ctx, span := s.tracer.Start(ctx, "settlement."+opAuthorize,
		trace.WithAttributes(attribute.String("payment_intent_id", intentID)))
	defer func() { s.endSpan(span, opAuthorize, err) }()

	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return nil, &ValidationError{Field: "payment_intent_id", Reason: "is required"}
	}

	member, err := s.store.GetMemberByPaymentIntent(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("get member by payment intent: %w", err)
	}
	if member == nil {
		return nil, &NotFoundError{Entity: "member for payment intent", ID: intentID}
	}
	span.SetAttributes(attribute.String("member_id", member.ID.String()))

	switch member.PaymentStatus {
	case models.PaymentStatusAuthorized:
		return alreadyAuthorized(member), nil
	case models.PaymentStatusPending:
	default:
		return nil, conflict(opAuthorize, member, "payment is not pending")
	}
	if member.Status == models.MemberStatusCancelled {
		return nil, conflict(opAuthorize, member, "member is cancelled")
	}
	if member.TotalPrice <= 0 {
		return nil, &ValidationError{Field: "total_price", Reason: "member has not been priced"}
	}

	key := IdempotencyKey(models.SettlementOp(opAuthorize), "confirm", member)
	res, err := s.callGateway(ctx, "authorize", func(ctx context.Context) (interface{}, error) {
		return s.gateway.AuthorizeOrVerify(ctx, intentID, paymentMethod, key)
	})
	if err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.Kind == GatewayNotAuthorized {
			return nil, &AuthorizationError{IntentID: intentID, Status: gwErr.Code, Reason: gwErr.Message}
		}
		return nil, err
	}

	hold := res.(*models.GatewayHold)
	if !hold.Capturable {
		return nil, &AuthorizationError{IntentID: intentID, Status: hold.Status, Reason: "hold is not capturable"}
	}
	if hold.AmountCapturable < member.TotalPrice {
		return nil, &AuthorizationError{
			IntentID: intentID,
			Status:   hold.Status,
			Reason:   fmt.Sprintf("held %d is less than total price %d", hold.AmountCapturable, member.TotalPrice),
		}
	}

	t := models.StatusTransition{
		FromPayment: models.PaymentStatusPending,
		FromStatus:  member.Status,
		ToPayment:   models.PaymentStatusAuthorized,
		ToStatus:    models.MemberStatusConfirmed,
	}
	ok, err := s.store.TransitionMember(ctx, member.ID, t)
	if err != nil {
		return nil, fmt.Errorf("transition member to authorized: %w", err)
	}
	if !ok {
		current, err := s.loadMember(ctx, member.ID)
		if err != nil {
			return nil, err
		}
		if current.PaymentStatus == models.PaymentStatusAuthorized {
			return alreadyAuthorized(current), nil
		}
		return nil, conflict(opAuthorize, current, "member changed during authorization")
	}

	logger.WithContext(ctx).Info("settlement: payment authorized",
		zap.String("member_id", member.ID.String()),
		zap.String("payment_intent_id", intentID),
		zap.Int64("amount_capturable", hold.AmountCapturable),
	)
	s.emit(ctx, SubjectPaymentAuthorized, SettlementEventData{
		MemberID:    member.ID,
		RideGroupID: member.RideGroupID,
		OccurredAt:  s.now(),
	})

	return &AuthorizeResult{
		MemberID:      member.ID,
		Authorized:    true,
		PaymentStatus: models.PaymentStatusAuthorized,
	}, nil
}

// ========================================
// CANCEL
// ========================================

// CancelMember cancels a member whose payment was never authorized. No gateway call is made.
func (s *Service) CancelMember(ctx context.Context, memberID uuid.UUID) (err error) {
	ctx, span := s.startSpan(ctx, opCancel, memberID)
	defer func() { s.endSpan(span, opCancel, err) }()

	member, err := s.loadMember(ctx, memberID)
	if err != nil {
		return err
	}

	t := models.StatusTransition{
		FromPayment: models.PaymentStatusPending,
		FromStatus:  member.Status,
		ToPayment:   models.PaymentStatusPending,
		ToStatus:    models.MemberStatusCancelled,
	}
	if member.PaymentStatus != models.PaymentStatusPending || !ValidTransition(t) {
		return conflict(opCancel, member, "only unauthorized members can be cancelled")
	}

	ok, err := s.store.TransitionMember(ctx, memberID, t)
	if err != nil {
		return fmt.Errorf("transition member to cancelled: %w", err)
	}
	if !ok {
		return conflict(opCancel, member, "member changed concurrently")
	}

	logger.WithContext(ctx).Info("settlement: member cancelled", zap.String("member_id", memberID.String()))
	s.emit(ctx, SubjectMemberCancelled, SettlementEventData{
		MemberID:    member.ID,
		RideGroupID: member.RideGroupID,
		OccurredAt:  s.now(),
	})
	return nil
}

// ========================================
// CAPTURE ON DROPOFF
// ========================================

// CaptureOnDropoff captures the full total, pays the driver share out to the
// driver and marks the member PAID/COMPLETED. A retry after a partial failure
// resumes from the last recorded step.
func (s *Service) CaptureOnDropoff(ctx context.Context, memberID uuid.UUID) (result *CaptureResult, err error) {
	ctx, span := s.startSpan(ctx, opCapture, memberID)
	defer func() { s.endSpan(span, opCapture, err) }()

	member, err := s.loadMember(ctx, memberID)
	if err != nil {
		return nil, err
	}

	t := models.StatusTransition{
		FromPayment: models.PaymentStatusAuthorized,
		FromStatus:  member.Status,
		ToPayment:   models.PaymentStatusPaid,
		ToStatus:    models.MemberStatusCompleted,
	}
	if member.PaymentStatus != models.PaymentStatusAuthorized || !ValidTransition(t) {
		return nil, conflict(opCapture, member, "payment must be AUTHORIZED")
	}

	sc, err := s.prepare(ctx, member, models.SettlementOpCapture)
	if err != nil {
		return nil, err
	}
	member = sc.member

	steps := []settlementStep{
		{
			name: models.SettlementStepCaptured,
			done: member.CaptureID != nil,
			run: func(ctx context.Context) (string, error) {
				return s.capture(ctx, sc, member.TotalPrice)
			},
			apply: func(id string) { member.CaptureID = &id },
		},
		{
			name: models.SettlementStepTransferred,
			done: member.TransferID != nil,
			run: func(ctx context.Context) (string, error) {
				return s.transfer(ctx, sc, member.DriverShare)
			},
			apply: func(id string) { member.TransferID = &id },
		},
	}
	if err := s.runSteps(ctx, sc, steps); err != nil {
		return nil, err
	}

	audit := s.settlementAudit(sc, models.AuditEventCapture)
	audit.AmountCaptured = member.TotalPrice
	audit.AmountTransferred = member.DriverShare
	audit.Notes = joinNotes(receiptNotes(member))

	capturedAt := s.now()
	t.CapturedAt = &capturedAt
	if err := s.settle(ctx, sc, t, audit, member.DriverShare, 1); err != nil {
		return nil, err
	}

	recordAmount("captured", member.TotalPrice)
	recordAmount("transferred", member.DriverShare)
	logger.WithContext(ctx).Info("settlement: member captured on dropoff",
		zap.String("member_id", member.ID.String()),
		zap.String("ride_group_id", member.RideGroupID.String()),
		zap.Int64("amount_captured", member.TotalPrice),
		zap.Int64("driver_transfer", member.DriverShare),
	)
	s.emit(ctx, SubjectMemberCaptured, SettlementEventData{
		MemberID:          member.ID,
		RideGroupID:       member.RideGroupID,
		DriverID:          &sc.driver.ID,
		AmountCaptured:    member.TotalPrice,
		AmountTransferred: member.DriverShare,
		CaptureID:         deref(member.CaptureID),
		TransferID:        deref(member.TransferID),
		OccurredAt:        capturedAt,
	})

	return &CaptureResult{
		AmountCaptured: member.TotalPrice,
		DriverTransfer: member.DriverShare,
		Receipt:        receiptOf(member, capturedAt),
	}, nil
}

// ========================================
// NO-SHOW
// ========================================

// HandleNoShow settles a passenger who never appeared: the driver share is
// captured and passed through to the driver, the platform and protection fees
// are released back to the passenger. The grace period is evaluated against
// the stored pickup window and the server clock only.
func (s *Service) HandleNoShow(ctx context.Context, memberID uuid.UUID, reason string) (result *NoShowResult, err error) {
	ctx, span := s.startSpan(ctx, opNoShow, memberID)
	defer func() { s.endSpan(span, opNoShow, err) }()

	reason = security.SanitizeInput(reason, maxReasonLength)

	member, err := s.loadMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if member.Status == models.MemberStatusNoShow {
		return nil, conflict(opNoShow, member, "member is already a no-show")
	}

	t := models.StatusTransition{
		FromPayment: models.PaymentStatusAuthorized,
		FromStatus:  member.Status,
		ToPayment:   models.PaymentStatusPaid,
		ToStatus:    models.MemberStatusNoShow,
	}
	if member.PaymentStatus != models.PaymentStatusAuthorized || !ValidTransition(t) {
		return nil, conflict(opNoShow, member, "payment must be AUTHORIZED")
	}

	group, err := s.store.GetRideGroup(ctx, member.RideGroupID)
	if err != nil {
		return nil, fmt.Errorf("get ride group: %w", err)
	}
	windowEnd, ok := noshow.PickupWindowEnd(member, group)
	if !ok {
		return nil, &ValidationError{Field: "pickup_window", Reason: "no pickup time recorded for member or ride group"}
	}
	if allowed, remaining := s.policy.CanDeclareNoShow(windowEnd, s.now()); !allowed {
		return nil, &NoShowTooEarlyError{RemainingMinutes: remaining}
	}
	if member.DriverShare <= 0 {
		return nil, &ValidationError{Field: "driver_share", Reason: "member has no driver share to capture"}
	}

	sc, err := s.prepare(ctx, member, models.SettlementOpNoShow)
	if err != nil {
		return nil, err
	}
	member = sc.member

	refundAmount := member.PlatformFee + member.ProtectionFee
	steps := []settlementStep{
		{
			name: models.SettlementStepCaptured,
			done: member.CaptureID != nil,
			run: func(ctx context.Context) (string, error) {
				return s.capture(ctx, sc, member.DriverShare)
			},
			apply: func(id string) { member.CaptureID = &id },
		},
		{
			name: models.SettlementStepRefunded,
			done: member.RefundID != nil || refundAmount <= 0,
			run: func(ctx context.Context) (string, error) {
				return s.refund(ctx, sc, refundAmount, noShowRefundReason)
			},
			apply: func(id string) { member.RefundID = &id },
		},
		{
			name: models.SettlementStepTransferred,
			done: member.TransferID != nil,
			run: func(ctx context.Context) (string, error) {
				return s.transfer(ctx, sc, member.DriverShare)
			},
			apply: func(id string) { member.TransferID = &id },
		},
	}
	if err := s.runSteps(ctx, sc, steps); err != nil {
		return nil, err
	}

	audit := s.settlementAudit(sc, models.AuditEventNoShow)
	audit.KmOnboard, audit.KmDirect, audit.DetourKm, audit.DetourPercent, audit.ExtraMinutes = 0, 0, 0, 0, 0
	audit.ConstraintsMet = false
	audit.AmountCaptured = member.DriverShare
	audit.AmountRefunded = refundAmount
	audit.AmountTransferred = member.DriverShare
	audit.Notes = joinNotes(receiptNotes(member), releasedNote(member, refundAmount), reasonNote(reason))

	capturedAt := s.now()
	t.CapturedAt = &capturedAt
	if err := s.settle(ctx, sc, t, audit, member.DriverShare, 0); err != nil {
		return nil, err
	}

	recordAmount("captured", member.DriverShare)
	recordAmount("refunded", refundAmount)
	recordAmount("transferred", member.DriverShare)
	logger.WithContext(ctx).Info("settlement: no-show settled",
		zap.String("member_id", member.ID.String()),
		zap.String("ride_group_id", member.RideGroupID.String()),
		zap.Int64("penalty", member.DriverShare),
		zap.Int64("refunded", refundAmount),
		zap.String("reason", reason),
	)
	s.emit(ctx, SubjectMemberNoShow, SettlementEventData{
		MemberID:          member.ID,
		RideGroupID:       member.RideGroupID,
		DriverID:          &sc.driver.ID,
		AmountCaptured:    member.DriverShare,
		AmountRefunded:    refundAmount,
		AmountTransferred: member.DriverShare,
		CaptureID:         deref(member.CaptureID),
		RefundID:          deref(member.RefundID),
		TransferID:        deref(member.TransferID),
		Reason:            reason,
		OccurredAt:        capturedAt,
	})

	return &NoShowResult{
		Penalty:   member.DriverShare,
		Refunded:  refundAmount,
		NetCharge: member.DriverShare,
		Receipt:   receiptOf(member, capturedAt),
	}, nil
}

// ========================================
// REFUND AUTHORIZED HOLD
// ========================================

// RefundAuthorized releases the whole hold of an AUTHORIZED member whose ride
// will not happen, moving it to REFUNDED/CANCELLED.
func (s *Service) RefundAuthorized(ctx context.Context, memberID uuid.UUID, reason string) (result *RefundResult, err error) {
	ctx, span := s.startSpan(ctx, opRefund, memberID)
	defer func() { s.endSpan(span, opRefund, err) }()

	reason = security.SanitizeInput(reason, maxReasonLength)
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Reason: "is required"}
	}

	member, err := s.loadMember(ctx, memberID)
	if err != nil {
		return nil, err
	}

	t := models.StatusTransition{
		FromPayment: models.PaymentStatusAuthorized,
		FromStatus:  member.Status,
		ToPayment:   models.PaymentStatusRefunded,
		ToStatus:    models.MemberStatusCancelled,
	}
	if member.PaymentStatus != models.PaymentStatusAuthorized || !ValidTransition(t) {
		return nil, conflict(opRefund, member, "payment must be AUTHORIZED")
	}

	sc, err := s.prepareWithoutDriver(ctx, member, models.SettlementOpRefund)
	if err != nil {
		return nil, err
	}
	member = sc.member

	steps := []settlementStep{
		{
			name: models.SettlementStepRefunded,
			done: member.RefundID != nil,
			run: func(ctx context.Context) (string, error) {
				return s.refund(ctx, sc, member.TotalPrice, reason)
			},
			apply: func(id string) { member.RefundID = &id },
		},
	}
	if err := s.runSteps(ctx, sc, steps); err != nil {
		return nil, err
	}

	audit := s.settlementAudit(sc, models.AuditEventRefund)
	audit.AmountRefunded = member.TotalPrice
	audit.Notes = joinNotes(receiptNotes(member), reasonNote(reason))
	if err := s.settle(ctx, sc, t, audit, 0, 0); err != nil {
		return nil, err
	}

	recordAmount("refunded", member.TotalPrice)
	logger.WithContext(ctx).Info("settlement: authorized hold refunded",
		zap.String("member_id", member.ID.String()),
		zap.Int64("refunded", member.TotalPrice),
		zap.String("reason", reason),
	)
	s.emit(ctx, SubjectMemberRefunded, SettlementEventData{
		MemberID:       member.ID,
		RideGroupID:    member.RideGroupID,
		AmountRefunded: member.TotalPrice,
		RefundID:       deref(member.RefundID),
		Reason:         reason,
		OccurredAt:     s.now(),
	})

	return &RefundResult{
		MemberID: member.ID,
		Refunded: member.TotalPrice,
		RefundID: deref(member.RefundID),
	}, nil
}

// ========================================
// HELPERS
// ========================================

func (s *Service) loadMember(ctx context.Context, memberID uuid.UUID) (*models.RideGroupMember, error) {
	member, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	if member == nil {
		return nil, &NotFoundError{Entity: "member", ID: memberID.String()}
	}
	return member, nil
}

func (s *Service) startSpan(ctx context.Context, operation string, memberID uuid.UUID) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "settlement."+operation,
		trace.WithAttributes(attribute.String("member_id", memberID.String())))
}

func (s *Service) endSpan(span trace.Span, operation string, err error) {
	recordOperation(operation, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// callGateway runs one processor call with a per-attempt timeout, the circuit
// breaker and retries on GatewayUnavailable.
func (s *Service) callGateway(ctx context.Context, call string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ctx, span := s.tracer.Start(ctx, "gateway."+call)
	defer span.End()

	start := time.Now()
	attempt := func(ctx context.Context) (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
		defer cancel()

		var (
			res interface{}
			err error
		)
		if s.breaker != nil {
			res, err = s.breaker.Execute(callCtx, fn)
		} else {
			res, err = fn(callCtx)
		}
		return res, normalizeGatewayError(ctx, err)
	}

	res, err := resilience.Retry(ctx, s.retry, attempt)
	observeGatewayCall(call, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, normalizeGatewayError(ctx, err)
	}
	return res, nil
}

// normalizeGatewayError turns breaker rejections and per-call timeouts into GatewayUnavailable
func normalizeGatewayError(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return err
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return &GatewayError{Kind: GatewayUnavailable, Message: "payment gateway temporarily unavailable", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return &GatewayError{Kind: GatewayUnavailable, Message: "payment gateway timed out"}
	}
	return err
}

func alreadyAuthorized(member *models.RideGroupMember) *AuthorizeResult {
	return &AuthorizeResult{
		MemberID:          member.ID,
		Authorized:        true,
		AlreadyAuthorized: true,
		PaymentStatus:     models.PaymentStatusAuthorized,
	}
}

func conflict(operation string, member *models.RideGroupMember, reason string) *StateConflictError {
	return &StateConflictError{
		Operation:     operation,
		PaymentStatus: member.PaymentStatus,
		MemberStatus:  member.Status,
		Reason:        reason,
	}
}

// IdempotencyKey derives the processor idempotency key of one step. StateVersion
// changes on every status transition, so retries of one attempt share keys.
func IdempotencyKey(op models.SettlementOp, step string, member *models.RideGroupMember) string {
	return fmt.Sprintf("%s:%s:%s:v%d", strings.ToLower(string(op)), step, member.ID, member.StateVersion)
}

func applyBreakdown(member *models.RideGroupMember, b fare.Breakdown) {
	member.KmOnboard = b.KmOnboard
	member.KmDirect = b.KmDirect
	member.DetourKm = b.DetourKm
	member.DetourPercent = b.DetourPercent
	member.ExtraMinutes = b.ExtraMinutes
	member.DriverShare = b.DriverShare
	member.FeeRatePerKm = b.FeeRatePerKm
	member.PlatformFee = b.PlatformFee
	member.ProtectionFee = b.ProtectionFee
	member.PennyAdjustment = b.PennyAdjustment
	member.TotalPrice = b.Total
}

func breakdownOf(member *models.RideGroupMember) fare.Breakdown {
	return fare.Breakdown{
		KmOnboard:       member.KmOnboard,
		KmDirect:        member.KmDirect,
		DetourKm:        member.DetourKm,
		DetourPercent:   member.DetourPercent,
		ExtraMinutes:    member.ExtraMinutes,
		DriverShare:     member.DriverShare,
		FeeRatePerKm:    member.FeeRatePerKm,
		PlatformFee:     member.PlatformFee,
		ProtectionFee:   member.ProtectionFee,
		PennyAdjustment: member.PennyAdjustment,
		Total:           member.TotalPrice,
	}
}

func receiptOf(member *models.RideGroupMember, capturedAt time.Time) Receipt {
	return Receipt{
		MemberID:        member.ID,
		BookingID:       member.BookingID,
		RideGroupID:     member.RideGroupID,
		DriverShare:     member.DriverShare,
		PlatformFee:     member.PlatformFee,
		ProtectionFee:   member.ProtectionFee,
		PennyAdjustment: member.PennyAdjustment,
		TotalPrice:      member.TotalPrice,
		CaptureID:       deref(member.CaptureID),
		RefundID:        deref(member.RefundID),
		TransferID:      deref(member.TransferID),
		CapturedAt:      capturedAt,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
