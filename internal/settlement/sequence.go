package settlement

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/richxcame/fare-settlement/pkg/logger"
	"github.com/richxcame/fare-settlement/pkg/models"
	"go.uber.org/zap"
)

const noShowRefundReason = "no_show_fee_release"

// settlementContext carries one claimed settlement attempt
type settlementContext struct {
	op     models.SettlementOp
	token  uuid.UUID
	member *models.RideGroupMember
	group  *models.RideGroup
	driver *models.Driver
}

// settlementStep is one gateway call of a sequence. done is true when the
// step's processor id is already recorded from an earlier attempt.
type settlementStep struct {
	name  models.SettlementStep
	done  bool
	run   func(ctx context.Context) (string, error)
	apply func(id string)
}

// prepare checks the payout preconditions and claims the member
func (s *Service) prepare(ctx context.Context, member *models.RideGroupMember, op models.SettlementOp) (*settlementContext, error) {
	if err := checkPriced(member); err != nil {
		return nil, err
	}

	group, err := s.loadGroup(ctx, member.RideGroupID)
	if err != nil {
		return nil, err
	}
	if group.DriverID == nil {
		return nil, &ValidationError{Field: "driver_id", Reason: "ride group has no assigned driver"}
	}

	driver, err := s.store.GetDriver(ctx, *group.DriverID)
	if err != nil {
		return nil, fmt.Errorf("get driver: %w", err)
	}
	if driver == nil {
		return nil, &NotFoundError{Entity: "driver", ID: group.DriverID.String()}
	}
	if !driver.HasPayoutAccount() {
		return nil, &ValidationError{Field: "payout_account_id", Reason: "driver has no payout account"}
	}

	return s.claim(ctx, member, op, group, driver)
}

// prepareWithoutDriver claims the member for sequences that pay nothing out
func (s *Service) prepareWithoutDriver(ctx context.Context, member *models.RideGroupMember, op models.SettlementOp) (*settlementContext, error) {
	if err := checkPriced(member); err != nil {
		return nil, err
	}

	group, err := s.loadGroup(ctx, member.RideGroupID)
	if err != nil {
		return nil, err
	}

	return s.claim(ctx, member, op, group, nil)
}

func checkPriced(member *models.RideGroupMember) error {
	if !member.HasPaymentIntent() {
		return &ValidationError{Field: "payment_intent_id", Reason: "member has no payment intent"}
	}
	if member.TotalPrice <= 0 {
		return &ValidationError{Field: "total_price", Reason: "member has not been priced"}
	}
	return nil
}

func (s *Service) loadGroup(ctx context.Context, groupID uuid.UUID) (*models.RideGroup, error) {
	group, err := s.store.GetRideGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("get ride group: %w", err)
	}
	if group == nil {
		return nil, &NotFoundError{Entity: "ride group", ID: groupID.String()}
	}
	return group, nil
}

// claim takes the single-flight settlement lease on the member. The store only
// grants it while the payment is AUTHORIZED and no live lease is held.
func (s *Service) claim(ctx context.Context, member *models.RideGroupMember, op models.SettlementOp, group *models.RideGroup, driver *models.Driver) (*settlementContext, error) {
	token := uuid.New()
	claimed, err := s.store.ClaimSettlement(ctx, member.ID, op, token, s.now().Add(s.lease))
	if err != nil {
		return nil, fmt.Errorf("claim settlement: %w", err)
	}
	if claimed == nil {
		return nil, conflict(strings.ToLower(string(op)), member, "another settlement is in progress for this member")
	}

	if claimed.SettlementStep != models.SettlementStepNone {
		logger.WithContext(ctx).Info("settlement: resuming partial settlement",
			zap.String("member_id", member.ID.String()),
			zap.String("operation", string(op)),
			zap.String("completed_step", string(claimed.SettlementStep)),
		)
	}

	return &settlementContext{
		op:     op,
		token:  token,
		member: claimed,
		group:  group,
		driver: driver,
	}, nil
}

// runSteps executes the steps in order, recording each one before the next starts
func (s *Service) runSteps(ctx context.Context, sc *settlementContext, steps []settlementStep) error {
	for _, step := range steps {
		if step.done {
			continue
		}

		id, err := step.run(ctx)
		if err != nil {
			return s.abort(ctx, sc, err)
		}
		step.apply(id)

		err = s.store.RecordSettlementStep(ctx, sc.member.ID, sc.token, step.name, id)
		sc.member.SettlementStep = step.name
		if err != nil {
			return s.abort(ctx, sc, fmt.Errorf("record step %s: %w", step.name, err))
		}

		logger.WithContext(ctx).Info("settlement: step recorded",
			zap.String("member_id", sc.member.ID.String()),
			zap.String("operation", string(sc.op)),
			zap.String("step", string(step.name)),
			zap.String("external_id", id),
		)
	}
	return nil
}

// settle writes the settlement's audit row, then applies the final status
// transition and bumps the driver counters. A failed audit insert leaves the
// member AUTHORIZED at its last recorded step, so the sequence can resume.
func (s *Service) settle(ctx context.Context, sc *settlementContext, t models.StatusTransition, audit *models.PriceAuditLog, earnings int64, rides int) error {
	if err := s.store.InsertAuditLog(ctx, audit); err != nil {
		logger.WithContext(ctx).Error("settlement: failed to write audit log",
			zap.String("member_id", sc.member.ID.String()),
			zap.String("event_type", string(audit.EventType)),
			zap.Int64("amount_captured", audit.AmountCaptured),
			zap.Int64("amount_refunded", audit.AmountRefunded),
			zap.Int64("amount_transferred", audit.AmountTransferred),
			zap.String("notes", audit.Notes),
			zap.Error(err),
		)
		return s.abort(ctx, sc, fmt.Errorf("insert audit log: %w", err))
	}

	ok, err := s.store.TransitionMember(ctx, sc.member.ID, t)
	if err == nil && !ok {
		err = fmt.Errorf("member is no longer %s/%s", t.FromPayment, t.FromStatus)
	}
	if err != nil {
		return s.abort(ctx, sc, fmt.Errorf("transition member: %w", err))
	}

	sc.member.PaymentStatus = t.ToPayment
	sc.member.Status = t.ToStatus
	sc.member.StateVersion++
	sc.member.SettlementStep = models.SettlementStepSettled
	if t.CapturedAt != nil {
		sc.member.CapturedAt = t.CapturedAt
	}

	if sc.driver == nil || (earnings == 0 && rides == 0) {
		return nil
	}
	if err := s.store.IncrementDriverCounters(ctx, sc.driver.ID, earnings, rides); err != nil {
		driverCounterFailuresTotal.Inc()
		logger.WithContext(ctx).Error("settlement: failed to update driver counters",
			zap.String("member_id", sc.member.ID.String()),
			zap.String("driver_id", sc.driver.ID.String()),
			zap.String("audit_id", audit.ID.String()),
			zap.Int64("earnings", earnings),
			zap.Int("rides", rides),
			zap.Error(err),
		)
	}
	return nil
}

// abort releases the claim. When money already moved the failure becomes a
// PartialSettlementError and a PARTIAL_SETTLEMENT audit row is written.
func (s *Service) abort(ctx context.Context, sc *settlementContext, cause error) error {
	s.release(ctx, sc)

	if sc.member.SettlementStep == models.SettlementStepNone {
		return cause
	}

	partial := &PartialSettlementError{
		MemberID:      sc.member.ID.String(),
		Operation:     sc.op,
		CompletedStep: sc.member.SettlementStep,
		Err:           cause,
	}
	partialSettlementsTotal.WithLabelValues(string(sc.op), string(partial.CompletedStep)).Inc()
	logger.WithContext(ctx).Error("settlement: sequence stopped after moving money",
		zap.String("member_id", sc.member.ID.String()),
		zap.String("ride_group_id", sc.member.RideGroupID.String()),
		zap.String("operation", string(sc.op)),
		zap.String("completed_step", string(partial.CompletedStep)),
		zap.Error(cause),
	)

	captured, refunded, transferred := movedAmounts(sc.op, sc.member)
	audit := s.auditEntry(sc.member, sc.group, models.AuditEventPartialSettlement)
	audit.AmountCaptured = captured
	audit.AmountRefunded = refunded
	audit.AmountTransferred = transferred
	audit.Notes = joinNotes(
		fmt.Sprintf("operation=%s completed_step=%s", sc.op, partial.CompletedStep),
		receiptNotes(sc.member),
		fmt.Sprintf("error=%v", cause),
	)
	if err := s.store.InsertAuditLog(ctx, audit); err != nil {
		logger.WithContext(ctx).Error("settlement: failed to write partial settlement audit log",
			zap.String("member_id", sc.member.ID.String()),
			zap.Error(err),
		)
	}

	s.emit(ctx, SubjectPartialSettlement, SettlementEventData{
		MemberID:          sc.member.ID,
		RideGroupID:       sc.member.RideGroupID,
		AmountCaptured:    captured,
		AmountRefunded:    refunded,
		AmountTransferred: transferred,
		CaptureID:         deref(sc.member.CaptureID),
		RefundID:          deref(sc.member.RefundID),
		TransferID:        deref(sc.member.TransferID),
		CompletedStep:     string(partial.CompletedStep),
		Reason:            cause.Error(),
		OccurredAt:        s.now(),
	})

	return partial
}

func (s *Service) release(ctx context.Context, sc *settlementContext) {
	if err := s.store.ReleaseSettlement(ctx, sc.member.ID, sc.token); err != nil {
		logger.WithContext(ctx).Warn("settlement: failed to release settlement claim",
			zap.String("member_id", sc.member.ID.String()),
			zap.Error(err),
		)
	}
}

// settlementAudit builds the audit row of a completed sequence. Its id is
// derived from the claim's state version so a resumed sequence rewrites the
// same row instead of adding a second one.
func (s *Service) settlementAudit(sc *settlementContext, eventType models.AuditEventType) *models.PriceAuditLog {
	audit := s.auditEntry(sc.member, sc.group, eventType)
	audit.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(IdempotencyKey(sc.op, "audit", sc.member)))
	return audit
}

func (s *Service) auditEntry(member *models.RideGroupMember, group *models.RideGroup, eventType models.AuditEventType) *models.PriceAuditLog {
	entry := &models.PriceAuditLog{
		ID:              uuid.New(),
		MemberID:        member.ID,
		RideGroupID:     member.RideGroupID,
		EventType:       eventType,
		DriverShare:     member.DriverShare,
		FeeRatePerKm:    member.FeeRatePerKm,
		PlatformFee:     member.PlatformFee,
		ProtectionFee:   member.ProtectionFee,
		PennyAdjustment: member.PennyAdjustment,
		TotalPrice:      member.TotalPrice,
		KmOnboard:       member.KmOnboard,
		KmDirect:        member.KmDirect,
		DetourKm:        member.DetourKm,
		DetourPercent:   member.DetourPercent,
		ExtraMinutes:    member.ExtraMinutes,
		ConstraintsMet:  member.ConstraintsMet,
		CreatedAt:       s.now(),
	}
	if group != nil {
		entry.RouteVersion = group.RouteVersion
	}
	return entry
}

// ========================================
// GATEWAY STEPS
// ========================================

func (s *Service) capture(ctx context.Context, sc *settlementContext, amount int64) (string, error) {
	key := IdempotencyKey(sc.op, "capture", sc.member)
	res, err := s.callGateway(ctx, "capture", func(ctx context.Context) (interface{}, error) {
		return s.gateway.Capture(ctx, *sc.member.PaymentIntentID, amount, key)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (s *Service) refund(ctx context.Context, sc *settlementContext, amount int64, reason string) (string, error) {
	key := IdempotencyKey(sc.op, "refund", sc.member)
	res, err := s.callGateway(ctx, "refund", func(ctx context.Context) (interface{}, error) {
		return s.gateway.Refund(ctx, *sc.member.PaymentIntentID, amount, reason, gatewayMetadata(sc), key)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (s *Service) transfer(ctx context.Context, sc *settlementContext, amount int64) (string, error) {
	key := IdempotencyKey(sc.op, "transfer", sc.member)
	destination := *sc.driver.PayoutAccountID
	groupTag := sc.member.RideGroupID.String()
	res, err := s.callGateway(ctx, "transfer", func(ctx context.Context) (interface{}, error) {
		return s.gateway.Transfer(ctx, amount, destination, groupTag, gatewayMetadata(sc), key)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func gatewayMetadata(sc *settlementContext) map[string]string {
	md := map[string]string{
		"member_id":     sc.member.ID.String(),
		"booking_id":    sc.member.BookingID.String(),
		"ride_group_id": sc.member.RideGroupID.String(),
		"operation":     string(sc.op),
	}
	if sc.driver != nil {
		md["driver_id"] = sc.driver.ID.String()
	}
	return md
}

// movedAmounts derives what a sequence has moved so far from its recorded ids
func movedAmounts(op models.SettlementOp, m *models.RideGroupMember) (captured, refunded, transferred int64) {
	switch op {
	case models.SettlementOpCapture:
		if m.CaptureID != nil {
			captured = m.TotalPrice
		}
		if m.TransferID != nil {
			transferred = m.DriverShare
		}
	case models.SettlementOpNoShow:
		if m.CaptureID != nil {
			captured = m.DriverShare
		}
		if m.RefundID != nil {
			refunded = m.PlatformFee + m.ProtectionFee
		}
		if m.TransferID != nil {
			transferred = m.DriverShare
		}
	case models.SettlementOpRefund:
		if m.RefundID != nil {
			refunded = m.TotalPrice
		}
	}
	return captured, refunded, transferred
}

func receiptNotes(m *models.RideGroupMember) string {
	var parts []string
	if m.CaptureID != nil {
		parts = append(parts, "capture_id="+*m.CaptureID)
	}
	if m.RefundID != nil {
		parts = append(parts, "refund_id="+*m.RefundID)
	}
	if m.TransferID != nil {
		parts = append(parts, "transfer_id="+*m.TransferID)
	}
	return strings.Join(parts, " ")
}

// releasedNote records what the processor actually returned to the passenger
// when a penny adjustment makes it differ from the fee refund.
func releasedNote(m *models.RideGroupMember, refunded int64) string {
	released := m.TotalPrice - m.DriverShare
	if m.RefundID == nil || released == refunded {
		return ""
	}
	return fmt.Sprintf("hold_released=%d penny_adjustment=%d", released, m.PennyAdjustment)
}

func reasonNote(reason string) string {
	if reason == "" {
		return ""
	}
	return "reason=" + reason
}

func joinNotes(parts ...string) string {
	all := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			all = append(all, p)
		}
	}
	return strings.Join(all, "; ")
}
