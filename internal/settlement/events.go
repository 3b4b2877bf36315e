package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/fare-settlement/pkg/eventbus"
	"github.com/richxcame/fare-settlement/pkg/logger"
	"go.uber.org/zap"
)

const eventSource = "fare-settlement"

// Subjects published by the settlement engine
const (
	SubjectPaymentAuthorized = "settlement.payment.authorized"
	SubjectMemberCaptured    = "settlement.member.captured"
	SubjectMemberNoShow      = "settlement.member.no_show"
	SubjectMemberRefunded    = "settlement.member.refunded"
	SubjectMemberCancelled   = "settlement.member.cancelled"
	SubjectPartialSettlement = "settlement.member.partial"
)

// SettlementEventData is the payload of every settlement event
type SettlementEventData struct {
	MemberID          uuid.UUID  `json:"member_id"`
	RideGroupID       uuid.UUID  `json:"ride_group_id"`
	DriverID          *uuid.UUID `json:"driver_id,omitempty"`
	AmountCaptured    int64      `json:"amount_captured"`
	AmountRefunded    int64      `json:"amount_refunded"`
	AmountTransferred int64      `json:"amount_transferred"`
	CaptureID         string     `json:"capture_id,omitempty"`
	RefundID          string     `json:"refund_id,omitempty"`
	TransferID        string     `json:"transfer_id,omitempty"`
	CompletedStep     string     `json:"completed_step,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	OccurredAt        time.Time  `json:"occurred_at"`
}

// emit publishes an event. Failures are logged and never block settlement.
func (s *Service) emit(ctx context.Context, subject string, data SettlementEventData) {
	if s.events == nil {
		return
	}

	event, err := eventbus.NewEvent(subject, eventSource, data)
	if err != nil {
		logger.WithContext(ctx).Error("settlement: failed to build event",
			zap.String("subject", subject),
			zap.String("member_id", data.MemberID.String()),
			zap.Error(err),
		)
		return
	}

	if err := s.events.Publish(ctx, subject, event); err != nil {
		eventsFailedTotal.WithLabelValues(subject).Inc()
		logger.WithContext(ctx).Warn("settlement: failed to publish event",
			zap.String("subject", subject),
			zap.String("member_id", data.MemberID.String()),
			zap.Error(err),
		)
		return
	}

	eventsPublishedTotal.WithLabelValues(subject).Inc()
}
