package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/richxcame/fare-settlement/pkg/eventbus"
	"github.com/richxcame/fare-settlement/pkg/logger"
	"go.uber.org/zap"
)

const (
	durableDroppedOff = "fare-settlement-dropped-off"
	durableNoShow     = "fare-settlement-no-show"
)

// Subscriber is the consuming side of the event bus
type Subscriber interface {
	Subscribe(ctx context.Context, subject, durable string, handler eventbus.Handler) error
}

// EventHandler settles members from ride lifecycle events
type EventHandler struct {
	service *Service
}

// NewEventHandler creates a new event handler
func NewEventHandler(service *Service) *EventHandler {
	return &EventHandler{service: service}
}

// RegisterSubscriptions subscribes to the ride lifecycle subjects
func (h *EventHandler) RegisterSubscriptions(ctx context.Context, bus Subscriber) error {
	if err := bus.Subscribe(ctx, eventbus.SubjectMemberDroppedOff, durableDroppedOff, h.handleDroppedOff); err != nil {
		return fmt.Errorf("subscribe %s: %w", eventbus.SubjectMemberDroppedOff, err)
	}
	if err := bus.Subscribe(ctx, eventbus.SubjectMemberNoShow, durableNoShow, h.handleNoShow); err != nil {
		return fmt.Errorf("subscribe %s: %w", eventbus.SubjectMemberNoShow, err)
	}
	return nil
}

func (h *EventHandler) handleDroppedOff(ctx context.Context, event *eventbus.Event) error {
	var data eventbus.MemberDroppedOffData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		logger.WithContext(ctx).Error("settlement: malformed drop-off event",
			zap.String("event_id", event.ID), zap.Error(err))
		return nil
	}

	_, err := h.service.CaptureOnDropoff(ctx, data.MemberID)
	return h.settle(ctx, event, data.MemberID.String(), err)
}

func (h *EventHandler) handleNoShow(ctx context.Context, event *eventbus.Event) error {
	var data eventbus.MemberNoShowData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		logger.WithContext(ctx).Error("settlement: malformed no-show event",
			zap.String("event_id", event.ID), zap.Error(err))
		return nil
	}

	_, err := h.service.HandleNoShow(ctx, data.MemberID, data.Reason)
	return h.settle(ctx, event, data.MemberID.String(), err)
}

// settle decides whether a failed settlement is redelivered. Only transient
// failures are; anything redelivery cannot fix is acknowledged and logged.
func (h *EventHandler) settle(ctx context.Context, event *eventbus.Event, memberID string, err error) error {
	if err == nil {
		return nil
	}

	log := logger.WithContext(ctx).With(
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("member_id", memberID),
		zap.Error(err),
	)

	var (
		conflict *StateConflictError
		tooEarly *NoShowTooEarlyError
		partial  *PartialSettlementError
		notFound *NotFoundError
		invalid  *ValidationError
		authErr  *AuthorizationError
		gateway  *GatewayError
	)
	switch {
	case errors.As(err, &conflict):
		log.Info("settlement: event ignored, member already settled or not settleable")
		return nil
	case errors.As(err, &tooEarly):
		log.Warn("settlement: no-show reported before the grace period ended",
			zap.Int("remaining_minutes", tooEarly.RemainingMinutes))
		return nil
	case errors.As(err, &partial):
		log.Error("settlement: partial settlement left for reconciliation")
		return nil
	case errors.As(err, &notFound), errors.As(err, &invalid):
		log.Error("settlement: event cannot be settled")
		return nil
	case IsRetryableGatewayError(err):
		log.Warn("settlement: gateway unavailable, event will be redelivered")
		return err
	case errors.As(err, &gateway), errors.As(err, &authErr):
		log.Error("settlement: payment processor rejected settlement")
		return nil
	default:
		log.Error("settlement: event handling failed, event will be redelivered")
		return err
	}
}
