package settlement

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/richxcame/fare-settlement/internal/fare"
	"github.com/richxcame/fare-settlement/pkg/common"
	"github.com/richxcame/fare-settlement/pkg/models"
)

// ErrClaimLost is returned by the store when a settlement token no longer owns the member
var ErrClaimLost = errors.New("settlement claim lost")

// ValidationError reports malformed input, rejected before any gateway call
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NotFoundError reports a missing member, group or driver
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// StateConflictError reports an operation attempted from the wrong state. No side effects occurred.
type StateConflictError struct {
	Operation     string
	PaymentStatus models.PaymentStatus
	MemberStatus  models.MemberStatus
	Reason        string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s not allowed: %s (payment_status=%s, status=%s)",
		e.Operation, e.Reason, e.PaymentStatus, e.MemberStatus)
}

// NoShowTooEarlyError is returned while the grace period after the pickup window is still running
type NoShowTooEarlyError struct {
	RemainingMinutes int
}

func (e *NoShowTooEarlyError) Error() string {
	return fmt.Sprintf("no-show can be declared in %d minute(s)", e.RemainingMinutes)
}

// AuthorizationError is returned when the processor does not report a capturable hold
type AuthorizationError struct {
	IntentID string
	Status   string
	Reason   string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("payment intent %s not authorized: %s (status=%s)", e.IntentID, e.Reason, e.Status)
}

// GatewayErrorKind classifies processor failures
type GatewayErrorKind string

const (
	GatewayCardDeclined   GatewayErrorKind = "CARD_DECLINED"
	GatewayInvalidRequest GatewayErrorKind = "INVALID_REQUEST"
	GatewayUnavailable    GatewayErrorKind = "GATEWAY_UNAVAILABLE"
	GatewayNotAuthorized  GatewayErrorKind = "NOT_AUTHORIZED"
)

// GatewayError wraps a processor rejection or outage with the processor's own message
type GatewayError struct {
	Kind    GatewayErrorKind
	Message string
	Code    string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway %s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the call with the same idempotency key may succeed
func (e *GatewayError) Retryable() bool {
	return e.Kind == GatewayUnavailable
}

// PartialSettlementError is returned when money moved but the sequence did not finish.
// CompletedStep is the last durably recorded step; a retry resumes after it.
type PartialSettlementError struct {
	MemberID      string
	Operation     models.SettlementOp
	CompletedStep models.SettlementStep
	Err           error
}

func (e *PartialSettlementError) Error() string {
	return fmt.Sprintf("%s for member %s stopped after %s: %v", e.Operation, e.MemberID, e.CompletedStep, e.Err)
}

func (e *PartialSettlementError) Unwrap() error {
	return e.Err
}

// IsRetryableGatewayError is the retry predicate for gateway calls
func IsRetryableGatewayError(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Retryable()
}

// ToAppError maps settlement errors to the HTTP-facing AppError
func ToAppError(err error) *common.AppError {
	var (
		appErr     *common.AppError
		validation *ValidationError
		notFound   *NotFoundError
		conflict   *StateConflictError
		tooEarly   *NoShowTooEarlyError
		authErr    *AuthorizationError
		gatewayErr *GatewayError
		partialErr *PartialSettlementError
	)

	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.As(err, &tooEarly):
		return common.NewConflictError(tooEarly.Error(), err).
			WithDetails(map[string]interface{}{"remaining_minutes": tooEarly.RemainingMinutes})
	case errors.As(err, &partialErr):
		return common.NewAppError(http.StatusInternalServerError, "settlement partially completed", err).
			WithDetails(map[string]interface{}{
				"operation":      partialErr.Operation,
				"completed_step": partialErr.CompletedStep,
			})
	case errors.As(err, &validation):
		return common.NewBadRequestError(validation.Error(), err)
	case errors.Is(err, fare.ErrInvalidMetrics):
		return common.NewBadRequestError(err.Error(), err)
	case errors.As(err, &notFound):
		return common.NewNotFoundError(notFound.Error(), err)
	case errors.As(err, &conflict):
		return common.NewConflictError(conflict.Error(), err)
	case errors.As(err, &authErr):
		return common.NewPaymentRequiredError(authErr.Error(), err)
	case errors.As(err, &gatewayErr):
		return common.NewBadGatewayError("payment processing failed", err).
			WithDetails(map[string]interface{}{
				"kind":              gatewayErr.Kind,
				"processor_message": gatewayErr.Message,
			})
	default:
		return common.NewInternalError("internal error", err)
	}
}
