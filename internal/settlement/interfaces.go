package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/fare-settlement/pkg/eventbus"
	"github.com/richxcame/fare-settlement/pkg/models"
	"github.com/stripe/stripe-go/v83"
)

// PaymentGateway is the payment processor. Amounts are minor units; every
// money-moving call carries an idempotency key so retries never double-charge.
type PaymentGateway interface {
	AuthorizeOrVerify(ctx context.Context, intentID, paymentMethod, idempotencyKey string) (*models.GatewayHold, error)
	Capture(ctx context.Context, intentID string, amount int64, idempotencyKey string) (string, error)
	Refund(ctx context.Context, intentID string, amount int64, reason string, metadata map[string]string, idempotencyKey string) (string, error)
	Transfer(ctx context.Context, amount int64, destination, groupTag string, metadata map[string]string, idempotencyKey string) (string, error)
}

// LedgerStore persists members, groups, drivers and the audit trail.
// Lookups return nil, nil when the row does not exist.
type LedgerStore interface {
	// Reads
	GetMember(ctx context.Context, memberID uuid.UUID) (*models.RideGroupMember, error)
	GetMemberByPaymentIntent(ctx context.Context, intentID string) (*models.RideGroupMember, error)
	GetRideGroup(ctx context.Context, groupID uuid.UUID) (*models.RideGroup, error)
	GetDriver(ctx context.Context, driverID uuid.UUID) (*models.Driver, error)

	// Conditional writes; false means the expected state no longer holds
	UpdateMemberPricing(ctx context.Context, member *models.RideGroupMember) (bool, error)
	TransitionMember(ctx context.Context, memberID uuid.UUID, t models.StatusTransition) (bool, error)

	// Settlement claim; a nil member means another settlement holds the claim
	ClaimSettlement(ctx context.Context, memberID uuid.UUID, op models.SettlementOp, token uuid.UUID, leaseUntil time.Time) (*models.RideGroupMember, error)
	RecordSettlementStep(ctx context.Context, memberID, token uuid.UUID, step models.SettlementStep, externalID string) error
	ReleaseSettlement(ctx context.Context, memberID, token uuid.UUID) error
	ListStalledSettlements(ctx context.Context, now time.Time, limit int) ([]*models.RideGroupMember, error)

	// Counters
	IncrementDriverCounters(ctx context.Context, driverID uuid.UUID, earnings int64, rides int) error

	// Audit trail, append only
	InsertAuditLog(ctx context.Context, log *models.PriceAuditLog) error
	ListAuditLogs(ctx context.Context, memberID uuid.UUID, limit, offset int) ([]*models.PriceAuditLog, int64, error)
}

// EventPublisher emits fire-and-forget settlement notifications
type EventPublisher interface {
	Publish(ctx context.Context, subject string, event *eventbus.Event) error
}

// StripeClientInterface defines the Stripe operations the gateway adapter uses
type StripeClientInterface interface {
	GetPaymentIntent(ctx context.Context, paymentIntentID string) (*stripe.PaymentIntent, error)
	ConfirmPaymentIntent(ctx context.Context, paymentIntentID, paymentMethod, idempotencyKey string) (*stripe.PaymentIntent, error)
	CapturePaymentIntent(ctx context.Context, paymentIntentID string, amount int64, idempotencyKey string) (*stripe.PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, paymentIntentID, idempotencyKey string) (*stripe.PaymentIntent, error)
	CreateRefund(ctx context.Context, paymentIntentID string, amount int64, reason string, metadata map[string]string, idempotencyKey string) (*stripe.Refund, error)
	CreateTransfer(ctx context.Context, amount int64, currency, destination, transferGroup string, metadata map[string]string, idempotencyKey string) (*stripe.Transfer, error)
}
