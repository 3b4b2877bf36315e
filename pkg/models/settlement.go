package models

import (
	"time"

	"github.com/google/uuid"
)

// MemberStatus represents a passenger's participation status in a ride group
type MemberStatus string

const (
	MemberStatusPending   MemberStatus = "PENDING"
	MemberStatusConfirmed MemberStatus = "CONFIRMED"
	MemberStatusCompleted MemberStatus = "COMPLETED"
	MemberStatusNoShow    MemberStatus = "NO_SHOW"
	MemberStatusCancelled MemberStatus = "CANCELLED"
)

// Valid reports whether s is one of the known member statuses
func (s MemberStatus) Valid() bool {
	switch s {
	case MemberStatusPending, MemberStatusConfirmed, MemberStatusCompleted, MemberStatusNoShow, MemberStatusCancelled:
		return true
	}
	return false
}

// SettlementOp names the money-moving sequence that owns a member's settlement claim
type SettlementOp string

const (
	SettlementOpCapture SettlementOp = "CAPTURE"
	SettlementOpNoShow  SettlementOp = "NO_SHOW"
	SettlementOpRefund  SettlementOp = "REFUND"
)

// SettlementStep is the last gateway step durably recorded for a member
type SettlementStep string

const (
	SettlementStepNone        SettlementStep = ""
	SettlementStepCaptured    SettlementStep = "CAPTURED"
	SettlementStepRefunded    SettlementStep = "REFUNDED"
	SettlementStepTransferred SettlementStep = "TRANSFERRED"
	SettlementStepSettled     SettlementStep = "SETTLED"
)

// AuditEventType classifies a price audit row
type AuditEventType string

const (
	AuditEventCapture           AuditEventType = "CAPTURE"
	AuditEventNoShow            AuditEventType = "NO_SHOW"
	AuditEventRefund            AuditEventType = "REFUND"
	AuditEventPartialSettlement AuditEventType = "PARTIAL_SETTLEMENT"
)

// RideGroupMember is one passenger's participation in a pooled ride.
// Amounts are minor currency units.
type RideGroupMember struct {
	ID          uuid.UUID `json:"id" db:"id"`
	BookingID   uuid.UUID `json:"booking_id" db:"booking_id"`
	RideGroupID uuid.UUID `json:"ride_group_id" db:"ride_group_id"`

	KmOnboard     float64 `json:"km_onboard" db:"km_onboard"`
	KmDirect      float64 `json:"km_direct" db:"km_direct"`
	DetourKm      float64 `json:"detour_km" db:"detour_km"`
	DetourPercent float64 `json:"detour_percent" db:"detour_percent"`
	ExtraMinutes  int     `json:"extra_minutes" db:"extra_minutes"`

	DriverShare     int64   `json:"driver_share" db:"driver_share"`
	FeeRatePerKm    float64 `json:"fee_rate_per_km" db:"fee_rate_per_km"`
	PlatformFee     int64   `json:"platform_fee" db:"platform_fee"`
	ProtectionFee   int64   `json:"protection_fee" db:"protection_fee"`
	PennyAdjustment int64   `json:"penny_adjustment" db:"penny_adjustment"`
	TotalPrice      int64   `json:"total_price" db:"total_price"`
	ConstraintsMet  bool    `json:"constraints_met" db:"constraints_met"`

	PaymentIntentID *string       `json:"payment_intent_id,omitempty" db:"payment_intent_id"`
	PaymentStatus   PaymentStatus `json:"payment_status" db:"payment_status"`
	Status          MemberStatus  `json:"status" db:"status"`
	StateVersion    int           `json:"state_version" db:"state_version"`

	SettlementOp         *SettlementOp  `json:"settlement_op,omitempty" db:"settlement_op"`
	SettlementToken      *uuid.UUID     `json:"-" db:"settlement_token"`
	SettlementLeaseUntil *time.Time     `json:"-" db:"settlement_lease_until"`
	SettlementStep       SettlementStep `json:"settlement_step,omitempty" db:"settlement_step"`
	CaptureID            *string        `json:"capture_id,omitempty" db:"capture_id"`
	RefundID             *string        `json:"refund_id,omitempty" db:"refund_id"`
	TransferID           *string        `json:"transfer_id,omitempty" db:"transfer_id"`

	JoinedAt           time.Time  `json:"joined_at" db:"joined_at"`
	CapturedAt         *time.Time `json:"captured_at,omitempty" db:"captured_at"`
	EstimatedPickupAt  *time.Time `json:"estimated_pickup_at,omitempty" db:"estimated_pickup_at"`
	ActualPickupAt     *time.Time `json:"actual_pickup_at,omitempty" db:"actual_pickup_at"`
	EstimatedDropoffAt *time.Time `json:"estimated_dropoff_at,omitempty" db:"estimated_dropoff_at"`
	ActualDropoffAt    *time.Time `json:"actual_dropoff_at,omitempty" db:"actual_dropoff_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// HasPaymentIntent reports whether a processor hold reference is recorded
func (m *RideGroupMember) HasPaymentIntent() bool {
	return m.PaymentIntentID != nil && *m.PaymentIntentID != ""
}

// StatusTransition is a compare-and-swap on a member's payment and member status.
// CapturedAt is stamped when non-nil.
type StatusTransition struct {
	FromPayment PaymentStatus
	FromStatus  MemberStatus
	ToPayment   PaymentStatus
	ToStatus    MemberStatus
	CapturedAt  *time.Time
}

// RideGroup is the shared vehicle trip members belong to
type RideGroup struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	DriverID         *uuid.UUID `json:"driver_id,omitempty" db:"driver_id"`
	TargetPickupTime *time.Time `json:"target_pickup_time,omitempty" db:"target_pickup_time"`
	RouteVersion     int        `json:"route_version" db:"route_version"`
	Status           string     `json:"status" db:"status"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// Driver holds the payout account and cumulative counters of a driver
type Driver struct {
	ID              uuid.UUID `json:"id" db:"id"`
	PayoutAccountID *string   `json:"payout_account_id,omitempty" db:"payout_account_id"`
	TotalEarnings   int64     `json:"total_earnings" db:"total_earnings"`
	TotalRides      int       `json:"total_rides" db:"total_rides"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// HasPayoutAccount reports whether transfers can be issued to the driver
func (d *Driver) HasPayoutAccount() bool {
	return d.PayoutAccountID != nil && *d.PayoutAccountID != ""
}

// PriceAuditLog is an append-only record of one settlement event
type PriceAuditLog struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	MemberID    uuid.UUID      `json:"member_id" db:"member_id"`
	RideGroupID uuid.UUID      `json:"ride_group_id" db:"ride_group_id"`
	EventType   AuditEventType `json:"event_type" db:"event_type"`

	DriverShare     int64   `json:"driver_share" db:"driver_share"`
	FeeRatePerKm    float64 `json:"fee_rate_per_km" db:"fee_rate_per_km"`
	PlatformFee     int64   `json:"platform_fee" db:"platform_fee"`
	ProtectionFee   int64   `json:"protection_fee" db:"protection_fee"`
	PennyAdjustment int64   `json:"penny_adjustment" db:"penny_adjustment"`
	TotalPrice      int64   `json:"total_price" db:"total_price"`

	KmOnboard      float64 `json:"km_onboard" db:"km_onboard"`
	KmDirect       float64 `json:"km_direct" db:"km_direct"`
	DetourKm       float64 `json:"detour_km" db:"detour_km"`
	DetourPercent  float64 `json:"detour_percent" db:"detour_percent"`
	ExtraMinutes   int     `json:"extra_minutes" db:"extra_minutes"`
	RouteVersion   int     `json:"route_version" db:"route_version"`
	ConstraintsMet bool    `json:"constraints_met" db:"constraints_met"`

	AmountCaptured    int64     `json:"amount_captured" db:"amount_captured"`
	AmountRefunded    int64     `json:"amount_refunded" db:"amount_refunded"`
	AmountTransferred int64     `json:"amount_transferred" db:"amount_transferred"`
	Notes             string    `json:"notes" db:"notes"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}
