package models

// PaymentStatus represents where a member's hold sits in the settlement lifecycle
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusAuthorized PaymentStatus = "AUTHORIZED"
	PaymentStatusPaid       PaymentStatus = "PAID"
	PaymentStatusRefunded   PaymentStatus = "REFUNDED"
)

// Valid reports whether s is one of the known payment statuses
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusAuthorized, PaymentStatusPaid, PaymentStatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further payment transition is possible
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusPaid || s == PaymentStatusRefunded
}

// PaymentMethod is the optional processor payment method reference supplied at authorization
type PaymentMethod string

// GatewayHold is the processor's view of a payment intent after authorize/verify
type GatewayHold struct {
	IntentID         string `json:"intent_id"`
	Status           string `json:"status"`
	Capturable       bool   `json:"capturable"`
	Amount           int64  `json:"amount"`
	AmountCapturable int64  `json:"amount_capturable"`
	Currency         string `json:"currency"`
}

// GatewayReceipt collects the processor identifiers produced by one settlement
type GatewayReceipt struct {
	CaptureID  string `json:"capture_id,omitempty"`
	RefundID   string `json:"refund_id,omitempty"`
	TransferID string `json:"transfer_id,omitempty"`
}
