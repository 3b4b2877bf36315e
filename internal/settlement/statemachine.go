package settlement

import "github.com/richxcame/fare-settlement/pkg/models"

// paymentTransitions lists every allowed payment status edge
var paymentTransitions = map[models.PaymentStatus][]models.PaymentStatus{
	models.PaymentStatusPending:    {models.PaymentStatusAuthorized},
	models.PaymentStatusAuthorized: {models.PaymentStatusPaid, models.PaymentStatusRefunded},
}

// memberTransitions lists every allowed member status edge
var memberTransitions = map[models.MemberStatus][]models.MemberStatus{
	models.MemberStatusPending: {
		models.MemberStatusConfirmed,
		models.MemberStatusCompleted,
		models.MemberStatusNoShow,
		models.MemberStatusCancelled,
	},
	models.MemberStatusConfirmed: {
		models.MemberStatusCompleted,
		models.MemberStatusNoShow,
		models.MemberStatusCancelled,
	},
}

// CanTransition reports whether a payment status may move from one state to another
func CanTransition(from, to models.PaymentStatus) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionMember reports whether a member status may move from one state to another.
// Staying in the same status is allowed so payment-only transitions pass.
func CanTransitionMember(from, to models.MemberStatus) bool {
	if from == to {
		return true
	}
	for _, next := range memberTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidTransition reports whether the transition changes something and both halves are allowed edges
func ValidTransition(t models.StatusTransition) bool {
	if t.FromPayment == t.ToPayment && t.FromStatus == t.ToStatus {
		return false
	}
	paymentOK := t.FromPayment == t.ToPayment || CanTransition(t.FromPayment, t.ToPayment)
	return paymentOK && CanTransitionMember(t.FromStatus, t.ToStatus)
}
