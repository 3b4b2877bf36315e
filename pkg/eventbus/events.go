package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Subjects consumed from the ride lifecycle
const (
	SubjectMemberDroppedOff = "rides.member.dropped_off"
	SubjectMemberNoShow     = "rides.member.no_show"
)

// MemberDroppedOffData is published when a pooled passenger leaves the vehicle
type MemberDroppedOffData struct {
	MemberID     uuid.UUID `json:"member_id"`
	RideGroupID  uuid.UUID `json:"ride_group_id"`
	DroppedOffAt time.Time `json:"dropped_off_at"`
}

// MemberNoShowData is published when a driver reports a passenger missing at pickup
type MemberNoShowData struct {
	MemberID    uuid.UUID `json:"member_id"`
	RideGroupID uuid.UUID `json:"ride_group_id"`
	Reason      string    `json:"reason"`
	ReportedAt  time.Time `json:"reported_at"`
}
