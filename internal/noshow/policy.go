package noshow

import (
	"math"
	"time"

	"github.com/richxcame/fare-settlement/pkg/config"
	"github.com/richxcame/fare-settlement/pkg/models"
)

const defaultGrace = 20 * time.Minute

// Policy decides when a passenger who has not appeared may be declared a no-show.
// It only ever compares stored pickup timestamps with the server clock.
type Policy struct {
	grace time.Duration
}

// NewPolicy creates a policy from the settlement config
func NewPolicy(cfg *config.SettlementConfig) *Policy {
	grace := defaultGrace
	if cfg != nil && cfg.NoShowGraceMinutes > 0 {
		grace = time.Duration(cfg.NoShowGraceMinutes) * time.Minute
	}
	return &Policy{grace: grace}
}

// Grace returns the wait time after the pickup window closes
func (p *Policy) Grace() time.Duration {
	return p.grace
}

// CanDeclareNoShow returns true once now is at least the grace period past the
// pickup window end. Otherwise it returns the whole minutes still to wait, rounded up.
func (p *Policy) CanDeclareNoShow(pickupWindowEnd, now time.Time) (bool, int) {
	remaining := pickupWindowEnd.Add(p.grace).Sub(now)
	if remaining <= 0 {
		return true, 0
	}
	return false, int(math.Ceil(remaining.Minutes()))
}

// PickupWindowEnd returns when the member's pickup window closed: the member's own
// estimated pickup, or the group's target pickup time. ok is false when neither is recorded.
func PickupWindowEnd(member *models.RideGroupMember, group *models.RideGroup) (time.Time, bool) {
	if member != nil && member.EstimatedPickupAt != nil {
		return *member.EstimatedPickupAt, true
	}
	if group != nil && group.TargetPickupTime != nil {
		return *group.TargetPickupTime, true
	}
	return time.Time{}, false
}
