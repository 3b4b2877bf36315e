package fare

import (
	"errors"
	"fmt"
	"math"

	"github.com/richxcame/fare-settlement/pkg/config"
)

// Default rates used when no config is provided
const (
	defaultProtectionFee    int64   = 100 // 1.00 in minor units
	defaultMaxDetourPercent float64 = 30
	defaultMaxExtraMinutes          = 20
)

// Input ceilings keep every priced amount well inside int64 minor units
const (
	MaxKm              float64 = 10_000
	MaxDriverRatePerKm float64 = 1_000_000
)

// ErrInvalidMetrics is wrapped by every input validation failure
var ErrInvalidMetrics = errors.New("invalid route metrics")

// ErrResidualTooLarge is returned when a group's charged total cannot be reached with penny adjustments
var ErrResidualTooLarge = errors.New("group residual exceeds penny tolerance")

// Tier is a per-km platform fee that applies from MinKm upwards
type Tier struct {
	MinKm     float64
	RateCents int64
}

// DefaultTiers is the airport-transfer fee schedule: <51 km 0.30, 51-99 km 0.25, >=100 km 0.20
func DefaultTiers() []Tier {
	return []Tier{
		{MinKm: 0, RateCents: 30},
		{MinKm: 51, RateCents: 25},
		{MinKm: 100, RateCents: 20},
	}
}

// RouteMetrics are the inputs for pricing one member.
// DriverRatePerKm is the member's share of the vehicle cost in minor units per km.
type RouteMetrics struct {
	KmOnboard       float64 `json:"km_onboard"`
	KmDirect        float64 `json:"km_direct"`
	DriverRatePerKm float64 `json:"driver_rate_per_km"`
	ExtraMinutes    int     `json:"extra_minutes"`
}

// Breakdown is the priced result for one member. All amounts are minor units and
// Total == DriverShare + PlatformFee + ProtectionFee + PennyAdjustment.
type Breakdown struct {
	KmOnboard       float64 `json:"km_onboard"`
	KmDirect        float64 `json:"km_direct"`
	DetourKm        float64 `json:"detour_km"`
	DetourPercent   float64 `json:"detour_percent"`
	ExtraMinutes    int     `json:"extra_minutes"`
	DriverShare     int64   `json:"driver_share"`
	FeeRatePerKm    float64 `json:"fee_rate_per_km"`
	PlatformFee     int64   `json:"platform_fee"`
	ProtectionFee   int64   `json:"protection_fee"`
	PennyAdjustment int64   `json:"penny_adjustment"`
	Total           int64   `json:"total"`
}

// Components returns the sum of the rounded parts, excluding the penny adjustment
func (b Breakdown) Components() int64 {
	return b.DriverShare + b.PlatformFee + b.ProtectionFee
}

// Constraints bound how much a pooled passenger may be inconvenienced
type Constraints struct {
	MaxDetourPercent float64
	MaxExtraMinutes  int
}

// Met reports whether the breakdown's detour stays within the constraints
func (c Constraints) Met(b Breakdown) bool {
	return b.DetourPercent <= c.MaxDetourPercent && b.ExtraMinutes <= c.MaxExtraMinutes
}

// Calculator prices members of a ride group. It holds no state beyond its schedule.
type Calculator struct {
	tiers         []Tier
	protectionFee int64
	constraints   Constraints
}

// NewCalculator creates a calculator from the settlement config
func NewCalculator(cfg *config.SettlementConfig) *Calculator {
	protectionFee := defaultProtectionFee
	constraints := Constraints{
		MaxDetourPercent: defaultMaxDetourPercent,
		MaxExtraMinutes:  defaultMaxExtraMinutes,
	}

	if cfg != nil {
		if cfg.ProtectionFeeCents > 0 {
			protectionFee = cfg.ProtectionFeeCents
		}
		if cfg.MaxDetourPercent > 0 {
			constraints.MaxDetourPercent = cfg.MaxDetourPercent
		}
		if cfg.MaxExtraMinutes > 0 {
			constraints.MaxExtraMinutes = cfg.MaxExtraMinutes
		}
	}

	return &Calculator{
		tiers:         DefaultTiers(),
		protectionFee: protectionFee,
		constraints:   constraints,
	}
}

// Constraints returns the detour limits the calculator was configured with
func (c *Calculator) Constraints() Constraints {
	return c.constraints
}

// ProtectionFee returns the fixed per-member protection fee
func (c *Calculator) ProtectionFee() int64 {
	return c.protectionFee
}

// TierRate returns the per-km fee in minor units for the given onboard distance
func (c *Calculator) TierRate(kmOnboard float64) int64 {
	rate := c.tiers[0].RateCents
	for _, t := range c.tiers {
		if kmOnboard >= t.MinKm {
			rate = t.RateCents
		}
	}
	return rate
}

// Calculate prices one member
func (c *Calculator) Calculate(m RouteMetrics) (Breakdown, error) {
	if err := validate(m); err != nil {
		return Breakdown{}, err
	}

	rate := c.TierRate(m.KmOnboard)
	rawDriver := m.DriverRatePerKm * m.KmOnboard
	rawFee := float64(rate) * m.KmOnboard

	b := Breakdown{
		KmOnboard:     m.KmOnboard,
		KmDirect:      m.KmDirect,
		ExtraMinutes:  m.ExtraMinutes,
		DriverShare:   roundMinor(rawDriver),
		FeeRatePerKm:  float64(rate) / 100,
		PlatformFee:   roundMinor(rawFee),
		ProtectionFee: c.protectionFee,
	}
	b.DetourKm, b.DetourPercent = Detour(m.KmOnboard, m.KmDirect)

	b.Total = roundMinor(rawDriver + rawFee + float64(c.protectionFee))
	b.PennyAdjustment = b.Total - b.Components()

	return b, nil
}

// Detour returns the extra distance over the direct route and its share of the direct distance
func Detour(kmOnboard, kmDirect float64) (detourKm, detourPercent float64) {
	detourKm = math.Max(0, kmOnboard-kmDirect)
	if kmDirect > 0 {
		detourPercent = detourKm / kmDirect * 100
	}
	return detourKm, detourPercent
}

// ReconcileGroup spreads the difference between the members' totals and the
// vehicle's charged total across members one minor unit at a time, so that the
// returned totals sum to chargedTotal exactly. The input slice is not modified.
func ReconcileGroup(members []Breakdown, chargedTotal int64) ([]Breakdown, error) {
	out := make([]Breakdown, len(members))
	copy(out, members)

	var sum int64
	for _, b := range out {
		sum += b.Total
	}

	residual := chargedTotal - sum
	if residual == 0 {
		return out, nil
	}
	if len(out) == 0 || abs(residual) > int64(len(out)) {
		return nil, fmt.Errorf("%w: residual %d across %d members", ErrResidualTooLarge, residual, len(out))
	}

	step := int64(1)
	if residual < 0 {
		step = -1
	}
	for i := 0; residual != 0; i = (i + 1) % len(out) {
		out[i].PennyAdjustment += step
		out[i].Total += step
		residual -= step
	}

	return out, nil
}

func validate(m RouteMetrics) error {
	fields := []struct {
		name  string
		value float64
		max   float64
	}{
		{"km_onboard", m.KmOnboard, MaxKm},
		{"km_direct", m.KmDirect, MaxKm},
		{"driver_rate_per_km", m.DriverRatePerKm, MaxDriverRatePerKm},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return fmt.Errorf("%w: %s must be a finite number", ErrInvalidMetrics, f.name)
		}
		if f.value < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidMetrics, f.name)
		}
		if f.value > f.max {
			return fmt.Errorf("%w: %s must not exceed %g", ErrInvalidMetrics, f.name, f.max)
		}
	}
	if m.ExtraMinutes < 0 {
		return fmt.Errorf("%w: extra_minutes must not be negative", ErrInvalidMetrics)
	}
	return nil
}

func roundMinor(v float64) int64 {
	return int64(math.Round(v))
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
