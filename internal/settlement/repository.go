package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/richxcame/fare-settlement/pkg/models"
)

// Repository handles settlement ledger data access
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new settlement repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const memberColumns = `
	id, booking_id, ride_group_id,
	km_onboard, km_direct, detour_km, detour_percent, extra_minutes,
	driver_share, fee_rate_per_km, platform_fee, protection_fee,
	penny_adjustment, total_price, constraints_met,
	payment_intent_id, payment_status, status, state_version,
	settlement_op, settlement_token, settlement_lease_until, settlement_step,
	capture_id, refund_id, transfer_id,
	joined_at, captured_at, estimated_pickup_at, actual_pickup_at,
	estimated_dropoff_at, actual_dropoff_at, created_at, updated_at
`

// stepColumns maps a recorded step to the column holding its processor id
var stepColumns = map[models.SettlementStep]string{
	models.SettlementStepCaptured:    "capture_id",
	models.SettlementStepRefunded:    "refund_id",
	models.SettlementStepTransferred: "transfer_id",
}

func scanMember(row pgx.Row) (*models.RideGroupMember, error) {
	m := &models.RideGroupMember{}
	err := row.Scan(
		&m.ID, &m.BookingID, &m.RideGroupID,
		&m.KmOnboard, &m.KmDirect, &m.DetourKm, &m.DetourPercent, &m.ExtraMinutes,
		&m.DriverShare, &m.FeeRatePerKm, &m.PlatformFee, &m.ProtectionFee,
		&m.PennyAdjustment, &m.TotalPrice, &m.ConstraintsMet,
		&m.PaymentIntentID, &m.PaymentStatus, &m.Status, &m.StateVersion,
		&m.SettlementOp, &m.SettlementToken, &m.SettlementLeaseUntil, &m.SettlementStep,
		&m.CaptureID, &m.RefundID, &m.TransferID,
		&m.JoinedAt, &m.CapturedAt, &m.EstimatedPickupAt, &m.ActualPickupAt,
		&m.EstimatedDropoffAt, &m.ActualDropoffAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ========================================
// READS
// ========================================

// GetMember retrieves a ride group member by ID
func (r *Repository) GetMember(ctx context.Context, memberID uuid.UUID) (*models.RideGroupMember, error) {
	query := `SELECT ` + memberColumns + ` FROM ride_group_members WHERE id = $1`

	m, err := scanMember(r.db.QueryRow(ctx, query, memberID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMemberByPaymentIntent retrieves the member holding a payment intent
func (r *Repository) GetMemberByPaymentIntent(ctx context.Context, intentID string) (*models.RideGroupMember, error) {
	query := `SELECT ` + memberColumns + ` FROM ride_group_members WHERE payment_intent_id = $1`

	m, err := scanMember(r.db.QueryRow(ctx, query, intentID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetRideGroup retrieves a ride group by ID
func (r *Repository) GetRideGroup(ctx context.Context, groupID uuid.UUID) (*models.RideGroup, error) {
	query := `
		SELECT id, driver_id, target_pickup_time, route_version, status,
			   created_at, updated_at
		FROM ride_groups
		WHERE id = $1
	`

	g := &models.RideGroup{}
	err := r.db.QueryRow(ctx, query, groupID).Scan(
		&g.ID, &g.DriverID, &g.TargetPickupTime, &g.RouteVersion, &g.Status,
		&g.CreatedAt, &g.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// GetDriver retrieves a driver by ID
func (r *Repository) GetDriver(ctx context.Context, driverID uuid.UUID) (*models.Driver, error) {
	query := `
		SELECT id, payout_account_id, total_earnings, total_rides,
			   created_at, updated_at
		FROM drivers
		WHERE id = $1
	`

	d := &models.Driver{}
	err := r.db.QueryRow(ctx, query, driverID).Scan(
		&d.ID, &d.PayoutAccountID, &d.TotalEarnings, &d.TotalRides,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ========================================
// CONDITIONAL WRITES
// ========================================

// UpdateMemberPricing stores a new price breakdown while the payment is still PENDING
func (r *Repository) UpdateMemberPricing(ctx context.Context, m *models.RideGroupMember) (bool, error) {
	query := `
		UPDATE ride_group_members
		SET km_onboard = $2, km_direct = $3, detour_km = $4, detour_percent = $5,
			extra_minutes = $6, driver_share = $7, fee_rate_per_km = $8,
			platform_fee = $9, protection_fee = $10, penny_adjustment = $11,
			total_price = $12, constraints_met = $13, updated_at = NOW()
		WHERE id = $1 AND payment_status = 'PENDING' AND status <> 'CANCELLED'
	`

	tag, err := r.db.Exec(ctx, query,
		m.ID, m.KmOnboard, m.KmDirect, m.DetourKm, m.DetourPercent,
		m.ExtraMinutes, m.DriverShare, m.FeeRatePerKm,
		m.PlatformFee, m.ProtectionFee, m.PennyAdjustment,
		m.TotalPrice, m.ConstraintsMet,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionMember moves payment and member status only if both still hold the
// expected values. It bumps state_version and drops any settlement claim.
func (r *Repository) TransitionMember(ctx context.Context, memberID uuid.UUID, t models.StatusTransition) (bool, error) {
	query := `
		UPDATE ride_group_members
		SET payment_status = $4,
			status = $5,
			captured_at = COALESCE($6, captured_at),
			state_version = state_version + 1,
			settlement_step = CASE WHEN settlement_op IS NOT NULL THEN 'SETTLED' ELSE settlement_step END,
			settlement_op = NULL,
			settlement_token = NULL,
			settlement_lease_until = NULL,
			updated_at = NOW()
		WHERE id = $1 AND payment_status = $2 AND status = $3
	`

	tag, err := r.db.Exec(ctx, query,
		memberID, t.FromPayment, t.FromStatus, t.ToPayment, t.ToStatus, t.CapturedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ========================================
// SETTLEMENT CLAIM
// ========================================

// ClaimSettlement stamps token and lease on an AUTHORIZED member that has no
// live claim. A member left mid-sequence can only be resumed by the same op.
func (r *Repository) ClaimSettlement(ctx context.Context, memberID uuid.UUID, op models.SettlementOp, token uuid.UUID, leaseUntil time.Time) (*models.RideGroupMember, error) {
	query := `
		UPDATE ride_group_members
		SET settlement_op = $2,
			settlement_token = $3,
			settlement_lease_until = $4,
			updated_at = NOW()
		WHERE id = $1
		  AND payment_status = 'AUTHORIZED'
		  AND (settlement_token IS NULL OR settlement_lease_until < NOW())
		  AND (settlement_op IS NULL OR settlement_op = $2)
		RETURNING ` + memberColumns

	m, err := scanMember(r.db.QueryRow(ctx, query, memberID, op, token, leaseUntil))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordSettlementStep stores the processor id of a completed step. It fails
// with ErrClaimLost when token no longer owns the member.
func (r *Repository) RecordSettlementStep(ctx context.Context, memberID, token uuid.UUID, step models.SettlementStep, externalID string) error {
	column, ok := stepColumns[step]
	if !ok {
		return fmt.Errorf("unknown settlement step %q", step)
	}

	query := fmt.Sprintf(`
		UPDATE ride_group_members
		SET settlement_step = $3, %s = $4, updated_at = NOW()
		WHERE id = $1 AND settlement_token = $2
	`, column)

	tag, err := r.db.Exec(ctx, query, memberID, token, step, externalID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// ReleaseSettlement drops the claim. The op is kept when money already moved
// so only the same op can resume it.
func (r *Repository) ReleaseSettlement(ctx context.Context, memberID, token uuid.UUID) error {
	query := `
		UPDATE ride_group_members
		SET settlement_token = NULL,
			settlement_lease_until = NULL,
			settlement_op = CASE WHEN settlement_step = '' THEN NULL ELSE settlement_op END,
			updated_at = NOW()
		WHERE id = $1 AND settlement_token = $2
	`

	_, err := r.db.Exec(ctx, query, memberID, token)
	return err
}

// ListStalledSettlements lists members that stopped mid-sequence and hold no live claim
func (r *Repository) ListStalledSettlements(ctx context.Context, now time.Time, limit int) ([]*models.RideGroupMember, error) {
	query := `
		SELECT ` + memberColumns + `
		FROM ride_group_members
		WHERE settlement_op IS NOT NULL
		  AND settlement_step NOT IN ('', 'SETTLED')
		  AND (settlement_token IS NULL OR settlement_lease_until < $1)
		ORDER BY updated_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []*models.RideGroupMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// ========================================
// COUNTERS
// ========================================

// IncrementDriverCounters adds to a driver's earnings and ride count in one statement
func (r *Repository) IncrementDriverCounters(ctx context.Context, driverID uuid.UUID, earnings int64, rides int) error {
	query := `
		UPDATE drivers
		SET total_earnings = total_earnings + $2,
			total_rides = total_rides + $3,
			updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, driverID, earnings, rides)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("driver %s not found", driverID)
	}
	return nil
}

// ========================================
// AUDIT TRAIL
// ========================================

// InsertAuditLog appends an audit row. Rewriting an existing id is a no-op.
func (r *Repository) InsertAuditLog(ctx context.Context, l *models.PriceAuditLog) error {
	query := `
		INSERT INTO price_audit_logs (
			id, member_id, ride_group_id, event_type,
			driver_share, fee_rate_per_km, platform_fee, protection_fee,
			penny_adjustment, total_price,
			km_onboard, km_direct, detour_km, detour_percent, extra_minutes,
			route_version, constraints_met,
			amount_captured, amount_refunded, amount_transferred,
			notes, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.Exec(ctx, query,
		l.ID, l.MemberID, l.RideGroupID, l.EventType,
		l.DriverShare, l.FeeRatePerKm, l.PlatformFee, l.ProtectionFee,
		l.PennyAdjustment, l.TotalPrice,
		l.KmOnboard, l.KmDirect, l.DetourKm, l.DetourPercent, l.ExtraMinutes,
		l.RouteVersion, l.ConstraintsMet,
		l.AmountCaptured, l.AmountRefunded, l.AmountTransferred,
		l.Notes, l.CreatedAt,
	)
	return err
}

// ListAuditLogs lists one page of a member's audit rows, oldest first, with
// the member's total row count
func (r *Repository) ListAuditLogs(ctx context.Context, memberID uuid.UUID, limit, offset int) ([]*models.PriceAuditLog, int64, error) {
	query := `
		SELECT id, member_id, ride_group_id, event_type,
			   driver_share, fee_rate_per_km, platform_fee, protection_fee,
			   penny_adjustment, total_price,
			   km_onboard, km_direct, detour_km, detour_percent, extra_minutes,
			   route_version, constraints_met,
			   amount_captured, amount_refunded, amount_transferred,
			   notes, created_at,
			   COUNT(*) OVER() AS total_count
		FROM price_audit_logs
		WHERE member_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, memberID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []*models.PriceAuditLog
	var total int64
	for rows.Next() {
		l := &models.PriceAuditLog{}
		if err := rows.Scan(
			&l.ID, &l.MemberID, &l.RideGroupID, &l.EventType,
			&l.DriverShare, &l.FeeRatePerKm, &l.PlatformFee, &l.ProtectionFee,
			&l.PennyAdjustment, &l.TotalPrice,
			&l.KmOnboard, &l.KmDirect, &l.DetourKm, &l.DetourPercent, &l.ExtraMinutes,
			&l.RouteVersion, &l.ConstraintsMet,
			&l.AmountCaptured, &l.AmountRefunded, &l.AmountTransferred,
			&l.Notes, &l.CreatedAt,
			&total,
		); err != nil {
			return nil, 0, err
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if len(logs) == 0 && offset > 0 {
		if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM price_audit_logs WHERE member_id = $1`, memberID).Scan(&total); err != nil {
			return nil, 0, err
		}
	}
	return logs, total, nil
}
