package settlement

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/richxcame/fare-settlement/pkg/logger"
	"github.com/richxcame/fare-settlement/pkg/models"
	"go.uber.org/zap"
)

const (
	defaultReconcileBatch = 50
	reconcileReason       = "resumed by reconciliation"
)

// ReconcileOutcome is the result of resuming one stalled settlement
type ReconcileOutcome struct {
	MemberID    uuid.UUID             `json:"member_id"`
	Operation   models.SettlementOp   `json:"operation"`
	ResumedFrom models.SettlementStep `json:"resumed_from"`
	Resumed     bool                  `json:"resumed"`
	Error       string                `json:"error,omitempty"`
}

// ReconcileReport summarizes one reconciliation pass
type ReconcileReport struct {
	Scanned  int                `json:"scanned"`
	Resumed  int                `json:"resumed"`
	Failed   int                `json:"failed"`
	Outcomes []ReconcileOutcome `json:"outcomes"`
}

// Reconcile finds settlements that stopped after moving money and whose claim
// has lapsed, and re-runs their operation so it resumes after the last
// recorded step. It runs on demand; nothing schedules it from inside the engine.
func (s *Service) Reconcile(ctx context.Context, limit int) (*ReconcileReport, error) {
	if limit <= 0 {
		limit = defaultReconcileBatch
	}

	stalled, err := s.store.ListStalledSettlements(ctx, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stalled settlements: %w", err)
	}

	report := &ReconcileReport{Scanned: len(stalled), Outcomes: make([]ReconcileOutcome, 0, len(stalled))}
	for _, member := range stalled {
		if member.SettlementOp == nil {
			continue
		}

		outcome := ReconcileOutcome{
			MemberID:    member.ID,
			Operation:   *member.SettlementOp,
			ResumedFrom: member.SettlementStep,
		}

		if err := s.resume(ctx, member.ID, *member.SettlementOp); err != nil {
			outcome.Error = err.Error()
			report.Failed++
			logger.WithContext(ctx).Warn("settlement: reconciliation could not resume settlement",
				zap.String("member_id", member.ID.String()),
				zap.String("operation", string(*member.SettlementOp)),
				zap.String("completed_step", string(member.SettlementStep)),
				zap.Error(err),
			)
		} else {
			outcome.Resumed = true
			report.Resumed++
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	logger.WithContext(ctx).Info("settlement: reconciliation pass finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("resumed", report.Resumed),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *Service) resume(ctx context.Context, memberID uuid.UUID, op models.SettlementOp) error {
	var err error
	switch op {
	case models.SettlementOpCapture:
		_, err = s.CaptureOnDropoff(ctx, memberID)
	case models.SettlementOpNoShow:
		_, err = s.HandleNoShow(ctx, memberID, reconcileReason)
	case models.SettlementOpRefund:
		_, err = s.RefundAuthorized(ctx, memberID, reconcileReason)
	default:
		err = fmt.Errorf("unknown settlement operation %q", op)
	}
	return err
}
