package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/model"
)

var openRedemptionStates = []string{model.RedemptionRequested, model.RedemptionDispatched}

// ownedBy restricts a conditional update to open redemptions machineID may finish: not
// targeted elsewhere, and either still unclaimed or claimed by machineID.
func ownedBy(tx *gorm.DB, id, machineID string) *gorm.DB {
	return tx.Model(&model.Redemption{}).
		Where("id = ? AND state IN ?", id, openRedemptionStates).
		Where("(target_machine_id = '' OR target_machine_id = ?)", machineID).
		Where("(state = ? OR machine_id = ?)", model.RedemptionRequested, machineID)
}

// finishConflict explains why machineID could not finish r.
func finishConflict(r *model.Redemption, machineID string) error {
	switch {
	case r.TargetMachineID != "" && r.TargetMachineID != machineID:
		return apperr.ErrConflict.WithMessage("redemption is reserved for another machine")
	case r.MachineID != "" && r.MachineID != machineID:
		return apperr.ErrConflict.WithMessage("redemption was taken by another machine")
	default:
		return apperr.ErrConflict.WithMessage("redemption is " + r.State)
	}
}

// CreateRedemption debits r.Cost from the user and inserts r as one unit of work.
// The debit is conditional on the balance covering the cost.
func (s *Store) CreateRedemption(ctx context.Context, r *model.Redemption) (int64, error) {
	var balance int64
	err := s.inTx(ctx, "create redemption", func(tx *gorm.DB) error {
		res := tx.Model(&model.User{}).
			Where("id = ? AND points >= ?", r.UserID, r.Cost).
			UpdateColumns(map[string]any{
				"points":     gorm.Expr("points - ?", r.Cost),
				"updated_at": r.RequestedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&model.User{}).Where("id = ?", r.UserID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return apperr.ErrNotFound.WithMessage("user not found")
			}
			return apperr.ErrInsufficient
		}

		if err := tx.Create(r).Error; err != nil {
			return err
		}
		var err error
		balance, err = readBalance(tx, r.UserID)
		return err
	})
	return balance, err
}

func (s *Store) GetRedemption(ctx context.Context, id string) (*model.Redemption, error) {
	var r model.Redemption
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, storeErr("get redemption", err)
	}
	return &r, nil
}

// PendingRedemptions returns what machineID should dispense, oldest request first:
// requested redemptions that are untargeted or targeted at it, plus those it already
// acknowledged but has not completed.
func (s *Store) PendingRedemptions(ctx context.Context, machineID string, limit int) ([]model.Redemption, error) {
	var out []model.Redemption
	err := s.db.WithContext(ctx).
		Where("(state = ? AND (target_machine_id = '' OR target_machine_id = ?)) OR (state = ? AND machine_id = ?)",
			model.RedemptionRequested, machineID, model.RedemptionDispatched, machineID).
		Order("requested_at ASC").
		Order("id ASC").
		Limit(clampLimit(limit, 20, 100)).
		Find(&out).Error
	if err != nil {
		return nil, storeErr("list pending redemptions", err)
	}
	return out, nil
}

// MarkDispatched moves a requested redemption to dispatched, owned by machineID.
// changed is false when the redemption was no longer requested.
func (s *Store) MarkDispatched(ctx context.Context, id, machineID string, now time.Time) (*model.Redemption, bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Redemption{}).
		Where("id = ? AND state = ? AND (target_machine_id = '' OR target_machine_id = ?)", id, model.RedemptionRequested, machineID).
		UpdateColumns(map[string]any{
			"state":         model.RedemptionDispatched,
			"dispatched_at": now,
			"machine_id":    machineID,
		})
	if res.Error != nil {
		return nil, false, storeErr("mark redemption dispatched", res.Error)
	}
	r, err := s.GetRedemption(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return r, res.RowsAffected == 1, nil
}

// CompleteRedemption finalizes a redemption exactly once. A repeated completion returns
// the stored record with alreadyCompleted set and applies no side effects.
func (s *Store) CompleteRedemption(ctx context.Context, id, machineID string, now time.Time) (*model.Redemption, bool, error) {
	var out model.Redemption
	alreadyCompleted := false
	err := s.inTx(ctx, "complete redemption", func(tx *gorm.DB) error {
		res := ownedBy(tx, id, machineID).
			UpdateColumns(map[string]any{
				"state":        model.RedemptionCompleted,
				"completed_at": now,
				"machine_id":   machineID,
			})
		if res.Error != nil {
			return res.Error
		}

		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.ErrNotFound.WithMessage("redemption not found")
			}
			return err
		}

		if res.RowsAffected == 0 {
			if out.State == model.RedemptionCompleted && out.MachineID == machineID {
				alreadyCompleted = true
				return nil
			}
			return finishConflict(&out, machineID)
		}

		if err := tx.Model(&model.User{}).Where("id = ?", out.UserID).
			UpdateColumn("total_bonds_earned", gorm.Expr("total_bonds_earned + ?", out.Quantity)).Error; err != nil {
			return err
		}
		if err := ensureMachine(tx, machineID, now); err != nil {
			return err
		}
		return tx.Model(&model.Machine{}).Where("id = ?", machineID).
			UpdateColumn("total_dispensed", gorm.Expr("total_dispensed + ?", out.Quantity)).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &out, alreadyCompleted, nil
}

// FailRedemption records a permanent dispense failure reported by a machine. The debit
// is kept. changed is false when the redemption had already failed.
func (s *Store) FailRedemption(ctx context.Context, id, machineID, reason string, now time.Time) (*model.Redemption, bool, error) {
	var out model.Redemption
	changed := false
	err := s.inTx(ctx, "fail redemption", func(tx *gorm.DB) error {
		res := ownedBy(tx, id, machineID).
			UpdateColumns(map[string]any{
				"state":          model.RedemptionFailed,
				"failed_at":      now,
				"machine_id":     machineID,
				"failure_reason": reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.ErrNotFound.WithMessage("redemption not found")
			}
			return err
		}
		if res.RowsAffected == 1 {
			changed = true
			return nil
		}
		if out.State == model.RedemptionFailed && out.MachineID == machineID {
			return nil
		}
		return finishConflict(&out, machineID)
	})
	if err != nil {
		return nil, false, err
	}
	return &out, changed, nil
}

func (s *Store) ListRedemptions(ctx context.Context, userID string, limit int) ([]model.Redemption, error) {
	var out []model.Redemption
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("requested_at DESC").
		Limit(clampLimit(limit, 50, 500)).
		Find(&out).Error
	if err != nil {
		return nil, storeErr("list redemptions", err)
	}
	return out, nil
}
