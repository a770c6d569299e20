package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/model"
)

// RecordAccepted credits the user's ledger, bumps machine totals and appends the
// transaction record as one unit of work. It returns the new balance.
func (s *Store) RecordAccepted(ctx context.Context, t *model.Transaction) (int64, error) {
	var paperCount int64
	var weight float64
	if t.ReadingKind == model.ReadingCount {
		paperCount = int64(t.ReadingValue)
	} else {
		weight = t.ReadingValue
	}

	var balance int64
	err := s.inTx(ctx, "record transaction", func(tx *gorm.DB) error {
		res := tx.Model(&model.User{}).Where("id = ?", t.UserID).UpdateColumns(map[string]any{
			"points":              gorm.Expr("points + ?", t.Points),
			"total_paper_count":   gorm.Expr("total_paper_count + ?", paperCount),
			"total_weight_grams":  gorm.Expr("total_weight_grams + ?", weight),
			"total_transactions":  gorm.Expr("total_transactions + 1"),
			"last_transaction_at": t.EventAt,
			"updated_at":          t.IngestedAt,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.ErrUnknownTag
		}

		if err := ensureMachine(tx, t.MachineID, t.IngestedAt); err != nil {
			return err
		}
		if err := tx.Model(&model.Machine{}).Where("id = ?", t.MachineID).UpdateColumns(map[string]any{
			"total_transactions": gorm.Expr("total_transactions + 1"),
			"total_paper_count":  gorm.Expr("total_paper_count + ?", paperCount),
			"total_weight_grams": gorm.Expr("total_weight_grams + ?", weight),
		}).Error; err != nil {
			return err
		}

		if err := tx.Create(t).Error; err != nil {
			return err
		}
		var err error
		balance, err = readBalance(tx, t.UserID)
		return err
	})
	return balance, err
}

// RecordRejected appends a rejected deposit attempt. The ledger is not touched.
func (s *Store) RecordRejected(ctx context.Context, t *model.Transaction) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return storeErr("record rejected transaction", err)
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	var out []model.Transaction
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("ingested_at DESC").
		Limit(clampLimit(limit, 50, 500)).
		Find(&out).Error
	if err != nil {
		return nil, storeErr("list transactions", err)
	}
	return out, nil
}

// ensureMachine creates a bare machine row so totals can be applied before its first heartbeat.
func ensureMachine(tx *gorm.DB, id string, now time.Time) error {
	m := model.Machine{ID: id, Active: true, BondPaperCapacity: 100, CreatedAt: now, UpdatedAt: now}
	return tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).Create(&m).Error
}
