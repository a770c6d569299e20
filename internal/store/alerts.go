package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/model"
)

type AlertFilter struct {
	MachineID string
	State     string
	Limit     int
}

// FindActiveAlert returns the active alert for the dedup key, or nil.
func (s *Store) FindActiveAlert(ctx context.Context, machineID, alertType string) (*model.Alert, error) {
	a, err := findActiveAlert(s.db.WithContext(ctx), machineID, alertType)
	if err != nil {
		return nil, storeErr("find active alert", err)
	}
	return a, nil
}

func findActiveAlert(tx *gorm.DB, machineID, alertType string) (*model.Alert, error) {
	var a model.Alert
	err := tx.Where("machine_id = ? AND type = ? AND state = ?", machineID, alertType, model.AlertActive).
		Order("created_at ASC").
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAlertIfAbsent inserts a unless an active alert with the same machine and type
// exists, in which case the existing one is returned with created=false.
func (s *Store) CreateAlertIfAbsent(ctx context.Context, a *model.Alert) (*model.Alert, bool, error) {
	var out *model.Alert
	created := false
	err := s.inTx(ctx, "create alert", func(tx *gorm.DB) error {
		existing, err := findActiveAlert(tx, a.MachineID, a.Type)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}
		if err := tx.Create(a).Error; err != nil {
			return err
		}
		out = a
		created = true
		return nil
	})
	if err != nil {
		// The partial unique index rejects a racing insert; the winner is the answer.
		if existing, findErr := s.FindActiveAlert(ctx, a.MachineID, a.Type); findErr == nil && existing != nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	return out, created, nil
}

// CloseAlert moves an active alert to state (dismissed or resolved).
func (s *Store) CloseAlert(ctx context.Context, id, state, actor string, now time.Time) (*model.Alert, error) {
	updates := map[string]any{"state": state, "closed_by": actor}
	switch state {
	case model.AlertDismissed:
		updates["dismissed_at"] = now
	case model.AlertResolved:
		updates["resolved_at"] = now
	default:
		return nil, apperr.ErrInvalidInput.WithMessage("invalid alert state " + state)
	}

	var out model.Alert
	err := s.inTx(ctx, "close alert", func(tx *gorm.DB) error {
		res := tx.Model(&model.Alert{}).Where("id = ? AND state = ?", id, model.AlertActive).UpdateColumns(updates)
		if res.Error != nil {
			return res.Error
		}
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.ErrNotFound.WithMessage("alert not found")
			}
			return err
		}
		if res.RowsAffected == 0 {
			return apperr.ErrConflict.WithMessage("alert is already " + out.State)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]model.Alert, error) {
	q := s.db.WithContext(ctx).Model(&model.Alert{})
	if f.MachineID != "" {
		q = q.Where("machine_id = ?", f.MachineID)
	}
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	var out []model.Alert
	if err := q.Order("created_at DESC").Limit(clampLimit(f.Limit, 100, 500)).Find(&out).Error; err != nil {
		return nil, storeErr("list alerts", err)
	}
	return out, nil
}
