package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/model"
)

// EnsureUser returns the user with id, creating an empty ledger on first sight.
func (s *Store) EnsureUser(ctx context.Context, id, name string, now time.Time) (*model.User, error) {
	u := model.User{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&u).Error
	if err != nil {
		return nil, storeErr("ensure user", err)
	}
	return s.GetUser(ctx, id)
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, storeErr("get user", err)
	}
	return &u, nil
}

func (s *Store) FindUserByTag(ctx context.Context, tag string) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, "rfid_tag = ?", tag).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrUnknownTag
		}
		return nil, storeErr("find user by tag", err)
	}
	return &u, nil
}

// BindTag attaches tag to userID. A tag already bound to another user is a conflict.
func (s *Store) BindTag(ctx context.Context, userID, tag string, now time.Time) (*model.User, error) {
	var out model.User
	err := s.inTx(ctx, "bind tag", func(tx *gorm.DB) error {
		var owner model.User
		err := tx.Select("id").First(&owner, "rfid_tag = ?", tag).Error
		switch {
		case err == nil && owner.ID != userID:
			return apperr.ErrConflict.WithMessage("RFID tag is already bound to another user")
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		res := tx.Model(&model.User{}).Where("id = ?", userID).
			UpdateColumns(map[string]any{"rfid_tag": tag, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.ErrNotFound.WithMessage("user not found")
		}
		return tx.First(&out, "id = ?", userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AdjustPoints applies an administrative delta, flooring the balance at zero.
func (s *Store) AdjustPoints(ctx context.Context, userID string, delta int64, now time.Time) (int64, error) {
	var balance int64
	err := s.inTx(ctx, "adjust points", func(tx *gorm.DB) error {
		res := tx.Model(&model.User{}).Where("id = ?", userID).UpdateColumns(map[string]any{
			"points":     gorm.Expr("CASE WHEN points + ? < 0 THEN 0 ELSE points + ? END", delta, delta),
			"updated_at": now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.ErrNotFound.WithMessage("user not found")
		}
		var err error
		balance, err = readBalance(tx, userID)
		return err
	})
	return balance, err
}

func readBalance(tx *gorm.DB, userID string) (int64, error) {
	var u model.User
	if err := tx.Select("points").First(&u, "id = ?", userID).Error; err != nil {
		return 0, err
	}
	return u.Points, nil
}
