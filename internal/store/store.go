package store

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"kiosk-hub/internal/apperr"
)

// Store is the persistence layer for users, machines, transactions, redemptions and alerts.
// Every ledger mutation is a single conditional UPDATE inside a database transaction.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return storeErr("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// inTx runs fn as one unit of work. Application errors returned by fn pass through
// untouched; anything else is reported as a retryable persistence failure.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	err := s.db.WithContext(ctx).Transaction(fn)
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return storeErr(op, err)
}

func storeErr(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.ErrNotFound.Wrap(errors.Wrap(err, op))
	}
	return apperr.ErrStoreUnavailable.Wrap(errors.Wrap(err, op))
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
