package store

import (
	"context"

	"gorm.io/gorm/clause"

	"kiosk-hub/internal/model"
)

func (s *Store) SavePushSubscription(ctx context.Context, sub *model.PushSubscription) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "p256dh", "auth"}),
	}).Create(sub).Error
	if err != nil {
		return storeErr("save push subscription", err)
	}
	return nil
}

func (s *Store) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	err := s.db.WithContext(ctx).
		Where("endpoint = ? AND user_id = ?", endpoint, userID).
		Delete(&model.PushSubscription{}).Error
	if err != nil {
		return storeErr("delete push subscription", err)
	}
	return nil
}

// DropPushSubscription removes an endpoint the push service reported as gone.
func (s *Store) DropPushSubscription(ctx context.Context, endpoint string) error {
	if err := s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error; err != nil {
		return storeErr("drop push subscription", err)
	}
	return nil
}

func (s *Store) ListPushSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	var out []model.PushSubscription
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&out).Error; err != nil {
		return nil, storeErr("list push subscriptions", err)
	}
	return out, nil
}
