package model

import "time"

// PushSubscription holds a browser push endpoint for a user.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey" json:"endpoint"`
	UserID    string    `gorm:"size:64;index;not null" json:"-"`
	P256DH    string    `gorm:"column:p256dh;not null" json:"p256dh"`
	Auth      string    `gorm:"not null" json:"auth"`
	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
}

// All lists every persisted model for migrations.
func All() []any {
	return []any{&User{}, &Machine{}, &Transaction{}, &Redemption{}, &Alert{}, &PushSubscription{}}
}
