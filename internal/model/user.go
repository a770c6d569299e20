package model

import "time"

type User struct {
	ID                string     `gorm:"primaryKey;size:64" json:"id"`
	Name              string     `gorm:"size:128" json:"name"`
	RFIDTag           *string    `gorm:"column:rfid_tag;size:32;uniqueIndex" json:"rfidTag,omitempty"`
	Points            int64      `gorm:"not null;default:0;check:chk_users_points,points >= 0" json:"points"`
	TotalPaperCount   int64      `gorm:"not null;default:0" json:"totalPaperCount"`
	TotalWeightGrams  float64    `gorm:"not null;default:0" json:"totalWeightGrams"`
	TotalTransactions int64      `gorm:"not null;default:0" json:"totalTransactions"`
	TotalBondsEarned  int64      `gorm:"not null;default:0" json:"totalBondsEarned"`
	LastTransactionAt *time.Time `json:"lastTransactionAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}
