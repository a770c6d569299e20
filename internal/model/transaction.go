package model

import "time"

const (
	ReadingWeight = "weight"
	ReadingCount  = "count"

	OutcomeCompleted = "completed"
	OutcomeRejected  = "rejected"
)

// Transaction is an append-only deposit record.
type Transaction struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	UserID        string    `gorm:"size:64;index" json:"userId"`
	MachineID     string    `gorm:"size:64;index" json:"machineId"`
	RFIDTag       string    `gorm:"column:rfid_tag;size:32" json:"rfidTag"`
	ReadingKind   string    `gorm:"size:16" json:"readingKind"`
	ReadingValue  float64   `json:"readingValue"`
	MetalDetected bool      `json:"metalDetected"`
	Points        int64     `json:"points"`
	Outcome       string    `gorm:"size:16;index" json:"outcome"`
	Reason        string    `gorm:"size:32" json:"reason,omitempty"`
	EventAt       time.Time `json:"eventAt"`
	IngestedAt    time.Time `gorm:"index" json:"ingestedAt"`
}
