package model

import "time"

const (
	RedemptionRequested  = "requested"
	RedemptionDispatched = "dispatched"
	RedemptionCompleted  = "completed"
	RedemptionFailed     = "failed"
)

type Redemption struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	UserID          string     `gorm:"size:64;index" json:"userId"`
	RewardType      string     `gorm:"size:64" json:"rewardType"`
	RewardName      string     `gorm:"size:128" json:"rewardName"`
	Quantity        int        `json:"quantity"`
	Cost            int64      `json:"cost"`
	State           string     `gorm:"size:16;index:idx_redemptions_queue,priority:1" json:"state"`
	RequestedAt     time.Time  `gorm:"index:idx_redemptions_queue,priority:2" json:"requestedAt"`
	TargetMachineID string     `gorm:"size:64" json:"targetMachineId,omitempty"`
	MachineID       string     `gorm:"size:64" json:"machineId,omitempty"`
	FailureReason   string     `gorm:"size:256" json:"failureReason,omitempty"`
	DispatchedAt    *time.Time `json:"dispatchedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	FailedAt        *time.Time `json:"failedAt,omitempty"`
}
