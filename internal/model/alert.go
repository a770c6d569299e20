package model

import "time"

const (
	AlertActive    = "active"
	AlertDismissed = "dismissed"
	AlertResolved  = "resolved"

	AlertStockWarning   = "stock_warning"
	AlertStockCritical  = "stock_critical"
	AlertSensorError    = "sensor_error"
	AlertMachineOffline = "machine_offline"

	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is unique per (machine, type) while active.
type Alert struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	MachineID   string     `gorm:"size:64;uniqueIndex:idx_alerts_active_key,where:state = 'active'" json:"machineId"`
	Type        string     `gorm:"size:32;uniqueIndex:idx_alerts_active_key,where:state = 'active'" json:"type"`
	Severity    string     `gorm:"size:16" json:"severity"`
	Description string     `gorm:"size:512" json:"description"`
	State       string     `gorm:"size:16;index" json:"state"`
	CreatedAt   time.Time  `json:"createdAt"`
	DismissedAt *time.Time `json:"dismissedAt,omitempty"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	ClosedBy    string     `gorm:"size:64" json:"closedBy,omitempty"`
}
