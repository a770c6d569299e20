package model

import "time"

// Sensors every kiosk reports in a heartbeat.
var Sensors = []string{"rfid", "loadCell", "inductiveSensor", "irSensor", "servo"}

const (
	SensorOK    = "ok"
	SensorError = "error"
)

type Machine struct {
	ID                string            `gorm:"primaryKey;size:64" json:"id"`
	Name              string            `gorm:"size:128" json:"name"`
	Location          string            `gorm:"size:256" json:"location"`
	Status            string            `gorm:"size:32" json:"status"`
	LastHeartbeatAt   *time.Time        `gorm:"index" json:"lastHeartbeatAt,omitempty"`
	BondPaperStock    int               `gorm:"not null;default:0" json:"bondPaperStock"`
	BondPaperCapacity int               `gorm:"not null;default:100" json:"bondPaperCapacity"`
	SensorHealth      map[string]string `gorm:"serializer:json" json:"sensorHealth"`
	TotalTransactions int64             `gorm:"not null;default:0" json:"totalTransactions"`
	TotalPaperCount   int64             `gorm:"not null;default:0" json:"totalPaperCount"`
	TotalWeightGrams  float64           `gorm:"not null;default:0" json:"totalWeightGrams"`
	TotalDispensed    int64             `gorm:"not null;default:0" json:"totalDispensed"`
	SecretHash        string            `gorm:"size:128" json:"-"`
	Active            bool              `gorm:"not null;default:true" json:"active"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// Online reports whether the last heartbeat is at most threshold old.
func (m *Machine) Online(now time.Time, threshold time.Duration) bool {
	if m.LastHeartbeatAt == nil {
		return false
	}
	return now.Sub(*m.LastHeartbeatAt) <= threshold
}

func (m *Machine) StockPercent() float64 {
	if m.BondPaperCapacity <= 0 {
		return 0
	}
	return float64(m.BondPaperStock) / float64(m.BondPaperCapacity) * 100
}
