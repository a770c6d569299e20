// Package alert derives machine alerts from heartbeats and keeps at most one active alert
// per machine and type.
package alert

import (
	"fmt"
	"strings"
	"time"

	"kiosk-hub/internal/model"
	"kiosk-hub/internal/validate"
)

type Snapshot struct {
	MachineID       string
	Stock           int
	Capacity        int
	SensorHealth    map[string]string
	LastHeartbeatAt *time.Time
	Now             time.Time
}

type Thresholds struct {
	StockWarningPercent  float64
	StockCriticalPercent float64
	OfflineAfter         time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{StockWarningPercent: 50, StockCriticalPercent: 20, OfflineAfter: 5 * time.Minute}
}

// Intent is an alert that should exist. Creating it is subject to deduplication.
type Intent struct {
	MachineID   string
	Type        string
	Severity    string
	Description string
}

// Evaluate returns the alerts implied by s. Critical stock supersedes the stock warning.
func Evaluate(s Snapshot, th Thresholds) []Intent {
	var out []Intent

	if s.Capacity > 0 {
		pct := float64(s.Stock) / float64(s.Capacity) * 100
		switch {
		case pct < th.StockCriticalPercent:
			out = append(out, Intent{
				MachineID:   s.MachineID,
				Type:        model.AlertStockCritical,
				Severity:    model.SeverityCritical,
				Description: fmt.Sprintf("Bond paper stock critically low: %d/%d (%.0f%%)", s.Stock, s.Capacity, pct),
			})
		case pct < th.StockWarningPercent:
			out = append(out, Intent{
				MachineID:   s.MachineID,
				Type:        model.AlertStockWarning,
				Severity:    model.SeverityWarning,
				Description: fmt.Sprintf("Bond paper stock low: %d/%d (%.0f%%)", s.Stock, s.Capacity, pct),
			})
		}
	}

	if failing := validate.FailingSensors(s.SensorHealth); len(failing) > 0 {
		out = append(out, Intent{
			MachineID:   s.MachineID,
			Type:        model.AlertSensorError,
			Severity:    model.SeverityWarning,
			Description: "Sensor error: " + strings.Join(failing, ", "),
		})
	}

	if s.LastHeartbeatAt != nil && th.OfflineAfter > 0 && s.Now.Sub(*s.LastHeartbeatAt) > th.OfflineAfter {
		out = append(out, Intent{
			MachineID:   s.MachineID,
			Type:        model.AlertMachineOffline,
			Severity:    model.SeverityCritical,
			Description: fmt.Sprintf("No heartbeat since %s", s.LastHeartbeatAt.UTC().Format(time.RFC3339)),
		})
	}
	return out
}
