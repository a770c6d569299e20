package fleet

import (
	"context"
	"log/slog"
	"time"

	"kiosk-hub/internal/alert"
	"kiosk-hub/internal/model"
)

// Monitor raises machine_offline alerts for machines that stopped sending heartbeats.
type Monitor struct {
	service  *Service
	interval time.Duration
}

func NewMonitor(service *Service, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{service: service, interval: interval}
}

func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.service.logger.Warn("offline sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep checks every active machine once and returns the alerts it created.
func (m *Monitor) Sweep(ctx context.Context) ([]model.Alert, error) {
	s := m.service
	now := s.now().UTC()
	stale, err := s.store.StaleMachines(ctx, now.Add(-s.cfg.Thresholds.OfflineAfter))
	if err != nil {
		return nil, err
	}
	if s.alerts == nil {
		return nil, nil
	}

	var intents []alert.Intent
	for _, machine := range stale {
		for _, in := range alert.Evaluate(alert.Snapshot{
			MachineID:       machine.ID,
			Stock:           machine.BondPaperStock,
			Capacity:        machine.BondPaperCapacity,
			SensorHealth:    machine.SensorHealth,
			LastHeartbeatAt: machine.LastHeartbeatAt,
			Now:             now,
		}, s.cfg.Thresholds) {
			if in.Type == model.AlertMachineOffline {
				intents = append(intents, in)
			}
		}
	}
	created := s.alerts.Raise(ctx, intents)
	if len(created) > 0 {
		s.logger.Info("machines went offline", slog.Int("count", len(created)))
	}
	return created, nil
}
