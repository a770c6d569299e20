package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"kiosk-hub/internal/model"
)

type Heartbeat struct {
	MachineID    string
	Status       string
	Stock        int
	Capacity     int
	SensorHealth map[string]string
	At           time.Time
}

// ApplyHeartbeat upserts the machine row from a heartbeat. Concurrent heartbeats for the
// same id resolve to the last write.
func (s *Store) ApplyHeartbeat(ctx context.Context, hb Heartbeat) (*model.Machine, error) {
	at := hb.At
	m := model.Machine{
		ID:                hb.MachineID,
		Status:            hb.Status,
		LastHeartbeatAt:   &at,
		BondPaperStock:    hb.Stock,
		BondPaperCapacity: hb.Capacity,
		SensorHealth:      hb.SensorHealth,
		Active:            true,
		CreatedAt:         hb.At,
		UpdatedAt:         hb.At,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "last_heartbeat_at", "bond_paper_stock", "bond_paper_capacity", "sensor_health", "updated_at",
		}),
	}).Create(&m).Error
	if err != nil {
		return nil, storeErr("apply heartbeat", err)
	}
	return s.GetMachine(ctx, hb.MachineID)
}

// ProvisionMachine creates or updates the administrative fields of a machine.
// An empty secretHash keeps the stored one.
func (s *Store) ProvisionMachine(ctx context.Context, id, name, location, secretHash string, now time.Time) (*model.Machine, error) {
	m := model.Machine{
		ID:                id,
		Name:              name,
		Location:          location,
		SecretHash:        secretHash,
		BondPaperCapacity: 100,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	columns := []string{"name", "location", "active", "updated_at"}
	if secretHash != "" {
		columns = append(columns, "secret_hash")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&m).Error
	if err != nil {
		return nil, storeErr("provision machine", err)
	}
	return s.GetMachine(ctx, id)
}

func (s *Store) GetMachine(ctx context.Context, id string) (*model.Machine, error) {
	var m model.Machine
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, storeErr("get machine", err)
	}
	return &m, nil
}

func (s *Store) ListMachines(ctx context.Context) ([]model.Machine, error) {
	var out []model.Machine
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, storeErr("list machines", err)
	}
	return out, nil
}

// StaleMachines lists active machines whose last heartbeat is older than before.
func (s *Store) StaleMachines(ctx context.Context, before time.Time) ([]model.Machine, error) {
	var out []model.Machine
	err := s.db.WithContext(ctx).
		Where("active = ? AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?", true, before).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, storeErr("list stale machines", err)
	}
	return out, nil
}
