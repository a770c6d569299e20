// Package fleet ingests kiosk heartbeats, provisions machines and authenticates them.
package fleet

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"kiosk-hub/internal/alert"
	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/auth"
	"kiosk-hub/internal/hub"
	"kiosk-hub/internal/logs"
	"kiosk-hub/internal/model"
	"kiosk-hub/internal/notify"
	"kiosk-hub/internal/store"
	"kiosk-hub/internal/validate"
)

const EventMachineStatus = "machine:status"

type Store interface {
	ApplyHeartbeat(ctx context.Context, hb store.Heartbeat) (*model.Machine, error)
	ProvisionMachine(ctx context.Context, id, name, location, secretHash string, now time.Time) (*model.Machine, error)
	GetMachine(ctx context.Context, id string) (*model.Machine, error)
	ListMachines(ctx context.Context) ([]model.Machine, error)
	StaleMachines(ctx context.Context, before time.Time) ([]model.Machine, error)
}

type Config struct {
	SharedSecret    string
	DefaultCapacity int
	Thresholds      alert.Thresholds
}

type Service struct {
	store    Store
	alerts   *alert.Engine
	notifier notify.Dispatcher
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(st Store, alerts *alert.Engine, notifier notify.Dispatcher, cfg Config, logger *slog.Logger) *Service {
	if cfg.DefaultCapacity <= 0 {
		cfg.DefaultCapacity = 100
	}
	if cfg.Thresholds.OfflineAfter <= 0 {
		cfg.Thresholds = alert.DefaultThresholds()
	}
	if logger == nil {
		logger = logs.Discard()
	}
	return &Service{
		store:    st,
		alerts:   alerts,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "fleet")),
		now:      time.Now,
	}
}

type HeartbeatInput struct {
	MachineID    string            `json:"machineId" validate:"required,machineid"`
	Status       string            `json:"status" validate:"omitempty,max=32"`
	Stock        *int              `json:"bondPaperStock" validate:"omitempty,min=0"`
	Capacity     *int              `json:"bondPaperCapacity" validate:"omitempty,min=1"`
	SensorHealth map[string]string `json:"sensorHealth" validate:"required"`
	Timestamp    string            `json:"timestamp"`
}

// MachineView is a machine with its derived liveness.
type MachineView struct {
	model.Machine
	Online       bool    `json:"online"`
	StockPercent float64 `json:"stockPercent"`
}

func (s *Service) view(m *model.Machine) MachineView {
	return MachineView{
		Machine:      *m,
		Online:       m.Online(s.now(), s.cfg.Thresholds.OfflineAfter),
		StockPercent: m.StockPercent(),
	}
}

// Heartbeat upserts the machine, raises any alerts the new state implies and relays the
// status to admins. Liveness is stamped with the hub clock; the kiosk timestamp is only
// checked for shape.
func (s *Service) Heartbeat(ctx context.Context, in HeartbeatInput) (MachineView, error) {
	if err := validate.Struct(in); err != nil {
		return MachineView{}, err
	}
	if err := validate.SensorHealth(in.SensorHealth); err != nil {
		return MachineView{}, err
	}
	if in.Timestamp != "" {
		if _, err := validate.Timestamp(in.Timestamp); err != nil {
			return MachineView{}, err
		}
	}

	stock, capacity := 0, s.cfg.DefaultCapacity
	existing, err := s.store.GetMachine(ctx, in.MachineID)
	switch {
	case err == nil:
		stock, capacity = existing.BondPaperStock, existing.BondPaperCapacity
	case !errors.Is(err, apperr.ErrNotFound):
		return MachineView{}, err
	}
	if in.Stock != nil {
		stock = *in.Stock
	}
	if in.Capacity != nil {
		capacity = *in.Capacity
	}
	if stock > capacity {
		return MachineView{}, apperr.ErrInvalidInput.WithMessage("bond paper stock exceeds capacity")
	}

	at := s.now().UTC()
	m, err := s.store.ApplyHeartbeat(ctx, store.Heartbeat{
		MachineID:    in.MachineID,
		Status:       in.Status,
		Stock:        stock,
		Capacity:     capacity,
		SensorHealth: in.SensorHealth,
		At:           at,
	})
	if err != nil {
		s.logger.Error("applying heartbeat failed", slog.String("machine_id", in.MachineID), slog.Any("error", err))
		return MachineView{}, err
	}

	if s.alerts != nil {
		s.alerts.Raise(ctx, alert.Evaluate(alert.Snapshot{
			MachineID:       m.ID,
			Stock:           m.BondPaperStock,
			Capacity:        m.BondPaperCapacity,
			SensorHealth:    m.SensorHealth,
			LastHeartbeatAt: m.LastHeartbeatAt,
			Now:             at,
		}, s.cfg.Thresholds))
	}

	v := s.view(m)
	if s.notifier != nil {
		s.notifier.Dispatch(notify.Job{Rooms: []string{hub.RoomAdmins}, Event: EventMachineStatus, Payload: v})
	}
	return v, nil
}

type ProvisionInput struct {
	ID       string `json:"id" validate:"required,machineid"`
	Name     string `json:"name" validate:"required,max=128"`
	Location string `json:"location" validate:"max=256"`
	Secret   string `json:"secret" validate:"omitempty,min=8,max=72"`
}

func (s *Service) Provision(ctx context.Context, in ProvisionInput) (MachineView, error) {
	if err := validate.Struct(in); err != nil {
		return MachineView{}, err
	}
	hash := ""
	if in.Secret != "" {
		h, err := auth.HashSecret(in.Secret)
		if err != nil {
			return MachineView{}, apperr.ErrInvalidInput.Wrap(err)
		}
		hash = h
	}
	m, err := s.store.ProvisionMachine(ctx, in.ID, in.Name, in.Location, hash, s.now().UTC())
	if err != nil {
		return MachineView{}, err
	}
	s.logger.Info("machine provisioned", slog.String("machine_id", m.ID), slog.Bool("own_secret", hash != ""))
	return s.view(m), nil
}

func (s *Service) List(ctx context.Context) ([]MachineView, error) {
	machines, err := s.store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MachineView, 0, len(machines))
	for i := range machines {
		out = append(out, s.view(&machines[i]))
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (MachineView, error) {
	m, err := s.store.GetMachine(ctx, id)
	if err != nil {
		return MachineView{}, err
	}
	return s.view(m), nil
}

// Authenticate accepts a machine that presents its own provisioned secret, or the shared
// fleet secret when it has none.
func (s *Service) Authenticate(ctx context.Context, machineID, secret string) error {
	if err := validate.MachineID(machineID); err != nil {
		return apperr.ErrUnauthorized.WithMessage("Invalid machine credentials")
	}

	m, err := s.store.GetMachine(ctx, machineID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	if m != nil {
		if !m.Active {
			s.logger.Warn("disabled machine tried to authenticate", slog.String("machine_id", machineID))
			return apperr.ErrForbidden.WithMessage("Machine is disabled")
		}
		if m.SecretHash != "" {
			if auth.CheckSecret(m.SecretHash, secret) != nil {
				s.logger.Warn("machine authentication failed", slog.String("machine_id", machineID))
				return apperr.ErrUnauthorized.WithMessage("Invalid machine credentials")
			}
			return nil
		}
	}
	if !auth.EqualSecret(s.cfg.SharedSecret, secret) {
		s.logger.Warn("machine authentication failed", slog.String("machine_id", machineID))
		return apperr.ErrUnauthorized.WithMessage("Invalid machine credentials")
	}
	return nil
}
