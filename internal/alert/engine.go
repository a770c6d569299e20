package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/hub"
	"kiosk-hub/internal/logs"
	"kiosk-hub/internal/model"
	"kiosk-hub/internal/notify"
	"kiosk-hub/internal/store"
)

const (
	EventAlertNew     = "alert:new"
	EventAlertUpdated = "alert:updated"
)

type Store interface {
	CreateAlertIfAbsent(ctx context.Context, a *model.Alert) (*model.Alert, bool, error)
	CloseAlert(ctx context.Context, id, state, actor string, now time.Time) (*model.Alert, error)
	ListAlerts(ctx context.Context, f store.AlertFilter) ([]model.Alert, error)
}

type Engine struct {
	store    Store
	notifier notify.Dispatcher
	locks    *keyedMutex
	logger   *slog.Logger
	now      func() time.Time
}

func NewEngine(st Store, notifier notify.Dispatcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logs.Discard()
	}
	return &Engine{
		store:    st,
		notifier: notifier,
		locks:    newKeyedMutex(),
		logger:   logger.With(slog.String("component", "alert")),
		now:      time.Now,
	}
}

// CreateIfAbsent stores the alert unless an active one with the same machine and type
// exists. Calls for the same key are serialized in-process; the partial unique index
// covers the rest.
func (e *Engine) CreateIfAbsent(ctx context.Context, in Intent) (*model.Alert, bool, error) {
	if in.MachineID == "" || in.Type == "" {
		return nil, false, apperr.ErrInvalidInput.WithMessage("alert needs a machine and a type")
	}
	unlock := e.locks.Lock(in.MachineID + "|" + in.Type)
	defer unlock()

	a := &model.Alert{
		ID:          uuid.NewString(),
		MachineID:   in.MachineID,
		Type:        in.Type,
		Severity:    in.Severity,
		Description: in.Description,
		State:       model.AlertActive,
		CreatedAt:   e.now().UTC(),
	}
	out, created, err := e.store.CreateAlertIfAbsent(ctx, a)
	if err != nil {
		e.logger.Error("creating alert failed",
			slog.String("machine_id", in.MachineID), slog.String("type", in.Type), slog.Any("error", err))
		return nil, false, err
	}
	if created {
		e.logger.Info("alert raised",
			slog.String("alert_id", out.ID), slog.String("machine_id", out.MachineID),
			slog.String("type", out.Type), slog.String("severity", out.Severity))
		e.push(EventAlertNew, out)
	}
	return out, created, nil
}

// Raise creates every intent, logging failures instead of returning them. It returns the
// alerts that were newly created.
func (e *Engine) Raise(ctx context.Context, intents []Intent) []model.Alert {
	var created []model.Alert
	for _, in := range intents {
		a, ok, err := e.CreateIfAbsent(ctx, in)
		if err != nil || !ok {
			continue
		}
		created = append(created, *a)
	}
	return created
}

func (e *Engine) Dismiss(ctx context.Context, id, actor string) (*model.Alert, error) {
	return e.close(ctx, id, model.AlertDismissed, actor)
}

func (e *Engine) Resolve(ctx context.Context, id, actor string) (*model.Alert, error) {
	return e.close(ctx, id, model.AlertResolved, actor)
}

func (e *Engine) close(ctx context.Context, id, state, actor string) (*model.Alert, error) {
	a, err := e.store.CloseAlert(ctx, id, state, actor, e.now().UTC())
	if err != nil {
		return nil, err
	}
	e.logger.Info("alert closed",
		slog.String("alert_id", a.ID), slog.String("state", a.State), slog.String("actor", actor))
	e.push(EventAlertUpdated, a)
	return a, nil
}

func (e *Engine) List(ctx context.Context, f store.AlertFilter) ([]model.Alert, error) {
	if f.State != "" && f.State != model.AlertActive && f.State != model.AlertDismissed && f.State != model.AlertResolved {
		return nil, apperr.ErrInvalidInput.WithMessage("invalid alert state filter")
	}
	return e.store.ListAlerts(ctx, f)
}

func (e *Engine) push(event string, a *model.Alert) {
	if e.notifier == nil {
		return
	}
	e.notifier.Dispatch(notify.Job{Rooms: []string{hub.RoomAdmins}, Event: event, Payload: a})
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
