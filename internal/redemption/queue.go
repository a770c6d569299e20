// Package redemption spends points on physical rewards and hands them to kiosks. Push to
// kiosks is an optimization; the pending poll is what kiosks rely on.
package redemption

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/config"
	"kiosk-hub/internal/hub"
	"kiosk-hub/internal/logs"
	"kiosk-hub/internal/model"
	"kiosk-hub/internal/notify"
	"kiosk-hub/internal/validate"
)

const (
	EventDispense  = "redemption:dispense"
	EventCompleted = "redemption:completed"
	EventFailed    = "redemption:failed"
	EventUpdate    = "redemption:update"
)

type Store interface {
	CreateRedemption(ctx context.Context, r *model.Redemption) (int64, error)
	GetRedemption(ctx context.Context, id string) (*model.Redemption, error)
	PendingRedemptions(ctx context.Context, machineID string, limit int) ([]model.Redemption, error)
	MarkDispatched(ctx context.Context, id, machineID string, now time.Time) (*model.Redemption, bool, error)
	CompleteRedemption(ctx context.Context, id, machineID string, now time.Time) (*model.Redemption, bool, error)
	FailRedemption(ctx context.Context, id, machineID, reason string, now time.Time) (*model.Redemption, bool, error)
	ListRedemptions(ctx context.Context, userID string, limit int) ([]model.Redemption, error)
}

type Config struct {
	PrimaryMachineID string
	PageSize         int
	Rewards          []config.Reward
}

type Queue struct {
	store    Store
	notifier notify.Dispatcher
	cfg      Config
	rewards  map[string]config.Reward
	logger   *slog.Logger
	now      func() time.Time
}

func NewQueue(st Store, notifier notify.Dispatcher, cfg Config, logger *slog.Logger) *Queue {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if logger == nil {
		logger = logs.Discard()
	}
	rewards := make(map[string]config.Reward, len(cfg.Rewards))
	for _, r := range cfg.Rewards {
		rewards[r.Type] = r
	}
	return &Queue{
		store:    st,
		notifier: notifier,
		cfg:      cfg,
		rewards:  rewards,
		logger:   logger.With(slog.String("component", "redemption")),
		now:      time.Now,
	}
}

func (q *Queue) Rewards() []config.Reward {
	return append([]config.Reward(nil), q.cfg.Rewards...)
}

type Request struct {
	RewardType string `json:"rewardType" validate:"required,max=64"`
	// Cost, when sent, must match the catalog. It guards against a stale client price list.
	Cost      *int64 `json:"cost" validate:"omitempty,min=1"`
	MachineID string `json:"machineId" validate:"omitempty,machineid"`
}

// Submit debits the reward cost and queues the redemption. The debit is not reversed if
// dispensing later fails.
func (q *Queue) Submit(ctx context.Context, userID string, req Request) (*model.Redemption, int64, error) {
	if userID == "" {
		return nil, 0, apperr.ErrInvalidInput.WithMessage("missing user id")
	}
	if err := validate.Struct(req); err != nil {
		return nil, 0, err
	}
	reward, ok := q.rewards[req.RewardType]
	if !ok {
		return nil, 0, apperr.ErrInvalidInput.WithMessage("unknown reward " + req.RewardType)
	}
	if req.Cost != nil && *req.Cost != reward.Cost {
		return nil, 0, apperr.ErrInvalidInput.WithMessage(
			fmt.Sprintf("reward %s costs %d points", reward.Type, reward.Cost))
	}

	r := &model.Redemption{
		ID:              uuid.NewString(),
		UserID:          userID,
		RewardType:      reward.Type,
		RewardName:      reward.Name,
		Quantity:        reward.Quantity,
		Cost:            reward.Cost,
		State:           model.RedemptionRequested,
		RequestedAt:     q.now().UTC(),
		TargetMachineID: req.MachineID,
	}
	balance, err := q.store.CreateRedemption(ctx, r)
	if err != nil {
		if apperr.From(err).Kind == apperr.KindDomain {
			q.logger.Info("redemption rejected",
				slog.String("user_id", userID), slog.String("reward", reward.Type), slog.String("reason", apperr.CodeOf(err)))
		} else {
			q.logger.Error("creating redemption failed", slog.String("user_id", userID), slog.Any("error", err))
		}
		return nil, 0, err
	}

	q.logger.Info("redemption requested",
		slog.String("redemption_id", r.ID), slog.String("user_id", userID),
		slog.String("reward", r.RewardType), slog.Int64("cost", r.Cost), slog.Int64("balance", balance))
	q.dispatch(r)
	q.notifyUser(r, notify.EventBalanceUpdated, map[string]any{"userId": userID, "balance": balance, "redemptionId": r.ID}, nil)
	return r, balance, nil
}

// DispatchRooms lists the rooms a new redemption is pushed to.
func (q *Queue) DispatchRooms(r *model.Redemption) []string {
	if r.TargetMachineID != "" {
		return []string{hub.MachineRoom(r.TargetMachineID)}
	}
	rooms := []string{hub.RoomMachines}
	if q.cfg.PrimaryMachineID != "" {
		rooms = append(rooms, hub.MachineRoom(q.cfg.PrimaryMachineID))
	}
	return rooms
}

func (q *Queue) dispatch(r *model.Redemption) {
	if q.notifier == nil {
		return
	}
	q.notifier.Dispatch(notify.Job{
		Rooms:   q.DispatchRooms(r),
		Event:   EventDispense,
		Payload: DispenseCommand(r),
	})
}

// DispenseCommand is what a kiosk receives, by push or by poll.
func DispenseCommand(r *model.Redemption) map[string]any {
	return map[string]any{
		"redemptionId": r.ID,
		"rewardType":   r.RewardType,
		"rewardName":   r.RewardName,
		"quantity":     r.Quantity,
		"userId":       r.UserID,
		"cost":         r.Cost,
		"requestedAt":  r.RequestedAt,
	}
}

func (q *Queue) Pending(ctx context.Context, machineID string, limit int) ([]model.Redemption, error) {
	if err := validate.MachineID(machineID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > q.cfg.PageSize {
		limit = q.cfg.PageSize
	}
	return q.store.PendingRedemptions(ctx, machineID, limit)
}

// Acknowledge records that machineID took a pushed redemption. Acknowledging twice is a no-op.
func (q *Queue) Acknowledge(ctx context.Context, id, machineID string) (*model.Redemption, error) {
	if id == "" {
		return nil, apperr.ErrInvalidInput.WithMessage("missing redemption id")
	}
	r, changed, err := q.store.MarkDispatched(ctx, id, machineID, q.now().UTC())
	if err != nil {
		return nil, err
	}
	if changed {
		q.logger.Info("redemption dispatched", slog.String("redemption_id", id), slog.String("machine_id", machineID))
		return r, nil
	}
	switch {
	case r.State == model.RedemptionRequested:
		return nil, apperr.ErrConflict.WithMessage("redemption is reserved for another machine")
	case r.State == model.RedemptionDispatched && r.MachineID != machineID:
		return nil, apperr.ErrConflict.WithMessage("redemption was taken by another machine")
	}
	return r, nil
}

type Completion struct {
	Redemption       *model.Redemption `json:"redemption"`
	AlreadyCompleted bool              `json:"alreadyCompleted"`
}

// Complete finalizes a dispense. Push and poll may both report the same redemption; only
// the first report has effects.
func (q *Queue) Complete(ctx context.Context, id, machineID string) (Completion, error) {
	if id == "" {
		return Completion{}, apperr.ErrInvalidInput.WithMessage("missing redemption id")
	}
	if err := validate.MachineID(machineID); err != nil {
		return Completion{}, err
	}
	r, already, err := q.store.CompleteRedemption(ctx, id, machineID, q.now().UTC())
	if err != nil {
		if apperr.From(err).Kind == apperr.KindPersistence {
			q.logger.Error("completing redemption failed",
				slog.String("redemption_id", id), slog.String("machine_id", machineID), slog.Any("error", err))
		}
		return Completion{}, err
	}
	if already {
		q.logger.Debug("redemption already completed", slog.String("redemption_id", id), slog.String("machine_id", machineID))
		return Completion{Redemption: r, AlreadyCompleted: true}, nil
	}

	q.logger.Info("redemption completed",
		slog.String("redemption_id", id), slog.String("machine_id", machineID), slog.String("user_id", r.UserID))
	q.notifyUser(r, EventCompleted, r, &notify.PushMessage{
		Title: "Reward dispensed",
		Body:  fmt.Sprintf("Your %s is ready at %s", r.RewardName, machineID),
		Data:  map[string]any{"redemptionId": r.ID},
	})
	return Completion{Redemption: r}, nil
}

// Fail records a permanent dispense failure. Points stay debited.
func (q *Queue) Fail(ctx context.Context, id, machineID, reason string) (*model.Redemption, error) {
	if id == "" {
		return nil, apperr.ErrInvalidInput.WithMessage("missing redemption id")
	}
	reason = truncateReason(reason, maxReasonBytes)
	r, changed, err := q.store.FailRedemption(ctx, id, machineID, reason, q.now().UTC())
	if err != nil {
		return nil, err
	}
	if changed {
		q.logger.Warn("redemption failed",
			slog.String("redemption_id", id), slog.String("machine_id", machineID),
			slog.String("user_id", r.UserID), slog.String("reason", reason))
		q.notifyUser(r, EventFailed, r, &notify.PushMessage{
			Title: "Reward could not be dispensed",
			Body:  "Please contact an administrator",
			Data:  map[string]any{"redemptionId": r.ID},
		})
	}
	return r, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*model.Redemption, error) {
	return q.store.GetRedemption(ctx, id)
}

func (q *Queue) ListForUser(ctx context.Context, userID string, limit int) ([]model.Redemption, error) {
	if userID == "" {
		return nil, apperr.ErrInvalidInput.WithMessage("missing user id")
	}
	return q.store.ListRedemptions(ctx, userID, limit)
}

func (q *Queue) notifyUser(r *model.Redemption, event string, payload any, push *notify.PushMessage) {
	if q.notifier == nil {
		return
	}
	q.notifier.Dispatch(notify.Job{
		Rooms:   []string{hub.UserRoom(r.UserID)},
		Event:   event,
		Payload: payload,
		UserID:  r.UserID,
		Push:    push,
	})
	if event != notify.EventBalanceUpdated {
		q.notifier.Dispatch(notify.Job{Rooms: []string{hub.RoomAdmins}, Event: EventUpdate, Payload: r})
	}
}

// maxReasonBytes matches the failure_reason column size.
const maxReasonBytes = 256

// truncateReason cuts s to at most limit bytes without splitting a UTF-8 sequence.
func truncateReason(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
