// Package admission turns raw kiosk deposit events into ledger credits.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/hub"
	"kiosk-hub/internal/logs"
	"kiosk-hub/internal/model"
	"kiosk-hub/internal/notify"
	"kiosk-hub/internal/validate"
)

const EventTransactionNew = "transaction:new"

type Store interface {
	FindUserByTag(ctx context.Context, tag string) (*model.User, error)
	RecordAccepted(ctx context.Context, t *model.Transaction) (int64, error)
	RecordRejected(ctx context.Context, t *model.Transaction) error
	ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error)
}

type Rules struct {
	PerGram  float64
	PerSheet int
	Bounds   validate.Bounds
}

func DefaultRules() Rules {
	return Rules{
		PerGram:  10,
		PerSheet: 1,
		Bounds:   validate.Bounds{MinWeight: 1.0, MaxWeight: 20.0, MinCount: 1, MaxCount: 50},
	}
}

// Points is the reward for an admissible reading. It never decreases as the reading grows.
func Points(kind string, value float64, r Rules) int64 {
	switch kind {
	case model.ReadingWeight:
		// readings arrive as decimals; absorb binary rounding like 2.3*10 = 22.999...
		return int64(math.Floor(value*r.PerGram + 1e-9))
	case model.ReadingCount:
		return int64(value) * int64(r.PerSheet)
	}
	return 0
}

// RawEvent is a deposit as reported by a kiosk. Exactly one of Weight and PaperCount is set.
type RawEvent struct {
	MachineID     string   `json:"machineId" validate:"required,machineid"`
	RFIDTag       string   `json:"rfidTag" validate:"required,rfidtag"`
	Weight        *float64 `json:"weight"`
	PaperCount    *float64 `json:"paperCount"`
	MetalDetected bool     `json:"metalDetected"`
	Timestamp     string   `json:"timestamp" validate:"required"`
}

type Result struct {
	Accepted      bool   `json:"accepted"`
	Reason        string `json:"reason,omitempty"`
	Message       string `json:"message"`
	Points        int64  `json:"points"`
	Balance       int64  `json:"balance"`
	TransactionID string `json:"transactionId"`
	UserID        string `json:"userId"`
}

type TagOwner struct {
	UserID  string `json:"userId"`
	Name    string `json:"userName"`
	Balance int64  `json:"currentPoints"`
}

type Pipeline struct {
	store    Store
	notifier notify.Dispatcher
	rules    Rules
	logger   *slog.Logger
	now      func() time.Time
}

func NewPipeline(st Store, notifier notify.Dispatcher, rules Rules, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = logs.Discard()
	}
	return &Pipeline{
		store:    st,
		notifier: notifier,
		rules:    rules,
		logger:   logger.With(slog.String("component", "admission")),
		now:      time.Now,
	}
}

type reading struct {
	kind  string
	value float64
}

func parse(ev RawEvent) (reading, time.Time, error) {
	if err := validate.Struct(ev); err != nil {
		return reading{}, time.Time{}, err
	}
	at, err := validate.Timestamp(ev.Timestamp)
	if err != nil {
		return reading{}, time.Time{}, err
	}

	var r reading
	switch {
	case ev.Weight != nil && ev.PaperCount != nil:
		return reading{}, time.Time{}, apperr.ErrInvalidInput.WithMessage("send either weight or paperCount, not both")
	case ev.Weight != nil:
		r = reading{kind: model.ReadingWeight, value: *ev.Weight}
	case ev.PaperCount != nil:
		r = reading{kind: model.ReadingCount, value: *ev.PaperCount}
	default:
		return reading{}, time.Time{}, apperr.ErrInvalidInput.WithMessage("missing weight or paperCount")
	}
	if math.IsNaN(r.value) || math.IsInf(r.value, 0) {
		return reading{}, time.Time{}, apperr.ErrInvalidInput.WithMessage("invalid reading")
	}
	if r.kind == model.ReadingCount && r.value != math.Trunc(r.value) {
		return reading{}, time.Time{}, apperr.ErrInvalidInput.WithMessage("paper count must be a whole number")
	}
	return r, at, nil
}

// Submit runs one deposit through validation, identity resolution, plausibility checks
// and the ledger credit. Plausibility rejections are recorded and returned as a Result;
// every other failure is returned as an error and leaves no record.
func (p *Pipeline) Submit(ctx context.Context, ev RawEvent) (Result, error) {
	r, at, err := parse(ev)
	if err != nil {
		p.logger.Info("deposit rejected", slog.String("machine_id", ev.MachineID), slog.String("reason", apperr.CodeOf(err)))
		return Result{}, err
	}

	user, err := p.store.FindUserByTag(ctx, ev.RFIDTag)
	if err != nil {
		if errors.Is(err, apperr.ErrUnknownTag) {
			p.logger.Info("deposit rejected",
				slog.String("machine_id", ev.MachineID), slog.String("reason", apperr.ErrUnknownTag.Code))
		}
		return Result{}, err
	}

	tx := &model.Transaction{
		ID:            uuid.NewString(),
		UserID:        user.ID,
		MachineID:     ev.MachineID,
		RFIDTag:       ev.RFIDTag,
		ReadingKind:   r.kind,
		ReadingValue:  r.value,
		MetalDetected: ev.MetalDetected,
		EventAt:       at,
		IngestedAt:    p.now().UTC(),
	}

	rejection := validate.Reading(r.kind, r.value, p.rules.Bounds)
	if rejection == nil && ev.MetalDetected {
		rejection = apperr.ErrContamination
	}
	if rejection != nil {
		return p.reject(ctx, tx, user, rejection)
	}

	tx.Points = Points(r.kind, r.value, p.rules)
	tx.Outcome = model.OutcomeCompleted
	balance, err := p.store.RecordAccepted(ctx, tx)
	if err != nil {
		p.logger.Error("recording deposit failed",
			slog.String("machine_id", ev.MachineID), slog.String("user_id", user.ID), slog.Any("error", err))
		return Result{}, err
	}

	p.logger.Info("deposit accepted",
		slog.String("transaction_id", tx.ID), slog.String("machine_id", tx.MachineID),
		slog.String("user_id", user.ID), slog.Int64("points", tx.Points), slog.Int64("balance", balance))
	p.announce(tx, balance)

	return Result{
		Accepted:      true,
		Message:       fmt.Sprintf("You earned %d points", tx.Points),
		Points:        tx.Points,
		Balance:       balance,
		TransactionID: tx.ID,
		UserID:        user.ID,
	}, nil
}

func (p *Pipeline) reject(ctx context.Context, tx *model.Transaction, user *model.User, reason error) (Result, error) {
	appErr := apperr.From(reason)
	if appErr.Kind != apperr.KindDomain {
		return Result{}, reason
	}
	tx.Outcome = model.OutcomeRejected
	tx.Reason = appErr.Code
	if err := p.store.RecordRejected(ctx, tx); err != nil {
		p.logger.Error("recording rejected deposit failed",
			slog.String("machine_id", tx.MachineID), slog.String("user_id", user.ID), slog.Any("error", err))
		return Result{}, err
	}
	p.logger.Info("deposit rejected",
		slog.String("transaction_id", tx.ID), slog.String("machine_id", tx.MachineID),
		slog.String("user_id", user.ID), slog.String("reason", appErr.Code))
	return Result{
		Accepted:      false,
		Reason:        appErr.Code,
		Message:       appErr.Message,
		Balance:       user.Points,
		TransactionID: tx.ID,
		UserID:        user.ID,
	}, nil
}

func (p *Pipeline) announce(tx *model.Transaction, balance int64) {
	if p.notifier == nil {
		return
	}
	p.notifier.Dispatch(notify.Job{
		Rooms: []string{hub.UserRoom(tx.UserID)},
		Event: notify.EventBalanceUpdated,
		Payload: map[string]any{
			"userId":        tx.UserID,
			"balance":       balance,
			"points":        tx.Points,
			"transactionId": tx.ID,
		},
		UserID: tx.UserID,
		Push: &notify.PushMessage{
			Title: "Points added",
			Body:  fmt.Sprintf("You earned %d points. Balance: %d", tx.Points, balance),
			Data:  map[string]any{"transactionId": tx.ID},
		},
	})
	p.notifier.Dispatch(notify.Job{
		Rooms:   []string{hub.RoomAdmins},
		Event:   EventTransactionNew,
		Payload: tx,
	})
}

// VerifyTag is the kiosk's check before a deposit starts.
func (p *Pipeline) VerifyTag(ctx context.Context, tag, machineID string) (TagOwner, error) {
	if err := validate.Tag(tag); err != nil {
		return TagOwner{}, err
	}
	if err := validate.MachineID(machineID); err != nil {
		return TagOwner{}, err
	}
	user, err := p.store.FindUserByTag(ctx, tag)
	if err != nil {
		return TagOwner{}, err
	}
	return TagOwner{UserID: user.ID, Name: user.Name, Balance: user.Points}, nil
}

func (p *Pipeline) History(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	if userID == "" {
		return nil, apperr.ErrInvalidInput.WithMessage("missing user id")
	}
	return p.store.ListTransactions(ctx, userID, limit)
}
