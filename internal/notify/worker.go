// Package notify delivers best-effort pushes to hub rooms and browser push endpoints on a
// bounded worker pool, so that notification latency never holds up a ledger operation.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"kiosk-hub/internal/logs"
	"kiosk-hub/internal/model"
)

// EventBalanceUpdated carries a user's new balance to their room.
const EventBalanceUpdated = "balanceUpdated"

// Job is one notification. Rooms receive Event with Payload; when Push is set every push
// subscription of UserID receives it as well.
type Job struct {
	Rooms   []string
	Event   string
	Payload any
	UserID  string
	Push    *PushMessage
}

type PushMessage struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

type Dispatcher interface {
	Dispatch(job Job) bool
}

type Emitter interface {
	EmitToRooms(event string, payload any, rooms ...string) int
}

type SubscriptionStore interface {
	ListPushSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error)
	DropPushSubscription(ctx context.Context, endpoint string) error
}

// NotificationSender sends a single web push message.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

type WebPushSender struct{}

func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

type WorkerPool struct {
	size    int
	jobs    chan Job
	emitter Emitter
	subs    SubscriptionStore
	webpush *webpush.Options
	sender  NotificationSender
	logger  *slog.Logger
}

// NewWorkerPool creates a pool. A nil webpushOptions disables browser push.
func NewWorkerPool(size, queueSize int, emitter Emitter, subs SubscriptionStore, webpushOptions *webpush.Options, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if queueSize <= 0 {
		queueSize = size
	}
	if logger == nil {
		logger = logs.Discard()
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Job, queueSize),
		emitter: emitter,
		subs:    subs,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		logger:  logger.With(slog.String("component", "notify")),
	}
}

func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.logger.Debug("worker started", slog.Int("worker", id))
	for {
		select {
		case job := <-wp.jobs:
			wp.process(ctx, job)
		case <-ctx.Done():
			wp.logger.Debug("worker shutting down", slog.Int("worker", id))
			return
		}
	}
}

// Dispatch queues job without blocking. A full queue drops the job and reports false.
func (wp *WorkerPool) Dispatch(job Job) bool {
	select {
	case wp.jobs <- job:
		return true
	default:
		wp.logger.Warn("notification queue full, dropping job",
			slog.String("event", job.Event), slog.String("user_id", job.UserID))
		return false
	}
}

func (wp *WorkerPool) process(ctx context.Context, job Job) {
	if job.Event != "" && len(job.Rooms) > 0 && wp.emitter != nil {
		wp.emitter.EmitToRooms(job.Event, job.Payload, job.Rooms...)
	}
	if job.Push != nil && job.UserID != "" && wp.webpush != nil && wp.subs != nil {
		wp.sendPushForUser(ctx, job.UserID, job.Push)
	}
}

func (wp *WorkerPool) sendPushForUser(ctx context.Context, userID string, msg *PushMessage) {
	subscriptions, err := wp.subs.ListPushSubscriptions(ctx, userID)
	if err != nil {
		wp.logger.Warn("loading push subscriptions failed", slog.String("user_id", userID), slog.Any("error", err))
		return
	}
	if len(subscriptions) == 0 {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		wp.logger.Error("encoding push message failed", slog.Any("error", err))
		return
	}
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.logger.Warn("sending push failed", slog.String("endpoint", sub.Endpoint), slog.Any("error", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		wp.logger.Info("push subscription expired, deleting", slog.String("endpoint", sub.Endpoint))
		if err := wp.subs.DropPushSubscription(ctx, sub.Endpoint); err != nil {
			wp.logger.Warn("deleting expired subscription failed", slog.String("endpoint", sub.Endpoint), slog.Any("error", err))
		}
	}
}

// Options builds webpush options from VAPID settings. It returns nil when push is not configured.
func Options(publicKey, privateKey, subject string, ttl int) *webpush.Options {
	if publicKey == "" || privateKey == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 60
	}
	return &webpush.Options{
		Subscriber:      subject,
		VAPIDPublicKey:  publicKey,
		VAPIDPrivateKey: privateKey,
		TTL:             ttl,
	}
}
