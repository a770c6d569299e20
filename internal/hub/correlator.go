package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/logs"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	MinRequestTimeout     = time.Second
	MaxRequestTimeout     = 120 * time.Second
)

type Request struct {
	// CorrelationID identifies the caller. The originating connection id is used so that a
	// disconnect cancels exactly the request that connection owns.
	CorrelationID string
	Room          string
	Role          Role
	Event         string
	Payload       map[string]any
	Timeout       time.Duration
}

type Reply struct {
	MachineID    string
	ConnectionID string
	Payload      any
}

type CorrelatorOptions struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	// CancelEvent is sent to the target connection when a request times out or is cancelled.
	CancelEvent string
	Logger      *slog.Logger
}

type pending struct {
	correlationID string
	targetConnID  string
	targetMachine string
	role          Role
	createdAt     time.Time
	timer         *time.Timer
	done          chan outcome
}

type outcome struct {
	reply Reply
	err   error
}

type Correlator struct {
	mu       sync.Mutex
	pending  map[string]*pending
	registry *Registry
	opts     CorrelatorOptions
	logger   *slog.Logger
	now      func() time.Time
}

func NewCorrelator(registry *Registry, opts CorrelatorOptions) *Correlator {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultRequestTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = MaxRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logs.Discard()
	}
	c := &Correlator{
		pending:  make(map[string]*pending),
		registry: registry,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
	registry.OnUnregister(func(conn *Connection) {
		c.Cancel(conn.ID)
		c.targetGone(conn.ID)
	})
	return c
}

// ClampTimeout bounds a caller-requested timeout. Zero or negative selects the default.
func (c *Correlator) ClampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return c.opts.DefaultTimeout
	}
	if d < MinRequestTimeout {
		return MinRequestTimeout
	}
	if d > c.opts.MaxTimeout {
		return c.opts.MaxTimeout
	}
	return d
}

// RequestFromRoom sends req to one member of req.Room and blocks until that member replies,
// the timeout fires, the request is cancelled or ctx is done.
func (c *Correlator) RequestFromRoom(ctx context.Context, req Request) (Reply, error) {
	if req.CorrelationID == "" || req.Room == "" || req.Event == "" {
		return Reply{}, apperr.ErrInvalidInput.WithMessage("invalid correlated request")
	}
	timeout := c.ClampTimeout(req.Timeout)

	c.mu.Lock()
	if _, busy := c.pending[req.CorrelationID]; busy {
		c.mu.Unlock()
		return Reply{}, apperr.ErrRequestInProgress
	}
	members := c.registry.members(req.Room)
	if len(members) == 0 {
		c.mu.Unlock()
		return Reply{}, apperr.ErrNoDevice
	}
	target := members[0]
	p := &pending{
		correlationID: req.CorrelationID,
		targetConnID:  target.ID,
		targetMachine: target.Identity,
		role:          req.Role,
		createdAt:     c.now(),
		done:          make(chan outcome, 1),
	}
	c.pending[req.CorrelationID] = p
	p.timer = time.AfterFunc(timeout, func() {
		if c.finish(p, outcome{err: apperr.ErrTimeout}) {
			c.logger.Warn("correlated request timed out",
				slog.String("correlation_id", p.correlationID),
				slog.String("machine_id", p.targetMachine),
				slog.Duration("timeout", timeout))
		}
	})
	c.mu.Unlock()

	payload := make(map[string]any, len(req.Payload)+3)
	for k, v := range req.Payload {
		payload[k] = v
	}
	payload["requestId"] = req.CorrelationID
	payload["timeout"] = timeout.Milliseconds()
	payload["source"] = string(req.Role)

	if err := c.registry.EmitTo(target.ID, req.Event, payload); err != nil {
		c.finish(p, outcome{err: apperr.ErrNoDevice.Wrap(err)})
	}

	select {
	case out := <-p.done:
		return out.reply, out.err
	case <-ctx.Done():
		c.finish(p, outcome{err: apperr.ErrCancelled.Wrap(ctx.Err())})
		out := <-p.done
		return out.reply, out.err
	}
}

// Resolve delivers a reply for correlationID. It reports false when no request is pending
// or the reply does not come from the target machine; such replies are dropped.
func (c *Correlator) Resolve(correlationID, machineID string, payload any) bool {
	c.mu.Lock()
	p, ok := c.pending[correlationID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping late reply",
			slog.String("correlation_id", correlationID), slog.String("machine_id", machineID))
		return false
	}
	if p.targetMachine != machineID {
		c.logger.Warn("reply from unexpected machine",
			slog.String("correlation_id", correlationID),
			slog.String("machine_id", machineID),
			slog.String("expected_machine_id", p.targetMachine))
		return false
	}
	return c.finish(p, outcome{reply: Reply{
		MachineID:    machineID,
		ConnectionID: p.targetConnID,
		Payload:      payload,
	}})
}

func (c *Correlator) Cancel(correlationID string) bool {
	c.mu.Lock()
	p, ok := c.pending[correlationID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.finish(p, outcome{err: apperr.ErrCancelled})
}

// targetGone fails every request waiting on connID with no_device.
func (c *Correlator) targetGone(connID string) {
	c.mu.Lock()
	var orphaned []*pending
	for _, p := range c.pending {
		if p.targetConnID == connID {
			orphaned = append(orphaned, p)
		}
	}
	c.mu.Unlock()

	for _, p := range orphaned {
		if c.finish(p, outcome{err: apperr.ErrNoDevice.WithMessage("Kiosk disconnected, please try again")}) {
			c.logger.Warn("correlated request target disconnected",
				slog.String("correlation_id", p.correlationID),
				slog.String("machine_id", p.targetMachine))
		}
	}
}

func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// finish settles p exactly once. The slot is released before the waiter is woken.
func (c *Correlator) finish(p *pending, out outcome) bool {
	c.mu.Lock()
	if c.pending[p.correlationID] != p {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, p.correlationID)
	c.mu.Unlock()

	p.timer.Stop()
	p.done <- out

	if out.err != nil && c.opts.CancelEvent != "" {
		code := apperr.CodeOf(out.err)
		if code == apperr.ErrTimeout.Code || code == apperr.ErrCancelled.Code {
			_ = c.registry.EmitTo(p.targetConnID, c.opts.CancelEvent, map[string]any{
				"requestId": p.correlationID,
				"reason":    code,
			})
		}
	}
	return true
}
