// Package socketio speaks the Engine.IO v4 / Socket.IO v5 text protocol over websockets
// and routes kiosk and dashboard events into the hub.
package socketio

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/auth"
	"kiosk-hub/internal/fleet"
	"kiosk-hub/internal/hub"
	"kiosk-hub/internal/logs"
	"kiosk-hub/internal/model"
	"kiosk-hub/internal/redemption"
)

const inboundQueueSize = 64

type MachineService interface {
	Authenticate(ctx context.Context, machineID, secret string) error
	Heartbeat(ctx context.Context, in fleet.HeartbeatInput) (fleet.MachineView, error)
}

type RedemptionService interface {
	Pending(ctx context.Context, machineID string, limit int) ([]model.Redemption, error)
	Acknowledge(ctx context.Context, id, machineID string) (*model.Redemption, error)
	Complete(ctx context.Context, id, machineID string) (redemption.Completion, error)
	Fail(ctx context.Context, id, machineID, reason string) (*model.Redemption, error)
}

type UserStore interface {
	EnsureUser(ctx context.Context, id, name string, now time.Time) (*model.User, error)
}

type Deps struct {
	Registry    *hub.Registry
	Correlator  *hub.Correlator
	Machines    MachineService
	Redemptions RedemptionService
	Users       UserStore
	TokenConfig auth.TokenConfig
	Logger      *slog.Logger
}

type Server struct {
	registry    *hub.Registry
	correlator  *hub.Correlator
	machines    MachineService
	redemptions RedemptionService
	users       UserStore
	tokenConfig auth.TokenConfig
	logger      *slog.Logger

	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logs.Discard()
	}
	return &Server{
		registry:    deps.Registry,
		correlator:  deps.Correlator,
		machines:    deps.Machines,
		redemptions: deps.Redemptions,
		users:       deps.Users,
		tokenConfig: deps.TokenConfig,
		logger:      logger.With(slog.String("component", "socketio")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// ServeHTTP runs one connection: the read loop decodes frames onto a queue drained by a
// single dispatcher goroutine, so per-connection state needs no locking.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)
	ctx, cancel := context.WithCancel(context.Background())

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": pingInterval.Milliseconds(),
		"pingTimeout":  pingTimeout.Milliseconds(),
		"maxPayload":   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.writeText(string(frameOpen) + string(openBytes))

	queue := make(chan inbound, inboundQueueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for in := range queue {
			s.dispatch(ctx, c, in)
		}
	}()

	go c.pingLoop()
	c.readLoop(func(msg string) {
		if in, ok := s.decodeFrame(c, msg); ok {
			queue <- in
		}
	})

	close(queue)
	cancel()
	<-done
	if c.registered && s.registry.Unregister(c.sid) {
		s.logger.Info("connection closed",
			slog.String("connection_id", c.sid),
			slog.String("role", string(c.role)),
			slog.String("identity", c.identity))
	}
}

// decodeFrame handles engine-level frames inline and turns socket packets into inbound
// values. It reports false for frames that need no dispatch.
func (s *Server) decodeFrame(c *conn, msg string) (inbound, bool) {
	if msg == "" {
		return inbound{}, false
	}
	switch msg[0] {
	case framePong:
		c.markPong()
		return inbound{}, false
	case frameClose:
		c.close()
		return inbound{}, false
	case frameMessage:
	default:
		return inbound{}, false
	}

	pkt, err := decodePacket(msg[1:])
	if err != nil {
		return inbound{}, false
	}
	switch pkt.Type {
	case packetConnect:
		in := inbound{Name: "connect", Namespace: pkt.Namespace}
		var body connectEvent
		if len(pkt.Data) > 0 {
			if err := json.Unmarshal(pkt.Data, &body); err != nil {
				in.Err = apperr.ErrInvalidInput.WithMessage("Invalid auth")
			}
		}
		in.Body = body
		return in, true
	case packetDisconnect:
		return inbound{Name: "disconnect", Body: closeEvent{}}, true
	case packetEvent:
		return decodeEvent(pkt), true
	default:
		return inbound{}, false
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, in inbound) {
	if body, ok := in.Body.(connectEvent); ok {
		s.handleConnect(ctx, c, in, body)
		return
	}
	if _, ok := in.Body.(closeEvent); ok {
		c.close()
		return
	}
	if !c.connected {
		return
	}
	if in.Err != nil {
		if in.Err == errUnknownEvent {
			c.emitError(in.Name, apperr.ErrInvalidInput.WithMessage("Unknown event "+in.Name))
			return
		}
		c.emitError(in.Name, in.Err)
		return
	}

	switch body := in.Body.(type) {
	case pingEvent:
		if in.AckID != nil {
			c.ack(in.Namespace, in.AckID)
			return
		}
		_ = c.Emit(EventPong, map[string]any{"timestamp": s.now().UTC()})
	case registerEvent:
		s.handleRegister(ctx, c, body)
	case statusEvent:
		s.onMachine(c, in, func() (any, error) {
			body.MachineID = c.identity
			return s.machines.Heartbeat(ctx, body.HeartbeatInput)
		})
	case scanResultEvent:
		s.onMachine(c, in, func() (any, error) {
			if !s.correlator.Resolve(body.RequestID, c.identity, body) {
				s.logger.Debug("dropping scan result without pending request",
					slog.String("request_id", body.RequestID), slog.String("machine_id", c.identity))
				return map[string]any{"delivered": false}, nil
			}
			return map[string]any{"delivered": true}, nil
		})
	case dispenseAckEvent:
		s.onMachine(c, in, func() (any, error) {
			return s.redemptions.Acknowledge(ctx, body.RedemptionID, c.identity)
		})
	case dispenseCompleteEvent:
		s.onMachine(c, in, func() (any, error) {
			return s.redemptions.Complete(ctx, body.RedemptionID, c.identity)
		})
	case dispenseErrorEvent:
		s.onMachine(c, in, func() (any, error) {
			return s.redemptions.Fail(ctx, body.RedemptionID, c.identity, body.Error)
		})
	case relayEvent:
		s.onMachine(c, in, func() (any, error) {
			payload := make(map[string]any, len(body.Payload)+2)
			for k, v := range body.Payload {
				payload[k] = v
			}
			payload["machineId"] = c.identity
			payload["receivedAt"] = s.now().UTC()
			s.registry.EmitToRooms(body.Name, payload, hub.RoomAdmins)
			return nil, nil
		})
	case scanRequestEvent:
		s.handleScanRequest(ctx, c, in, body)
	case scanCancelEvent:
		if !s.isClient(c) {
			c.emitError(in.Name, apperr.ErrForbidden)
			return
		}
		cancelled := s.correlator.Cancel(c.sid)
		c.ack(in.Namespace, in.AckID, map[string]any{"cancelled": cancelled})
	case commandEvent:
		s.handleCommand(c, in, body)
	}
}

func (s *Server) handleConnect(ctx context.Context, c *conn, in inbound, body connectEvent) {
	if c.connected {
		return
	}
	if in.Namespace != "/" {
		_ = c.Emit(EventError, map[string]any{"message": "Invalid namespace"})
		c.close()
		return
	}
	if in.Err != nil {
		_ = c.Emit(EventError, map[string]any{"message": apperr.From(in.Err).Message})
		c.close()
		return
	}

	if body.Token != "" {
		claims, err := auth.VerifyToken(body.Token, s.tokenConfig)
		if err != nil || claims == nil || claims.UserID == "" {
			_ = c.Emit(EventError, map[string]any{"message": "Invalid authentication token"})
			c.close()
			return
		}
		role := hub.RoleUser
		if claims.Role == auth.RoleAdmin {
			role = hub.RoleAdmin
		} else if _, err := s.users.EnsureUser(ctx, claims.UserID, claims.Name, s.now().UTC()); err != nil {
			s.logger.Error("ensuring socket user failed", slog.String("user_id", claims.UserID), slog.Any("error", err))
			_ = c.Emit(EventError, map[string]any{"message": apperr.From(err).Message})
			c.close()
			return
		}
		if _, err := s.registry.Register(&hub.Connection{ID: c.sid, Role: role, Identity: claims.UserID, Writer: c}); err != nil {
			_ = c.Emit(EventError, map[string]any{"message": apperr.From(err).Message})
			c.close()
			return
		}
		c.registered = true
		c.role = role
		c.identity = claims.UserID
	}

	c.connected = true
	p, err := connectPacket(in.Namespace, c.sid)
	if err != nil {
		return
	}
	_ = c.writeText(p.frame())
}

func (s *Server) handleRegister(ctx context.Context, c *conn, ev registerEvent) {
	fail := func(err error) {
		_ = c.Emit(EventMachineRegisterError, map[string]any{
			"machineId": ev.MachineID,
			"code":      apperr.CodeOf(err),
			"message":   apperr.From(err).Message,
		})
	}
	if c.registered && c.role != hub.RoleMachine {
		fail(apperr.ErrForbidden.WithMessage("Connection is already authenticated"))
		return
	}
	if c.registered && c.identity != ev.MachineID {
		fail(apperr.ErrConflict.WithMessage("Connection is registered as another machine"))
		return
	}
	if err := s.machines.Authenticate(ctx, ev.MachineID, ev.MachineSecret); err != nil {
		s.logger.Warn("machine registration rejected",
			slog.String("machine_id", ev.MachineID), slog.String("connection_id", c.sid), slog.Any("error", err))
		fail(err)
		return
	}

	if !c.registered {
		if _, err := s.registry.Register(&hub.Connection{ID: c.sid, Role: hub.RoleMachine, Identity: ev.MachineID, Writer: c}); err != nil {
			fail(err)
			return
		}
		c.registered = true
		c.role = hub.RoleMachine
		c.identity = ev.MachineID
		s.logger.Info("machine registered", slog.String("machine_id", ev.MachineID), slog.String("connection_id", c.sid))
	}

	_ = c.Emit(EventMachineRegisterSuccess, map[string]any{
		"machineId":    ev.MachineID,
		"connectionId": c.sid,
	})
	s.replayPending(ctx, c)
}

// replayPending pushes redemptions that were queued while the machine was away. Kiosks
// acknowledge by id, so a replayed command that was already taken is harmless.
func (s *Server) replayPending(ctx context.Context, c *conn) {
	pending, err := s.redemptions.Pending(ctx, c.identity, 0)
	if err != nil {
		s.logger.Warn("listing pending redemptions failed", slog.String("machine_id", c.identity), slog.Any("error", err))
		return
	}
	for i := range pending {
		_ = c.Emit(redemption.EventDispense, redemption.DispenseCommand(&pending[i]))
	}
}

// onMachine runs fn for a registered machine and reports the outcome: an ack when the
// client asked for one, an error event otherwise.
func (s *Server) onMachine(c *conn, in inbound, fn func() (any, error)) {
	if !c.registered || c.role != hub.RoleMachine {
		c.emitError(in.Name, apperr.ErrUnauthorized.WithMessage("Machine is not registered"))
		return
	}
	result, err := fn()
	if err != nil {
		if apperr.From(err).Kind == apperr.KindPersistence || apperr.From(err).Kind == apperr.KindInternal {
			s.logger.Error("machine event failed",
				slog.String("event", in.Name), slog.String("machine_id", c.identity), slog.Any("error", err))
		}
		if in.AckID != nil {
			c.ack(in.Namespace, in.AckID, map[string]any{
				"success": false,
				"code":    apperr.CodeOf(err),
				"error":   apperr.From(err).Message,
			})
			return
		}
		c.emitError(in.Name, err)
		return
	}
	if in.AckID != nil {
		c.ack(in.Namespace, in.AckID, map[string]any{"success": true, "data": result})
	}
}

func (s *Server) isClient(c *conn) bool {
	return c.registered && (c.role == hub.RoleUser || c.role == hub.RoleAdmin)
}

var errScanTimeout = apperr.ErrTimeout.WithMessage("No card detected, please try again")

// handleScanRequest runs the correlated request off the dispatcher so the same connection
// can still cancel it or ping while it waits.
func (s *Server) handleScanRequest(ctx context.Context, c *conn, in inbound, ev scanRequestEvent) {
	if !s.isClient(c) {
		c.emitError(in.Name, apperr.ErrUnauthorized.WithMessage("Authentication required"))
		return
	}
	room := hub.RoomMachines
	if ev.MachineID != "" {
		room = hub.MachineRoom(ev.MachineID)
	}
	req := hub.Request{
		CorrelationID: c.sid,
		Room:          room,
		Role:          c.role,
		Event:         EventScanRequest,
		Timeout:       time.Duration(ev.TimeoutMs) * time.Millisecond,
	}
	identity := c.identity

	go func() {
		reply, err := s.correlator.RequestFromRoom(ctx, req)
		if err != nil {
			if apperr.CodeOf(err) == apperr.ErrRequestInProgress.Code {
				c.emitError(in.Name, err)
				return
			}
			if apperr.CodeOf(err) == apperr.ErrTimeout.Code {
				err = errScanTimeout
			}
			s.logger.Info("scan request failed",
				slog.String("correlation_id", c.sid),
				slog.String("user_id", identity),
				slog.String("room", room),
				slog.String("code", apperr.CodeOf(err)))
			_ = c.Emit(EventScanResult, map[string]any{
				"requestId": c.sid,
				"success":   false,
				"code":      apperr.CodeOf(err),
				"message":   apperr.From(err).Message,
			})
			return
		}

		result := map[string]any{"requestId": c.sid, "machineId": reply.MachineID, "success": false}
		if r, ok := reply.Payload.(scanResultEvent); ok {
			result["success"] = r.Success && r.RFIDTag != ""
			result["message"] = r.Message
			if r.RFIDTag != "" {
				result["rfidTag"] = r.RFIDTag
			}
		}
		_ = c.Emit(EventScanResult, result)
	}()
}

func (s *Server) handleCommand(c *conn, in inbound, ev commandEvent) {
	if !c.registered || c.role != hub.RoleAdmin {
		c.emitError(in.Name, apperr.ErrForbidden.WithMessage("Admin role required"))
		return
	}
	params := ev.Params
	if params == nil {
		params = map[string]any{}
	}
	delivered := s.registry.EmitToRooms(EventMachineCommand, map[string]any{
		"machineId": ev.MachineID,
		"command":   ev.Command,
		"params":    params,
		"fromAdmin": c.identity,
	}, hub.MachineRoom(ev.MachineID))
	if delivered == 0 {
		c.emitError(in.Name, apperr.ErrNoDevice)
		return
	}
	s.logger.Info("machine command sent",
		slog.String("machine_id", ev.MachineID), slog.String("command", ev.Command), slog.String("admin_id", c.identity))
	c.ack(in.Namespace, in.AckID, map[string]any{"success": true})
}
