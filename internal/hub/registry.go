package hub

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/logs"
)

type Role string

const (
	RoleMachine Role = "machine"
	RoleAdmin   Role = "admin"
	RoleUser    Role = "user"
)

func (r Role) Valid() bool {
	return r == RoleMachine || r == RoleAdmin || r == RoleUser
}

const (
	RoomMachines = "machines"
	RoomAdmins   = "admins"

	EventMachineConnected    = "machineConnected"
	EventMachineDisconnected = "machineDisconnected"
)

func MachineRoom(machineID string) string { return "machine:" + machineID }
func UserRoom(userID string) string       { return "user:" + userID }
func AdminRoom(adminID string) string     { return "admin:" + adminID }

type Writer interface {
	Emit(event string, payload any) error
	Close() error
}

type Connection struct {
	ID       string
	Role     Role
	Identity string
	Writer   Writer

	seq   uint64
	rooms map[string]struct{}
}

// Registry tracks live connections and their room memberships. It holds no persistent
// state and is rebuilt from reconnecting clients after a restart.
type Registry struct {
	mu    sync.RWMutex
	seq   uint64
	conns map[string]*Connection
	rooms map[string]map[string]*Connection
	// machine id -> connection id; a machine has at most one live connection
	machines map[string]string

	hooksMu sync.RWMutex
	hooks   []func(*Connection)

	logger *slog.Logger
	now    func() time.Time
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logs.Discard()
	}
	return &Registry{
		conns:    make(map[string]*Connection),
		rooms:    make(map[string]map[string]*Connection),
		machines: make(map[string]string),
		logger:   logger,
		now:      time.Now,
	}
}

// OnUnregister adds fn to the hooks run after a connection leaves the registry.
// Hooks run without registry locks held.
func (r *Registry) OnUnregister(fn func(*Connection)) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMu.Unlock()
}

// Register adds conn and joins its role rooms. Registering a machine id that already has
// a live connection evicts the older connection, which is returned.
func (r *Registry) Register(conn *Connection) (*Connection, error) {
	if conn == nil || conn.ID == "" || conn.Writer == nil {
		return nil, apperr.ErrInvalidInput.WithMessage("invalid connection")
	}
	if !conn.Role.Valid() || conn.Identity == "" {
		return nil, apperr.ErrInvalidInput.WithMessage("invalid connection role or identity")
	}

	r.mu.Lock()
	if _, exists := r.conns[conn.ID]; exists {
		r.mu.Unlock()
		return nil, apperr.ErrConflict.WithMessage("connection already registered")
	}

	var evicted *Connection
	if conn.Role == RoleMachine {
		if oldID, ok := r.machines[conn.Identity]; ok {
			evicted = r.removeLocked(oldID)
		}
		r.machines[conn.Identity] = conn.ID
	}

	r.seq++
	conn.seq = r.seq
	conn.rooms = make(map[string]struct{})
	r.conns[conn.ID] = conn
	for _, room := range defaultRooms(conn) {
		r.joinLocked(conn, room)
	}
	r.mu.Unlock()

	if evicted != nil {
		r.logger.Info("machine reconnected, evicting previous connection",
			slog.String("machine_id", conn.Identity),
			slog.String("old_connection_id", evicted.ID),
			slog.String("connection_id", conn.ID))
		_ = evicted.Writer.Close()
		r.afterRemove(evicted)
	}

	if conn.Role == RoleMachine {
		r.EmitToRooms(EventMachineConnected, map[string]any{
			"machineId":   conn.Identity,
			"connectedAt": r.now().UTC(),
		}, RoomAdmins)
	}
	return evicted, nil
}

func defaultRooms(conn *Connection) []string {
	switch conn.Role {
	case RoleMachine:
		return []string{MachineRoom(conn.Identity), RoomMachines}
	case RoleAdmin:
		return []string{AdminRoom(conn.Identity), RoomAdmins}
	default:
		return []string{UserRoom(conn.Identity)}
	}
}

func (r *Registry) JoinRoom(connID, room string) error {
	if room == "" {
		return apperr.ErrInvalidInput.WithMessage("empty room")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok {
		return apperr.ErrNotFound.WithMessage("connection not found")
	}
	r.joinLocked(conn, room)
	return nil
}

func (r *Registry) joinLocked(conn *Connection, room string) {
	set, ok := r.rooms[room]
	if !ok {
		set = make(map[string]*Connection)
		r.rooms[room] = set
	}
	set[conn.ID] = conn
	conn.rooms[room] = struct{}{}
}

// Unregister removes the connection from every room. Safe to call more than once;
// only the first call reports true and runs the unregister hooks.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	conn := r.removeLocked(connID)
	r.mu.Unlock()
	if conn == nil {
		return false
	}
	r.afterRemove(conn)
	return true
}

func (r *Registry) removeLocked(connID string) *Connection {
	conn, ok := r.conns[connID]
	if !ok {
		return nil
	}
	delete(r.conns, connID)
	for room := range conn.rooms {
		set := r.rooms[room]
		delete(set, connID)
		if len(set) == 0 {
			delete(r.rooms, room)
		}
	}
	if conn.Role == RoleMachine && r.machines[conn.Identity] == connID {
		delete(r.machines, conn.Identity)
	}
	return conn
}

func (r *Registry) afterRemove(conn *Connection) {
	r.hooksMu.RLock()
	hooks := append([]func(*Connection){}, r.hooks...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(conn)
	}

	if conn.Role == RoleMachine {
		r.EmitToRooms(EventMachineDisconnected, map[string]any{
			"machineId":      conn.Identity,
			"disconnectedAt": r.now().UTC(),
		}, RoomAdmins)
	}
}

func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// LookupByIdentity returns the connection bound to identity. Users and admins may hold
// several connections; the most recent one is returned.
func (r *Registry) LookupByIdentity(role Role, identity string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if role == RoleMachine {
		id, ok := r.machines[identity]
		return id, ok
	}
	var best *Connection
	for _, conn := range r.conns {
		if conn.Role == role && conn.Identity == identity && (best == nil || conn.seq > best.seq) {
			best = conn
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

// ListRoomMembers returns connection ids in registration order, oldest first.
func (r *Registry) ListRoomMembers(room string) []string {
	members := r.members(room)
	ids := make([]string, len(members))
	for i, c := range members {
		ids[i] = c.ID
	}
	return ids
}

func (r *Registry) members(room string) []*Connection {
	r.mu.RLock()
	set := r.rooms[room]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *Registry) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(conn.rooms))
	for room := range conn.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// EmitToRooms writes event once to every connection in any of rooms. Connections whose
// write fails are closed and unregistered. It returns the number of successful writes.
func (r *Registry) EmitToRooms(event string, payload any, rooms ...string) int {
	seen := make(map[string]struct{})
	var targets []*Connection
	r.mu.RLock()
	for _, room := range rooms {
		for id, c := range r.rooms[room] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	var failed []*Connection
	for _, c := range targets {
		if err := c.Writer.Emit(event, payload); err != nil {
			failed = append(failed, c)
			continue
		}
		delivered++
	}
	for _, c := range failed {
		r.logger.Warn("dropping connection after failed write",
			slog.String("connection_id", c.ID), slog.String("event", event))
		_ = c.Writer.Close()
		r.Unregister(c.ID)
	}
	return delivered
}

func (r *Registry) EmitTo(connID, event string, payload any) error {
	conn, ok := r.Get(connID)
	if !ok {
		return apperr.ErrNotFound.WithMessage("connection not found")
	}
	if err := conn.Writer.Emit(event, payload); err != nil {
		_ = conn.Writer.Close()
		r.Unregister(connID)
		return err
	}
	return nil
}
