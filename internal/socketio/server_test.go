package socketio

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/auth"
	"kiosk-hub/internal/fleet"
	"kiosk-hub/internal/hub"
	"kiosk-hub/internal/model"
	"kiosk-hub/internal/redemption"
)

var tokenCfg = auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}

type stubMachines struct {
	mu         sync.Mutex
	heartbeats []fleet.HeartbeatInput
}

func (s *stubMachines) Authenticate(_ context.Context, machineID, secret string) error {
	if secret != "kiosk-secret" {
		return apperr.ErrUnauthorized.WithMessage("Invalid machine credentials")
	}
	return nil
}

func (s *stubMachines) Heartbeat(_ context.Context, in fleet.HeartbeatInput) (fleet.MachineView, error) {
	s.mu.Lock()
	s.heartbeats = append(s.heartbeats, in)
	s.mu.Unlock()
	return fleet.MachineView{Machine: model.Machine{ID: in.MachineID}, Online: true}, nil
}

type stubRedemptions struct {
	pending []model.Redemption

	mu        sync.Mutex
	completed []string
}

func (s *stubRedemptions) Pending(context.Context, string, int) ([]model.Redemption, error) {
	return s.pending, nil
}

func (s *stubRedemptions) Acknowledge(_ context.Context, id, machineID string) (*model.Redemption, error) {
	return &model.Redemption{ID: id, MachineID: machineID, State: model.RedemptionDispatched}, nil
}

func (s *stubRedemptions) Complete(_ context.Context, id, machineID string) (redemption.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
	return redemption.Completion{Redemption: &model.Redemption{ID: id, MachineID: machineID, State: model.RedemptionCompleted}}, nil
}

func (s *stubRedemptions) Fail(_ context.Context, id, _, _ string) (*model.Redemption, error) {
	return nil, apperr.ErrNotFound.WithMessage("redemption not found: " + id)
}

type stubUsers struct{}

func (stubUsers) EnsureUser(_ context.Context, id, name string, now time.Time) (*model.User, error) {
	return &model.User{ID: id, Name: name, CreatedAt: now}, nil
}

type fixture struct {
	url         string
	registry    *hub.Registry
	machines    *stubMachines
	redemptions *stubRedemptions
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := hub.NewRegistry(nil)
	correlator := hub.NewCorrelator(registry, hub.CorrelatorOptions{CancelEvent: EventScanCancel})
	f := &fixture{
		registry:    registry,
		machines:    &stubMachines{},
		redemptions: &stubRedemptions{},
	}
	srv := httptest.NewServer(NewServer(Deps{
		Registry:    registry,
		Correlator:  correlator,
		Machines:    f.machines,
		Redemptions: f.redemptions,
		Users:       stubUsers{},
		TokenConfig: tokenCfg,
	}))
	t.Cleanup(srv.Close)
	f.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
	return f
}

func waitForPrefix(t *testing.T, c *websocket.Conn, prefix string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, data, err := c.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.Fatalf("ReadMessage: %v", err)
		}
		msg := string(data)
		if msg == "2" {
			_ = c.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		if strings.HasPrefix(msg, prefix) {
			_ = c.SetReadDeadline(time.Time{})
			return msg
		}
	}
	t.Fatalf("timeout waiting for %q", prefix)
	return ""
}

// eventArg decodes the first argument of a `42["event",{...}]` frame.
func eventArg(t *testing.T, msg string) map[string]any {
	t.Helper()
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimPrefix(msg, "42")), &arr); err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
	if len(arr) < 2 {
		t.Fatalf("event has no payload: %s", msg)
	}
	var out map[string]any
	if err := json.Unmarshal(arr[1], &out); err != nil {
		t.Fatalf("decode payload %s: %v", msg, err)
	}
	return out
}

func send(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("WriteMessage(%s): %v", msg, err)
	}
}

func emit(t *testing.T, c *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal([]any{event, payload})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	send(t, c, "42"+string(data))
}

func dial(t *testing.T, f *fixture, token string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	open := waitForPrefix(t, c, "0{", 2*time.Second)
	if !strings.Contains(open, "\"pingInterval\"") {
		t.Fatalf("unexpected open packet: %s", open)
	}
	connect := "40"
	if token != "" {
		authBytes, _ := json.Marshal(map[string]any{"token": token})
		connect += string(authBytes)
	}
	send(t, c, connect)
	_ = waitForPrefix(t, c, "40", 2*time.Second)
	return c
}

func dialMachine(t *testing.T, f *fixture, machineID string) *websocket.Conn {
	t.Helper()
	c := dial(t, f, "")
	emit(t, c, EventMachineRegister, map[string]any{"machineId": machineID, "machineSecret": "kiosk-secret"})
	msg := waitForPrefix(t, c, `42["machine:register:`, 2*time.Second)
	if !strings.HasPrefix(msg, `42["`+EventMachineRegisterSuccess+`"`) {
		t.Fatalf("expected registration success, got %s", msg)
	}
	return c
}

func userToken(t *testing.T, id auth.Identity) string {
	t.Helper()
	tok, err := auth.CreateToken(id, tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return tok
}

func TestHandshakeAndPingAck(t *testing.T) {
	f := newFixture(t)
	c := dial(t, f, "")

	send(t, c, `421["ping"]`)
	ack := waitForPrefix(t, c, "431", 2*time.Second)
	if ack != "431[]" {
		t.Fatalf("unexpected ack: %s", ack)
	}
}

func TestConnectRejectsInvalidToken(t *testing.T) {
	f := newFixture(t)
	c, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	_ = waitForPrefix(t, c, "0{", 2*time.Second)

	send(t, c, `40{"token":"garbage"}`)
	msg := waitForPrefix(t, c, `42["error"`, 2*time.Second)
	if !strings.Contains(msg, "Invalid authentication token") {
		t.Fatalf("unexpected error: %s", msg)
	}
}

func TestMachineRegister(t *testing.T) {
	f := newFixture(t)
	dialMachine(t, f, "RPI_001")
	if members := f.registry.ListRoomMembers(hub.MachineRoom("RPI_001")); len(members) != 1 {
		t.Fatalf("expected machine room membership, got %v", members)
	}

	bad := dial(t, f, "")
	emit(t, bad, EventMachineRegister, map[string]any{"machineId": "RPI_002", "machineSecret": "wrong"})
	msg := waitForPrefix(t, bad, `42["machine:register:`, 2*time.Second)
	if !strings.HasPrefix(msg, `42["`+EventMachineRegisterError+`"`) {
		t.Fatalf("expected registration error, got %s", msg)
	}
	if members := f.registry.ListRoomMembers(hub.MachineRoom("RPI_002")); len(members) != 0 {
		t.Fatalf("rejected machine must not join rooms")
	}
}

func TestMachineRegisterReplaysPending(t *testing.T) {
	f := newFixture(t)
	f.redemptions.pending = []model.Redemption{{ID: "r-1", RewardType: "bond_paper", Quantity: 1, Cost: 10, UserID: "user-1"}}

	c := dialMachine(t, f, "RPI_001")
	msg := waitForPrefix(t, c, `42["redemption:dispense"`, 2*time.Second)
	if got := eventArg(t, msg)["redemptionId"]; got != "r-1" {
		t.Fatalf("expected replayed redemption r-1, got %v", got)
	}
}

func TestMachineEventsRequireRegistration(t *testing.T) {
	f := newFixture(t)
	c := dial(t, f, "")

	emit(t, c, EventMachineStatus, map[string]any{"sensorHealth": map[string]string{"rfid": "ok"}})
	msg := waitForPrefix(t, c, `42["error"`, 2*time.Second)
	if got := eventArg(t, msg)["code"]; got != "unauthorized" {
		t.Fatalf("expected unauthorized, got %v", got)
	}
}

func TestHeartbeatUsesConnectionIdentity(t *testing.T) {
	f := newFixture(t)
	c := dialMachine(t, f, "RPI_001")

	send(t, c, `427["machine:status",{"machineId":"SPOOFED","sensorHealth":{"rfid":"ok"}}]`)
	ack := waitForPrefix(t, c, "437", 2*time.Second)
	if !strings.Contains(ack, `"success":true`) {
		t.Fatalf("unexpected ack: %s", ack)
	}

	f.machines.mu.Lock()
	defer f.machines.mu.Unlock()
	if len(f.machines.heartbeats) != 1 || f.machines.heartbeats[0].MachineID != "RPI_001" {
		t.Fatalf("unexpected heartbeats: %+v", f.machines.heartbeats)
	}
}

func TestDispenseCompleteAndError(t *testing.T) {
	f := newFixture(t)
	c := dialMachine(t, f, "RPI_001")

	send(t, c, `423["redemption:dispense:complete",{"redemptionId":"r-9"}]`)
	ack := waitForPrefix(t, c, "433", 2*time.Second)
	if !strings.Contains(ack, `"success":true`) {
		t.Fatalf("unexpected ack: %s", ack)
	}

	emit(t, c, EventDispenseError, map[string]any{"redemptionId": "missing", "error": "jam"})
	msg := waitForPrefix(t, c, `42["error"`, 2*time.Second)
	if got := eventArg(t, msg)["code"]; got != "not_found" {
		t.Fatalf("expected not_found, got %v", got)
	}
}

func TestScanRequestRoundTrip(t *testing.T) {
	f := newFixture(t)
	machine := dialMachine(t, f, "RPI_001")
	user := dial(t, f, userToken(t, auth.Identity{UserID: "user-1", Name: "Ana"}))

	emit(t, user, EventScanRequest, map[string]any{"timeout": 5000})
	req := eventArg(t, waitForPrefix(t, machine, `42["rfid:scan_request"`, 2*time.Second))
	requestID, _ := req["requestId"].(string)
	if requestID == "" || req["source"] != "user" || req["timeout"] != float64(5000) {
		t.Fatalf("unexpected scan request: %v", req)
	}

	emit(t, machine, EventScanResult, map[string]any{
		"requestId": requestID,
		"rfidTag":   "ABCD1234",
		"success":   true,
		"message":   "RFID card scanned successfully",
	})
	res := eventArg(t, waitForPrefix(t, user, `42["rfid:scan_result"`, 2*time.Second))
	if res["success"] != true || res["rfidTag"] != "ABCD1234" || res["machineId"] != "RPI_001" {
		t.Fatalf("unexpected scan result: %v", res)
	}
}

func TestScanRequestWithoutMachine(t *testing.T) {
	f := newFixture(t)
	user := dial(t, f, userToken(t, auth.Identity{UserID: "user-1"}))

	emit(t, user, EventScanRequest, map[string]any{"machineId": "RPI_404"})
	res := eventArg(t, waitForPrefix(t, user, `42["rfid:scan_result"`, 2*time.Second))
	if res["success"] != false || res["code"] != "no_device" {
		t.Fatalf("unexpected scan result: %v", res)
	}
}

func TestScanRequestTimeout(t *testing.T) {
	f := newFixture(t)
	machine := dialMachine(t, f, "RPI_001")
	user := dial(t, f, userToken(t, auth.Identity{UserID: "user-1"}))

	emit(t, user, EventScanRequest, map[string]any{"timeout": 1000})
	_ = waitForPrefix(t, machine, `42["rfid:scan_request"`, 2*time.Second)

	res := eventArg(t, waitForPrefix(t, user, `42["rfid:scan_result"`, 3*time.Second))
	if res["code"] != "timeout" || res["message"] != "No card detected, please try again" {
		t.Fatalf("unexpected scan result: %v", res)
	}
	_ = waitForPrefix(t, machine, `42["rfid:scan_cancel"`, 2*time.Second)
}

func TestScanRequestRequiresClient(t *testing.T) {
	f := newFixture(t)
	c := dial(t, f, "")

	emit(t, c, EventScanRequest, map[string]any{})
	msg := waitForPrefix(t, c, `42["error"`, 2*time.Second)
	if got := eventArg(t, msg)["code"]; got != "unauthorized" {
		t.Fatalf("expected unauthorized, got %v", got)
	}
}

func TestAdminCommandForwarded(t *testing.T) {
	f := newFixture(t)
	machine := dialMachine(t, f, "RPI_001")
	admin := dial(t, f, userToken(t, auth.Identity{UserID: "admin-1", Role: auth.RoleAdmin}))

	send(t, admin, `425["machine:command",{"machineId":"RPI_001","command":"restart","params":{"delay":1}}]`)
	cmd := eventArg(t, waitForPrefix(t, machine, `42["machine:command"`, 2*time.Second))
	if cmd["command"] != "restart" || cmd["fromAdmin"] != "admin-1" {
		t.Fatalf("unexpected command: %v", cmd)
	}
	_ = waitForPrefix(t, admin, "435", 2*time.Second)

	user := dial(t, f, userToken(t, auth.Identity{UserID: "user-1"}))
	emit(t, user, EventMachineCommand, map[string]any{"machineId": "RPI_001", "command": "restart"})
	msg := waitForPrefix(t, user, `42["error"`, 2*time.Second)
	if got := eventArg(t, msg)["code"]; got != "forbidden" {
		t.Fatalf("expected forbidden, got %v", got)
	}
}

func TestSensorDataRelayedToAdmins(t *testing.T) {
	f := newFixture(t)
	admin := dial(t, f, userToken(t, auth.Identity{UserID: "admin-1", Role: auth.RoleAdmin}))
	machine := dialMachine(t, f, "RPI_001")

	emit(t, machine, EventSensorData, map[string]any{"weight": 12.5})
	got := eventArg(t, waitForPrefix(t, admin, `42["sensor:data"`, 2*time.Second))
	if got["machineId"] != "RPI_001" || got["weight"] != 12.5 {
		t.Fatalf("unexpected relay: %v", got)
	}
}

func TestUnknownEvent(t *testing.T) {
	f := newFixture(t)
	c := dial(t, f, "")

	emit(t, c, "does:not:exist", map[string]any{})
	msg := waitForPrefix(t, c, `42["error"`, 2*time.Second)
	if got := eventArg(t, msg)["event"]; got != "does:not:exist" {
		t.Fatalf("unexpected error payload: %s", msg)
	}
}

func TestMachineDisconnectNotifiesAdmins(t *testing.T) {
	f := newFixture(t)
	admin := dial(t, f, userToken(t, auth.Identity{UserID: "admin-1", Role: auth.RoleAdmin}))
	machine := dialMachine(t, f, "RPI_001")
	_ = waitForPrefix(t, admin, `42["machineConnected"`, 2*time.Second)

	_ = machine.Close()
	got := eventArg(t, waitForPrefix(t, admin, `42["machineDisconnected"`, 2*time.Second))
	if got["machineId"] != "RPI_001" {
		t.Fatalf("unexpected payload: %v", got)
	}
}
