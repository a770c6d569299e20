package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"kiosk-hub/internal/admission"
	"kiosk-hub/internal/alert"
	"kiosk-hub/internal/auth"
	"kiosk-hub/internal/config"
	"kiosk-hub/internal/db/dbtest"
	"kiosk-hub/internal/fleet"
	"kiosk-hub/internal/hub"
	"kiosk-hub/internal/redemption"
	"kiosk-hub/internal/socketio"
	"kiosk-hub/internal/store"
)

var tokenCfg = auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}

const machineSecret = "kiosk-secret"

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.New(dbtest.Open(t))
	registry := hub.NewRegistry(nil)
	correlator := hub.NewCorrelator(registry, hub.CorrelatorOptions{CancelEvent: socketio.EventScanCancel})
	alerts := alert.NewEngine(st, nil, nil)
	fleetSvc := fleet.NewService(st, alerts, nil, fleet.Config{SharedSecret: machineSecret}, nil)
	pipeline := admission.NewPipeline(st, nil, admission.DefaultRules(), nil)
	queue := redemption.NewQueue(st, nil, redemption.Config{
		Rewards: []config.Reward{{Type: "bond_paper_1", Name: "Bond paper", Cost: 10, Quantity: 1}},
	}, nil)
	socket := socketio.NewServer(socketio.Deps{
		Registry:    registry,
		Correlator:  correlator,
		Machines:    fleetSvc,
		Redemptions: queue,
		Users:       st,
		TokenConfig: tokenCfg,
	})

	return NewRouter(Deps{
		Store:       st,
		Registry:    registry,
		Fleet:       fleetSvc,
		Pipeline:    pipeline,
		Queue:       queue,
		Alerts:      alerts,
		Socket:      socket,
		TokenConfig: tokenCfg,
		HTTP:        config.HTTPConfig{CacheTTLSeconds: 60},
	})
}

type call struct {
	method  string
	path    string
	body    any
	token   string
	machine string
	secret  string
}

func do(t *testing.T, r http.Handler, c call) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		if err := json.NewEncoder(&buf).Encode(c.body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.machine != "" {
		req.Header.Set("X-Machine-ID", c.machine)
		req.Header.Set("X-Machine-Secret", c.secret)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal %s: %v", w.Body.String(), err)
		}
	}
	return w, resp
}

func token(t *testing.T, id auth.Identity) string {
	t.Helper()
	tok, err := auth.CreateToken(id, tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return tok
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t)
	w, resp := do(t, r, call{method: http.MethodGet, path: "/health"})
	expectStatus(t, w, http.StatusOK)
	if resp["ok"] != true || resp["database"] != "ok" {
		t.Fatalf("unexpected health: %v", resp)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestMachineRoutesRequireCredentials(t *testing.T) {
	r := newTestRouter(t)

	w, resp := do(t, r, call{method: http.MethodGet, path: "/api/redemption/pending"})
	expectStatus(t, w, http.StatusUnauthorized)
	if resp["success"] != false || resp["code"] != "unauthorized" {
		t.Fatalf("unexpected body: %v", resp)
	}

	w, _ = do(t, r, call{method: http.MethodGet, path: "/api/redemption/pending", machine: "RPI_001", secret: "wrong"})
	expectStatus(t, w, http.StatusUnauthorized)
}

func TestUserRoutesRequireToken(t *testing.T) {
	r := newTestRouter(t)
	w, _ := do(t, r, call{method: http.MethodGet, path: "/api/me"})
	expectStatus(t, w, http.StatusUnauthorized)

	userTok := token(t, auth.Identity{UserID: "user-1"})
	w, _ = do(t, r, call{method: http.MethodGet, path: "/api/admin/machines", token: userTok})
	expectStatus(t, w, http.StatusForbidden)
}

func TestDepositAndRedemptionFlow(t *testing.T) {
	r := newTestRouter(t)
	userTok := token(t, auth.Identity{UserID: "user-1", Name: "Ana"})
	adminTok := token(t, auth.Identity{UserID: "admin-1", Role: auth.RoleAdmin})
	kiosk := func(method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
		return do(t, r, call{method: method, path: path, body: body, machine: "RPI_001", secret: machineSecret})
	}

	w, resp := do(t, r, call{method: http.MethodGet, path: "/api/me", token: userTok})
	expectStatus(t, w, http.StatusOK)
	if user := resp["user"].(map[string]any); user["points"] != float64(0) {
		t.Fatalf("unexpected user: %v", user)
	}

	w, _ = do(t, r, call{method: http.MethodPut, path: "/api/me/rfid", token: userTok, body: gin.H{"rfidTag": "ABCD1234"}})
	expectStatus(t, w, http.StatusOK)

	w, resp = kiosk(http.MethodPost, "/api/rfid/verify", gin.H{"rfidTag": "ABCD1234"})
	expectStatus(t, w, http.StatusOK)
	if resp["valid"] != true || resp["userName"] != "Ana" {
		t.Fatalf("unexpected verify: %v", resp)
	}

	w, resp = kiosk(http.MethodPost, "/api/rfid/verify", gin.H{"rfidTag": "ZZZZ9999"})
	expectStatus(t, w, http.StatusOK)
	if resp["valid"] != false || resp["code"] != "unknown_tag" {
		t.Fatalf("unexpected verify: %v", resp)
	}

	w, resp = kiosk(http.MethodPost, "/api/transaction/submit", gin.H{
		"rfidTag": "ABCD1234", "paperCount": 5, "timestamp": "2026-03-01T10:00:00Z",
	})
	expectStatus(t, w, http.StatusOK)
	if resp["success"] != true || resp["points"] != float64(5) || resp["newBalance"] != float64(5) {
		t.Fatalf("unexpected submit: %v", resp)
	}

	w, resp = kiosk(http.MethodPost, "/api/transaction/submit", gin.H{
		"rfidTag": "ABCD1234", "paperCount": 3, "metalDetected": true, "timestamp": "2026-03-01T10:01:00Z",
	})
	expectStatus(t, w, http.StatusOK)
	if resp["success"] != false || resp["reason"] != "contamination" {
		t.Fatalf("unexpected rejection: %v", resp)
	}

	w, _ = kiosk(http.MethodPost, "/api/transaction/submit", gin.H{
		"machineId": "RPI_999", "rfidTag": "ABCD1234", "paperCount": 3, "timestamp": "2026-03-01T10:01:00Z",
	})
	expectStatus(t, w, http.StatusForbidden)

	w, resp = do(t, r, call{method: http.MethodGet, path: "/api/me/transactions", token: userTok})
	expectStatus(t, w, http.StatusOK)
	if txs := resp["transactions"].([]any); len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}

	w, resp = do(t, r, call{method: http.MethodPost, path: "/api/redemption/request", token: userTok, body: gin.H{"rewardType": "bond_paper_1"}})
	expectStatus(t, w, http.StatusUnprocessableEntity)
	if resp["code"] != "insufficient_points" {
		t.Fatalf("unexpected body: %v", resp)
	}

	w, resp = do(t, r, call{method: http.MethodPost, path: "/api/admin/users/user-1/points", token: adminTok, body: gin.H{"delta": 20}})
	expectStatus(t, w, http.StatusOK)
	if resp["newBalance"] != float64(25) {
		t.Fatalf("unexpected adjust: %v", resp)
	}

	w, resp = do(t, r, call{method: http.MethodPost, path: "/api/redemption/request", token: userTok, body: gin.H{"rewardType": "bond_paper_1"}})
	expectStatus(t, w, http.StatusCreated)
	if resp["newBalance"] != float64(15) {
		t.Fatalf("unexpected redemption: %v", resp)
	}
	redemptionID := resp["redemption"].(map[string]any)["id"].(string)

	w, resp = kiosk(http.MethodGet, "/api/redemption/pending", nil)
	expectStatus(t, w, http.StatusOK)
	pending := resp["redemptions"].([]any)
	if len(pending) != 1 || pending[0].(map[string]any)["redemptionId"] != redemptionID {
		t.Fatalf("unexpected pending: %v", pending)
	}

	w, resp = kiosk(http.MethodPost, "/api/redemption/dispense", gin.H{"redemptionId": redemptionID})
	expectStatus(t, w, http.StatusOK)
	if resp["alreadyCompleted"] != false {
		t.Fatalf("unexpected completion: %v", resp)
	}
	w, resp = kiosk(http.MethodPost, "/api/redemption/dispense", gin.H{"redemptionId": redemptionID})
	expectStatus(t, w, http.StatusOK)
	if resp["alreadyCompleted"] != true {
		t.Fatalf("expected repeated completion to be a no-op: %v", resp)
	}

	w, resp = do(t, r, call{method: http.MethodGet, path: "/api/me", token: userTok})
	expectStatus(t, w, http.StatusOK)
	if user := resp["user"].(map[string]any); user["points"] != float64(15) || user["totalBondsEarned"] != float64(1) {
		t.Fatalf("unexpected user: %v", user)
	}
}

func TestHeartbeatRaisesAlertAndAdminCanResolve(t *testing.T) {
	r := newTestRouter(t)
	adminTok := token(t, auth.Identity{UserID: "admin-1", Role: auth.RoleAdmin})

	w, resp := do(t, r, call{
		method: http.MethodPost, path: "/api/machine/heartbeat", machine: "RPI_001", secret: machineSecret,
		body: gin.H{"status": "online", "bondPaperStock": 10, "bondPaperCapacity": 100, "sensorHealth": gin.H{"rfid": "ok"}},
	})
	expectStatus(t, w, http.StatusOK)
	if m := resp["machine"].(map[string]any); m["online"] != true {
		t.Fatalf("unexpected machine: %v", m)
	}

	w, resp = do(t, r, call{method: http.MethodGet, path: "/api/admin/alerts?state=active", token: adminTok})
	expectStatus(t, w, http.StatusOK)
	alerts := resp["alerts"].([]any)
	if len(alerts) != 1 || alerts[0].(map[string]any)["type"] != "stock_critical" {
		t.Fatalf("unexpected alerts: %v", alerts)
	}
	alertID := alerts[0].(map[string]any)["id"].(string)

	w, _ = do(t, r, call{method: http.MethodPost, path: "/api/admin/alerts/" + alertID + "/resolve", token: adminTok})
	expectStatus(t, w, http.StatusOK)
	w, _ = do(t, r, call{method: http.MethodPost, path: "/api/admin/alerts/" + alertID + "/dismiss", token: adminTok})
	expectStatus(t, w, http.StatusConflict)
}

func TestAdminMachinesCache(t *testing.T) {
	r := newTestRouter(t)
	adminTok := token(t, auth.Identity{UserID: "admin-1", Role: auth.RoleAdmin})

	w, _ := do(t, r, call{method: http.MethodGet, path: "/api/admin/machines", token: adminTok})
	expectStatus(t, w, http.StatusOK)
	w, _ = do(t, r, call{method: http.MethodGet, path: "/api/admin/machines", token: adminTok})
	if w.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("expected cached response")
	}

	w, _ = do(t, r, call{method: http.MethodPost, path: "/api/admin/machines", token: adminTok,
		body: gin.H{"id": "RPI_002", "name": "Library", "secret": "own-secret-1"}})
	expectStatus(t, w, http.StatusCreated)

	w, resp := do(t, r, call{method: http.MethodGet, path: "/api/admin/machines", token: adminTok})
	if w.Header().Get("X-Cache") == "HIT" {
		t.Fatalf("expected provisioning to flush the cache")
	}
	if machines := resp["machines"].([]any); len(machines) != 1 {
		t.Fatalf("unexpected machines: %v", machines)
	}

	w, _ = do(t, r, call{method: http.MethodGet, path: "/api/redemption/pending", machine: "RPI_002", secret: machineSecret})
	expectStatus(t, w, http.StatusUnauthorized)
	w, _ = do(t, r, call{method: http.MethodGet, path: "/api/redemption/pending", machine: "RPI_002", secret: "own-secret-1"})
	expectStatus(t, w, http.StatusOK)
}

func TestSocketIOMounted(t *testing.T) {
	r := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.HasPrefix(string(data), "0{") || !strings.Contains(string(data), "\"pingInterval\"") {
		t.Fatalf("unexpected open packet: %s", data)
	}
}
