package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-souliss/internal/bridges/souliss"
	"github.com/nerrad567/gray-logic-souliss/internal/device"
	"github.com/nerrad567/gray-logic-souliss/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-souliss/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-souliss/internal/infrastructure/logging"
	_ "github.com/nerrad567/gray-logic-souliss/migrations"
)

// mockBridge implements Bridge for testing.
type mockBridge struct {
	mu        sync.Mutex
	gateways  []souliss.GatewayStatus
	slots     []souliss.SlotInfo
	topics    []souliss.TopicInfo
	queue     []souliss.PacketInfo
	metrics   souliss.BridgeMetrics
	commands  []souliss.CommandMessage
	requests  []souliss.RequestMessage
	ackError  *souliss.AckError
	respError *souliss.AckError
}

func newMockBridge() *mockBridge {
	return &mockBridge{
		gateways: []souliss.GatewayStatus{{ID: "hall", Address: "192.168.1.77:230", Online: true, Slots: 1}},
		slots:    []souliss.SlotInfo{{Node: 1, Slot: 0, Typical: "T11", Name: "on/off"}},
		topics:   []souliss.TopicInfo{{Number: "0x0001", Variant: "0x01"}},
		queue:    []souliss.PacketInfo{{Function: "force", Node: 1, Payload: "01"}},
		metrics:  souliss.BridgeMetrics{Gateways: 1, GatewaysOnline: 1, MQTTConnected: true},
	}
}

func (m *mockBridge) find(id string) (souliss.GatewayStatus, error) {
	for _, g := range m.gateways {
		if g.ID == id {
			return g, nil
		}
	}
	return souliss.GatewayStatus{}, fmt.Errorf("%w: %q", souliss.ErrGatewayNotFound, id)
}

func (m *mockBridge) GatewayStatuses() []souliss.GatewayStatus { return m.gateways }

func (m *mockBridge) GatewayStatus(id string) (souliss.GatewayStatus, error) { return m.find(id) }

func (m *mockBridge) GatewaySlots(id string) ([]souliss.SlotInfo, error) {
	if _, err := m.find(id); err != nil {
		return nil, err
	}
	return m.slots, nil
}

func (m *mockBridge) GatewayTopics(id string) ([]souliss.TopicInfo, error) {
	if _, err := m.find(id); err != nil {
		return nil, err
	}
	return m.topics, nil
}

func (m *mockBridge) GatewayQueue(id string) ([]souliss.PacketInfo, error) {
	if _, err := m.find(id); err != nil {
		return nil, err
	}
	return m.queue, nil
}

func (m *mockBridge) Metrics() souliss.BridgeMetrics { return m.metrics }

func (m *mockBridge) ExecuteCommand(cmd souliss.CommandMessage) souliss.AckMessage {
	m.mu.Lock()
	m.commands = append(m.commands, cmd)
	m.mu.Unlock()

	ack := souliss.AckMessage{CommandID: cmd.ID, Gateway: cmd.Gateway, Status: souliss.AckQueued, Protocol: souliss.Protocol}
	if cmd.Node != nil {
		ack.Node = *cmd.Node
	}
	if cmd.Slot != nil {
		ack.Slot = *cmd.Slot
	}
	if m.ackError != nil {
		ack.Status = souliss.AckFailed
		ack.Error = m.ackError
	}
	return ack
}

func (m *mockBridge) ExecuteRequest(_ context.Context, req souliss.RequestMessage) souliss.ResponseMessage {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.respError != nil {
		return souliss.ResponseMessage{RequestID: req.RequestID, Error: m.respError}
	}
	return souliss.ResponseMessage{RequestID: req.RequestID, Success: true, Data: map[string]any{"queued": req.Action}}
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard, config.LoggingConfig{Level: "error", Format: "text"}, "test")
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
}

type testEnv struct {
	srv     *Server
	bridge  *mockBridge
	repo    *device.SQLiteRepository
	history *device.SQLiteStateHistoryRepository
	router  http.Handler
}

// newTestEnv creates a Server backed by a mock bridge and a migrated SQLite store.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "api.db"), WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	env := &testEnv{
		bridge:  newMockBridge(),
		repo:    device.NewSQLiteRepository(db),
		history: device.NewSQLiteStateHistoryRepository(db),
	}

	env.srv, err = New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:      testWSConfig(),
		Logger:  testLogger(),
		Bridge:  env.bridge,
		Store:   env.repo,
		History: env.history,
		DB:      db,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	env.router = env.srv.buildRouter()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return resp
}

// ─── Construction ──────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	if _, err := New(Deps{Bridge: newMockBridge()}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without bridge should fail")
	}
}

func TestServer_StartClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.srv.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := env.srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := env.srv.Start(ctx); err == nil {
		t.Error("second Start() should fail")
	}
	if err := env.srv.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	resp, err := http.Get("http://" + env.srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health status = %d, want 200", resp.StatusCode)
	}

	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := env.srv.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

// ─── Health, Middleware ────────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	resp := decodeBody(t, w)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}

	env.bridge.metrics.MQTTConnected = false
	resp = decodeBody(t, env.do(t, http.MethodGet, "/api/v1/health", ""))
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded when MQTT is down", resp["status"])
	}
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if id := w.Header().Get("X-Request-ID"); len(id) != 36 {
		t.Errorf("generated X-Request-ID = %q, want a UUID", id)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-abc")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if id := w.Header().Get("X-Request-ID"); id != "client-abc" {
		t.Errorf("X-Request-ID = %q, want client-abc", id)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/gateways", nil)
	req.Header.Set("Origin", "http://panel.local")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://panel.local" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	env := newTestEnv(t)
	env.srv.cfg.CORS.AllowedOrigins = []string{"http://admin.local"}
	env.router = env.srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want empty", got)
	}
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/nothing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if resp := decodeBody(t, w); resp["code"] != ErrCodeNotFound {
		t.Errorf("code = %v, want %s", resp["code"], ErrCodeNotFound)
	}
}

func TestRecovery(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ─── Gateway Endpoints ─────────────────────────────────────────────

func TestListGateways(t *testing.T) {
	env := newTestEnv(t)

	resp := decodeBody(t, env.do(t, http.MethodGet, "/api/v1/gateways", ""))
	if resp["count"] != float64(1) {
		t.Errorf("count = %v, want 1", resp["count"])
	}
}

func TestGetGateway(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/gateways/hall", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if resp := decodeBody(t, w); resp["id"] != "hall" || resp["online"] != true {
		t.Errorf("gateway = %v", resp)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/gateways/garage", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown gateway status = %d, want 404", w.Code)
	}
}

func TestGatewayLiveViews(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		path string
		key  string
	}{
		{"/api/v1/gateways/hall/slots", "slots"},
		{"/api/v1/gateways/hall/topics", "topics"},
		{"/api/v1/gateways/hall/queue", "packets"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			w := env.do(t, http.MethodGet, tt.path, "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			list, ok := decodeBody(t, w)[tt.key].([]any)
			if !ok || len(list) != 1 {
				t.Errorf("%s = %v, want one entry", tt.key, list)
			}

			unknown := strings.Replace(tt.path, "hall", "garage", 1)
			if w := env.do(t, http.MethodGet, unknown, ""); w.Code != http.StatusNotFound {
				t.Errorf("unknown gateway status = %d, want 404", w.Code)
			}
		})
	}
}

func TestListStoredSlots(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w := env.do(t, http.MethodGet, "/api/v1/gateways/hall/stored", "")
	if resp := decodeBody(t, w); resp["count"] != float64(0) {
		t.Errorf("empty store count = %v, want 0", resp["count"])
	}

	if err := env.repo.SaveTypical(ctx, "hall", 1, 0, 0x11); err != nil {
		t.Fatalf("SaveTypical() error = %v", err)
	}
	if err := env.repo.SaveSlotState(ctx, "hall", 1, 0, []byte{0x01}, map[string]any{"on": true}); err != nil {
		t.Fatalf("SaveSlotState() error = %v", err)
	}

	resp := decodeBody(t, env.do(t, http.MethodGet, "/api/v1/gateways/hall/stored", ""))
	slots, _ := resp["slots"].([]any) //nolint:errcheck // checked by length
	if len(slots) != 1 {
		t.Fatalf("slots = %v, want 1", resp["slots"])
	}
	slot, _ := slots[0].(map[string]any) //nolint:errcheck // nil map fails below
	if slot["raw"] != "01" || slot["typical"] != float64(0x11) {
		t.Errorf("slot = %v", slot)
	}
}

func TestListNodeHealth(t *testing.T) {
	env := newTestEnv(t)

	if err := env.repo.SaveNodeHealth(context.Background(), "hall", 2, 0xFF); err != nil {
		t.Fatalf("SaveNodeHealth() error = %v", err)
	}

	resp := decodeBody(t, env.do(t, http.MethodGet, "/api/v1/gateways/hall/nodes", ""))
	if resp["count"] != float64(1) {
		t.Errorf("count = %v, want 1", resp["count"])
	}
}

func TestGetStoredSlot(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodGet, "/api/v1/gateways/hall/nodes/1/slots/0", ""); w.Code != http.StatusNotFound {
		t.Errorf("unstored slot status = %d, want 404", w.Code)
	}

	if err := env.repo.SaveTypical(context.Background(), "hall", 1, 0, 0x11); err != nil {
		t.Fatalf("SaveTypical() error = %v", err)
	}
	w := env.do(t, http.MethodGet, "/api/v1/gateways/hall/nodes/1/slots/0", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if resp := decodeBody(t, w); resp["typical"] != float64(0x11) {
		t.Errorf("typical = %v, want 17", resp["typical"])
	}

	if w := env.do(t, http.MethodGet, "/api/v1/gateways/hall/nodes/300/slots/0", ""); w.Code != http.StatusBadRequest {
		t.Errorf("invalid node status = %d, want 400", w.Code)
	}
}

func TestListStoredTopics(t *testing.T) {
	env := newTestEnv(t)

	v := 21.5
	if err := env.repo.SaveTopic(context.Background(), "hall", "0A01", "02", &v); err != nil {
		t.Fatalf("SaveTopic() error = %v", err)
	}

	resp := decodeBody(t, env.do(t, http.MethodGet, "/api/v1/gateways/hall/stored/topics", ""))
	topics, _ := resp["topics"].([]any) //nolint:errcheck // checked by length
	if len(topics) != 1 {
		t.Fatalf("topics = %v, want 1", resp["topics"])
	}
	topic, _ := topics[0].(map[string]any) //nolint:errcheck // nil map fails below
	if topic["number"] != "0A01" || topic["value"] != 21.5 {
		t.Errorf("topic = %v", topic)
	}
}

func TestForgetGateway(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.repo.SaveTypical(ctx, "hall", 1, 0, 0x11); err != nil {
		t.Fatalf("SaveTypical() error = %v", err)
	}

	if w := env.do(t, http.MethodDelete, "/api/v1/gateways/hall/stored", ""); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	resp := decodeBody(t, env.do(t, http.MethodGet, "/api/v1/gateways/hall/stored", ""))
	if resp["count"] != float64(0) {
		t.Errorf("count after forget = %v, want 0", resp["count"])
	}

	if w := env.do(t, http.MethodDelete, "/api/v1/gateways/attic/stored", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown gateway status = %d, want 404", w.Code)
	}
}

func TestStoreUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.srv.store = nil
	env.srv.history = nil

	for _, path := range []string{
		"/api/v1/gateways/hall/stored",
		"/api/v1/gateways/hall/nodes",
		"/api/v1/gateways/hall/stored/topics",
		"/api/v1/gateways/hall/nodes/1/slots/0",
		"/api/v1/gateways/hall/nodes/1/slots/0/history",
	} {
		if w := env.do(t, http.MethodGet, path, ""); w.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s status = %d, want 503", path, w.Code)
		}
	}
}

// ─── Commands and Requests ─────────────────────────────────────────

func TestSlotCommand(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/gateways/hall/nodes/1/slots/2/command", `{"id":"c-1","command":"on"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["status"] != string(souliss.AckQueued) || resp["command_id"] != "c-1" {
		t.Errorf("ack = %v", resp)
	}

	if len(env.bridge.commands) != 1 {
		t.Fatalf("bridge commands = %d, want 1", len(env.bridge.commands))
	}
	cmd := env.bridge.commands[0]
	if cmd.Gateway != "hall" || *cmd.Node != 1 || *cmd.Slot != 2 || cmd.Source != "api" {
		t.Errorf("command = %+v", cmd)
	}
}

func TestSlotCommand_Errors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		ackError *souliss.AckError
		want     int
	}{
		{"node out of range", "/api/v1/gateways/hall/nodes/256/slots/0/command", `{"command":"on"}`, nil, http.StatusBadRequest},
		{"slot not a number", "/api/v1/gateways/hall/nodes/1/slots/x/command", `{"command":"on"}`, nil, http.StatusBadRequest},
		{"invalid json", "/api/v1/gateways/hall/nodes/1/slots/0/command", `{`, nil, http.StatusBadRequest},
		{"missing command", "/api/v1/gateways/hall/nodes/1/slots/0/command", `{}`, nil, http.StatusBadRequest},
		{"unknown gateway", "/api/v1/gateways/garage/nodes/1/slots/0/command", `{"command":"on"}`,
			&souliss.AckError{Code: souliss.ErrCodeNotConfigured, Message: "gateway not found"}, http.StatusNotFound},
		{"invalid command", "/api/v1/gateways/hall/nodes/1/slots/0/command", `{"command":"fly"}`,
			&souliss.AckError{Code: souliss.ErrCodeInvalidCommand, Message: "unknown command"}, http.StatusBadRequest},
		{"queue full", "/api/v1/gateways/hall/nodes/1/slots/0/command", `{"command":"on"}`,
			&souliss.AckError{Code: souliss.ErrCodeQueueFull, Message: "queue full"}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.bridge.ackError = tt.ackError

			w := env.do(t, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestGatewayRequest(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/gateways/hall/requests/typicals", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/v1/gateways/hall/requests/db_structure", `{"request_id":"r-9","parameters":{"start":0,"count":4}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if len(env.bridge.requests) != 2 {
		t.Fatalf("bridge requests = %d, want 2", len(env.bridge.requests))
	}
	req := env.bridge.requests[1]
	if req.RequestID != "r-9" || req.Action != "db_structure" || req.Gateway != "hall" || req.Parameters["count"] != float64(4) {
		t.Errorf("request = %+v", req)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/gateways/hall/requests/discover", ""); w.Code != http.StatusBadRequest {
		t.Errorf("discover via gateway status = %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/gateways/hall/requests/poll", "{"); w.Code != http.StatusBadRequest {
		t.Errorf("invalid body status = %d, want 400", w.Code)
	}

	env.bridge.respError = &souliss.AckError{Code: souliss.ErrCodeInvalidCommand, Message: "unknown query"}
	if w := env.do(t, http.MethodPost, "/api/v1/gateways/hall/requests/reboot", ""); w.Code != http.StatusBadRequest {
		t.Errorf("unknown query status = %d, want 400", w.Code)
	}
}

func TestDiscover(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/discover", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	req := env.bridge.requests[0]
	if req.Action != "discover" || req.RequestID == "" {
		t.Errorf("request = %+v, want discover with request id", req)
	}

	env.bridge.respError = &souliss.AckError{Code: souliss.ErrCodeBridgeError, Message: "discovery is not configured"}
	if w := env.do(t, http.MethodPost, "/api/v1/discover", ""); w.Code != http.StatusBadGateway {
		t.Errorf("failed discovery status = %d, want 502", w.Code)
	}
}

// ─── History ───────────────────────────────────────────────────────

func TestSlotHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.repo.SaveTypical(ctx, "hall", 1, 0, 0x11); err != nil {
		t.Fatalf("SaveTypical() error = %v", err)
	}
	for _, on := range []bool{true, false, true} {
		if err := env.repo.SaveSlotState(ctx, "hall", 1, 0, nil, map[string]any{"on": on}); err != nil {
			t.Fatalf("SaveSlotState() error = %v", err)
		}
	}

	w := env.do(t, http.MethodGet, "/api/v1/gateways/hall/nodes/1/slots/0/history?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if resp := decodeBody(t, w); resp["count"] != float64(2) {
		t.Errorf("count = %v, want 2", resp["count"])
	}

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/gateways/hall/nodes/1/slots/0/history?limit=0", http.StatusBadRequest},
		{"/api/v1/gateways/hall/nodes/1/slots/0/history?limit=500", http.StatusBadRequest},
		{"/api/v1/gateways/hall/nodes/-1/slots/0/history", http.StatusBadRequest},
		{"/api/v1/gateways/garage/nodes/1/slots/0/history", http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := env.do(t, http.MethodGet, tt.path, ""); w.Code != tt.want {
			t.Errorf("GET %s status = %d, want %d", tt.path, w.Code, tt.want)
		}
	}
}

func TestParseHistoryLimit(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"", defaultHistoryLimit, false},
		{"10", 10, false},
		{"200", 200, false},
		{"201", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := parseHistoryLimit(tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseHistoryLimit(%q) = %d, %v", tt.raw, got, err)
		}
	}
}

// ─── Metrics ───────────────────────────────────────────────────────

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.bridge.metrics.DatagramsRx = 42

	resp := decodeBody(t, env.do(t, http.MethodGet, "/api/v1/metrics", ""))
	bridge, _ := resp["bridge"].(map[string]any) //nolint:errcheck // nil map fails below
	if bridge["datagrams_rx"] != float64(42) {
		t.Errorf("bridge.datagrams_rx = %v, want 42", bridge["datagrams_rx"])
	}
	if _, ok := resp["database"]; !ok {
		t.Error("database metrics missing")
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v", resp["version"])
	}
}

// ─── WebSocket Hub ─────────────────────────────────────────────────

func newTestClient(hub *Hub, channels ...string) *WSClient {
	c := newWSClient(hub, nil)
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	return c
}

func TestHub_BroadcastToSubscribed(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	client := newTestClient(hub, souliss.ChannelState)
	hub.Register(client)

	hub.Broadcast(souliss.ChannelState, map[string]any{"gateway": "hall", "node": 1})

	select {
	case msg := <-client.send:
		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if wsMsg.Type != WSTypeEvent || wsMsg.EventType != souliss.ChannelState {
			t.Errorf("message = %+v", wsMsg)
		}
	case <-time.After(time.Second):
		t.Error("timed out waiting for broadcast message")
	}
}

func TestHub_Wildcard(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	client := newTestClient(hub, WSChannelAll)
	hub.Register(client)

	hub.Broadcast(souliss.ChannelHealth, map[string]any{"node": 1})

	select {
	case <-client.send:
	default:
		t.Error("wildcard client should receive every channel")
	}
}

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	client := newTestClient(hub, souliss.ChannelTopic)
	hub.Register(client)

	hub.Broadcast(souliss.ChannelState, map[string]any{"node": 1})

	select {
	case <-client.send:
		t.Error("unsubscribed client should not receive message")
	default:
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	client := newTestClient(hub)

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
}

func TestWSClient_Subscription(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	client := newTestClient(hub)

	client.handleMessage([]byte(`{"type":"subscribe","id":"1","payload":{"channels":["souliss.state"]}}`))
	if !client.isSubscribed(souliss.ChannelState) {
		t.Fatal("client should be subscribed after subscribe message")
	}
	<-client.send

	client.handleMessage([]byte(`{"type":"unsubscribe","id":"2","payload":{"channels":["souliss.state"]}}`))
	if client.isSubscribed(souliss.ChannelState) {
		t.Error("client should be unsubscribed")
	}
	<-client.send

	client.handleMessage([]byte(`{"type":"ping","id":"3"}`))
	var pong WSMessage
	if err := json.Unmarshal(<-client.send, &pong); err != nil || pong.Type != WSTypePong || pong.ID != "3" {
		t.Errorf("pong = %+v, %v", pong, err)
	}

	client.handleMessage([]byte(`not json`))
	var errMsg WSMessage
	if err := json.Unmarshal(<-client.send, &errMsg); err != nil || errMsg.Type != WSTypeError {
		t.Errorf("error message = %+v, %v", errMsg, err)
	}
}

func TestWebSocket_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?channels=" + souliss.ChannelState
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.srv.hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if env.srv.hub.ClientCount() != 1 {
		t.Fatalf("ClientCount() = %d, want 1", env.srv.hub.ClientCount())
	}

	env.srv.Hub().Broadcast(souliss.ChannelState, map[string]any{"gateway": "hall"})

	//nolint:errcheck // Test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg.EventType != souliss.ChannelState {
		t.Errorf("event_type = %q, want %q", msg.EventType, souliss.ChannelState)
	}
}
