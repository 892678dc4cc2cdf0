package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/roaster-core/internal/audit"
	"github.com/nerrad567/roaster-core/internal/bridges/roaster"
	"github.com/nerrad567/roaster-core/internal/infrastructure/config"
	"github.com/nerrad567/roaster-core/internal/infrastructure/database"
	"github.com/nerrad567/roaster-core/internal/infrastructure/logging"
	"github.com/nerrad567/roaster-core/internal/roastlog"
	_ "github.com/nerrad567/roaster-core/migrations"
)

// fakeDevice stands in for the bridge. Commands are validated the same way
// and recorded instead of written to a port.
type fakeDevice struct {
	mu        sync.Mutex
	state     roaster.State
	connected bool
	sent      []roaster.OutgoingCommand
	listeners []roaster.FieldChangedFunc
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{connected: true}
}

func (d *fakeDevice) Snapshot() roaster.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevice) Stats() roaster.BridgeStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return roaster.BridgeStats{RoasterID: "bench", Connected: d.connected, Port: "/dev/ttyUSB0"}
}

func (d *fakeDevice) SubmitCommand(command, value int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return roaster.ErrNotConnected
	}
	d.sent = append(d.sent, roaster.OutgoingCommand{Command: command, Value: value})
	return nil
}

func (d *fakeDevice) SetRelay(field roaster.FieldID, on bool) error {
	cmd, err := roaster.RelayCommand(field, on)
	if err != nil {
		return err
	}
	return d.SubmitCommand(cmd.Command, cmd.Value)
}

func (d *fakeDevice) ToggleRelay(field roaster.FieldID) (bool, error) {
	cmd, target, err := roaster.ToggleCommand(d.Snapshot(), field)
	if err != nil {
		return false, err
	}
	return target, d.SubmitCommand(cmd.Command, cmd.Value)
}

func (d *fakeDevice) SetValve(percent int) error {
	cmd, err := roaster.ValveCommand(percent)
	if err != nil {
		return err
	}
	return d.SubmitCommand(cmd.Command, cmd.Value)
}

func (d *fakeDevice) OnFieldChanged(fn roaster.FieldChangedFunc) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

func (d *fakeDevice) emit(change roaster.FieldChange) {
	d.mu.Lock()
	listeners := d.listeners
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(change)
	}
}

func (d *fakeDevice) setConnected(v bool) {
	d.mu.Lock()
	d.connected = v
	d.mu.Unlock()
}

func (d *fakeDevice) setState(s roaster.State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *fakeDevice) lastSent(t *testing.T) roaster.OutgoingCommand {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sent) == 0 {
		t.Fatal("no command sent")
	}
	return d.sent[len(d.sent)-1]
}

type mqttStub struct{ connected bool }

func (m mqttStub) IsConnected() bool { return m.connected }

type testEnv struct {
	srv      *Server
	handler  http.Handler
	device   *fakeDevice
	recorder *roastlog.Recorder
	roasts   *roastlog.SQLiteRepository
	commands *audit.SQLiteRepository
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		MaxMessageSize: 8192,
		PingInterval:   30,
		PongTimeout:    10,
	}
}

// testServer wires a Server to a fake device and a real recorder backed by
// a migrated temporary SQLite database.
func testServer(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "api.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	device := newFakeDevice()
	repo := roastlog.NewSQLiteRepository(db.DB)
	commands := audit.NewSQLiteRepository(db.DB)
	rec, err := roastlog.NewRecorder(roastlog.RecorderConfig{
		RoasterID:      "bench",
		SampleInterval: time.Hour,
		Source:         device,
		Repository:     repo,
	})
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}

	srv, err := New(Deps{
		Config:    config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS:        testWSConfig(),
		Logger:    logging.Discard(),
		Device:    device,
		Recorder:  rec,
		Roasts:    repo,
		Audit:     commands,
		DB:        db,
		RoasterID: "bench",
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &testEnv{srv: srv, handler: srv.Handler(), device: device, recorder: rec, roasts: repo, commands: commands}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	var e Error
	decodeBody(t, w, &e)
	if e.Code != code {
		t.Errorf("error code = %q, want %q", e.Code, code)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Deps{Device: newFakeDevice()}); err == nil {
		t.Error("New() without logger error = nil")
	}
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New() without device error = nil")
	}
}

// ─── Health and middleware ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var resp HealthResponse
	decodeBody(t, w, &resp)
	if resp.Status != "ok" || resp.Serial != "connected" || resp.Version != "test" || resp.MQTT != "" {
		t.Errorf("health = %+v", resp)
	}

	env.device.setConnected(false)
	decodeBody(t, env.do(t, http.MethodGet, "/api/v1/health", ""), &resp)
	if resp.Status != "degraded" || resp.Serial != "disconnected" {
		t.Errorf("health while disconnected = %+v", resp)
	}
}

func TestHealth_MQTTDown(t *testing.T) {
	env := testServer(t)
	env.srv.mqtt = mqttStub{connected: false}

	var resp HealthResponse
	decodeBody(t, env.do(t, http.MethodGet, "/api/v1/health", ""), &resp)
	if resp.Status != "degraded" || resp.MQTT != "disconnected" {
		t.Errorf("health = %+v, want degraded with MQTT disconnected", resp)
	}
}

func TestRequestID(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if id := w.Header().Get("X-Request-ID"); len(id) != 36 {
		t.Errorf("generated X-Request-ID = %q, want a UUID", id)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "bench-42")
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if id := w.Header().Get("X-Request-ID"); id != "bench-42" {
		t.Errorf("X-Request-ID = %q, want bench-42", id)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/valve", nil)
	req.Header.Set("Origin", "http://bench.local")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://bench.local" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestAccessLog_RecoversPanic(t *testing.T) {
	env := testServer(t)
	h := env.srv.accessLog(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	expectError(t, w, http.StatusInternalServerError, ErrCodeInternal)
}

func TestBodySizeLimit(t *testing.T) {
	env := testServer(t)
	body := `{"command": 1, "value": 8, "pad": "` + strings.Repeat("x", maxRequestBodySize) + `"}`

	w := env.do(t, http.MethodPost, "/api/v1/commands", body)
	expectError(t, w, http.StatusBadRequest, ErrCodeBadRequest)
}

// ─── Device ────────────────────────────────────────────────────────

func TestGetState(t *testing.T) {
	env := testServer(t)
	env.device.setState(roaster.State{DrumTemp: 201, GasRelay: true, Valve: 40})

	w := env.do(t, http.MethodGet, "/api/v1/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		RoasterID string        `json:"roaster_id"`
		Connected bool          `json:"connected"`
		State     roaster.State `json:"state"`
	}
	decodeBody(t, w, &resp)
	if resp.RoasterID != "bench" || !resp.Connected || resp.State.DrumTemp != 201 || !resp.State.GasRelay || resp.State.Valve != 40 {
		t.Errorf("state response = %+v", resp)
	}
}

func TestSubmitCommand(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		status     int
		code       string
		disconnect bool
	}{
		{name: "raw command", body: `{"command": 0, "value": 0}`, status: http.StatusAccepted},
		{name: "missing value", body: `{"command": 1}`, status: http.StatusBadRequest, code: ErrCodeBadRequest},
		{name: "invalid JSON", body: `{`, status: http.StatusBadRequest, code: ErrCodeBadRequest},
		{name: "link down", body: `{"command": 1, "value": 8}`, status: http.StatusServiceUnavailable, code: ErrCodeDeviceOffline, disconnect: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testServer(t)
			if tt.disconnect {
				env.device.setConnected(false)
			}
			w := env.do(t, http.MethodPost, "/api/v1/commands", tt.body)
			if tt.code != "" {
				expectError(t, w, tt.status, tt.code)
				return
			}
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if got := env.device.lastSent(t); got != (roaster.OutgoingCommand{Command: 0, Value: 0}) {
				t.Errorf("sent = %+v, want status poll", got)
			}
		})
	}
}

func TestSetRelay(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
		want   roaster.OutgoingCommand
	}{
		{name: "by name", path: "gas_relay", body: `{"on": true}`, status: http.StatusAccepted, want: roaster.OutgoingCommand{Command: 1, Value: 8}},
		{name: "by address", path: "5", body: `{"on": false}`, status: http.StatusAccepted, want: roaster.OutgoingCommand{Command: 2, Value: 5}},
		{name: "unknown field", path: "afterburner", body: `{"on": true}`, status: http.StatusNotFound, code: ErrCodeNotFound},
		{name: "sensor is not a relay", path: "flame", body: `{"on": true}`, status: http.StatusBadRequest, code: ErrCodeBadRequest},
		{name: "missing on", path: "ignitor", body: `{}`, status: http.StatusBadRequest, code: ErrCodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testServer(t)
			w := env.do(t, http.MethodPut, "/api/v1/relays/"+tt.path, tt.body)
			if tt.code != "" {
				expectError(t, w, tt.status, tt.code)
				return
			}
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			if got := env.device.lastSent(t); got != tt.want {
				t.Errorf("sent = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestToggleRelay(t *testing.T) {
	env := testServer(t)
	env.device.setState(roaster.State{GasRelay: true})

	w := env.do(t, http.MethodPost, "/api/v1/relays/gas_relay/toggle", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", w.Code, w.Body.String())
	}
	var resp CommandResponse
	decodeBody(t, w, &resp)
	if resp.On == nil || *resp.On || resp.Command != 2 || resp.Value != 8 || resp.Field != "gas_relay" {
		t.Errorf("toggle response = %+v", resp)
	}
	if got := env.device.lastSent(t); got != (roaster.OutgoingCommand{Command: 2, Value: 8}) {
		t.Errorf("sent = %+v, want 2,8", got)
	}
	// The confirmed state is untouched until the controller reports.
	if !env.device.Snapshot().GasRelay {
		t.Error("toggle changed the confirmed state")
	}
}

func TestSetValve(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodPut, "/api/v1/valve", `{"percent": 45}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if got := env.device.lastSent(t); got != (roaster.OutgoingCommand{Command: 3, Value: 45}) {
		t.Errorf("sent = %+v, want 3,45", got)
	}

	expectError(t, env.do(t, http.MethodPut, "/api/v1/valve", `{"percent": 150}`), http.StatusBadRequest, ErrCodeValidation)
	expectError(t, env.do(t, http.MethodPut, "/api/v1/valve", `{}`), http.StatusBadRequest, ErrCodeBadRequest)
}

func TestCommandLog(t *testing.T) {
	env := testServer(t)

	if w := env.do(t, http.MethodPut, "/api/v1/relays/gas_relay", `{"on": true}`); w.Code != http.StatusAccepted {
		t.Fatalf("relay status = %d, want 202", w.Code)
	}
	// Rejected by validation, never recorded.
	env.do(t, http.MethodPut, "/api/v1/valve", `{"percent": 150}`)
	env.device.setConnected(false)
	env.do(t, http.MethodPost, "/api/v1/commands", `{"command": 0, "value": 0}`)

	w := env.do(t, http.MethodGet, "/api/v1/commands", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var result audit.ListResult
	decodeBody(t, w, &result)
	if result.Total != 2 || len(result.Entries) != 2 {
		t.Fatalf("command log = %+v, want 2 entries", result)
	}

	failed, sent := result.Entries[0], result.Entries[1]
	if failed.Status != audit.StatusFailed || failed.Error == "" || failed.Source != audit.SourceAPI {
		t.Errorf("latest entry = %+v, want failed api command", failed)
	}
	if sent.Status != audit.StatusSent || sent.Field != "gas_relay" || sent.Command != 1 || sent.Value != 8 {
		t.Errorf("first entry = %+v, want sent gas_relay 1,8", sent)
	}
	if sent.RequestID == "" {
		t.Error("entry has no request ID")
	}

	decodeBody(t, env.do(t, http.MethodGet, "/api/v1/commands?status=sent", ""), &result)
	if result.Total != 1 {
		t.Errorf("status filter total = %d, want 1", result.Total)
	}

	expectError(t, env.do(t, http.MethodGet, "/api/v1/commands?limit=0", ""), http.StatusBadRequest, ErrCodeBadRequest)
	expectError(t, env.do(t, http.MethodGet, "/api/v1/commands?offset=-1", ""), http.StatusBadRequest, ErrCodeBadRequest)
}

// ─── Roast log ─────────────────────────────────────────────────────

func TestRoastTimerEndpoints(t *testing.T) {
	env := testServer(t)
	ctx := context.Background()

	var st roastlog.Status
	decodeBody(t, env.do(t, http.MethodGet, "/api/v1/roast", ""), &st)
	if st.State != roastlog.StateIdle {
		t.Fatalf("initial state = %q, want idle", st.State)
	}

	expectError(t, env.do(t, http.MethodPost, "/api/v1/roast/cracks", `{"kind": "first"}`), http.StatusConflict, ErrCodeConflict)

	w := env.do(t, http.MethodPost, "/api/v1/roast/toggle", "")
	if w.Code != http.StatusOK {
		t.Fatalf("toggle status = %d", w.Code)
	}
	decodeBody(t, w, &st)
	if st.State != roastlog.StateRunning || st.RoastID == "" {
		t.Fatalf("status after toggle = %+v", st)
	}
	roastID := st.RoastID

	if w := env.do(t, http.MethodPost, "/api/v1/roast/cracks", `{"kind": "first"}`); w.Code != http.StatusOK {
		t.Fatalf("mark crack status = %d (body %s)", w.Code, w.Body.String())
	}
	expectError(t, env.do(t, http.MethodPost, "/api/v1/roast/cracks", `{"kind": "first"}`), http.StatusConflict, ErrCodeConflict)
	expectError(t, env.do(t, http.MethodPost, "/api/v1/roast/cracks", `{"kind": "third"}`), http.StatusBadRequest, ErrCodeValidation)

	env.device.setState(roaster.State{DrumTemp: 196})
	if _, err := env.recorder.SampleNow(ctx); err != nil {
		t.Fatalf("SampleNow() error = %v", err)
	}

	w = env.do(t, http.MethodPost, "/api/v1/roast/reset", "")
	decodeBody(t, w, &st)
	if st.State != roastlog.StateIdle {
		t.Errorf("state after reset = %q, want idle", st.State)
	}

	var list struct {
		Roasts []roastlog.Roast `json:"roasts"`
		Count  int              `json:"count"`
	}
	decodeBody(t, env.do(t, http.MethodGet, "/api/v1/roasts", ""), &list)
	if list.Count != 1 || list.Roasts[0].ID != roastID || list.Roasts[0].EndedAt == nil {
		t.Fatalf("roasts = %+v", list)
	}

	var detail struct {
		Roast  roastlog.Roast   `json:"roast"`
		Events []roastlog.Event `json:"events"`
	}
	decodeBody(t, env.do(t, http.MethodGet, "/api/v1/roasts/"+roastID, ""), &detail)
	if len(detail.Events) != 3 {
		t.Errorf("events = %+v, want start, first_crack, reset", detail.Events)
	}

	var samples struct {
		Samples []roastlog.Sample `json:"samples"`
		Count   int               `json:"count"`
	}
	decodeBody(t, env.do(t, http.MethodGet, "/api/v1/roasts/"+roastID+"/samples", ""), &samples)
	if samples.Count != 1 || samples.Samples[0].DrumTemp != 196 || !samples.Samples[0].FirstCrack {
		t.Errorf("samples = %+v", samples)
	}

	var events struct {
		Events []roastlog.Event `json:"events"`
	}
	decodeBody(t, env.do(t, http.MethodGet, "/api/v1/roasts/"+roastID+"/events", ""), &events)
	if len(events.Events) != 3 || events.Events[1].Kind != roastlog.EventFirstCrack {
		t.Errorf("events = %+v", events.Events)
	}
}

func TestRoastHistory_NotFound(t *testing.T) {
	env := testServer(t)

	expectError(t, env.do(t, http.MethodGet, "/api/v1/roasts/missing", ""), http.StatusNotFound, ErrCodeNotFound)
	expectError(t, env.do(t, http.MethodGet, "/api/v1/roasts/missing/samples", ""), http.StatusNotFound, ErrCodeNotFound)
	expectError(t, env.do(t, http.MethodGet, "/api/v1/roasts?limit=zero", ""), http.StatusBadRequest, ErrCodeBadRequest)

	var list struct {
		Roasts []roastlog.Roast `json:"roasts"`
	}
	decodeBody(t, env.do(t, http.MethodGet, "/api/v1/roasts", ""), &list)
	if list.Roasts == nil || len(list.Roasts) != 0 {
		t.Errorf("roasts = %#v, want empty list", list.Roasts)
	}
}

func TestRoastEndpoints_Disabled(t *testing.T) {
	srv, err := New(Deps{Logger: logging.Discard(), Device: newFakeDevice(), WS: testWSConfig()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h := srv.Handler()

	for _, path := range []string{"/api/v1/roast", "/api/v1/roasts", "/api/v1/commands"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		expectError(t, w, http.StatusServiceUnavailable, ErrCodeUnavailable)
	}
}

// ─── Metrics ───────────────────────────────────────────────────────

func TestPrometheusEndpoint(t *testing.T) {
	device := newFakeDevice()
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(roaster.NewCollector("bench", device))

	srv, err := New(Deps{Logger: logging.Discard(), Device: device, Gatherer: reg, WS: testWSConfig()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `roaster_serial_connected{roaster="bench"} 1`) {
		t.Errorf("metrics output missing serial_connected:\n%s", w.Body.String())
	}
}

func TestPrometheusEndpoint_Absent(t *testing.T) {
	env := testServer(t)
	if w := env.do(t, http.MethodGet, "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without a gatherer", w.Code)
	}
}

func TestSystemMetrics(t *testing.T) {
	env := testServer(t)

	var m SystemMetrics
	decodeBody(t, env.do(t, http.MethodGet, "/api/v1/system/metrics", ""), &m)
	if m.Version != "test" || m.Roaster.RoasterID != "bench" || !m.Roaster.Connected {
		t.Errorf("metrics = %+v", m)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("runtime goroutines = 0")
	}
	if m.Database == nil {
		t.Error("database metrics missing")
	}
	if m.MQTT != nil {
		t.Error("MQTT metrics present without a client")
	}
}

// ─── WebSocket ─────────────────────────────────────────────────────

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // Test deadline
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return f
}

// subscribeWS subscribes to channels and returns the ack.
func subscribeWS(t *testing.T, conn *websocket.Conn, id string, channels ...string) Frame {
	t.Helper()
	if err := conn.WriteJSON(Frame{Type: FrameSubscribe, ID: id, Channels: channels}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	ack := readFrame(t, conn)
	if ack.Type != FrameAck || ack.ID != id {
		t.Fatalf("subscribe reply = %+v, want ack %q", ack, id)
	}
	return ack
}

// readSnapshot reads one snapshot frame per field and indexes them by name.
func readSnapshot(t *testing.T, conn *websocket.Conn) map[string]roaster.StateMessage {
	t.Helper()
	out := make(map[string]roaster.StateMessage)
	for range roaster.Fields() {
		f := readFrame(t, conn)
		if f.Type != FrameEvent || f.Channel != ChannelFieldChanged || !f.Snapshot {
			t.Fatalf("snapshot frame = %+v", f)
		}
		var msg roaster.StateMessage
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			t.Fatalf("snapshot data: %v", err)
		}
		out[msg.Field] = msg
	}
	return out
}

func TestWebSocket_SubscribeSendsSnapshot(t *testing.T) {
	env := testServer(t)
	env.device.setState(roaster.State{DrumTemp: 201, GasRelay: true, Valve: 40})
	conn := dialWS(t, env)

	ack := subscribeWS(t, conn, "1", ChannelFieldChanged)
	if len(ack.Channels) != 1 || ack.Channels[0] != ChannelFieldChanged {
		t.Errorf("ack channels = %v", ack.Channels)
	}

	snap := readSnapshot(t, conn)
	if len(snap) != len(roaster.Fields()) {
		t.Fatalf("snapshot fields = %d, want %d", len(snap), len(roaster.Fields()))
	}
	tests := []struct {
		field string
		value int
	}{
		{"drum_temp", 201},
		{"gas_relay", 1},
		{"valve", 40},
		{"flame", 0},
	}
	for _, tt := range tests {
		msg, ok := snap[tt.field]
		if !ok {
			t.Errorf("%s missing from snapshot", tt.field)
			continue
		}
		if msg.Value != tt.value || msg.Previous != tt.value || msg.Roaster != "bench" {
			t.Errorf("%s = %+v, want value %d", tt.field, msg, tt.value)
		}
	}

	// Subscribing again refreshes.
	subscribeWS(t, conn, "2", ChannelFieldChanged)
	if again := readSnapshot(t, conn); again["drum_temp"].Value != 201 {
		t.Errorf("refreshed drum_temp = %+v", again["drum_temp"])
	}
}

func TestWebSocket_FieldChanged(t *testing.T) {
	env := testServer(t)
	conn := dialWS(t, env)

	subscribeWS(t, conn, "1", ChannelFieldChanged)
	readSnapshot(t, conn)

	env.device.emit(roaster.FieldChange{
		Field:    roaster.FieldGasRelay,
		Name:     "gas_relay",
		Value:    1,
		Previous: 0,
		At:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})

	f := readFrame(t, conn)
	if f.Type != FrameEvent || f.Channel != ChannelFieldChanged || f.Snapshot {
		t.Fatalf("event = %+v", f)
	}
	var msg roaster.StateMessage
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		t.Fatalf("event data: %v", err)
	}
	if msg.Field != "gas_relay" || msg.Value != 1 || msg.Previous != 0 || msg.Roaster != "bench" || msg.Kind != "flag" {
		t.Errorf("state = %+v", msg)
	}
}

func TestWebSocket_RoastEvent(t *testing.T) {
	env := testServer(t)
	conn := dialWS(t, env)

	subscribeWS(t, conn, "s", ChannelRoastEvent)

	if _, err := env.recorder.Toggle(context.Background()); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}

	// No field snapshot for roast channels; the next frame is the event.
	f := readFrame(t, conn)
	if f.Channel != ChannelRoastEvent {
		t.Fatalf("frame = %+v, want roast.event", f)
	}
	var event roastlog.Event
	if err := json.Unmarshal(f.Data, &event); err != nil {
		t.Fatalf("event data: %v", err)
	}
	if event.Kind != roastlog.EventStart || event.RoastID == "" {
		t.Errorf("event = %+v", event)
	}
}

func TestWebSocket_PingAndErrors(t *testing.T) {
	env := testServer(t)
	conn := dialWS(t, env)

	if err := conn.WriteJSON(Frame{Type: FramePing, ID: "p"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if f := readFrame(t, conn); f.Type != FramePong || f.ID != "p" {
		t.Errorf("ping reply = %+v", f)
	}

	tests := []struct {
		name string
		raw  string
	}{
		{"unknown channel", `{"type":"subscribe","id":"b","channels":["device.state_changed"]}`},
		{"unknown unsubscribe channel", `{"type":"unsubscribe","id":"u","channels":["ticket.updated"]}`},
		{"unknown type", `{"type":"command","id":"c"}`},
		{"invalid JSON", `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.raw)); err != nil {
				t.Fatalf("WriteMessage() error = %v", err)
			}
			if f := readFrame(t, conn); f.Type != FrameError || f.Error == "" {
				t.Errorf("reply = %+v, want error", f)
			}
		})
	}
}

func TestWebSocket_Unsubscribe(t *testing.T) {
	env := testServer(t)
	conn := dialWS(t, env)

	subscribeWS(t, conn, "1", ChannelRoastSample, ChannelRoastEvent)

	if err := conn.WriteJSON(Frame{Type: FrameUnsubscribe, ID: "2", Channels: []string{ChannelRoastEvent}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	ack := readFrame(t, conn)
	if ack.Type != FrameAck || len(ack.Channels) != 1 || ack.Channels[0] != ChannelRoastSample {
		t.Errorf("unsubscribe ack = %+v", ack)
	}
}

func TestHub_DeliversOnlySubscribedChannels(t *testing.T) {
	hub := NewHub(testWSConfig(), logging.Discard(), nil)
	client := &streamClient{hub: hub, out: make(chan []byte, 4), subs: onRoastSample}
	hub.add(client)

	hub.PublishField(roaster.StateMessage{Field: "gas_relay", Value: 1})
	hub.PublishEvent(roastlog.Event{Kind: roastlog.EventStart})
	hub.PublishSample(roastlog.Sample{RoastID: "roast-1", ElapsedMS: 1000, DrumTemp: 180})

	if got := len(client.out); got != 1 {
		t.Fatalf("queued frames = %d, want 1", got)
	}
	var f Frame
	if err := json.Unmarshal(<-client.out, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var sample roastlog.Sample
	if err := json.Unmarshal(f.Data, &sample); err != nil {
		t.Fatalf("sample data: %v", err)
	}
	if f.Channel != ChannelRoastSample || sample.ElapsedMS != 1000 || sample.DrumTemp != 180 {
		t.Errorf("frame = %+v, sample = %+v", f, sample)
	}

	hub.remove(client)
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}
	if _, ok := <-client.out; ok {
		t.Error("queue still open after remove")
	}
}

func TestHub_SlowClientDisconnected(t *testing.T) {
	hub := NewHub(testWSConfig(), logging.Discard(), nil)
	client := &streamClient{hub: hub, out: make(chan []byte, 1), subs: onRoastEvent}
	hub.add(client)

	for i := 0; i < 3; i++ {
		hub.PublishEvent(roastlog.Event{Kind: roastlog.EventStart, ElapsedMS: int64(i)})
	}

	if _, ok := <-client.out; !ok {
		t.Fatal("first frame missing")
	}
	if _, ok := <-client.out; ok {
		t.Error("queue still open after overflow")
	}

	// Removing an already closed client must not panic.
	hub.remove(client)
}
