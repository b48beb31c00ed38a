package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"motionsync/clocksync"
	"motionsync/communication"
	"motionsync/define"
	"motionsync/device"
	"motionsync/device/devicetest"
	"motionsync/scheduler"
)

var registerFake sync.Once

type testEnv struct {
	server    *Server
	engine    *gin.Engine
	manager   *device.DeviceManager
	scheduler *scheduler.Scheduler
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	registerFake.Do(func() {
		device.RegisterDeviceType("fake", func(config map[string]any) (device.Session, error) {
			id, _ := config["id"].(string)
			if id == "" {
				return nil, errors.New("缺少设备 ID 配置")
			}
			return devicetest.NewSession(id), nil
		})
	})

	manager := device.NewDeviceManager(nil)
	quiet := log.New(io.Discard, "", 0)
	sched := scheduler.New(scheduler.Config{}, manager, manager.Hub(), scheduler.WithLogger(quiet))
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })
	syncer := clocksync.New(clocksync.Config{}, clocksync.WithLogger(quiet))

	srv := NewServer(manager, sched, syncer, opts...)
	engine := gin.New()
	srv.SetupRoutes(engine)
	return &testEnv{server: srv, engine: engine, manager: manager, scheduler: sched}
}

func (e *testEnv) addDevice(t *testing.T, sess device.Session) {
	t.Helper()
	if err := e.manager.OnDeviceAdded(sess); err != nil {
		t.Fatalf("OnDeviceAdded() error = %v", err)
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, ApiResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal() error = %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)

	var resp ApiResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

// decodeData 把 Data 字段重新解析为具体类型
func decodeData[T any](t *testing.T, resp ApiResponse) T {
	t.Helper()
	var out T
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	return out
}

const inlineScript = `{"actions":[{"at":0,"pos":0},{"at":1000,"pos":100},{"at":2000,"pos":0}]}`

func TestDeviceLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, http.MethodPost, "/api/v1/devices", DeviceCreateRequest{ID: "dev-1", Model: "fake"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %+v", rec.Code, resp)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/devices", DeviceCreateRequest{ID: "dev-1", Model: "fake"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", rec.Code)
	}

	rec, resp = env.do(t, http.MethodPost, "/api/v1/devices", DeviceCreateRequest{ID: "dev-2", Model: "unknown"})
	if rec.Code != http.StatusBadRequest || resp.Status != "error" {
		t.Fatalf("expected 400 for unknown model, got %d", rec.Code)
	}

	_, resp = env.do(t, http.MethodGet, "/api/v1/devices", nil)
	list := decodeData[DeviceListResponse](t, resp)
	if list.Total != 1 || list.Devices[0].ID != "dev-1" {
		t.Fatalf("unexpected device list: %+v", list)
	}
	if list.Devices[0].Preference == nil || !list.Devices[0].Preference.Enabled {
		t.Fatalf("expected default preference to be enabled")
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/devices/dev-1/disconnect", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on disconnect, got %d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodPost, "/api/v1/devices/dev-1/stop", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 when stopping a disconnected device, got %d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodPost, "/api/v1/devices/dev-1/connect", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on connect, got %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodDelete, "/api/v1/devices/dev-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodGet, "/api/v1/devices/dev-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestConnectFailureMapsToBadGateway(t *testing.T) {
	env := newTestEnv(t)
	sess := devicetest.NewSession("dev-1")
	sess.ConnectErr = &define.ConnectionError{Op: "connect", Err: errors.New("refused")}
	env.addDevice(t, sess)

	rec, resp := env.do(t, http.MethodPost, "/api/v1/devices/dev-1/connect", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(resp.Error, "refused") {
		t.Fatalf("expected cause in error, got %q", resp.Error)
	}
}

func TestPreferencePartialUpdate(t *testing.T) {
	env := newTestEnv(t)
	env.addDevice(t, devicetest.NewSession("dev-1"))

	rec, resp := env.do(t, http.MethodPut, "/api/v1/devices/dev-1/preference", map[string]any{
		"invert":   true,
		"rangeMin": 80,
		"rangeMax": 20,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", rec.Code, resp)
	}
	pref := decodeData[device.Preference](t, resp)
	if !pref.Invert || !pref.Enabled {
		t.Fatalf("expected invert with enabled kept, got %+v", pref)
	}
	if pref.RangeMin != 20 || pref.RangeMax != 80 {
		t.Fatalf("expected swapped range, got %d..%d", pref.RangeMin, pref.RangeMax)
	}

	stored, _ := env.manager.Preference("dev-1")
	if stored != pref {
		t.Fatalf("expected stored preference %+v, got %+v", pref, stored)
	}
}

func TestScriptLoadAndPlayback(t *testing.T) {
	env := newTestEnv(t)
	sess := devicetest.NewSession("dev-1")
	env.addDevice(t, sess)

	rec, _ := env.do(t, http.MethodPost, "/api/v1/playback/start", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without a script, got %d", rec.Code)
	}

	rec, resp := env.do(t, http.MethodPost, "/api/v1/script", ScriptLoadRequest{Content: inlineScript, Name: "demo.funscript"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", rec.Code, resp)
	}
	info := decodeData[ScriptInfo](t, resp)
	if info.Actions != 3 || info.DurationMs != 2000 || info.LoadedFrom != "demo.funscript" {
		t.Fatalf("unexpected script info: %+v", info)
	}

	rec, resp = env.do(t, http.MethodPost, "/api/v1/playback/sync", PlaybackSyncRequest{TimeMs: 100})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 when syncing while idle, got %d: %+v", rec.Code, resp)
	}

	rec, resp = env.do(t, http.MethodPost, "/api/v1/playback/start", PlaybackStartRequest{TimeMs: 500, PlaybackRate: 1})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on start, got %d: %+v", rec.Code, resp)
	}
	status := decodeData[map[string]any](t, resp)
	if status["state"] != "playing" {
		t.Fatalf("expected playing state, got %v", status["state"])
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/playback/sync", PlaybackSyncRequest{TimeMs: 600})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on sync, got %d", rec.Code)
	}

	rec, resp = env.do(t, http.MethodPost, "/api/v1/playback/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on stop, got %d: %+v", rec.Code, resp)
	}
	if sess.Stops() == 0 {
		t.Fatalf("expected device to receive a stop command")
	}

	_, resp = env.do(t, http.MethodGet, "/api/v1/playback/status", nil)
	status = decodeData[map[string]any](t, resp)
	if status["state"] != "stopped" {
		t.Fatalf("expected stopped state, got %v", status["state"])
	}
}

func TestStopReportsDeviceFailure(t *testing.T) {
	env := newTestEnv(t)
	ok := devicetest.NewSession("a")
	bad := devicetest.NewSession("b")
	bad.StopErr = errors.New("stuck")
	env.addDevice(t, ok)
	env.addDevice(t, bad)

	env.do(t, http.MethodPost, "/api/v1/script", ScriptLoadRequest{Content: inlineScript})
	env.do(t, http.MethodPost, "/api/v1/playback/start", nil)

	rec, resp := env.do(t, http.MethodPost, "/api/v1/playback/stop", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(resp.Error, "stuck") {
		t.Fatalf("expected failing device in error, got %q", resp.Error)
	}
	if ok.Stops() == 0 || bad.Stops() == 0 {
		t.Fatalf("expected both devices to be stopped, got %d and %d", ok.Stops(), bad.Stops())
	}
}

func TestStartWithoutDevices(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/script", ScriptLoadRequest{Content: "0,0\n1000,100\n"})

	rec, _ := env.do(t, http.MethodPost, "/api/v1/playback/start", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 without devices, got %d", rec.Code)
	}
}

func TestScriptLoadErrors(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodPost, "/api/v1/script", ScriptLoadRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty request, got %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/script", ScriptLoadRequest{Content: `{"actions":[]}`})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for empty script, got %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodGet, "/api/v1/script", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any script, got %d", rec.Code)
	}

	path := filepath.Join(t.TempDir(), "demo.csv")
	if err := os.WriteFile(path, []byte("at,pos\n0,10\n500,90\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	rec, resp := env.do(t, http.MethodPost, "/api/v1/script", ScriptLoadRequest{Source: path})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for file source, got %d: %+v", rec.Code, resp)
	}
	if info := decodeData[ScriptInfo](t, resp); info.Actions != 2 {
		t.Fatalf("expected 2 actions, got %+v", info)
	}
}

type fakeStreaming struct {
	mu        sync.Mutex
	connected bool
	scanning  bool
	err       error
}

func (f *fakeStreaming) URL() string { return "ws://fake" }

func (f *fakeStreaming) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeStreaming) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.connected = true
	return nil
}

func (f *fakeStreaming) SetScanning(ctx context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanning = on
	return nil
}

func (f *fakeStreaming) isScanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

func TestStreamingRoutes(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodGet, "/api/v1/streaming", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without streaming, got %d", rec.Code)
	}

	ctrl := &fakeStreaming{}
	env = newTestEnv(t, WithStreaming(ctrl))
	rec, _ = env.do(t, http.MethodPost, "/api/v1/streaming/connect", nil)
	if rec.Code != http.StatusOK || !ctrl.Connected() {
		t.Fatalf("expected connect to succeed, got %d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodPost, "/api/v1/streaming/scan", ScanRequest{Enabled: true})
	if rec.Code != http.StatusOK || !ctrl.isScanning() {
		t.Fatalf("expected scanning to start, got %d", rec.Code)
	}

	_, resp := env.do(t, http.MethodGet, "/api/v1/system/status", nil)
	status := decodeData[SystemStatusResponse](t, resp)
	if status.Streaming == nil || !status.Streaming.Connected {
		t.Fatalf("expected streaming status in system status, got %+v", status.Streaming)
	}

	ctrl.mu.Lock()
	ctrl.err = &define.ConnectionError{Op: "handshake", Err: errors.New("refused")}
	ctrl.mu.Unlock()
	rec, _ = env.do(t, http.MethodPost, "/api/v1/streaming/connect", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on handshake failure, got %d", rec.Code)
	}
}

func TestHealthAndModels(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/system/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if health := decodeData[HealthResponse](t, resp); health.Status != "healthy" {
		t.Fatalf("expected healthy, got %+v", health)
	}

	_, resp = env.do(t, http.MethodGet, "/api/v1/system/models", nil)
	models := decodeData[SupportedModelsResponse](t, resp)
	found := false
	for _, m := range models.Models {
		if m == "fake" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fake model in %v", models.Models)
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.engine)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected event stream content type, got %q", ct)
	}

	events := make(chan communication.ServerEvent, 8)
	go func() { _ = communication.ReadServerEvents(ctx, resp.Body, events) }()

	select {
	case first := <-events:
		if first.Event != "ready" {
			t.Fatalf("expected ready event, got %+v", first)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for ready event")
	}

	env.manager.Hub().Publish(device.Event{
		Type:     device.EventDispatchError,
		DeviceID: "dev-1",
		Err:      errors.New("boom"),
	})

	select {
	case ev := <-events:
		if ev.Event != string(device.EventDispatchError) {
			t.Fatalf("expected dispatch_error event, got %+v", ev)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			t.Fatalf("json.Unmarshal() error = %v", err)
		}
		if payload["deviceId"] != "dev-1" || payload["error"] != "boom" {
			t.Fatalf("unexpected payload: %v", payload)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for event")
	}
}
