package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kanti-proxy/backend/internal/capture"
	"github.com/kanti-proxy/backend/internal/cert"
	"github.com/kanti-proxy/backend/internal/eventbus"
	"github.com/kanti-proxy/backend/internal/mitm"
	"github.com/kanti-proxy/backend/internal/model"
	"github.com/kanti-proxy/backend/internal/store"
)

func newTestServer(t *testing.T) (*Server, *mitm.Engine, *store.Ring, *eventbus.Bus) {
	t.Helper()

	certMgr, err := cert.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	pipeline := capture.New(zerolog.Nop(), 0)
	capStore := store.New(10)
	bus := eventbus.New(50, time.Hour, zerolog.Nop())
	engine := mitm.New(certMgr, pipeline, capStore, bus, model.ProxyConfig{
		Port:          8080,
		CustomHeaders: map[string]string{},
	}, zerolog.Nop())

	return New(engine, capStore, bus, zerolog.Nop()), engine, capStore, bus
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestHandleStart_BindsPortAndReturnsStatus(t *testing.T) {
	s, engine, _, _ := newTestServer(t)
	defer engine.Stop()

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/start", strings.NewReader(`{"port":0}`))
	rec := httptest.NewRecorder()
	s.handleStart(rec, req)

	env := decodeEnvelope(t, rec)
	require.True(t, env.Success)
	require.True(t, engine.IsRunning())
}

func TestHandleStart_AlreadyRunningFails(t *testing.T) {
	s, engine, _, _ := newTestServer(t)
	require.NoError(t, engine.Start(0))
	defer engine.Stop()

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/start", strings.NewReader(`{"port":0}`))
	rec := httptest.NewRecorder()
	s.handleStart(rec, req)

	env := decodeEnvelope(t, rec)
	require.False(t, env.Success)
	require.Contains(t, env.Error, "already running")
}

func TestHandleStop_NotRunningFails(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/stop", nil)
	rec := httptest.NewRecorder()
	s.handleStop(rec, req)

	env := decodeEnvelope(t, rec)
	require.False(t, env.Success)
	require.Contains(t, env.Error, "not running")
}

func TestHandleConfig_GetReturnsLiveConfig(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/proxy/config", nil)
	rec := httptest.NewRecorder()
	s.handleConfig(rec, req)

	env := decodeEnvelope(t, rec)
	require.True(t, env.Success)
}

func TestHandleConfig_PostPartialBodyPreservesOmittedFields(t *testing.T) {
	s, engine, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/config", strings.NewReader(`{"saveOnlyInScope":true,"inScope":["*.example.com"],"port":8080}`))
	rec := httptest.NewRecorder()
	s.handleConfig(rec, req)

	env := decodeEnvelope(t, rec)
	require.True(t, env.Success)

	got := engine.Config()
	require.True(t, got.SaveOnlyInScope)
	require.Equal(t, []string{"*.example.com"}, got.InScope)
	require.Equal(t, 8080, got.Port)
	require.NotNil(t, got.CustomHeaders)
}

func TestHandleConfig_PostInvalidPortRejected(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/config", strings.NewReader(`{"port":70000}`))
	rec := httptest.NewRecorder()
	s.handleConfig(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleConfig_PostMalformedBodyIs400(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/config", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	s.handleConfig(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRequests_ReturnsStoreSnapshot(t *testing.T) {
	s, _, capStore, _ := newTestServer(t)
	capStore.Append(model.RequestDetails{ID: 1, Host: "example.com"})

	req := httptest.NewRequest(http.MethodGet, "/api/proxy/requests", nil)
	rec := httptest.NewRecorder()
	s.handleRequests(rec, req)

	var env struct {
		Success bool                    `json:"success"`
		Data    []model.RequestDetails `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Success)
	require.Len(t, env.Data, 1)
}

func TestHandleClear_EmptiesStore(t *testing.T) {
	s, _, capStore, _ := newTestServer(t)
	capStore.Append(model.RequestDetails{ID: 1})

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/clear", nil)
	rec := httptest.NewRecorder()
	s.handleClear(rec, req)

	require.Equal(t, 0, capStore.Len())
}

func TestHandleStatus_WrongMethodIs405(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// flushRecorder lets handleEvents call http.Flusher on an httptest recorder.
type flushRecorder struct {
	*httptest.ResponseRecorder
}

func (f flushRecorder) Flush() {}

func TestHandleEvents_StreamsBatchAsSSEFrame(t *testing.T) {
	s, _, _, bus := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := flushRecorder{httptest.NewRecorder()}

	done := make(chan struct{})
	go func() {
		s.handleEvents(rec, req)
		close(done)
	}()

	// give the handler a moment to subscribe before emitting.
	time.Sleep(20 * time.Millisecond)
	bus.EmitRequest(model.RequestDetails{ID: 1, Host: "example.com"})
	bus.Flush()

	<-done

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "data: "))
	require.True(t, strings.HasSuffix(body, "\n\n"))

	line := strings.TrimSuffix(strings.TrimPrefix(body, "data: "), "\n\n")
	var event eventbus.Event
	require.NoError(t, json.Unmarshal([]byte(line), &event))
	require.Equal(t, eventbus.RequestBatch, event.Type)
	require.Len(t, event.Data, 1)
}

func TestCorsMiddleware_SetsPermissiveHeaders(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/proxy/status", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorsMiddleware_HandlesPreflight(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/proxy/status", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_StartBindsLoopbackAndStopReleasesIt(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	require.NoError(t, s.Start(0))
	addr := s.listener.Addr().String()
	require.True(t, strings.HasPrefix(addr, "127.0.0.1:"))

	resp, err := http.Get("http://" + addr + "/api/proxy/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(time.Second))
}
