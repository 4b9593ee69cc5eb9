package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/fcsandbox/internal/pool"
	"github.com/michaelbrown/fcsandbox/internal/storage"
	"github.com/michaelbrown/fcsandbox/internal/storage/sqlite"
	"github.com/michaelbrown/fcsandbox/internal/vmm"
	"github.com/michaelbrown/fcsandbox/internal/wire"
)

type stubSandbox struct {
	id       string
	startErr error

	mu    sync.Mutex
	state vmm.State
}

func (s *stubSandbox) ID() string { return s.id }

func (s *stubSandbox) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		s.state = vmm.StateFailed
		return s.startErr
	}
	s.state = vmm.StateRunning
	return nil
}

func (s *stubSandbox) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = vmm.StateStopped
	return nil
}

func (s *stubSandbox) State() vmm.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubSandbox) Pid() int             { return 1 }
func (s *stubSandbox) StartedAt() time.Time { return time.Unix(1700000000, 0) }

// echoExecutor answers every request with the code it received.
type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, id, code string) wire.ExecuteResponse {
	if strings.HasPrefix(code, "throw") {
		return wire.ErrorResponse("Error: %s", strings.TrimPrefix(code, "throw "))
	}
	return wire.ExecuteResponse{Status: wire.StatusSuccess, Output: id + ":" + code}
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

type testEnv struct {
	srv   *httptest.Server
	pool  *pool.Pool
	store storage.Store
}

func newTestEnv(t *testing.T, max int, startErr error) testEnv {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p := pool.New(pool.Options{
		Factory: func(id string) pool.Sandbox {
			return &stubSandbox{id: id, startErr: startErr}
		},
		Executor:     echoExecutor{},
		Journal:      store,
		MaxSandboxes: max,
		Log:          testLogger(),
	})
	s := New(p, store, testLogger())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Shutdown(context.Background())
	})
	return testEnv{srv: srv, pool: p, store: store}
}

func (e testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			rdr = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e testEnv) create(t *testing.T) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/sandboxes", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created struct {
		ID     string `json:"vm_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "running", created.Status)
	return created.ID
}

func TestSandboxLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, 0, nil)
	id := env.create(t)

	resp, body := env.do(t, http.MethodGet, "/api/sandboxes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var list []pool.Info
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, "running", list[0].State)

	resp, body = env.do(t, http.MethodGet, "/api/sandboxes/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), id)

	resp, body = env.do(t, http.MethodPost, "/api/sandboxes/"+id+"/execute", map[string]string{"code": "print(1)"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result wire.ExecuteResponse
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, wire.StatusSuccess, result.Status)
	assert.Equal(t, id+":print(1)", result.Output)

	resp, body = env.do(t, http.MethodDelete, "/api/sandboxes/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"deleted"}`, string(body))

	resp, _ = env.do(t, http.MethodPost, "/api/sandboxes/"+id+"/execute", map[string]string{"code": "print(1)"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecutionErrorIsNotHTTPError(t *testing.T) {
	env := newTestEnv(t, 0, nil)
	id := env.create(t)

	resp, body := env.do(t, http.MethodPost, "/api/sandboxes/"+id+"/execute", map[string]string{"code": "throw boom"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result wire.ExecuteResponse
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, wire.StatusError, result.Status)
	assert.Contains(t, result.Output, "boom")
}

func TestExecuteValidation(t *testing.T) {
	env := newTestEnv(t, 0, nil)
	id := env.create(t)

	resp, _ := env.do(t, http.MethodPost, "/api/sandboxes/"+id+"/execute", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/sandboxes/"+id+"/execute", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/sandboxes/"+id+"/execute", map[string]string{"code": ""})
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func TestUnknownSandbox(t *testing.T) {
	env := newTestEnv(t, 0, nil)

	resp, _ := env.do(t, http.MethodGet, "/api/sandboxes/vm-nothere", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/sandboxes/vm-nothere/execute", map[string]string{"code": "1"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Deleting an unknown sandbox succeeds.
	resp, body := env.do(t, http.MethodDelete, "/api/sandboxes/vm-nothere", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"deleted"}`, string(body))
}

func TestCreateFailures(t *testing.T) {
	env := newTestEnv(t, 0, errors.New("snapshot load rejected"))
	resp, body := env.do(t, http.MethodPost, "/api/sandboxes", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body), "snapshot load rejected")

	full := newTestEnv(t, 1, nil)
	full.create(t)
	resp, _ = full.do(t, http.MethodPost, "/api/sandboxes", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	env := newTestEnv(t, 0, nil)
	id := env.create(t)
	env.do(t, http.MethodPost, "/api/sandboxes/"+id+"/execute", map[string]string{"code": "1"})
	env.create(t)

	resp, body := env.do(t, http.MethodGet, "/api/events?sandbox="+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []storage.Event
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events, 3)
	assert.Equal(t, storage.EventExecuted, events[0].Kind)
	assert.Equal(t, "success", events[0].Detail)

	resp, body = env.do(t, http.MethodGet, "/api/events?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &events))
	assert.Len(t, events, 1)

	resp, body = env.do(t, http.MethodGet, "/api/history?status=running", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []storage.Sandbox
	require.NoError(t, json.Unmarshal(body, &history))
	assert.Len(t, history, 2)
}

func TestWebSocketExecute(t *testing.T) {
	env := newTestEnv(t, 0, nil)
	id := env.create(t)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/sandboxes/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	for _, code := range []string{"a = 1", "print(a)"} {
		require.NoError(t, conn.WriteJSON(wsIncoming{Type: "execute", Code: code}))
		var out wsOutgoing
		require.NoError(t, conn.ReadJSON(&out))
		assert.Equal(t, "result", out.Type)
		assert.Equal(t, wire.StatusSuccess, out.Status)
		assert.Equal(t, id+":"+code, out.Output)
	}

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "chat"}))
	var out wsOutgoing
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "error", out.Type)
}

func TestWebSocketUnknownSandbox(t *testing.T) {
	env := newTestEnv(t, 0, nil)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/sandboxes/vm-nothere/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShutdownDestroysSandboxes(t *testing.T) {
	env := newTestEnv(t, 0, nil)
	env.create(t)
	env.create(t)

	s := New(env.pool, env.store, testLogger())
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Empty(t, env.pool.List())
	assert.Zero(t, env.pool.Len())
}

func TestCreateAfterShutdownIsRejected(t *testing.T) {
	env := newTestEnv(t, 0, nil)
	env.create(t)

	s := New(env.pool, env.store, testLogger())
	require.NoError(t, s.Shutdown(context.Background()))

	resp, body := env.do(t, http.MethodPost, "/api/sandboxes", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "closed")
	assert.Zero(t, env.pool.Len())
	assert.Empty(t, env.pool.List())
}
