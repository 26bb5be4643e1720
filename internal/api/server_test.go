package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/blockrun/gateway"
	"github.com/caffeineduck/blockrun/internal/config"
	"github.com/caffeineduck/blockrun/internal/logging"
	"github.com/caffeineduck/blockrun/language/javascript"
	"github.com/caffeineduck/blockrun/project"
	"github.com/caffeineduck/blockrun/sandbox"
)

var (
	sharedExec *sandbox.Executor
	sharedLang = javascript.New()
)

func TestMain(m *testing.M) {
	var err error
	sharedExec, err = sandbox.New(sandbox.WithPrecompile(sharedLang))
	if err != nil {
		panic("failed to create shared executor: " + err.Error())
	}
	code := m.Run()
	sharedExec.Close()
	os.Exit(code)
}

const (
	helloWorkspace = `{"blocks":[
		{"id":"p","type":"text_print","inputs":{"TEXT":"t"}},
		{"id":"t","type":"text","fields":{"TEXT":"Hello, World!"}}]}`
	sumWorkspace = `{"blocks":[
		{"id":"p","type":"text_print","inputs":{"TEXT":"add"}},
		{"id":"add","type":"math_arithmetic","fields":{"OP":"ADD"},"inputs":{"A":"a","B":"b"}},
		{"id":"a","type":"math_number","fields":{"NUM":5}},
		{"id":"b","type":"math_number","fields":{"NUM":3}}]}`
	cyclicWorkspace = `{"blocks":[
		{"id":"a","type":"text_print","next":"b"},
		{"id":"b","type":"text_print","next":"a"}]}`
	unknownWorkspace = `{"blocks":[{"id":"x","type":"robot_dance"}]}`
)

type testServer struct {
	*httptest.Server
	api     *Server
	backend *httptest.Server
	execs   atomic.Int32
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/runtimes", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"language": "python", "version": "3.10.0", "aliases": []string{"py"}},
		})
	})
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		ts.execs.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"language": "python",
			"version":  "3.10.0",
			"run":      map[string]any{"stdout": "hi\n", "stderr": "", "code": 0, "signal": nil},
		})
	})
	ts.backend = httptest.NewServer(mux)
	t.Cleanup(ts.backend.Close)

	cfg := config.Default()
	cfg.Sandbox.Timeout = 2 * time.Second

	ts.api = NewServer(Deps{
		Executor: sharedExec,
		Language: sharedLang,
		Gateway:  gateway.NewClient(ts.backend.URL),
		Store:    project.NewMemoryStore(),
		Config:   cfg,
		Logger:   logging.Discard(),
	})
	ts.Server = httptest.NewServer(ts.api.Handler())
	t.Cleanup(func() {
		ts.Server.Close()
		ts.api.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(bytes.TrimSpace(data)) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp, out
}

func workspaceBody(ws string) string {
	return `{"workspace":` + ws + `}`
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestCompileHelloWorld(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, "POST", "/api/v1/compile", workspaceBody(helloWorkspace))

	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "console.log(\"Hello, World!\");\n", body["source"])
	assert.Equal(t, float64(2), body["nodes"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestCompileYAML(t *testing.T) {
	ts := newTestServer(t)
	yaml := "blocks:\n  - id: p\n    type: text_print\n    inputs: {TEXT: t}\n  - id: t\n    type: text\n    fields: {TEXT: hi}\n"
	payload, _ := json.Marshal(map[string]string{"workspace_yaml": yaml})

	resp, body := ts.do(t, "POST", "/api/v1/compile", string(payload))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "console.log(\"hi\");\n", body["source"])
}

func TestCompileErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"cycle", workspaceBody(cyclicWorkspace), http.StatusBadRequest, ErrCodeInvalidWorkspace},
		{"unknown block", workspaceBody(unknownWorkspace), http.StatusUnprocessableEntity, ErrCodeCompileError},
		{"empty", workspaceBody(`{"blocks":[]}`), http.StatusUnprocessableEntity, ErrCodeNothingToRun},
		{"missing", `{}`, http.StatusBadRequest, ErrCodeBadRequest},
		{"not json", `{`, http.StatusBadRequest, ErrCodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, "POST", "/api/v1/compile", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, body["error"])
			assert.NotEmpty(t, body["message"])
		})
	}

	_, body := ts.do(t, "POST", "/api/v1/compile", workspaceBody(unknownWorkspace))
	details := body["details"].(map[string]any)
	assert.Equal(t, "x", details["node_id"])
	assert.Equal(t, "robot_dance", details["type"])
}

func TestSandboxRun(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, "POST", "/api/v1/sandbox/run", workspaceBody(sumWorkspace))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "completed", body["status"])
	diags := body["diagnostics"].([]any)
	require.Len(t, diags, 1)
	assert.Equal(t, map[string]any{"seq": float64(1), "channel": "info", "text": "8"}, diags[0])
}

func TestSandboxRunOutcomes(t *testing.T) {
	ts := newTestServer(t)

	_, body := ts.do(t, "POST", "/api/v1/sandbox/run", `{"source":"throw new TypeError('boom')"}`)
	assert.Equal(t, "faulted", body["status"])
	diags := body["diagnostics"].([]any)
	require.Len(t, diags, 1)
	assert.Equal(t, "error", diags[0].(map[string]any)["channel"])

	_, body = ts.do(t, "POST", "/api/v1/sandbox/run", `{"source":"while (true) {}","timeout":"200ms"}`)
	assert.Equal(t, "timed_out", body["status"])

	resp, body := ts.do(t, "POST", "/api/v1/sandbox/run", `{"source":"1","timeout":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeBadRequest, body["error"])
}

func TestSandboxRunNothingToRun(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, "POST", "/api/v1/sandbox/run", workspaceBody(`{"blocks":[]}`))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, ErrCodeNothingToRun, body["error"])
}

func TestRunTimeoutNeverExtendsLimit(t *testing.T) {
	s := &Server{cfg: config.Default()}
	s.cfg.Sandbox.Timeout = time.Second

	d, err := s.runTimeout("")
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = s.runTimeout("1h")
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = s.runTimeout("100ms")
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, d)

	_, err = s.runTimeout("-1s")
	assert.Error(t, err)
}

func TestExecute(t *testing.T) {
	ts := newTestServer(t)

	// Nothing has been listed yet, so no language is allowed.
	resp, body := ts.do(t, "POST", "/api/v1/execute", `{"language":"python","source":"print('hi')"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeValidation, body["error"])
	assert.Equal(t, int32(0), ts.execs.Load())

	resp, body = ts.do(t, "GET", "/api/v1/languages", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	langs := body["languages"].([]any)
	require.Len(t, langs, 1)
	assert.Equal(t, "Python 3.10.0", langs[0].(map[string]any)["displayLabel"])

	resp, body = ts.do(t, "POST", "/api/v1/execute", `{"language":"py","source":"print('hi')"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	view := body["view"].(map[string]any)
	assert.Equal(t, "hi", view["stdout"])
	assert.Equal(t, true, view["badge"].(map[string]any)["success"])

	resp, body = ts.do(t, "POST", "/api/v1/execute", `{"language":"python","source":"   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	details := body["details"].(map[string]any)
	assert.Equal(t, "validation_error", details["view"].(map[string]any)["kind"])
	assert.Equal(t, int32(1), ts.execs.Load())
}

func TestExecuteTransportError(t *testing.T) {
	ts := newTestServer(t)
	_, _ = ts.do(t, "GET", "/api/v1/languages", "")
	ts.backend.Close()

	resp, body := ts.do(t, "POST", "/api/v1/execute", `{"language":"python","source":"print(1)"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, ErrCodeTransport, body["error"])
}

func TestProjectsCRUD(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, "POST", "/api/v1/projects", `{"name":"hello","forest":`+helloWorkspace+`}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	id := body["id"].(string)

	resp, body = ts.do(t, "GET", "/api/v1/projects/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", body["name"])

	resp, body = ts.do(t, "POST", "/api/v1/projects/"+id+"/compile", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "console.log(\"Hello, World!\");\n", body["source"])

	resp, body = ts.do(t, "PUT", "/api/v1/projects/"+id, `{"name":"sum","forest":`+sumWorkspace+`}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "sum", body["name"])

	_, body = ts.do(t, "GET", "/api/v1/projects", "")
	list := body["projects"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].(map[string]any)["id"])

	resp, _ = ts.do(t, "DELETE", "/api/v1/projects/"+id, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = ts.do(t, "GET", "/api/v1/projects/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ErrCodeNotFound, body["error"])

	resp, body = ts.do(t, "POST", "/api/v1/projects", `{"name":"loop","forest":`+cyclicWorkspace+`}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeBadRequest, body["error"])
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, "POST", "/api/v1/sessions", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["session_id"].(string)
	assert.Equal(t, "idle", body["state"])

	resp, body = ts.do(t, "POST", "/api/v1/sessions/"+id+"/runs", workspaceBody(helloWorkspace))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)

	// Follow the run over SSE until its status arrives.
	sse, err := http.Get(ts.URL + "/api/v1/sessions/" + id + "/events")
	require.NoError(t, err)
	defer sse.Body.Close()
	assert.Equal(t, "text/event-stream", sse.Header.Get("Content-Type"))

	var events []string
	scanner := bufio.NewScanner(sse.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	require.Len(t, events, 2)
	assert.JSONEq(t, `{"seq":1,"channel":"info","text":"Hello, World!"}`, events[0])
	assert.JSONEq(t, `{"run_id":1,"status":"completed"}`, events[1])

	_, body = ts.do(t, "GET", "/api/v1/sessions/"+id, "")
	assert.Equal(t, "idle", body["state"])
	run := body["run"].(map[string]any)
	assert.Equal(t, "completed", run["status"])
	assert.Len(t, run["diagnostics"].([]any), 1)

	resp, _ = ts.do(t, "DELETE", "/api/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = ts.do(t, "GET", "/api/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionStopDiscards(t *testing.T) {
	ts := newTestServer(t)

	_, body := ts.do(t, "POST", "/api/v1/sessions", "")
	id := body["session_id"].(string)

	ts.do(t, "POST", "/api/v1/sessions/"+id+"/runs", `{"source":"console.log('x'); while (true) {}"}`)
	resp, _ := ts.do(t, "POST", "/api/v1/sessions/"+id+"/stop", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, body = ts.do(t, "GET", "/api/v1/sessions/"+id, "")
	run := body["run"].(map[string]any)
	assert.Equal(t, "discarded", run["status"])
	assert.Empty(t, run["diagnostics"])
}

func TestSessionExpiry(t *testing.T) {
	sm := newSessionManager(time.Minute, logging.Discard())
	defer sm.closeAll()

	id := sm.add(sharedExec.NewSession(sharedLang))
	sm.expire(time.Now())
	assert.Equal(t, 1, sm.count())

	sm.expire(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, sm.count())
	_, ok := sm.get(id)
	assert.False(t, ok)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/api/v1/projects/{id}", normalizePath("/api/v1/projects/0b6f7ad4-8f3e-4a57-9d3e-2e0f5f1e8c11"))
	assert.Equal(t, "/api/v1/compile", normalizePath("/api/v1/compile"))
}

func TestRecoveryMiddleware(t *testing.T) {
	s := &Server{logger: logging.Discard()}
	h := s.RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), ErrCodeInternalError)
}
