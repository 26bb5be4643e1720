package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/blockrun/gateway"
)

type fakeBackend struct {
	*httptest.Server
	executeCalls atomic.Int32
	runtimeCalls atomic.Int32
	lastRequest  atomic.Value

	mu      sync.Mutex
	execute func(w http.ResponseWriter, body map[string]any)
}

func (fb *fakeBackend) setExecute(fn func(w http.ResponseWriter, body map[string]any)) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.execute = fn
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("/runtimes", func(w http.ResponseWriter, r *http.Request) {
		fb.runtimeCalls.Add(1)
		json.NewEncoder(w).Encode([]map[string]any{
			{"language": "python", "version": "3.10.0", "aliases": []string{"py", "python3"}},
			{"language": "javascript", "version": "18.15.0", "aliases": []string{"node-javascript", "js"}, "runtime": "node"},
			{"language": "python", "version": "2.7.18", "aliases": []string{"py2"}},
			{"language": "c++", "version": "10.2.0", "aliases": []string{"cpp"}},
		})
	})
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		fb.executeCalls.Add(1)
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		fb.lastRequest.Store(body)
		w.Header().Set("Content-Type", "application/json")
		fb.mu.Lock()
		execute := fb.execute
		fb.mu.Unlock()
		execute(w, body)
	})
	fb.Server = httptest.NewServer(mux)
	t.Cleanup(fb.Close)
	return fb
}

func runResponse(stdout, stderr string, code any, signal any) func(http.ResponseWriter, map[string]any) {
	return func(w http.ResponseWriter, body map[string]any) {
		json.NewEncoder(w).Encode(map[string]any{
			"language": body["language"],
			"version":  body["version"],
			"run": map[string]any{
				"stdout":    stdout,
				"stderr":    stderr,
				"output":    stdout + stderr,
				"code":      code,
				"signal":    signal,
				"wall_time": 42,
				"memory":    8 * 1024 * 1024,
			},
		})
	}
}

func readyClient(t *testing.T, fb *fakeBackend) *gateway.Client {
	t.Helper()
	c := gateway.NewClient(fb.URL + "/")
	_, err := c.ListLanguages(context.Background())
	require.NoError(t, err)
	return c
}

func TestListLanguages(t *testing.T) {
	fb := newFakeBackend(t)
	c := gateway.NewClient(fb.URL)

	langs, err := c.ListLanguages(context.Background())
	require.NoError(t, err)
	require.Len(t, langs, 4)

	assert.Equal(t, gateway.Language{
		Name:          "python",
		Version:       "3.10.0",
		FileExtension: "py",
		DisplayLabel:  "Python 3.10.0",
		Aliases:       []string{"py", "python3"},
	}, langs[0])
	assert.Equal(t, "JavaScript 18.15.0", langs[1].DisplayLabel)
	assert.Equal(t, "cpp", langs[3].FileExtension)
	assert.Equal(t, langs, c.Languages())
}

func TestRunSuccess(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setExecute(runResponse("hi\n", "", 0, nil))
	c := readyClient(t, fb)

	res, err := c.Run(context.Background(), "python", "print('hi')")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, int64(42), res.ExecutionTimeMs)
	assert.Equal(t, int64(8*1024), res.MemoryKB)
	assert.NoError(t, res.Err())

	body := fb.lastRequest.Load().(map[string]any)
	assert.Equal(t, "python", body["language"])
	assert.Equal(t, "3.10.0", body["version"])
	files := body["files"].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, "print('hi')", files[0].(map[string]any)["content"])
	assert.Equal(t, "main.py", files[0].(map[string]any)["name"])
}

func TestRunProgramFailureIsNotTransportError(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setExecute(runResponse("", "Traceback (most recent call last):\nException: x\n", 1, nil))
	c := readyClient(t, fb)

	res, err := c.Run(context.Background(), "python", "raise Exception('x')")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)

	var berr *gateway.BackendExecutionError
	require.ErrorAs(t, res.Err(), &berr)
	assert.Equal(t, 1, berr.ExitCode)
	assert.Contains(t, berr.Error(), "Traceback")
}

func TestRunKilledBySignal(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setExecute(runResponse("", "", nil, "SIGKILL"))
	c := readyClient(t, fb)

	res, err := c.Run(context.Background(), "python", "while True: pass")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "SIGKILL", res.Signal)
	assert.Equal(t, -1, res.ExitCode)
}

func TestRunCompileFailure(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setExecute(func(w http.ResponseWriter, body map[string]any) {
		json.NewEncoder(w).Encode(map[string]any{
			"language": "c++",
			"version":  "10.2.0",
			"compile":  map[string]any{"stdout": "", "stderr": "main.cpp:1: error", "code": 1, "signal": nil},
			"run":      map[string]any{"stdout": "", "stderr": "", "code": nil, "signal": nil},
		})
	})
	c := readyClient(t, fb)

	res, err := c.Run(context.Background(), "cpp", "int main( {")
	require.NoError(t, err)
	assert.Equal(t, "compile", res.Stage)
	assert.Equal(t, "main.cpp:1: error", res.Stderr)
	assert.False(t, res.Success)
}

func TestRunEmptySource(t *testing.T) {
	fb := newFakeBackend(t)
	c := readyClient(t, fb)

	for _, src := range []string{"", "   ", "\n\t \n"} {
		_, err := c.Run(context.Background(), "python", src)

		var verr *gateway.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.True(t, errors.Is(err, gateway.ErrEmptySource))
	}
	assert.Equal(t, int32(0), fb.executeCalls.Load())
}

func TestRunUnknownLanguage(t *testing.T) {
	fb := newFakeBackend(t)
	c := readyClient(t, fb)

	_, err := c.Run(context.Background(), "cobol", "DISPLAY 'HI'.")

	var verr *gateway.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, errors.Is(err, gateway.ErrUnknownLanguage))
	assert.Equal(t, int32(0), fb.executeCalls.Load())
}

func TestRunBeforeListLanguages(t *testing.T) {
	fb := newFakeBackend(t)
	c := gateway.NewClient(fb.URL)

	_, err := c.Run(context.Background(), "python", "print(1)")
	assert.True(t, errors.Is(err, gateway.ErrUnknownLanguage))
	assert.Equal(t, int32(0), fb.executeCalls.Load())
	assert.Equal(t, int32(0), fb.runtimeCalls.Load())
}

func TestResolve(t *testing.T) {
	fb := newFakeBackend(t)
	c := readyClient(t, fb)

	tests := map[string]string{
		"python":        "3.10.0",
		"PY":            "3.10.0",
		"py2":           "2.7.18",
		"python@2.7.18": "2.7.18",
		"js":            "18.15.0",
	}
	for id, version := range tests {
		l, err := c.Resolve(id)
		require.NoError(t, err, id)
		assert.Equal(t, version, l.Version, id)
	}
}

func TestTransportErrorCarriesBackendMessage(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setExecute(func(w http.ResponseWriter, body map[string]any) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"python-3.10.0 runtime is unknown"}`))
	})
	c := readyClient(t, fb)

	_, err := c.Run(context.Background(), "python", "print(1)")

	var terr *gateway.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "python-3.10.0 runtime is unknown", terr.Message)
	assert.Equal(t, "python-3.10.0 runtime is unknown", err.Error())
	assert.Equal(t, http.StatusBadRequest, terr.StatusCode)
	assert.Equal(t, int32(1), fb.executeCalls.Load(), "a failed call must not be retried")
}

func TestTransportErrorUnreachable(t *testing.T) {
	fb := newFakeBackend(t)
	c := readyClient(t, fb)
	fb.Close()

	_, err := c.Run(context.Background(), "python", "print(1)")
	var terr *gateway.TransportError
	require.ErrorAs(t, err, &terr)
	assert.NotEmpty(t, terr.Message)
}

func TestRateLimitWaitsRespectsContext(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setExecute(runResponse("ok", "", 0, nil))
	c := gateway.NewClient(fb.URL, gateway.WithRateLimit(0.001, 1))
	_, err := c.ListLanguages(context.Background())
	require.NoError(t, err)

	// The burst went to ListLanguages; the next call would wait far longer
	// than the context allows.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Run(ctx, "python", "print(1)")

	var terr *gateway.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, int32(0), fb.executeCalls.Load())
}

func TestRunAndRender(t *testing.T) {
	fb := newFakeBackend(t)
	c := readyClient(t, fb)

	fb.setExecute(runResponse("hi\n", "", 0, nil))
	res, err := c.Run(context.Background(), "python", "print('hi')")
	require.NoError(t, err)
	v := gateway.Render(res)
	assert.Equal(t, "hi", v.Stdout)
	assert.Equal(t, gateway.Badge{Label: "0", Success: true}, *v.Badge)

	fb.setExecute(runResponse("", "Traceback...", 1, nil))
	res, err = c.Run(context.Background(), "python", "raise Exception('x')")
	require.NoError(t, err)
	v = gateway.Render(res)
	assert.Equal(t, "Traceback...", v.Stderr)
	assert.False(t, v.Badge.Success)
}
