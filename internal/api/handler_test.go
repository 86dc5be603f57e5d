//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ashureev/simulab/internal/agentex"
	"github.com/ashureev/simulab/internal/config"
	"github.com/ashureev/simulab/internal/simulab"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestWriteResultMirrorsUpstreamStatus(t *testing.T) {
	w := httptest.NewRecorder()
	writeResult(w, agentex.Result{Error: "Agent error: 404", Data: json.RawMessage(`{"detail":"no task"}`), StatusCode: http.StatusNotFound})

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "Agent error: 404" {
		t.Errorf("error = %v", body["error"])
	}

	w = httptest.NewRecorder()
	writeResult(w, agentex.Failure("connection refused"))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("transport failure status = %d, want 500", w.Code)
	}
}

type testEnv struct {
	cfg      *config.Config
	router   http.Handler
	upstream *atomic.Int32
}

type fakeProber struct {
	fail map[string]error
	hang map[string]bool
}

func (p fakeProber) Probe(ctx context.Context, agent string) error {
	if p.hang[agent] {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.fail[agent]
}

// newTestEnv wires the handler in prod mode against a fake AgentEx platform.
func newTestEnv(t *testing.T, upstream http.HandlerFunc, prober agentex.Prober) *testEnv {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get(agentex.HeaderAPIKey) != "key-1" {
			http.Error(w, "missing api key", http.StatusUnauthorized)
			return
		}
		upstream(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Mode:    config.ModeProd,
		AgentEx: config.AgentExConfig{BaseURL: srv.URL, APIKey: "key-1", AccountID: "acct-1"},
		AgentsByID: map[string]config.AgentConfig{
			config.AgentOrchestrator: {Name: "simulab-orchestrator", Port: 8001},
			config.AgentSimulator:    {Name: "simulab-simulator", Port: 8002},
			config.AgentJudge:        {Name: "simulab-judge", Port: 8003},
		},
		Timeout:         config.TimeoutConfig{AgentCall: 5 * time.Second, HealthProbe: 50 * time.Millisecond},
		Poll:            config.PollConfig{MaxAttempts: 3, Interval: time.Millisecond},
		EvalConcurrency: 4,
		MaxUploadBytes:  1 << 20,
	}
	if prober == nil {
		prober = fakeProber{}
	}
	return newEnvWithConfig(t, cfg, srv.Client(), prober, &calls)
}

func newEnvWithConfig(t *testing.T, cfg *config.Config, client agentex.Doer, prober agentex.Prober, calls *atomic.Int32) *testEnv {
	t.Helper()
	caller := agentex.NewCaller(cfg, client, agentex.MustNewMetrics(prometheus.NewRegistry()), nil)
	svc := simulab.NewService(cfg, caller, simulab.Options{})
	h := NewHandler(cfg, svc, agentex.NewPlatform(caller), prober, nil)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return &testEnv{cfg: cfg, router: r, upstream: calls}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return out
}

func rpcHandler(t *testing.T, results map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/rpc") {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc: %v", err)
			return
		}
		result, ok := results[req.Method]
		if !ok {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","error":{"code":-32601,"message":"method not found"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":` + result + `}`))
	}
}
