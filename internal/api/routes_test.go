package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/simulab/internal/agentex"
	"github.com/ashureev/simulab/internal/config"
	"github.com/ashureev/simulab/internal/simulab"
)

func TestCreateRequiresProteinTarget(t *testing.T) {
	env := newTestEnv(t, rpcHandler(t, nil), nil)

	w := env.do(http.MethodPost, "/api/simulab/create", map[string]any{"seed_molecule": "CCO"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "protein_target")
	assert.Equal(t, int32(0), env.upstream.Load())
}

func TestCreateReturnsTaskID(t *testing.T) {
	sent := make(chan string, 1)
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents/name/simulab-orchestrator/rpc", r.URL.Path)
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.Method {
		case "task/create":
			assert.Contains(t, string(req.Params), `"protein_target":"EGFR"`)
			assert.NotContains(t, string(req.Params), "seed_molecule")
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{"id":"task-1","status":"RUNNING"}}`))
		case "event/send":
			var p struct {
				TaskID  string `json:"task_id"`
				Content struct {
					Content string `json:"content"`
				} `json:"content"`
			}
			_ = json.Unmarshal(req.Params, &p)
			assert.Equal(t, "task-1", p.TaskID)
			sent <- p.Content.Content
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{}}`))
		}
	}, nil)

	w := env.do(http.MethodPost, "/api/simulab/create", map[string]any{"protein_target": "EGFR"})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, "task-1", body["task_id"])
	assert.Equal(t, true, body["message_sent"])
	select {
	case text := <-sent:
		assert.Contains(t, text, "EGFR")
	default:
		t.Fatal("initial message was not sent")
	}
}

func TestCreateSurfacesRPCFailure(t *testing.T) {
	env := newTestEnv(t, rpcHandler(t, nil), nil)

	w := env.do(http.MethodPost, "/api/simulab/create", map[string]any{"protein_target": "EGFR"})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "method not found")
}

func TestAgentExProxyMirrorsResponses(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acct-1", r.Header.Get("x-selected-account-id"))
		switch r.URL.Path {
		case "/tasks":
			assert.Equal(t, "limit=2", r.URL.RawQuery)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`[{"id":"t1"}]`))
		case "/export":
			w.Header().Set("Content-Type", "text/csv")
			_, _ = w.Write([]byte("a,b\n1,2\n"))
		case "/tasks/t1":
			assert.Equal(t, http.MethodDelete, r.Method)
			w.WriteHeader(http.StatusNoContent)
		}
	}, nil)

	w := env.do(http.MethodGet, "/api/agentex/tasks?limit=2", nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `[{"id":"t1"}]`, w.Body.String())

	w = env.do(http.MethodGet, "/api/agentex/export", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, "a,b\n1,2\n", w.Body.String())

	w = env.do(http.MethodDelete, "/api/agentex/tasks/t1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestAgentExProxyKeepsEscapedPath(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files/a%3Fb%23c", r.URL.EscapedPath())
		assert.Equal(t, "limit=1", r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}, nil)

	w := env.do(http.MethodGet, "/api/agentex/files/a%3Fb%23c?limit=1", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestAgentExProxyNotConfigured(t *testing.T) {
	env := newTestEnv(t, func(http.ResponseWriter, *http.Request) {}, nil)
	env.cfg.AgentEx.APIKey = ""

	w := env.do(http.MethodPost, "/api/agentex/tasks", `{}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "AgentEx configuration is missing", decodeBody(t, w)["error"])
	assert.Equal(t, int32(0), env.upstream.Load())
}

func TestGenerateMetricsPartialSuccess(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents/forward/name/simulab-simulator/evaluate-molecule", r.URL.Path)
		var p struct {
			ScenarioID string `json:"scenario_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&p)
		if p.ScenarioID == "s2" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"metrics":{"molecular_weight":320,"logp":2.5,"toxicity_risk":"low"}}`))
	}, nil)

	w := env.do(http.MethodPost, "/api/simulab/generate-metrics", map[string]any{
		"protein_target": "EGFR",
		"scenarios": []map[string]string{
			{"scenario_id": "s1", "smiles": "CCO"},
			{"scenario_id": "s2", "smiles": "CCN"},
		},
	})

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "agent", body["source"])
	assert.Equal(t, "pass", body["verdict"])
	assert.Len(t, body["evaluations"], 1)
	assert.Len(t, body["failed"], 1)
}

func TestGenerateMetricsValidation(t *testing.T) {
	env := newTestEnv(t, func(http.ResponseWriter, *http.Request) {}, nil)

	w := env.do(http.MethodPost, "/api/simulab/generate-metrics", map[string]any{"protein_target": "EGFR"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/simulab/generate-metrics", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, int32(0), env.upstream.Load())
}

func TestEditReportSoftFailure(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, nil)

	w := env.do(http.MethodPost, "/api/simulab/edit-report", map[string]any{
		"experiment_id": "exp-1",
		"report":        "# Report",
		"instruction":   "add a risk section",
	})

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["summary"])

	w = env.do(http.MethodPost, "/api/simulab/edit-report", map[string]any{"instruction": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEditReportViaAgent(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents/forward/name/simulab-orchestrator/process-report-edit", r.URL.Path)
		_, _ = w.Write([]byte(`{"report":"# Report\n## Risks","summary":"Added risks.","changes":["risk section"]}`))
	}, nil)

	w := env.do(http.MethodPost, "/api/simulab/edit-report", map[string]any{
		"experiment_id": "exp-1",
		"report":        "# Report",
		"instruction":   "add a risk section",
	})

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "agent", body["source"])
	assert.Equal(t, "Added risks.", body["summary"])
}

func TestTraceEventRejectionIsLogged(t *testing.T) {
	var logs bytes.Buffer
	cfg := &config.Config{}
	caller := agentex.NewCaller(cfg, nil, agentex.MustNewMetrics(prometheus.NewRegistry()), nil)
	h := NewHandler(cfg, simulab.NewService(cfg, caller, simulab.Options{}), agentex.NewPlatform(caller), fakeProber{},
		slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))

	h.traceEvent(simulab.TraceEvent{Event: "criteria_changed"})

	assert.Contains(t, logs.String(), "trace event rejected")
	assert.Contains(t, logs.String(), "experiment_id")
}

func TestTraceDesignChange(t *testing.T) {
	env := newTestEnv(t, func(http.ResponseWriter, *http.Request) {}, nil)

	w := env.do(http.MethodPost, "/api/simulab/trace-design-change", map[string]any{"experiment_id": "exp-1", "field": "smiles"})
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = env.do(http.MethodPost, "/api/simulab/trace-design-change", map[string]any{"field": "smiles"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDesignExperimentRoute(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/agents/forward/name/simulab-orchestrator/design-experiment/start" {
			_, _ = w.Write([]byte(`{"experiment_id":"exp-5","scenarios":[{"scenario_id":"s1","smiles":"CCO"}]}`))
			return
		}
		http.NotFound(w, r)
	}, nil)

	w := env.do(http.MethodPost, "/api/simulab/design-experiment", map[string]any{"protein_target": "EGFR"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "exp-5", decodeBody(t, w)["experiment_id"])

	w = env.do(http.MethodPost, "/api/simulab/design-experiment", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGenerateVerdictRouteUpstreamError(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"evaluations malformed"}`))
	}, nil)

	w := env.do(http.MethodPost, "/api/simulab/generate-verdict", map[string]any{
		"experiment_id": "exp-1",
		"evaluations":   []map[string]any{{"scenario_id": "s1"}},
	})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "Agent error: 422", body["error"])
	assert.Equal(t, map[string]any{"detail": "evaluations malformed"}, body["details"])
}

func TestSimulabMessagesRequiresTaskID(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "task-1", r.URL.Query().Get("task_id"))
		_, _ = w.Write([]byte(`[{"id":"m1"}]`))
	}, nil)

	w := env.do(http.MethodGet, "/api/simulab/messages", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/api/simulab/messages?task_id=task-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"id":"m1"}]`, w.Body.String())

	w = env.do(http.MethodGet, "/api/messages/task-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTaskRoutes(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/tasks" && r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`[{"id":"t1"}]`))
		case r.URL.Path == "/tasks/t1":
			_, _ = w.Write([]byte(`{"id":"t1","status":"RUNNING"}`))
		case r.URL.Path == "/agents/name/simulab-orchestrator/rpc":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{"id":"ev-1"}}`))
		case r.URL.Path == "/agents/name/custom-agent/rpc":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{"id":"t9"}}`))
		default:
			http.NotFound(w, r)
		}
	}, nil)

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/tasks", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/tasks/t1", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/tasks/missing", nil).Code)

	w := env.do(http.MethodPost, "/api/tasks/t1/signal", map[string]any{"message": "use a smaller scaffold"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/tasks/t1/signal", map[string]any{}).Code)

	w = env.do(http.MethodPost, "/api/tasks", map[string]any{"agent_name": "custom-agent", "params": map[string]any{"k": "v"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "t9", decodeBody(t, w)["id"])
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/tasks", map[string]any{}).Code)
}

const streamBody = "event: message\ndata: {\"delta\":\"Hel\"}\n\ndata: {\"delta\":\"lo\"}\n\n"

func streamUpstream(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/tasks/t1/stream" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	_, _ = io.WriteString(w, streamBody)
}

func TestTaskStreamRelaysBytes(t *testing.T) {
	env := newTestEnv(t, streamUpstream, nil)

	w := env.do(http.MethodGet, "/api/tasks/t1/stream", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, streamBody, w.Body.String())

	w = env.do(http.MethodGet, "/api/tasks/other/stream", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTaskWebSocketRelaysEvents(t *testing.T) {
	env := newTestEnv(t, streamUpstream, nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/tasks/t1/ws", nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	var got []string
	for range 2 {
		typ, data, err := conn.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, websocket.MessageText, typ)
		got = append(got, string(data))
	}
	assert.Equal(t, []string{`{"delta":"Hel"}`, `{"delta":"lo"}`}, got)

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestUploadForwardsFile(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files", r.URL.Path)
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer func() { _ = f.Close() }()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "target.pdb", hdr.Filename)
		assert.Equal(t, "ATOM", string(data))
		assert.Equal(t, "task-1", r.FormValue("task_id"))
		_, _ = w.Write([]byte(`{"id":"file-1"}`))
	}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("task_id", "task-1"))
	part, err := mw.CreateFormFile("file", "target.pdb")
	require.NoError(t, err)
	_, _ = part.Write([]byte("ATOM"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"id":"file-1"}`, w.Body.String())

	var empty bytes.Buffer
	mw = multipart.NewWriter(&empty)
	require.NoError(t, mw.WriteField("task_id", "task-1"))
	require.NoError(t, mw.Close())
	req = httptest.NewRequest(http.MethodPost, "/api/files", &empty)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentsHealthFallsBackToLookup(t *testing.T) {
	var (
		mu      sync.Mutex
		lookups []string
	)
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/agents":
			_, _ = w.Write([]byte(`[{"id":"1","name":"simulab-orchestrator","status":"Ready"},{"id":"2","name":"simulab-simulator","status":"Ready"}]`))
		case "/agents/name/simulab-judge":
			mu.Lock()
			lookups = append(lookups, r.URL.Path)
			mu.Unlock()
			_, _ = w.Write([]byte(`{"id":"3","name":"simulab-judge","status":"Ready"}`))
		default:
			http.NotFound(w, r)
		}
	}, fakeProber{
		fail: map[string]error{config.AgentSimulator: errors.New("health probe: status 503")},
		hang: map[string]bool{config.AgentJudge: true},
	})

	start := time.Now()
	w := env.do(http.MethodGet, "/api/simulab/agents-health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Less(t, time.Since(start), 2*time.Second)
	mu.Lock()
	assert.Equal(t, []string{"/agents/name/simulab-judge"}, lookups)
	mu.Unlock()

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Agents, 3)
	byAgent := map[string]AgentHealth{}
	for _, a := range resp.Agents {
		byAgent[a.Agent] = a
	}

	assert.True(t, byAgent[config.AgentOrchestrator].ACPHealthy)
	assert.True(t, byAgent[config.AgentOrchestrator].Registered)
	assert.False(t, byAgent[config.AgentSimulator].ACPHealthy)
	assert.Contains(t, byAgent[config.AgentSimulator].Error, "503")

	judge := byAgent[config.AgentJudge]
	assert.True(t, judge.Registered)
	assert.Equal(t, "Ready", judge.Status)
	assert.False(t, judge.ACPHealthy)
	assert.Contains(t, judge.Error, context.DeadlineExceeded.Error())
}

func TestAgentsHealthRegistryDown(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, nil)

	w := env.do(http.MethodGet, "/api/simulab/agents-health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RegistryError)
	for _, a := range resp.Agents {
		assert.False(t, a.Registered)
		assert.Equal(t, "not_registered", a.Status)
		assert.True(t, a.ACPHealthy)
	}
}

func TestRoutesAreMounted(t *testing.T) {
	env := newTestEnv(t, func(http.ResponseWriter, *http.Request) {}, nil)
	r, ok := env.router.(chi.Routes)
	require.True(t, ok)

	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/api/simulab/create"},
		{http.MethodGet, "/api/simulab/agents-health"},
		{http.MethodPatch, "/api/agentex/anything/here"},
		{http.MethodGet, "/api/tasks/t1/stream"},
		{http.MethodPost, "/api/files"},
	} {
		assert.True(t, r.Match(chi.NewRouteContext(), route.method, route.path), "%s %s", route.method, route.path)
	}
}
