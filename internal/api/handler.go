// Package api provides HTTP handlers for the SimuLab gateway.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/simulab/internal/agentex"
	"github.com/ashureev/simulab/internal/config"
	"github.com/ashureev/simulab/internal/simulab"
)

// defaultMaxRequestBodySize is the maximum allowed JSON request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Handler provides the gateway routes and their shared dependencies.
type Handler struct {
	cfg      *config.Config
	svc      *simulab.Service
	platform *agentex.Platform
	prober   agentex.Prober
	logger   *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(cfg *config.Config, svc *simulab.Service, platform *agentex.Platform, prober agentex.Prober, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:      cfg,
		svc:      svc,
		platform: platform,
		prober:   prober,
		logger:   logger,
	}
}

// RegisterRoutes mounts every API route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agentex", func(r chi.Router) {
		for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
			r.Method(m, "/*", http.HandlerFunc(h.HandleAgentExProxy))
		}
	})

	r.Route("/api/simulab", func(r chi.Router) {
		r.Post("/create", h.HandleCreate)
		r.Post("/generate-metrics", h.HandleGenerateMetrics)
		r.Post("/edit-report", h.HandleEditReport)
		r.Post("/trace-design-change", h.HandleTraceDesignChange)
		r.Post("/design-experiment", h.HandleDesignExperiment)
		r.Post("/generate-verdict", h.HandleGenerateVerdict)
		r.Post("/reevaluate", h.HandleReevaluate)
		r.Get("/agents-health", h.HandleAgentsHealth)
		r.Get("/messages", h.HandleSimulabMessages)
	})

	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", h.HandleListTasks)
		r.Post("/", h.HandleCreateTask)
		r.Get("/{id}", h.HandleGetTask)
		r.Post("/{id}/signal", h.HandleSignalTask)
		r.Get("/{id}/stream", h.HandleTaskStream)
		r.Get("/{id}/ws", h.HandleTaskWebSocket)
	})

	r.Get("/api/messages", h.HandleListMessages)
	r.Get("/api/messages/{taskId}", h.HandleTaskMessages)
	r.Post("/api/files", h.HandleUpload)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// errorBody is the structured error returned for failed upstream calls.
type errorBody struct {
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details,omitempty"`
}

// writeResult mirrors an agent result: data on success, otherwise the upstream
// status (or 500 when nothing was received) with the error and upstream body.
func writeResult(w http.ResponseWriter, res agentex.Result) {
	if res.Success {
		data := res.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		JSON(w, http.StatusOK, data)
		return
	}
	status := http.StatusInternalServerError
	if res.StatusCode >= 400 {
		status = res.StatusCode
	}
	JSON(w, status, errorBody{Error: res.Error, Details: res.Data})
}

// decodeJSON reads a size-limited JSON body into v and writes a 4xx on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			Error(w, http.StatusBadRequest, "request body is required")
		default:
			Error(w, http.StatusBadRequest, "invalid request body")
		}
		return false
	}
	return true
}

// writeServiceError maps a service error: validation errors become 400, failed
// agent calls keep their upstream status, anything else is a 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, simulab.ErrValidation) {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	var agentErr *simulab.AgentError
	if errors.As(err, &agentErr) {
		h.logger.Warn(op+" failed", "agent", agentErr.Agent, "endpoint", agentErr.Endpoint, "error", agentErr.Result.Error)
		writeResult(w, agentErr.Result)
		return
	}
	h.logger.Error(op+" failed", "error", err)
	Error(w, http.StatusInternalServerError, err.Error())
}
