package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashureev/simulab/internal/agentex"
	"github.com/ashureev/simulab/internal/config"
	"github.com/ashureev/simulab/internal/simulab"
)

// CreateRequest starts a SimuLab task on the orchestrator.
type CreateRequest struct {
	ProteinTarget string   `json:"protein_target"`
	SeedMolecule  string   `json:"seed_molecule,omitempty"`
	Objectives    []string `json:"objectives,omitempty"`
	Message       string   `json:"message,omitempty"`
}

// CreateResponse is returned by the create route.
type CreateResponse struct {
	TaskID      string          `json:"task_id"`
	Task        json.RawMessage `json:"task"`
	MessageSent bool            `json:"message_sent"`
	Warning     string          `json:"warning,omitempty"`
}

// initialMessage is the first user message of a new task.
func (c CreateRequest) initialMessage() string {
	if strings.TrimSpace(c.Message) != "" {
		return c.Message
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Design a drug discovery experiment for protein target %s", c.ProteinTarget)
	if c.SeedMolecule != "" {
		fmt.Fprintf(&b, " starting from seed molecule %s", c.SeedMolecule)
	}
	if len(c.Objectives) > 0 {
		fmt.Fprintf(&b, ", optimizing for %s", strings.Join(c.Objectives, ", "))
	}
	b.WriteString(".")
	return b.String()
}

// HandleCreate creates an orchestrator task and sends it the initial request.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ProteinTarget = strings.TrimSpace(req.ProteinTarget)
	if req.ProteinTarget == "" {
		Error(w, http.StatusBadRequest, "protein_target is required")
		return
	}
	if !h.platform.Ready() {
		Error(w, http.StatusInternalServerError, agentex.ErrMsgNotConfigured)
		return
	}

	agentName := h.platform.Resolver().AgentName(config.AgentOrchestrator)
	params := map[string]any{"protein_target": req.ProteinTarget}
	if req.SeedMolecule != "" {
		params["seed_molecule"] = req.SeedMolecule
	}
	if len(req.Objectives) > 0 {
		params["objectives"] = req.Objectives
	}

	created := h.platform.CreateTask(r.Context(), agentName, agentex.TaskCreateParams{Params: params})
	if !created.Success {
		h.logger.Error("task creation failed", "agent", agentName, "error", created.Error)
		writeResult(w, created)
		return
	}

	taskID, err := taskIDOf(created.Data)
	if err != nil {
		h.logger.Error("task creation returned no id", "agent", agentName, "error", err)
		JSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Details: created.Data})
		return
	}

	resp := CreateResponse{TaskID: taskID, Task: created.Data}
	sent := h.platform.SendEvent(r.Context(), agentName, taskID, agentex.NewUserText(req.initialMessage()))
	if sent.Success {
		resp.MessageSent = true
	} else {
		h.logger.Warn("initial task message failed", "task_id", taskID, "error", sent.Error)
		resp.Warning = "task created but the initial message could not be sent: " + sent.Error
	}

	h.logger.Info("simulab task created", "task_id", taskID, "protein_target", req.ProteinTarget)
	JSON(w, http.StatusOK, resp)
}

func taskIDOf(data json.RawMessage) (string, error) {
	var task struct {
		ID     string `json:"id"`
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(data, &task); err != nil {
		return "", fmt.Errorf("decode task: %w", err)
	}
	if task.ID != "" {
		return task.ID, nil
	}
	if task.TaskID != "" {
		return task.TaskID, nil
	}
	return "", errors.New("task response has no id")
}

// MetricsResponse is the body of the generate-metrics route.
type MetricsResponse struct {
	Success bool `json:"success"`
	simulab.MetricsReport
}

// HandleGenerateMetrics runs the metrics fallback chain for a batch of scenarios.
func (h *Handler) HandleGenerateMetrics(w http.ResponseWriter, r *http.Request) {
	var req simulab.MetricsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := h.svc.GenerateMetrics(r.Context(), req)
	if err != nil {
		h.logger.Warn("metrics generation failed", "protein_target", req.ProteinTarget, "error", err)
		JSON(w, http.StatusOK, MetricsResponse{Success: false, MetricsReport: report})
		return
	}
	JSON(w, http.StatusOK, MetricsResponse{Success: true, MetricsReport: report})
}

// EditResponse is the body of the edit-report route.
type EditResponse struct {
	Success  bool     `json:"success"`
	Report   string   `json:"report,omitempty"`
	Summary  string   `json:"summary"`
	Changes  []string `json:"changes,omitempty"`
	Source   string   `json:"source,omitempty"`
	Failures any      `json:"fallback_failures,omitempty"`
}

// HandleEditReport applies an edit to a report. Failures to edit are reported
// with a 200 and a summary so the page can keep the current report.
func (h *Handler) HandleEditReport(w http.ResponseWriter, r *http.Request) {
	var req simulab.ReportEditRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.svc.EditReport(r.Context(), req)
	if err != nil {
		h.logger.Warn("report edit failed", "experiment_id", req.ExperimentID, "error", err)
		JSON(w, http.StatusOK, EditResponse{
			Success:  false,
			Summary:  simulab.SoftFailureSummary(err),
			Failures: out.Attempts,
		})
		return
	}
	JSON(w, http.StatusOK, EditResponse{
		Success:  true,
		Report:   out.Edit.Report,
		Summary:  out.Edit.Summary,
		Changes:  out.Edit.Changes,
		Source:   out.Source,
		Failures: out.Attempts,
	})
}

// HandleTraceDesignChange queues a design change trace and returns immediately.
func (h *Handler) HandleTraceDesignChange(w http.ResponseWriter, r *http.Request) {
	var change simulab.DesignChange
	if !decodeJSON(w, r, &change) {
		return
	}
	if err := h.svc.TraceDesignChange(change); err != nil {
		h.writeServiceError(w, "trace design change", err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

// HandleDesignExperiment asks the orchestrator for an experiment design.
func (h *Handler) HandleDesignExperiment(w http.ResponseWriter, r *http.Request) {
	var req simulab.DesignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	design, err := h.svc.DesignExperiment(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "design experiment", err)
		return
	}
	JSON(w, http.StatusOK, design)
}

// HandleGenerateVerdict asks the judge for a verdict.
func (h *Handler) HandleGenerateVerdict(w http.ResponseWriter, r *http.Request) {
	var req simulab.VerdictRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	verdict, err := h.svc.GenerateVerdict(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "generate verdict", err)
		return
	}
	JSON(w, http.StatusOK, verdict)
}

// HandleReevaluate asks the judge to re-rank with new criteria.
func (h *Handler) HandleReevaluate(w http.ResponseWriter, r *http.Request) {
	var req simulab.ReevaluateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	verdict, err := h.svc.ReevaluateWithCriteria(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "re-evaluate", err)
		return
	}
	h.traceEvent(simulab.TraceEvent{
		ExperimentID: req.ExperimentID,
		Event:        "criteria_changed",
		Details:      map[string]any{"criteria": req.Criteria},
	})
	JSON(w, http.StatusOK, verdict)
}

// traceEvent queues a workflow trace; a rejected event is only logged.
func (h *Handler) traceEvent(ev simulab.TraceEvent) {
	if err := h.svc.TraceEvent(ev); err != nil {
		h.logger.Debug("trace event rejected", "event", ev.Event, "experiment_id", ev.ExperimentID, "error", err)
	}
}

// HandleSimulabMessages lists the messages of a task given as ?task_id=.
func (h *Handler) HandleSimulabMessages(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(r.URL.Query().Get("task_id"))
	if taskID == "" {
		Error(w, http.StatusBadRequest, "task_id is required")
		return
	}
	writeResult(w, h.platform.Get(r.Context(), "/messages", url.Values{"task_id": {taskID}}))
}
