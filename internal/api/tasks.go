package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/simulab/internal/agentex"
	"github.com/ashureev/simulab/internal/config"
)

// HandleListTasks lists platform tasks, passing query filters through.
func (h *Handler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.platform.Get(r.Context(), "/tasks", r.URL.Query()))
}

// createTaskRequest creates a task on an arbitrary agent.
type createTaskRequest struct {
	AgentName string         `json:"agent_name"`
	Name      string         `json:"name,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// HandleCreateTask calls task/create on the named agent.
func (h *Handler) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AgentName) == "" {
		Error(w, http.StatusBadRequest, "agent_name is required")
		return
	}
	writeResult(w, h.platform.CreateTask(r.Context(), req.AgentName, agentex.TaskCreateParams{
		Name:   req.Name,
		Params: req.Params,
	}))
}

// HandleGetTask returns one task.
func (h *Handler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeResult(w, h.platform.Get(r.Context(), "/tasks/"+url.PathEscape(id), nil))
}

// signalRequest sends an event to a running task. Message is shorthand for
// user-authored text content.
type signalRequest struct {
	AgentName string          `json:"agent_name,omitempty"`
	Message   string          `json:"message,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// HandleSignalTask sends event/send to the task's agent.
func (h *Handler) HandleSignalTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req signalRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var content any
	switch {
	case len(req.Content) > 0 && string(req.Content) != "null":
		content = req.Content
	case strings.TrimSpace(req.Message) != "":
		content = agentex.NewUserText(req.Message)
	default:
		Error(w, http.StatusBadRequest, "message or content is required")
		return
	}

	agentName := req.AgentName
	if agentName == "" {
		agentName = h.platform.Resolver().AgentName(config.AgentOrchestrator)
	}
	writeResult(w, h.platform.SendEvent(r.Context(), agentName, id, content))
}

// HandleTaskStream relays the upstream task event stream byte for byte.
func (h *Handler) HandleTaskStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	upstream, err := h.platform.Stream(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to open task stream", "task_id", id, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer func() { _ = upstream.Body.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	buf := make([]byte, 32*1024)
	for {
		n, readErr := upstream.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				h.logger.Debug("task stream client gone", "task_id", id, "error", err)
				return
			}
			flusher.Flush()
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) && r.Context().Err() == nil {
				h.logger.Warn("task stream ended with error", "task_id", id, "error", readErr)
			}
			return
		}
	}
}

// HandleTaskWebSocket relays the data lines of the task event stream as
// websocket text messages.
func (h *Handler) HandleTaskWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		h.logger.Error("failed to accept websocket", "task_id", id, "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "task_id", id, "error", closeErr)
		}
	}()

	// Inbound messages are ignored; CloseRead cancels ctx when the client leaves.
	ctx := ws.CloseRead(r.Context())

	upstream, err := h.platform.Stream(ctx, id)
	if err != nil {
		h.logger.Warn("failed to open task stream for websocket", "task_id", id, "error", err)
		_ = ws.Close(websocket.StatusInternalError, "upstream unavailable")
		return
	}
	defer func() { _ = upstream.Body.Close() }()

	if err := relayEvents(ctx, upstream.Body, ws); err != nil && ctx.Err() == nil {
		h.logger.Warn("websocket relay stopped", "task_id", id, "error", err)
	}
}

// relayEvents forwards each SSE event's data payload as one text message.
func relayEvents(ctx context.Context, body io.Reader, ws *websocket.Conn) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	var data strings.Builder
	flush := func() error {
		if data.Len() == 0 {
			return nil
		}
		msg := data.String()
		data.Reset()
		return ws.Write(ctx, websocket.MessageText, []byte(msg))
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

func (h *Handler) originPatterns() []string {
	if h.cfg.FrontendURL == "" || h.cfg.IsDevelopment() {
		return []string{"*"}
	}
	u, err := url.Parse(h.cfg.FrontendURL)
	if err != nil || u.Host == "" {
		return []string{"*"}
	}
	return []string{u.Host}
}

// HandleListMessages lists messages, passing query filters through.
func (h *Handler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.platform.Get(r.Context(), "/messages", r.URL.Query()))
}

// HandleTaskMessages lists the messages of one task.
func (h *Handler) HandleTaskMessages(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	writeResult(w, h.platform.Get(r.Context(), "/messages", url.Values{"task_id": {taskID}}))
}

// HandleUpload forwards a multipart file upload to the platform files API.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, hdr, err := r.FormFile("file")
	if err != nil {
		Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer func() { _ = file.Close() }()

	fields := make(map[string]string)
	for k, vs := range r.MultipartForm.Value {
		if len(vs) > 0 {
			fields[k] = vs[0]
		}
	}

	h.logger.Info("forwarding file upload", "filename", hdr.Filename, "size", hdr.Size)
	writeResult(w, h.platform.Upload(r.Context(), hdr.Filename, hdr.Header.Get("Content-Type"), file, fields))
}
