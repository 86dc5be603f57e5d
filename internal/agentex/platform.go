package agentex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrPlatformNotConfigured is returned for platform calls without prod credentials.
var ErrPlatformNotConfigured = errors.New(ErrMsgNotConfigured)

// AgentInfo is an agent registry entry.
type AgentInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	ACPType     string `json:"acp_type,omitempty"`
}

// Platform is a client for the AgentEx REST and JSON-RPC API.
type Platform struct {
	resolver *Resolver
	client   Doer
	timeout  time.Duration
	metrics  *Metrics
	logger   *slog.Logger
}

// NewPlatform creates a platform client sharing the caller's resolver.
func NewPlatform(caller *Caller) *Platform {
	return &Platform{
		resolver: caller.resolver,
		client:   caller.client,
		timeout:  caller.timeout,
		metrics:  caller.metrics,
		logger:   caller.logger,
	}
}

// Ready reports whether platform calls may be attempted.
func (p *Platform) Ready() bool {
	return p.resolver.PlatformReady()
}

// routeLabel replaces the task, agent or message identifier in a platform path
// with a placeholder so metric labels stay bounded.
func routeLabel(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(segs) >= 3 && segs[0] == "agents" && segs[1] == "name":
		segs[2] = "{name}"
	case len(segs) >= 2:
		segs[1] = "{id}"
	}
	return "/" + strings.Join(segs, "/")
}

// Resolver returns the resolver used by this client.
func (p *Platform) Resolver() *Resolver {
	return p.resolver
}

// Forward sends a raw request to a platform path. The caller owns the response
// body. No deadline is applied beyond ctx, so streams stay open.
func (p *Platform) Forward(ctx context.Context, method, path, rawQuery string, body io.Reader, header http.Header) (*http.Response, error) {
	if !p.Ready() {
		return nil, ErrPlatformNotConfigured
	}
	target := p.resolver.PlatformURL(path)
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build platform request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range p.resolver.PlatformHeaders() {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("platform %s %s: %w", method, path, err)
	}
	return resp, nil
}

// Get issues a JSON GET against the platform and returns a Result.
func (p *Platform) Get(ctx context.Context, path string, query url.Values) Result {
	return p.doJSON(ctx, http.MethodGet, path, query, nil)
}

// Post issues a JSON POST against the platform and returns a Result.
func (p *Platform) Post(ctx context.Context, path string, payload any) Result {
	return p.doJSON(ctx, http.MethodPost, path, nil, payload)
}

func (p *Platform) doJSON(ctx context.Context, method, path string, query url.Values, payload any) Result {
	if !p.Ready() {
		return Failure(ErrMsgNotConfigured)
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Failure("encode payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")

	label := routeLabel(path)
	start := time.Now()
	resp, err := p.Forward(ctx, method, path, query.Encode(), body, header)
	if err != nil {
		p.metrics.observeCall("platform", label, "transport_error", time.Since(start))
		return Failure("%s", err.Error())
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			p.logger.Debug("failed to close platform response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		p.metrics.observeCall("platform", label, "transport_error", time.Since(start))
		return Result{Error: fmt.Sprintf("read platform response: %v", err), StatusCode: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.metrics.observeCall("platform", label, "upstream_error", time.Since(start))
		return Result{
			Error:      fmt.Sprintf("Agent error: %d", resp.StatusCode),
			Data:       errorBody(raw),
			StatusCode: resp.StatusCode,
		}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("null")
	}
	if !json.Valid(raw) {
		p.metrics.observeCall("platform", label, "invalid_response", time.Since(start))
		return Result{Error: "invalid platform response: body is not JSON", StatusCode: resp.StatusCode}
	}
	p.metrics.observeCall("platform", label, "ok", time.Since(start))
	return Result{Success: true, Data: raw, StatusCode: resp.StatusCode}
}

// ListAgents returns the agent registry.
func (p *Platform) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	res := p.Get(ctx, "/agents", nil)
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var agents []AgentInfo
	if err := res.Decode(&agents); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// GetAgentByName looks up a single agent by its platform name.
func (p *Platform) GetAgentByName(ctx context.Context, name string) (*AgentInfo, error) {
	res := p.Get(ctx, "/agents/name/"+url.PathEscape(name), nil)
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("get agent %s: %w", name, err)
	}
	var agent AgentInfo
	if err := res.Decode(&agent); err != nil {
		return nil, fmt.Errorf("get agent %s: %w", name, err)
	}
	return &agent, nil
}

// rpcRequest is a JSON-RPC 2.0 envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	} `json:"error"`
}

// RPC invokes a JSON-RPC method on an agent through the platform.
func (p *Platform) RPC(ctx context.Context, agentName, method string, params any) Result {
	res := p.Post(ctx, "/agents/name/"+url.PathEscape(agentName)+"/rpc", rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})
	if !res.Success {
		return res
	}
	var envelope rpcResponse
	if err := res.Decode(&envelope); err != nil {
		return Failure("decode rpc response: %v", err)
	}
	if envelope.Error != nil {
		return Result{
			Error:      fmt.Sprintf("rpc error %d: %s", envelope.Error.Code, envelope.Error.Message),
			Data:       envelope.Error.Data,
			StatusCode: res.StatusCode,
		}
	}
	return Result{Success: true, Data: envelope.Result, StatusCode: res.StatusCode}
}

// TaskCreateParams are the params of the task/create RPC.
type TaskCreateParams struct {
	Name   string         `json:"name,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// TextContent is a text message authored by the user.
type TextContent struct {
	Type    string `json:"type"`
	Author  string `json:"author"`
	Content string `json:"content"`
}

// NewUserText builds user-authored text content.
func NewUserText(text string) TextContent {
	return TextContent{Type: "text", Author: "user", Content: text}
}

// EventSendParams are the params of the event/send RPC.
type EventSendParams struct {
	TaskID  string `json:"task_id"`
	Content any    `json:"content"`
}

// CreateTask calls task/create on an agent.
func (p *Platform) CreateTask(ctx context.Context, agentName string, params TaskCreateParams) Result {
	return p.RPC(ctx, agentName, "task/create", params)
}

// SendEvent calls event/send on an agent for an existing task.
func (p *Platform) SendEvent(ctx context.Context, agentName, taskID string, content any) Result {
	return p.RPC(ctx, agentName, "event/send", EventSendParams{TaskID: taskID, Content: content})
}

// Stream opens the task event stream. The caller owns the response body.
func (p *Platform) Stream(ctx context.Context, taskID string) (*http.Response, error) {
	header := http.Header{}
	header.Set("Accept", "text/event-stream")
	resp, err := p.Forward(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/stream", "", nil, header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("open task stream: Agent error: %d: %s", resp.StatusCode, string(raw))
	}
	return resp, nil
}

// Upload forwards a file to the platform files API as multipart form data.
func (p *Platform) Upload(ctx context.Context, filename, contentType string, content io.Reader, fields map[string]string) Result {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return Failure("encode upload field %s: %v", k, err)
		}
	}
	part, err := mw.CreatePart(filePartHeader(filename, contentType))
	if err != nil {
		return Failure("encode upload: %v", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return Failure("encode upload: %v", err)
	}
	if err := mw.Close(); err != nil {
		return Failure("encode upload: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	header := http.Header{}
	header.Set("Content-Type", mw.FormDataContentType())
	resp, err := p.Forward(ctx, http.MethodPost, "/files", "", &buf, header)
	if err != nil {
		return Failure("%s", err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{Error: fmt.Sprintf("read upload response: %v", err), StatusCode: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{Error: fmt.Sprintf("Agent error: %d", resp.StatusCode), Data: errorBody(raw), StatusCode: resp.StatusCode}
	}
	if !json.Valid(raw) {
		return Result{Error: "invalid upload response: body is not JSON", StatusCode: resp.StatusCode}
	}
	return Result{Success: true, Data: raw, StatusCode: resp.StatusCode}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func filePartHeader(filename, contentType string) textproto.MIMEHeader {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", contentType)
	return h
}
