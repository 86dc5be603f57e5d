package agentex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/simulab/internal/config"
)

// ErrMsgNotConfigured is returned when prod mode lacks platform credentials.
const ErrMsgNotConfigured = "AgentEx configuration is missing"

// maxResponseBody caps how much of an agent response is read into memory.
const maxResponseBody = 16 << 20

// Doer is the subset of *http.Client used for outbound calls.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Caller issues authenticated agent calls and folds every outcome into a Result.
type Caller struct {
	resolver *Resolver
	client   Doer
	timeout  time.Duration
	poll     config.PollConfig
	metrics  *Metrics
	logger   *slog.Logger
}

// NewCaller creates a caller. A nil client uses http.DefaultClient; per-call
// deadlines come from the configured agent call timeout.
func NewCaller(cfg *config.Config, client Doer, metrics *Metrics, logger *slog.Logger) *Caller {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Caller{
		resolver: NewResolver(cfg),
		client:   client,
		timeout:  cfg.Timeout.AgentCall,
		poll:     cfg.Poll,
		metrics:  metrics,
		logger:   logger,
	}
}

// Resolver returns the resolver used by this caller.
func (c *Caller) Resolver() *Resolver {
	return c.resolver
}

// Call issues exactly one request to an agent endpoint.
func (c *Caller) Call(ctx context.Context, req Request) Result {
	return c.call(ctx, req, req.Endpoint)
}

// call is Call with an explicit metrics label, so polled paths carrying job ids do
// not explode label cardinality.
func (c *Caller) call(ctx context.Context, req Request, label string) Result {
	if c.resolver.IsProd() && !c.resolver.IsConfigured() {
		c.metrics.observeCall(req.Agent, label, "not_configured", 0)
		return Failure(ErrMsgNotConfigured)
	}
	if !c.resolver.Known(req.Agent) {
		return Failure("unknown agent: %s", req.Agent)
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	target := c.resolver.Resolve(req.Agent, req.Endpoint)

	var body io.Reader
	if method != http.MethodGet && req.Payload != nil {
		encoded, err := json.Marshal(req.Payload)
		if err != nil {
			return Failure("encode payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, target.URL, body)
	if err != nil {
		return Failure("build request: %v", err)
	}
	for k, vs := range target.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.metrics.observeCall(req.Agent, label, "transport_error", time.Since(start))
		c.logger.Warn("agent call failed", "agent", req.Agent, "endpoint", req.Endpoint, "error", err)
		return Failure("%s", err.Error())
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close agent response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	elapsed := time.Since(start)
	if err != nil {
		c.metrics.observeCall(req.Agent, label, "transport_error", elapsed)
		return Result{Success: false, Error: fmt.Sprintf("read agent response: %v", err), StatusCode: resp.StatusCode}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.observeCall(req.Agent, label, "upstream_error", elapsed)
		c.logger.Warn("agent returned error status",
			"agent", req.Agent,
			"endpoint", req.Endpoint,
			"status", resp.StatusCode,
		)
		return Result{
			Success:    false,
			Error:      fmt.Sprintf("Agent error: %d", resp.StatusCode),
			Data:       errorBody(raw),
			StatusCode: resp.StatusCode,
		}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("null")
	}
	if !json.Valid(raw) {
		c.metrics.observeCall(req.Agent, label, "invalid_response", elapsed)
		return Result{Success: false, Error: "invalid agent response: body is not JSON", StatusCode: resp.StatusCode}
	}

	c.metrics.observeCall(req.Agent, label, "ok", elapsed)
	return Result{Success: true, Data: json.RawMessage(raw), StatusCode: resp.StatusCode}
}
