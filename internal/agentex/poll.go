package agentex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Job states reported by agent status endpoints.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

const defaultIDField = "job_id"

// PollSpec describes a start-then-poll agent job.
type PollSpec struct {
	Agent              string
	StartEndpoint      string
	StatusEndpointBase string
	Payload            any
	IDField            string        // defaults to "job_id"
	MaxAttempts        int           // defaults to the configured attempt budget
	Interval           time.Duration // defaults to the configured interval
}

// PollStatus is the body returned by a job status endpoint.
type PollStatus struct {
	Status   string          `json:"status"`
	Progress float64         `json:"progress"`
	Message  string          `json:"message,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// StartAndPoll starts a job and polls its status until it completes, fails, the
// attempt budget runs out, or ctx is cancelled. Agents that answer the start call
// inline, without a job id, have that answer returned as the final result.
func (c *Caller) StartAndPoll(ctx context.Context, spec PollSpec) Result {
	if spec.IDField == "" {
		spec.IDField = defaultIDField
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = c.poll.MaxAttempts
	}
	if spec.Interval <= 0 {
		spec.Interval = c.poll.Interval
	}

	started := c.Call(ctx, Request{
		Agent:    spec.Agent,
		Endpoint: spec.StartEndpoint,
		Payload:  spec.Payload,
		Method:   http.MethodPost,
	})
	if !started.Success {
		return started
	}

	jobID, ok := extractID(started.Data, spec.IDField)
	if !ok {
		c.logger.Debug("agent completed inline", "agent", spec.Agent, "endpoint", spec.StartEndpoint)
		started.Inline = true
		return started
	}

	statusBase := strings.TrimRight(spec.StatusEndpointBase, "/")
	c.logger.Info("agent job started", "agent", spec.Agent, "job_id", jobID)

	for attempt := 1; attempt <= spec.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, spec.Interval); err != nil {
				return Failure("polling cancelled: %v", err)
			}
		}

		res := c.call(ctx, Request{
			Agent:    spec.Agent,
			Endpoint: statusBase + "/" + jobID,
			Method:   http.MethodGet,
		}, statusBase)
		if !res.Success {
			c.metrics.observePoll(spec.Agent, "check_failed")
			c.logger.Debug("status check failed", "agent", spec.Agent, "job_id", jobID, "attempt", attempt, "error", res.Error)
			continue
		}

		var status PollStatus
		if err := res.Decode(&status); err != nil {
			c.metrics.observePoll(spec.Agent, "undecodable")
			continue
		}
		c.metrics.observePoll(spec.Agent, pollStatusLabel(status.Status))

		switch status.Status {
		case StatusCompleted:
			return Result{Success: true, Data: status.Data, StatusCode: res.StatusCode}
		case StatusError:
			msg := status.Error
			if msg == "" {
				msg = status.Message
			}
			if msg == "" {
				msg = "agent job failed"
			}
			return Result{Success: false, Error: msg, StatusCode: res.StatusCode}
		}
	}

	return Failure("Processing timeout after %d attempts", spec.MaxAttempts)
}

// pollStatusLabel keeps upstream status strings out of metric labels.
func pollStatusLabel(status string) string {
	switch status {
	case StatusPending, StatusRunning, StatusCompleted, StatusError:
		return status
	}
	return "other"
}

// extractID reads a string or numeric job id from a JSON object.
func extractID(data json.RawMessage, field string) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", false
	}
	raw, ok := obj[field]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
			return n.String(), true
		}
	}
	return "", false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("wait for next poll: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
