// Package agentex talks to SimuLab agents, either directly on localhost in
// development or through the AgentEx forwarding platform in production.
package agentex

import (
	"encoding/json"
	"errors"
	"fmt"
)

var errNoData = errors.New("result carries no data")

// Request describes a single agent call.
type Request struct {
	Agent    string
	Endpoint string
	Payload  any
	Method   string
}

// Result is the uniform envelope returned by every agent call.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`

	// StatusCode is the upstream HTTP status, zero when no response was received.
	StatusCode int `json:"-"`

	// Inline is set by StartAndPoll when the start call answered without a job id.
	Inline bool `json:"-"`
}

// OK builds a successful result around already-encoded JSON.
func OK(data json.RawMessage) Result {
	return Result{Success: true, Data: data}
}

// Failure builds a failed result with the given message.
func Failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Decode unmarshals the result data into v.
func (r Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return errNoData
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode agent data: %w", err)
	}
	return nil
}

// Err returns nil for successful results and an error carrying the message otherwise.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return errors.New("agent call failed")
	}
	return errors.New(r.Error)
}

// errorBody encodes an upstream error body: parsed JSON when possible, else the raw
// text as a JSON string.
func errorBody(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	encoded, err := json.Marshal(string(raw))
	if err != nil {
		return nil
	}
	return encoded
}
