package tracelog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileLoggerWritesNDJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "trace.ndjson")
	logger, err := New(Config{Enabled: true, Path: path, QueueSize: 8}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Log(Event{Kind: "design_change", ExperimentID: "exp-1", Outcome: "ok"})
	logger.Log(Event{Kind: "trace_event", Outcome: "failed", Error: "agent down"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Logging after close is ignored.
	logger.Log(Event{Kind: "late"})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read trace log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), data)
	}
	var got Event
	if err := json.Unmarshal([]byte(lines[1]), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Error != "agent down" || got.Timestamp == "" {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestDisabledIsNoop(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := logger.(Noop); !ok {
		t.Fatalf("expected Noop logger, got %T", logger)
	}
}
