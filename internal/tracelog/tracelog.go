// Package tracelog writes observability events to an append-only NDJSON file
// from a background goroutine.
package tracelog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one line of the trace log.
type Event struct {
	Timestamp    string         `json:"ts"`
	TraceID      string         `json:"trace_id,omitempty"`
	Kind         string         `json:"kind"`
	ExperimentID string         `json:"experiment_id,omitempty"`
	Agent        string         `json:"agent,omitempty"`
	Outcome      string         `json:"outcome"`
	Error        string         `json:"error,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// Config controls the file logger.
type Config struct {
	Enabled   bool
	Path      string
	QueueSize int
}

// Logger records trace events.
type Logger interface {
	Log(event Event)
	Close() error
}

// Noop discards events.
type Noop struct{}

// Log discards the event.
func (Noop) Log(Event) {}

// Close does nothing.
func (Noop) Close() error { return nil }

// FileLogger appends events to a file. Log never blocks; when the queue is full
// the event is dropped and counted.
type FileLogger struct {
	queue   chan Event
	file    *os.File
	logger  *slog.Logger
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	dropped int
}

// New creates a logger from configuration. Disabled configuration yields Noop.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return Noop{}, nil
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create trace log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trace log: %w", err)
	}

	l := &FileLogger{
		queue:  make(chan Event, cfg.QueueSize),
		file:   f,
		logger: logger,
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Log queues an event for writing.
func (l *FileLogger) Log(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.dropped++
		l.logger.Warn("trace log queue full, dropping event", "kind", event.Kind, "dropped", l.dropped)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (l *FileLogger) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *FileLogger) run() {
	defer l.wg.Done()
	enc := json.NewEncoder(l.file)
	for ev := range l.queue {
		if err := enc.Encode(ev); err != nil {
			l.logger.Warn("failed to write trace event", "error", err, "kind", ev.Kind)
		}
	}
}

// Close flushes queued events and closes the file.
func (l *FileLogger) Close() error {
	var err error
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
		l.wg.Wait()
		err = l.file.Close()
	})
	return err
}
