package simulab

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/simulab/internal/agentex"
	"github.com/ashureev/simulab/internal/config"
	"github.com/ashureev/simulab/internal/tracelog"
)

// Trace outcomes written to the trace log.
const (
	TraceDelivered = "delivered"
	TraceFailed    = "failed"
	TraceDropped   = "dropped"
)

// traceTimeout bounds a single trace delivery.
const traceTimeout = 10 * time.Second

// TraceJob is a fire-and-forget call to an orchestrator trace endpoint.
type TraceJob struct {
	ID           string
	Kind         string
	ExperimentID string
	Endpoint     string
	Payload      any
}

// Tracer delivers trace jobs from a background goroutine. Delivery failures go
// to the trace log rather than back to the caller.
type Tracer struct {
	caller *agentex.Caller
	log    tracelog.Logger
	logger *slog.Logger

	queue  chan TraceJob
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewTracer starts a tracer with a queue of the given size.
func NewTracer(caller *agentex.Caller, log tracelog.Logger, queueSize int, logger *slog.Logger) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	if log == nil {
		log = tracelog.Noop{}
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	t := &Tracer{
		caller: caller,
		log:    log,
		logger: logger.With("component", "tracer"),
		queue:  make(chan TraceJob, queueSize),
	}
	t.wg.Add(1)
	go t.run()
	return t
}

// Submit queues a job without blocking. A full queue drops the job.
func (t *Tracer) Submit(job TraceJob) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		t.record(job, TraceDropped, "tracer closed")
		return
	}
	select {
	case t.queue <- job:
	default:
		t.logger.Warn("trace queue full, dropping trace", "kind", job.Kind, "experiment_id", job.ExperimentID)
		t.record(job, TraceDropped, "queue full")
	}
}

func (t *Tracer) run() {
	defer t.wg.Done()
	for job := range t.queue {
		t.deliver(job)
	}
}

func (t *Tracer) deliver(job TraceJob) {
	ctx, cancel := context.WithTimeout(context.Background(), traceTimeout)
	defer cancel()

	res := t.caller.Call(ctx, agentex.Request{
		Agent:    config.AgentOrchestrator,
		Endpoint: job.Endpoint,
		Payload:  job.Payload,
		Method:   http.MethodPost,
	})
	if !res.Success {
		t.logger.Warn("trace delivery failed", "kind", job.Kind, "experiment_id", job.ExperimentID, "error", res.Error)
		t.record(job, TraceFailed, res.Error)
		return
	}
	t.record(job, TraceDelivered, "")
}

func (t *Tracer) record(job TraceJob, outcome, errMsg string) {
	t.log.Log(tracelog.Event{
		TraceID:      job.ID,
		Kind:         job.Kind,
		ExperimentID: job.ExperimentID,
		Agent:        config.AgentOrchestrator,
		Outcome:      outcome,
		Error:        errMsg,
		Meta:         map[string]any{"endpoint": job.Endpoint},
	})
}

// Close stops accepting jobs, delivers what is queued and closes the trace log.
func (t *Tracer) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	t.wg.Wait()
	return t.log.Close()
}
