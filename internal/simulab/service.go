package simulab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/simulab/internal/agentex"
	"github.com/ashureev/simulab/internal/config"
	"github.com/ashureev/simulab/internal/llm"
	"github.com/ashureev/simulab/internal/reference"
)

// Agent endpoints.
const (
	EndpointEvaluateMolecule  = "/evaluate-molecule"
	EndpointProcessReportEdit = "/process-report-edit"
	EndpointDesign            = "/design-experiment"
	EndpointDesignStart       = "/design-experiment/start"
	EndpointDesignStatus      = "/design-experiment/status"
	EndpointVerdict           = "/generate-verdict"
	EndpointVerdictStart      = "/generate-verdict/start"
	EndpointVerdictStatus     = "/generate-verdict/status"
	EndpointReevaluate        = "/re-evaluate"
	EndpointTraceDesignChange = "/trace/design-change"
	EndpointTraceEvent        = "/trace/event"
)

// ErrAllFailed is returned when every scenario in a batch failed.
var ErrAllFailed = errors.New("all scenario evaluations failed")

// Service exposes the SimuLab agent capabilities.
type Service struct {
	caller      *agentex.Caller
	tracer      *Tracer
	llm         llm.Completer
	ref         *reference.Store
	concurrency int
	logger      *slog.Logger
}

// Options holds the optional collaborators of a Service.
type Options struct {
	Tracer    *Tracer
	LLM       llm.Completer
	Reference *reference.Store
	Logger    *slog.Logger
}

// NewService creates the SimuLab service.
func NewService(cfg *config.Config, caller *agentex.Caller, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		caller:      caller,
		tracer:      opts.Tracer,
		llm:         opts.LLM,
		ref:         opts.Reference,
		concurrency: max(cfg.EvalConcurrency, 1),
		logger:      logger,
	}
}

// callJSON posts payload to an agent endpoint and decodes the data into out.
func (s *Service) callJSON(ctx context.Context, agent, endpoint string, payload, out any) error {
	res := s.caller.Call(ctx, agentex.Request{
		Agent:    agent,
		Endpoint: endpoint,
		Payload:  payload,
		Method:   http.MethodPost,
	})
	if !res.Success {
		return &AgentError{Agent: agent, Endpoint: endpoint, Result: res}
	}
	if err := res.Decode(out); err != nil {
		return fmt.Errorf("%s %s: %w", agent, endpoint, err)
	}
	return nil
}

// EvaluateMolecules evaluates every scenario concurrently on the simulator.
// Successful evaluations keep the input order; failed scenarios are listed
// separately. When nothing succeeds the error wraps ErrAllFailed.
func (s *Service) EvaluateMolecules(ctx context.Context, req EvaluateRequest) (EvaluateResult, error) {
	if err := req.Validate(); err != nil {
		return EvaluateResult{}, err
	}

	slots := make([]*Evaluation, len(req.Scenarios))
	errs := make([]error, len(req.Scenarios))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, sc := range req.Scenarios {
		g.Go(func() error {
			var ev Evaluation
			err := s.callJSON(gctx, config.AgentSimulator, EndpointEvaluateMolecule, moleculePayload{
				ExperimentID:  req.ExperimentID,
				ProteinTarget: req.ProteinTarget,
				ScenarioID:    sc.ScenarioID,
				SMILES:        sc.SMILES,
				Name:          sc.Name,
			}, &ev)
			if err != nil {
				errs[i] = err
				return nil
			}
			ev.ScenarioID = sc.ScenarioID
			if ev.SMILES == "" {
				ev.SMILES = sc.SMILES
			}
			slots[i] = &ev
			return nil
		})
	}
	_ = g.Wait()

	return collect(req.Scenarios, slots, errs)
}

func collect(scenarios []Scenario, slots []*Evaluation, errs []error) (EvaluateResult, error) {
	out := EvaluateResult{Evaluations: make([]Evaluation, 0, len(scenarios))}
	for i, sc := range scenarios {
		if slots[i] != nil {
			out.Evaluations = append(out.Evaluations, *slots[i])
			continue
		}
		msg := "no result"
		if errs[i] != nil {
			msg = errs[i].Error()
		}
		out.Failed = append(out.Failed, FailedScenario{ScenarioID: sc.ScenarioID, Error: msg})
	}
	if len(out.Evaluations) == 0 {
		return out, fmt.Errorf("%w (%d scenarios)", ErrAllFailed, len(scenarios))
	}
	return out, nil
}

// ProcessReportEdit asks the orchestrator to apply an edit instruction to a report.
func (s *Service) ProcessReportEdit(ctx context.Context, req ReportEditRequest) (ReportEdit, error) {
	if err := req.Validate(); err != nil {
		return ReportEdit{}, err
	}
	var edit ReportEdit
	if err := s.callJSON(ctx, config.AgentOrchestrator, EndpointProcessReportEdit, req, &edit); err != nil {
		return ReportEdit{}, err
	}
	if edit.Report == "" {
		return ReportEdit{}, fmt.Errorf("%s %s: response has no report", config.AgentOrchestrator, EndpointProcessReportEdit)
	}
	return edit, nil
}

// DesignExperiment runs the orchestrator's design job. Orchestrators without the
// asynchronous endpoints, or that answer inline with something other than a
// design, are called synchronously instead.
func (s *Service) DesignExperiment(ctx context.Context, req DesignRequest) (Design, error) {
	if err := req.Validate(); err != nil {
		return Design{}, err
	}

	res := s.caller.StartAndPoll(ctx, agentex.PollSpec{
		Agent:              config.AgentOrchestrator,
		StartEndpoint:      EndpointDesignStart,
		StatusEndpointBase: EndpointDesignStatus,
		Payload:            req,
	})
	if useSync(res, "scenarios") {
		s.logger.Info("design job unavailable, calling synchronously", "status", res.StatusCode)
		var design Design
		if err := s.callJSON(ctx, config.AgentOrchestrator, EndpointDesign, req, &design); err != nil {
			return Design{}, err
		}
		return design, nil
	}
	if !res.Success {
		return Design{}, &AgentError{Agent: config.AgentOrchestrator, Endpoint: EndpointDesignStart, Result: res}
	}

	var design Design
	if err := res.Decode(&design); err != nil {
		return Design{}, fmt.Errorf("decode design: %w", err)
	}
	if design.ExperimentID == "" {
		design.ExperimentID = req.ExperimentID
	}
	return design, nil
}

// GenerateVerdict runs the judge's verdict job, with the same synchronous
// fallback as DesignExperiment.
func (s *Service) GenerateVerdict(ctx context.Context, req VerdictRequest) (Verdict, error) {
	if err := req.Validate(); err != nil {
		return Verdict{}, err
	}

	res := s.caller.StartAndPoll(ctx, agentex.PollSpec{
		Agent:              config.AgentJudge,
		StartEndpoint:      EndpointVerdictStart,
		StatusEndpointBase: EndpointVerdictStatus,
		Payload:            req,
	})
	if useSync(res, "verdict") {
		s.logger.Info("verdict job unavailable, calling synchronously", "status", res.StatusCode)
		var v Verdict
		if err := s.callJSON(ctx, config.AgentJudge, EndpointVerdict, req, &v); err != nil {
			return Verdict{}, err
		}
		return withExperiment(v, req.ExperimentID), nil
	}
	if !res.Success {
		return Verdict{}, &AgentError{Agent: config.AgentJudge, Endpoint: EndpointVerdictStart, Result: res}
	}

	var v Verdict
	if err := res.Decode(&v); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	return withExperiment(v, req.ExperimentID), nil
}

// ReevaluateWithCriteria asks the judge to re-rank scenarios with new weights.
func (s *Service) ReevaluateWithCriteria(ctx context.Context, req ReevaluateRequest) (Verdict, error) {
	if err := req.Validate(); err != nil {
		return Verdict{}, err
	}
	var v Verdict
	if err := s.callJSON(ctx, config.AgentJudge, EndpointReevaluate, req, &v); err != nil {
		return Verdict{}, err
	}
	return withExperiment(v, req.ExperimentID), nil
}

// TraceDesignChange queues a design change for the orchestrator's trace. It
// never waits on the agent.
func (s *Service) TraceDesignChange(change DesignChange) error {
	if err := change.Validate(); err != nil {
		return err
	}
	s.trace(TraceJob{Kind: "design_change", ExperimentID: change.ExperimentID, Endpoint: EndpointTraceDesignChange, Payload: change})
	return nil
}

// TraceEvent queues a workflow event for the orchestrator's trace.
func (s *Service) TraceEvent(ev TraceEvent) error {
	if ev.ExperimentID == "" {
		return missing("experiment_id")
	}
	if ev.Event == "" {
		return missing("event")
	}
	s.trace(TraceJob{Kind: "event:" + ev.Event, ExperimentID: ev.ExperimentID, Endpoint: EndpointTraceEvent, Payload: ev})
	return nil
}

func (s *Service) trace(job TraceJob) {
	if s.tracer == nil {
		s.logger.Debug("tracing disabled, dropping trace", "kind", job.Kind)
		return
	}
	s.tracer.Submit(job)
}

// useSync reports whether a polled result should be replaced by the synchronous
// endpoint: the async endpoint does not exist, or the start call answered inline
// without key. Completed jobs are never re-run.
func useSync(res agentex.Result, key string) bool {
	if !res.Success {
		switch res.StatusCode {
		case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
			return true
		}
		return false
	}
	if !res.Inline {
		return false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(res.Data, &obj); err != nil {
		return true
	}
	_, ok := obj[key]
	return !ok
}

func withExperiment(v Verdict, id string) Verdict {
	if v.ExperimentID == "" {
		v.ExperimentID = id
	}
	return v
}
