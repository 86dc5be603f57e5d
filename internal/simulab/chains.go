package simulab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/simulab/internal/fallback"
	"github.com/ashureev/simulab/internal/llm"
	"github.com/ashureev/simulab/internal/reference"
)

// Strategy names reported as the source of a result.
const (
	SourceAgent     = "agent"
	SourceLLM       = "llm"
	SourceHeuristic = "heuristic"
)

// Route verdicts.
const (
	VerdictPass = "pass"
	VerdictFail = "fail"
)

const metricsSystemPrompt = `You are a computational chemistry simulator for drug discovery.
For each molecule, estimate molecular_weight, logp, h_bond_donors, h_bond_acceptors,
lipinski_violations, drug_likeness (0-1), binding_affinity (kcal/mol, negative),
toxicity_risk (low|medium|high) and synthetic_accessibility (1-10).
Respond with a JSON object {"evaluations": [{"scenario_id": "...", "smiles": "...", "metrics": {...}, "notes": "..."}]}.`

const editSystemPrompt = `You edit drug discovery experiment reports written in markdown.
Apply the user's instruction and keep everything else unchanged.
Respond with a JSON object {"report": "<full edited report>", "summary": "<one sentence>", "changes": ["..."]}.`

// GenerateMetrics produces metrics for every scenario, trying the simulator
// agent, then the LLM, then the local heuristic. Results are cross-checked
// against the reference dataset when one is available.
func (s *Service) GenerateMetrics(ctx context.Context, req MetricsRequest) (MetricsReport, error) {
	if err := req.Validate(); err != nil {
		return MetricsReport{}, err
	}

	chain := fallback.New(s.logger,
		fallback.Func[EvaluateResult]{Label: SourceAgent, Fn: func(ctx context.Context) (EvaluateResult, error) {
			return s.EvaluateMolecules(ctx, req)
		}},
		fallback.Func[EvaluateResult]{Label: SourceLLM, Fn: func(ctx context.Context) (EvaluateResult, error) {
			return s.llmMetrics(ctx, req)
		}},
		fallback.Func[EvaluateResult]{Label: SourceHeuristic, Fn: func(context.Context) (EvaluateResult, error) {
			return heuristicMetrics(req.Scenarios)
		}},
	)

	out, err := chain.Run(ctx)
	report := MetricsReport{
		Evaluations: out.Value.Evaluations,
		Failed:      out.Value.Failed,
		Source:      out.Source,
		Attempts:    out.Failures,
		Verdict:     VerdictFail,
	}
	if err != nil {
		report.Summary = "Metrics could not be generated for any scenario."
		return report, fmt.Errorf("generate metrics: %w", err)
	}

	if s.ref != nil {
		samples := make([]reference.Sample, 0, len(report.Evaluations))
		for _, ev := range report.Evaluations {
			samples = append(samples, reference.Sample{
				ScenarioID:      ev.ScenarioID,
				SMILES:          ev.SMILES,
				MolecularWeight: ev.Metrics.MolecularWeight,
				LogP:            ev.Metrics.LogP,
			})
		}
		rep, err := s.ref.Validate(ctx, req.ProteinTarget, samples)
		if err != nil {
			s.logger.Warn("reference validation failed", "protein_target", req.ProteinTarget, "error", err)
		} else {
			report.Validation = &rep
		}
	}

	report.Verdict, report.Summary = decide(report)
	return report, nil
}

func decide(r MetricsReport) (string, string) {
	drugLike := 0
	for _, ev := range r.Evaluations {
		if ev.Metrics.DrugLike() {
			drugLike++
		}
	}
	rejected := r.Validation != nil && r.Validation.Verdict == reference.VerdictFail

	verdict := VerdictFail
	if drugLike > 0 && !rejected {
		verdict = VerdictPass
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d scenarios evaluated via %s; %d drug-like.",
		len(r.Evaluations), len(r.Evaluations)+len(r.Failed), r.Source, drugLike)
	if r.Validation != nil {
		fmt.Fprintf(&b, " Reference check: %s (%d/%d agree).", r.Validation.Verdict, r.Validation.Agreed, r.Validation.Checked)
	}
	return verdict, b.String()
}

type llmEvaluations struct {
	Evaluations []Evaluation `json:"evaluations"`
}

// llmMetrics asks the LLM for metrics and keeps only answers for known scenarios.
func (s *Service) llmMetrics(ctx context.Context, req MetricsRequest) (EvaluateResult, error) {
	if s.llm == nil {
		return EvaluateResult{}, llm.ErrNotConfigured
	}
	scenarios, err := json.Marshal(req.Scenarios)
	if err != nil {
		return EvaluateResult{}, fmt.Errorf("encode scenarios: %w", err)
	}
	prompt := fmt.Sprintf("Protein target: %s\nMolecules:\n%s", req.ProteinTarget, scenarios)

	var resp llmEvaluations
	if err := s.llm.CompleteJSON(ctx, metricsSystemPrompt, prompt, &resp); err != nil {
		return EvaluateResult{}, err
	}

	byID := make(map[string]Evaluation, len(resp.Evaluations))
	for _, ev := range resp.Evaluations {
		byID[ev.ScenarioID] = ev
	}
	slots := make([]*Evaluation, len(req.Scenarios))
	for i, sc := range req.Scenarios {
		ev, ok := byID[sc.ScenarioID]
		if !ok {
			continue
		}
		ev.SMILES = sc.SMILES
		if ev.Metrics.ToxicityRisk == "" {
			ev.Metrics.ToxicityRisk = RiskMedium
		}
		slots[i] = &ev
	}
	return collect(req.Scenarios, slots, make([]error, len(req.Scenarios)))
}

func heuristicMetrics(scenarios []Scenario) (EvaluateResult, error) {
	slots := make([]*Evaluation, len(scenarios))
	errs := make([]error, len(scenarios))
	for i, sc := range scenarios {
		m, err := HeuristicMetrics(sc.SMILES)
		if err != nil {
			errs[i] = err
			continue
		}
		slots[i] = &Evaluation{
			ScenarioID: sc.ScenarioID,
			SMILES:     sc.SMILES,
			Metrics:    m,
			Notes:      "Estimated from structure; no simulation was run.",
		}
	}
	return collect(scenarios, slots, errs)
}

// EditReport applies an edit instruction through the orchestrator, falling back
// to the LLM. When both fail the error wraps fallback.ErrExhausted.
func (s *Service) EditReport(ctx context.Context, req ReportEditRequest) (EditOutcome, error) {
	if err := req.Validate(); err != nil {
		return EditOutcome{}, err
	}

	chain := fallback.New(s.logger,
		fallback.Func[ReportEdit]{Label: SourceAgent, Fn: func(ctx context.Context) (ReportEdit, error) {
			return s.ProcessReportEdit(ctx, req)
		}},
		fallback.Func[ReportEdit]{Label: SourceLLM, Fn: func(ctx context.Context) (ReportEdit, error) {
			return s.llmEdit(ctx, req)
		}},
	)

	out, err := chain.Run(ctx)
	if err != nil {
		return EditOutcome{Source: out.Source, Attempts: out.Failures}, fmt.Errorf("edit report: %w", err)
	}
	return EditOutcome{Edit: out.Value, Source: out.Source, Attempts: out.Failures}, nil
}

func (s *Service) llmEdit(ctx context.Context, req ReportEditRequest) (ReportEdit, error) {
	if s.llm == nil {
		return ReportEdit{}, llm.ErrNotConfigured
	}
	prompt := fmt.Sprintf("Instruction: %s\n", req.Instruction)
	if req.Section != "" {
		prompt += fmt.Sprintf("Section: %s\n", req.Section)
	}
	prompt += "Report:\n" + req.Report

	var edit ReportEdit
	if err := s.llm.CompleteJSON(ctx, editSystemPrompt, prompt, &edit); err != nil {
		return ReportEdit{}, err
	}
	if strings.TrimSpace(edit.Report) == "" {
		return ReportEdit{}, fmt.Errorf("%w: edited report is empty", llm.ErrMalformedJSON)
	}
	if edit.Summary == "" {
		edit.Summary = "Report updated."
	}
	return edit, nil
}

// SoftFailureSummary turns a chain failure into a message the UI can show.
func SoftFailureSummary(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return err.Error()
	case errors.Is(err, fallback.ErrExhausted):
		return "The edit could not be applied right now: no agent or language model was available. Your report is unchanged."
	default:
		return "The edit could not be applied. Your report is unchanged."
	}
}
