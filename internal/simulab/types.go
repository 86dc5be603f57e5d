// Package simulab shapes requests and responses for each SimuLab agent capability.
package simulab

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/simulab/internal/agentex"
	"github.com/ashureev/simulab/internal/fallback"
	"github.com/ashureev/simulab/internal/reference"
)

// ErrValidation marks requests rejected before any network call.
var ErrValidation = errors.New("invalid request")

func missing(field string) error {
	return fmt.Errorf("%w: %s is required", ErrValidation, field)
}

// AgentError is a failed agent call, carrying the uniform result.
type AgentError struct {
	Agent    string
	Endpoint string
	Result   agentex.Result
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Agent, e.Endpoint, e.Result.Error)
}

// Scenario is one candidate molecule in an experiment.
type Scenario struct {
	ScenarioID   string `json:"scenario_id"`
	SMILES       string `json:"smiles"`
	Name         string `json:"name,omitempty"`
	Modification string `json:"modification,omitempty"`
	Rationale    string `json:"rationale,omitempty"`
}

// Metrics are the simulated properties of a molecule.
type Metrics struct {
	MolecularWeight        float64 `json:"molecular_weight"`
	LogP                   float64 `json:"logp"`
	HBondDonors            int     `json:"h_bond_donors"`
	HBondAcceptors         int     `json:"h_bond_acceptors"`
	LipinskiViolations     int     `json:"lipinski_violations"`
	DrugLikeness           float64 `json:"drug_likeness"`
	BindingAffinity        float64 `json:"binding_affinity"`
	ToxicityRisk           string  `json:"toxicity_risk"`
	SyntheticAccessibility float64 `json:"synthetic_accessibility,omitempty"`
}

// Toxicity risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// DrugLike reports whether the metrics clear the basic screening rules.
func (m Metrics) DrugLike() bool {
	return m.LipinskiViolations <= 1 && !strings.EqualFold(m.ToxicityRisk, RiskHigh)
}

// Evaluation is the simulator output for one scenario.
type Evaluation struct {
	ScenarioID string  `json:"scenario_id"`
	SMILES     string  `json:"smiles"`
	Metrics    Metrics `json:"metrics"`
	Notes      string  `json:"notes,omitempty"`
}

// FailedScenario names a scenario that could not be evaluated.
type FailedScenario struct {
	ScenarioID string `json:"scenario_id"`
	Error      string `json:"error"`
}

// EvaluateRequest asks for metrics on a batch of scenarios.
type EvaluateRequest struct {
	ExperimentID  string     `json:"experiment_id,omitempty"`
	ProteinTarget string     `json:"protein_target"`
	Scenarios     []Scenario `json:"scenarios"`
}

// Validate checks required fields.
func (r EvaluateRequest) Validate() error {
	if strings.TrimSpace(r.ProteinTarget) == "" {
		return missing("protein_target")
	}
	if len(r.Scenarios) == 0 {
		return missing("scenarios")
	}
	return nil
}

// EvaluateResult holds successful evaluations in input order and the failures.
type EvaluateResult struct {
	Evaluations []Evaluation     `json:"evaluations"`
	Failed      []FailedScenario `json:"failed,omitempty"`
}

// moleculePayload is the simulator's per-molecule request body.
type moleculePayload struct {
	ExperimentID  string `json:"experiment_id,omitempty"`
	ProteinTarget string `json:"protein_target"`
	ScenarioID    string `json:"scenario_id"`
	SMILES        string `json:"smiles"`
	Name          string `json:"name,omitempty"`
}

// DesignRequest asks the orchestrator to design an experiment.
type DesignRequest struct {
	ExperimentID  string   `json:"experiment_id,omitempty"`
	ProteinTarget string   `json:"protein_target"`
	SeedMolecule  string   `json:"seed_molecule,omitempty"`
	Objectives    []string `json:"objectives,omitempty"`
	NumScenarios  int      `json:"num_scenarios,omitempty"`
}

// Validate checks required fields.
func (r DesignRequest) Validate() error {
	if strings.TrimSpace(r.ProteinTarget) == "" {
		return missing("protein_target")
	}
	if r.NumScenarios < 0 {
		return fmt.Errorf("%w: num_scenarios cannot be negative", ErrValidation)
	}
	return nil
}

// Design is an experiment plan.
type Design struct {
	ExperimentID string     `json:"experiment_id,omitempty"`
	Scenarios    []Scenario `json:"scenarios"`
	Summary      string     `json:"summary,omitempty"`
}

// VerdictRequest asks the judge to rank evaluated scenarios.
type VerdictRequest struct {
	ExperimentID  string             `json:"experiment_id"`
	ProteinTarget string             `json:"protein_target,omitempty"`
	Evaluations   []Evaluation       `json:"evaluations"`
	Criteria      map[string]float64 `json:"criteria,omitempty"`
}

// Validate checks required fields.
func (r VerdictRequest) Validate() error {
	if strings.TrimSpace(r.ExperimentID) == "" {
		return missing("experiment_id")
	}
	if len(r.Evaluations) == 0 {
		return missing("evaluations")
	}
	return nil
}

// Ranking is the judge's score for one scenario.
type Ranking struct {
	ScenarioID string  `json:"scenario_id"`
	Score      float64 `json:"score"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Verdict is the judge's multi-objective decision.
type Verdict struct {
	ExperimentID   string    `json:"experiment_id,omitempty"`
	Verdict        string    `json:"verdict"`
	Confidence     float64   `json:"confidence,omitempty"`
	RiskLevel      string    `json:"risk_level,omitempty"`
	BestScenarioID string    `json:"best_scenario_id,omitempty"`
	Rankings       []Ranking `json:"rankings,omitempty"`
	Summary        string    `json:"summary,omitempty"`
}

// ReevaluateRequest asks the judge to re-rank with new criteria weights.
type ReevaluateRequest struct {
	ExperimentID string             `json:"experiment_id"`
	Evaluations  []Evaluation       `json:"evaluations"`
	Criteria     map[string]float64 `json:"criteria"`
	Notes        string             `json:"notes,omitempty"`
}

// Validate checks required fields.
func (r ReevaluateRequest) Validate() error {
	if strings.TrimSpace(r.ExperimentID) == "" {
		return missing("experiment_id")
	}
	if len(r.Criteria) == 0 {
		return missing("criteria")
	}
	return nil
}

// ReportEditRequest asks for an edit of a generated report.
type ReportEditRequest struct {
	ExperimentID string `json:"experiment_id"`
	Report       string `json:"report"`
	Instruction  string `json:"instruction"`
	Section      string `json:"section,omitempty"`
}

// Validate checks required fields.
func (r ReportEditRequest) Validate() error {
	if strings.TrimSpace(r.ExperimentID) == "" {
		return missing("experiment_id")
	}
	if strings.TrimSpace(r.Instruction) == "" {
		return missing("instruction")
	}
	return nil
}

// ReportEdit is the edited report.
type ReportEdit struct {
	Report  string   `json:"report"`
	Summary string   `json:"summary"`
	Changes []string `json:"changes,omitempty"`
}

// DesignChange records a user edit to an experiment design.
type DesignChange struct {
	ExperimentID string `json:"experiment_id"`
	ScenarioID   string `json:"scenario_id,omitempty"`
	Field        string `json:"field,omitempty"`
	OldValue     any    `json:"old_value,omitempty"`
	NewValue     any    `json:"new_value,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Validate checks required fields.
func (c DesignChange) Validate() error {
	if strings.TrimSpace(c.ExperimentID) == "" {
		return missing("experiment_id")
	}
	return nil
}

// TraceEvent is a generic workflow event sent to the orchestrator's trace.
type TraceEvent struct {
	ExperimentID string         `json:"experiment_id"`
	Event        string         `json:"event"`
	Details      map[string]any `json:"details,omitempty"`
}

// MetricsRequest asks for metrics through the full fallback chain.
type MetricsRequest = EvaluateRequest

// MetricsReport is the outcome of metrics generation.
type MetricsReport struct {
	Evaluations []Evaluation       `json:"evaluations"`
	Failed      []FailedScenario   `json:"failed,omitempty"`
	Source      string             `json:"source"`
	Attempts    []fallback.Failure `json:"fallback_failures,omitempty"`
	Validation  *reference.Report  `json:"validation,omitempty"`
	Verdict     string             `json:"verdict"`
	Summary     string             `json:"summary"`
}

// EditOutcome is the result of the report edit chain.
type EditOutcome struct {
	Edit     ReportEdit         `json:"edit"`
	Source   string             `json:"source"`
	Attempts []fallback.Failure `json:"fallback_failures,omitempty"`
}
