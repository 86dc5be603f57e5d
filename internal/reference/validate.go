package reference

import (
	"context"
	"fmt"
	"math"
)

// Validation verdicts.
const (
	VerdictPass       = "pass"
	VerdictFail       = "fail"
	VerdictUnverified = "unverified"
)

// Tolerances used when comparing generated metrics with reference values.
const (
	MolecularWeightTolerance = 0.10 // relative
	LogPTolerance            = 1.0  // absolute
)

// Sample is a generated metric set to check.
type Sample struct {
	ScenarioID      string
	SMILES          string
	MolecularWeight float64
	LogP            float64
}

// Check is the comparison of one sample with its reference compound.
type Check struct {
	ScenarioID  string  `json:"scenario_id"`
	Reference   string  `json:"reference"`
	Agrees      bool    `json:"agrees"`
	WeightDelta float64 `json:"molecular_weight_delta"`
	LogPDelta   float64 `json:"logp_delta"`
}

// Report summarizes cross-validation of a batch.
type Report struct {
	Verdict    string   `json:"verdict"`
	Checked    int      `json:"checked"`
	Agreed     int      `json:"agreed"`
	Checks     []Check  `json:"checks,omitempty"`
	KnownDrugs []string `json:"known_drugs,omitempty"`
}

// Validate compares each sample with the reference compound sharing its SMILES.
// The verdict fails when fewer than half of the comparable samples agree and is
// unverified when nothing was comparable.
func (s *Store) Validate(ctx context.Context, target string, samples []Sample) (Report, error) {
	var rep Report

	known, err := s.ByTarget(ctx, target)
	if err != nil {
		return rep, fmt.Errorf("validate: %w", err)
	}
	for _, c := range known {
		rep.KnownDrugs = append(rep.KnownDrugs, c.Name)
	}

	for _, smp := range samples {
		ref, err := s.BySMILES(ctx, smp.SMILES)
		if err != nil {
			return rep, fmt.Errorf("validate %s: %w", smp.ScenarioID, err)
		}
		if ref == nil {
			continue
		}
		chk := compare(smp, *ref)
		rep.Checks = append(rep.Checks, chk)
		rep.Checked++
		if chk.Agrees {
			rep.Agreed++
		}
	}

	switch {
	case rep.Checked == 0:
		rep.Verdict = VerdictUnverified
	case rep.Agreed*2 >= rep.Checked:
		rep.Verdict = VerdictPass
	default:
		rep.Verdict = VerdictFail
	}
	return rep, nil
}

func compare(smp Sample, ref Compound) Check {
	wDelta := smp.MolecularWeight - ref.MolecularWeight
	lDelta := smp.LogP - ref.LogP
	weightOK := ref.MolecularWeight > 0 && math.Abs(wDelta)/ref.MolecularWeight <= MolecularWeightTolerance
	logpOK := math.Abs(lDelta) <= LogPTolerance
	return Check{
		ScenarioID:  smp.ScenarioID,
		Reference:   ref.Name,
		Agrees:      weightOK && logpOK,
		WeightDelta: round2(wDelta),
		LogPDelta:   round2(lDelta),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
