package simulab

import (
	"errors"
	"testing"
)

func TestHeuristicMetricsWeights(t *testing.T) {
	tests := []struct {
		name   string
		smiles string
		weight float64
		donors int
	}{
		{"ethanol", "CCO", 46.07, 1},
		{"benzene", "c1ccccc1", 78.11, 0},
		{"aspirin", "CC(=O)OC1=CC=CC=C1C(=O)O", 180.16, 1},
		{"pyrrole", "c1cc[nH]c1", 67.09, 1},
		{"acetylene", "C#C", 26.04, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := HeuristicMetrics(tt.smiles)
			if err != nil {
				t.Fatalf("HeuristicMetrics(%q) error: %v", tt.smiles, err)
			}
			if diff := m.MolecularWeight - tt.weight; diff > 0.02 || diff < -0.02 {
				t.Errorf("molecular weight = %.2f, want %.2f", m.MolecularWeight, tt.weight)
			}
			if m.HBondDonors != tt.donors {
				t.Errorf("donors = %d, want %d", m.HBondDonors, tt.donors)
			}
		})
	}
}

func TestHeuristicMetricsScreening(t *testing.T) {
	ethanol, err := HeuristicMetrics("CCO")
	if err != nil {
		t.Fatal(err)
	}
	benzene, err := HeuristicMetrics("c1ccccc1")
	if err != nil {
		t.Fatal(err)
	}
	if ethanol.LogP >= benzene.LogP {
		t.Errorf("ethanol logP %.2f should be below benzene %.2f", ethanol.LogP, benzene.LogP)
	}
	if ethanol.ToxicityRisk != RiskLow || !ethanol.DrugLike() {
		t.Errorf("ethanol should be low risk and drug-like: %+v", ethanol)
	}

	nitroAzo, err := HeuristicMetrics("c1ccc(cc1N(=O)=O)N=Nc1ccccc1")
	if err != nil {
		t.Fatal(err)
	}
	if nitroAzo.ToxicityRisk != RiskHigh {
		t.Errorf("toxicity = %s, want %s", nitroAzo.ToxicityRisk, RiskHigh)
	}
	if nitroAzo.DrugLike() {
		t.Error("high toxicity molecule should not be drug-like")
	}
	if nitroAzo.BindingAffinity >= 0 {
		t.Errorf("binding affinity should be negative, got %.2f", nitroAzo.BindingAffinity)
	}
}

func TestHeuristicMetricsRejectsInvalid(t *testing.T) {
	for _, s := range []string{"", "C1CC", "CC(C", "C)C", "[Xx]", "C$C"} {
		if _, err := HeuristicMetrics(s); !errors.Is(err, ErrInvalidSMILES) {
			t.Errorf("HeuristicMetrics(%q) error = %v, want ErrInvalidSMILES", s, err)
		}
	}
}
