package simulab

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"
)

// ErrInvalidSMILES is returned for strings the heuristic parser cannot read.
var ErrInvalidSMILES = errors.New("invalid SMILES")

const hydrogenWeight = 1.008

var atomicWeight = map[string]float64{
	"B": 10.81, "C": 12.011, "N": 14.007, "O": 15.999, "F": 18.998,
	"Na": 22.990, "Si": 28.085, "P": 30.974, "S": 32.06, "Cl": 35.45,
	"K": 39.098, "Se": 78.971, "Br": 79.904, "I": 126.904,
}

// Default valences for the organic subset, lowest first.
var valences = map[string][]int{
	"B": {3}, "C": {4}, "N": {3, 5}, "O": {2}, "P": {3, 5},
	"S": {2, 4, 6}, "F": {1}, "Cl": {1}, "Br": {1}, "I": {1},
}

// Rough per-atom logP contributions.
var logPContribution = map[string]float64{
	"C": 0.36, "c": 0.29, "N": -0.75, "n": -0.49, "O": -0.45, "o": 0.02,
	"S": 0.45, "s": 0.62, "P": -0.2, "F": 0.38, "Cl": 0.69, "Br": 0.87, "I": 1.05,
	"B": -0.1, "Si": 0.4, "Se": 0.5,
}

// Substructure alerts matched as SMILES substrings: nitro, azo, acyl and
// sulfonyl chlorides, peroxide, epoxide, isocyanate.
var toxicAlerts = []string{
	"N(=O)=O",
	"[N+](=O)[O-]",
	"N=N",
	"C(=O)Cl",
	"S(=O)(=O)Cl",
	"OO",
	"C1OC1",
	"N=C=O",
}

type atom struct {
	elem     string
	aromatic bool
	bracket  bool
	hydrogen int
	bonds    float64
}

type molecule struct {
	atoms  []atom
	rings  int
	stereo int
}

type ringBond struct {
	atom  int
	order float64
}

// parseSMILES reads enough of a SMILES string to count atoms, bonds and rings.
func parseSMILES(smiles string) (*molecule, error) {
	s := strings.TrimSpace(smiles)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSMILES)
	}

	m := &molecule{}
	prev := -1
	order := 0.0 // 0 means no explicit bond symbol
	var branches []int
	open := map[int]ringBond{}

	addAtom := func(a atom) {
		m.atoms = append(m.atoms, a)
		cur := len(m.atoms) - 1
		if prev >= 0 {
			m.bond(prev, cur, order)
		}
		prev = cur
		order = 0
	}
	closeRing := func(n int) error {
		if prev < 0 {
			return fmt.Errorf("%w: ring bond %d without atom", ErrInvalidSMILES, n)
		}
		if rb, ok := open[n]; ok {
			o := order
			if o == 0 {
				o = rb.order
			}
			m.bond(rb.atom, prev, o)
			delete(open, n)
			m.rings++
		} else {
			open[n] = ringBond{atom: prev, order: order}
		}
		order = 0
		return nil
	}

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '(':
			if prev < 0 {
				return nil, fmt.Errorf("%w: branch without atom", ErrInvalidSMILES)
			}
			branches = append(branches, prev)
		case ch == ')':
			if len(branches) == 0 {
				return nil, fmt.Errorf("%w: unbalanced ')'", ErrInvalidSMILES)
			}
			prev = branches[len(branches)-1]
			branches = branches[:len(branches)-1]
		case ch == '-' || ch == '/' || ch == '\\':
			order = 1
		case ch == '=':
			order = 2
		case ch == '#':
			order = 3
		case ch == ':':
			order = 1.5
		case ch == '.':
			prev = -1
			order = 0
		case ch >= '0' && ch <= '9':
			if err := closeRing(int(ch - '0')); err != nil {
				return nil, err
			}
		case ch == '%':
			if i+2 >= len(s) || !isDigit(s[i+1]) || !isDigit(s[i+2]) {
				return nil, fmt.Errorf("%w: bad ring label", ErrInvalidSMILES)
			}
			if err := closeRing(int(s[i+1]-'0')*10 + int(s[i+2]-'0')); err != nil {
				return nil, err
			}
			i += 2
		case ch == '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: unclosed '['", ErrInvalidSMILES)
			}
			a, stereo, err := parseBracket(s[i+1 : i+end])
			if err != nil {
				return nil, err
			}
			m.stereo += stereo
			addAtom(a)
			i += end
		default:
			a, n, err := parseOrganic(s[i:])
			if err != nil {
				return nil, err
			}
			addAtom(a)
			i += n - 1
		}
	}

	if len(branches) > 0 {
		return nil, fmt.Errorf("%w: unbalanced '('", ErrInvalidSMILES)
	}
	if len(open) > 0 {
		return nil, fmt.Errorf("%w: unclosed ring", ErrInvalidSMILES)
	}
	if len(m.atoms) == 0 {
		return nil, fmt.Errorf("%w: no atoms", ErrInvalidSMILES)
	}
	m.fillHydrogens()
	return m, nil
}

func (m *molecule) bond(a, b int, order float64) {
	if order == 0 {
		order = 1
		if m.atoms[a].aromatic && m.atoms[b].aromatic {
			order = 1.5
		}
	}
	m.atoms[a].bonds += order
	m.atoms[b].bonds += order
}

// fillHydrogens assigns implicit hydrogens to organic-subset atoms from the
// lowest default valence that accommodates their bonds.
func (m *molecule) fillHydrogens() {
	for i := range m.atoms {
		a := &m.atoms[i]
		if a.bracket {
			continue
		}
		used := int(math.Ceil(a.bonds - 1e-9))
		for _, v := range valences[a.elem] {
			if v >= used {
				a.hydrogen = v - used
				break
			}
		}
	}
}

func parseOrganic(s string) (atom, int, error) {
	if len(s) >= 2 && (s[:2] == "Cl" || s[:2] == "Br") {
		return atom{elem: s[:2]}, 2, nil
	}
	switch c := s[0]; c {
	case 'B', 'C', 'N', 'O', 'P', 'S', 'F', 'I':
		return atom{elem: string(c)}, 1, nil
	case 'b', 'c', 'n', 'o', 'p', 's':
		return atom{elem: strings.ToUpper(string(c)), aromatic: true}, 1, nil
	case '@':
		return atom{}, 0, fmt.Errorf("%w: chirality outside brackets", ErrInvalidSMILES)
	default:
		return atom{}, 0, fmt.Errorf("%w: unexpected %q", ErrInvalidSMILES, c)
	}
}

// parseBracket reads the inside of a bracket atom such as "nH", "C@@H" or "O-".
func parseBracket(body string) (atom, int, error) {
	i := 0
	for i < len(body) && isDigit(body[i]) { // isotope
		i++
	}
	if i >= len(body) || !unicode.IsLetter(rune(body[i])) {
		return atom{}, 0, fmt.Errorf("%w: bad bracket atom [%s]", ErrInvalidSMILES, body)
	}

	a := atom{bracket: true}
	sym := string(body[i])
	i++
	if i < len(body) && unicode.IsLower(rune(body[i])) {
		if _, ok := atomicWeight[sym+string(body[i])]; ok && unicode.IsUpper(rune(sym[0])) {
			sym += string(body[i])
			i++
		}
	}
	if unicode.IsLower(rune(sym[0])) {
		a.aromatic = true
		sym = strings.ToUpper(sym[:1]) + sym[1:]
	}
	if _, ok := atomicWeight[sym]; !ok {
		return atom{}, 0, fmt.Errorf("%w: unknown element %s", ErrInvalidSMILES, sym)
	}
	a.elem = sym

	stereo := 0
	for i < len(body) && body[i] == '@' {
		stereo = 1
		i++
	}
	if i < len(body) && body[i] == 'H' {
		i++
		a.hydrogen = 1
		if i < len(body) && isDigit(body[i]) {
			a.hydrogen = int(body[i] - '0')
		}
	}
	return a, stereo, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// HeuristicMetrics estimates molecule metrics from its SMILES without any agent.
func HeuristicMetrics(smiles string) (Metrics, error) {
	mol, err := parseSMILES(smiles)
	if err != nil {
		return Metrics{}, err
	}

	var (
		weight, logP      float64
		donors, acceptors int
		heavy, halogens   int
	)
	for _, a := range mol.atoms {
		heavy++
		weight += atomicWeight[a.elem] + float64(a.hydrogen)*hydrogenWeight

		key := a.elem
		if a.aromatic {
			key = strings.ToLower(a.elem)
		}
		logP += logPContribution[key]

		switch a.elem {
		case "N", "O":
			acceptors++
			if a.hydrogen > 0 {
				donors++
				logP -= 0.2 * float64(a.hydrogen)
			}
		case "F", "Cl", "Br", "I":
			halogens++
		}
	}

	m := Metrics{
		MolecularWeight: round2(weight),
		LogP:            round2(logP),
		HBondDonors:     donors,
		HBondAcceptors:  acceptors,
	}
	if m.MolecularWeight > 500 {
		m.LipinskiViolations++
	}
	if m.LogP > 5 {
		m.LipinskiViolations++
	}
	if donors > 5 {
		m.LipinskiViolations++
	}
	if acceptors > 10 {
		m.LipinskiViolations++
	}

	m.ToxicityRisk = toxicityRisk(smiles, halogens)
	m.DrugLikeness = drugLikeness(m)
	m.BindingAffinity = -round2(math.Min(0.32*float64(heavy), 12.5))
	m.SyntheticAccessibility = round2(math.Min(10, 1+0.5*float64(mol.rings)+0.5*float64(mol.stereo)+float64(heavy)/20))
	return m, nil
}

func toxicityRisk(smiles string, halogens int) string {
	alerts := 0
	for _, alert := range toxicAlerts {
		if strings.Contains(smiles, alert) {
			alerts++
		}
	}
	if halogens > 3 {
		alerts++
	}
	switch {
	case alerts == 0:
		return RiskLow
	case alerts == 1:
		return RiskMedium
	default:
		return RiskHigh
	}
}

func drugLikeness(m Metrics) float64 {
	score := 1 - 0.25*float64(m.LipinskiViolations)
	switch m.ToxicityRisk {
	case RiskMedium:
		score -= 0.15
	case RiskHigh:
		score -= 0.4
	}
	return round2(math.Max(0, math.Min(1, score)))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
