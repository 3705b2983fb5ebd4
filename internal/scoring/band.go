package scoring

import (
	"fmt"

	"github.com/TobiSchelling/schoolcheck/internal/grade"
	"github.com/TobiSchelling/schoolcheck/internal/textnorm"
)

// Band is an ordered proficiency classification.
type Band string

const (
	Unclassified Band = "Unclassified"
	Insufficient Band = "Insufficient"
	Basic        Band = "Basic"
	Adequate     Band = "Adequate"
	Advanced     Band = "Advanced"
)

// Rank orders bands from least to most favorable. Unclassified ranks 0.
func (b Band) Rank() int {
	switch b {
	case Insufficient:
		return 1
	case Basic:
		return 2
	case Adequate:
		return 3
	case Advanced:
		return 4
	default:
		return 0
	}
}

// ParseBand accepts only canonical band names.
func ParseBand(s string) (Band, error) {
	switch b := Band(s); b {
	case Unclassified, Insufficient, Basic, Adequate, Advanced:
		return b, nil
	}
	return "", fmt.Errorf("unknown band %q", s)
}

// Thresholds are lower bounds on the correct ratio for each band above
// Insufficient. A ratio equal to a bound belongs to the higher band.
type Thresholds struct {
	Basic    float64
	Adequate float64
	Advanced float64
}

// DefaultThresholds returns the thresholds applied when no table entry
// matches.
func DefaultThresholds() Thresholds {
	return Thresholds{Basic: 0.25, Adequate: 0.5, Advanced: 0.75}
}

// Validate requires 0 <= Basic <= Adequate <= Advanced <= 1.
func (t Thresholds) Validate() error {
	if t.Basic < 0 || t.Basic > t.Adequate || t.Adequate > t.Advanced || t.Advanced > 1 {
		return fmt.Errorf("thresholds must satisfy 0 <= basic <= adequate <= advanced <= 1, got %+v", t)
	}
	return nil
}

// Band classifies a correct ratio.
func (t Thresholds) Band(ratio float64) Band {
	switch {
	case ratio >= t.Advanced:
		return Advanced
	case ratio >= t.Adequate:
		return Adequate
	case ratio >= t.Basic:
		return Basic
	default:
		return Insufficient
	}
}

// BandOverride sets thresholds for a subject, optionally restricted to one
// grade. An empty Grade applies to every grade.
type BandOverride struct {
	Grade      string
	Subject    grade.Subject
	Thresholds Thresholds
}

// BandTable looks up thresholds by grade and subject, most specific first.
type BandTable struct {
	fallback       Thresholds
	bySubject      map[grade.Subject]Thresholds
	byGradeSubject map[string]Thresholds
}

// NewBandTable validates and indexes the overrides.
func NewBandTable(fallback Thresholds, overrides []BandOverride) (*BandTable, error) {
	if err := fallback.Validate(); err != nil {
		return nil, fmt.Errorf("default bands: %w", err)
	}
	t := &BandTable{
		fallback:       fallback,
		bySubject:      make(map[grade.Subject]Thresholds),
		byGradeSubject: make(map[string]Thresholds),
	}
	for _, o := range overrides {
		if err := o.Thresholds.Validate(); err != nil {
			return nil, fmt.Errorf("bands for %s grade %q: %w", o.Subject, o.Grade, err)
		}
		if o.Grade == "" {
			t.bySubject[o.Subject] = o.Thresholds
			continue
		}
		g, ok := grade.Normalize(o.Grade)
		if !ok {
			return nil, fmt.Errorf("bands for %s: bad grade %q", o.Subject, o.Grade)
		}
		t.byGradeSubject[g+"/"+string(o.Subject)] = o.Thresholds
	}
	return t, nil
}

func (t *BandTable) lookup(gradeNum string, subject grade.Subject) Thresholds {
	if th, ok := t.byGradeSubject[gradeNum+"/"+string(subject)]; ok {
		return th
	}
	if th, ok := t.bySubject[subject]; ok {
		return th
	}
	return t.fallback
}

// Band classifies a correct ratio for a subject of the given profile.
// Profiles that do not use banding always yield Unclassified.
func (t *BandTable) Band(p grade.Profile, subject grade.Subject, ratio float64) Band {
	if !p.UsesProficiencyBands {
		return Unclassified
	}
	return t.lookup(p.Grade, subject).Band(ratio)
}

// LabelMap maps folded textual-production labels to bands.
type LabelMap map[string]Band

// DefaultLabels returns the built-in label vocabulary.
func DefaultLabels() LabelMap {
	m := LabelMap{}
	for label, b := range map[string]Band{
		"abaixo do básico": Insufficient,
		"insuficiente":     Insufficient,
		"insufficient":     Insufficient,
		"básico":           Basic,
		"basic":            Basic,
		"adequado":         Adequate,
		"proficiente":      Adequate,
		"adequate":         Adequate,
		"avançado":         Advanced,
		"advanced":         Advanced,
	} {
		m[textnorm.Fold(label)] = b
	}
	return m
}

// With returns a copy of m extended with extra label aliases.
func (m LabelMap) With(extra map[string]Band) LabelMap {
	out := make(LabelMap, len(m)+len(extra))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range extra {
		out[textnorm.Fold(k)] = v
	}
	return out
}

// Band converts a manually entered label. Unknown labels degrade to
// Unclassified.
func (m LabelMap) Band(label string) Band {
	if b, ok := m[textnorm.Fold(label)]; ok {
		return b
	}
	return Unclassified
}

// DefaultProductionScores are the representative scores for a production
// band when no numeric score was recorded.
func DefaultProductionScores() map[Band]float64 {
	return map[Band]float64{
		Insufficient: 2.5,
		Basic:        5,
		Adequate:     7.5,
		Advanced:     10,
	}
}
