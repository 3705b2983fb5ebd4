// Package scoring turns correct-answer counts into subject scores and
// proficiency bands, and derives the per-student overall level and average.
package scoring

import (
	"fmt"
	"math"

	"github.com/TobiSchelling/schoolcheck/internal/grade"
)

// InvalidInputError reports a count that cannot be scored.
type InvalidInputError struct {
	Correct int
	Total   int
	Reason  string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid score input %d/%d: %s", e.Correct, e.Total, e.Reason)
}

// SubjectScore is the scored result of one subject for one student and year.
type SubjectScore struct {
	Subject grade.Subject `json:"subject"`
	Correct int           `json:"correct"`
	Total   int           `json:"total"`
	Score   float64       `json:"score"`
	Band    Band          `json:"band"`
}

// Ratio returns Correct/Total, or 0 for an empty subject.
func (s SubjectScore) Ratio() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Total)
}

// Score converts a correct count into a 0-10 score rounded to two decimals.
func Score(correct, total int) (float64, error) {
	if total <= 0 {
		return 0, &InvalidInputError{Correct: correct, Total: total, Reason: "total must be positive"}
	}
	if correct < 0 || correct > total {
		return 0, &InvalidInputError{Correct: correct, Total: total, Reason: "correct outside [0, total]"}
	}
	return round2(float64(correct) / float64(total) * 10), nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Calculator bundles the injectable policy tables used for scoring.
type Calculator struct {
	Bands            *BandTable
	Labels           LabelMap
	ProductionScores map[Band]float64
}

// NewCalculator returns a calculator with the default label map and
// production scores. bands may be nil, in which case DefaultThresholds apply
// to every subject.
func NewCalculator(bands *BandTable) *Calculator {
	if bands == nil {
		bands, _ = NewBandTable(DefaultThresholds(), nil)
	}
	return &Calculator{
		Bands:            bands,
		Labels:           DefaultLabels(),
		ProductionScores: DefaultProductionScores(),
	}
}

// Subject scores a correct count for one subject of a profile. A subject
// with no answers yields correct 0 and an Unclassified band.
func (c *Calculator) Subject(p grade.Profile, spec grade.SubjectSpec, correct int, answered bool) (SubjectScore, error) {
	score, err := Score(correct, spec.ItemCount)
	if err != nil {
		return SubjectScore{}, err
	}
	s := SubjectScore{
		Subject: spec.Code,
		Correct: correct,
		Total:   spec.ItemCount,
		Score:   score,
		Band:    Unclassified,
	}
	if answered {
		s.Band = c.Bands.Band(p, spec.Code, s.Ratio())
	}
	return s, nil
}

// Production resolves a textual-production entry into a score and band. An
// explicit numeric score wins; otherwise the band's representative score is
// used. Unrecognized labels without a score produce nil and Unclassified.
func (c *Calculator) Production(label string, score *float64) (*float64, Band) {
	band := c.Labels.Band(label)
	if score != nil {
		v := round2(math.Max(0, math.Min(10, *score)))
		return &v, band
	}
	if band == Unclassified {
		return nil, Unclassified
	}
	v, ok := c.ProductionScores[band]
	if !ok {
		return nil, band
	}
	return &v, band
}
