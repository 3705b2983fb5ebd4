package grade

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// SubjectSpec describes one objective subject of a grade.
type SubjectSpec struct {
	Code        Subject
	ItemCount   int
	ScoreWeight float64
}

// Profile describes how a grade is evaluated. Profiles are immutable once
// published to a Registry.
type Profile struct {
	Grade                string
	Subjects             []SubjectSpec
	HasTextualProduction bool
	UsesProficiencyBands bool
	AveragingDivisor     int
}

// Spec returns the subject spec for code, if the profile evaluates it.
func (p Profile) Spec(code Subject) (SubjectSpec, bool) {
	for _, s := range p.Subjects {
		if s.Code == code {
			return s, true
		}
	}
	return SubjectSpec{}, false
}

// Evaluates reports whether the subject belongs to this grade, including
// textual production for grades that have it.
func (p Profile) Evaluates(code Subject) bool {
	if code == TextualProduction {
		return p.HasTextualProduction
	}
	_, ok := p.Spec(code)
	return ok
}

// Validate checks the structural rules a profile must satisfy before it can
// be published.
func (p Profile) Validate() error {
	if _, ok := Normalize(p.Grade); !ok {
		return fmt.Errorf("grade %q: not a grade number", p.Grade)
	}
	if p.AveragingDivisor <= 0 {
		return fmt.Errorf("grade %s: averaging divisor must be positive", p.Grade)
	}
	if len(p.Subjects) == 0 {
		return fmt.Errorf("grade %s: no subjects", p.Grade)
	}
	seen := make(map[Subject]bool, len(p.Subjects))
	for _, s := range p.Subjects {
		if s.Code == TextualProduction {
			return fmt.Errorf("grade %s: textual production is not an objective subject", p.Grade)
		}
		if s.ItemCount <= 0 {
			return fmt.Errorf("grade %s: subject %s needs a positive item count", p.Grade, s.Code)
		}
		if s.ScoreWeight <= 0 {
			return fmt.Errorf("grade %s: subject %s needs a positive score weight", p.Grade, s.Code)
		}
		if seen[s.Code] {
			return fmt.Errorf("grade %s: subject %s listed twice", p.Grade, s.Code)
		}
		seen[s.Code] = true
	}
	return nil
}

// UnknownGradeError is returned when a label does not resolve to a profile.
type UnknownGradeError struct {
	Label string
}

func (e *UnknownGradeError) Error() string {
	return fmt.Sprintf("no grade profile for %q", e.Label)
}

// Registry resolves grade labels to profiles. Publish swaps the whole table
// at once, so concurrent resolvers never observe a partial update.
type Registry struct {
	table atomic.Pointer[map[string]Profile]
}

// NewRegistry validates and publishes the given profiles.
func NewRegistry(profiles []Profile) (*Registry, error) {
	r := &Registry{}
	if err := r.Publish(profiles); err != nil {
		return nil, err
	}
	return r, nil
}

// Publish replaces the profile table.
func (r *Registry) Publish(profiles []Profile) error {
	table := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return err
		}
		key, _ := Normalize(p.Grade)
		if _, dup := table[key]; dup {
			return fmt.Errorf("grade %s defined twice", key)
		}
		p.Grade = key
		p.Subjects = append([]SubjectSpec(nil), p.Subjects...)
		table[key] = p
	}
	r.table.Store(&table)
	return nil
}

// Resolve returns the profile for a free-text grade label.
func (r *Registry) Resolve(label string) (Profile, error) {
	key, ok := Normalize(label)
	if !ok {
		return Profile{}, &UnknownGradeError{Label: label}
	}
	table := r.table.Load()
	if table == nil {
		return Profile{}, &UnknownGradeError{Label: label}
	}
	p, ok := (*table)[key]
	if !ok {
		return Profile{}, &UnknownGradeError{Label: label}
	}
	p.Subjects = append([]SubjectSpec(nil), p.Subjects...)
	return p, nil
}

// Grades returns the published grade numbers in numeric order.
func (r *Registry) Grades() []string {
	table := r.table.Load()
	if table == nil {
		return nil
	}
	grades := make([]string, 0, len(*table))
	for g := range *table {
		grades = append(grades, g)
	}
	sort.Slice(grades, func(i, j int) bool {
		if len(grades[i]) != len(grades[j]) {
			return len(grades[i]) < len(grades[j])
		}
		return strings.Compare(grades[i], grades[j]) < 0
	})
	return grades
}
