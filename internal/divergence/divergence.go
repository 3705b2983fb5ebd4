// Package divergence defines the findings produced by integrity checks and
// the report built from them.
package divergence

import (
	"fmt"
	"sort"
)

// Severity classifies how urgently a finding needs attention.
type Severity string

const (
	Critical      Severity = "Critical"
	Important     Severity = "Important"
	Warning       Severity = "Warning"
	Informational Severity = "Informational"
)

// Severities returns every severity, most urgent first.
func Severities() []Severity {
	return []Severity{Critical, Important, Warning, Informational}
}

// Rank orders severities; lower is more urgent.
func (s Severity) Rank() int {
	switch s {
	case Critical:
		return 0
	case Important:
		return 1
	case Warning:
		return 2
	case Informational:
		return 3
	default:
		return 4
	}
}

// Label is the display form used in exports.
func (s Severity) Label() string {
	switch s {
	case Critical:
		return "CRITICAL"
	case Important:
		return "IMPORTANT"
	case Warning:
		return "WARNING"
	case Informational:
		return "INFO"
	default:
		return string(s)
	}
}

// ParseSeverity accepts a canonical severity name.
func ParseSeverity(s string) (Severity, error) {
	switch v := Severity(s); v {
	case Critical, Important, Warning, Informational:
		return v, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Type identifies the inconsistency pattern a finding reports.
type Type string

const (
	DuplicateStudents     Type = "duplicate_students"
	OrphanRawAnswers      Type = "orphan_raw_answers"
	OrphanConsolidated    Type = "orphan_consolidated"
	PresentWithoutScores  Type = "present_without_scores"
	AbsentWithScores      Type = "absent_with_scores"
	MissingConsolidation  Type = "missing_consolidation"
	InvalidReferenceCodes Type = "invalid_reference_codes"
	ExcludedAnswers       Type = "excluded_answers"

	// Meta findings describe the detection run itself.
	CheckFailed         Type = "check_failed"
	DetectionIncomplete Type = "detection_incomplete"
)

// Entity kinds referenced by details.
const (
	EntityStudent      = "student"
	EntitySchool       = "school"
	EntityClass        = "class"
	EntityRawAnswer    = "raw_answer"
	EntityConsolidated = "consolidated_record"
	EntityCheck        = "check"
)

// Detail points at one affected entity.
type Detail struct {
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id"`
	Name         string `json:"name,omitempty"`
	Code         string `json:"code,omitempty"`
	School       string `json:"school,omitempty"`
	Grade        string `json:"grade,omitempty"`
	Year         int    `json:"year,omitempty"`
	Problem      string `json:"problem"`
	SuggestedFix string `json:"suggested_fix,omitempty"`
}

// Finding groups every detail of one type found in a detection pass.
type Finding struct {
	Type        Type     `json:"type"`
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Count       int      `json:"count"`
	Correctable bool     `json:"correctable"`
	Details     []Detail `json:"details"`
}

// SortDetails orders details by kind, entity id, year, code and problem,
// then by the remaining fields. Every field takes part, so identical inputs
// always produce identical findings.
func SortDetails(details []Detail) {
	sort.SliceStable(details, func(i, j int) bool {
		a, b := details[i], details[j]
		if a.EntityKind != b.EntityKind {
			return a.EntityKind < b.EntityKind
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.Problem != b.Problem {
			return a.Problem < b.Problem
		}
		if a.School != b.School {
			return a.School < b.School
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Grade != b.Grade {
			return a.Grade < b.Grade
		}
		return a.SuggestedFix < b.SuggestedFix
	})
}

// Sort orders findings severity-first, then by count descending, then by
// type for a stable result.
func Sort(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() < b.Severity.Rank()
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Type < b.Type
	})
}
