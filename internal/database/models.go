package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/TobiSchelling/schoolcheck/internal/divergence"
	"github.com/TobiSchelling/schoolcheck/internal/grade"
	"github.com/TobiSchelling/schoolcheck/internal/scoring"
)

// School is a directory entry for a school.
type School struct {
	ID        string
	Name      string
	Code      string
	CreatedAt time.Time
}

// Class is a directory entry for a class of a school.
type Class struct {
	ID       string
	SchoolID string
	Name     string
	Grade    string
	Year     int
}

// Student is a directory entry for a student enrolled in a given year.
type Student struct {
	ID        string
	Name      string
	SchoolID  string
	ClassID   string
	Grade     string
	Year      int
	CreatedAt time.Time
}

// RawAnswer is one imported per-question answer. Rows are never updated; a
// later import of the same item supersedes earlier ones.
type RawAnswer struct {
	ID         int64
	StudentID  string
	SchoolID   string
	Year       int
	Grade      string
	Subject    string
	ItemID     string
	Correct    bool
	BatchID    string
	ImportedAt time.Time
}

// LegacyResult is the older wide storage shape: one row per student and
// year with per-subject correct counts.
type LegacyResult struct {
	StudentID       string
	Year            int
	SchoolID        string
	Grade           string
	LP              *int
	MAT             *int
	CH              *int
	CN              *int
	Attendance      *string
	ProductionLabel *string
	ProductionScore *float64
}

// CorrectFor returns the legacy correct count for a subject, if recorded.
func (l *LegacyResult) CorrectFor(s grade.Subject) *int {
	switch s {
	case grade.Portuguese:
		return l.LP
	case grade.Mathematics:
		return l.MAT
	case grade.Humanities:
		return l.CH
	case grade.NaturalSciences:
		return l.CN
	default:
		return nil
	}
}

// AttendanceMark is the attendance code recorded for a student and year.
type AttendanceMark struct {
	StudentID  string
	Year       int
	Code       string
	BatchID    string
	RecordedAt time.Time
}

// ProductionEntry is the textual-production result for a student and year.
type ProductionEntry struct {
	StudentID  string
	Year       int
	Label      string
	Score      *float64
	BatchID    string
	RecordedAt time.Time
}

// StudentYear identifies a consolidation key.
type StudentYear struct {
	StudentID string
	Year      int
}

func (k StudentYear) String() string {
	return fmt.Sprintf("%s/%d", k.StudentID, k.Year)
}

// ConsolidatedRecord is the authoritative per-student, per-year summary.
type ConsolidatedRecord struct {
	StudentID       string                 `json:"student_id"`
	Year            int                    `json:"year"`
	SchoolID        string                 `json:"school_id"`
	ClassID         string                 `json:"class_id"`
	Grade           string                 `json:"grade"`
	Attendance      scoring.Attendance     `json:"attendance"`
	Subjects        []scoring.SubjectScore `json:"subjects"`
	ProductionScore *float64               `json:"production_score"`
	ProductionBand  scoring.Band           `json:"production_band"`
	OverallLevel    scoring.Band           `json:"overall_level"`
	OverallAverage  *float64               `json:"overall_average"`
	ConsolidatedAt  time.Time              `json:"consolidated_at"`
}

// Key returns the record's consolidation key.
func (r *ConsolidatedRecord) Key() StudentYear {
	return StudentYear{StudentID: r.StudentID, Year: r.Year}
}

// HasAnyScore reports whether any subject or the production has a
// non-zero score.
func (r *ConsolidatedRecord) HasAnyScore() bool {
	for _, s := range r.Subjects {
		if s.Score != 0 {
			return true
		}
	}
	return r.ProductionScore != nil && *r.ProductionScore != 0
}

// SameContent compares two records ignoring ConsolidatedAt.
func (r *ConsolidatedRecord) SameContent(o *ConsolidatedRecord) bool {
	if r == nil || o == nil {
		return r == o
	}
	a, b := *r, *o
	a.ConsolidatedAt, b.ConsolidatedAt = time.Time{}, time.Time{}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// AuditEntry records one applied correction. Entries are immutable.
type AuditEntry struct {
	ID          string
	Type        divergence.Type
	Severity    divergence.Severity
	Title       string
	Description string
	EntityKind  string
	EntityID    string
	Before      json.RawMessage
	After       json.RawMessage
	Action      string
	Automatic   bool
	Actor       string
	CreatedAt   time.Time
}

// AuditQuery filters and pages the audit trail. Zero values match
// everything; Limit <= 0 uses DefaultAuditPageSize.
type AuditQuery struct {
	Type     divergence.Type
	Severity divergence.Severity
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// DefaultAuditPageSize is used when a query sets no limit.
const DefaultAuditPageSize = 50

// AuditPage is one page of audit entries plus the total match count.
type AuditPage struct {
	Entries []AuditEntry
	Total   int
}

// Stats contains aggregate database statistics.
type Stats struct {
	Schools       int
	Classes       int
	Students      int
	RawAnswers    int
	LegacyResults int
	Consolidated  int
	AuditEntries  int
}

// ParseError reports a stored value that does not map onto the typed model.
type ParseError struct {
	Table  string
	Column string
	Value  string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s.%s value %q: %v", e.Table, e.Column, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
