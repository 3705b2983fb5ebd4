package consolidate

import (
	"context"
	"fmt"
	"sort"

	"github.com/TobiSchelling/schoolcheck/internal/database"
	"github.com/TobiSchelling/schoolcheck/internal/grade"
)

// Reader is the read side of the store used to gather a key's inputs.
// Both *database.DB and *database.Tx satisfy it.
type Reader interface {
	GetStudent(ctx context.Context, id string) (*database.Student, error)
	RawAnswersFor(ctx context.Context, studentID string, year int) ([]database.RawAnswer, error)
	LegacyResultFor(ctx context.Context, studentID string, year int) (*database.LegacyResult, error)
	AttendanceFor(ctx context.Context, studentID string, year int) (*database.AttendanceMark, error)
	ProductionFor(ctx context.Context, studentID string, year int) (*database.ProductionEntry, error)
}

// MissingStudentError is returned when a key's student is not in the
// directory. Its data is reported as orphaned rather than consolidated.
type MissingStudentError struct {
	StudentID string
}

func (e *MissingStudentError) Error() string {
	return fmt.Sprintf("student %s not in directory", e.StudentID)
}

// Exclusion records input that was left out of an aggregate.
type Exclusion struct {
	StudentID string `json:"student_id"`
	Year      int    `json:"year"`
	Source    string `json:"source"`
	Subject   string `json:"subject"`
	ItemID    string `json:"item_id,omitempty"`
	Reason    string `json:"reason"`
}

// Exclusion sources.
const (
	SourceRaw        = "raw_answers"
	SourceLegacy     = "legacy_results"
	SourceProduction = "production"
)

// Tally is the merged correct count of one subject.
type Tally struct {
	Correct  int
	Answered bool
	Source   string
}

// Source is everything known about one key after merging both storage
// shapes, ready to be scored.
type Source struct {
	Key             database.StudentYear
	Student         *database.Student
	Profile         grade.Profile
	SchoolID        string
	ClassID         string
	Tallies         map[grade.Subject]Tally
	AttendanceCode  string
	ProductionLabel string
	ProductionScore *float64
	Exclusions      []Exclusion
}

// Gather loads and merges every input for a key. It fails with
// *MissingStudentError when the student is unknown and with
// *grade.UnknownGradeError when no profile matches the student's grade.
//
// For each field the newer shape wins when it holds a value and the legacy
// row fills the gaps.
func Gather(ctx context.Context, r Reader, reg *grade.Registry, key database.StudentYear) (*Source, error) {
	student, err := r.GetStudent(ctx, key.StudentID)
	if err != nil {
		return nil, fmt.Errorf("loading student %s: %w", key.StudentID, err)
	}
	if student == nil {
		return nil, &MissingStudentError{StudentID: key.StudentID}
	}
	answers, err := r.RawAnswersFor(ctx, key.StudentID, key.Year)
	if err != nil {
		return nil, fmt.Errorf("loading raw answers for %s: %w", key, err)
	}
	legacy, err := r.LegacyResultFor(ctx, key.StudentID, key.Year)
	if err != nil {
		return nil, fmt.Errorf("loading legacy result for %s: %w", key, err)
	}
	mark, err := r.AttendanceFor(ctx, key.StudentID, key.Year)
	if err != nil {
		return nil, fmt.Errorf("loading attendance for %s: %w", key, err)
	}
	production, err := r.ProductionFor(ctx, key.StudentID, key.Year)
	if err != nil {
		return nil, fmt.Errorf("loading production for %s: %w", key, err)
	}

	profile, err := reg.Resolve(GradeLabel(student, answers, legacy))
	if err != nil {
		return nil, err
	}

	src := &Source{
		Key:      key,
		Student:  student,
		Profile:  profile,
		SchoolID: student.SchoolID,
		ClassID:  student.ClassID,
	}
	raw, rawExcl := TallyAnswers(key, answers, profile)
	src.Exclusions = append(src.Exclusions, rawExcl...)
	src.Tallies = raw

	if legacy != nil {
		for _, spec := range profile.Subjects {
			if t, ok := src.Tallies[spec.Code]; ok && t.Answered {
				continue
			}
			c := legacy.CorrectFor(spec.Code)
			if c == nil {
				continue
			}
			if *c < 0 || *c > spec.ItemCount {
				src.Exclusions = append(src.Exclusions, Exclusion{
					StudentID: key.StudentID, Year: key.Year, Source: SourceLegacy, Subject: string(spec.Code),
					Reason: fmt.Sprintf("correct count %d outside [0, %d]", *c, spec.ItemCount),
				})
				continue
			}
			src.Tallies[spec.Code] = Tally{Correct: *c, Answered: true, Source: SourceLegacy}
		}
		for _, s := range []grade.Subject{grade.Portuguese, grade.Mathematics, grade.Humanities, grade.NaturalSciences} {
			if legacy.CorrectFor(s) != nil && !profile.Evaluates(s) {
				src.Exclusions = append(src.Exclusions, Exclusion{
					StudentID: key.StudentID, Year: key.Year, Source: SourceLegacy, Subject: string(s),
					Reason: fmt.Sprintf("subject not evaluated in grade %s", profile.Grade),
				})
			}
		}
		if src.SchoolID == "" {
			src.SchoolID = legacy.SchoolID
		}
	}

	switch {
	case mark != nil && mark.Code != "":
		src.AttendanceCode = mark.Code
	case legacy != nil && legacy.Attendance != nil:
		src.AttendanceCode = *legacy.Attendance
	}

	if production != nil {
		src.ProductionLabel = production.Label
		src.ProductionScore = production.Score
	}
	if legacy != nil {
		if src.ProductionLabel == "" && legacy.ProductionLabel != nil {
			src.ProductionLabel = *legacy.ProductionLabel
		}
		if src.ProductionScore == nil && legacy.ProductionScore != nil {
			src.ProductionScore = legacy.ProductionScore
		}
	}
	hasProduction := src.ProductionLabel != "" || src.ProductionScore != nil
	if hasProduction && !profile.HasTextualProduction {
		src.Exclusions = append(src.Exclusions, Exclusion{
			StudentID: key.StudentID, Year: key.Year, Source: SourceProduction, Subject: string(grade.TextualProduction),
			Reason: fmt.Sprintf("grade %s has no textual production", profile.Grade),
		})
		src.ProductionLabel, src.ProductionScore = "", nil
	}
	if src.ProductionScore != nil && (*src.ProductionScore < 0 || *src.ProductionScore > 10) {
		src.Exclusions = append(src.Exclusions, Exclusion{
			StudentID: key.StudentID, Year: key.Year, Source: SourceProduction, Subject: string(grade.TextualProduction),
			Reason: fmt.Sprintf("production score %.2f outside [0, 10]", *src.ProductionScore),
		})
		src.ProductionScore = nil
	}

	return src, nil
}

// GradeLabel picks the grade label for a key: the directory entry first,
// then the most recent raw answer, then the legacy row.
func GradeLabel(student *database.Student, answers []database.RawAnswer, legacy *database.LegacyResult) string {
	if student != nil && student.Grade != "" {
		return student.Grade
	}
	for i := len(answers) - 1; i >= 0; i-- {
		if answers[i].Grade != "" {
			return answers[i].Grade
		}
	}
	if legacy != nil {
		return legacy.Grade
	}
	return ""
}

type itemKey struct {
	subject grade.Subject
	item    string
}

// TallyAnswers counts correct answers per subject. For a repeated item the
// answer from the latest import wins. Answers with an unknown subject or a
// subject the profile does not evaluate are excluded, as is a subject whose
// distinct items exceed the profile's item count.
func TallyAnswers(key database.StudentYear, answers []database.RawAnswer, p grade.Profile) (map[grade.Subject]Tally, []Exclusion) {
	var exclusions []Exclusion
	latest := make(map[itemKey]database.RawAnswer)
	for _, a := range answers {
		code, err := grade.ParseSubject(a.Subject)
		if err != nil {
			exclusions = append(exclusions, Exclusion{
				StudentID: key.StudentID, Year: key.Year, Source: SourceRaw, Subject: a.Subject, ItemID: a.ItemID,
				Reason: "unknown subject",
			})
			continue
		}
		if _, ok := p.Spec(code); !ok {
			exclusions = append(exclusions, Exclusion{
				StudentID: key.StudentID, Year: key.Year, Source: SourceRaw, Subject: string(code), ItemID: a.ItemID,
				Reason: fmt.Sprintf("subject not evaluated in grade %s", p.Grade),
			})
			continue
		}
		k := itemKey{subject: code, item: a.ItemID}
		prev, seen := latest[k]
		if !seen || newer(a, prev) {
			latest[k] = a
		}
	}

	type count struct{ items, correct int }
	counts := make(map[grade.Subject]*count)
	for k, a := range latest {
		c := counts[k.subject]
		if c == nil {
			c = &count{}
			counts[k.subject] = c
		}
		c.items++
		if a.Correct {
			c.correct++
		}
	}

	tallies := make(map[grade.Subject]Tally, len(counts))
	for _, spec := range p.Subjects {
		c, ok := counts[spec.Code]
		if !ok {
			continue
		}
		if c.items > spec.ItemCount {
			exclusions = append(exclusions, Exclusion{
				StudentID: key.StudentID, Year: key.Year, Source: SourceRaw, Subject: string(spec.Code),
				Reason: fmt.Sprintf("%d distinct items exceed item count %d", c.items, spec.ItemCount),
			})
			continue
		}
		tallies[spec.Code] = Tally{Correct: c.correct, Answered: true, Source: SourceRaw}
	}

	sort.SliceStable(exclusions, func(i, j int) bool {
		if exclusions[i].Subject != exclusions[j].Subject {
			return exclusions[i].Subject < exclusions[j].Subject
		}
		return exclusions[i].ItemID < exclusions[j].ItemID
	})
	return tallies, exclusions
}

func newer(a, b database.RawAnswer) bool {
	if !a.ImportedAt.Equal(b.ImportedAt) {
		return a.ImportedAt.After(b.ImportedAt)
	}
	return a.ID > b.ID
}
