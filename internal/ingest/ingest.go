// Package ingest loads YAML import batches into the store. It stands in for
// the upstream import feeds: rows are appended as received and left for the
// integrity checks to judge.
package ingest

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/schoolcheck/internal/database"
)

// Batch is one import file.
type Batch struct {
	ID         string    `yaml:"batch"`
	ImportedAt time.Time `yaml:"imported_at"`
	// Year applies to every row that does not set its own.
	Year int `yaml:"year"`

	Schools    []School     `yaml:"schools"`
	Classes    []Class      `yaml:"classes"`
	Students   []Student    `yaml:"students"`
	Answers    []AnswerSet  `yaml:"answers"`
	Legacy     []Legacy     `yaml:"legacy"`
	Attendance []Attendance `yaml:"attendance"`
	Production []Production `yaml:"production"`
}

type School struct {
	ID        string    `yaml:"id"`
	Name      string    `yaml:"name"`
	Code      string    `yaml:"code"`
	CreatedAt time.Time `yaml:"created_at"`
}

type Class struct {
	ID     string `yaml:"id"`
	School string `yaml:"school"`
	Name   string `yaml:"name"`
	Grade  string `yaml:"grade"`
	Year   int    `yaml:"year"`
}

type Student struct {
	ID        string    `yaml:"id"`
	Name      string    `yaml:"name"`
	School    string    `yaml:"school"`
	Class     string    `yaml:"class"`
	Grade     string    `yaml:"grade"`
	Year      int       `yaml:"year"`
	CreatedAt time.Time `yaml:"created_at"`
}

// AnswerSet holds one student's answers for one subject. Items maps item
// ids to correctness; Responses is the compact form where position i is
// item i+1 and '1' is correct, '0' wrong and anything else unanswered.
type AnswerSet struct {
	Student   string          `yaml:"student"`
	School    string          `yaml:"school"`
	Year      int             `yaml:"year"`
	Grade     string          `yaml:"grade"`
	Subject   string          `yaml:"subject"`
	Items     map[string]bool `yaml:"items"`
	Responses string          `yaml:"responses"`
}

// Legacy is a row of the older wide result shape.
type Legacy struct {
	Student         string   `yaml:"student"`
	Year            int      `yaml:"year"`
	School          string   `yaml:"school"`
	Grade           string   `yaml:"grade"`
	LP              *int     `yaml:"lp"`
	MAT             *int     `yaml:"mat"`
	CH              *int     `yaml:"ch"`
	CN              *int     `yaml:"cn"`
	Attendance      *string  `yaml:"attendance"`
	ProductionLabel *string  `yaml:"production_label"`
	ProductionScore *float64 `yaml:"production_score"`
}

type Attendance struct {
	Student string `yaml:"student"`
	Year    int    `yaml:"year"`
	Code    string `yaml:"code"`
}

type Production struct {
	Student string   `yaml:"student"`
	Year    int      `yaml:"year"`
	Label   string   `yaml:"label"`
	Score   *float64 `yaml:"score"`
}

// Summary counts the rows written by Apply.
type Summary struct {
	BatchID    string
	Schools    int
	Classes    int
	Students   int
	RawAnswers int
	Legacy     int
	Attendance int
	Production int
}

func (s *Summary) String() string {
	return fmt.Sprintf("batch %s: %d schools, %d classes, %d students, %d answers, %d legacy rows, %d attendance marks, %d production entries",
		s.BatchID, s.Schools, s.Classes, s.Students, s.RawAnswers, s.Legacy, s.Attendance, s.Production)
}

// Load reads a batch file.
func Load(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading batch: %w", err)
	}
	return Parse(data)
}

// Parse decodes a batch and checks that every row names its keys.
func Parse(data []byte) (*Batch, error) {
	var b Batch
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing batch: %w", err)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Batch) validate() error {
	year := func(y int) int {
		if y == 0 {
			return b.Year
		}
		return y
	}
	for i, s := range b.Schools {
		if s.ID == "" {
			return fmt.Errorf("schools[%d]: missing id", i)
		}
	}
	for i, c := range b.Classes {
		if c.ID == "" || year(c.Year) == 0 {
			return fmt.Errorf("classes[%d]: id and year are required", i)
		}
	}
	for i, s := range b.Students {
		if s.ID == "" || year(s.Year) == 0 {
			return fmt.Errorf("students[%d]: id and year are required", i)
		}
	}
	for i, a := range b.Answers {
		if a.Student == "" || a.Subject == "" || year(a.Year) == 0 {
			return fmt.Errorf("answers[%d]: student, subject and year are required", i)
		}
	}
	for i, l := range b.Legacy {
		if l.Student == "" || year(l.Year) == 0 {
			return fmt.Errorf("legacy[%d]: student and year are required", i)
		}
	}
	for i, a := range b.Attendance {
		if a.Student == "" || year(a.Year) == 0 {
			return fmt.Errorf("attendance[%d]: student and year are required", i)
		}
	}
	for i, p := range b.Production {
		if p.Student == "" || year(p.Year) == 0 {
			return fmt.Errorf("production[%d]: student and year are required", i)
		}
	}
	return nil
}

// Apply writes the batch in one transaction. A batch without an id gets a
// generated one; a missing import time is taken from now.
func Apply(ctx context.Context, db *database.DB, b *Batch, now time.Time) (*Summary, error) {
	batchID := b.ID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	at := b.ImportedAt
	if at.IsZero() {
		at = now
	}
	at = at.UTC()
	year := func(y int) int {
		if y == 0 {
			return b.Year
		}
		return y
	}
	created := func(t time.Time) time.Time {
		if t.IsZero() {
			return at
		}
		return t.UTC()
	}

	sum := &Summary{BatchID: batchID}
	err := db.WithTx(ctx, func(tx *database.Tx) error {
		for _, s := range b.Schools {
			if err := tx.InsertSchool(ctx, database.School{ID: s.ID, Name: s.Name, Code: s.Code, CreatedAt: created(s.CreatedAt)}); err != nil {
				return fmt.Errorf("school %s: %w", s.ID, err)
			}
			sum.Schools++
		}
		for _, c := range b.Classes {
			if err := tx.InsertClass(ctx, database.Class{ID: c.ID, SchoolID: c.School, Name: c.Name, Grade: c.Grade, Year: year(c.Year)}); err != nil {
				return fmt.Errorf("class %s: %w", c.ID, err)
			}
			sum.Classes++
		}
		for _, s := range b.Students {
			err := tx.InsertStudent(ctx, database.Student{
				ID: s.ID, Name: s.Name, SchoolID: s.School, ClassID: s.Class,
				Grade: s.Grade, Year: year(s.Year), CreatedAt: created(s.CreatedAt),
			})
			if err != nil {
				return fmt.Errorf("student %s: %w", s.ID, err)
			}
			sum.Students++
		}

		var rows []database.RawAnswer
		for _, a := range b.Answers {
			rows = append(rows, a.rows(year(a.Year), batchID, at)...)
		}
		n, err := tx.InsertRawAnswers(ctx, rows)
		if err != nil {
			return fmt.Errorf("raw answers: %w", err)
		}
		sum.RawAnswers = n

		for _, l := range b.Legacy {
			err := tx.UpsertLegacyResult(ctx, database.LegacyResult{
				StudentID: l.Student, Year: year(l.Year), SchoolID: l.School, Grade: l.Grade,
				LP: l.LP, MAT: l.MAT, CH: l.CH, CN: l.CN,
				Attendance: l.Attendance, ProductionLabel: l.ProductionLabel, ProductionScore: l.ProductionScore,
			})
			if err != nil {
				return fmt.Errorf("legacy %s: %w", l.Student, err)
			}
			sum.Legacy++
		}
		for _, a := range b.Attendance {
			err := tx.UpsertAttendanceMark(ctx, database.AttendanceMark{
				StudentID: a.Student, Year: year(a.Year), Code: a.Code, BatchID: batchID, RecordedAt: at,
			})
			if err != nil {
				return fmt.Errorf("attendance %s: %w", a.Student, err)
			}
			sum.Attendance++
		}
		for _, p := range b.Production {
			err := tx.UpsertProductionEntry(ctx, database.ProductionEntry{
				StudentID: p.Student, Year: year(p.Year), Label: p.Label, Score: p.Score, BatchID: batchID, RecordedAt: at,
			})
			if err != nil {
				return fmt.Errorf("production %s: %w", p.Student, err)
			}
			sum.Production++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sum, nil
}

// rows expands an answer set into raw answer rows, items in id order.
func (a AnswerSet) rows(year int, batchID string, at time.Time) []database.RawAnswer {
	row := func(item string, correct bool) database.RawAnswer {
		return database.RawAnswer{
			StudentID: a.Student, SchoolID: a.School, Year: year, Grade: a.Grade,
			Subject: a.Subject, ItemID: item, Correct: correct, BatchID: batchID, ImportedAt: at,
		}
	}

	var out []database.RawAnswer
	for i, r := range a.Responses {
		switch r {
		case '1':
			out = append(out, row(fmt.Sprint(i+1), true))
		case '0':
			out = append(out, row(fmt.Sprint(i+1), false))
		}
	}
	ids := make([]string, 0, len(a.Items))
	for id := range a.Items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, row(id, a.Items[id]))
	}
	return out
}
