// Package consolidate merges raw answer data into one consolidated record
// per student and year.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/TobiSchelling/schoolcheck/internal/database"
	"github.com/TobiSchelling/schoolcheck/internal/grade"
	"github.com/TobiSchelling/schoolcheck/internal/scoring"
)

// Aggregator owns every write to consolidated records.
type Aggregator struct {
	db       *database.DB
	registry *grade.Registry
	calc     *scoring.Calculator
	locks    keyedMutex

	// Now stamps changed records. Defaults to time.Now.
	Now func() time.Time
}

// New creates an Aggregator.
func New(db *database.DB, registry *grade.Registry, calc *scoring.Calculator) *Aggregator {
	return &Aggregator{db: db, registry: registry, calc: calc, Now: time.Now}
}

// Result is the outcome of consolidating one key.
type Result struct {
	Record     *database.ConsolidatedRecord
	Changed    bool
	Exclusions []Exclusion
}

// Consolidate recomputes and upserts the record for a student and year in
// its own transaction.
func (a *Aggregator) Consolidate(ctx context.Context, studentID string, year int) (*Result, error) {
	var res *Result
	err := a.db.WithTx(ctx, func(tx *database.Tx) error {
		var err error
		res, err = a.ConsolidateTx(ctx, tx, studentID, year)
		return err
	})
	return res, err
}

// ConsolidateTx recomputes and upserts a record inside the caller's
// transaction. Calls for the same key are serialized.
func (a *Aggregator) ConsolidateTx(ctx context.Context, tx *database.Tx, studentID string, year int) (*Result, error) {
	key := database.StudentYear{StudentID: studentID, Year: year}
	unlock := a.locks.lock(key)
	defer unlock()

	src, err := Gather(ctx, tx, a.registry, key)
	if err != nil {
		return nil, err
	}
	rec, err := Build(a.calc, src)
	if err != nil {
		return nil, err
	}

	existing, err := tx.GetConsolidated(ctx, studentID, year)
	if err != nil {
		return nil, fmt.Errorf("loading consolidated %s: %w", key, err)
	}
	res := &Result{Record: rec, Exclusions: src.Exclusions}
	if existing.SameContent(rec) {
		res.Record = existing
		return res, nil
	}
	rec.ConsolidatedAt = a.Now().UTC()
	if err := tx.UpsertConsolidated(ctx, rec); err != nil {
		return nil, err
	}
	res.Changed = true
	return res, nil
}

// Build scores a merged source into a consolidated record. Every profile
// subject appears in the record; a subject with no data scores 0 with an
// Unclassified band. A record marked Present with nothing scored is
// re-flagged Unknown.
func Build(calc *scoring.Calculator, src *Source) (*database.ConsolidatedRecord, error) {
	p := src.Profile
	rec := &database.ConsolidatedRecord{
		StudentID:      src.Key.StudentID,
		Year:           src.Key.Year,
		SchoolID:       src.SchoolID,
		ClassID:        src.ClassID,
		Grade:          p.Grade,
		ProductionBand: scoring.Unclassified,
	}

	scores := make(map[grade.Subject]float64, len(p.Subjects)+1)
	bands := make([]scoring.Band, 0, len(p.Subjects)+1)
	for _, spec := range p.Subjects {
		t := src.Tallies[spec.Code]
		s, err := calc.Subject(p, spec, t.Correct, t.Answered)
		if err != nil {
			return nil, fmt.Errorf("scoring %s for %s: %w", spec.Code, src.Key, err)
		}
		rec.Subjects = append(rec.Subjects, s)
		scores[spec.Code] = s.Score
		bands = append(bands, s.Band)
	}

	if p.HasTextualProduction && (src.ProductionLabel != "" || src.ProductionScore != nil) {
		score, band := calc.Production(src.ProductionLabel, src.ProductionScore)
		if !p.UsesProficiencyBands {
			band = scoring.Unclassified
		}
		rec.ProductionScore = score
		rec.ProductionBand = band
		if score != nil {
			scores[grade.TextualProduction] = *score
		}
		bands = append(bands, band)
	}

	rec.Attendance = scoring.Unknown
	if a, ok := scoring.AttendanceFromCode(src.AttendanceCode); ok {
		rec.Attendance = a
	}
	if rec.Attendance == scoring.Present && !rec.HasAnyScore() {
		rec.Attendance = scoring.Unknown
	}

	rec.OverallLevel = scoring.OverallLevel(bands)
	rec.OverallAverage = scoring.OverallAverage(scores, p, rec.Attendance)
	return rec, nil
}

// KeyError is a key that could not be consolidated.
type KeyError struct {
	Key database.StudentYear
	Err error
}

// BatchResult summarizes a ConsolidateAll run.
type BatchResult struct {
	Processed  int
	Changed    int
	Unchanged  int
	Skipped    []KeyError
	Failed     []KeyError
	Exclusions []Exclusion
}

// Summary renders the batch counts on one line.
func (b *BatchResult) Summary() string {
	return fmt.Sprintf("%d processed, %d changed, %d unchanged, %d skipped, %d failed, %d exclusions",
		b.Processed, b.Changed, b.Unchanged, len(b.Skipped), len(b.Failed), len(b.Exclusions))
}

// ConsolidateAll consolidates every key with source data, restricted to one
// year when year is non-zero. Unknown grades and students missing from the
// directory are skipped with a logged reason; other per-key failures are
// collected without aborting the batch.
func (a *Aggregator) ConsolidateAll(ctx context.Context, year int) (*BatchResult, error) {
	keys, err := a.db.DataKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}

	result := &BatchResult{}
	for _, key := range keys {
		if year != 0 && key.Year != year {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Processed++

		res, err := a.Consolidate(ctx, key.StudentID, key.Year)
		if err != nil {
			var unknownGrade *grade.UnknownGradeError
			var missing *MissingStudentError
			if errors.As(err, &unknownGrade) || errors.As(err, &missing) {
				log.Printf("Skipping %s: %v", key, err)
				result.Skipped = append(result.Skipped, KeyError{Key: key, Err: err})
				continue
			}
			log.Printf("Consolidation failed for %s: %v", key, err)
			result.Failed = append(result.Failed, KeyError{Key: key, Err: err})
			continue
		}
		if res.Changed {
			result.Changed++
		} else {
			result.Unchanged++
		}
		result.Exclusions = append(result.Exclusions, res.Exclusions...)
	}
	return result, nil
}
