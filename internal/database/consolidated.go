package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/TobiSchelling/schoolcheck/internal/grade"
	"github.com/TobiSchelling/schoolcheck/internal/scoring"
)

// UpsertConsolidated writes a consolidated record and replaces its subject
// scores. Callers run it inside a transaction.
func (q queries) UpsertConsolidated(ctx context.Context, r *ConsolidatedRecord) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO consolidated
		(student_id, year, school_id, class_id, grade, attendance, production_score, production_band,
		overall_level, overall_average, consolidated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(student_id, year) DO UPDATE SET
			school_id = excluded.school_id,
			class_id = excluded.class_id,
			grade = excluded.grade,
			attendance = excluded.attendance,
			production_score = excluded.production_score,
			production_band = excluded.production_band,
			overall_level = excluded.overall_level,
			overall_average = excluded.overall_average,
			consolidated_at = excluded.consolidated_at`,
		r.StudentID, r.Year, r.SchoolID, r.ClassID, r.Grade, string(r.Attendance),
		r.ProductionScore, string(r.ProductionBand), string(r.OverallLevel), r.OverallAverage,
		formatTime(r.ConsolidatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting consolidated %s/%d: %w", r.StudentID, r.Year, err)
	}

	if _, err := q.q.ExecContext(ctx,
		`DELETE FROM subject_scores WHERE student_id = ? AND year = ?`, r.StudentID, r.Year,
	); err != nil {
		return fmt.Errorf("clearing subject scores: %w", err)
	}
	for i, s := range r.Subjects {
		if _, err := q.q.ExecContext(ctx,
			`INSERT INTO subject_scores (student_id, year, subject, position, correct, total, score, band)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.StudentID, r.Year, string(s.Subject), i, s.Correct, s.Total, s.Score, string(s.Band),
		); err != nil {
			return fmt.Errorf("inserting subject score %s: %w", s.Subject, err)
		}
	}
	return nil
}

// DeleteConsolidated removes a consolidated record and its subject scores.
// It reports whether a row existed.
func (q queries) DeleteConsolidated(ctx context.Context, studentID string, year int) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`DELETE FROM consolidated WHERE student_id = ? AND year = ?`, studentID, year)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const consolidatedColumns = `student_id, year, school_id, class_id, grade, attendance, production_score,
	production_band, overall_level, overall_average, consolidated_at`

// GetConsolidated returns the consolidated record for a key, or nil.
func (q queries) GetConsolidated(ctx context.Context, studentID string, year int) (*ConsolidatedRecord, error) {
	records, err := q.loadConsolidated(ctx,
		`SELECT `+consolidatedColumns+` FROM consolidated WHERE student_id = ? AND year = ?`,
		studentID, year)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &records[0], nil
}

// ConsolidatedRecords returns every consolidated record ordered by key.
func (q queries) ConsolidatedRecords(ctx context.Context) ([]ConsolidatedRecord, error) {
	return q.loadConsolidated(ctx,
		`SELECT `+consolidatedColumns+` FROM consolidated ORDER BY student_id, year`)
}

// ConsolidatedForYear returns the consolidated records of one year.
func (q queries) ConsolidatedForYear(ctx context.Context, year int) ([]ConsolidatedRecord, error) {
	return q.loadConsolidated(ctx,
		`SELECT `+consolidatedColumns+` FROM consolidated WHERE year = ? ORDER BY student_id`, year)
}

func (q queries) loadConsolidated(ctx context.Context, query string, args ...any) ([]ConsolidatedRecord, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	records, err := scanConsolidated(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	index := make(map[StudentYear]int, len(records))
	for i := range records {
		index[records[i].Key()] = i
	}
	if len(records) == 0 {
		return records, nil
	}

	scoreQuery := `SELECT student_id, year, subject, correct, total, score, band FROM subject_scores
		ORDER BY student_id, year, position`
	var scoreArgs []any
	if len(records) == 1 {
		scoreQuery = `SELECT student_id, year, subject, correct, total, score, band FROM subject_scores
			WHERE student_id = ? AND year = ? ORDER BY position`
		scoreArgs = []any{records[0].StudentID, records[0].Year}
	}
	srows, err := q.q.QueryContext(ctx, scoreQuery, scoreArgs...)
	if err != nil {
		return nil, err
	}
	defer srows.Close()
	for srows.Next() {
		var key StudentYear
		var subject, band string
		var s scoring.SubjectScore
		if err := srows.Scan(&key.StudentID, &key.Year, &subject, &s.Correct, &s.Total, &s.Score, &band); err != nil {
			return nil, err
		}
		i, ok := index[key]
		if !ok {
			continue
		}
		code, err := grade.ParseSubject(subject)
		if err == nil && string(code) != subject {
			err = fmt.Errorf("not a canonical subject code")
		}
		if err != nil {
			return nil, &ParseError{Table: "subject_scores", Column: "subject", Value: subject, Err: err}
		}
		s.Subject = code
		if s.Band, err = scoring.ParseBand(band); err != nil {
			return nil, &ParseError{Table: "subject_scores", Column: "band", Value: band, Err: err}
		}
		records[i].Subjects = append(records[i].Subjects, s)
	}
	return records, srows.Err()
}

func scanConsolidated(rows *sql.Rows) ([]ConsolidatedRecord, error) {
	var records []ConsolidatedRecord
	for rows.Next() {
		var r ConsolidatedRecord
		var attendance, productionBand, overallLevel, consolidatedAt string
		var productionScore, overallAverage sql.NullFloat64
		if err := rows.Scan(&r.StudentID, &r.Year, &r.SchoolID, &r.ClassID, &r.Grade, &attendance,
			&productionScore, &productionBand, &overallLevel, &overallAverage, &consolidatedAt); err != nil {
			return nil, err
		}
		var err error
		if r.Attendance, err = scoring.ParseAttendance(attendance); err != nil {
			return nil, &ParseError{Table: "consolidated", Column: "attendance", Value: attendance, Err: err}
		}
		if r.ProductionBand, err = scoring.ParseBand(productionBand); err != nil {
			return nil, &ParseError{Table: "consolidated", Column: "production_band", Value: productionBand, Err: err}
		}
		if r.OverallLevel, err = scoring.ParseBand(overallLevel); err != nil {
			return nil, &ParseError{Table: "consolidated", Column: "overall_level", Value: overallLevel, Err: err}
		}
		if r.ConsolidatedAt, err = parseTime("consolidated", "consolidated_at", consolidatedAt); err != nil {
			return nil, err
		}
		if productionScore.Valid {
			v := productionScore.Float64
			r.ProductionScore = &v
		}
		if overallAverage.Valid {
			v := overallAverage.Float64
			r.OverallAverage = &v
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
