package database

import (
	"context"
	"database/sql"
)

// InsertRawAnswers appends a batch of raw answers in one statement per row.
// It returns the number of rows written.
func (q queries) InsertRawAnswers(ctx context.Context, answers []RawAnswer) (int, error) {
	for i, a := range answers {
		correct := 0
		if a.Correct {
			correct = 1
		}
		_, err := q.q.ExecContext(ctx,
			`INSERT INTO raw_answers
			(student_id, school_id, year, grade, subject, item_id, correct, batch_id, imported_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.StudentID, a.SchoolID, a.Year, a.Grade, a.Subject, a.ItemID, correct, a.BatchID, formatTime(a.ImportedAt),
		)
		if err != nil {
			return i, err
		}
	}
	return len(answers), nil
}

const rawAnswerColumns = `id, student_id, school_id, year, grade, subject, item_id, correct, batch_id, imported_at`

// RawAnswersFor returns a student's raw answers for a year in import order.
func (q queries) RawAnswersFor(ctx context.Context, studentID string, year int) ([]RawAnswer, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+rawAnswerColumns+` FROM raw_answers WHERE student_id = ? AND year = ? ORDER BY imported_at, id`,
		studentID, year,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRawAnswers(rows)
}

// RawAnswers returns every raw answer ordered by student, year and import.
func (q queries) RawAnswers(ctx context.Context) ([]RawAnswer, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+rawAnswerColumns+` FROM raw_answers ORDER BY student_id, year, imported_at, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRawAnswers(rows)
}

func scanRawAnswers(rows *sql.Rows) ([]RawAnswer, error) {
	var answers []RawAnswer
	for rows.Next() {
		var a RawAnswer
		var correct int
		var importedAt string
		if err := rows.Scan(&a.ID, &a.StudentID, &a.SchoolID, &a.Year, &a.Grade, &a.Subject,
			&a.ItemID, &correct, &a.BatchID, &importedAt); err != nil {
			return nil, err
		}
		t, err := parseTime("raw_answers", "imported_at", importedAt)
		if err != nil {
			return nil, err
		}
		a.Correct = correct != 0
		a.ImportedAt = t
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// DataKeys returns every (student, year) that has source data in either
// storage shape, ordered by student and year.
func (q queries) DataKeys(ctx context.Context) ([]StudentYear, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT student_id, year FROM raw_answers
		UNION SELECT student_id, year FROM legacy_results
		UNION SELECT student_id, year FROM attendance_marks
		UNION SELECT student_id, year FROM production_entries
		ORDER BY 1, 2`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []StudentYear
	for rows.Next() {
		var k StudentYear
		if err := rows.Scan(&k.StudentID, &k.Year); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpsertLegacyResult inserts or replaces a legacy wide-shape row.
func (q queries) UpsertLegacyResult(ctx context.Context, l LegacyResult) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO legacy_results
		(student_id, year, school_id, grade, lp_correct, mat_correct, ch_correct, cn_correct,
		attendance, production_label, production_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.StudentID, l.Year, l.SchoolID, l.Grade, l.LP, l.MAT, l.CH, l.CN,
		l.Attendance, l.ProductionLabel, l.ProductionScore,
	)
	return err
}

const legacyColumns = `student_id, year, school_id, grade, lp_correct, mat_correct, ch_correct, cn_correct,
	attendance, production_label, production_score`

// LegacyResultFor returns the legacy row for a student and year, or nil.
func (q queries) LegacyResultFor(ctx context.Context, studentID string, year int) (*LegacyResult, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+legacyColumns+` FROM legacy_results WHERE student_id = ? AND year = ?`,
		studentID, year,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results, err := scanLegacyResults(rows)
	if err != nil || len(results) == 0 {
		return nil, err
	}
	return &results[0], nil
}

// LegacyResults returns every legacy row ordered by student and year.
func (q queries) LegacyResults(ctx context.Context) ([]LegacyResult, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+legacyColumns+` FROM legacy_results ORDER BY student_id, year`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLegacyResults(rows)
}

func scanLegacyResults(rows *sql.Rows) ([]LegacyResult, error) {
	var results []LegacyResult
	for rows.Next() {
		var l LegacyResult
		var lp, mat, ch, cn sql.NullInt64
		var attendance, label sql.NullString
		var score sql.NullFloat64
		if err := rows.Scan(&l.StudentID, &l.Year, &l.SchoolID, &l.Grade, &lp, &mat, &ch, &cn,
			&attendance, &label, &score); err != nil {
			return nil, err
		}
		l.LP, l.MAT, l.CH, l.CN = nullInt(lp), nullInt(mat), nullInt(ch), nullInt(cn)
		if attendance.Valid {
			l.Attendance = &attendance.String
		}
		if label.Valid {
			l.ProductionLabel = &label.String
		}
		if score.Valid {
			l.ProductionScore = &score.Float64
		}
		results = append(results, l)
	}
	return results, rows.Err()
}

func nullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

// UpsertAttendanceMark records the latest attendance code for a student and year.
func (q queries) UpsertAttendanceMark(ctx context.Context, m AttendanceMark) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO attendance_marks (student_id, year, code, batch_id, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.StudentID, m.Year, m.Code, m.BatchID, formatTime(m.RecordedAt),
	)
	return err
}

// AttendanceFor returns the attendance mark for a student and year, or nil.
func (q queries) AttendanceFor(ctx context.Context, studentID string, year int) (*AttendanceMark, error) {
	var m AttendanceMark
	var recordedAt string
	err := q.q.QueryRowContext(ctx,
		`SELECT student_id, year, code, batch_id, recorded_at FROM attendance_marks
		WHERE student_id = ? AND year = ?`, studentID, year,
	).Scan(&m.StudentID, &m.Year, &m.Code, &m.BatchID, &recordedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if m.RecordedAt, err = parseTime("attendance_marks", "recorded_at", recordedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertProductionEntry records the latest textual-production result.
func (q queries) UpsertProductionEntry(ctx context.Context, p ProductionEntry) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO production_entries (student_id, year, label, score, batch_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.StudentID, p.Year, p.Label, p.Score, p.BatchID, formatTime(p.RecordedAt),
	)
	return err
}

// ProductionFor returns the production entry for a student and year, or nil.
func (q queries) ProductionFor(ctx context.Context, studentID string, year int) (*ProductionEntry, error) {
	var p ProductionEntry
	var score sql.NullFloat64
	var recordedAt string
	err := q.q.QueryRowContext(ctx,
		`SELECT student_id, year, label, score, batch_id, recorded_at FROM production_entries
		WHERE student_id = ? AND year = ?`, studentID, year,
	).Scan(&p.StudentID, &p.Year, &p.Label, &score, &p.BatchID, &recordedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if score.Valid {
		p.Score = &score.Float64
	}
	if p.RecordedAt, err = parseTime("production_entries", "recorded_at", recordedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// AttendanceMarks returns every attendance mark ordered by student and year.
func (q queries) AttendanceMarks(ctx context.Context) ([]AttendanceMark, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT student_id, year, code, batch_id, recorded_at FROM attendance_marks ORDER BY student_id, year`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var marks []AttendanceMark
	for rows.Next() {
		var m AttendanceMark
		var recordedAt string
		if err := rows.Scan(&m.StudentID, &m.Year, &m.Code, &m.BatchID, &recordedAt); err != nil {
			return nil, err
		}
		if m.RecordedAt, err = parseTime("attendance_marks", "recorded_at", recordedAt); err != nil {
			return nil, err
		}
		marks = append(marks, m)
	}
	return marks, rows.Err()
}
