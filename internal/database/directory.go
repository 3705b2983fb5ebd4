package database

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertSchool inserts or replaces a school.
func (q queries) InsertSchool(ctx context.Context, s School) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO schools (id, name, code, created_at) VALUES (?, ?, ?, ?)`,
		s.ID, s.Name, s.Code, formatTime(s.CreatedAt),
	)
	return err
}

// InsertClass inserts or replaces a class.
func (q queries) InsertClass(ctx context.Context, c Class) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO classes (id, school_id, name, grade, year) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.SchoolID, c.Name, c.Grade, c.Year,
	)
	return err
}

// InsertStudent inserts or replaces a student.
func (q queries) InsertStudent(ctx context.Context, s Student) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO students (id, name, school_id, class_id, grade, year, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.SchoolID, s.ClassID, s.Grade, s.Year, formatTime(s.CreatedAt),
	)
	return err
}

const studentColumns = `id, name, school_id, class_id, grade, year, created_at`

// GetStudent returns a student by ID, or nil if it does not exist.
func (q queries) GetStudent(ctx context.Context, id string) (*Student, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+studentColumns+` FROM students WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	students, err := scanStudents(rows)
	if err != nil || len(students) == 0 {
		return nil, err
	}
	return &students[0], nil
}

// Students returns every student ordered by ID.
func (q queries) Students(ctx context.Context) ([]Student, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+studentColumns+` FROM students ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStudents(rows)
}

// StudentsAtSchool returns the students of a school for a year.
func (q queries) StudentsAtSchool(ctx context.Context, schoolID string, year int) ([]Student, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE school_id = ? AND year = ? ORDER BY id`,
		schoolID, year,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStudents(rows)
}

func scanStudents(rows *sql.Rows) ([]Student, error) {
	var students []Student
	for rows.Next() {
		var s Student
		var createdAt string
		if err := rows.Scan(&s.ID, &s.Name, &s.SchoolID, &s.ClassID, &s.Grade, &s.Year, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime("students", "created_at", createdAt)
		if err != nil {
			return nil, err
		}
		s.CreatedAt = t
		students = append(students, s)
	}
	return students, rows.Err()
}

// Schools returns every school ordered by ID.
func (q queries) Schools(ctx context.Context) ([]School, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT id, name, code, created_at FROM schools ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schools []School
	for rows.Next() {
		var s School
		var createdAt string
		if err := rows.Scan(&s.ID, &s.Name, &s.Code, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime("schools", "created_at", createdAt)
		if err != nil {
			return nil, err
		}
		s.CreatedAt = t
		schools = append(schools, s)
	}
	return schools, rows.Err()
}

// Classes returns every class ordered by ID.
func (q queries) Classes(ctx context.Context) ([]Class, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT id, school_id, name, grade, year FROM classes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var classes []Class
	for rows.Next() {
		var c Class
		if err := rows.Scan(&c.ID, &c.SchoolID, &c.Name, &c.Grade, &c.Year); err != nil {
			return nil, err
		}
		classes = append(classes, c)
	}
	return classes, rows.Err()
}

// StudentDeletion counts the rows removed with a student.
type StudentDeletion struct {
	RawAnswers    int64 `json:"raw_answers"`
	LegacyResults int64 `json:"legacy_results"`
	Attendance    int64 `json:"attendance_marks"`
	Production    int64 `json:"production_entries"`
	Consolidated  int64 `json:"consolidated_records"`
}

// DeleteStudent removes a student and every row that depends on it.
// Callers run it inside a transaction so a partial cascade is never kept.
func (q queries) DeleteStudent(ctx context.Context, id string) (*StudentDeletion, error) {
	del := &StudentDeletion{}
	steps := []struct {
		query string
		count *int64
	}{
		{`DELETE FROM raw_answers WHERE student_id = ?`, &del.RawAnswers},
		{`DELETE FROM legacy_results WHERE student_id = ?`, &del.LegacyResults},
		{`DELETE FROM attendance_marks WHERE student_id = ?`, &del.Attendance},
		{`DELETE FROM production_entries WHERE student_id = ?`, &del.Production},
		{`DELETE FROM consolidated WHERE student_id = ?`, &del.Consolidated},
	}
	for _, step := range steps {
		res, err := q.q.ExecContext(ctx, step.query, id)
		if err != nil {
			return nil, err
		}
		if *step.count, err = res.RowsAffected(); err != nil {
			return nil, err
		}
	}

	res, err := q.q.ExecContext(ctx, `DELETE FROM students WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("student %s not found", id)
	}
	return del, nil
}
