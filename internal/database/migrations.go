package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
//
// Raw answer and consolidated tables carry no foreign keys to the directory:
// imports append whatever they receive and orphaned rows are reported by the
// integrity checks instead of being rejected at write time.
var migrations = []Migration{
	{
		Version:     1,
		Description: "directory, raw answers and consolidated records",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS schools (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    code TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS classes (
    id TEXT PRIMARY KEY,
    school_id TEXT NOT NULL,
    name TEXT NOT NULL,
    grade TEXT NOT NULL DEFAULT '',
    year INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS students (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    school_id TEXT NOT NULL,
    class_id TEXT NOT NULL DEFAULT '',
    grade TEXT NOT NULL DEFAULT '',
    year INTEGER NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_answers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    student_id TEXT NOT NULL,
    school_id TEXT NOT NULL DEFAULT '',
    year INTEGER NOT NULL,
    grade TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL,
    item_id TEXT NOT NULL,
    correct INTEGER NOT NULL,
    batch_id TEXT NOT NULL,
    imported_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS legacy_results (
    student_id TEXT NOT NULL,
    year INTEGER NOT NULL,
    school_id TEXT NOT NULL DEFAULT '',
    grade TEXT NOT NULL DEFAULT '',
    lp_correct INTEGER,
    mat_correct INTEGER,
    ch_correct INTEGER,
    cn_correct INTEGER,
    attendance TEXT,
    production_label TEXT,
    production_score REAL,
    PRIMARY KEY (student_id, year)
);

CREATE TABLE IF NOT EXISTS attendance_marks (
    student_id TEXT NOT NULL,
    year INTEGER NOT NULL,
    code TEXT NOT NULL,
    batch_id TEXT NOT NULL,
    recorded_at TEXT NOT NULL,
    PRIMARY KEY (student_id, year)
);

CREATE TABLE IF NOT EXISTS production_entries (
    student_id TEXT NOT NULL,
    year INTEGER NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    score REAL,
    batch_id TEXT NOT NULL,
    recorded_at TEXT NOT NULL,
    PRIMARY KEY (student_id, year)
);

CREATE TABLE IF NOT EXISTS consolidated (
    student_id TEXT NOT NULL,
    year INTEGER NOT NULL,
    school_id TEXT NOT NULL,
    class_id TEXT NOT NULL DEFAULT '',
    grade TEXT NOT NULL,
    attendance TEXT NOT NULL,
    production_score REAL,
    production_band TEXT NOT NULL,
    overall_level TEXT NOT NULL,
    overall_average REAL,
    consolidated_at TEXT NOT NULL,
    PRIMARY KEY (student_id, year)
);

CREATE TABLE IF NOT EXISTS subject_scores (
    student_id TEXT NOT NULL,
    year INTEGER NOT NULL,
    subject TEXT NOT NULL,
    position INTEGER NOT NULL,
    correct INTEGER NOT NULL,
    total INTEGER NOT NULL,
    score REAL NOT NULL,
    band TEXT NOT NULL,
    PRIMARY KEY (student_id, year, subject),
    FOREIGN KEY (student_id, year) REFERENCES consolidated(student_id, year) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_students_school_year ON students(school_id, year);
CREATE INDEX IF NOT EXISTS idx_classes_school ON classes(school_id);
CREATE INDEX IF NOT EXISTS idx_raw_answers_student_year ON raw_answers(student_id, year);
CREATE INDEX IF NOT EXISTS idx_consolidated_year ON consolidated(year);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "correction audit trail",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS audit_entries (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    entity_kind TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    before_state TEXT,
    after_state TEXT,
    action TEXT NOT NULL,
    automatic INTEGER NOT NULL DEFAULT 1,
    actor TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_entries(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_type_severity ON audit_entries(type, severity);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
