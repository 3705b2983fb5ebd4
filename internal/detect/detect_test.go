package detect

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/TobiSchelling/schoolcheck/internal/database"
	"github.com/TobiSchelling/schoolcheck/internal/divergence"
	"github.com/TobiSchelling/schoolcheck/internal/grade"
	"github.com/TobiSchelling/schoolcheck/internal/scoring"
)

var base = time.Date(2025, 5, 2, 8, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testRegistry(t *testing.T) *grade.Registry {
	t.Helper()
	reg, err := grade.NewRegistry([]grade.Profile{{
		Grade: "5",
		Subjects: []grade.SubjectSpec{
			{Code: grade.Portuguese, ItemCount: 20, ScoreWeight: 1},
			{Code: grade.Mathematics, ItemCount: 20, ScoreWeight: 1},
		},
		HasTextualProduction: true,
		UsesProficiencyBands: true,
		AveragingDivisor:     3,
	}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func newDetector(t *testing.T, db *database.DB) *Detector {
	t.Helper()
	d := New(db, testRegistry(t))
	d.Now = func() time.Time { return base }
	return d
}

func seedSchool(t *testing.T, db *database.DB) {
	t.Helper()
	ctx := context.Background()
	if err := db.InsertSchool(ctx, database.School{ID: "sc1", Name: "Escola Municipal Centro", Code: "26123456", CreatedAt: base}); err != nil {
		t.Fatalf("InsertSchool: %v", err)
	}
	if err := db.InsertClass(ctx, database.Class{ID: "c1", SchoolID: "sc1", Name: "5A", Grade: "5", Year: 2025}); err != nil {
		t.Fatalf("InsertClass: %v", err)
	}
}

func seedStudent(t *testing.T, db *database.DB, id, name string, created time.Time) {
	t.Helper()
	err := db.InsertStudent(context.Background(), database.Student{
		ID: id, Name: name, SchoolID: "sc1", ClassID: "c1", Grade: "5", Year: 2025, CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("InsertStudent: %v", err)
	}
}

func record(studentID string, attendance scoring.Attendance, lpScore float64) *database.ConsolidatedRecord {
	correct := int(lpScore * 2)
	band := scoring.Unclassified
	if correct > 0 {
		band = scoring.Basic
	}
	return &database.ConsolidatedRecord{
		StudentID: studentID, Year: 2025, SchoolID: "sc1", ClassID: "c1", Grade: "5",
		Attendance: attendance,
		Subjects: []scoring.SubjectScore{
			{Subject: grade.Portuguese, Correct: correct, Total: 20, Score: lpScore, Band: band},
			{Subject: grade.Mathematics, Correct: 0, Total: 20, Score: 0, Band: scoring.Unclassified},
		},
		ProductionBand: scoring.Unclassified,
		OverallLevel:   band,
		ConsolidatedAt: base,
	}
}

func upsert(t *testing.T, db *database.DB, r *database.ConsolidatedRecord) {
	t.Helper()
	if err := db.UpsertConsolidated(context.Background(), r); err != nil {
		t.Fatalf("UpsertConsolidated: %v", err)
	}
}

func TestDetectCleanDataset(t *testing.T) {
	db := openTestDB(t)
	seedSchool(t, db)
	seedStudent(t, db, "s1", "Ana Souza", base)
	upsert(t, db, record("s1", scoring.Present, 6))

	report := newDetector(t, db).Detect(context.Background())
	if !report.Complete {
		t.Error("expected a complete report")
	}
	if len(report.Findings) != 0 {
		t.Errorf("expected no findings, got %+v", report.Findings)
	}
	if !report.GeneratedAt.Equal(base) {
		t.Errorf("unexpected timestamp %v", report.GeneratedAt)
	}
}

func TestDetectDuplicateStudents(t *testing.T) {
	db := openTestDB(t)
	seedSchool(t, db)
	seedStudent(t, db, "s1", "João da Silva", base)
	seedStudent(t, db, "s2", "JOAO DA  SILVA", base.AddDate(0, 1, 0))
	seedStudent(t, db, "s3", "Maria Lima", base)

	d := newDetector(t, db)
	d.Correctable[divergence.DuplicateStudents] = true
	report := d.Detect(context.Background())

	f, ok := report.Find(divergence.DuplicateStudents)
	if !ok {
		t.Fatalf("expected duplicate finding, got %+v", report.Findings)
	}
	if f.Severity != divergence.Important || f.Count != 2 || !f.Correctable {
		t.Errorf("unexpected finding: %+v", f)
	}
	if f.Details[0].EntityID != "s1" || f.Details[1].EntityID != "s2" {
		t.Errorf("expected both ids, got %+v", f.Details)
	}
	if f.Details[1].SuggestedFix != "keep this entry" {
		t.Errorf("newest entry should be kept: %+v", f.Details[1])
	}
}

func TestDetectAttendanceInconsistencies(t *testing.T) {
	db := openTestDB(t)
	seedSchool(t, db)
	seedStudent(t, db, "s1", "Ana", base)
	seedStudent(t, db, "s2", "Bia", base)
	upsert(t, db, record("s1", scoring.Present, 0))
	upsert(t, db, record("s2", scoring.Absent, 5))

	report := newDetector(t, db).Detect(context.Background())
	present, ok := report.Find(divergence.PresentWithoutScores)
	if !ok || present.Count != 1 || present.Details[0].EntityID != "s1" {
		t.Errorf("present_without_scores: %+v", present)
	}
	absent, ok := report.Find(divergence.AbsentWithScores)
	if !ok || absent.Count != 1 || absent.Details[0].EntityID != "s2" || absent.Severity != divergence.Warning {
		t.Errorf("absent_with_scores: %+v", absent)
	}
}

func TestDetectOrphansAndMissingConsolidation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSchool(t, db)
	seedStudent(t, db, "s1", "Ana", base)
	db.InsertRawAnswers(ctx, []database.RawAnswer{
		{StudentID: "s1", SchoolID: "sc1", Year: 2025, Grade: "5", Subject: "LP", ItemID: "1", Correct: true, BatchID: "b1", ImportedAt: base},
		{StudentID: "gone", SchoolID: "sc1", Year: 2025, Grade: "5", Subject: "LP", ItemID: "1", Correct: true, BatchID: "b1", ImportedAt: base},
		{StudentID: "gone", SchoolID: "sc1", Year: 2025, Grade: "5", Subject: "LP", ItemID: "2", Correct: true, BatchID: "b1", ImportedAt: base},
	})
	upsert(t, db, record("gone", scoring.Present, 5))

	report := newDetector(t, db).Detect(ctx)

	raw, ok := report.Find(divergence.OrphanRawAnswers)
	if !ok || raw.Count != 1 || raw.Severity != divergence.Critical {
		t.Errorf("orphan_raw_answers: %+v", raw)
	}
	cons, ok := report.Find(divergence.OrphanConsolidated)
	if !ok || cons.Count != 1 || cons.Details[0].EntityID != "gone" {
		t.Errorf("orphan_consolidated: %+v", cons)
	}
	missing, ok := report.Find(divergence.MissingConsolidation)
	if !ok || missing.Count != 1 || missing.Details[0].EntityID != "s1" {
		t.Errorf("missing_consolidation: %+v", missing)
	}
	if report.Critical() != 2 {
		t.Errorf("expected 2 critical entities, got %d", report.Critical())
	}
	if report.Findings[0].Severity != divergence.Critical {
		t.Errorf("critical findings should sort first: %+v", report.Findings[0])
	}
}

func TestDetectInvalidReferenceCodes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSchool(t, db)
	db.InsertSchool(ctx, database.School{ID: "sc2", Name: "Escola Rural", Code: "12-34", CreatedAt: base})
	db.InsertStudent(ctx, database.Student{ID: "s1", Name: "Ana", SchoolID: "sc1", ClassID: "c9", Grade: "5", Year: 2025, CreatedAt: base})
	db.InsertStudent(ctx, database.Student{ID: "s2", Name: "Bia", SchoolID: "sc1", ClassID: "c1", Grade: "EJA", Year: 2025, CreatedAt: base})
	db.UpsertAttendanceMark(ctx, database.AttendanceMark{StudentID: "s1", Year: 2025, Code: "X", BatchID: "b1", RecordedAt: base})

	report := newDetector(t, db).Detect(ctx)
	f, ok := report.Find(divergence.InvalidReferenceCodes)
	if !ok {
		t.Fatalf("expected invalid_reference_codes, got %+v", report.Findings)
	}
	if f.Count != 4 {
		t.Errorf("expected 4 details (school code, missing class, grade, attendance), got %+v", f.Details)
	}
}

func TestDetectExcludedAnswers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSchool(t, db)
	seedStudent(t, db, "s1", "Ana", base)
	db.InsertRawAnswers(ctx, []database.RawAnswer{
		{StudentID: "s1", SchoolID: "sc1", Year: 2025, Subject: "Artes", ItemID: "1", Correct: true, BatchID: "b1", ImportedAt: base},
		{StudentID: "s1", SchoolID: "sc1", Year: 2025, Subject: "LP", ItemID: "1", Correct: true, BatchID: "b1", ImportedAt: base},
	})

	report := newDetector(t, db).Detect(ctx)
	f, ok := report.Find(divergence.ExcludedAnswers)
	if !ok || f.Count != 1 || f.Severity != divergence.Informational {
		t.Fatalf("excluded_answers: %+v", f)
	}
	if f.Details[0].Code != "Artes/1" {
		t.Errorf("unexpected detail: %+v", f.Details[0])
	}
}

type stubCheck struct {
	typ      divergence.Type
	severity divergence.Severity
	run      func(ctx context.Context) ([]divergence.Finding, error)
}

func (c stubCheck) Type() divergence.Type         { return c.typ }
func (c stubCheck) Severity() divergence.Severity { return c.severity }
func (c stubCheck) Run(ctx context.Context, _ Env) ([]divergence.Finding, error) {
	return c.run(ctx)
}

func TestDetectIsolatesFailingChecks(t *testing.T) {
	db := openTestDB(t)
	seedSchool(t, db)
	seedStudent(t, db, "s1", "Ana", base)
	seedStudent(t, db, "s2", "ana", base)

	d := newDetector(t, db)
	d.Register(stubCheck{typ: "exploding", severity: divergence.Critical, run: func(context.Context) ([]divergence.Finding, error) {
		panic("boom")
	}})
	d.Register(stubCheck{typ: "erroring", severity: divergence.Warning, run: func(context.Context) ([]divergence.Finding, error) {
		return nil, errors.New("lookup failed")
	}})

	report := d.Detect(context.Background())
	failed, ok := report.Find(divergence.CheckFailed)
	if !ok || failed.Count != 2 || failed.Severity != divergence.Warning {
		t.Fatalf("check_failed: %+v", failed)
	}
	if failed.Details[0].EntityID != "erroring" || failed.Details[1].EntityID != "exploding" {
		t.Errorf("meta-finding should name the failed checks: %+v", failed.Details)
	}
	if _, ok := report.Find(divergence.DuplicateStudents); !ok {
		t.Error("sibling checks should still report")
	}
	if report.Complete {
		t.Error("report with failed checks should not be complete")
	}
}

func TestDetectTimeoutReturnsPartialReport(t *testing.T) {
	db := openTestDB(t)
	seedSchool(t, db)
	seedStudent(t, db, "s1", "Ana", base)
	seedStudent(t, db, "s2", "Ana", base)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	d := newDetector(t, db)
	d.Timeout = time.Second
	d.Register(stubCheck{typ: "stuck", severity: divergence.Warning, run: func(context.Context) ([]divergence.Finding, error) {
		<-release
		return nil, nil
	}})

	start := time.Now()
	report := d.Detect(context.Background())
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("detection blocked for %v", elapsed)
	}
	if report.Complete {
		t.Error("expected incomplete report")
	}
	inc, ok := report.Find(divergence.DetectionIncomplete)
	if !ok || inc.Details[0].EntityID != "stuck" {
		t.Errorf("detection_incomplete: %+v", inc)
	}
	if _, ok := report.Find(divergence.DuplicateStudents); !ok {
		t.Error("completed checks should be kept")
	}
}

func TestDetectDeterministic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSchool(t, db)
	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		seedStudent(t, db, id, "Same Name", base)
	}
	upsert(t, db, record("s1", scoring.Present, 0))
	upsert(t, db, record("x1", scoring.Absent, 3))
	db.InsertRawAnswers(ctx, []database.RawAnswer{
		{StudentID: "s2", SchoolID: "sc1", Year: 2025, Subject: "Artes", ItemID: "9", Correct: true, BatchID: "b1", ImportedAt: base},
	})

	d := newDetector(t, db)
	first := d.Detect(ctx)
	for range 5 {
		again := d.Detect(ctx)
		if !reflect.DeepEqual(first.Findings, again.Findings) {
			t.Fatalf("reports differ:\n%+v\n%+v", first.Findings, again.Findings)
		}
	}
}

func TestCountCritical(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSchool(t, db)
	upsert(t, db, record("gone1", scoring.Present, 5))
	upsert(t, db, record("gone2", scoring.Present, 5))

	n, err := newDetector(t, db).CountCritical(ctx)
	if err != nil {
		t.Fatalf("CountCritical: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2, got %d", n)
	}

	d := newDetector(t, db)
	d.Register(stubCheck{typ: "broken", severity: divergence.Critical, run: func(context.Context) ([]divergence.Finding, error) {
		return nil, errors.New("unavailable")
	}})
	n, err = d.CountCritical(ctx)
	if err == nil || n != 2 {
		t.Errorf("expected partial count 2 with error, got %d, %v", n, err)
	}
}

func TestDetectOrdersOrphansAcrossSchools(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	var rows []database.RawAnswer
	for _, school := range []string{"scD", "scB", "scA", "scC"} {
		rows = append(rows, database.RawAnswer{
			StudentID: "gone", SchoolID: school, Year: 2025, Grade: "5", Subject: "LP",
			ItemID: "1", Correct: true, BatchID: "b1", ImportedAt: base,
		})
	}
	if _, err := db.InsertRawAnswers(ctx, rows); err != nil {
		t.Fatalf("InsertRawAnswers: %v", err)
	}

	d := newDetector(t, db)
	for range 30 {
		f, ok := d.Detect(ctx).Find(divergence.OrphanRawAnswers)
		if !ok || len(f.Details) != 4 {
			t.Fatalf("orphan_raw_answers: %+v", f)
		}
		var got []string
		for _, det := range f.Details {
			got = append(got, det.School)
		}
		if want := []string{"scA", "scB", "scC", "scD"}; !reflect.DeepEqual(got, want) {
			t.Fatalf("detail order = %v, want %v", got, want)
		}
	}
}

func TestDetectKeepsFailuresApartFromTimeouts(t *testing.T) {
	db := openTestDB(t)

	d := newDetector(t, db)
	d.Timeout = 200 * time.Millisecond
	d.Workers = 16
	d.Register(stubCheck{typ: "waiting", severity: divergence.Warning, run: func(ctx context.Context) ([]divergence.Finding, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	d.Register(stubCheck{typ: "erroring", severity: divergence.Warning, run: func(context.Context) ([]divergence.Finding, error) {
		return nil, errors.New("lookup failed")
	}})

	report := d.Detect(context.Background())
	failed, ok := report.Find(divergence.CheckFailed)
	if !ok || failed.Count != 1 || failed.Details[0].EntityID != "erroring" {
		t.Errorf("check_failed: %+v", failed)
	}
	inc, ok := report.Find(divergence.DetectionIncomplete)
	if !ok || inc.Count != 1 || inc.Details[0].EntityID != "waiting" {
		t.Errorf("detection_incomplete: %+v", inc)
	}
}

func TestReferenceCodesUseAnswerGradeFallback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSchool(t, db)
	if err := db.InsertStudent(ctx, database.Student{ID: "s1", Name: "Ana", SchoolID: "sc1", ClassID: "c1", Year: 2025, CreatedAt: base}); err != nil {
		t.Fatalf("InsertStudent: %v", err)
	}
	if err := db.InsertStudent(ctx, database.Student{ID: "s2", Name: "Bia", SchoolID: "sc1", ClassID: "c1", Year: 2025, CreatedAt: base}); err != nil {
		t.Fatalf("InsertStudent: %v", err)
	}
	if _, err := db.InsertRawAnswers(ctx, []database.RawAnswer{{
		StudentID: "s1", SchoolID: "sc1", Year: 2025, Grade: "5", Subject: "LP",
		ItemID: "1", Correct: true, BatchID: "b1", ImportedAt: base,
	}}); err != nil {
		t.Fatalf("InsertRawAnswers: %v", err)
	}

	f, ok := newDetector(t, db).Detect(ctx).Find(divergence.InvalidReferenceCodes)
	if !ok {
		t.Fatal("expected s2 to be reported without a grade")
	}
	for _, d := range f.Details {
		if d.EntityID == "s1" {
			t.Errorf("s1 resolves its grade from its answers: %+v", d)
		}
	}
	if f.Count != 1 || f.Details[0].EntityID != "s2" {
		t.Errorf("invalid_reference_codes: %+v", f.Details)
	}
}
