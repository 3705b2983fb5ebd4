package consolidate

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TobiSchelling/schoolcheck/internal/database"
	"github.com/TobiSchelling/schoolcheck/internal/grade"
	"github.com/TobiSchelling/schoolcheck/internal/scoring"
)

var base = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

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
	reg, err := grade.NewRegistry([]grade.Profile{
		{
			Grade: "5",
			Subjects: []grade.SubjectSpec{
				{Code: grade.Portuguese, ItemCount: 20, ScoreWeight: 1},
				{Code: grade.Mathematics, ItemCount: 8, ScoreWeight: 1},
			},
			HasTextualProduction: true,
			UsesProficiencyBands: true,
			AveragingDivisor:     3,
		},
		{
			Grade: "9",
			Subjects: []grade.SubjectSpec{
				{Code: grade.Portuguese, ItemCount: 10, ScoreWeight: 1},
				{Code: grade.Humanities, ItemCount: 10, ScoreWeight: 1},
				{Code: grade.Mathematics, ItemCount: 10, ScoreWeight: 1},
				{Code: grade.NaturalSciences, ItemCount: 10, ScoreWeight: 1},
			},
			UsesProficiencyBands: true,
			AveragingDivisor:     4,
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func newAggregator(t *testing.T, db *database.DB) *Aggregator {
	t.Helper()
	a := New(db, testRegistry(t), scoring.NewCalculator(nil))
	a.Now = func() time.Time { return base }
	return a
}

func addStudent(t *testing.T, db *database.DB, id, gradeLabel string) {
	t.Helper()
	err := db.InsertStudent(context.Background(), database.Student{
		ID: id, Name: "Student " + id, SchoolID: "sc1", ClassID: "c1", Grade: gradeLabel, Year: 2025, CreatedAt: base,
	})
	if err != nil {
		t.Fatalf("InsertStudent: %v", err)
	}
}

// answers builds n items for a subject with the first correct ones right.
func answers(studentID, subject string, n, correct int, batch string, at time.Time) []database.RawAnswer {
	out := make([]database.RawAnswer, n)
	for i := range out {
		out[i] = database.RawAnswer{
			StudentID: studentID, SchoolID: "sc1", Year: 2025, Grade: "5", Subject: subject,
			ItemID: string(rune('a' + i)), Correct: i < correct, BatchID: batch, ImportedAt: at,
		}
	}
	return out
}

func insert(t *testing.T, db *database.DB, rows []database.RawAnswer) {
	t.Helper()
	if _, err := db.InsertRawAnswers(context.Background(), rows); err != nil {
		t.Fatalf("InsertRawAnswers: %v", err)
	}
}

func TestConsolidateGradeFiveScenario(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addStudent(t, db, "s1", "5º ano, turma A")
	insert(t, db, answers("s1", "LP", 20, 18, "b1", base))
	insert(t, db, answers("s1", "Matemática", 8, 6, "b1", base))
	db.UpsertAttendanceMark(ctx, database.AttendanceMark{StudentID: "s1", Year: 2025, Code: "P", BatchID: "b1", RecordedAt: base})
	db.UpsertProductionEntry(ctx, database.ProductionEntry{StudentID: "s1", Year: 2025, Label: "Avançado", BatchID: "b1", RecordedAt: base})

	res, err := newAggregator(t, db).Consolidate(ctx, "s1", 2025)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	rec := res.Record
	if rec.Grade != "5" || rec.Attendance != scoring.Present {
		t.Errorf("unexpected grade/attendance: %q %q", rec.Grade, rec.Attendance)
	}
	if len(rec.Subjects) != 2 {
		t.Fatalf("expected 2 subjects, got %+v", rec.Subjects)
	}
	if rec.Subjects[0].Subject != grade.Portuguese || rec.Subjects[0].Score != 9 {
		t.Errorf("LP: %+v", rec.Subjects[0])
	}
	if rec.Subjects[1].Subject != grade.Mathematics || rec.Subjects[1].Score != 7.5 {
		t.Errorf("MAT: %+v", rec.Subjects[1])
	}
	if rec.ProductionBand != scoring.Advanced || rec.ProductionScore == nil || *rec.ProductionScore != 10 {
		t.Errorf("production: %v %v", rec.ProductionScore, rec.ProductionBand)
	}
	if rec.OverallAverage == nil || *rec.OverallAverage != 8.83 {
		t.Errorf("expected average 8.83, got %v", rec.OverallAverage)
	}
	if rec.OverallLevel != scoring.Advanced {
		t.Errorf("expected overall Advanced, got %s", rec.OverallLevel)
	}
	if !res.Changed {
		t.Error("first consolidation should write")
	}
}

func TestConsolidateIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addStudent(t, db, "s1", "5")
	insert(t, db, answers("s1", "LP", 20, 11, "b1", base))
	db.UpsertAttendanceMark(ctx, database.AttendanceMark{StudentID: "s1", Year: 2025, Code: "P", BatchID: "b1", RecordedAt: base})

	agg := newAggregator(t, db)
	first, err := agg.Consolidate(ctx, "s1", 2025)
	if err != nil {
		t.Fatalf("first Consolidate: %v", err)
	}
	agg.Now = func() time.Time { return base.Add(time.Hour) }
	second, err := agg.Consolidate(ctx, "s1", 2025)
	if err != nil {
		t.Fatalf("second Consolidate: %v", err)
	}
	if second.Changed {
		t.Error("unchanged input should not rewrite the record")
	}
	if !second.Record.ConsolidatedAt.Equal(first.Record.ConsolidatedAt) {
		t.Errorf("timestamp moved: %v -> %v", first.Record.ConsolidatedAt, second.Record.ConsolidatedAt)
	}
	if !first.Record.SameContent(second.Record) {
		t.Error("records differ across runs")
	}

	all, _ := db.ConsolidatedRecords(ctx)
	if len(all) != 1 {
		t.Errorf("expected exactly one record, got %d", len(all))
	}
}

func TestConsolidateMissingSubjectsNotOmitted(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addStudent(t, db, "s1", "9")
	insert(t, db, answers("s1", "LP", 10, 5, "b1", base))
	db.UpsertAttendanceMark(ctx, database.AttendanceMark{StudentID: "s1", Year: 2025, Code: "P", BatchID: "b1", RecordedAt: base})

	res, err := newAggregator(t, db).Consolidate(ctx, "s1", 2025)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if len(res.Record.Subjects) != 4 {
		t.Fatalf("expected all 4 subjects, got %d", len(res.Record.Subjects))
	}
	for _, s := range res.Record.Subjects[1:] {
		if s.Correct != 0 || s.Total != 10 || s.Band != scoring.Unclassified {
			t.Errorf("missing subject should be 0/10 Unclassified: %+v", s)
		}
	}
	// 5.0 divided by the fixed divisor 4, not by the one subject present.
	if res.Record.OverallAverage == nil || *res.Record.OverallAverage != 1.25 {
		t.Errorf("expected average 1.25, got %v", res.Record.OverallAverage)
	}
}

func TestConsolidateReflagsPresentWithoutScores(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addStudent(t, db, "s1", "5")
	insert(t, db, answers("s1", "LP", 20, 0, "b1", base))
	db.UpsertAttendanceMark(ctx, database.AttendanceMark{StudentID: "s1", Year: 2025, Code: "Presente", BatchID: "b1", RecordedAt: base})

	res, err := newAggregator(t, db).Consolidate(ctx, "s1", 2025)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if res.Record.Attendance != scoring.Unknown {
		t.Errorf("expected Unknown, got %s", res.Record.Attendance)
	}
	if res.Record.OverallAverage != nil {
		t.Errorf("expected nil average, got %v", *res.Record.OverallAverage)
	}
}

func TestConsolidateKeepsExplicitAbsent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addStudent(t, db, "s1", "5")
	db.UpsertAttendanceMark(ctx, database.AttendanceMark{StudentID: "s1", Year: 2025, Code: "F", BatchID: "b1", RecordedAt: base})

	res, err := newAggregator(t, db).Consolidate(ctx, "s1", 2025)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if res.Record.Attendance != scoring.Absent {
		t.Errorf("expected Absent, got %s", res.Record.Attendance)
	}
}

func TestConsolidateMergePrecedence(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addStudent(t, db, "s1", "5")
	lp, mat := 4, 2
	absent := "F"
	label := "Básico"
	db.UpsertLegacyResult(ctx, database.LegacyResult{
		StudentID: "s1", Year: 2025, Grade: "5", LP: &lp, MAT: &mat, Attendance: &absent, ProductionLabel: &label,
	})
	// New shape overrides LP and attendance; MAT and production come from legacy.
	insert(t, db, answers("s1", "LP", 20, 10, "b2", base))
	db.UpsertAttendanceMark(ctx, database.AttendanceMark{StudentID: "s1", Year: 2025, Code: "P", BatchID: "b2", RecordedAt: base})

	res, err := newAggregator(t, db).Consolidate(ctx, "s1", 2025)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	rec := res.Record
	if rec.Subjects[0].Correct != 10 {
		t.Errorf("LP should come from raw answers: %+v", rec.Subjects[0])
	}
	if rec.Subjects[1].Correct != 2 {
		t.Errorf("MAT should come from legacy: %+v", rec.Subjects[1])
	}
	if rec.Attendance != scoring.Present {
		t.Errorf("attendance mark should win: %s", rec.Attendance)
	}
	if rec.ProductionBand != scoring.Basic || rec.ProductionScore == nil || *rec.ProductionScore != 5 {
		t.Errorf("production should come from legacy label: %v %s", rec.ProductionScore, rec.ProductionBand)
	}
}

func TestConsolidateLatestImportSupersedes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addStudent(t, db, "s1", "5")
	insert(t, db, answers("s1", "LP", 20, 20, "b1", base))
	insert(t, db, answers("s1", "LP", 20, 5, "b2", base.Add(24*time.Hour)))

	res, err := newAggregator(t, db).Consolidate(ctx, "s1", 2025)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if res.Record.Subjects[0].Correct != 5 {
		t.Errorf("expected later batch to win with 5 correct, got %d", res.Record.Subjects[0].Correct)
	}
}

func TestConsolidateExclusions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addStudent(t, db, "s1", "5")
	insert(t, db, answers("s1", "LP", 20, 10, "b1", base))
	insert(t, db, answers("s1", "MAT", 9, 9, "b1", base)) // profile has 8 items
	insert(t, db, answers("s1", "Geografia", 1, 1, "b1", base))
	insert(t, db, answers("s1", "CN", 1, 1, "b1", base))

	res, err := newAggregator(t, db).Consolidate(ctx, "s1", 2025)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if len(res.Exclusions) != 3 {
		t.Fatalf("expected 3 exclusions, got %+v", res.Exclusions)
	}
	mat := res.Record.Subjects[1]
	if mat.Correct != 0 || mat.Band != scoring.Unclassified {
		t.Errorf("excluded subject should not be scored: %+v", mat)
	}
	if res.Record.Subjects[0].Correct != 10 {
		t.Errorf("valid subject unaffected: %+v", res.Record.Subjects[0])
	}
}

func TestConsolidateMissingStudent(t *testing.T) {
	db := openTestDB(t)
	insert(t, db, answers("ghost", "LP", 1, 1, "b1", base))

	_, err := newAggregator(t, db).Consolidate(context.Background(), "ghost", 2025)
	var missing *MissingStudentError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingStudentError, got %v", err)
	}
}

func TestConsolidateAllSkipsConfigurationErrors(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addStudent(t, db, "s1", "5")
	addStudent(t, db, "s2", "12")
	insert(t, db, answers("s1", "LP", 20, 10, "b1", base))
	insert(t, db, answers("s2", "LP", 20, 10, "b1", base))
	insert(t, db, answers("ghost", "LP", 20, 10, "b1", base))

	result, err := newAggregator(t, db).ConsolidateAll(ctx, 2025)
	if err != nil {
		t.Fatalf("ConsolidateAll: %v", err)
	}
	if result.Processed != 3 || result.Changed != 1 || len(result.Skipped) != 2 || len(result.Failed) != 0 {
		t.Errorf("unexpected batch result: %s", result.Summary())
	}
	var unknown *grade.UnknownGradeError
	found := false
	for _, s := range result.Skipped {
		if errors.As(s.Err, &unknown) {
			found = true
		}
	}
	if !found {
		t.Error("expected an UnknownGradeError among skipped keys")
	}

	other, _ := newAggregator(t, db).ConsolidateAll(ctx, 2024)
	if other.Processed != 0 {
		t.Errorf("year filter: processed %d", other.Processed)
	}
}

func TestConsolidateConcurrentSameKey(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addStudent(t, db, "s1", "5")
	insert(t, db, answers("s1", "LP", 20, 14, "b1", base))
	db.UpsertAttendanceMark(ctx, database.AttendanceMark{StudentID: "s1", Year: 2025, Code: "P", BatchID: "b1", RecordedAt: base})

	agg := newAggregator(t, db)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := agg.Consolidate(ctx, "s1", 2025); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Consolidate: %v", err)
	}

	all, _ := db.ConsolidatedRecords(ctx)
	if len(all) != 1 || all[0].Subjects[0].Correct != 14 {
		t.Errorf("expected one consistent record, got %+v", all)
	}
	if len(agg.locks.locks) != 0 {
		t.Errorf("expected lock table to drain, %d left", len(agg.locks.locks))
	}
}
