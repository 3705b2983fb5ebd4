package detect

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/TobiSchelling/schoolcheck/internal/consolidate"
	"github.com/TobiSchelling/schoolcheck/internal/database"
	"github.com/TobiSchelling/schoolcheck/internal/divergence"
	"github.com/TobiSchelling/schoolcheck/internal/grade"
	"github.com/TobiSchelling/schoolcheck/internal/scoring"
	"github.com/TobiSchelling/schoolcheck/internal/textnorm"
)

// detailCheck is a check that produces at most one finding holding every
// detail it found.
type detailCheck struct {
	typ         divergence.Type
	severity    divergence.Severity
	title       string
	description string // formatted with the detail count
	scan        func(ctx context.Context, env Env) ([]divergence.Detail, error)
}

func (c detailCheck) Type() divergence.Type         { return c.typ }
func (c detailCheck) Severity() divergence.Severity { return c.severity }

func (c detailCheck) Run(ctx context.Context, env Env) ([]divergence.Finding, error) {
	details, err := c.scan(ctx, env)
	if err != nil || len(details) == 0 {
		return nil, err
	}
	return []divergence.Finding{{
		Type:        c.typ,
		Severity:    c.severity,
		Title:       c.title,
		Description: fmt.Sprintf(c.description, len(details)),
		Count:       len(details),
		Details:     details,
	}}, nil
}

// BuiltinChecks returns the standard integrity checks.
func BuiltinChecks() []Check {
	return []Check{
		detailCheck{
			typ:         divergence.DuplicateStudents,
			severity:    divergence.Important,
			title:       "Duplicate students",
			description: "%d student entries share a name, school and year with another entry. The most recently created entry of each group is kept.",
			scan:        scanDuplicateStudents,
		},
		detailCheck{
			typ:         divergence.OrphanRawAnswers,
			severity:    divergence.Critical,
			title:       "Answers without a student or school",
			description: "%d imported result sets reference a student or school that no longer exists. They cannot be consolidated.",
			scan:        scanOrphanRawAnswers,
		},
		detailCheck{
			typ:         divergence.OrphanConsolidated,
			severity:    divergence.Critical,
			title:       "Consolidated records without a student",
			description: "%d consolidated records belong to students missing from the directory.",
			scan:        scanOrphanConsolidated,
		},
		detailCheck{
			typ:         divergence.PresentWithoutScores,
			severity:    divergence.Important,
			title:       "Present without scores",
			description: "%d records are marked **Present** although every score is zero or missing.",
			scan:        scanPresentWithoutScores,
		},
		detailCheck{
			typ:         divergence.AbsentWithScores,
			severity:    divergence.Warning,
			title:       "Absent with scores",
			description: "%d records are marked **Absent** but carry non-zero scores.",
			scan:        scanAbsentWithScores,
		},
		detailCheck{
			typ:         divergence.MissingConsolidation,
			severity:    divergence.Important,
			title:       "Missing consolidation",
			description: "%d students have answer data for a year but no consolidated record.",
			scan:        scanMissingConsolidation,
		},
		detailCheck{
			typ:         divergence.InvalidReferenceCodes,
			severity:    divergence.Warning,
			title:       "Invalid reference codes",
			description: "%d entries carry a grade, school code, attendance code or reference that cannot be resolved.",
			scan:        scanInvalidReferenceCodes,
		},
		detailCheck{
			typ:         divergence.ExcludedAnswers,
			severity:    divergence.Informational,
			title:       "Answers excluded from scores",
			description: "%d inputs were left out of subject aggregates because they were invalid.",
			scan:        scanExcludedAnswers,
		},
	}
}

// directory indexes the entity tables by id.
type directory struct {
	schools  map[string]database.School
	classes  map[string]database.Class
	students map[string]database.Student
}

func loadDirectory(ctx context.Context, src Source) (*directory, error) {
	schools, err := src.Schools(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading schools: %w", err)
	}
	classes, err := src.Classes(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading classes: %w", err)
	}
	students, err := src.Students(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading students: %w", err)
	}
	d := &directory{
		schools:  make(map[string]database.School, len(schools)),
		classes:  make(map[string]database.Class, len(classes)),
		students: make(map[string]database.Student, len(students)),
	}
	for _, s := range schools {
		d.schools[s.ID] = s
	}
	for _, c := range classes {
		d.classes[c.ID] = c
	}
	for _, s := range students {
		d.students[s.ID] = s
	}
	return d, nil
}

func (d *directory) schoolName(id string) string {
	if s, ok := d.schools[id]; ok {
		return s.Name
	}
	return id
}

// DuplicateKey is the identity used to group duplicate students.
func DuplicateKey(s database.Student) string {
	return fmt.Sprintf("%s|%s|%d", textnorm.Fold(s.Name), s.SchoolID, s.Year)
}

// Keeper returns the student kept when a duplicate group is merged: the most
// recently created entry, ties broken by the larger id.
func Keeper(group []database.Student) database.Student {
	keep := group[0]
	for _, s := range group[1:] {
		if s.CreatedAt.After(keep.CreatedAt) || (s.CreatedAt.Equal(keep.CreatedAt) && s.ID > keep.ID) {
			keep = s
		}
	}
	return keep
}

func scanDuplicateStudents(ctx context.Context, env Env) ([]divergence.Detail, error) {
	dir, err := loadDirectory(ctx, env.Source)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]database.Student)
	for _, s := range dir.students {
		k := DuplicateKey(s)
		groups[k] = append(groups[k], s)
	}

	var details []divergence.Detail
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		keep := Keeper(group)
		for _, s := range group {
			d := divergence.Detail{
				EntityKind: divergence.EntityStudent,
				EntityID:   s.ID,
				Name:       s.Name,
				School:     dir.schoolName(s.SchoolID),
				Grade:      s.Grade,
				Year:       s.Year,
				Problem:    fmt.Sprintf("%d entries share this name, school and year", len(group)),
			}
			if s.ID == keep.ID {
				d.SuggestedFix = "keep this entry"
			} else {
				d.SuggestedFix = fmt.Sprintf("delete this entry and keep %s", keep.ID)
			}
			details = append(details, d)
		}
	}
	return details, nil
}

func scanOrphanRawAnswers(ctx context.Context, env Env) ([]divergence.Detail, error) {
	dir, err := loadDirectory(ctx, env.Source)
	if err != nil {
		return nil, err
	}
	answers, err := env.Source.RawAnswers(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading raw answers: %w", err)
	}
	legacy, err := env.Source.LegacyResults(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading legacy results: %w", err)
	}

	type orphan struct {
		key      database.StudentYear
		schoolID string
		source   string
		rows     int
	}
	orphans := make(map[string]*orphan)
	note := func(studentID, schoolID string, year int, source string) {
		_, hasStudent := dir.students[studentID]
		_, hasSchool := dir.schools[schoolID]
		if hasStudent && (schoolID == "" || hasSchool) {
			return
		}
		k := fmt.Sprintf("%s|%d|%s|%s", studentID, year, schoolID, source)
		o := orphans[k]
		if o == nil {
			o = &orphan{key: database.StudentYear{StudentID: studentID, Year: year}, schoolID: schoolID, source: source}
			orphans[k] = o
		}
		o.rows++
	}
	for _, a := range answers {
		note(a.StudentID, a.SchoolID, a.Year, consolidate.SourceRaw)
	}
	for _, l := range legacy {
		note(l.StudentID, l.SchoolID, l.Year, consolidate.SourceLegacy)
	}

	details := make([]divergence.Detail, 0, len(orphans))
	for _, o := range orphans {
		problem := fmt.Sprintf("%d %s rows reference missing student %s", o.rows, o.source, o.key.StudentID)
		if _, ok := dir.students[o.key.StudentID]; ok {
			problem = fmt.Sprintf("%d %s rows reference missing school %s", o.rows, o.source, o.schoolID)
		}
		details = append(details, divergence.Detail{
			EntityKind:   divergence.EntityRawAnswer,
			EntityID:     o.key.StudentID,
			Code:         o.source,
			School:       dir.schoolName(o.schoolID),
			Year:         o.key.Year,
			Problem:      problem,
			SuggestedFix: "restore the directory entry or discard the imported rows",
		})
	}
	return details, nil
}

func scanOrphanConsolidated(ctx context.Context, env Env) ([]divergence.Detail, error) {
	dir, err := loadDirectory(ctx, env.Source)
	if err != nil {
		return nil, err
	}
	records, err := env.Source.ConsolidatedRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading consolidated records: %w", err)
	}
	var details []divergence.Detail
	for _, r := range records {
		if _, ok := dir.students[r.StudentID]; ok {
			continue
		}
		details = append(details, divergence.Detail{
			EntityKind:   divergence.EntityConsolidated,
			EntityID:     r.StudentID,
			School:       dir.schoolName(r.SchoolID),
			Grade:        r.Grade,
			Year:         r.Year,
			Problem:      "student no longer exists",
			SuggestedFix: "delete the consolidated record",
		})
	}
	return details, nil
}

// attendanceScan reports consolidated records for which bad returns true.
func attendanceScan(ctx context.Context, env Env, bad func(r *database.ConsolidatedRecord) bool, problem, fix string) ([]divergence.Detail, error) {
	dir, err := loadDirectory(ctx, env.Source)
	if err != nil {
		return nil, err
	}
	records, err := env.Source.ConsolidatedRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading consolidated records: %w", err)
	}
	var details []divergence.Detail
	for i := range records {
		r := &records[i]
		if !bad(r) {
			continue
		}
		name := ""
		if s, ok := dir.students[r.StudentID]; ok {
			name = s.Name
		}
		details = append(details, divergence.Detail{
			EntityKind:   divergence.EntityConsolidated,
			EntityID:     r.StudentID,
			Name:         name,
			School:       dir.schoolName(r.SchoolID),
			Grade:        r.Grade,
			Year:         r.Year,
			Problem:      problem,
			SuggestedFix: fix,
		})
	}
	return details, nil
}

func scanPresentWithoutScores(ctx context.Context, env Env) ([]divergence.Detail, error) {
	return attendanceScan(ctx, env,
		func(r *database.ConsolidatedRecord) bool {
			return r.Attendance == scoring.Present && !r.HasAnyScore()
		},
		"marked Present but every score is zero or missing",
		"re-run consolidation to re-flag attendance as Unknown",
	)
}

func scanAbsentWithScores(ctx context.Context, env Env) ([]divergence.Detail, error) {
	return attendanceScan(ctx, env,
		func(r *database.ConsolidatedRecord) bool {
			return r.Attendance == scoring.Absent && r.HasAnyScore()
		},
		"marked Absent but has non-zero scores",
		"verify the attendance sheet and re-import the attendance code",
	)
}

func scanMissingConsolidation(ctx context.Context, env Env) ([]divergence.Detail, error) {
	dir, err := loadDirectory(ctx, env.Source)
	if err != nil {
		return nil, err
	}
	keys, err := env.Source.DataKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading data keys: %w", err)
	}
	records, err := env.Source.ConsolidatedRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading consolidated records: %w", err)
	}
	have := make(map[database.StudentYear]bool, len(records))
	for _, r := range records {
		have[r.Key()] = true
	}

	var details []divergence.Detail
	for _, k := range keys {
		if have[k] {
			continue
		}
		src, err := consolidate.Gather(ctx, env.Source, env.Registry, k)
		if err != nil {
			var missing *consolidate.MissingStudentError
			var unknown *grade.UnknownGradeError
			if errors.As(err, &missing) || errors.As(err, &unknown) {
				continue // reported by the orphan and reference checks
			}
			return nil, err
		}
		s := src.Student
		details = append(details, divergence.Detail{
			EntityKind:   divergence.EntityStudent,
			EntityID:     s.ID,
			Name:         s.Name,
			School:       dir.schoolName(s.SchoolID),
			Grade:        src.Profile.Grade,
			Year:         k.Year,
			Problem:      "answer data present but no consolidated record",
			SuggestedFix: "run consolidation for this student and year",
		})
	}
	return details, nil
}

// validSchoolCode reports whether code is an 8-digit census code.
func validSchoolCode(code string) bool {
	if len(code) != 8 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func scanInvalidReferenceCodes(ctx context.Context, env Env) ([]divergence.Detail, error) {
	dir, err := loadDirectory(ctx, env.Source)
	if err != nil {
		return nil, err
	}
	marks, err := env.Source.AttendanceMarks(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading attendance marks: %w", err)
	}
	answers, err := env.Source.RawAnswers(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading raw answers: %w", err)
	}
	legacy, err := env.Source.LegacyResults(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading legacy results: %w", err)
	}
	answersByKey := make(map[database.StudentYear][]database.RawAnswer)
	for _, a := range answers {
		k := database.StudentYear{StudentID: a.StudentID, Year: a.Year}
		answersByKey[k] = append(answersByKey[k], a)
	}
	legacyByKey := make(map[database.StudentYear]*database.LegacyResult, len(legacy))
	for i := range legacy {
		legacyByKey[database.StudentYear{StudentID: legacy[i].StudentID, Year: legacy[i].Year}] = &legacy[i]
	}

	var details []divergence.Detail
	for _, s := range dir.schools {
		if s.Code != "" && !validSchoolCode(s.Code) {
			details = append(details, divergence.Detail{
				EntityKind: divergence.EntitySchool, EntityID: s.ID, Name: s.Name, Code: s.Code,
				Problem:      fmt.Sprintf("school code %q is not an 8-digit census code", s.Code),
				SuggestedFix: "correct the school code in the directory",
			})
		}
	}
	for _, c := range dir.classes {
		if _, ok := dir.schools[c.SchoolID]; !ok {
			details = append(details, divergence.Detail{
				EntityKind: divergence.EntityClass, EntityID: c.ID, Name: c.Name, Grade: c.Grade, Year: c.Year,
				Problem:      fmt.Sprintf("class references missing school %s", c.SchoolID),
				SuggestedFix: "reassign the class to an existing school",
			})
		}
	}
	for _, s := range dir.students {
		base := divergence.Detail{
			EntityKind: divergence.EntityStudent, EntityID: s.ID, Name: s.Name,
			School: dir.schoolName(s.SchoolID), Grade: s.Grade, Year: s.Year,
		}
		k := database.StudentYear{StudentID: s.ID, Year: s.Year}
		label := consolidate.GradeLabel(&s, answersByKey[k], legacyByKey[k])
		var unknown *grade.UnknownGradeError
		if _, err := env.Registry.Resolve(label); errors.As(err, &unknown) {
			d := base
			d.Problem = fmt.Sprintf("grade %q has no evaluation profile", label)
			d.SuggestedFix = "correct the student's grade or add a grade profile"
			details = append(details, d)
		}
		if _, ok := dir.schools[s.SchoolID]; !ok {
			d := base
			d.Problem = fmt.Sprintf("student references missing school %s", s.SchoolID)
			d.SuggestedFix = "reassign the student to an existing school"
			details = append(details, d)
		}
		if _, ok := dir.classes[s.ClassID]; s.ClassID != "" && !ok {
			d := base
			d.Problem = fmt.Sprintf("student references missing class %s", s.ClassID)
			d.SuggestedFix = "reassign the student to an existing class"
			details = append(details, d)
		}
	}
	for _, m := range marks {
		if _, ok := scoring.AttendanceFromCode(m.Code); ok {
			continue
		}
		details = append(details, divergence.Detail{
			EntityKind: divergence.EntityStudent, EntityID: m.StudentID, Code: m.Code, Year: m.Year,
			Problem:      fmt.Sprintf("attendance code %q is not recognized", m.Code),
			SuggestedFix: "re-import attendance with P or F",
		})
	}
	sort.SliceStable(details, func(i, j int) bool { return details[i].Problem < details[j].Problem })
	return details, nil
}

func scanExcludedAnswers(ctx context.Context, env Env) ([]divergence.Detail, error) {
	keys, err := env.Source.DataKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading data keys: %w", err)
	}
	var details []divergence.Detail
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src, err := consolidate.Gather(ctx, env.Source, env.Registry, k)
		if err != nil {
			var missing *consolidate.MissingStudentError
			var unknown *grade.UnknownGradeError
			if errors.As(err, &missing) || errors.As(err, &unknown) {
				continue // reported by the orphan and reference checks
			}
			return nil, err
		}
		for _, e := range src.Exclusions {
			code := e.Subject
			if e.ItemID != "" {
				code += "/" + e.ItemID
			}
			details = append(details, divergence.Detail{
				EntityKind:   divergence.EntityRawAnswer,
				EntityID:     e.StudentID,
				Name:         src.Student.Name,
				Code:         code,
				Grade:        src.Profile.Grade,
				Year:         e.Year,
				Problem:      fmt.Sprintf("%s: %s", e.Source, e.Reason),
				SuggestedFix: "correct the source data and re-import",
			})
		}
	}
	return details, nil
}
