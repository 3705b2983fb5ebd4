package scoring

import (
	"fmt"

	"github.com/TobiSchelling/schoolcheck/internal/grade"
	"github.com/TobiSchelling/schoolcheck/internal/textnorm"
)

// Attendance is the normalized attendance status of a consolidated record.
type Attendance string

const (
	Present Attendance = "Present"
	Absent  Attendance = "Absent"
	Unknown Attendance = "Unknown"
)

// ParseAttendance accepts only canonical attendance values.
func ParseAttendance(s string) (Attendance, error) {
	switch a := Attendance(s); a {
	case Present, Absent, Unknown:
		return a, nil
	}
	return "", fmt.Errorf("unknown attendance %q", s)
}

var attendanceCodes = map[string]Attendance{
	"p":        Present,
	"present":  Present,
	"presente": Present,
	"f":        Absent,
	"falta":    Absent,
	"faltou":   Absent,
	"ausente":  Absent,
	"absent":   Absent,
}

// AttendanceFromCode maps an imported attendance code. It reports false for
// empty or unrecognized codes.
func AttendanceFromCode(code string) (Attendance, bool) {
	a, ok := attendanceCodes[textnorm.Fold(code)]
	return a, ok
}

// OverallLevel returns the band held by a plurality of the classified
// inputs, breaking ties toward the lower band.
func OverallLevel(bands []Band) Band {
	counts := make(map[Band]int, 4)
	for _, b := range bands {
		if b.Rank() > 0 {
			counts[b]++
		}
	}
	best, bestCount := Unclassified, 0
	for _, b := range []Band{Insufficient, Basic, Adequate, Advanced} {
		if counts[b] > bestCount {
			best, bestCount = b, counts[b]
		}
	}
	return best
}

// OverallAverage averages a student's scores using the grade's fixed
// divisor. Missing constituents count as zero. It returns nil when the
// student was not present or every constituent is zero or missing.
//
// Constituents are the profile's objective subjects plus textual production
// when the grade has it; scores holds whichever of them are known.
func OverallAverage(scores map[grade.Subject]float64, p grade.Profile, attendance Attendance) *float64 {
	if attendance != Present || p.AveragingDivisor <= 0 {
		return nil
	}
	var sum float64
	scored := false
	for _, spec := range p.Subjects {
		v := scores[spec.Code]
		if v != 0 {
			scored = true
		}
		sum += v * spec.ScoreWeight
	}
	if p.HasTextualProduction {
		v := scores[grade.TextualProduction]
		if v != 0 {
			scored = true
		}
		sum += v
	}
	if !scored {
		return nil
	}
	avg := round2(sum / float64(p.AveragingDivisor))
	return &avg
}
