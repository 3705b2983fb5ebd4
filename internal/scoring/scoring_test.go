package scoring

import (
	"errors"
	"math"
	"testing"

	"github.com/TobiSchelling/schoolcheck/internal/grade"
)

func grade5() grade.Profile {
	return grade.Profile{
		Grade: "5",
		Subjects: []grade.SubjectSpec{
			{Code: grade.Portuguese, ItemCount: 20, ScoreWeight: 1},
			{Code: grade.Mathematics, ItemCount: 8, ScoreWeight: 1},
		},
		HasTextualProduction: true,
		UsesProficiencyBands: true,
		AveragingDivisor:     3,
	}
}

func grade9() grade.Profile {
	return grade.Profile{
		Grade: "9",
		Subjects: []grade.SubjectSpec{
			{Code: grade.Portuguese, ItemCount: 26, ScoreWeight: 1},
			{Code: grade.Humanities, ItemCount: 13, ScoreWeight: 1},
			{Code: grade.Mathematics, ItemCount: 26, ScoreWeight: 1},
			{Code: grade.NaturalSciences, ItemCount: 13, ScoreWeight: 1},
		},
		UsesProficiencyBands: true,
		AveragingDivisor:     4,
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		correct, total int
		want           float64
	}{
		{18, 20, 9.00},
		{6, 8, 7.50},
		{0, 10, 0},
		{10, 10, 10},
		{1, 3, 3.33},
		{2, 3, 6.67},
	}
	for _, tt := range tests {
		got, err := Score(tt.correct, tt.total)
		if err != nil {
			t.Errorf("Score(%d, %d): unexpected error %v", tt.correct, tt.total, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Score(%d, %d) = %v, want %v", tt.correct, tt.total, got, tt.want)
		}
	}
}

func TestScoreInvalidInput(t *testing.T) {
	for _, in := range [][2]int{{1, 0}, {0, -3}, {-1, 10}, {11, 10}} {
		_, err := Score(in[0], in[1])
		var invalid *InvalidInputError
		if !errors.As(err, &invalid) {
			t.Errorf("Score(%d, %d): expected InvalidInputError, got %v", in[0], in[1], err)
		}
	}
}

func TestScoreWithinRange(t *testing.T) {
	for total := 1; total <= 40; total++ {
		for correct := 0; correct <= total; correct++ {
			s, err := Score(correct, total)
			if err != nil {
				t.Fatalf("Score(%d, %d): %v", correct, total, err)
			}
			if s < 0 || s > 10 {
				t.Fatalf("Score(%d, %d) = %v out of [0, 10]", correct, total, s)
			}
		}
	}
}

func TestThresholdBoundaryBelongsToHigherBand(t *testing.T) {
	th := Thresholds{Basic: 0.25, Adequate: 0.5, Advanced: 0.75}
	tests := []struct {
		ratio float64
		want  Band
	}{
		{0, Insufficient},
		{0.2499, Insufficient},
		{0.25, Basic},
		{0.5, Adequate},
		{0.7499, Adequate},
		{0.75, Advanced},
		{1, Advanced},
	}
	for _, tt := range tests {
		if got := th.Band(tt.ratio); got != tt.want {
			t.Errorf("Band(%v) = %s, want %s", tt.ratio, got, tt.want)
		}
	}
}

func TestBandMonotonic(t *testing.T) {
	table, err := NewBandTable(DefaultThresholds(), []BandOverride{
		{Subject: grade.Mathematics, Thresholds: Thresholds{Basic: 0.3, Adequate: 0.55, Advanced: 0.8}},
	})
	if err != nil {
		t.Fatalf("NewBandTable: %v", err)
	}
	p := grade9()
	for _, subject := range []grade.Subject{grade.Portuguese, grade.Mathematics} {
		prev := 0
		for i := 0; i <= 1000; i++ {
			r := table.Band(p, subject, float64(i)/1000).Rank()
			if r < prev {
				t.Fatalf("%s: band rank decreased at ratio %v", subject, float64(i)/1000)
			}
			prev = r
		}
	}
}

func TestBandTableLookupOrder(t *testing.T) {
	table, err := NewBandTable(DefaultThresholds(), []BandOverride{
		{Subject: grade.Mathematics, Thresholds: Thresholds{Basic: 0.4, Adequate: 0.6, Advanced: 0.9}},
		{Grade: "9º ano", Subject: grade.Mathematics, Thresholds: Thresholds{Basic: 0.1, Adequate: 0.2, Advanced: 0.3}},
	})
	if err != nil {
		t.Fatalf("NewBandTable: %v", err)
	}

	if got := table.Band(grade9(), grade.Mathematics, 0.3); got != Advanced {
		t.Errorf("grade override: got %s, want Advanced", got)
	}
	if got := table.Band(grade5(), grade.Mathematics, 0.3); got != Insufficient {
		t.Errorf("subject override: got %s, want Insufficient", got)
	}
	if got := table.Band(grade5(), grade.Portuguese, 0.3); got != Basic {
		t.Errorf("fallback: got %s, want Basic", got)
	}
}

func TestBandTableRejectsNonMonotonic(t *testing.T) {
	_, err := NewBandTable(Thresholds{Basic: 0.6, Adequate: 0.5, Advanced: 0.9}, nil)
	if err == nil {
		t.Error("expected error for non-monotonic thresholds")
	}
}

func TestUnbandedGradeIsUnclassified(t *testing.T) {
	p := grade5()
	p.UsesProficiencyBands = false
	calc := NewCalculator(nil)
	s, err := calc.Subject(p, p.Subjects[0], 20, true)
	if err != nil {
		t.Fatalf("Subject: %v", err)
	}
	if s.Band != Unclassified {
		t.Errorf("expected Unclassified, got %s", s.Band)
	}
	if s.Score != 10 {
		t.Errorf("expected score 10, got %v", s.Score)
	}
}

func TestProductionLabels(t *testing.T) {
	labels := DefaultLabels()
	tests := map[string]Band{
		"Avançado":         Advanced,
		"AVANCADO":         Advanced,
		" adequado ":       Adequate,
		"Abaixo do Básico": Insufficient,
		"básico":           Basic,
		"excelente":        Unclassified,
		"":                 Unclassified,
	}
	for label, want := range tests {
		if got := labels.Band(label); got != want {
			t.Errorf("Band(%q) = %s, want %s", label, got, want)
		}
	}

	extended := labels.With(map[string]Band{"Excelente": Advanced})
	if got := extended.Band("excelente"); got != Advanced {
		t.Errorf("extended alias: got %s", got)
	}
	if labels.Band("excelente") != Unclassified {
		t.Error("With must not modify the receiver")
	}
}

func TestCalculatorProduction(t *testing.T) {
	calc := NewCalculator(nil)

	score, band := calc.Production("Avançado", nil)
	if band != Advanced || score == nil || *score != 10 {
		t.Errorf("label only: got %v %s", score, band)
	}

	explicit := 6.456
	score, band = calc.Production("Adequado", &explicit)
	if band != Adequate || score == nil || *score != 6.46 {
		t.Errorf("explicit score: got %v %s", score, band)
	}

	score, band = calc.Production("???", nil)
	if band != Unclassified || score != nil {
		t.Errorf("unknown label: got %v %s", score, band)
	}
}

func TestOverallLevel(t *testing.T) {
	tests := []struct {
		name  string
		bands []Band
		want  Band
	}{
		{"plurality", []Band{Basic, Adequate, Adequate}, Adequate},
		{"tie goes lower", []Band{Advanced, Basic}, Basic},
		{"three-way tie", []Band{Advanced, Adequate, Insufficient}, Insufficient},
		{"unclassified ignored", []Band{Unclassified, Unclassified, Advanced}, Advanced},
		{"all unclassified", []Band{Unclassified, Unclassified}, Unclassified},
		{"empty", nil, Unclassified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OverallLevel(tt.bands); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOverallAverageScenario(t *testing.T) {
	calc := NewCalculator(nil)
	p := grade5()
	p.Subjects[0].ItemCount = 20
	p.Subjects[1].ItemCount = 8

	lp, _ := calc.Subject(p, p.Subjects[0], 18, true)
	mat, _ := calc.Subject(p, p.Subjects[1], 6, true)
	if lp.Score != 9 || mat.Score != 7.5 {
		t.Fatalf("unexpected scores: LP %v MAT %v", lp.Score, mat.Score)
	}
	prod, band := calc.Production("Avançado", nil)
	if band != Advanced {
		t.Fatalf("expected Advanced production, got %s", band)
	}

	avg := OverallAverage(map[grade.Subject]float64{
		grade.Portuguese:        lp.Score,
		grade.Mathematics:       mat.Score,
		grade.TextualProduction: *prod,
	}, p, Present)
	if avg == nil {
		t.Fatal("expected an average")
	}
	want := math.Round((9+7.5+10)/3*100) / 100
	if *avg != want {
		t.Errorf("average = %v, want %v", *avg, want)
	}
}

func TestOverallAverageFixedDivisor(t *testing.T) {
	p := grade9()
	full := map[grade.Subject]float64{
		grade.Portuguese: 8, grade.Humanities: 6, grade.Mathematics: 4, grade.NaturalSciences: 2,
	}
	missingOne := map[grade.Subject]float64{
		grade.Portuguese: 8, grade.Humanities: 6, grade.Mathematics: 4,
	}

	if avg := OverallAverage(full, p, Present); avg == nil || *avg != 5 {
		t.Errorf("full: got %v, want 5", avg)
	}
	if avg := OverallAverage(missingOne, p, Present); avg == nil || *avg != 4.5 {
		t.Errorf("missing subject still divides by 4: got %v, want 4.5", avg)
	}
}

func TestOverallAverageNil(t *testing.T) {
	p := grade9()
	scores := map[grade.Subject]float64{grade.Portuguese: 8}
	if OverallAverage(scores, p, Absent) != nil {
		t.Error("absent student should have no average")
	}
	if OverallAverage(scores, p, Unknown) != nil {
		t.Error("unknown attendance should have no average")
	}
	if OverallAverage(map[grade.Subject]float64{grade.Portuguese: 0}, p, Present) != nil {
		t.Error("all-zero scores should have no average")
	}
	if OverallAverage(nil, p, Present) != nil {
		t.Error("no scores should have no average")
	}
}

func TestAttendanceFromCode(t *testing.T) {
	tests := map[string]Attendance{"P": Present, "presente": Present, "F": Absent, "Faltou": Absent}
	for code, want := range tests {
		got, ok := AttendanceFromCode(code)
		if !ok || got != want {
			t.Errorf("AttendanceFromCode(%q) = %s, %v", code, got, ok)
		}
	}
	if _, ok := AttendanceFromCode("?"); ok {
		t.Error("expected unknown code to be rejected")
	}
}
