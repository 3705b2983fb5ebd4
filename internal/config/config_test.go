package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TobiSchelling/schoolcheck/internal/divergence"
	"github.com/TobiSchelling/schoolcheck/internal/grade"
	"github.com/TobiSchelling/schoolcheck/internal/scoring"
)

func TestParseDefaultConfig(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("failed to parse default config: %v", err)
	}

	if len(cfg.Grades) != 9 {
		t.Errorf("expected 9 grades, got %d", len(cfg.Grades))
	}
	if cfg.Detection.Timeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", cfg.Detection.Timeout)
	}
	if cfg.Correction.MaxPasses != 3 {
		t.Errorf("expected max_passes 3, got %d", cfg.Correction.MaxPasses)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("expected port 8000, got %d", cfg.Server.Port)
	}

	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}
	p, err := reg.Resolve("9º ano B")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(p.Subjects) != 4 || p.AveragingDivisor != 4 || p.HasTextualProduction {
		t.Errorf("unexpected grade 9 profile: %+v", p)
	}
	p, _ = reg.Resolve("1")
	if p.UsesProficiencyBands {
		t.Error("grade 1 should not be banded")
	}
}

func TestDefaultGradesMatchEmbeddedFile(t *testing.T) {
	fromFile := Default()
	fromCode := &Config{Grades: DefaultGrades()}

	a, err := fromFile.Profiles()
	if err != nil {
		t.Fatalf("file profiles: %v", err)
	}
	b, err := fromCode.Profiles()
	if err != nil {
		t.Fatalf("code profiles: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("profile counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Grade != b[i].Grade || len(a[i].Subjects) != len(b[i].Subjects) ||
			a[i].AveragingDivisor != b[i].AveragingDivisor || a[i].UsesProficiencyBands != b[i].UsesProficiencyBands {
			t.Errorf("grade %s differs: %+v vs %+v", a[i].Grade, a[i], b[i])
		}
	}
}

func TestParseMinimalConfig(t *testing.T) {
	data := []byte(`
correction:
  correctable: [duplicate_students]
server:
  port: 9000
`)
	cfg, err := parse(data)
	if err != nil {
		t.Fatalf("failed to parse minimal config: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	types, err := cfg.CorrectableTypes()
	if err != nil {
		t.Fatalf("CorrectableTypes: %v", err)
	}
	if len(types) != 1 || !types[divergence.DuplicateStudents] {
		t.Errorf("unexpected correctable types %v", types)
	}
	// Defaults should still be set for unspecified fields
	if len(cfg.Grades) != 9 || cfg.Correction.Actor != "system" {
		t.Errorf("expected defaults, got %d grades and actor %q", len(cfg.Grades), cfg.Correction.Actor)
	}
}

func TestCalculatorFromConfig(t *testing.T) {
	cfg, err := parse([]byte(`
bands:
  default: {basic: 0.2, adequate: 0.4, advanced: 0.8}
  overrides:
    - {subject: MAT, grade: "5", basic: 0.3, adequate: 0.6, advanced: 0.9}
production:
  labels:
    "muito bom": Advanced
  band_scores:
    Basic: 4
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	calc, err := cfg.Calculator()
	if err != nil {
		t.Fatalf("Calculator: %v", err)
	}
	p := grade.Profile{Grade: "5", UsesProficiencyBands: true}
	if b := calc.Bands.Band(p, grade.Mathematics, 0.85); b != scoring.Adequate {
		t.Errorf("override not applied: %s", b)
	}
	if b := calc.Bands.Band(p, grade.Portuguese, 0.85); b != scoring.Advanced {
		t.Errorf("default not applied: %s", b)
	}
	if _, b := calc.Production("Muito Bom", nil); b != scoring.Advanced {
		t.Errorf("custom label not applied: %s", b)
	}
	if s, _ := calc.Production("básico", nil); s == nil || *s != 4 {
		t.Errorf("custom band score not applied: %v", s)
	}
}

func TestConfigRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"unknown subject":    "grades:\n  - {grade: \"5\", subjects: [{code: ART, items: 5}], averaging_divisor: 3}\n",
		"zero divisor":       "grades:\n  - {grade: \"5\", subjects: [{code: LP, items: 5}]}\n",
		"unknown type":       "correction:\n  correctable: [make_coffee]\n",
		"non-monotonic band": "bands:\n  default: {basic: 0.6, adequate: 0.5, advanced: 0.75}\n",
		"bad band label":     "production:\n  labels: {x: Superb}\n",
		"empty grade list":   "grades: []\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := parse([]byte(data))
			if err != nil {
				return
			}
			_, regErr := cfg.Registry()
			_, calcErr := cfg.Calculator()
			_, typeErr := cfg.CorrectableTypes()
			if regErr == nil && calcErr == nil && typeErr == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestEmptyGradeListRejected(t *testing.T) {
	if _, err := parse([]byte("grades: []\n")); err == nil {
		t.Error("expected parse to reject an empty grade list")
	}

	cfg := Default()
	cfg.Grades = nil
	if _, err := cfg.Registry(); err == nil {
		t.Error("expected Registry to reject an empty grade list")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, DefaultConfigYAML, 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if len(cfg.Correction.Correctable) != 4 {
		t.Errorf("expected 4 correctable types from file, got %v", cfg.Correction.Correctable)
	}
}

func TestGetDataDir(t *testing.T) {
	cfg := &Config{}
	defaultDir := cfg.GetDataDir()
	if defaultDir == "" {
		t.Error("expected non-empty default data dir")
	}

	cfg.Output.DataDir = "/custom/path"
	if cfg.GetDataDir() != "/custom/path" {
		t.Errorf("expected '/custom/path', got %q", cfg.GetDataDir())
	}
	if cfg.DBPath() != filepath.Join("/custom/path", "schoolcheck.db") {
		t.Errorf("unexpected db path %q", cfg.DBPath())
	}
}
