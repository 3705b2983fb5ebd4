package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/schoolcheck/internal/divergence"
	"github.com/TobiSchelling/schoolcheck/internal/grade"
	"github.com/TobiSchelling/schoolcheck/internal/scoring"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Output      Output      `yaml:"output"`
	Grades      []Grade     `yaml:"grades"`
	Bands       Bands       `yaml:"bands"`
	Production  Production  `yaml:"production"`
	Detection   Detection   `yaml:"detection"`
	Correction  Correction  `yaml:"correction"`
	Maintenance Maintenance `yaml:"maintenance"`
	Server      Server      `yaml:"server"`
	Logging     Logging     `yaml:"logging"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

// Grade is the YAML form of a grade profile.
type Grade struct {
	Grade             string    `yaml:"grade"`
	Subjects          []Subject `yaml:"subjects"`
	TextualProduction bool      `yaml:"textual_production"`
	ProficiencyBands  bool      `yaml:"proficiency_bands"`
	AveragingDivisor  int       `yaml:"averaging_divisor"`
}

type Subject struct {
	Code   string  `yaml:"code"`
	Items  int     `yaml:"items"`
	Weight float64 `yaml:"weight"`
}

type Thresholds struct {
	Basic    float64 `yaml:"basic"`
	Adequate float64 `yaml:"adequate"`
	Advanced float64 `yaml:"advanced"`
}

type BandOverride struct {
	Grade      string `yaml:"grade"`
	Subject    string `yaml:"subject"`
	Thresholds `yaml:",inline"`
}

type Bands struct {
	Default   Thresholds     `yaml:"default"`
	Overrides []BandOverride `yaml:"overrides"`
}

type Production struct {
	Labels     map[string]string  `yaml:"labels"`
	BandScores map[string]float64 `yaml:"band_scores"`
}

type Detection struct {
	Timeout time.Duration `yaml:"timeout"`
	Workers int           `yaml:"workers"`
}

type Correction struct {
	Correctable []string `yaml:"correctable"`
	Actor       string   `yaml:"actor"`
	MaxPasses   int      `yaml:"max_passes"`
}

type Maintenance struct {
	Schedule string `yaml:"schedule"`
	Correct  bool   `yaml:"correct"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for schoolcheck.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "schoolcheck")
}

// DataDir returns the XDG data directory for schoolcheck.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "schoolcheck")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/schoolcheck/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'schoolcheck init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the embedded default configuration.
func Default() *Config {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default config: %v", err))
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Grades: DefaultGrades(),
		Bands: Bands{Default: fromScoring(scoring.DefaultThresholds())},
		Detection: Detection{Timeout: 30 * time.Second, Workers: 4},
		Correction: Correction{
			Correctable: []string{
				string(divergence.DuplicateStudents),
				string(divergence.OrphanConsolidated),
				string(divergence.PresentWithoutScores),
				string(divergence.MissingConsolidation),
			},
			Actor:     "system",
			MaxPasses: 3,
		},
		Maintenance: Maintenance{Schedule: "0 3 * * *", Correct: true},
		Server:      Server{Port: 8000},
		Logging:     Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if len(cfg.Grades) == 0 {
		return nil, fmt.Errorf("parsing config: no grades defined")
	}

	return cfg, nil
}

// DefaultGrades returns the built-in profiles: grades 1 to 5 take language
// and mathematics plus textual production, grades 6 to 9 take four
// objective subjects. Grades 1 and 2 are not banded.
func DefaultGrades() []Grade {
	var grades []Grade
	for g := 1; g <= 5; g++ {
		grades = append(grades, Grade{
			Grade: fmt.Sprint(g),
			Subjects: []Subject{
				{Code: "LP", Items: 20, Weight: 1},
				{Code: "MAT", Items: 20, Weight: 1},
			},
			TextualProduction: true,
			ProficiencyBands:  g > 2,
			AveragingDivisor:  3,
		})
	}
	for g := 6; g <= 9; g++ {
		grades = append(grades, Grade{
			Grade: fmt.Sprint(g),
			Subjects: []Subject{
				{Code: "LP", Items: 20, Weight: 1},
				{Code: "CH", Items: 20, Weight: 1},
				{Code: "MAT", Items: 20, Weight: 1},
				{Code: "CN", Items: 20, Weight: 1},
			},
			ProficiencyBands: true,
			AveragingDivisor: 4,
		})
	}
	return grades
}

// Profiles converts the configured grades into validated profiles.
// A zero subject weight defaults to 1. At least one grade is required.
func (c *Config) Profiles() ([]grade.Profile, error) {
	if len(c.Grades) == 0 {
		return nil, fmt.Errorf("no grades defined")
	}
	profiles := make([]grade.Profile, 0, len(c.Grades))
	for _, g := range c.Grades {
		p := grade.Profile{
			Grade:                g.Grade,
			HasTextualProduction: g.TextualProduction,
			UsesProficiencyBands: g.ProficiencyBands,
			AveragingDivisor:     g.AveragingDivisor,
		}
		for _, s := range g.Subjects {
			code, err := grade.ParseSubject(s.Code)
			if err != nil {
				return nil, fmt.Errorf("grade %s: %w", g.Grade, err)
			}
			weight := s.Weight
			if weight == 0 {
				weight = 1
			}
			p.Subjects = append(p.Subjects, grade.SubjectSpec{Code: code, ItemCount: s.Items, ScoreWeight: weight})
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// Registry builds a grade registry from the configured grades.
func (c *Config) Registry() (*grade.Registry, error) {
	profiles, err := c.Profiles()
	if err != nil {
		return nil, err
	}
	return grade.NewRegistry(profiles)
}

func fromScoring(t scoring.Thresholds) Thresholds {
	return Thresholds{Basic: t.Basic, Adequate: t.Adequate, Advanced: t.Advanced}
}

func (t Thresholds) toScoring() scoring.Thresholds {
	return scoring.Thresholds{Basic: t.Basic, Adequate: t.Adequate, Advanced: t.Advanced}
}

// Calculator builds the score calculator from the band and production
// sections.
func (c *Config) Calculator() (*scoring.Calculator, error) {
	var overrides []scoring.BandOverride
	for _, o := range c.Bands.Overrides {
		code, err := grade.ParseSubject(o.Subject)
		if err != nil {
			return nil, fmt.Errorf("band override: %w", err)
		}
		overrides = append(overrides, scoring.BandOverride{Grade: o.Grade, Subject: code, Thresholds: o.Thresholds.toScoring()})
	}
	table, err := scoring.NewBandTable(c.Bands.Default.toScoring(), overrides)
	if err != nil {
		return nil, err
	}
	calc := scoring.NewCalculator(table)

	if len(c.Production.Labels) > 0 {
		extra := make(map[string]scoring.Band, len(c.Production.Labels))
		for label, name := range c.Production.Labels {
			b, err := scoring.ParseBand(name)
			if err != nil {
				return nil, fmt.Errorf("production label %q: %w", label, err)
			}
			extra[label] = b
		}
		calc.Labels = calc.Labels.With(extra)
	}
	for name, score := range c.Production.BandScores {
		b, err := scoring.ParseBand(name)
		if err != nil {
			return nil, fmt.Errorf("production band score: %w", err)
		}
		if score < 0 || score > 10 {
			return nil, fmt.Errorf("production band score for %s: %.2f outside [0, 10]", b, score)
		}
		calc.ProductionScores[b] = score
	}
	return calc, nil
}

// CorrectableTypes returns the finding types configured for automatic
// correction.
func (c *Config) CorrectableTypes() (map[divergence.Type]bool, error) {
	known := map[divergence.Type]bool{
		divergence.DuplicateStudents:     true,
		divergence.OrphanRawAnswers:      true,
		divergence.OrphanConsolidated:    true,
		divergence.PresentWithoutScores:  true,
		divergence.AbsentWithScores:      true,
		divergence.MissingConsolidation:  true,
		divergence.InvalidReferenceCodes: true,
		divergence.ExcludedAnswers:       true,
	}
	types := make(map[divergence.Type]bool, len(c.Correction.Correctable))
	for _, name := range c.Correction.Correctable {
		t := divergence.Type(name)
		if !known[t] {
			return nil, fmt.Errorf("correction.correctable: unknown finding type %q", name)
		}
		types[t] = true
	}
	return types, nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DBPath returns the database file inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "schoolcheck.db")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
