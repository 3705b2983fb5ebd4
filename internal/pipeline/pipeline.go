package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/schoolcheck/internal/config"
	"github.com/TobiSchelling/schoolcheck/internal/consolidate"
	"github.com/TobiSchelling/schoolcheck/internal/correct"
	"github.com/TobiSchelling/schoolcheck/internal/database"
	"github.com/TobiSchelling/schoolcheck/internal/detect"
	"github.com/TobiSchelling/schoolcheck/internal/divergence"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a full pipeline run.
type Result struct {
	RunID    string
	Steps    []StepResult
	Report   *divergence.Report
	Outcomes []correct.Outcome
}

// Failed reports whether any step returned an error.
func (r *Result) Failed() bool {
	for _, s := range r.Steps {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// Options controls a Run.
type Options struct {
	// Year restricts consolidation to one year; 0 consolidates all years.
	Year int
	// Correct enables the correction loop after detection.
	Correct bool
}

// Engine wires the aggregator, detector and corrector over one database.
// Detection passes hold the read lock; consolidation and correction hold
// the write lock so they never interleave with a read pass.
type Engine struct {
	cfg *config.Config
	db  *database.DB
	mu  sync.RWMutex

	Aggregator *consolidate.Aggregator
	Detector   *detect.Detector
	Corrector  *correct.Corrector
	Now        func() time.Time
}

// New builds an engine from the configuration.
func New(cfg *config.Config, db *database.DB) (*Engine, error) {
	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("building grade registry: %w", err)
	}
	calc, err := cfg.Calculator()
	if err != nil {
		return nil, fmt.Errorf("building score calculator: %w", err)
	}
	correctable, err := cfg.CorrectableTypes()
	if err != nil {
		return nil, err
	}

	agg := consolidate.New(db, registry, calc)
	cor := correct.New(db, agg)
	if cfg.Correction.Actor != "" {
		cor.Actor = cfg.Correction.Actor
	}

	det := detect.New(db, registry)
	if cfg.Detection.Timeout > 0 {
		det.Timeout = cfg.Detection.Timeout
	}
	if cfg.Detection.Workers > 0 {
		det.Workers = cfg.Detection.Workers
	}
	for t := range correctable {
		if !cor.Supports(t) {
			log.Printf("Warning: no corrective action for %s, findings stay manual", t)
			continue
		}
		det.Correctable[t] = true
	}

	return &Engine{
		cfg:        cfg,
		db:         db,
		Aggregator: agg,
		Detector:   det,
		Corrector:  cor,
		Now:        time.Now,
	}, nil
}

// SetNow replaces the clock of every component.
func (e *Engine) SetNow(now func() time.Time) {
	e.Now = now
	e.Aggregator.Now = now
	e.Detector.Now = now
	e.Corrector.Now = now
}

// ConsolidateAll consolidates every key with source data.
func (e *Engine) ConsolidateAll(ctx context.Context, year int) (*consolidate.BatchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Aggregator.ConsolidateAll(ctx, year)
}

// Consolidate consolidates one (student, year) key.
func (e *Engine) Consolidate(ctx context.Context, studentID string, year int) (*consolidate.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Aggregator.Consolidate(ctx, studentID, year)
}

// Report runs a detection pass and narrows it with flt.
func (e *Engine) Report(ctx context.Context, flt divergence.Filter) *divergence.Report {
	return flt.Apply(e.detect(ctx))
}

// CountCritical returns the number of entities affected by Critical
// findings.
func (e *Engine) CountCritical(ctx context.Context) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Detector.CountCritical(ctx)
}

// Correct detects and then corrects in one pass. The returned report is the
// one the corrections were applied to.
func (e *Engine) Correct(ctx context.Context) (*divergence.Report, []correct.Outcome) {
	report := e.detect(ctx)
	return report, e.correct(ctx, report)
}

// AuditLog pages through the audit trail.
func (e *Engine) AuditLog(ctx context.Context, q database.AuditQuery) (*database.AuditPage, error) {
	return e.db.QueryAudit(ctx, q)
}

// CleanupAudit deletes audit entries past the retention window.
func (e *Engine) CleanupAudit(ctx context.Context) (int64, error) {
	return e.db.CleanupAudit(ctx, e.Now().UTC())
}

func (e *Engine) detect(ctx context.Context) *divergence.Report {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Detector.Detect(ctx)
}

func (e *Engine) correct(ctx context.Context, report *divergence.Report) []correct.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Corrector.Correct(ctx, report)
}

// Run consolidates, detects and, when enabled, corrects and re-detects
// until a pass applies nothing or correction.max_passes is reached.
func (e *Engine) Run(ctx context.Context, opts Options) *Result {
	r := &Result{RunID: uuid.NewString()}
	log.Printf("Run %s started", r.RunID)

	step := e.runConsolidate(ctx, opts.Year)
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}

	log.Println("Detecting divergences...")
	r.Report = e.detect(ctx)
	r.Steps = append(r.Steps, StepResult{Name: "Detect", Summary: reportSummary(r.Report)})
	if !opts.Correct {
		return r
	}

	passes := e.cfg.Correction.MaxPasses
	if passes <= 0 {
		passes = 1
	}
	for pass := 1; pass <= passes; pass++ {
		if err := ctx.Err(); err != nil {
			r.Steps = append(r.Steps, StepResult{Name: fmt.Sprintf("Correct (pass %d)", pass), Err: err})
			return r
		}
		log.Printf("Correction pass %d/%d...", pass, passes)
		outcomes := e.correct(ctx, r.Report)
		r.Outcomes = append(r.Outcomes, outcomes...)
		r.Steps = append(r.Steps, StepResult{
			Name:    fmt.Sprintf("Correct (pass %d)", pass),
			Summary: correct.Summary(outcomes),
		})
		if correct.Tally(outcomes)[correct.Applied] == 0 {
			break
		}

		r.Report = e.detect(ctx)
		r.Steps = append(r.Steps, StepResult{
			Name:    fmt.Sprintf("Re-detect (pass %d)", pass),
			Summary: reportSummary(r.Report),
		})
	}
	return r
}

func (e *Engine) runConsolidate(ctx context.Context, year int) StepResult {
	log.Println("Consolidating results...")
	batch, err := e.ConsolidateAll(ctx, year)
	if err != nil {
		return StepResult{Name: "Consolidate", Err: err}
	}
	return StepResult{Name: "Consolidate", Summary: batch.Summary()}
}

func reportSummary(r *divergence.Report) string {
	s := fmt.Sprintf("%d findings, %d affected (%d critical)",
		len(r.Findings), r.Summary.Total, r.Critical())
	if !r.Complete {
		s += ", incomplete"
	}
	return s
}
