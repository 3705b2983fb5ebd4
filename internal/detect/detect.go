// Package detect runs independent integrity checks over the consolidated
// dataset and its source entities and assembles a divergence report.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/schoolcheck/internal/consolidate"
	"github.com/TobiSchelling/schoolcheck/internal/database"
	"github.com/TobiSchelling/schoolcheck/internal/divergence"
	"github.com/TobiSchelling/schoolcheck/internal/grade"
)

// Source is the read-only view of the store the checks scan. *database.DB
// satisfies it.
type Source interface {
	consolidate.Reader
	Schools(ctx context.Context) ([]database.School, error)
	Classes(ctx context.Context) ([]database.Class, error)
	Students(ctx context.Context) ([]database.Student, error)
	RawAnswers(ctx context.Context) ([]database.RawAnswer, error)
	LegacyResults(ctx context.Context) ([]database.LegacyResult, error)
	AttendanceMarks(ctx context.Context) ([]database.AttendanceMark, error)
	ConsolidatedRecords(ctx context.Context) ([]database.ConsolidatedRecord, error)
	DataKeys(ctx context.Context) ([]database.StudentYear, error)
}

// Env is what a check receives. Checks must only read from it.
type Env struct {
	Source   Source
	Registry *grade.Registry
}

// Check inspects the dataset for one inconsistency pattern.
type Check interface {
	Type() divergence.Type
	Severity() divergence.Severity
	Run(ctx context.Context, env Env) ([]divergence.Finding, error)
}

// Defaults for Detector settings.
const (
	DefaultTimeout = 30 * time.Second
	DefaultWorkers = 4
)

// Detector runs the registered checks concurrently.
type Detector struct {
	env    Env
	checks []Check

	// Correctable lists the finding types that may be corrected
	// automatically. Findings of other types are reported as manual.
	Correctable map[divergence.Type]bool
	Timeout     time.Duration
	Workers     int
	Now         func() time.Time
}

// New creates a detector with the built-in checks registered.
func New(src Source, registry *grade.Registry) *Detector {
	d := &Detector{
		env:         Env{Source: src, Registry: registry},
		Correctable: map[divergence.Type]bool{},
		Timeout:     DefaultTimeout,
		Workers:     DefaultWorkers,
		Now:         time.Now,
	}
	for _, c := range BuiltinChecks() {
		d.Register(c)
	}
	return d
}

// Register adds a check, replacing any check of the same type.
func (d *Detector) Register(c Check) {
	for i, existing := range d.checks {
		if existing.Type() == c.Type() {
			d.checks[i] = c
			return
		}
	}
	d.checks = append(d.checks, c)
}

// Checks returns the registered check types in registration order.
func (d *Detector) Checks() []divergence.Type {
	types := make([]divergence.Type, len(d.checks))
	for i, c := range d.checks {
		types[i] = c.Type()
	}
	return types
}

// Detect runs every check and returns the report. Failed checks become
// check_failed findings and checks cut off by the timeout or by ctx are
// listed in a detection_incomplete finding; the report is always returned.
func (d *Detector) Detect(ctx context.Context) *divergence.Report {
	findings, complete := d.run(ctx, d.checks)
	return divergence.NewReport(findings, complete, d.Now().UTC())
}

// CountCritical runs only the Critical checks and returns the number of
// affected entities. The error reports checks that failed or did not finish;
// the count then covers the checks that did.
func (d *Detector) CountCritical(ctx context.Context) (int, error) {
	var critical []Check
	for _, c := range d.checks {
		if c.Severity() == divergence.Critical {
			critical = append(critical, c)
		}
	}
	findings, _ := d.run(ctx, critical)

	count := 0
	var problems []string
	for _, f := range findings {
		switch f.Type {
		case divergence.CheckFailed, divergence.DetectionIncomplete:
			for _, det := range f.Details {
				problems = append(problems, det.EntityID+": "+det.Problem)
			}
		default:
			count += f.Count
		}
	}
	if len(problems) > 0 {
		return count, fmt.Errorf("critical count partial: %s", strings.Join(problems, "; "))
	}
	return count, nil
}

type checkResult struct {
	index    int
	findings []divergence.Finding
	err      error
}

func (d *Detector) run(ctx context.Context, checks []Check) ([]divergence.Finding, bool) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so checks finishing after the deadline never block.
	results := make(chan checkResult, len(checks))
	done := make(chan struct{})
	go func() {
		defer close(done)
		g := new(errgroup.Group)
		g.SetLimit(max(d.Workers, 1))
		for i, c := range checks {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				findings, err := runCheck(ctx, c, d.env)
				results <- checkResult{index: i, findings: findings, err: err}
				return nil
			})
		}
		g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	collected := make([]*checkResult, len(checks))
drain:
	for {
		select {
		case r := <-results:
			collected[r.index] = &r
		default:
			break drain
		}
	}

	var findings []divergence.Finding
	var failed, unfinished []divergence.Detail
	for i, c := range checks {
		r := collected[i]
		switch {
		case r == nil || interrupted(r.err):
			unfinished = append(unfinished, divergence.Detail{
				EntityKind:   divergence.EntityCheck,
				EntityID:     string(c.Type()),
				Problem:      "check did not finish before the deadline",
				SuggestedFix: "re-run detection with a longer timeout",
			})
		case r.err != nil:
			log.Printf("Check %s failed: %v", c.Type(), r.err)
			failed = append(failed, divergence.Detail{
				EntityKind:   divergence.EntityCheck,
				EntityID:     string(c.Type()),
				Problem:      r.err.Error(),
				SuggestedFix: "inspect the error and re-run detection",
			})
		default:
			for _, f := range r.findings {
				if f.Count == 0 && len(f.Details) == 0 {
					continue
				}
				f.Correctable = d.Correctable[f.Type]
				divergence.SortDetails(f.Details)
				findings = append(findings, f)
			}
		}
	}

	if len(failed) > 0 {
		sortByEntity(failed)
		findings = append(findings, divergence.Finding{
			Type:        divergence.CheckFailed,
			Severity:    divergence.Warning,
			Title:       "Integrity checks failed",
			Description: fmt.Sprintf("%d check(s) could not complete; their results are missing from this report.", len(failed)),
			Count:       len(failed),
			Details:     failed,
		})
	}
	if len(unfinished) > 0 {
		sortByEntity(unfinished)
		findings = append(findings, divergence.Finding{
			Type:        divergence.DetectionIncomplete,
			Severity:    divergence.Warning,
			Title:       "Detection incomplete",
			Description: fmt.Sprintf("%d check(s) did not finish within %s.", len(unfinished), timeout),
			Count:       len(unfinished),
			Details:     unfinished,
		})
	}
	return findings, len(unfinished) == 0 && len(failed) == 0
}

// interrupted reports whether a check stopped because its context ended
// rather than because it failed.
func interrupted(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func sortByEntity(details []divergence.Detail) {
	sort.Slice(details, func(i, j int) bool { return details[i].EntityID < details[j].EntityID })
}

// runCheck isolates a check so a panic is reported like an error.
func runCheck(ctx context.Context, c Check, env Env) (findings []divergence.Finding, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return c.Run(ctx, env)
}
