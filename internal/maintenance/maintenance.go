// Package maintenance runs the periodic housekeeping job: audit retention
// cleanup followed by a full consolidate, detect and correct run.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/TobiSchelling/schoolcheck/internal/pipeline"
)

// Runner is the part of the engine the job drives. *pipeline.Engine
// satisfies it.
type Runner interface {
	CleanupAudit(ctx context.Context) (int64, error)
	Run(ctx context.Context, opts pipeline.Options) *pipeline.Result
}

// Result reports one maintenance run.
type Result struct {
	StartedAt  time.Time
	Removed    int64
	CleanupErr error
	Run        *pipeline.Result
}

// Summary renders the result on one line.
func (r *Result) Summary() string {
	var parts []string
	if r.CleanupErr != nil {
		parts = append(parts, fmt.Sprintf("audit cleanup failed: %v", r.CleanupErr))
	} else {
		parts = append(parts, fmt.Sprintf("%d expired audit entries removed", r.Removed))
	}
	if r.Run != nil {
		for _, s := range r.Run.Steps {
			if s.Err != nil {
				parts = append(parts, fmt.Sprintf("%s failed: %v", s.Name, s.Err))
				continue
			}
			parts = append(parts, fmt.Sprintf("%s: %s", s.Name, s.Summary))
		}
	}
	return strings.Join(parts, "; ")
}

// RunOnce performs one maintenance run. Cleanup failures do not stop the
// correction run.
func RunOnce(ctx context.Context, r Runner, correct bool) *Result {
	res := &Result{StartedAt: time.Now()}
	res.Removed, res.CleanupErr = r.CleanupAudit(ctx)
	if res.CleanupErr != nil {
		log.Printf("Audit cleanup error: %v", res.CleanupErr)
	}
	res.Run = r.Run(ctx, pipeline.Options{Correct: correct})
	return res
}

// ParseSchedule parses a standard 5-field cron expression
// (minute hour day-of-month month day-of-week).
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Scheduler repeats RunOnce on a cron schedule.
type Scheduler struct {
	runner   Runner
	schedule cron.Schedule
	expr     string

	Correct bool
	// OnRun, when set, receives every completed run.
	OnRun func(*Result)
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

// NewScheduler parses expr and returns a scheduler for r.
func NewScheduler(r Runner, expr string) (*Scheduler, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		runner:   r,
		schedule: sched,
		expr:     strings.TrimSpace(expr),
		Correct:  true,
		Now:      time.Now,
		After:    time.After,
	}, nil
}

// Next returns the first activation after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Run blocks, running maintenance at every activation until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("Maintenance scheduled (cron: %s)", s.expr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := s.Now()
		next := s.schedule.Next(now)
		wait := next.Sub(now)
		log.Printf("Next maintenance at %s (in %s)", next.Format("Mon Jan 2 15:04"), wait.Round(time.Minute))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.After(wait):
		}

		res := RunOnce(ctx, s.runner, s.Correct)
		log.Printf("Maintenance complete: %s", res.Summary())
		if s.OnRun != nil {
			s.OnRun(res)
		}
	}
}
