// Package correct applies registered corrective actions to correctable
// findings and records each applied action in the audit trail.
package correct

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/schoolcheck/internal/consolidate"
	"github.com/TobiSchelling/schoolcheck/internal/database"
	"github.com/TobiSchelling/schoolcheck/internal/divergence"
)

// Status is the outcome of one corrective action.
type Status string

const (
	Applied     Status = "applied"
	Skipped     Status = "skipped"
	Failed      Status = "failed"
	Unsupported Status = "unsupported"
)

// Outcome reports what happened to one detail, or to a whole finding that
// was passed through for manual handling.
type Outcome struct {
	Type    divergence.Type   `json:"type"`
	Detail  divergence.Detail `json:"detail"`
	Status  Status            `json:"status"`
	Action  string            `json:"action,omitempty"`
	AuditID string            `json:"audit_id,omitempty"`
	Message string            `json:"message,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Change is what an action did. Before and After are marshaled to JSON
// for the audit entry. An action that finds nothing to do returns a Change
// with Applied false and a Note.
type Change struct {
	Action  string
	Applied bool
	Note    string
	Before  any
	After   any
}

// Action corrects one detail inside tx.
type Action func(ctx context.Context, tx *database.Tx, d divergence.Detail) (*Change, error)

// Corrector maps finding types to actions.
type Corrector struct {
	db      *database.DB
	actions map[divergence.Type]Action

	Actor     string
	Automatic bool
	Now       func() time.Time
}

// New creates a corrector with the built-in actions registered.
func New(db *database.DB, agg *consolidate.Aggregator) *Corrector {
	c := &Corrector{
		db:        db,
		actions:   map[divergence.Type]Action{},
		Actor:     "system",
		Automatic: true,
		Now:       time.Now,
	}
	c.Register(divergence.DuplicateStudents, removeDuplicateStudent)
	c.Register(divergence.OrphanConsolidated, deleteOrphanConsolidated)
	c.Register(divergence.PresentWithoutScores, reconsolidatePresent(agg))
	c.Register(divergence.MissingConsolidation, consolidateMissing(agg))
	return c
}

// Register installs or replaces the action for a finding type.
func (c *Corrector) Register(t divergence.Type, a Action) {
	c.actions[t] = a
}

// Supports reports whether an action is registered for t.
func (c *Corrector) Supports(t divergence.Type) bool {
	_, ok := c.actions[t]
	return ok
}

// Correct applies actions to every correctable finding of the report. Each
// detail runs in its own transaction; a failure rolls back only that
// detail. Findings that are not correctable yield one Unsupported outcome.
func (c *Corrector) Correct(ctx context.Context, report *divergence.Report) []Outcome {
	var outcomes []Outcome
	for _, f := range report.Findings {
		action, ok := c.actions[f.Type]
		if !f.Correctable || !ok {
			outcomes = append(outcomes, Outcome{
				Type:    f.Type,
				Status:  Unsupported,
				Message: fmt.Sprintf("%d item(s) left for manual review", f.Count),
			})
			continue
		}
		for _, d := range f.Details {
			if err := ctx.Err(); err != nil {
				outcomes = append(outcomes, Outcome{Type: f.Type, Detail: d, Status: Failed, Error: err.Error()})
				continue
			}
			outcomes = append(outcomes, c.apply(ctx, f, d, action))
		}
	}
	return outcomes
}

func (c *Corrector) apply(ctx context.Context, f divergence.Finding, d divergence.Detail, action Action) Outcome {
	out := Outcome{Type: f.Type, Detail: d}
	var change *Change
	auditID := uuid.NewString()

	err := c.db.WithTx(ctx, func(tx *database.Tx) error {
		var err error
		change, err = action(ctx, tx, d)
		if err != nil {
			return err
		}
		if !change.Applied {
			return nil
		}
		before, err := snapshot(change.Before)
		if err != nil {
			return fmt.Errorf("encoding before state: %w", err)
		}
		after, err := snapshot(change.After)
		if err != nil {
			return fmt.Errorf("encoding after state: %w", err)
		}
		return tx.InsertAuditEntry(ctx, database.AuditEntry{
			ID:          auditID,
			Type:        f.Type,
			Severity:    f.Severity,
			Title:       f.Title,
			Description: d.Problem,
			EntityKind:  d.EntityKind,
			EntityID:    entityRef(d),
			Before:      before,
			After:       after,
			Action:      change.Action,
			Automatic:   c.Automatic,
			Actor:       c.Actor,
			CreatedAt:   c.Now().UTC(),
		})
	})

	switch {
	case err != nil:
		log.Printf("Correction of %s %s failed: %v", f.Type, entityRef(d), err)
		out.Status = Failed
		out.Error = err.Error()
	case !change.Applied:
		out.Status = Skipped
		out.Action = change.Action
		out.Message = change.Note
	default:
		out.Status = Applied
		out.Action = change.Action
		out.AuditID = auditID
		out.Message = change.Note
	}
	return out
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func entityRef(d divergence.Detail) string {
	if d.Year == 0 {
		return d.EntityID
	}
	return fmt.Sprintf("%s/%d", d.EntityID, d.Year)
}

// Tally counts outcomes by status.
func Tally(outcomes []Outcome) map[Status]int {
	counts := make(map[Status]int, 4)
	for _, o := range outcomes {
		counts[o.Status]++
	}
	return counts
}

// Summary renders outcome counts on one line.
func Summary(outcomes []Outcome) string {
	t := Tally(outcomes)
	return fmt.Sprintf("%d applied, %d skipped, %d failed, %d unsupported",
		t[Applied], t[Skipped], t[Failed], t[Unsupported])
}
