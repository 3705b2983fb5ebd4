package correct

import (
	"context"
	"fmt"

	"github.com/TobiSchelling/schoolcheck/internal/consolidate"
	"github.com/TobiSchelling/schoolcheck/internal/database"
	"github.com/TobiSchelling/schoolcheck/internal/detect"
	"github.com/TobiSchelling/schoolcheck/internal/divergence"
	"github.com/TobiSchelling/schoolcheck/internal/scoring"
)

// studentState is the audit snapshot of a student and its consolidated
// records.
type studentState struct {
	Student      *database.Student              `json:"student"`
	Consolidated []*database.ConsolidatedRecord `json:"consolidated,omitempty"`
}

type removal struct {
	Deleted string                    `json:"deleted"`
	Kept    string                    `json:"kept"`
	Removed *database.StudentDeletion `json:"removed_rows"`
}

// removeDuplicateStudent deletes a duplicate entry unless it is the one its
// group keeps. Dependent rows of the deleted entry go with it.
func removeDuplicateStudent(ctx context.Context, tx *database.Tx, d divergence.Detail) (*Change, error) {
	const action = "delete_duplicate_student"
	s, err := tx.GetStudent(ctx, d.EntityID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return &Change{Action: action, Note: "student already removed"}, nil
	}

	peers, err := tx.StudentsAtSchool(ctx, s.SchoolID, s.Year)
	if err != nil {
		return nil, err
	}
	key := detect.DuplicateKey(*s)
	var group []database.Student
	for _, p := range peers {
		if detect.DuplicateKey(p) == key {
			group = append(group, p)
		}
	}
	if len(group) < 2 {
		return &Change{Action: action, Note: "no longer duplicated"}, nil
	}
	keep := detect.Keeper(group)
	if keep.ID == s.ID {
		return &Change{Action: action, Note: "kept as the most recent entry"}, nil
	}

	before := studentState{Student: s}
	if rec, err := tx.GetConsolidated(ctx, s.ID, s.Year); err != nil {
		return nil, err
	} else if rec != nil {
		before.Consolidated = append(before.Consolidated, rec)
	}

	del, err := tx.DeleteStudent(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("deleting student %s: %w", s.ID, err)
	}
	return &Change{
		Action:  action,
		Applied: true,
		Note:    fmt.Sprintf("kept %s", keep.ID),
		Before:  before,
		After:   removal{Deleted: s.ID, Kept: keep.ID, Removed: del},
	}, nil
}

// deleteOrphanConsolidated removes a consolidated record whose student is
// gone.
func deleteOrphanConsolidated(ctx context.Context, tx *database.Tx, d divergence.Detail) (*Change, error) {
	const action = "delete_orphan_consolidated"
	s, err := tx.GetStudent(ctx, d.EntityID)
	if err != nil {
		return nil, err
	}
	if s != nil {
		return &Change{Action: action, Note: "student exists"}, nil
	}
	rec, err := tx.GetConsolidated(ctx, d.EntityID, d.Year)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &Change{Action: action, Note: "record already removed"}, nil
	}
	if _, err := tx.DeleteConsolidated(ctx, d.EntityID, d.Year); err != nil {
		return nil, err
	}
	return &Change{Action: action, Applied: true, Before: rec}, nil
}

// reconsolidatePresent recomputes a record marked Present without scores,
// which re-flags its attendance.
func reconsolidatePresent(agg *consolidate.Aggregator) Action {
	return func(ctx context.Context, tx *database.Tx, d divergence.Detail) (*Change, error) {
		const action = "reconsolidate"
		before, err := tx.GetConsolidated(ctx, d.EntityID, d.Year)
		if err != nil {
			return nil, err
		}
		if before == nil || before.Attendance != scoring.Present || before.HasAnyScore() {
			return &Change{Action: action, Note: "already resolved"}, nil
		}
		res, err := agg.ConsolidateTx(ctx, tx, d.EntityID, d.Year)
		if err != nil {
			return nil, err
		}
		return &Change{
			Action:  action,
			Applied: true,
			Note:    fmt.Sprintf("attendance %s -> %s", before.Attendance, res.Record.Attendance),
			Before:  before,
			After:   res.Record,
		}, nil
	}
}

// consolidateMissing creates the record for a key that has data but none.
func consolidateMissing(agg *consolidate.Aggregator) Action {
	return func(ctx context.Context, tx *database.Tx, d divergence.Detail) (*Change, error) {
		const action = "consolidate"
		existing, err := tx.GetConsolidated(ctx, d.EntityID, d.Year)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &Change{Action: action, Note: "record already exists"}, nil
		}
		res, err := agg.ConsolidateTx(ctx, tx, d.EntityID, d.Year)
		if err != nil {
			return nil, err
		}
		return &Change{Action: action, Applied: true, After: res.Record}, nil
	}
}
