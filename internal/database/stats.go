package database

import (
	"context"
	"fmt"
)

// Stats returns row counts for the main tables.
func (q queries) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	counts := []struct {
		table string
		dest  *int
	}{
		{"schools", &s.Schools},
		{"classes", &s.Classes},
		{"students", &s.Students},
		{"raw_answers", &s.RawAnswers},
		{"legacy_results", &s.LegacyResults},
		{"consolidated", &s.Consolidated},
		{"audit_entries", &s.AuditEntries},
	}
	for _, c := range counts {
		if err := q.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", c.table, err)
		}
	}
	return s, nil
}
