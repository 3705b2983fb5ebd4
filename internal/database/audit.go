package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/schoolcheck/internal/divergence"
)

// AuditRetention is how long audit entries are kept.
const AuditRetention = 30 * 24 * time.Hour

// InsertAuditEntry appends an audit entry. Entries are never updated.
func (q queries) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	automatic := 0
	if e.Automatic {
		automatic = 1
	}
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO audit_entries
		(id, type, severity, title, description, entity_kind, entity_id, before_state, after_state,
		action, automatic, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), string(e.Severity), e.Title, e.Description, e.EntityKind, e.EntityID,
		nullJSON(e.Before), nullJSON(e.After), e.Action, automatic, e.Actor, formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry %s: %w", e.ID, err)
	}
	return nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (aq AuditQuery) where() (string, []any) {
	var clauses []string
	var args []any
	if aq.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(aq.Type))
	}
	if aq.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, string(aq.Severity))
	}
	if !aq.From.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(aq.From))
	}
	if !aq.To.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, formatTime(aq.To))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// QueryAudit returns one page of audit entries, newest first, together with
// the number of entries matching the filters.
func (q queries) QueryAudit(ctx context.Context, aq AuditQuery) (*AuditPage, error) {
	where, args := aq.where()

	page := &AuditPage{}
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`+where, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	limit := aq.Limit
	if limit <= 0 {
		limit = DefaultAuditPageSize
	}
	offset := max(aq.Offset, 0)

	rows, err := q.q.QueryContext(ctx,
		`SELECT id, type, severity, title, description, entity_kind, entity_id, before_state, after_state,
		action, automatic, actor, created_at FROM audit_entries`+where+
			` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e AuditEntry
		var typ, severity, createdAt string
		var before, after sql.NullString
		var automatic int
		if err := rows.Scan(&e.ID, &typ, &severity, &e.Title, &e.Description, &e.EntityKind, &e.EntityID,
			&before, &after, &e.Action, &automatic, &e.Actor, &createdAt); err != nil {
			return nil, err
		}
		e.Type = divergence.Type(typ)
		if e.Severity, err = divergence.ParseSeverity(severity); err != nil {
			return nil, &ParseError{Table: "audit_entries", Column: "severity", Value: severity, Err: err}
		}
		if e.CreatedAt, err = parseTime("audit_entries", "created_at", createdAt); err != nil {
			return nil, err
		}
		if before.Valid {
			e.Before = []byte(before.String)
		}
		if after.Valid {
			e.After = []byte(after.String)
		}
		e.Automatic = automatic != 0
		page.Entries = append(page.Entries, e)
	}
	return page, rows.Err()
}

// DeleteAuditBefore removes audit entries created strictly before cutoff and
// returns how many were removed. It is the only delete against the audit
// trail.
func (q queries) DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx,
		`DELETE FROM audit_entries WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting audit entries: %w", err)
	}
	return res.RowsAffected()
}

// CleanupAudit applies the retention window relative to now.
func (q queries) CleanupAudit(ctx context.Context, now time.Time) (int64, error) {
	return q.DeleteAuditBefore(ctx, now.Add(-AuditRetention))
}
