package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"docmigrate/internal/domain"
)

const auditColumns = `id,job_id,COALESCE(item_id,''),event_type,COALESCE(stage,''),details_json,COALESCE(error_message,''),COALESCE(source_id,''),created_at`

func scanAudit(rows *sql.Rows) (domain.AuditEvent, error) {
	var (
		e       domain.AuditEvent
		details sql.NullString
		created string
	)
	if err := rows.Scan(&e.ID, &e.JobID, &e.ItemID, &e.EventType, &e.Stage, &details, &e.ErrorMessage, &e.SourceID, &created); err != nil {
		return e, err
	}
	if err := unmarshalJSON(details, &e.Details); err != nil {
		return e, fmt.Errorf("decode audit details: %w", err)
	}
	var err error
	e.CreatedAt, err = parseTime(created)
	return e, err
}

func (r Repo) queryAudit(ctx context.Context, query string, args ...any) ([]domain.AuditEvent, error) {
	rows, err := r.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

type AuditFilters struct {
	JobID     string
	EventType domain.EventType
	Limit     int
	// Before pages backwards from an event id.
	Before int64
}

// ListAudit returns the newest events first.
func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.JobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, f.JobID)
	}
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	args = append(args, f.Limit)
	return r.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_events WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id DESC LIMIT ?`, args...)
}

// AuditAfter returns events with ids greater than the cursor in ascending order.
func (r Repo) AuditAfter(ctx context.Context, cursor int64, jobID string, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if jobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, jobID)
	}
	args = append(args, limit)
	return r.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_events WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id ASC LIMIT ?`, args...)
}

// LatestAuditID returns the highest event id, optionally for one job.
func (r Repo) LatestAuditID(ctx context.Context, jobID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM audit_events`
	var args []any
	if jobID != "" {
		query += ` WHERE job_id=?`
		args = append(args, jobID)
	}
	var id int64
	err := r.Conn().QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}
