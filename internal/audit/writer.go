package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"docmigrate/internal/domain"
	"docmigrate/internal/repo"
)

// Writer appends audit events. The log is append-only; ids are assigned by
// the database and grow monotonically.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
	// OnAppend observes every stored event, e.g. for metrics.
	OnAppend func(domain.AuditEvent)
}

// Append stores ev through exec, or the writer's DB when exec is nil, and
// returns the assigned id.
func (w Writer) Append(ctx context.Context, exec repo.DBTX, ev domain.AuditEvent) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if exec == nil {
		exec = w.DB
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = w.Now()
	}
	var details any
	if len(ev.Details) > 0 {
		data, err := json.Marshal(ev.Details)
		if err != nil {
			return 0, fmt.Errorf("marshal audit details: %w", err)
		}
		details = string(data)
	}
	res, err := exec.ExecContext(ctx, `INSERT INTO audit_events(job_id,item_id,event_type,stage,details_json,error_message,source_id,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		ev.JobID, nullable(ev.ItemID), ev.EventType, nullable(string(ev.Stage)), details, nullable(ev.ErrorMessage), nullable(ev.SourceID),
		ev.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("append audit %s: %w", ev.EventType, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	ev.ID = id
	if w.OnAppend != nil {
		w.OnAppend(ev)
	}
	return id, nil
}

// Record appends ev outside of any transaction.
func (w Writer) Record(ctx context.Context, ev domain.AuditEvent) error {
	_, err := w.Append(ctx, nil, ev)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
