package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"docmigrate/internal/domain"
)

// ErrJobTerminal is returned for writes against a completed, failed or
// cancelled job.
var ErrJobTerminal = errors.New("job is in a terminal state")

const jobColumns = `id,owner_user_id,source_system,COALESCE(name,''),status,config_json,total_items,processed_items,failed_items,skipped_items,total_bytes,processed_bytes,last_checkpoint,error_summary_json,COALESCE(error_code,''),COALESCE(error_message,''),COALESCE(retry_of,''),discovery_complete,created_at,updated_at,started_at,finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.MigrationJob, error) {
	var (
		j                         domain.MigrationJob
		cfg, summary              sql.NullString
		lastCP, started, finished sql.NullString
		created, updated          string
		discovery                 int
	)
	err := row.Scan(&j.ID, &j.OwnerUserID, &j.SourceSystem, &j.Name, &j.Status, &cfg,
		&j.TotalItems, &j.ProcessedItems, &j.FailedItems, &j.SkippedItems, &j.TotalBytes, &j.ProcessedBytes,
		&lastCP, &summary, &j.ErrorCode, &j.ErrorMessage, &j.RetryOf, &discovery,
		&created, &updated, &started, &finished)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.DiscoveryComplete = discovery == 1
	if err := unmarshalJSON(cfg, &j.Config); err != nil {
		return j, fmt.Errorf("decode job config: %w", err)
	}
	if err := unmarshalJSON(summary, &j.ErrorSummary); err != nil {
		return j, fmt.Errorf("decode error summary: %w", err)
	}
	if j.CreatedAt, err = parseTime(created); err != nil {
		return j, err
	}
	if j.UpdatedAt, err = parseTime(updated); err != nil {
		return j, err
	}
	if j.LastCheckpoint, err = parseNullTime(lastCP); err != nil {
		return j, err
	}
	if j.StartedAt, err = parseNullTime(started); err != nil {
		return j, err
	}
	if j.FinishedAt, err = parseNullTime(finished); err != nil {
		return j, err
	}
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, j domain.MigrationJob) error {
	cfg, err := marshalJSON(j.Config)
	if err != nil {
		return err
	}
	summary, err := marshalJSON(j.ErrorSummary)
	if err != nil {
		return err
	}
	_, err = r.Conn().ExecContext(ctx, `INSERT INTO jobs(id,owner_user_id,source_system,name,status,config_json,error_summary_json,retry_of,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.OwnerUserID, j.SourceSystem, nullable(j.Name), j.Status, cfg, summary, nullable(j.RetryOf), formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.MigrationJob, error) {
	return scanJob(r.Conn().QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

// UpdateJob persists status, counters and bookkeeping of j provided the row
// is still in expect. Terminal rows are never rewritten.
func (r Repo) UpdateJob(ctx context.Context, j domain.MigrationJob, expect domain.JobStatus) error {
	if expect.Terminal() {
		return ErrJobTerminal
	}
	summary, err := marshalJSON(j.ErrorSummary)
	if err != nil {
		return err
	}
	res, err := r.Conn().ExecContext(ctx, `UPDATE jobs SET status=?,total_items=?,processed_items=?,failed_items=?,skipped_items=?,total_bytes=?,processed_bytes=?,last_checkpoint=?,error_summary_json=?,error_code=?,error_message=?,discovery_complete=?,updated_at=?,started_at=?,finished_at=? WHERE id=? AND status=?`,
		j.Status, j.TotalItems, j.ProcessedItems, j.FailedItems, j.SkippedItems, j.TotalBytes, j.ProcessedBytes,
		nullableTime(j.LastCheckpoint), summary, nullable(string(j.ErrorCode)), nullable(j.ErrorMessage), boolInt(j.DiscoveryComplete),
		formatTime(j.UpdatedAt), nullableTime(j.StartedAt), nullableTime(j.FinishedAt), j.ID, expect)
	if err := affectedOne(res, err, ErrConflict); err != nil {
		if errors.Is(err, ErrConflict) {
			cur, gerr := r.GetJob(ctx, j.ID)
			if gerr != nil {
				return gerr
			}
			if cur.Status.Terminal() {
				return ErrJobTerminal
			}
			return fmt.Errorf("%w: job %s is %s, expected %s", ErrConflict, j.ID, cur.Status, expect)
		}
		return err
	}
	return nil
}

type JobFilters struct {
	OwnerUserID     string
	Status          domain.JobStatus
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListJobs returns jobs newest first with (created_at, id) cursor pagination.
func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.MigrationJob, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.OwnerUserID != "" {
		clauses = append(clauses, "owner_user_id=?")
		args = append(args, f.OwnerUserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MigrationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// JobCursor formats the pagination cursor for the last job of a page.
func JobCursor(j domain.MigrationJob) (string, string) {
	return formatTime(j.CreatedAt), j.ID
}

// ControlRequest values.
const (
	ControlPause  = "pause"
	ControlCancel = "cancel"
)

// RequestControl records a pause or cancel request for whichever process
// drives the job.
func (r Repo) RequestControl(ctx context.Context, jobID, request string) error {
	res, err := r.Conn().ExecContext(ctx, `UPDATE jobs SET control_request=? WHERE id=?`, nullable(request), jobID)
	return affectedOne(res, err, ErrNotFound)
}

func (r Repo) ControlRequest(ctx context.Context, jobID string) (string, error) {
	var req sql.NullString
	err := r.Conn().QueryRowContext(ctx, `SELECT control_request FROM jobs WHERE id=?`, jobID).Scan(&req)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return req.String, nil
}

func (r Repo) ClearControl(ctx context.Context, jobID string) error {
	_, err := r.Conn().ExecContext(ctx, `UPDATE jobs SET control_request=NULL WHERE id=?`, jobID)
	return err
}
