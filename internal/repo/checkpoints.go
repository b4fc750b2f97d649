package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"docmigrate/internal/domain"
)

// SaveCheckpoint replaces the job checkpoint in a single statement.
func (r Repo) SaveCheckpoint(ctx context.Context, cp domain.MigrationCheckpoint) error {
	payload, err := marshalJSON(cp)
	if err != nil {
		return err
	}
	_, err = r.Conn().ExecContext(ctx, `INSERT INTO checkpoints(job_id,payload_json,updated_at) VALUES (?,?,?)
ON CONFLICT(job_id) DO UPDATE SET payload_json=excluded.payload_json, updated_at=excluded.updated_at`,
		cp.JobID, payload, formatTime(cp.UpdatedAt))
	return err
}

func (r Repo) GetCheckpoint(ctx context.Context, jobID string) (domain.MigrationCheckpoint, error) {
	var payload string
	err := r.Conn().QueryRowContext(ctx, `SELECT payload_json FROM checkpoints WHERE job_id=?`, jobID).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.MigrationCheckpoint{}, ErrNotFound
	}
	if err != nil {
		return domain.MigrationCheckpoint{}, err
	}
	var cp domain.MigrationCheckpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return cp, err
	}
	return cp, nil
}
