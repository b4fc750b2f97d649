package repo

import (
	"context"
	"database/sql"

	"docmigrate/internal/domain"
)

func (r Repo) UpsertCredentials(ctx context.Context, c domain.MigrationCredentials) error {
	var scopes any
	if len(c.Scopes) > 0 {
		s, err := marshalJSON(c.Scopes)
		if err != nil {
			return err
		}
		scopes = s
	}
	_, err := r.Conn().ExecContext(ctx, `INSERT INTO credentials(job_id,source_system,scheme,ciphertext,is_valid,scopes_json,expires_at,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(job_id) DO UPDATE SET source_system=excluded.source_system,scheme=excluded.scheme,ciphertext=excluded.ciphertext,is_valid=excluded.is_valid,scopes_json=excluded.scopes_json,expires_at=excluded.expires_at,updated_at=excluded.updated_at`,
		c.JobID, c.SourceSystem, c.Scheme, c.Ciphertext, boolInt(c.IsValid), scopes, nullableTime(c.ExpiresAt), formatTime(c.UpdatedAt))
	return err
}

func (r Repo) GetCredentials(ctx context.Context, jobID string) (domain.MigrationCredentials, error) {
	var (
		c               domain.MigrationCredentials
		valid           int
		scopes, expires sql.NullString
		updated         string
	)
	err := r.Conn().QueryRowContext(ctx, `SELECT job_id,source_system,scheme,ciphertext,is_valid,scopes_json,expires_at,updated_at FROM credentials WHERE job_id=?`, jobID).
		Scan(&c.JobID, &c.SourceSystem, &c.Scheme, &c.Ciphertext, &valid, &scopes, &expires, &updated)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.IsValid = valid == 1
	if err := unmarshalJSON(scopes, &c.Scopes); err != nil {
		return c, err
	}
	if c.ExpiresAt, err = parseNullTime(expires); err != nil {
		return c, err
	}
	c.UpdatedAt, err = parseTime(updated)
	return c, err
}

// InvalidateCredentials flags credentials after the provider revoked them.
func (r Repo) InvalidateCredentials(ctx context.Context, jobID string) error {
	_, err := r.Conn().ExecContext(ctx, `UPDATE credentials SET is_valid=0 WHERE job_id=?`, jobID)
	return err
}

// CopyCredentials duplicates the credential row of one job onto another.
func (r Repo) CopyCredentials(ctx context.Context, fromJobID, toJobID string) error {
	_, err := r.Conn().ExecContext(ctx, `INSERT INTO credentials(job_id,source_system,scheme,ciphertext,is_valid,scopes_json,expires_at,updated_at)
SELECT ?,source_system,scheme,ciphertext,is_valid,scopes_json,expires_at,updated_at FROM credentials WHERE job_id=?`, toJobID, fromJobID)
	return err
}
