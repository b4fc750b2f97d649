package repo

import (
	"context"
	"database/sql"

	"docmigrate/internal/domain"
)

const mappingColumns = `source_system,source_item_id,target_location,target_id,target_version,COALESCE(checksum,''),COALESCE(etag,''),COALESCE(source_version,''),job_id,updated_at`

func scanMapping(row rowScanner) (domain.MigrationMapping, error) {
	var m domain.MigrationMapping
	var updated string
	err := row.Scan(&m.SourceSystem, &m.SourceItemID, &m.TargetLocation, &m.TargetID, &m.TargetVersion,
		&m.Checksum, &m.ETag, &m.SourceVersion, &m.JobID, &updated)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.UpdatedAt, err = parseTime(updated)
	return m, err
}

func (r Repo) GetMapping(ctx context.Context, system domain.SourceSystem, sourceItemID, targetLocation string) (domain.MigrationMapping, error) {
	return scanMapping(r.Conn().QueryRowContext(ctx, `SELECT `+mappingColumns+` FROM mappings WHERE source_system=? AND source_item_id=? AND target_location=?`,
		system, sourceItemID, targetLocation))
}

// UpsertMapping records the latest target for a source object.
func (r Repo) UpsertMapping(ctx context.Context, m domain.MigrationMapping) error {
	_, err := r.Conn().ExecContext(ctx, `INSERT INTO mappings(source_system,source_item_id,target_location,target_id,target_version,checksum,etag,source_version,job_id,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(source_system,source_item_id,target_location) DO UPDATE SET target_id=excluded.target_id,target_version=excluded.target_version,checksum=excluded.checksum,etag=excluded.etag,source_version=excluded.source_version,job_id=excluded.job_id,updated_at=excluded.updated_at`,
		m.SourceSystem, m.SourceItemID, m.TargetLocation, m.TargetID, m.TargetVersion, nullable(m.Checksum), nullable(m.ETag),
		nullable(m.SourceVersion), m.JobID, formatTime(m.UpdatedAt))
	return err
}

// ListJobMappings returns mappings last written by jobID.
func (r Repo) ListJobMappings(ctx context.Context, jobID string) ([]domain.MigrationMapping, error) {
	rows, err := r.Conn().QueryContext(ctx, `SELECT `+mappingColumns+` FROM mappings WHERE job_id=? ORDER BY source_item_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MigrationMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
