package repo

import (
	"context"
	"database/sql"

	"docmigrate/internal/domain"
)

func (r Repo) InsertMetrics(ctx context.Context, m domain.MigrationMetrics) error {
	counts, err := marshalJSON(m.StageCounts)
	if err != nil {
		return err
	}
	_, err = r.Conn().ExecContext(ctx, `INSERT INTO metrics(job_id,recorded_at,files_per_minute,bytes_per_second,api_throttle_count,error_count,queue_backlog,stage_counts_json) VALUES (?,?,?,?,?,?,?,?)`,
		m.JobID, formatTime(m.RecordedAt), nullableFloat(m.FilesPerMinute), nullableFloat(m.BytesPerSecond),
		m.APIThrottleCount, m.ErrorCount, m.QueueBacklog, counts)
	return err
}

// ListMetrics returns the newest samples first.
func (r Repo) ListMetrics(ctx context.Context, jobID string, limit int) ([]domain.MigrationMetrics, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.Conn().QueryContext(ctx, `SELECT job_id,recorded_at,files_per_minute,bytes_per_second,api_throttle_count,error_count,queue_backlog,stage_counts_json FROM metrics WHERE job_id=? ORDER BY id DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MigrationMetrics
	for rows.Next() {
		var (
			m        domain.MigrationMetrics
			recorded string
			fpm, bps sql.NullFloat64
			counts   sql.NullString
		)
		if err := rows.Scan(&m.JobID, &recorded, &fpm, &bps, &m.APIThrottleCount, &m.ErrorCount, &m.QueueBacklog, &counts); err != nil {
			return nil, err
		}
		if fpm.Valid {
			v := fpm.Float64
			m.FilesPerMinute = &v
		}
		if bps.Valid {
			v := bps.Float64
			m.BytesPerSecond = &v
		}
		if err := unmarshalJSON(counts, &m.StageCounts); err != nil {
			return nil, err
		}
		if m.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
