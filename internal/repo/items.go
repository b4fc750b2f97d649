package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"docmigrate/internal/domain"
)

const itemColumns = `id,job_id,source_id,source_path,name,type,size,COALESCE(checksum,''),COALESCE(checksum_algorithm,''),COALESCE(computed_checksum,''),COALESCE(mime_type,''),source_created_at,source_modified_at,COALESCE(etag,''),COALESCE(version,''),permissions_json,COALESCE(parent_source_id,''),COALESCE(parent_item_id,''),COALESCE(target_id,''),COALESCE(target_parent_id,''),target_version,status,stage,attempt_count,COALESCE(last_error,''),COALESCE(error_code,''),COALESCE(skip_reason,''),checksum_verified,created_at,updated_at`

func scanItem(row rowScanner) (domain.MigrationItem, error) {
	var (
		it                domain.MigrationItem
		srcCreated, srcMo sql.NullString
		perms             sql.NullString
		created, updated  string
		verified          int
	)
	err := row.Scan(&it.ID, &it.JobID, &it.SourceID, &it.SourcePath, &it.Name, &it.Type, &it.Size,
		&it.Checksum, &it.ChecksumAlgorithm, &it.ComputedChecksum, &it.MimeType, &srcCreated, &srcMo,
		&it.ETag, &it.Version, &perms, &it.ParentSourceID, &it.ParentItemID, &it.TargetID, &it.TargetParentID,
		&it.TargetVersion, &it.Status, &it.Stage, &it.AttemptCount, &it.LastError, &it.ErrorCode, &it.SkipReason,
		&verified, &created, &updated)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.ChecksumVerified = verified == 1
	if err := unmarshalJSON(perms, &it.SourcePermissions); err != nil {
		return it, fmt.Errorf("decode permissions: %w", err)
	}
	if it.SourceCreatedAt, err = parseNullTime(srcCreated); err != nil {
		return it, err
	}
	if it.SourceModifiedAt, err = parseNullTime(srcMo); err != nil {
		return it, err
	}
	if it.CreatedAt, err = parseTime(created); err != nil {
		return it, err
	}
	if it.UpdatedAt, err = parseTime(updated); err != nil {
		return it, err
	}
	return it, nil
}

func permissionsJSON(perms []domain.SourcePermission) (any, error) {
	if perms == nil {
		return nil, nil
	}
	s, err := marshalJSON(perms)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// InsertDiscovered stores a freshly discovered item. When the job already
// holds an item for the same source id (rediscovery after resume) the stored
// row is returned and created is false.
func (r Repo) InsertDiscovered(ctx context.Context, it domain.MigrationItem) (stored domain.MigrationItem, created bool, err error) {
	perms, err := permissionsJSON(it.SourcePermissions)
	if err != nil {
		return it, false, err
	}
	res, err := r.Conn().ExecContext(ctx, `INSERT INTO items(id,job_id,source_id,source_path,name,type,size,checksum,checksum_algorithm,mime_type,source_created_at,source_modified_at,etag,version,permissions_json,parent_source_id,parent_item_id,status,stage,seq,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM items WHERE job_id=?),?,?)
ON CONFLICT(job_id,source_id) DO NOTHING`,
		it.ID, it.JobID, it.SourceID, it.SourcePath, it.Name, it.Type, it.Size, nullable(it.Checksum), nullable(it.ChecksumAlgorithm),
		nullable(it.MimeType), nullableTime(it.SourceCreatedAt), nullableTime(it.SourceModifiedAt), nullable(it.ETag), nullable(it.Version),
		perms, nullable(it.ParentSourceID), nullable(it.ParentItemID), it.Status, it.Stage, it.JobID,
		formatTime(it.CreatedAt), formatTime(it.UpdatedAt))
	if err != nil {
		return it, false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return it, true, nil
	}
	stored, err = r.GetItemBySource(ctx, it.JobID, it.SourceID)
	return stored, false, err
}

// UpdateItem writes every mutable column of it.
func (r Repo) UpdateItem(ctx context.Context, it domain.MigrationItem) error {
	perms, err := permissionsJSON(it.SourcePermissions)
	if err != nil {
		return err
	}
	res, err := r.Conn().ExecContext(ctx, `UPDATE items SET size=?,checksum=?,checksum_algorithm=?,computed_checksum=?,mime_type=?,etag=?,version=?,permissions_json=?,parent_item_id=?,target_id=?,target_parent_id=?,target_version=?,status=?,stage=?,attempt_count=?,last_error=?,error_code=?,skip_reason=?,checksum_verified=?,updated_at=? WHERE id=?`,
		it.Size, nullable(it.Checksum), nullable(it.ChecksumAlgorithm), nullable(it.ComputedChecksum), nullable(it.MimeType),
		nullable(it.ETag), nullable(it.Version), perms, nullable(it.ParentItemID), nullable(it.TargetID), nullable(it.TargetParentID),
		it.TargetVersion, it.Status, it.Stage, it.AttemptCount, nullable(it.LastError), nullable(string(it.ErrorCode)),
		nullable(it.SkipReason), boolInt(it.ChecksumVerified), formatTime(it.UpdatedAt), it.ID)
	return affectedOne(res, err, ErrNotFound)
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.MigrationItem, error) {
	return scanItem(r.Conn().QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id))
}

func (r Repo) GetItemBySource(ctx context.Context, jobID, sourceID string) (domain.MigrationItem, error) {
	return scanItem(r.Conn().QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE job_id=? AND source_id=?`, jobID, sourceID))
}

type ItemFilters struct {
	JobID    string
	Statuses []domain.ItemStatus
	Limit    int
	// AfterSeq pages in discovery order.
	AfterSeq int64
}

// ListItems returns items in discovery order, parents before children.
func (r Repo) ListItems(ctx context.Context, f ItemFilters) ([]domain.MigrationItem, int64, error) {
	clauses := []string{"job_id=?"}
	args := []any{f.JobID}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.AfterSeq > 0 {
		clauses = append(clauses, "seq>?")
		args = append(args, f.AfterSeq)
	}
	query := `SELECT ` + itemColumns + `,seq FROM items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var (
		res  []domain.MigrationItem
		last int64
	)
	for rows.Next() {
		it, err := scanItem(seqScanner{rows, &last})
		if err != nil {
			return nil, 0, err
		}
		res = append(res, it)
	}
	return res, last, rows.Err()
}

// seqScanner appends the seq column to the item scan.
type seqScanner struct {
	rows *sql.Rows
	seq  *int64
}

func (s seqScanner) Scan(dest ...any) error {
	return s.rows.Scan(append(dest, s.seq)...)
}

// CountItemsByStatus is used to rebuild counters on recovery.
func (r Repo) CountItemsByStatus(ctx context.Context, jobID string) (map[domain.ItemStatus]int64, error) {
	rows, err := r.Conn().QueryContext(ctx, `SELECT status, count(*) FROM items WHERE job_id=? GROUP BY status`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.ItemStatus]int64{}
	for rows.Next() {
		var status domain.ItemStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// CountItemsByStage counts non-terminal items per pipeline stage.
func (r Repo) CountItemsByStage(ctx context.Context, jobID string) (map[domain.Stage]int64, error) {
	rows, err := r.Conn().QueryContext(ctx, `SELECT stage, count(*) FROM items WHERE job_id=? AND status NOT IN ('completed','failed','skipped') GROUP BY stage`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Stage]int64{}
	for rows.Next() {
		var stage domain.Stage
		var count int64
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, err
		}
		res[stage] = count
	}
	return res, rows.Err()
}

// ItemBytes sums declared sizes of all items and of completed items.
func (r Repo) ItemBytes(ctx context.Context, jobID string) (total, processed int64, err error) {
	err = r.Conn().QueryRowContext(ctx, `SELECT COALESCE(SUM(CASE WHEN size>0 THEN size ELSE 0 END),0), COALESCE(SUM(CASE WHEN status='completed' AND size>0 THEN size ELSE 0 END),0) FROM items WHERE job_id=?`, jobID).Scan(&total, &processed)
	return total, processed, err
}
