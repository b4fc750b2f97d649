// Package fsstore is a target store on the local filesystem: blobs under
// blobs/, metadata in a SQLite index next to them.
package fsstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"docmigrate/internal/checksum"
	"docmigrate/internal/db"
	"docmigrate/internal/domain"
	"docmigrate/internal/target"
)

//go:embed schema.sql
var schema string

const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

type Store struct {
	root     string
	db       *sql.DB
	compress bool
	now      func() time.Time
	log      *zap.Logger
}

type Options struct {
	Compression string
	Now         func() time.Time
	Log         *zap.Logger
}

func Open(dir string, opts Options) (*Store, error) {
	switch opts.Compression {
	case "", CompressionNone, CompressionZstd:
	default:
		return nil, domain.Errorf(domain.CodeBadConfig, "unknown compression %q", opts.Compression)
	}
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o755); err != nil {
		return nil, domain.WrapError(domain.CodeTargetDown, err)
	}
	conn, err := db.OpenPath(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, domain.WrapError(domain.CodeTargetDown, err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, domain.WrapError(domain.CodeTargetDown, fmt.Errorf("init index: %w", err))
	}
	s := &Store{root: dir, db: conn, compress: opts.Compression == CompressionZstd, now: opts.Now, log: opts.Log}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) stamp() string { return s.now().UTC().Format(time.RFC3339Nano) }

const objectColumns = `o.id,o.root_id,o.parent_id,o.name,o.type,COALESCE(o.mime_type,''),o.current_version,o.created_at,o.updated_at,
COALESCE(v.size,0),COALESCE(v.md5,''),COALESCE(v.sha1,''),COALESCE(v.sha256,''),COALESCE(v.blake3,'')`

const objectFrom = ` FROM objects o LEFT JOIN versions v ON v.object_id=o.id AND v.version=o.current_version`

type scanner interface {
	Scan(dest ...any) error
}

func scanObject(row scanner) (target.Object, error) {
	var (
		o                         target.Object
		created, updated          string
		md5, sha1, sha256, blake3 string
	)
	err := row.Scan(&o.ID, &o.RootID, &o.ParentID, &o.Name, &o.Type, &o.MimeType, &o.Version, &created, &updated,
		&o.Size, &md5, &sha1, &sha256, &blake3)
	if errors.Is(err, sql.ErrNoRows) {
		return o, target.ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	if o.Type == domain.ItemFile {
		o.Checksums = map[string]string{checksum.MD5: md5, checksum.SHA1: sha1, checksum.SHA256: sha256, checksum.BLAKE3: blake3}
	}
	return o, nil
}

func (s *Store) Stat(ctx context.Context, id string) (target.Object, error) {
	return scanObject(s.db.QueryRowContext(ctx, `SELECT `+objectColumns+objectFrom+` WHERE o.id=?`, id))
}

func (s *Store) EnsureRoot(ctx context.Context, location string) (target.Object, error) {
	location = "/" + strings.Trim(path.Clean("/"+location), "/")
	o, err := scanObject(s.db.QueryRowContext(ctx, `SELECT `+objectColumns+objectFrom+` WHERE o.parent_id='' AND o.name=?`, location))
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, target.ErrNotFound) {
		return o, domain.WrapError(domain.CodeTargetDown, err)
	}
	id := uuid.NewString()
	now := s.stamp()
	_, err = s.db.ExecContext(ctx, `INSERT INTO objects(id,root_id,parent_id,name,type,created_at,updated_at) VALUES (?,?,'',?,?,?,?)
ON CONFLICT(parent_id,name) DO NOTHING`, id, id, location, domain.ItemFolder, now, now)
	if err != nil {
		return target.Object{}, domain.WrapError(domain.CodeTargetDown, err)
	}
	return scanObject(s.db.QueryRowContext(ctx, `SELECT `+objectColumns+objectFrom+` WHERE o.parent_id='' AND o.name=?`, location))
}

func (s *Store) parent(ctx context.Context, id string) (target.Object, error) {
	p, err := s.Stat(ctx, id)
	if errors.Is(err, target.ErrNotFound) {
		return p, domain.Errorf(domain.CodeNoParent, "target parent %s does not exist", id)
	}
	if err != nil {
		return p, err
	}
	if p.Type != domain.ItemFolder {
		return p, domain.Errorf(domain.CodeConflict, "target parent %s is not a folder", id)
	}
	return p, nil
}

func (s *Store) insertObject(ctx context.Context, tx *sql.Tx, parent target.Object, name string, typ domain.ItemType, mime string) (string, error) {
	id := uuid.NewString()
	now := s.stamp()
	_, err := tx.ExecContext(ctx, `INSERT INTO objects(id,root_id,parent_id,name,type,mime_type,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		id, parent.RootID, parent.ID, name, typ, nullable(mime), now, now)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return "", domain.Errorf(domain.CodeConflict, "%q already exists in target folder", name)
	}
	return id, err
}

func (s *Store) CreateFolder(ctx context.Context, parentID, name string) (target.Object, error) {
	parent, err := s.parent(ctx, parentID)
	if err != nil {
		return parent, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return target.Object{}, err
	}
	defer tx.Rollback()
	id, err := s.insertObject(ctx, tx, parent, name, domain.ItemFolder, "")
	if err != nil {
		return target.Object{}, err
	}
	if err := tx.Commit(); err != nil {
		return target.Object{}, err
	}
	return s.Stat(ctx, id)
}

func (s *Store) blobPath(id string, version int, compressed bool) string {
	name := fmt.Sprintf("%s.v%d", id, version)
	if compressed {
		name += ".zst"
	}
	return filepath.Join(s.root, "blobs", id[:2], name)
}

type written struct {
	size       int64
	sums       map[string]string
	compressed bool
}

// writeBlob streams body into the blob file of (id, version) while hashing
// it. The file is renamed into place only once fully written.
func (s *Store) writeBlob(id string, version int, body io.Reader) (written, error) {
	final := s.blobPath(id, version, s.compress)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return written{}, domain.WrapError(domain.CodeTargetDown, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(final), ".upload-*")
	if err != nil {
		return written{}, domain.WrapError(domain.CodeTargetDown, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	var dst io.WriteCloser = tmp
	if s.compress {
		enc, err := zstd.NewWriter(tmp)
		if err != nil {
			return written{}, err
		}
		dst = enc
	}
	sums := checksum.NewSet()
	if _, err := io.Copy(io.MultiWriter(dst, sums), body); err != nil {
		if s.compress {
			dst.Close()
		}
		return written{}, err
	}
	if s.compress {
		if err := dst.Close(); err != nil {
			return written{}, err
		}
	}
	if err := tmp.Sync(); err != nil {
		return written{}, domain.WrapError(domain.CodeTargetDown, err)
	}
	if err := tmp.Close(); err != nil {
		return written{}, domain.WrapError(domain.CodeTargetDown, err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return written{}, domain.WrapError(domain.CodeTargetDown, err)
	}
	return written{size: sums.N(), sums: sums.Sums(), compressed: s.compress}, nil
}

func (s *Store) insertVersion(ctx context.Context, tx *sql.Tx, id string, version int, w written, modified *time.Time) error {
	var mod any
	if modified != nil {
		mod = modified.UTC().Format(time.RFC3339Nano)
	}
	now := s.stamp()
	if _, err := tx.ExecContext(ctx, `INSERT INTO versions(object_id,version,size,md5,sha1,sha256,blake3,compressed,modified_at,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		id, version, w.size, w.sums[checksum.MD5], w.sums[checksum.SHA1], w.sums[checksum.SHA256], w.sums[checksum.BLAKE3],
		boolInt(w.compressed), mod, now); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE objects SET current_version=?, updated_at=? WHERE id=?`, version, now, id)
	return err
}

func (s *Store) Put(ctx context.Context, req target.PutRequest) (target.Object, error) {
	parent, err := s.parent(ctx, req.ParentID)
	if err != nil {
		return parent, err
	}
	if _, found, err := s.FindChild(ctx, parent.ID, req.Name); err != nil {
		return target.Object{}, err
	} else if found {
		return target.Object{}, domain.Errorf(domain.CodeConflict, "%q already exists in target folder", req.Name)
	}
	id := uuid.NewString()
	w, err := s.writeBlob(id, 1, req.Body)
	if err != nil {
		return target.Object{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return target.Object{}, err
	}
	defer tx.Rollback()
	now := s.stamp()
	if _, err := tx.ExecContext(ctx, `INSERT INTO objects(id,root_id,parent_id,name,type,mime_type,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		id, parent.RootID, parent.ID, req.Name, domain.ItemFile, nullable(req.MimeType), now, now); err != nil {
		os.Remove(s.blobPath(id, 1, w.compressed))
		if strings.Contains(err.Error(), "UNIQUE") {
			return target.Object{}, domain.Errorf(domain.CodeConflict, "%q already exists in target folder", req.Name)
		}
		return target.Object{}, err
	}
	if err := s.insertVersion(ctx, tx, id, 1, w, req.ModifiedAt); err != nil {
		return target.Object{}, err
	}
	if err := tx.Commit(); err != nil {
		return target.Object{}, err
	}
	s.log.Debug("stored object", zap.String("target_id", id), zap.Int64("size", w.size))
	return s.Stat(ctx, id)
}

func (s *Store) PutVersion(ctx context.Context, objectID string, req target.PutRequest) (target.Object, error) {
	cur, err := s.Stat(ctx, objectID)
	if err != nil {
		return cur, err
	}
	if cur.Type != domain.ItemFile {
		return cur, domain.Errorf(domain.CodeConflict, "target %s is not a file", objectID)
	}
	next := cur.Version + 1
	w, err := s.writeBlob(objectID, next, req.Body)
	if err != nil {
		return target.Object{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return target.Object{}, err
	}
	defer tx.Rollback()
	if err := s.insertVersion(ctx, tx, objectID, next, w, req.ModifiedAt); err != nil {
		return target.Object{}, err
	}
	if req.MimeType != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE objects SET mime_type=? WHERE id=?`, req.MimeType, objectID); err != nil {
			return target.Object{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return target.Object{}, err
	}
	return s.Stat(ctx, objectID)
}

// Open reads a stored version. Version 0 means the current one.
func (s *Store) Open(ctx context.Context, id string, version int) (io.ReadCloser, error) {
	if version == 0 {
		o, err := s.Stat(ctx, id)
		if err != nil {
			return nil, err
		}
		version = o.Version
	}
	var compressed int
	err := s.db.QueryRowContext(ctx, `SELECT compressed FROM versions WHERE object_id=? AND version=?`, id, version).Scan(&compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, target.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.blobPath(id, version, compressed == 1))
	if err != nil {
		return nil, err
	}
	if compressed == 0 {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &zstdReadCloser{dec: dec, f: f}, nil
}

type zstdReadCloser struct {
	dec *zstd.Decoder
	f   *os.File
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return z.f.Close()
}

var checksumColumns = map[string]string{
	checksum.MD5:    "md5",
	checksum.SHA1:   "sha1",
	checksum.SHA256: "sha256",
	checksum.BLAKE3: "blake3",
}

func (s *Store) FindByChecksum(ctx context.Context, rootID, alg, sum string) (target.Object, bool, error) {
	col, ok := checksumColumns[checksum.Normalize(alg)]
	if !ok || sum == "" {
		return target.Object{}, false, nil
	}
	o, err := scanObject(s.db.QueryRowContext(ctx, `SELECT `+objectColumns+objectFrom+` WHERE o.root_id=? AND o.type='file' AND v.`+col+`=? ORDER BY o.created_at, o.id LIMIT 1`,
		rootID, strings.ToLower(sum)))
	return found(o, err)
}

func (s *Store) FindChild(ctx context.Context, parentID, name string) (target.Object, bool, error) {
	o, err := scanObject(s.db.QueryRowContext(ctx, `SELECT `+objectColumns+objectFrom+` WHERE o.parent_id=? AND o.name=?`, parentID, name))
	return found(o, err)
}

func found(o target.Object, err error) (target.Object, bool, error) {
	if errors.Is(err, target.ErrNotFound) {
		return o, false, nil
	}
	if err != nil {
		return o, false, err
	}
	return o, true, nil
}

func (s *Store) UniqueName(ctx context.Context, parentID, name string) (string, error) {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for n := 1; ; n++ {
		_, taken, err := s.FindChild(ctx, parentID, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
	}
}

func (s *Store) ApplyGrants(ctx context.Context, id string, grants []domain.Grant) error {
	if _, err := s.Stat(ctx, id); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, g := range grants {
		if _, err := tx.ExecContext(ctx, `INSERT INTO grants(object_id,principal_id,principal_type,role) VALUES (?,?,?,?)
ON CONFLICT(object_id,principal_id,principal_type) DO UPDATE SET role=excluded.role`, id, g.PrincipalID, g.PrincipalType, g.Role); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Grants(ctx context.Context, id string) ([]domain.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT principal_id,principal_type,role FROM grants WHERE object_id=? ORDER BY principal_type, principal_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Grant
	for rows.Next() {
		var g domain.Grant
		if err := rows.Scan(&g.PrincipalID, &g.PrincipalType, &g.Role); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ target.Store = (*Store)(nil)
