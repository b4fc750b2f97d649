// Package target is the boundary to the document store items are
// migrated into.
package target

import (
	"context"
	"errors"
	"io"
	"time"

	"docmigrate/internal/domain"
)

var ErrNotFound = errors.New("target object not found")

type Object struct {
	ID       string
	RootID   string
	ParentID string
	Name     string
	Type     domain.ItemType
	MimeType string
	Size     int64
	Version  int
	// Checksums of the current version keyed by algorithm.
	Checksums map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Checksum returns the digest for alg, or "" when the store has none.
func (o Object) Checksum(alg string) string {
	return o.Checksums[alg]
}

type PutRequest struct {
	ParentID   string
	Name       string
	MimeType   string
	Body       io.Reader
	ModifiedAt *time.Time
}

type Store interface {
	// EnsureRoot returns the folder for a target location, creating it.
	EnsureRoot(ctx context.Context, location string) (Object, error)
	CreateFolder(ctx context.Context, parentID, name string) (Object, error)
	Put(ctx context.Context, req PutRequest) (Object, error)
	// PutVersion stores req.Body as the next version of objectID.
	PutVersion(ctx context.Context, objectID string, req PutRequest) (Object, error)
	Stat(ctx context.Context, id string) (Object, error)
	Open(ctx context.Context, id string, version int) (io.ReadCloser, error)
	// FindByChecksum looks for a file under rootID whose current version
	// has the digest.
	FindByChecksum(ctx context.Context, rootID, alg, sum string) (Object, bool, error)
	FindChild(ctx context.Context, parentID, name string) (Object, bool, error)
	// UniqueName returns name, or "name (n).ext" when it is taken.
	UniqueName(ctx context.Context, parentID, name string) (string, error)
	ApplyGrants(ctx context.Context, id string, grants []domain.Grant) error
	Grants(ctx context.Context, id string) ([]domain.Grant, error)
}
