// Package checkpoint persists the resume state of a job. The orchestrator
// is the only writer; each Save replaces the whole document.
package checkpoint

import (
	"context"
	"errors"

	"docmigrate/internal/domain"
	"docmigrate/internal/repo"
)

type Store interface {
	// Load returns ok=false when the job has no checkpoint yet.
	Load(ctx context.Context, jobID string) (cp domain.MigrationCheckpoint, ok bool, err error)
	Save(ctx context.Context, cp domain.MigrationCheckpoint) error
}

// SQLStore keeps checkpoints in the workspace database.
type SQLStore struct {
	Repo repo.Repo
}

func (s SQLStore) Load(ctx context.Context, jobID string) (domain.MigrationCheckpoint, bool, error) {
	cp, err := s.Repo.GetCheckpoint(ctx, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.MigrationCheckpoint{JobID: jobID}, false, nil
	}
	if err != nil {
		return cp, false, err
	}
	return cp, true, nil
}

func (s SQLStore) Save(ctx context.Context, cp domain.MigrationCheckpoint) error {
	return s.Repo.SaveCheckpoint(ctx, cp)
}
