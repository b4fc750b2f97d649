package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"docmigrate/internal/credentials"
	"docmigrate/internal/domain"
	"docmigrate/internal/repo"
)

// ImportIdentityMappings upserts maps in one transaction. Existing rows are
// matched on (source_system, source_principal_id).
func (e Engine) ImportIdentityMappings(ctx context.Context, owner string, maps []domain.IdentityMapping) (int, error) {
	now := e.now()
	err := e.Repo.InTx(ctx, func(tx repo.Repo) error {
		for _, m := range maps {
			if !m.SourceSystem.Valid() || m.SourcePrincipalID == "" {
				return domain.Errorf(domain.CodeBadConfig, "identity mapping needs source_system and source_principal_id")
			}
			if err := domain.CheckRoleMapping(m.RoleMapping); err != nil {
				return fmt.Errorf("mapping %s/%s: %w", m.SourceSystem, m.SourcePrincipalID, err)
			}
			if m.ID == "" {
				m.ID = uuid.NewString()
			}
			if m.OwnerUserID == "" {
				m.OwnerUserID = owner
			}
			m.UpdatedAt = now
			if err := tx.UpsertIdentityMapping(ctx, m); err != nil {
				return fmt.Errorf("upsert mapping %s/%s: %w", m.SourceSystem, m.SourcePrincipalID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.log().Info("identity mappings imported", zap.Int("count", len(maps)), zap.String("owner", owner))
	return len(maps), nil
}

// ReplaceCredentials stores fresh credentials for a job that has not
// finished, typically a retry whose copied credentials were revoked.
func (e Engine) ReplaceCredentials(ctx context.Context, jobID string, c domain.MigrationCredentials) error {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return repo.ErrJobTerminal
	}
	c.JobID = job.ID
	c.SourceSystem = job.SourceSystem
	c.IsValid = true
	if c.Scheme == "" {
		c.Scheme = credentials.SchemePlain
	}
	c.UpdatedAt = e.now()
	return e.Repo.UpsertCredentials(ctx, c)
}
