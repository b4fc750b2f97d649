package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"docmigrate/internal/domain"
)

const identityColumns = `id,source_system,source_principal_id,source_principal_type,COALESCE(target_principal_id,''),COALESCE(target_principal_type,''),role_mapping_json,verified,COALESCE(fallback_action,''),COALESCE(owner_user_id,''),updated_at`

func scanIdentity(row rowScanner) (domain.IdentityMapping, error) {
	var (
		m        domain.IdentityMapping
		roles    sql.NullString
		verified int
		updated  string
	)
	err := row.Scan(&m.ID, &m.SourceSystem, &m.SourcePrincipalID, &m.SourcePrincipalType, &m.TargetPrincipalID,
		&m.TargetPrincipalType, &roles, &verified, &m.FallbackAction, &m.OwnerUserID, &updated)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Verified = verified == 1
	if err := unmarshalJSON(roles, &m.RoleMapping); err != nil {
		return m, fmt.Errorf("decode role mapping: %w", err)
	}
	m.UpdatedAt, err = parseTime(updated)
	return m, err
}

// UpsertIdentityMapping inserts or replaces the mapping for a source principal.
func (r Repo) UpsertIdentityMapping(ctx context.Context, m domain.IdentityMapping) error {
	var roles any
	if len(m.RoleMapping) > 0 {
		s, err := marshalJSON(m.RoleMapping)
		if err != nil {
			return err
		}
		roles = s
	}
	_, err := r.Conn().ExecContext(ctx, `INSERT INTO identity_mappings(id,source_system,source_principal_id,source_principal_type,target_principal_id,target_principal_type,role_mapping_json,verified,fallback_action,owner_user_id,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(source_system,source_principal_id) DO UPDATE SET source_principal_type=excluded.source_principal_type,target_principal_id=excluded.target_principal_id,target_principal_type=excluded.target_principal_type,role_mapping_json=excluded.role_mapping_json,verified=excluded.verified,fallback_action=excluded.fallback_action,owner_user_id=excluded.owner_user_id,updated_at=excluded.updated_at`,
		m.ID, m.SourceSystem, m.SourcePrincipalID, m.SourcePrincipalType, nullable(m.TargetPrincipalID), nullable(string(m.TargetPrincipalType)),
		roles, boolInt(m.Verified), nullable(string(m.FallbackAction)), nullable(m.OwnerUserID), formatTime(m.UpdatedAt))
	return err
}

func (r Repo) GetIdentityMapping(ctx context.Context, system domain.SourceSystem, principalID string) (domain.IdentityMapping, error) {
	return scanIdentity(r.Conn().QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identity_mappings WHERE source_system=? AND source_principal_id=?`, system, principalID))
}

type IdentityFilters struct {
	SourceSystem domain.SourceSystem
	Limit        int
	// AfterPrincipal pages by source principal id.
	AfterPrincipal string
}

func (r Repo) ListIdentityMappings(ctx context.Context, f IdentityFilters) ([]domain.IdentityMapping, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.SourceSystem != "" {
		clauses = append(clauses, "source_system=?")
		args = append(args, f.SourceSystem)
	}
	if f.AfterPrincipal != "" {
		clauses = append(clauses, "source_principal_id>?")
		args = append(args, f.AfterPrincipal)
	}
	query := `SELECT ` + identityColumns + ` FROM identity_mappings WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY source_principal_id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IdentityMapping
	for rows.Next() {
		m, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
