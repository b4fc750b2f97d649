// Package permission turns source ACL entries into grants on the target
// store using identity mappings and role tables.
package permission

import (
	"context"
	"errors"
	"fmt"

	"docmigrate/internal/domain"
	"docmigrate/internal/repo"
)

// IdentityLookup resolves a source principal. It returns repo.ErrNotFound
// when no mapping row exists.
type IdentityLookup interface {
	GetIdentityMapping(ctx context.Context, system domain.SourceSystem, principalID string) (domain.IdentityMapping, error)
}

type Outcome string

const (
	Applied Outcome = "applied"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
)

// Reasons recorded on skipped or failed decisions.
const (
	ReasonUnmapped   = "unmapped_principal"
	ReasonUnverified = "unverified_mapping"
	ReasonBroad      = "broad_principal_unmapped"
	ReasonUnknown    = "unknown_role"
)

type Decision struct {
	Permission domain.SourcePermission
	Outcome    Outcome
	// Grant is nil when nothing is applied to the target.
	Grant    *domain.Grant
	Fallback domain.FallbackAction
	Reason   string
}

// Event returns the audit event type for the decision.
func (d Decision) Event() domain.EventType {
	switch d.Outcome {
	case Applied:
		return domain.EventPermissionApplied
	case Skipped:
		return domain.EventPermissionSkipped
	}
	return domain.EventPermissionFailed
}

func (d Decision) Details() map[string]any {
	details := map[string]any{
		"principal_id":   d.Permission.PrincipalID,
		"principal_type": string(d.Permission.PrincipalType),
		"source_role":    d.Permission.Role,
	}
	if d.Grant != nil {
		details["target_principal_id"] = d.Grant.PrincipalID
		details["target_role"] = string(d.Grant.Role)
	}
	if d.Fallback != "" {
		details["fallback_action"] = string(d.Fallback)
	}
	if d.Reason != "" {
		details["reason"] = d.Reason
	}
	return details
}

type Request struct {
	Job         domain.MigrationJob
	Item        domain.MigrationItem
	Permissions []domain.SourcePermission
}

type Translator struct {
	Identities IdentityLookup
}

// Translate returns one decision per source permission in input order.
// Inherited entries below the top level are dropped since the target
// inherits them from the parent folder.
func (t Translator) Translate(ctx context.Context, req Request) ([]Decision, error) {
	var (
		out          []Decision
		ownerGranted bool
	)
	for _, perm := range req.Permissions {
		if perm.Inherited && !req.Item.Top() {
			continue
		}
		var (
			mapping domain.IdentityMapping
			found   bool
		)
		if t.Identities != nil {
			m, err := t.Identities.GetIdentityMapping(ctx, req.Job.SourceSystem, perm.PrincipalID)
			switch {
			case err == nil:
				mapping, found = m, true
			case !errors.Is(err, repo.ErrNotFound):
				return nil, fmt.Errorf("lookup identity %s: %w", perm.PrincipalID, err)
			}
		}
		if found && mapping.Resolved() {
			out = append(out, translateMapped(req.Job, perm, mapping))
			continue
		}
		d := Decision{Permission: perm, Fallback: fallbackFor(req.Job, mapping, found)}
		switch {
		case perm.PrincipalType.Broad():
			d.Reason = ReasonBroad
		case found:
			d.Reason = ReasonUnverified
		default:
			d.Reason = ReasonUnmapped
		}
		switch d.Fallback {
		case domain.FallbackOwnerOnly:
			d.Outcome = Skipped
			if !ownerGranted {
				d.Grant = &domain.Grant{PrincipalID: req.Job.OwnerUserID, PrincipalType: domain.PrincipalUser, Role: domain.RoleOwner}
				ownerGranted = true
			}
		case domain.FallbackSkip:
			d.Outcome = Skipped
		default:
			d.Outcome = Failed
		}
		out = append(out, d)
	}
	return out, nil
}

func translateMapped(job domain.MigrationJob, perm domain.SourcePermission, m domain.IdentityMapping) Decision {
	d := Decision{Permission: perm}
	role, ok := resolveRole(job, perm.Role, m)
	if !ok {
		d.Outcome = Failed
		d.Reason = ReasonUnknown
		return d
	}
	ptype := m.TargetPrincipalType
	if ptype == "" {
		ptype = perm.PrincipalType
	}
	d.Outcome = Applied
	d.Grant = &domain.Grant{PrincipalID: m.TargetPrincipalID, PrincipalType: ptype, Role: role}
	return d
}

// resolveRole consults the mapping row, then the job override, then the
// built-in table of the source system.
func resolveRole(job domain.MigrationJob, role string, m domain.IdentityMapping) (domain.TargetRole, bool) {
	if r, ok := lookup(m.RoleMapping, role); ok {
		return r, true
	}
	if r, ok := lookup(job.Config.RoleMapping, role); ok {
		return r, true
	}
	return BuiltinRole(job.SourceSystem, role)
}

func lookup(table map[string]domain.TargetRole, role string) (domain.TargetRole, bool) {
	if len(table) == 0 {
		return "", false
	}
	if r, ok := table[role]; ok {
		return r, true
	}
	// Rows stored before variant keys were rejected may still hold several;
	// the lowest key wins.
	key := roleKey(role)
	var (
		match string
		found bool
	)
	for k := range table {
		if roleKey(k) == key && (!found || k < match) {
			match, found = k, true
		}
	}
	if !found {
		return "", false
	}
	return table[match], true
}

func fallbackFor(job domain.MigrationJob, m domain.IdentityMapping, found bool) domain.FallbackAction {
	if found && m.FallbackAction.Valid() {
		return m.FallbackAction
	}
	if job.Config.PermissionFallback.Valid() {
		return job.Config.PermissionFallback
	}
	return domain.FallbackReport
}
