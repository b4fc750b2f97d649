package pipeline

import (
	"context"
	"errors"

	"docmigrate/internal/checksum"
	"docmigrate/internal/domain"
	"docmigrate/internal/repo"
	"docmigrate/internal/target"
)

type action string

const (
	actionCreate   action = "create"
	actionVersion  action = "new_version"
	actionReuse    action = "reuse_folder"
	actionReverify action = "reverify"
)

// Skip reasons.
const (
	ReasonExcluded          = "excluded_extension"
	ReasonTooLarge          = "file_too_large"
	ReasonDuplicateChecksum = "duplicate_checksum"
	ReasonDuplicate         = "duplicate"
	ReasonUnchanged         = "unchanged"
	ReasonDryRun            = "dry_run"
)

type plan struct {
	action   action
	parentID string
	name     string
	existing target.Object
}

func (p plan) details() map[string]any {
	d := map[string]any{"action": string(p.action), "target_parent_id": p.parentID, "target_name": p.name}
	if p.existing.ID != "" {
		d["target_id"] = p.existing.ID
	}
	return d
}

// candidates are the existing targets an item may collide with.
type candidates struct {
	delta    *domain.MigrationMapping
	deltaObj target.Object
	byHash   *target.Object
	byName   *target.Object
}

func (r *run) preCheck(ctx context.Context) (bool, error) {
	cfg := r.p.Job.Config
	if r.it.Type == domain.ItemFile {
		if cfg.Excludes(r.it.Name) {
			return r.skip(ctx, ReasonExcluded, nil)
		}
		if limit := cfg.SizeLimit(); limit > 0 && r.it.Size > limit {
			return r.skip(ctx, ReasonTooLarge, map[string]any{"size": r.it.Size, "limit": limit})
		}
	}

	parentID, err := r.parentTarget(ctx)
	if err != nil {
		return false, err
	}
	r.it.TargetParentID = parentID

	if ok, err := r.recoverEarlier(ctx); err != nil || ok {
		return false, err
	}

	c, err := r.candidates(ctx, parentID)
	if err != nil {
		return false, err
	}
	if r.it.Type == domain.ItemFolder {
		err = r.planFolder(ctx, c)
	} else {
		var reason string
		reason, err = r.planFile(ctx, c)
		if err == nil && reason != "" {
			return r.skip(ctx, reason, c.skipDetails())
		}
	}
	if err != nil {
		return false, err
	}
	if cfg.DryRun {
		r.p.record(ctx, r.it, domain.EventDryRunPlanned, r.plan.details(), "")
		if r.plan.existing.ID != "" {
			r.p.Links.Resolve(r.it.SourceID, r.plan.existing.ID)
		} else if r.it.Type == domain.ItemFolder {
			r.p.Links.Resolve(r.it.SourceID, "dry-run:"+r.it.SourceID)
		}
		return r.skip(ctx, ReasonDryRun, r.plan.details())
	}
	return false, nil
}

func (c candidates) skipDetails() map[string]any {
	d := map[string]any{}
	switch {
	case c.byHash != nil:
		d["existing_target_id"] = c.byHash.ID
	case c.delta != nil:
		d["existing_target_id"] = c.delta.TargetID
	case c.byName != nil:
		d["existing_target_id"] = c.byName.ID
	}
	return d
}

// recoverEarlier picks up a target this job already produced for the item
// in an interrupted run: the item row kept its target id, or a mapping
// written at finalize points at it.
func (r *run) recoverEarlier(ctx context.Context) (bool, error) {
	id := r.it.TargetID
	if id == "" {
		m, err := r.p.Repo.GetMapping(ctx, r.p.Job.SourceSystem, r.it.SourceID, r.p.Job.Config.TargetLocation)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return false, nil
		case err != nil:
			return false, domain.WrapError(domain.CodeInternal, err)
		}
		if m.JobID != r.p.Job.ID {
			return false, nil
		}
		id = m.TargetID
	}
	obj, err := r.p.Target.Stat(ctx, id)
	if errors.Is(err, target.ErrNotFound) {
		r.it.TargetID = ""
		return false, nil
	}
	if err != nil {
		return false, domain.WrapError(domain.CodeTargetDown, err)
	}
	r.it.TargetID = obj.ID
	r.obj = obj
	r.plan = plan{action: actionReverify, parentID: r.it.TargetParentID, name: obj.Name, existing: obj}
	return true, nil
}

func (r *run) candidates(ctx context.Context, parentID string) (candidates, error) {
	var c candidates
	cfg := r.p.Job.Config
	if cfg.DeltaMode {
		m, err := r.p.Repo.GetMapping(ctx, r.p.Job.SourceSystem, r.it.SourceID, cfg.TargetLocation)
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return c, domain.WrapError(domain.CodeInternal, err)
		default:
			obj, err := r.p.Target.Stat(ctx, m.TargetID)
			switch {
			case errors.Is(err, target.ErrNotFound):
			case err != nil:
				return c, domain.WrapError(domain.CodeTargetDown, err)
			default:
				c.delta, c.deltaObj = &m, obj
			}
		}
	}
	if r.it.Type == domain.ItemFile && r.it.Checksum != "" {
		alg := checksum.Normalize(r.it.ChecksumAlgorithm)
		if alg != "" {
			obj, ok, err := r.p.Target.FindByChecksum(ctx, r.p.RootID, alg, r.it.Checksum)
			if err != nil {
				return c, domain.WrapError(domain.CodeTargetDown, err)
			}
			if ok {
				c.byHash = &obj
			}
		}
	}
	obj, ok, err := r.p.Target.FindChild(ctx, parentID, r.it.Name)
	if err != nil {
		return c, domain.WrapError(domain.CodeTargetDown, err)
	}
	if ok {
		c.byName = &obj
	}
	return c, nil
}

// planFile applies the duplicate policy. A non-empty reason skips the item.
func (r *run) planFile(ctx context.Context, c candidates) (string, error) {
	r.plan = plan{action: actionCreate, parentID: r.it.TargetParentID, name: r.it.Name}
	if c.delta != nil && c.delta.Unchanged(r.it) {
		r.it.TargetID = c.delta.TargetID
		return ReasonUnchanged, nil
	}
	nameTaken := c.byName != nil
	switch r.p.Job.Config.DuplicatePolicy {
	case domain.SkipDuplicate:
		if c.delta != nil || c.byHash != nil || nameTaken {
			return ReasonDuplicate, nil
		}
	case domain.KeepBoth:
	case domain.VersionIt:
		switch {
		case c.delta != nil:
			r.plan.action, r.plan.existing = actionVersion, c.deltaObj
			return "", nil
		case nameTaken && c.byName.Type == domain.ItemFile:
			r.plan.action, r.plan.existing = actionVersion, *c.byName
			return "", nil
		}
	default:
		if c.byHash != nil {
			return ReasonDuplicateChecksum, nil
		}
		if c.delta != nil {
			if checksum.Equal(c.delta.Checksum, r.it.Checksum) {
				return ReasonDuplicateChecksum, nil
			}
			r.plan.action, r.plan.existing = actionVersion, c.deltaObj
			return "", nil
		}
	}
	if nameTaken {
		name, err := r.p.Target.UniqueName(ctx, r.it.TargetParentID, r.it.Name)
		if err != nil {
			return "", domain.WrapError(domain.CodeTargetDown, err)
		}
		r.plan.name = name
	}
	return "", nil
}

// planFolder reuses a mapped or same-named folder unless keep_both asks
// for a fresh one. A mapped folder keeps its target name even when the
// source folder was renamed.
func (r *run) planFolder(ctx context.Context, c candidates) error {
	r.plan = plan{action: actionCreate, parentID: r.it.TargetParentID, name: r.it.Name}
	keepBoth := r.p.Job.Config.DuplicatePolicy == domain.KeepBoth
	switch {
	case c.delta != nil && c.deltaObj.Type == domain.ItemFolder:
		r.plan.action, r.plan.existing = actionReuse, c.deltaObj
		return nil
	case c.byName != nil && c.byName.Type == domain.ItemFolder && !keepBoth:
		r.plan.action, r.plan.existing = actionReuse, *c.byName
		return nil
	}
	if c.byName != nil {
		name, err := r.p.Target.UniqueName(ctx, r.it.TargetParentID, r.it.Name)
		if err != nil {
			return domain.WrapError(domain.CodeTargetDown, err)
		}
		r.plan.name = name
	}
	return nil
}
