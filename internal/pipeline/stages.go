package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"docmigrate/internal/checksum"
	"docmigrate/internal/connector"
	"docmigrate/internal/domain"
	"docmigrate/internal/permission"
	"docmigrate/internal/retry"
	"docmigrate/internal/target"
)

// sourceReader marks read failures of the source stream as transport
// errors so a broken download is retried.
type sourceReader struct {
	r io.Reader
}

func (s sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		return n, connector.ClassifyTransport(err)
	}
	return n, err
}

// tooLargeError ends a transfer whose content turned out to exceed the
// size limit.
type tooLargeError struct {
	size, limit int64
}

func (e *tooLargeError) Error() string {
	return fmt.Sprintf("content exceeds size limit of %d bytes", e.limit)
}

// cappedReader fails once more than limit bytes were read from a stream of
// unknown size.
type cappedReader struct {
	r     io.Reader
	n     int64
	limit int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n > c.limit {
		return n, &tooLargeError{size: c.n, limit: c.limit}
	}
	return n, err
}

func (r *run) transfer(ctx context.Context) (bool, error) {
	switch r.plan.action {
	case actionReverify:
		return false, nil
	case actionReuse:
		r.obj = r.plan.existing
		r.it.TargetID = r.obj.ID
		return false, r.advance(ctx, domain.ItemIndexing)
	}
	if r.it.Type == domain.ItemFolder {
		if err := r.advance(ctx, domain.ItemIndexing); err != nil {
			return false, err
		}
		return false, r.ex.Run(ctx, "create_folder", func(ctx context.Context) error {
			obj, err := r.p.Target.CreateFolder(ctx, r.plan.parentID, r.plan.name)
			if err != nil {
				return err
			}
			r.obj = obj
			r.it.TargetID = obj.ID
			return nil
		})
	}

	if err := r.advance(ctx, domain.ItemDownloading); err != nil {
		return false, err
	}
	var versions []connector.Version
	lister, canList := r.p.Source.(connector.VersionLister)
	if r.p.Job.Config.IncludeVersions && canList && r.plan.action == actionCreate {
		vs, err := retry.Do(ctx, r.ex, "list_versions", func(ctx context.Context) connector.Result[[]connector.Version] {
			return lister.ListVersions(ctx, r.it)
		})
		if err != nil {
			return false, err
		}
		versions = vs
	}

	// done counts uploaded versions so a retried session continues where
	// the failed attempt stopped.
	done := 0
	targetID := ""
	if r.plan.action == actionVersion {
		targetID = r.plan.existing.ID
	}
	opener := r.ex.With(0)
	err := r.ex.Session(ctx, "transfer", func(ctx context.Context) error {
		for done < len(versions) {
			v := versions[done]
			sc, err := retry.Open(ctx, opener, "open_version", func(ctx context.Context) connector.Result[connector.StreamedContent] {
				return lister.OpenVersion(ctx, r.it, v)
			})
			if err != nil {
				return err
			}
			obj, err := r.store(ctx, targetID, sc, "")
			sc.Body.Close()
			if err != nil {
				return err
			}
			targetID = obj.ID
			done++
		}
		sc, err := retry.Open(ctx, opener, "open_content", func(ctx context.Context) connector.Result[connector.StreamedContent] {
			return r.p.Source.OpenContent(ctx, r.it)
		})
		if err != nil {
			return err
		}
		defer sc.Body.Close()
		if r.it.Status == domain.ItemDownloading {
			if err := r.advance(ctx, domain.ItemUploading); err != nil {
				return err
			}
		}
		if r.it.Checksum == "" && sc.Checksum != "" {
			r.it.Checksum, r.it.ChecksumAlgorithm = sc.Checksum, sc.ChecksumAlgorithm
		}
		if r.it.MimeType == "" {
			r.it.MimeType = sc.MimeType
		}
		var body io.Reader = sourceReader{sc.Body}
		if limit := r.p.Job.Config.SizeLimit(); limit > 0 {
			if sc.Size > limit {
				return &tooLargeError{size: sc.Size, limit: limit}
			}
			if sc.Size < 0 {
				body = &cappedReader{r: body, limit: limit}
			}
		}
		hr := checksum.NewReader(body, r.it.ChecksumAlgorithm)
		obj, err := r.store(ctx, targetID, connector.StreamedContent{Body: io.NopCloser(hr), Size: sc.Size}, r.it.MimeType)
		if err != nil {
			return err
		}
		r.obj = obj
		r.stream = &streamed{size: hr.N(), alg: hr.Algorithm(), sum: hr.Sum()}
		return nil
	})
	var tl *tooLargeError
	if errors.As(err, &tl) {
		return r.skip(ctx, ReasonTooLarge, map[string]any{"size": tl.size, "limit": tl.limit})
	}
	if err != nil {
		return false, err
	}
	r.bytes = r.stream.size
	r.it.TargetID = r.obj.ID
	r.it.TargetVersion = r.obj.Version
	r.it.ComputedChecksum = r.stream.sum
	if r.it.Size < 0 {
		r.it.Size = r.stream.size
	}
	return false, r.advance(ctx, domain.ItemIndexing)
}

// store writes one stream as a new object, or as the next version of
// targetID when set.
func (r *run) store(ctx context.Context, targetID string, sc connector.StreamedContent, mime string) (target.Object, error) {
	req := target.PutRequest{ParentID: r.plan.parentID, Name: r.plan.name, MimeType: mime, Body: sc.Body, ModifiedAt: r.it.SourceModifiedAt}
	if targetID != "" {
		return r.p.Target.PutVersion(ctx, targetID, req)
	}
	return r.p.Target.Put(ctx, req)
}

func (r *run) index(ctx context.Context) (bool, error) {
	if r.it.Status == domain.ItemDiscovered {
		if err := r.advance(ctx, domain.ItemIndexing); err != nil {
			return false, err
		}
	}
	r.p.Links.Resolve(r.it.SourceID, r.it.TargetID)
	return false, r.save(ctx)
}

func (r *run) applyACL(ctx context.Context) (bool, error) {
	if !r.p.Job.Config.IncludePermissions {
		return false, nil
	}
	perms := r.it.SourcePermissions
	if perms == nil {
		got, err := retry.Do(ctx, r.ex, "list_permissions", func(ctx context.Context) connector.Result[[]domain.SourcePermission] {
			return r.p.Source.ListPermissions(ctx, r.it)
		})
		if err != nil {
			return false, err
		}
		perms = got
		r.it.SourcePermissions = got
	}
	if len(perms) == 0 {
		return false, nil
	}
	if err := r.advance(ctx, domain.ItemApplyingPermissions); err != nil {
		return false, err
	}
	decisions, err := r.p.Translator.Translate(ctx, permission.Request{Job: r.p.Job, Item: r.it, Permissions: perms})
	if err != nil {
		return false, domain.WrapError(domain.CodeInternal, err)
	}
	var grants []domain.Grant
	for _, d := range decisions {
		if d.Grant != nil {
			grants = append(grants, *d.Grant)
		}
	}
	if len(grants) > 0 {
		err := r.ex.Run(ctx, "apply_grants", func(ctx context.Context) error {
			return r.p.Target.ApplyGrants(ctx, r.it.TargetID, grants)
		})
		if err != nil {
			return false, err
		}
	}
	for _, d := range decisions {
		msg := ""
		if d.Outcome == permission.Failed {
			msg = "permission not transferred: " + d.Reason
		}
		r.p.record(ctx, r.it, d.Event(), d.Details(), msg)
	}
	return false, nil
}

func (r *run) verify(ctx context.Context) (bool, error) {
	if err := r.advance(ctx, domain.ItemVerifying); err != nil {
		return false, err
	}
	var obj target.Object
	err := r.ex.Run(ctx, "stat_target", func(ctx context.Context) error {
		o, err := r.p.Target.Stat(ctx, r.it.TargetID)
		if errors.Is(err, target.ErrNotFound) {
			return domain.Errorf(domain.CodeNotFound, "target %s disappeared", r.it.TargetID)
		}
		obj = o
		return err
	})
	if err != nil {
		return false, err
	}
	r.obj = obj
	if r.it.Type == domain.ItemFolder {
		if obj.Type != domain.ItemFolder {
			return false, domain.Errorf(domain.CodeConflict, "target %s is not a folder", obj.ID)
		}
		return false, nil
	}
	verified, err := verifyFile(r.it, r.stream, obj)
	if err != nil {
		return false, err
	}
	r.it.ChecksumVerified = verified
	if !verified {
		r.p.record(ctx, r.it, domain.EventVerificationDegraded, map[string]any{
			"confidence": "size_only", "size": obj.Size,
		}, "")
	}
	return false, nil
}

// verifyFile compares source, stream and target. It returns false when
// only the size could be compared.
func verifyFile(it domain.MigrationItem, s *streamed, obj target.Object) (bool, error) {
	size := obj.Size
	if s != nil {
		size = s.size
		if obj.Size != s.size {
			return false, domain.Errorf(domain.CodeSizeMismatch, "target holds %d bytes, streamed %d", obj.Size, s.size)
		}
		// The stream must have landed intact whatever the source offers.
		if stored := obj.Checksum(s.alg); stored != "" && !checksum.Equal(stored, s.sum) {
			return false, domain.Errorf(domain.CodeChecksum, "target %s digest differs from streamed content", s.alg)
		}
	}
	if it.Size >= 0 && it.Size != size {
		return false, domain.Errorf(domain.CodeSizeMismatch, "source declared %d bytes, got %d", it.Size, size)
	}
	alg := checksum.Normalize(it.ChecksumAlgorithm)
	if it.Checksum == "" || alg == "" {
		return false, nil
	}
	if s != nil && s.alg == alg && !checksum.Equal(s.sum, it.Checksum) {
		return false, domain.Errorf(domain.CodeChecksum, "source %s %s, streamed %s", alg, it.Checksum, s.sum)
	}
	stored := obj.Checksum(alg)
	if stored == "" {
		return false, nil
	}
	if !checksum.Equal(stored, it.Checksum) {
		return false, domain.Errorf(domain.CodeChecksum, "source %s %s, target %s", alg, it.Checksum, stored)
	}
	return true, nil
}

func (r *run) finalize(ctx context.Context) (bool, error) {
	r.it.TargetVersion = r.obj.Version
	sum := r.it.Checksum
	if sum == "" {
		sum = r.it.ComputedChecksum
	}
	err := r.p.Repo.UpsertMapping(ctx, domain.MigrationMapping{
		SourceSystem:   r.p.Job.SourceSystem,
		SourceItemID:   r.it.SourceID,
		TargetLocation: r.p.Job.Config.TargetLocation,
		TargetID:       r.it.TargetID,
		TargetVersion:  r.obj.Version,
		Checksum:       sum,
		ETag:           r.it.ETag,
		SourceVersion:  r.it.Version,
		JobID:          r.p.Job.ID,
		UpdatedAt:      r.p.now(),
	})
	if err != nil {
		return false, domain.WrapError(domain.CodeInternal, err)
	}
	if err := r.advance(ctx, domain.ItemCompleted); err != nil {
		return false, err
	}
	r.p.record(ctx, r.it, domain.EventItemCompleted, map[string]any{
		"target_id": r.it.TargetID, "target_version": r.obj.Version, "bytes": r.bytes, "checksum_verified": r.it.ChecksumVerified,
	}, "")
	r.p.log().Debug("item completed", zap.String("job_id", r.p.Job.ID), zap.String("item_id", r.it.ID), zap.String("target_id", r.it.TargetID))
	return true, nil
}
