// Package pipeline moves one item through pre_check, transfer, index,
// acl_apply, verify and finalize. Stages run strictly in order; a stop
// request is honoured between stages only.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"docmigrate/internal/audit"
	"docmigrate/internal/connector"
	"docmigrate/internal/domain"
	"docmigrate/internal/permission"
	"docmigrate/internal/repo"
	"docmigrate/internal/retry"
	"docmigrate/internal/target"
)

const DefaultParentWait = 10 * time.Second

type Pipeline struct {
	Job        domain.MigrationJob
	Source     connector.Connector
	Target     target.Store
	RootID     string
	Repo       repo.Repo
	Audit      audit.Writer
	Translator permission.Translator
	Retry      *retry.Executor
	Links      *LinkIndex
	ParentWait time.Duration
	// Stop reports whether the job asked workers to stop.
	Stop func() bool
	Now  func() time.Time
	Log  *zap.Logger
}

// Outcome is what a worker reports to the orchestrator.
type Outcome struct {
	Item domain.MigrationItem
	// Bytes streamed into the target for this item.
	Bytes int64
	// Stopped items left the pipeline early and stay non-terminal.
	Stopped bool
	Err     *domain.MigrationError
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) log() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}

func (p *Pipeline) stopped() bool {
	return p.Stop != nil && p.Stop()
}

// run carries the per-item state through the stages.
type run struct {
	p    *Pipeline
	it   domain.MigrationItem
	ex   *retry.Executor
	plan plan
	// stream describes what transfer wrote. nil when the target was
	// produced by an earlier run.
	stream *streamed
	obj    target.Object
	bytes  int64
}

type streamed struct {
	size int64
	alg  string
	sum  string
}

// Process runs it from pre_check to a terminal status, or until a stop
// request is seen between stages.
func (p *Pipeline) Process(ctx context.Context, it domain.MigrationItem) Outcome {
	r := &run{p: p, it: it}
	r.ex = p.executor(r)
	log := p.log().With(zap.String("job_id", p.Job.ID), zap.String("item_id", it.ID))

	stages := []struct {
		stage domain.Stage
		fn    func(context.Context) (bool, error)
	}{
		{domain.StagePreCheck, r.preCheck},
		{domain.StageTransfer, r.transfer},
		{domain.StageIndex, r.index},
		{domain.StageACLApply, r.applyACL},
		{domain.StageVerify, r.verify},
		{domain.StageFinalize, r.finalize},
	}
	for _, s := range stages {
		if p.stopped() {
			return Outcome{Item: r.it, Bytes: r.bytes, Stopped: true}
		}
		if err := ctx.Err(); err != nil {
			return Outcome{Item: r.it, Bytes: r.bytes, Stopped: true}
		}
		r.it.Stage = s.stage
		done, err := s.fn(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return Outcome{Item: r.it, Bytes: r.bytes, Stopped: true}
			}
			me := domain.AsMigrationError(err)
			log.Warn("item failed", zap.String("stage", string(s.stage)), zap.String("code", string(me.Code)), zap.Error(err))
			return r.fail(ctx, me)
		}
		if done {
			return Outcome{Item: r.it, Bytes: r.bytes}
		}
	}
	return Outcome{Item: r.it, Bytes: r.bytes}
}

// executor wraps p.Retry so every retried attempt is counted on the item
// and audited.
func (p *Pipeline) executor(r *run) *retry.Executor {
	ex := p.Retry
	if ex == nil {
		ex = retry.New(p.Job.Config.RetryAttempts)
	}
	c := *ex
	parent := ex.OnRetry
	c.OnRetry = func(op string, attempt int, err *domain.MigrationError, delay time.Duration) {
		r.it.AttemptCount++
		p.record(context.Background(), r.it, domain.EventItemRetried, map[string]any{
			"op": op, "attempt": attempt, "code": string(err.Code), "delay_ms": delay.Milliseconds(),
		}, err.Error())
		if parent != nil {
			parent(op, attempt, err, delay)
		}
	}
	return &c
}

func (p *Pipeline) record(ctx context.Context, it domain.MigrationItem, typ domain.EventType, details map[string]any, msg string) {
	err := p.Audit.Record(ctx, domain.AuditEvent{
		JobID: p.Job.ID, ItemID: it.ID, EventType: typ, Stage: it.Stage,
		Details: details, ErrorMessage: msg, SourceID: it.SourceID, CreatedAt: p.now(),
	})
	if err != nil {
		p.log().Error("audit append failed", zap.String("job_id", p.Job.ID), zap.String("event", string(typ)), zap.Error(err))
	}
}

// advance moves the item to status and persists it.
func (r *run) advance(ctx context.Context, status domain.ItemStatus) error {
	if r.it.Status == status {
		return nil
	}
	if err := domain.CheckItemTransition(r.it.Status, status); err != nil {
		return domain.WrapError(domain.CodeInternal, err)
	}
	r.it.Status = status
	return r.save(ctx)
}

func (r *run) save(ctx context.Context) error {
	r.it.UpdatedAt = r.p.now()
	if err := r.p.Repo.UpdateItem(ctx, r.it); err != nil {
		return domain.WrapError(domain.CodeInternal, err)
	}
	return nil
}

func (r *run) fail(ctx context.Context, me *domain.MigrationError) Outcome {
	r.it.AttemptCount++
	r.it.ErrorCode = me.Code
	r.it.LastError = me.Error()
	if !r.it.Status.Terminal() {
		r.it.Status = domain.ItemFailed
	}
	if err := r.save(context.WithoutCancel(ctx)); err != nil {
		r.p.log().Error("persist failed item", zap.String("item_id", r.it.ID), zap.Error(err))
	}
	if r.it.Type == domain.ItemFolder {
		r.p.Links.Fail(r.it.SourceID)
	}
	r.p.record(context.WithoutCancel(ctx), r.it, domain.EventItemFailed, map[string]any{
		"code": string(me.Code), "category": string(me.Category()), "attempts": r.it.AttemptCount,
	}, me.Error())
	return Outcome{Item: r.it, Bytes: r.bytes, Err: me}
}

// skip ends the item as skipped. A folder that already has a target still
// resolves its children.
func (r *run) skip(ctx context.Context, reason string, details map[string]any) (bool, error) {
	r.it.SkipReason = reason
	if err := r.advance(ctx, domain.ItemSkipped); err != nil {
		return true, err
	}
	if r.it.TargetID != "" {
		r.p.Links.Resolve(r.it.SourceID, r.it.TargetID)
	} else if r.it.Type == domain.ItemFolder {
		r.p.Links.Fail(r.it.SourceID)
	}
	if details == nil {
		details = map[string]any{}
	}
	details["reason"] = reason
	r.p.record(ctx, r.it, domain.EventItemSkipped, details, "")
	return true, nil
}

// parentTarget resolves the target folder the item goes into.
func (r *run) parentTarget(ctx context.Context) (string, error) {
	if r.it.Top() {
		return r.p.RootID, nil
	}
	if id, ok := r.p.Links.Lookup(r.it.ParentSourceID); ok {
		return id, nil
	}
	wait := r.p.ParentWait
	if wait <= 0 {
		wait = DefaultParentWait
	}
	return r.p.Links.Wait(ctx, r.it.ParentSourceID, r.p.Job.Config.RetryAttempts+1, wait)
}
