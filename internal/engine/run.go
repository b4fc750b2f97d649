package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"docmigrate/internal/connector"
	"docmigrate/internal/domain"
	"docmigrate/internal/permission"
	"docmigrate/internal/pipeline"
	"docmigrate/internal/repo"
)

type eventKind int

const (
	evPage eventKind = iota
	evDiscoveryFailed
	evOutcome
	evThrottled
)

// event is the only way discovery and workers talk to the orchestrator.
type event struct {
	kind    eventKind
	created []domain.MigrationItem
	page    connector.DiscoveryPage
	outcome pipeline.Outcome
	err     *domain.MigrationError
	op      string
}

// orchestrator is owned by a single goroutine. It alone touches the job
// counters, the error summary and the checkpoint.
type orchestrator struct {
	e    Engine
	lr   *liveRun
	job  domain.MigrationJob
	cp   domain.MigrationCheckpoint
	log  *zap.Logger
	mode runMode

	src    connector.Connector
	rootID string
	links  *pipeline.LinkIndex

	queue  chan domain.MigrationItem
	events chan event
	stop   atomic.Bool

	// target is the status the run ends in once workers drain.
	target       domain.JobStatus
	pendingPause bool
	sinceSave    int
	throttles    int64
	lastSample   sample
}

type runMode int

const (
	modeFresh runMode = iota
	modeResume
	modeRecover
)

type sample struct {
	at        time.Time
	processed int64
	bytes     int64
}

func (e Engine) run(ctx context.Context, jobID string, lr *liveRun) (domain.MigrationJob, error) {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return job, err
	}
	o := &orchestrator{e: e, lr: lr, job: job, log: e.log().With(zap.String("job_id", jobID)), links: pipeline.NewLinkIndex()}
	switch job.Status {
	case domain.JobPending:
		o.mode = modeFresh
	case domain.JobPaused:
		o.mode = modeResume
	case domain.JobDiscovering, domain.JobRunning:
		o.mode = modeRecover
	default:
		return job, repo.ErrJobTerminal
	}
	if o.mode == modeResume {
		// A stale request from the run that paused the job.
		if err := e.Repo.ClearControl(ctx, jobID); err != nil {
			return job, err
		}
		if err := e.transition(ctx, &o.job, domain.JobRunning, nil); err != nil {
			return o.job, err
		}
	}
	if err := o.setup(ctx); err != nil {
		if ferr := o.failNow(ctx, err); ferr != nil {
			return o.job, ferr
		}
		return o.job, nil
	}
	switch o.mode {
	case modeFresh:
		if err := e.transition(ctx, &o.job, domain.JobDiscovering, nil); err != nil {
			return o.job, err
		}
	case modeRecover:
		if _, err := e.Audit.Append(ctx, nil, domain.AuditEvent{
			JobID: jobID, EventType: domain.EventJobRecovered, CreatedAt: e.now(),
			Details: map[string]any{"status": string(o.job.Status)},
		}); err != nil {
			return o.job, err
		}
	}
	return o.loop(ctx)
}

// setup resolves credentials, opens the connector and the target root.
func (o *orchestrator) setup(ctx context.Context) error {
	cred, err := o.e.Credentials.Resolve(ctx, o.job)
	if err != nil {
		return jobError(err, domain.CodeCredentials)
	}
	if o.e.Connectors == nil {
		return domain.Errorf(domain.CodeBadConfig, "no connectors registered")
	}
	settings := o.e.Settings[o.job.SourceSystem]
	settings.SourceLocation = o.job.Config.SourceLocation
	settings.PageSize = o.job.Config.PageSize
	src, err := o.e.Connectors.Open(ctx, o.job.SourceSystem, settings, cred)
	if err != nil {
		return jobError(err, domain.CodeBadConfig)
	}
	if o.e.Target == nil {
		return domain.Errorf(domain.CodeTargetDown, "no target store configured")
	}
	root, err := o.e.Target.EnsureRoot(ctx, o.job.Config.TargetLocation)
	if err != nil {
		return jobError(err, domain.CodeTargetDown)
	}
	o.src = src
	o.rootID = root.ID
	return nil
}

// failNow fails the job before any worker started.
func (o *orchestrator) failNow(ctx context.Context, err error) error {
	me := domain.AsMigrationError(err)
	o.job.ErrorCode = me.Code
	o.job.ErrorMessage = me.Error()
	o.log.Warn("job setup failed", zap.String("code", string(me.Code)), zap.Error(err))
	cp, _, lerr := o.e.Checkpoints.Load(ctx, o.job.ID)
	if lerr != nil {
		return lerr
	}
	o.cp = cp
	if serr := o.e.saveCheckpoint(ctx, &o.job, &o.cp); serr != nil {
		return serr
	}
	return o.e.transition(ctx, &o.job, domain.JobFailed, nil)
}

func (o *orchestrator) loop(ctx context.Context) (domain.MigrationJob, error) {
	e := o.e
	cp, _, err := e.Checkpoints.Load(ctx, o.job.ID)
	if err != nil {
		return o.job, fmt.Errorf("load checkpoint: %w", err)
	}
	o.cp = cp
	o.cp.CompletedSinceStart = 0

	var requeue []domain.MigrationItem
	if o.mode != modeFresh {
		if err := o.recount(ctx); err != nil {
			return o.job, err
		}
		if requeue, err = o.prepareResume(ctx); err != nil {
			return o.job, err
		}
		if err := e.persist(ctx, &o.job); err != nil {
			return o.job, err
		}
	}

	cfg := o.job.Config
	size := e.Options.QueueSize
	if size <= 0 {
		size = cfg.Concurrency * 4
	}
	o.queue = make(chan domain.MigrationItem, size)
	o.events = make(chan event, cfg.Concurrency*2)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	discCtx, cancelDisc := context.WithCancel(runCtx)
	defer cancelDisc()

	ex := e.executor(o.job)
	obs := e.observer()
	system := o.job.SourceSystem
	ex.OnThrottle = func(op string) {
		obs.Throttled(system, op)
		o.events <- event{kind: evThrottled, op: op}
	}
	p := &pipeline.Pipeline{
		Job:        o.job,
		Source:     o.src,
		Target:     e.Target,
		RootID:     o.rootID,
		Repo:       e.Repo,
		Audit:      e.Audit,
		Translator: permission.Translator{Identities: e.Repo},
		Retry:      ex,
		Links:      o.links,
		ParentWait: e.Options.ParentWait,
		Stop:       o.stop.Load,
		Now:        e.Now,
		Log:        e.Log,
	}

	d := &discovery{o: o, ex: ex, requeue: requeue, job: o.job, token: o.cp.LastPageToken, skip: o.cp.FolderSet(), complete: o.job.DiscoveryComplete}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(o.queue)
		d.run(discCtx)
	}()
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range o.queue {
				if o.stop.Load() || runCtx.Err() != nil {
					continue
				}
				o.events <- event{kind: evOutcome, outcome: p.Process(runCtx, it)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(o.events)
	}()

	o.lastSample = sample{at: e.now(), processed: o.job.ProcessedItems, bytes: o.job.ProcessedBytes}
	metricsEvery := e.Options.MetricsInterval
	if metricsEvery <= 0 {
		metricsEvery = DefaultMetricsInterval
	}
	pollEvery := e.Options.ControlPoll
	if pollEvery <= 0 {
		pollEvery = DefaultControlPoll
	}
	metricsTick := time.NewTicker(metricsEvery)
	defer metricsTick.Stop()
	pollTick := time.NewTicker(pollEvery)
	defer pollTick.Stop()

	// Bookkeeping outlives a cancelled caller so counters stay consistent.
	wctx := context.WithoutCancel(ctx)
	o.pollControl(wctx, cancelDisc)
	done := ctx.Done()
	for {
		select {
		case ev, ok := <-o.events:
			if !ok {
				return o.finish(ctx)
			}
			o.handle(wctx, ev, cancelDisc)
		case <-metricsTick.C:
			o.sample(wctx)
		case <-pollTick.C:
			o.pollControl(wctx, cancelDisc)
		case req := <-o.lr.signal:
			o.control(req, cancelDisc)
		case <-done:
			done = nil
			o.halt(cancelDisc)
		}
	}
}

// recount rebuilds counters from the stored items.
func (o *orchestrator) recount(ctx context.Context) error {
	counts, err := o.e.Repo.CountItemsByStatus(ctx, o.job.ID)
	if err != nil {
		return fmt.Errorf("count items: %w", err)
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	o.job.TotalItems = total
	o.job.ProcessedItems = counts[domain.ItemCompleted]
	o.job.FailedItems = counts[domain.ItemFailed]
	o.job.SkippedItems = counts[domain.ItemSkipped]
	o.job.TotalBytes, o.job.ProcessedBytes, err = o.e.Repo.ItemBytes(ctx, o.job.ID)
	return err
}

// prepareResume seeds the link index from settled items and returns the
// unfinished ones reset to the start of the pipeline, in discovery order.
func (o *orchestrator) prepareResume(ctx context.Context) ([]domain.MigrationItem, error) {
	var (
		requeue []domain.MigrationItem
		after   int64
	)
	for {
		items, last, err := o.e.Repo.ListItems(ctx, repo.ItemFilters{JobID: o.job.ID, AfterSeq: after, Limit: 500})
		if err != nil {
			return nil, fmt.Errorf("list items: %w", err)
		}
		for _, it := range items {
			switch {
			case it.Status.Terminal():
				if it.Type != domain.ItemFolder {
					continue
				}
				if it.TargetID != "" && it.Status != domain.ItemFailed {
					o.links.Resolve(it.SourceID, it.TargetID)
				} else {
					o.links.Fail(it.SourceID)
				}
			default:
				if it.Status != domain.ItemDiscovered {
					if err := domain.CheckItemTransition(it.Status, domain.ItemDiscovered); err != nil {
						return nil, err
					}
					it.Status = domain.ItemDiscovered
				}
				it.Stage = domain.StagePreCheck
				it.UpdatedAt = o.e.now()
				if err := o.e.Repo.UpdateItem(ctx, it); err != nil {
					return nil, fmt.Errorf("reset item %s: %w", it.ID, err)
				}
				requeue = append(requeue, it)
			}
		}
		if len(items) < 500 {
			break
		}
		after = last
	}
	return requeue, nil
}

func (o *orchestrator) handle(ctx context.Context, ev event, cancelDisc context.CancelFunc) {
	switch ev.kind {
	case evThrottled:
		o.throttles++
	case evPage:
		o.onPage(ctx, ev, cancelDisc)
	case evDiscoveryFailed:
		if o.target == "" {
			o.fail(ev.err, cancelDisc)
		}
	case evOutcome:
		o.onOutcome(ctx, ev.outcome, cancelDisc)
	}
}

func (o *orchestrator) onPage(ctx context.Context, ev event, cancelDisc context.CancelFunc) {
	for _, it := range ev.created {
		o.job.TotalItems++
		if it.Size > 0 {
			o.job.TotalBytes += it.Size
		}
	}
	page := ev.page
	o.cp.LastPageToken = page.NextPageToken
	o.cp.CurrentFolder = page.CurrentFolder
	if len(page.CompletedFolders) > 0 {
		seen := o.cp.FolderSet()
		for _, f := range page.CompletedFolders {
			if !seen[f] {
				o.cp.ProcessedFolders = append(o.cp.ProcessedFolders, f)
			}
		}
	}
	if page.Last() {
		o.job.DiscoveryComplete = true
		o.cp.LastPageToken = ""
	}
	if err := o.e.saveCheckpoint(ctx, &o.job, &o.cp); err != nil {
		o.log.Error("checkpoint after page", zap.Error(err))
	}
	o.audit(ctx, domain.EventDiscoveryPage, map[string]any{
		"items":    len(page.Items),
		"new":      len(ev.created),
		"has_more": !page.Last(),
		"folder":   page.CurrentFolder,
	})
	if o.job.Status == domain.JobDiscovering && o.target == "" {
		if err := o.e.transition(ctx, &o.job, domain.JobRunning, nil); err != nil {
			o.log.Error("enter running", zap.Error(err))
			o.fail(domain.WrapError(domain.CodeInternal, err), cancelDisc)
			return
		}
		if o.pendingPause {
			o.begin(domain.JobPaused, cancelDisc)
		}
	}
	o.flush(ctx)
	o.checkSettled()
}

func (o *orchestrator) onOutcome(ctx context.Context, out pipeline.Outcome, cancelDisc context.CancelFunc) {
	it := out.Item
	if out.Stopped || !it.Status.Terminal() {
		return
	}
	switch it.Status {
	case domain.ItemCompleted:
		o.job.ProcessedItems++
		if it.Size > 0 {
			o.job.ProcessedBytes += it.Size
		}
	case domain.ItemSkipped:
		o.job.SkippedItems++
	case domain.ItemFailed:
		o.job.FailedItems++
		me := out.Err
		if me == nil {
			me = &domain.MigrationError{Code: it.ErrorCode, Message: it.LastError}
		}
		o.job.ErrorSummary.Record(domain.ErrorSample{
			ItemID: it.ID, SourcePath: it.SourcePath, Code: me.Code, Message: me.Error(), At: o.e.now(),
		}, me.Category())
		if me.Category() == domain.CategoryPermanentJob && o.target == "" {
			if me.Code == domain.CodeAuthRevoked {
				if err := o.e.Repo.InvalidateCredentials(ctx, o.job.ID); err != nil {
					o.log.Error("invalidate credentials", zap.Error(err))
				}
			}
			o.fail(me, cancelDisc)
		}
	}
	o.e.observer().ItemFinished(o.job.SourceSystem, it, out.Bytes)
	o.cp.LastProcessedItemID = it.ID
	o.cp.CompletedSinceStart++
	o.sinceSave++
	if o.sinceSave >= o.job.Config.CheckpointBatch {
		o.sinceSave = 0
		if err := o.e.saveCheckpoint(ctx, &o.job, &o.cp); err != nil {
			o.log.Error("checkpoint after batch", zap.Error(err))
		}
	}
	o.flush(ctx)
	o.checkSettled()
}

// checkSettled lets the run end once every discovered item is terminal.
// Workers exit as the queue closes; finish then completes the job.
func (o *orchestrator) checkSettled() {
	if o.target == "" && o.job.Status == domain.JobRunning && o.job.Settled() {
		o.target = domain.JobCompleted
	}
}

func (o *orchestrator) flush(ctx context.Context) {
	if err := o.e.persist(ctx, &o.job); err != nil {
		o.log.Error("persist counters", zap.Error(err))
	}
}

func (o *orchestrator) pollControl(ctx context.Context, cancelDisc context.CancelFunc) {
	req, err := o.e.Repo.ControlRequest(ctx, o.job.ID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			o.log.Warn("poll control request", zap.Error(err))
		}
		return
	}
	if req != "" {
		o.control(req, cancelDisc)
	}
}

func (o *orchestrator) control(req string, cancelDisc context.CancelFunc) {
	switch req {
	case repo.ControlCancel:
		switch o.target {
		case domain.JobCancelled, domain.JobFailed, domain.JobCompleted:
			// A late cancel does not undo a settled run.
		default:
			o.log.Info("cancel requested")
			o.begin(domain.JobCancelled, cancelDisc)
		}
	case repo.ControlPause:
		if o.target != "" {
			return
		}
		if o.job.Status == domain.JobDiscovering {
			o.pendingPause = true
			return
		}
		o.log.Info("pause requested")
		o.begin(domain.JobPaused, cancelDisc)
	}
}

// begin asks producer and workers to stop; the run ends in status once
// the workers drained.
func (o *orchestrator) begin(status domain.JobStatus, cancelDisc context.CancelFunc) {
	o.target = status
	o.stop.Store(true)
	cancelDisc()
}

func (o *orchestrator) fail(me *domain.MigrationError, cancelDisc context.CancelFunc) {
	o.job.ErrorCode = me.Code
	o.job.ErrorMessage = me.Error()
	o.log.Warn("job failing", zap.String("code", string(me.Code)), zap.Error(me))
	o.begin(domain.JobFailed, cancelDisc)
}

// halt stops the run without a status change; the job is recovered by the
// next Run.
func (o *orchestrator) halt(cancelDisc context.CancelFunc) {
	o.stop.Store(true)
	cancelDisc()
}

func (o *orchestrator) finish(ctx context.Context) (domain.MigrationJob, error) {
	// The caller's context may be gone; bookkeeping still has to land.
	wctx := context.WithoutCancel(ctx)
	o.sample(wctx)
	target := o.target
	switch {
	case target == domain.JobPaused && o.job.Settled():
		target = domain.JobCompleted
	case target == "" && ctx.Err() == nil && o.job.Settled():
		target = domain.JobCompleted
	}
	if target == "" {
		if err := o.e.saveCheckpoint(wctx, &o.job, &o.cp); err != nil {
			return o.job, err
		}
		o.flush(wctx)
		if err := ctx.Err(); err != nil {
			return o.job, err
		}
		return o.job, nil
	}
	if target == domain.JobCompleted && o.job.Status == domain.JobDiscovering {
		if err := o.e.transition(wctx, &o.job, domain.JobRunning, nil); err != nil {
			return o.job, err
		}
	}
	if err := o.e.saveCheckpoint(wctx, &o.job, &o.cp); err != nil {
		return o.job, err
	}
	if err := o.e.transition(wctx, &o.job, target, nil); err != nil {
		return o.job, err
	}
	if err := o.e.Repo.ClearControl(wctx, o.job.ID); err != nil {
		return o.job, err
	}
	return o.job, nil
}

func (o *orchestrator) audit(ctx context.Context, typ domain.EventType, details map[string]any) {
	if _, err := o.e.Audit.Append(ctx, nil, domain.AuditEvent{
		JobID: o.job.ID, EventType: typ, Stage: domain.StageDiscovery, Details: details, CreatedAt: o.e.now(),
	}); err != nil {
		o.log.Error("audit append failed", zap.String("event", string(typ)), zap.Error(err))
	}
}

// sample stores a metrics sample and forwards it to the observer.
func (o *orchestrator) sample(ctx context.Context) {
	now := o.e.now()
	stages, err := o.e.Repo.CountItemsByStage(ctx, o.job.ID)
	if err != nil {
		o.log.Warn("count stages", zap.Error(err))
		stages = map[domain.Stage]int64{}
	}
	m := domain.MigrationMetrics{
		JobID:            o.job.ID,
		RecordedAt:       now,
		APIThrottleCount: o.throttles,
		ErrorCount:       o.job.ErrorSummary.TotalErrors,
		QueueBacklog:     len(o.queue),
		StageCounts:      stages,
	}
	if elapsed := now.Sub(o.lastSample.at); elapsed > 0 {
		files := float64(o.job.ProcessedItems-o.lastSample.processed) / elapsed.Minutes()
		bytes := float64(o.job.ProcessedBytes-o.lastSample.bytes) / elapsed.Seconds()
		m.FilesPerMinute = &files
		m.BytesPerSecond = &bytes
	}
	o.lastSample = sample{at: now, processed: o.job.ProcessedItems, bytes: o.job.ProcessedBytes}
	if err := o.e.Repo.InsertMetrics(ctx, m); err != nil {
		o.log.Warn("store metrics sample", zap.Error(err))
		return
	}
	o.e.observer().Sample(m)
}
