// Package engine owns the job state machine. Run drives one job from
// discovery to a terminal status; the control calls record pause and
// cancel requests that whichever process drives the job picks up.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"docmigrate/internal/audit"
	"docmigrate/internal/checkpoint"
	"docmigrate/internal/connector"
	"docmigrate/internal/credentials"
	"docmigrate/internal/domain"
	"docmigrate/internal/repo"
	"docmigrate/internal/retry"
	"docmigrate/internal/target"
)

const (
	DefaultMetricsInterval = 30 * time.Second
	DefaultControlPoll     = 2 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("job is already running in this process")
	ErrNotRetryable   = errors.New("only failed or cancelled jobs can be retried")
)

// Options tune timing. Zero values fall back to package defaults.
type Options struct {
	CallTimeout     time.Duration
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ParentWait      time.Duration
	MetricsInterval time.Duration
	ControlPoll     time.Duration
	// QueueSize bounds the discovery queue; defaults to 4x concurrency.
	QueueSize int
	// Sleep replaces the retry back-off sleep. Tests use it to skip waits.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Audit       audit.Writer
	Connectors  *connector.Registry
	Settings    map[domain.SourceSystem]connector.Settings
	Credentials credentials.Source
	Checkpoints checkpoint.Store
	Target      target.Store
	Observer    Observer
	Options     Options
	Now         func() time.Time
	Log         *zap.Logger

	live *liveRuns
}

// New wires an engine on db with SQL checkpoints and plain credentials.
func New(db *sql.DB, store target.Store, log *zap.Logger) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:          db,
		Repo:        r,
		Audit:       audit.Writer{DB: db},
		Connectors:  connector.NewRegistry(),
		Settings:    map[domain.SourceSystem]connector.Settings{},
		Credentials: credentials.Source{Store: r},
		Checkpoints: checkpoint.SQLStore{Repo: r},
		Target:      store,
		Now:         time.Now,
		Log:         log,
		live:        newLiveRuns(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e Engine) observer() Observer {
	if e.Observer == nil {
		return nopObserver{}
	}
	return e.Observer
}

// SubmitOptions are parameters for creating a job.
type SubmitOptions struct {
	ID           string
	OwnerUserID  string
	SourceSystem domain.SourceSystem
	Name         string
	Config       domain.MigrationConfig
	// Credentials are stored with the job when set.
	Credentials *domain.MigrationCredentials
}

// SubmitJob validates the config and stores a pending job.
func (e Engine) SubmitJob(ctx context.Context, opts SubmitOptions) (domain.MigrationJob, error) {
	if !opts.SourceSystem.Valid() {
		return domain.MigrationJob{}, domain.Errorf(domain.CodeBadConfig, "unknown source system %q", opts.SourceSystem)
	}
	if opts.OwnerUserID == "" {
		return domain.MigrationJob{}, domain.Errorf(domain.CodeBadConfig, "owner is required")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return domain.MigrationJob{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	job := domain.MigrationJob{
		ID:           id,
		OwnerUserID:  opts.OwnerUserID,
		SourceSystem: opts.SourceSystem,
		Name:         opts.Name,
		Status:       domain.JobPending,
		Config:       cfg,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := e.Repo.InTx(ctx, func(tx repo.Repo) error {
		if err := tx.InsertJob(ctx, job); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if opts.Credentials != nil {
			c := *opts.Credentials
			c.JobID = job.ID
			c.SourceSystem = job.SourceSystem
			if c.Scheme == "" {
				c.Scheme = credentials.SchemePlain
			}
			c.UpdatedAt = now
			if err := tx.UpsertCredentials(ctx, c); err != nil {
				return fmt.Errorf("store credentials: %w", err)
			}
		}
		_, err := e.Audit.Append(ctx, tx.Conn(), domain.AuditEvent{
			JobID:     job.ID,
			EventType: domain.EventJobCreated,
			Details: map[string]any{
				"source_system":   string(job.SourceSystem),
				"source_location": cfg.SourceLocation,
				"target_location": cfg.TargetLocation,
				"dry_run":         cfg.DryRun,
				"delta_mode":      cfg.DeltaMode,
			},
			CreatedAt: now,
		})
		return err
	})
	if err != nil {
		return domain.MigrationJob{}, err
	}
	return job, nil
}

// Pause asks a discovering or running job to stop after the items in
// flight finish their current stage.
func (e Engine) Pause(ctx context.Context, jobID string) (domain.MigrationJob, error) {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return job, err
	}
	switch {
	case job.Status == domain.JobPaused:
		return job, nil
	case job.Status.Terminal():
		return job, repo.ErrJobTerminal
	case !job.Status.Active():
		return job, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, jobID, job.Status)
	}
	if err := e.Repo.RequestControl(ctx, jobID, repo.ControlPause); err != nil {
		return job, err
	}
	e.live.signal(jobID, repo.ControlPause)
	return job, nil
}

// Cancel stops a job for good. Pending and paused jobs have no driver and
// are cancelled on the spot.
func (e Engine) Cancel(ctx context.Context, jobID string) (domain.MigrationJob, error) {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return job, err
	}
	if job.Status.Terminal() {
		return job, repo.ErrJobTerminal
	}
	if job.Status.Active() {
		if err := e.Repo.RequestControl(ctx, jobID, repo.ControlCancel); err != nil {
			return job, err
		}
		e.live.signal(jobID, repo.ControlCancel)
		return job, nil
	}
	cp, _, err := e.Checkpoints.Load(ctx, jobID)
	if err != nil {
		return job, fmt.Errorf("load checkpoint: %w", err)
	}
	if err := e.saveCheckpoint(ctx, &job, &cp); err != nil {
		return job, err
	}
	if err := e.transition(ctx, &job, domain.JobCancelled, nil); err != nil {
		return job, err
	}
	return job, e.Repo.ClearControl(ctx, jobID)
}

// Resume runs a paused job to completion.
func (e Engine) Resume(ctx context.Context, jobID string) (domain.MigrationJob, error) {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return job, err
	}
	if job.Status != domain.JobPaused {
		return job, fmt.Errorf("%w: job %s is %s, not paused", domain.ErrInvalidTransition, jobID, job.Status)
	}
	return e.Run(ctx, jobID)
}

// Retry creates a delta-mode copy of a failed or cancelled job. Items the
// first job already delivered are recognised through their mappings.
func (e Engine) Retry(ctx context.Context, jobID string) (domain.MigrationJob, error) {
	old, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.MigrationJob{}, err
	}
	if old.Status != domain.JobFailed && old.Status != domain.JobCancelled {
		return domain.MigrationJob{}, fmt.Errorf("%w: job %s is %s", ErrNotRetryable, jobID, old.Status)
	}
	now := e.now()
	cfg := old.Config
	cfg.DeltaMode = true
	job := domain.MigrationJob{
		ID:           uuid.NewString(),
		OwnerUserID:  old.OwnerUserID,
		SourceSystem: old.SourceSystem,
		Name:         old.Name,
		Status:       domain.JobPending,
		Config:       cfg,
		RetryOf:      old.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = e.Repo.InTx(ctx, func(tx repo.Repo) error {
		if err := tx.InsertJob(ctx, job); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if err := tx.CopyCredentials(ctx, old.ID, job.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("copy credentials: %w", err)
		}
		_, err := e.Audit.Append(ctx, tx.Conn(), domain.AuditEvent{
			JobID:     job.ID,
			EventType: domain.EventJobRetryCreated,
			Details:   map[string]any{"retry_of": old.ID, "previous_status": string(old.Status)},
			CreatedAt: now,
		})
		return err
	})
	if err != nil {
		return domain.MigrationJob{}, err
	}
	return job, nil
}

// transition moves job to status, persisting counters and the audit event
// in one transaction.
func (e Engine) transition(ctx context.Context, job *domain.MigrationJob, to domain.JobStatus, details map[string]any) error {
	from := job.Status
	if err := domain.CheckJobTransition(from, to); err != nil {
		return err
	}
	now := e.now()
	prev := *job
	job.Status = to
	job.UpdatedAt = now
	if to == domain.JobDiscovering && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if to.Terminal() {
		job.FinishedAt = &now
	}
	ev := domain.AuditEvent{
		JobID:     job.ID,
		EventType: domain.JobEvent(from, to),
		Details:   transitionDetails(*job, from, details),
		CreatedAt: now,
	}
	if to == domain.JobFailed {
		ev.ErrorMessage = job.ErrorMessage
	}
	err := e.Repo.InTx(ctx, func(tx repo.Repo) error {
		if err := tx.UpdateJob(ctx, *job, from); err != nil {
			return err
		}
		_, err := e.Audit.Append(ctx, tx.Conn(), ev)
		return err
	})
	if err != nil {
		*job = prev
		return err
	}
	e.observer().JobTransition(to)
	e.log().Info("job transition", zap.String("job_id", job.ID), zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

func transitionDetails(job domain.MigrationJob, from domain.JobStatus, extra map[string]any) map[string]any {
	d := map[string]any{
		"from":            string(from),
		"total_items":     job.TotalItems,
		"processed_items": job.ProcessedItems,
		"failed_items":    job.FailedItems,
		"skipped_items":   job.SkippedItems,
	}
	if job.ErrorCode != "" && job.Status == domain.JobFailed {
		d["error_code"] = string(job.ErrorCode)
	}
	for k, v := range extra {
		d[k] = v
	}
	return d
}

// persist writes counters without changing status.
func (e Engine) persist(ctx context.Context, job *domain.MigrationJob) error {
	job.UpdatedAt = e.now()
	return e.Repo.UpdateJob(ctx, *job, job.Status)
}

func (e Engine) saveCheckpoint(ctx context.Context, job *domain.MigrationJob, cp *domain.MigrationCheckpoint) error {
	now := e.now()
	cp.JobID = job.ID
	cp.UpdatedAt = now
	if cp.ProcessedFolders == nil {
		cp.ProcessedFolders = []string{}
	}
	if err := e.Checkpoints.Save(ctx, *cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	job.LastCheckpoint = &now
	return nil
}

// executor builds the retry policy of job.
func (e Engine) executor(job domain.MigrationJob) *retry.Executor {
	ex := retry.New(job.Config.RetryAttempts)
	ex.CallTimeout = e.Options.CallTimeout
	ex.BaseDelay = e.Options.BaseDelay
	ex.MaxDelay = e.Options.MaxDelay
	ex.Sleep = e.Options.Sleep
	ex.Log = e.log().With(zap.String("job_id", job.ID))
	obs := e.observer()
	ex.OnRetry = func(_ string, _ int, err *domain.MigrationError, _ time.Duration) {
		obs.Retried(job.SourceSystem, err.Code)
	}
	return ex
}

// jobError turns err into a job-level failure. Codes that are not
// permanent for the job are reported under fallback.
func jobError(err error, fallback domain.ErrorCode) *domain.MigrationError {
	me := domain.AsMigrationError(err)
	if me.Category() == domain.CategoryPermanentJob {
		return me
	}
	return &domain.MigrationError{Code: fallback, Message: me.Error(), Err: err}
}

// Running reports whether this process drives jobID.
func (e Engine) Running(jobID string) bool {
	return e.live.running(jobID)
}

// Start runs the job in the background. Wait returns its result.
func (e Engine) Start(ctx context.Context, jobID string) error {
	lr, err := e.live.claim(jobID)
	if err != nil {
		return err
	}
	go func() {
		job, err := e.run(context.WithoutCancel(ctx), jobID, lr)
		if err != nil {
			e.log().Warn("job run ended with error", zap.String("job_id", jobID), zap.Error(err))
		}
		e.live.release(jobID, lr, job, err)
	}()
	return nil
}

// Wait blocks until the background run of jobID returns. Without a live
// run it returns the stored job.
func (e Engine) Wait(ctx context.Context, jobID string) (domain.MigrationJob, error) {
	lr := e.live.get(jobID)
	if lr == nil {
		return e.Repo.GetJob(ctx, jobID)
	}
	select {
	case <-lr.done:
		return lr.job, lr.err
	case <-ctx.Done():
		return domain.MigrationJob{}, ctx.Err()
	}
}

// Run drives the job until it reaches a terminal status, pauses, or ctx
// ends.
func (e Engine) Run(ctx context.Context, jobID string) (domain.MigrationJob, error) {
	lr, err := e.live.claim(jobID)
	if err != nil {
		return domain.MigrationJob{}, err
	}
	job, err := e.run(ctx, jobID, lr)
	e.live.release(jobID, lr, job, err)
	return job, err
}
