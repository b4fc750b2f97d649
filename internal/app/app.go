// Package app wires the workspace database, target store, connectors and
// engine from a loaded config. The CLI and the server share it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"docmigrate/internal/checkpoint"
	"docmigrate/internal/config"
	"docmigrate/internal/connector"
	"docmigrate/internal/connector/filenet"
	"docmigrate/internal/connector/gdrive"
	"docmigrate/internal/connector/localfs"
	"docmigrate/internal/connector/onedrive"
	s3conn "docmigrate/internal/connector/s3"
	"docmigrate/internal/db"
	"docmigrate/internal/domain"
	"docmigrate/internal/engine"
	"docmigrate/internal/metrics"
	"docmigrate/internal/migrate"
	"docmigrate/internal/relay"
	"docmigrate/internal/repo"
	"docmigrate/internal/target/fsstore"
)

type App struct {
	Config  config.Config
	DB      *sql.DB
	Store   *fsstore.Store
	Engine  engine.Engine
	Metrics *metrics.Metrics
	Log     *zap.Logger

	closers []func() error
}

// RegisterConnectors adds every built-in source system to reg.
func RegisterConnectors(reg *connector.Registry) {
	reg.Register(domain.SourceLocal, localfs.Factory)
	reg.Register(domain.SourceGoogleDrive, gdrive.Factory)
	reg.Register(domain.SourceOneDrive, onedrive.Factory)
	reg.Register(domain.SourceS3, s3conn.Factory)
	reg.Register(domain.SourceFileNet, filenet.Factory)
}

// Open prepares the workspace and returns a ready engine. Close releases
// everything Open acquired.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Log: log}
	if _, err := db.EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: cfg.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	if err := migrate.Migrate(conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store, err := fsstore.Open(cfg.TargetRoot(), fsstore.Options{Compression: cfg.Target.Compression, Log: log.Named("target")})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open target store: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	e := engine.New(conn, store, log.Named("engine"))
	e.Settings = cfg.Connectors.Settings()
	e.Options = engine.Options{
		CallTimeout:     cfg.Engine.CallTimeout,
		BaseDelay:       cfg.Engine.BaseDelay,
		MaxDelay:        cfg.Engine.MaxDelay,
		ParentWait:      cfg.Engine.ParentWait,
		MetricsInterval: cfg.Engine.MetricsInterval,
		ControlPoll:     cfg.Engine.ControlPoll,
	}
	RegisterConnectors(e.Connectors)

	if cfg.Checkpoint.Backend == config.CheckpointRedis {
		client, err := checkpoint.Connect(cfg.Checkpoint.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis checkpoint backend: %w", err)
		}
		e.Checkpoints = checkpoint.NewRedisStore(client, cfg.Checkpoint.KeyPrefix)
	}

	a.Metrics = metrics.New()
	e.Observer = a.Metrics
	a.Engine = e
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// MetricsHandler serves the Prometheus exposition.
func (a *App) MetricsHandler() http.Handler { return a.Metrics.HTTPHandler() }

// Relay builds the notification relay from config. It returns nil when no
// sink is configured.
func (a *App) Relay() (*relay.Relay, error) {
	rc := a.Config.Relay
	r := relay.New(a.Engine.Repo, a.Log.Named("relay"))
	r.Interval = rc.Interval
	r.Batch = rc.Batch
	for _, hook := range rc.Webhooks {
		r.Add(relay.NewWebhook(hook.Name, hook.URL, hook.Secret, nil), hook.Events)
	}
	if len(rc.Kafka.Brokers) > 0 {
		k, err := relay.NewKafka(rc.Kafka.Brokers, rc.Kafka.TopicPrefix)
		if err != nil {
			return nil, err
		}
		r.Add(k, rc.Kafka.Events)
	}
	if r.Len() == 0 {
		return nil, nil
	}
	return r, nil
}

// RecoverInterrupted starts every discovering or running job that no
// process drives, e.g. after a crash. It returns the recovered job ids.
func (a *App) RecoverInterrupted(ctx context.Context) ([]string, error) {
	var ids []string
	for _, st := range []domain.JobStatus{domain.JobDiscovering, domain.JobRunning} {
		jobs, err := a.Engine.Repo.ListJobs(ctx, repo.JobFilters{Status: st})
		if err != nil {
			return ids, err
		}
		for _, j := range jobs {
			if a.Engine.Running(j.ID) {
				continue
			}
			if err := a.Engine.Start(ctx, j.ID); err != nil {
				a.Log.Warn("recover job", zap.String("job_id", j.ID), zap.Error(err))
				continue
			}
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
}

// Drain pauses every job this process drives and waits until their runs
// return. Paused jobs resume from their checkpoint on the next start.
func (a *App) Drain(ctx context.Context) ([]string, error) {
	var ids []string
	for _, st := range []domain.JobStatus{domain.JobDiscovering, domain.JobRunning} {
		jobs, err := a.Engine.Repo.ListJobs(ctx, repo.JobFilters{Status: st})
		if err != nil {
			return ids, err
		}
		for _, j := range jobs {
			if !a.Engine.Running(j.ID) {
				continue
			}
			if _, err := a.Engine.Pause(ctx, j.ID); err != nil {
				a.Log.Warn("pause job on drain", zap.String("job_id", j.ID), zap.Error(err))
				continue
			}
			ids = append(ids, j.ID)
		}
	}
	var errs []error
	for _, id := range ids {
		if _, err := a.Engine.Wait(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", id, err))
		}
	}
	return ids, errors.Join(errs...)
}
