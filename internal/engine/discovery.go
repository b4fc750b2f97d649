package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"docmigrate/internal/connector"
	"docmigrate/internal/domain"
	"docmigrate/internal/retry"
)

// discovery is the single producer. It replays unfinished items first,
// then pages the connector from the checkpoint token. Every page is stored
// before its event is sent, and its new items are queued after it.
type discovery struct {
	o       *orchestrator
	ex      *retry.Executor
	requeue []domain.MigrationItem
	// Snapshots taken before the goroutine started.
	job      domain.MigrationJob
	token    string
	skip     map[string]bool
	complete bool
	parents  map[string]string
}

func (d *discovery) run(ctx context.Context) {
	for _, it := range d.requeue {
		if !d.enqueue(ctx, it) {
			return
		}
	}
	if d.complete {
		return
	}
	cfg := d.job.Config
	req := connector.DiscoverRequest{
		PageToken:   d.token,
		SkipFolders: d.skip,
		PageSize:    cfg.PageSize,
		Recursive:   cfg.Recursive,
	}
	d.parents = map[string]string{}
	for {
		page, err := retry.Do(ctx, d.ex, "discover", func(ctx context.Context) connector.Result[connector.DiscoveryPage] {
			return d.o.src.Discover(ctx, req)
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.o.events <- event{kind: evDiscoveryFailed, err: jobError(err, domain.CodeDiscovery)}
			return
		}
		if page.NextPageToken == "" {
			page.HasMore = false
		}
		// Stored items must be reported even when a stop arrives meanwhile.
		created, err := d.store(context.WithoutCancel(ctx), page.Items)
		if err != nil {
			d.o.log.Error("store discovered items", zap.Error(err))
			d.o.events <- event{kind: evDiscoveryFailed, err: domain.WrapError(domain.CodeInternal, err)}
			return
		}
		d.o.events <- event{kind: evPage, created: created, page: page}
		for _, it := range created {
			if !d.enqueue(ctx, it) {
				return
			}
		}
		if page.Last() || ctx.Err() != nil {
			return
		}
		req.PageToken = page.NextPageToken
	}
}

func (d *discovery) enqueue(ctx context.Context, it domain.MigrationItem) bool {
	select {
	case d.o.queue <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

// store inserts the page. Items the job already holds are dropped; they
// were either settled or replayed from the requeue.
func (d *discovery) store(ctx context.Context, items []domain.MigrationItem) ([]domain.MigrationItem, error) {
	now := d.o.e.now()
	var created []domain.MigrationItem
	for _, it := range items {
		it.ID = uuid.NewString()
		it.JobID = d.job.ID
		it.Status = domain.ItemDiscovered
		it.Stage = domain.StagePreCheck
		if it.ParentSourceID != "" {
			it.ParentItemID = d.parents[it.ParentSourceID]
		}
		it.CreatedAt, it.UpdatedAt = now, now
		stored, ok, err := d.o.e.Repo.InsertDiscovered(ctx, it)
		if err != nil {
			return created, fmt.Errorf("insert item %s: %w", it.SourceID, err)
		}
		if stored.Type == domain.ItemFolder {
			d.parents[stored.SourceID] = stored.ID
		}
		if ok {
			created = append(created, stored)
		}
	}
	return created, nil
}
