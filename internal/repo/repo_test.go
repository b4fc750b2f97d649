package repo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"docmigrate/internal/db"
	"docmigrate/internal/domain"
	"docmigrate/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.OpenPath(filepath.Join(t.TempDir(), "repo.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

var testNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func insertJob(t *testing.T, r Repo, id string) domain.MigrationJob {
	t.Helper()
	cfg := domain.DefaultConfig()
	cfg.TargetLocation = "/archive"
	job := domain.MigrationJob{
		ID: id, OwnerUserID: "alice", SourceSystem: domain.SourceLocal, Status: domain.JobPending,
		Config: cfg, CreatedAt: testNow, UpdatedAt: testNow,
	}
	if err := r.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	return job
}

func TestJobRoundTripAndTerminalGuard(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	job := insertJob(t, r, "job-1")

	got, err := r.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Config.TargetLocation != "/archive" || got.Config.Concurrency != domain.DefaultConcurrency {
		t.Fatalf("config not persisted: %+v", got.Config)
	}

	job.Status = domain.JobDiscovering
	started := testNow.Add(time.Minute)
	job.StartedAt = &started
	if err := r.UpdateJob(ctx, job, domain.JobPending); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := r.UpdateJob(ctx, job, domain.JobPending); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale update should conflict, got %v", err)
	}

	job.Status = domain.JobCancelled
	if err := r.UpdateJob(ctx, job, domain.JobDiscovering); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	job.Status = domain.JobRunning
	if err := r.UpdateJob(ctx, job, domain.JobCancelled); !errors.Is(err, ErrJobTerminal) {
		t.Fatalf("terminal job must be immutable, got %v", err)
	}
	if err := r.UpdateJob(ctx, job, domain.JobDiscovering); !errors.Is(err, ErrJobTerminal) {
		t.Fatalf("terminal job must be immutable, got %v", err)
	}
	got, _ = r.GetJob(ctx, "job-1")
	if got.Status != domain.JobCancelled || got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("unexpected job %+v", got)
	}

	if _, err := r.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertDiscoveredIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertJob(t, r, "job-1")

	item := domain.MigrationItem{
		ID: "item-1", JobID: "job-1", SourceID: "src-1", SourcePath: "/a.txt", Name: "a.txt", Type: domain.ItemFile,
		Size: 10, Status: domain.ItemDiscovered, Stage: domain.StagePreCheck, CreatedAt: testNow, UpdatedAt: testNow,
		SourcePermissions: []domain.SourcePermission{{PrincipalID: "uid:1", PrincipalType: domain.PrincipalUser, Role: "owner"}},
	}
	_, created, err := r.InsertDiscovered(ctx, item)
	if err != nil || !created {
		t.Fatalf("first insert created=%t err=%v", created, err)
	}
	dup := item
	dup.ID = "item-2"
	stored, created, err := r.InsertDiscovered(ctx, dup)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created || stored.ID != "item-1" {
		t.Fatalf("rediscovery must return the stored row, got created=%t id=%s", created, stored.ID)
	}
	if len(stored.SourcePermissions) != 1 || stored.SourcePermissions[0].PrincipalID != "uid:1" {
		t.Fatalf("permissions lost: %+v", stored.SourcePermissions)
	}

	second := domain.MigrationItem{
		ID: "item-3", JobID: "job-1", SourceID: "src-2", SourcePath: "/b.txt", Name: "b.txt", Type: domain.ItemFile,
		Size: -1, Status: domain.ItemDiscovered, Stage: domain.StagePreCheck, CreatedAt: testNow, UpdatedAt: testNow,
	}
	if _, _, err := r.InsertDiscovered(ctx, second); err != nil {
		t.Fatalf("insert second: %v", err)
	}

	stored.Status = domain.ItemCompleted
	stored.Stage = domain.StageFinalize
	stored.TargetID = "t-1"
	stored.ChecksumVerified = true
	if err := r.UpdateItem(ctx, stored); err != nil {
		t.Fatalf("update item: %v", err)
	}

	items, last, err := r.ListItems(ctx, ItemFilters{JobID: "job-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].SourceID != "src-1" || items[1].SourceID != "src-2" || last != 2 {
		t.Fatalf("discovery order not kept: %+v last=%d", items, last)
	}
	pending, _, err := r.ListItems(ctx, ItemFilters{JobID: "job-1", Statuses: []domain.ItemStatus{domain.ItemDiscovered}})
	if err != nil || len(pending) != 1 || pending[0].SourceID != "src-2" {
		t.Fatalf("status filter: %+v err=%v", pending, err)
	}
	counts, err := r.CountItemsByStatus(ctx, "job-1")
	if err != nil || counts[domain.ItemCompleted] != 1 || counts[domain.ItemDiscovered] != 1 {
		t.Fatalf("counts %v err=%v", counts, err)
	}
	total, processed, err := r.ItemBytes(ctx, "job-1")
	if err != nil || total != 10 || processed != 10 {
		t.Fatalf("bytes total=%d processed=%d err=%v", total, processed, err)
	}
}

func TestMappingsAndIdentities(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	m := domain.MigrationMapping{SourceSystem: domain.SourceS3, SourceItemID: "k1", TargetLocation: "/t", TargetID: "t1", TargetVersion: 1, ETag: "e1", JobID: "j1", UpdatedAt: testNow}
	if err := r.UpsertMapping(ctx, m); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	m.TargetVersion = 2
	m.ETag = "e2"
	if err := r.UpsertMapping(ctx, m); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	got, err := r.GetMapping(ctx, domain.SourceS3, "k1", "/t")
	if err != nil || got.TargetVersion != 2 || got.ETag != "e2" {
		t.Fatalf("mapping %+v err=%v", got, err)
	}
	if _, err := r.GetMapping(ctx, domain.SourceS3, "k1", "/other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("mapping is keyed by target location, got %v", err)
	}

	id := domain.IdentityMapping{
		ID: "im-1", SourceSystem: domain.SourceGoogleDrive, SourcePrincipalID: "bob@old", SourcePrincipalType: domain.PrincipalUser,
		TargetPrincipalID: "bob@new", TargetPrincipalType: domain.PrincipalUser, Verified: true,
		RoleMapping: map[string]domain.TargetRole{"reader": domain.RoleCommenter}, UpdatedAt: testNow,
	}
	if err := r.UpsertIdentityMapping(ctx, id); err != nil {
		t.Fatalf("upsert identity: %v", err)
	}
	gotID, err := r.GetIdentityMapping(ctx, domain.SourceGoogleDrive, "bob@old")
	if err != nil || !gotID.Resolved() || gotID.RoleMapping["reader"] != domain.RoleCommenter {
		t.Fatalf("identity %+v err=%v", gotID, err)
	}
	list, err := r.ListIdentityMappings(ctx, IdentityFilters{SourceSystem: domain.SourceGoogleDrive})
	if err != nil || len(list) != 1 {
		t.Fatalf("list identities %v err=%v", list, err)
	}
}

func TestControlRequestsAndCheckpoint(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertJob(t, r, "job-1")
	if err := r.RequestControl(ctx, "job-1", ControlPause); err != nil {
		t.Fatalf("request: %v", err)
	}
	req, err := r.ControlRequest(ctx, "job-1")
	if err != nil || req != ControlPause {
		t.Fatalf("control %q err=%v", req, err)
	}
	if err := r.ClearControl(ctx, "job-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if req, _ := r.ControlRequest(ctx, "job-1"); req != "" {
		t.Fatalf("control not cleared: %q", req)
	}
	if err := r.RequestControl(ctx, "missing", ControlCancel); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	cp := domain.MigrationCheckpoint{JobID: "job-1", LastPageToken: "tok", ProcessedFolders: []string{"a"}, UpdatedAt: testNow}
	if err := r.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	cp.LastPageToken = "tok2"
	if err := r.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save again: %v", err)
	}
	got, err := r.GetCheckpoint(ctx, "job-1")
	if err != nil || got.LastPageToken != "tok2" || !got.FolderSet()["a"] {
		t.Fatalf("checkpoint %+v err=%v", got, err)
	}
}
