package pipeline

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"docmigrate/internal/audit"
	"docmigrate/internal/connector"
	"docmigrate/internal/db"
	"docmigrate/internal/domain"
	"docmigrate/internal/migrate"
	"docmigrate/internal/permission"
	"docmigrate/internal/repo"
	"docmigrate/internal/retry"
	"docmigrate/internal/target"
	"docmigrate/internal/target/fsstore"
)

var testNow = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu       sync.Mutex
	content  map[string]string
	perms    map[string][]domain.SourcePermission
	versions map[string][]string
	failOpen domain.ErrorCode
	opens    int
	// unsized makes OpenContent report an unknown size.
	unsized bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{content: map[string]string{}, perms: map[string][]domain.SourcePermission{}, versions: map[string][]string{}}
}

func (f *fakeSource) System() domain.SourceSystem { return domain.SourceLocal }

func (f *fakeSource) Discover(context.Context, connector.DiscoverRequest) connector.Result[connector.DiscoveryPage] {
	return connector.OK(connector.DiscoveryPage{})
}

func (f *fakeSource) OpenContent(_ context.Context, it domain.MigrationItem) connector.Result[connector.StreamedContent] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.failOpen != "" {
		return connector.Fail[connector.StreamedContent](f.failOpen, "provider unavailable")
	}
	data, ok := f.content[it.SourceID]
	if !ok {
		return connector.Fail[connector.StreamedContent](domain.CodeNotFound, "no such object")
	}
	size := int64(len(data))
	if f.unsized {
		size = -1
	}
	return connector.OK(connector.StreamedContent{Body: io.NopCloser(strings.NewReader(data)), Size: size})
}

func (f *fakeSource) ListPermissions(_ context.Context, it domain.MigrationItem) connector.Result[[]domain.SourcePermission] {
	return connector.OK(f.perms[it.SourceID])
}

func (f *fakeSource) ListVersions(_ context.Context, it domain.MigrationItem) connector.Result[[]connector.Version] {
	var out []connector.Version
	for i := range f.versions[it.SourceID] {
		out = append(out, connector.Version{ID: string(rune('a' + i))})
	}
	return connector.OK(out)
}

func (f *fakeSource) OpenVersion(_ context.Context, it domain.MigrationItem, v connector.Version) connector.Result[connector.StreamedContent] {
	data := f.versions[it.SourceID][int(v.ID[0]-'a')]
	return connector.OK(connector.StreamedContent{Body: io.NopCloser(strings.NewReader(data)), Size: int64(len(data))})
}

type testEnv struct {
	repo  repo.Repo
	store *fsstore.Store
	src   *fakeSource
	p     *Pipeline
	seq   int
}

func newTestEnv(t *testing.T, mutate func(*domain.MigrationConfig)) *testEnv {
	t.Helper()
	conn, err := db.OpenPath(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := fsstore.Open(t.TempDir(), fsstore.Options{Now: func() time.Time { return testNow }})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := domain.DefaultConfig()
	cfg.TargetLocation = "/archive"
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	r := repo.Repo{DB: conn}
	job := domain.MigrationJob{ID: "job-1", OwnerUserID: "migrator", SourceSystem: domain.SourceLocal, Status: domain.JobRunning, Config: cfg, CreatedAt: testNow, UpdatedAt: testNow}
	if err := r.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	root, err := store.EnsureRoot(context.Background(), cfg.TargetLocation)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	ex := retry.New(cfg.RetryAttempts)
	ex.Sleep = func(context.Context, time.Duration) error { return nil }
	src := newFakeSource()
	return &testEnv{
		repo:  r,
		store: store,
		src:   src,
		p: &Pipeline{
			Job:        job,
			Source:     src,
			Target:     store,
			RootID:     root.ID,
			Repo:       r,
			Audit:      audit.Writer{DB: conn, Now: func() time.Time { return testNow }},
			Translator: permission.Translator{Identities: r},
			Retry:      ex,
			Links:      NewLinkIndex(),
			ParentWait: 2 * time.Second,
			Now:        func() time.Time { return testNow },
		},
	}
}

func (e *testEnv) item(t *testing.T, it domain.MigrationItem) domain.MigrationItem {
	t.Helper()
	e.seq++
	if it.ID == "" {
		it.ID = "item-" + it.SourceID
	}
	if it.Type == "" {
		it.Type = domain.ItemFile
	}
	if it.Name == "" {
		it.Name = it.SourceID
	}
	it.JobID = "job-1"
	it.SourcePath = "/" + it.Name
	it.Status = domain.ItemDiscovered
	it.Stage = domain.StagePreCheck
	it.CreatedAt, it.UpdatedAt = testNow, testNow
	stored, _, err := e.repo.InsertDiscovered(context.Background(), it)
	if err != nil {
		t.Fatalf("insert item: %v", err)
	}
	return stored
}

func (e *testEnv) events(t *testing.T, typ domain.EventType) []domain.AuditEvent {
	t.Helper()
	evs, err := e.repo.ListAudit(context.Background(), repo.AuditFilters{JobID: "job-1", EventType: typ})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	return evs
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestDedupeChecksumSkipsWithoutTransfer(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.store.Put(ctx, target.PutRequest{ParentID: env.p.RootID, Name: "existing.txt", Body: strings.NewReader("abc123")}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	env.src.content["a"] = "abc123"
	it := env.item(t, domain.MigrationItem{SourceID: "a", Name: "copy.txt", Size: 6, Checksum: md5hex("abc123"), ChecksumAlgorithm: "md5"})

	out := env.p.Process(ctx, it)
	if out.Err != nil || out.Item.Status != domain.ItemSkipped || out.Item.SkipReason != ReasonDuplicateChecksum {
		t.Fatalf("outcome %+v", out)
	}
	if env.src.opens != 0 || out.Bytes != 0 {
		t.Fatalf("content must not be transferred, opens=%d", env.src.opens)
	}
	stored, _ := env.repo.GetItem(ctx, it.ID)
	if stored.Status != domain.ItemSkipped || stored.Stage != domain.StagePreCheck {
		t.Fatalf("stored %+v", stored)
	}
	if len(env.events(t, domain.EventItemSkipped)) != 1 {
		t.Fatalf("expected one item_skipped event")
	}
}

func TestSizeOnlyVerificationCompletes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.src.content["r"] = "hello"
	it := env.item(t, domain.MigrationItem{SourceID: "r", Name: "report.txt", Size: 5})

	out := env.p.Process(ctx, it)
	if out.Err != nil || out.Item.Status != domain.ItemCompleted {
		t.Fatalf("outcome %+v err=%v", out.Item, out.Err)
	}
	if out.Item.ChecksumVerified || out.Item.ComputedChecksum == "" || out.Bytes != 5 {
		t.Fatalf("item %+v", out.Item)
	}
	degraded := env.events(t, domain.EventVerificationDegraded)
	if len(degraded) != 1 || degraded[0].Details["confidence"] != "size_only" {
		t.Fatalf("degraded events %+v", degraded)
	}
	m, err := env.repo.GetMapping(ctx, domain.SourceLocal, "r", "/archive")
	if err != nil || m.TargetID != out.Item.TargetID || m.Checksum != out.Item.ComputedChecksum {
		t.Fatalf("mapping %+v err=%v", m, err)
	}
}

func TestTransientCodeSurfacedAfterRetries(t *testing.T) {
	env := newTestEnv(t, func(c *domain.MigrationConfig) { c.RetryAttempts = 2 })
	env.src.failOpen = domain.CodeServerError
	it := env.item(t, domain.MigrationItem{SourceID: "x", Size: 1})

	out := env.p.Process(context.Background(), it)
	if out.Err == nil || out.Item.Status != domain.ItemFailed || out.Item.ErrorCode != domain.CodeServerError {
		t.Fatalf("outcome %+v", out.Item)
	}
	if env.src.opens != 3 || out.Item.AttemptCount != 3 {
		t.Fatalf("opens=%d attempts=%d", env.src.opens, out.Item.AttemptCount)
	}
	if len(env.events(t, domain.EventItemRetried)) != 2 || len(env.events(t, domain.EventItemFailed)) != 1 {
		t.Fatalf("retry events missing")
	}
}

func TestChecksumMismatchIsDataIntegrityFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.src.content["c"] = "tampered"
	it := env.item(t, domain.MigrationItem{SourceID: "c", Size: 8, Checksum: md5hex("original"), ChecksumAlgorithm: "md5"})
	out := env.p.Process(context.Background(), it)
	if out.Item.Status != domain.ItemFailed || out.Item.ErrorCode != domain.CodeChecksum {
		t.Fatalf("outcome %+v", out.Item)
	}
	if out.Err.Category() != domain.CategoryDataIntegrity {
		t.Fatalf("category %s", out.Err.Category())
	}
}

func TestChildWaitsForParentAndGetsPermissions(t *testing.T) {
	env := newTestEnv(t, func(c *domain.MigrationConfig) { c.IncludePermissions = true })
	ctx := context.Background()
	if err := env.repo.UpsertIdentityMapping(ctx, domain.IdentityMapping{
		ID: "im-1", SourceSystem: domain.SourceLocal, SourcePrincipalID: "uid:1000", SourcePrincipalType: domain.PrincipalUser,
		TargetPrincipalID: "alice", TargetPrincipalType: domain.PrincipalUser, Verified: true, UpdatedAt: testNow,
	}); err != nil {
		t.Fatalf("identity: %v", err)
	}
	dir := env.item(t, domain.MigrationItem{SourceID: "docs", Type: domain.ItemFolder})
	env.src.content["docs/a.txt"] = "aaa"
	env.src.perms["docs/a.txt"] = []domain.SourcePermission{
		{PrincipalID: "uid:1000", PrincipalType: domain.PrincipalUser, Role: "write"},
		{PrincipalID: "gid:50", PrincipalType: domain.PrincipalGroup, Role: "read"},
	}
	child := env.item(t, domain.MigrationItem{SourceID: "docs/a.txt", Name: "a.txt", ParentSourceID: "docs", Size: 3})

	done := make(chan Outcome, 1)
	go func() { done <- env.p.Process(ctx, child) }()
	time.Sleep(20 * time.Millisecond)
	if out := env.p.Process(ctx, dir); out.Item.Status != domain.ItemCompleted {
		t.Fatalf("folder %+v err=%v", out.Item, out.Err)
	}
	out := <-done
	if out.Item.Status != domain.ItemCompleted {
		t.Fatalf("child %+v err=%v", out.Item, out.Err)
	}
	folderTarget, _ := env.p.Links.Lookup("docs")
	obj, err := env.store.Stat(ctx, out.Item.TargetID)
	if err != nil || obj.ParentID != folderTarget {
		t.Fatalf("child landed in %s, want %s (err=%v)", obj.ParentID, folderTarget, err)
	}
	grants, _ := env.store.Grants(ctx, obj.ID)
	if len(grants) != 1 || grants[0].PrincipalID != "alice" || grants[0].Role != domain.RoleEditor {
		t.Fatalf("grants %+v", grants)
	}
	if len(env.events(t, domain.EventPermissionApplied)) != 1 || len(env.events(t, domain.EventPermissionFailed)) != 1 {
		t.Fatalf("permission events not recorded")
	}
}

func TestUnresolvedParentFails(t *testing.T) {
	env := newTestEnv(t, func(c *domain.MigrationConfig) { c.RetryAttempts = 0 })
	env.p.ParentWait = 10 * time.Millisecond
	it := env.item(t, domain.MigrationItem{SourceID: "orphan", ParentSourceID: "ghost", Size: 1})
	out := env.p.Process(context.Background(), it)
	if out.Item.Status != domain.ItemFailed || out.Item.ErrorCode != domain.CodeNoParent {
		t.Fatalf("outcome %+v", out.Item)
	}
}

func TestVersionsUploadedOldestFirst(t *testing.T) {
	env := newTestEnv(t, func(c *domain.MigrationConfig) { c.IncludeVersions = true })
	ctx := context.Background()
	env.src.versions["v"] = []string{"one", "two"}
	env.src.content["v"] = "three"
	it := env.item(t, domain.MigrationItem{SourceID: "v", Size: 5})
	out := env.p.Process(ctx, it)
	if out.Item.Status != domain.ItemCompleted || out.Item.TargetVersion != 3 {
		t.Fatalf("outcome %+v err=%v", out.Item, out.Err)
	}
	rc, err := env.store.Open(ctx, out.Item.TargetID, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first, _ := io.ReadAll(rc)
	rc.Close()
	if string(first) != "one" {
		t.Fatalf("first version %q", first)
	}
}

func TestReprocessingCompletedItemDoesNotDuplicate(t *testing.T) {
	env := newTestEnv(t, func(c *domain.MigrationConfig) { c.DuplicatePolicy = domain.KeepBoth })
	ctx := context.Background()
	env.src.content["d"] = "data"
	it := env.item(t, domain.MigrationItem{SourceID: "d", Name: "d.bin", Size: 4})
	first := env.p.Process(ctx, it)
	if first.Item.Status != domain.ItemCompleted {
		t.Fatalf("first run %+v", first.Item)
	}

	again := first.Item
	again.Status = domain.ItemDiscovered
	again.Stage = domain.StagePreCheck
	again.TargetID = ""
	second := env.p.Process(ctx, again)
	if second.Item.Status != domain.ItemCompleted || second.Item.TargetID != first.Item.TargetID {
		t.Fatalf("second run %+v", second.Item)
	}
	if _, taken, _ := env.store.FindChild(ctx, env.p.RootID, "d (1).bin"); taken {
		t.Fatalf("keep_both must not apply to an item this job already migrated")
	}
}

func TestDryRunPlansOnly(t *testing.T) {
	env := newTestEnv(t, func(c *domain.MigrationConfig) { c.DryRun = true })
	ctx := context.Background()
	dir := env.item(t, domain.MigrationItem{SourceID: "f", Type: domain.ItemFolder})
	child := env.item(t, domain.MigrationItem{SourceID: "f/x", Name: "x", ParentSourceID: "f", Size: 1})
	for _, it := range []domain.MigrationItem{dir, child} {
		out := env.p.Process(ctx, it)
		if out.Item.Status != domain.ItemSkipped || out.Item.SkipReason != ReasonDryRun {
			t.Fatalf("%s: %+v err=%v", it.SourceID, out.Item, out.Err)
		}
	}
	if len(env.events(t, domain.EventDryRunPlanned)) != 2 || env.src.opens != 0 {
		t.Fatalf("dry run must plan without transferring")
	}
	if _, taken, _ := env.store.FindChild(ctx, env.p.RootID, "f"); taken {
		t.Fatalf("dry run created a target folder")
	}
}

func TestStopBetweenStages(t *testing.T) {
	env := newTestEnv(t, nil)
	env.p.Stop = func() bool { return true }
	it := env.item(t, domain.MigrationItem{SourceID: "s", Size: 1})
	out := env.p.Process(context.Background(), it)
	if !out.Stopped || out.Item.Status != domain.ItemDiscovered {
		t.Fatalf("outcome %+v", out)
	}
}

func TestPreCheckFiltersAndPolicies(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*domain.MigrationConfig)
		item    domain.MigrationItem
		status  domain.ItemStatus
		reason  string
		opens   int
		version int
	}{
		{
			name:   "excluded extension",
			mutate: func(c *domain.MigrationConfig) { c.ExcludedExtensions = []string{".TMP"} },
			item:   domain.MigrationItem{SourceID: "e", Name: "scratch.tmp", Size: 4},
			status: domain.ItemSkipped,
			reason: ReasonExcluded,
		},
		{
			name:   "over size limit",
			mutate: func(c *domain.MigrationConfig) { c.FileSizeLimitMB = 1 },
			item:   domain.MigrationItem{SourceID: "e", Name: "big.iso", Size: 2 << 20},
			status: domain.ItemSkipped,
			reason: ReasonTooLarge,
		},
		{
			name:   "skip policy on same name",
			mutate: func(c *domain.MigrationConfig) { c.DuplicatePolicy = domain.SkipDuplicate },
			item:   domain.MigrationItem{SourceID: "e", Name: "existing.txt", Size: 4},
			status: domain.ItemSkipped,
			reason: ReasonDuplicate,
		},
		{
			name:    "version_it on same name",
			mutate:  func(c *domain.MigrationConfig) { c.DuplicatePolicy = domain.VersionIt },
			item:    domain.MigrationItem{SourceID: "e", Name: "existing.txt", Size: 4},
			status:  domain.ItemCompleted,
			opens:   1,
			version: 2,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, tc.mutate)
			ctx := context.Background()
			seeded, err := env.store.Put(ctx, target.PutRequest{ParentID: env.p.RootID, Name: "existing.txt", Body: strings.NewReader("old!")})
			if err != nil {
				t.Fatalf("seed: %v", err)
			}
			env.src.content["e"] = "new!"
			out := env.p.Process(ctx, env.item(t, tc.item))
			if out.Item.Status != tc.status || out.Item.SkipReason != tc.reason {
				t.Fatalf("outcome %+v err=%v", out.Item, out.Err)
			}
			if env.src.opens != tc.opens {
				t.Fatalf("opens=%d, want %d", env.src.opens, tc.opens)
			}
			if tc.version != 0 && (out.Item.TargetID != seeded.ID || out.Item.TargetVersion != tc.version) {
				t.Fatalf("expected version %d of %s, got %s v%d", tc.version, seeded.ID, out.Item.TargetID, out.Item.TargetVersion)
			}
		})
	}
}

func TestUnknownSizeOverLimitIsSkippedDuringTransfer(t *testing.T) {
	env := newTestEnv(t, func(c *domain.MigrationConfig) { c.FileSizeLimitMB = 1 })
	ctx := context.Background()
	env.src.unsized = true
	env.src.content["n"] = strings.Repeat("x", 3<<20)
	out := env.p.Process(ctx, env.item(t, domain.MigrationItem{SourceID: "n", Name: "export.docx", Size: -1}))
	if out.Err != nil || out.Item.Status != domain.ItemSkipped || out.Item.SkipReason != ReasonTooLarge {
		t.Fatalf("outcome %+v err=%v", out.Item, out.Err)
	}
	if env.src.opens != 1 || out.Bytes != 0 {
		t.Fatalf("opens=%d bytes=%d", env.src.opens, out.Bytes)
	}
	if _, taken, _ := env.store.FindChild(ctx, env.p.RootID, "export.docx"); taken {
		t.Fatalf("oversized content must not reach the target")
	}
	skipped := env.events(t, domain.EventItemSkipped)
	if len(skipped) != 1 || skipped[0].Details["reason"] != ReasonTooLarge {
		t.Fatalf("skip events %+v", skipped)
	}
}

func TestReportedSizeOverLimitIsSkippedBeforeReading(t *testing.T) {
	env := newTestEnv(t, func(c *domain.MigrationConfig) { c.FileSizeLimitMB = 1 })
	env.src.content["r"] = strings.Repeat("y", 2<<20)
	out := env.p.Process(context.Background(), env.item(t, domain.MigrationItem{SourceID: "r", Name: "native.gdoc", Size: -1}))
	if out.Item.Status != domain.ItemSkipped || out.Item.SkipReason != ReasonTooLarge {
		t.Fatalf("outcome %+v err=%v", out.Item, out.Err)
	}
}

func TestUnknownSizeUnderLimitCompletes(t *testing.T) {
	env := newTestEnv(t, func(c *domain.MigrationConfig) { c.FileSizeLimitMB = 1 })
	env.src.unsized = true
	env.src.content["s"] = "small"
	out := env.p.Process(context.Background(), env.item(t, domain.MigrationItem{SourceID: "s", Name: "s.txt", Size: -1}))
	if out.Item.Status != domain.ItemCompleted || out.Item.Size != 5 || out.Bytes != 5 {
		t.Fatalf("outcome %+v err=%v", out.Item, out.Err)
	}
}
