package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"docmigrate/internal/audit"
	"docmigrate/internal/db"
	"docmigrate/internal/domain"
	"docmigrate/internal/migrate"
	"docmigrate/internal/repo"
)

var testNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

type testEnv struct {
	repo  repo.Repo
	audit audit.Writer
	relay *Relay
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.OpenPath(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	cfg := domain.DefaultConfig()
	cfg.TargetLocation = "/archive"
	if err := r.InsertJob(context.Background(), domain.MigrationJob{
		ID: "job-1", OwnerUserID: "alice", SourceSystem: domain.SourceLocal, Status: domain.JobPending,
		Config: cfg, CreatedAt: testNow, UpdatedAt: testNow,
	}); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	rl := New(r, nil)
	rl.Now = func() time.Time { return testNow }
	return &testEnv{repo: r, audit: audit.Writer{DB: conn, Now: func() time.Time { return testNow }}, relay: rl}
}

func (e *testEnv) record(t *testing.T, types ...domain.EventType) {
	t.Helper()
	for _, typ := range types {
		if err := e.audit.Record(context.Background(), domain.AuditEvent{JobID: "job-1", EventType: typ}); err != nil {
			t.Fatalf("record %s: %v", typ, err)
		}
	}
}

type memorySink struct {
	name   string
	mu     sync.Mutex
	got    []domain.EventType
	failAt int
}

func (m *memorySink) Name() string { return m.name }
func (m *memorySink) Close() error { return nil }

func (m *memorySink) Deliver(_ context.Context, evt domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAt > 0 && len(m.got)+1 == m.failAt {
		m.failAt = 0
		return errors.New("sink down")
	}
	m.got = append(m.got, evt.EventType)
	return nil
}

func TestNewSinkStartsAtNewestEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.record(t, domain.EventJobCreated)
	sink := &memorySink{name: "mem"}
	env.relay.Add(sink, nil)

	if err := env.relay.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(sink.got) != 0 {
		t.Fatalf("history replayed: %v", sink.got)
	}
	env.record(t, domain.EventJobStarted, domain.EventJobRunning)
	if err := env.relay.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(sink.got) != 2 || sink.got[0] != domain.EventJobStarted {
		t.Fatalf("delivered %v", sink.got)
	}
	cursor, ok, err := env.repo.RelayCursor(ctx, "mem")
	if err != nil || !ok || cursor != 3 {
		t.Fatalf("cursor %d %t %v", cursor, ok, err)
	}
}

func TestFilterAndFailedDeliveryResumes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.relay.Backfill = true
	env.relay.Batch = 2
	sink := &memorySink{name: "mem", failAt: 2}
	env.relay.Add(sink, []string{"job_completed", "job_failed", "item_failed"})
	env.record(t,
		domain.EventJobCreated, domain.EventItemFailed, domain.EventItemCompleted,
		domain.EventJobFailed, domain.EventJobCompleted)

	if err := env.relay.Flush(ctx); err == nil {
		t.Fatalf("expected delivery error")
	}
	if len(sink.got) != 1 {
		t.Fatalf("delivered before failure: %v", sink.got)
	}
	if err := env.relay.Flush(ctx); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	want := []domain.EventType{domain.EventItemFailed, domain.EventJobFailed, domain.EventJobCompleted}
	if len(sink.got) != len(want) {
		t.Fatalf("delivered %v, want %v", sink.got, want)
	}
	for i := range want {
		if sink.got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", sink.got, want)
		}
	}
}

func TestWebhookHeadersAndSignature(t *testing.T) {
	var (
		mu      sync.Mutex
		headers http.Header
		body    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		headers = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	hook := NewWebhook("ops", srv.URL, "s3cret", srv.Client())
	evt := domain.AuditEvent{ID: 42, JobID: "job-1", EventType: domain.EventJobCompleted, CreatedAt: testNow}
	if err := hook.Deliver(context.Background(), evt); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if headers.Get("X-Docmigrate-Event") != "job_completed" || headers.Get("X-Docmigrate-Delivery") != "42" || headers.Get("X-Docmigrate-Job") != "job-1" {
		t.Fatalf("headers: %v", headers)
	}
	if got := headers.Get("X-Docmigrate-Signature"); got != "sha256="+Sign("s3cret", body) {
		t.Fatalf("signature %q", got)
	}
	var decoded domain.AuditEvent
	if err := json.Unmarshal(body, &decoded); err != nil || decoded.ID != 42 {
		t.Fatalf("body %s: %v", body, err)
	}
	if hook.Name() != "webhook:ops" {
		t.Fatalf("name %q", hook.Name())
	}
}

func TestWebhookRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	hook := NewWebhook("ops", srv.URL, "", srv.Client())
	if err := hook.Deliver(context.Background(), domain.AuditEvent{ID: 1, EventType: domain.EventJobFailed}); err == nil {
		t.Fatalf("expected error")
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaTopicPerEventType(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w, prefix: "dm."}
	for _, evt := range []domain.AuditEvent{
		{ID: 1, JobID: "job-1", EventType: domain.EventJobStarted, CreatedAt: testNow},
		{ID: 2, JobID: "job-2", EventType: domain.EventItemFailed, CreatedAt: testNow},
	} {
		if err := k.Deliver(context.Background(), evt); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	if len(w.msgs) != 2 {
		t.Fatalf("messages: %d", len(w.msgs))
	}
	if w.msgs[0].Topic != "dm.job_started" || string(w.msgs[0].Key) != "job-1" {
		t.Fatalf("first message: %+v", w.msgs[0])
	}
	if w.msgs[1].Topic != "dm.item_failed" || string(w.msgs[1].Headers[0].Value) != "2" {
		t.Fatalf("second message: %+v", w.msgs[1])
	}
	if err := k.Close(); err != nil || !w.closed {
		t.Fatalf("close: %v", err)
	}
	if _, err := NewKafka(nil, "dm."); err == nil {
		t.Fatalf("expected broker error")
	}
}
