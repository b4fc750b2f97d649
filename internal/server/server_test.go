package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"docmigrate/internal/connector/localfs"
	"docmigrate/internal/db"
	"docmigrate/internal/domain"
	"docmigrate/internal/engine"
	"docmigrate/internal/metrics"
	"docmigrate/internal/migrate"
	"docmigrate/internal/target/fsstore"
)

type testServer struct {
	URL    string
	eng    engine.Engine
	source string
	client *http.Client
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	conn, err := db.OpenPath(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := fsstore.Open(t.TempDir(), fsstore.Options{})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	e := engine.New(conn, store, nil)
	e.Options.ControlPoll = 20 * time.Millisecond
	e.Options.MetricsInterval = time.Hour
	e.Connectors.Register(domain.SourceLocal, localfs.Factory)
	m := metrics.New()
	e.Observer = m

	source := t.TempDir()
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(filepath.Join(source, fmt.Sprintf("doc%d.txt", i)), []byte(fmt.Sprintf("body %d", i)), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth, Metrics: m.HTTPHandler()})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, eng: e, source: source, client: srv.Client()}
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (s *testServer) createJob(t *testing.T, token string, extra map[string]any) JobResponse {
	t.Helper()
	body := map[string]any{
		"name":          "shared drive",
		"source_system": "local",
		"config": map[string]any{
			"source_location": s.source,
			"target_location": "/imported",
		},
		"credentials": map[string]any{"secret": "local"},
	}
	for k, v := range extra {
		body[k] = v
	}
	resp, data := s.do(t, http.MethodPost, "/v0/jobs", body, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create job: %d %s", resp.StatusCode, data)
	}
	var job JobResponse
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return job
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error %s: %v", data, err)
	}
	return env.Error
}

func signToken(t *testing.T, secret, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	s := newTestServer(t, AuthConfig{JWTSecret: "secret"})
	resp, data := s.do(t, http.MethodGet, "/v0/health", nil, "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("health: %d %s", resp.StatusCode, data)
	}
	resp, _ = s.do(t, http.MethodGet, "/metrics", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics without token: %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodGet, "/v0/openapi.json", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", resp.StatusCode)
	}
}

func TestSubmitStartAndInspectJob(t *testing.T) {
	s := newTestServer(t, AuthConfig{})
	job := s.createJob(t, "", nil)
	if job.Status != "pending" || job.OwnerUserID != DefaultOwner || !job.Config.Recursive || job.Config.Concurrency != domain.DefaultConcurrency {
		t.Fatalf("created job: %+v", job)
	}

	resp, data := s.do(t, http.MethodPost, "/v0/jobs/"+job.ID+"/start", nil, "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start: %d %s", resp.StatusCode, data)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	done, err := s.eng.Wait(ctx, job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != domain.JobCompleted || done.ProcessedItems != 3 {
		t.Fatalf("finished job: %+v", done)
	}

	resp, data = s.do(t, http.MethodGet, "/v0/jobs/"+job.ID, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %s", resp.StatusCode, data)
	}
	var got JobResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "completed" || got.Running || got.FinishedAt == nil {
		t.Fatalf("job view: %+v", got)
	}

	resp, data = s.do(t, http.MethodGet, "/v0/jobs/"+job.ID+"/items?status=completed&limit=2", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("items: %d %s", resp.StatusCode, data)
	}
	var items paginatedItems
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("decode items: %v", err)
	}
	if len(items.Items) != 2 || items.NextCursor == "" {
		t.Fatalf("first item page: %+v", items)
	}
	_, data = s.do(t, http.MethodGet, "/v0/jobs/"+job.ID+"/items?status=completed&limit=2&cursor="+items.NextCursor, nil, "")
	var rest paginatedItems
	if err := json.Unmarshal(data, &rest); err != nil {
		t.Fatalf("decode items: %v", err)
	}
	if len(rest.Items) != 1 || rest.NextCursor != "" {
		t.Fatalf("second item page: %+v", rest)
	}

	_, data = s.do(t, http.MethodGet, "/v0/jobs/"+job.ID+"/audit?type=job_completed", nil, "")
	var audit paginatedAudit
	if err := json.Unmarshal(data, &audit); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if len(audit.Items) != 1 || audit.Items[0].EventType != "job_completed" {
		t.Fatalf("audit: %+v", audit)
	}

	resp, data = s.do(t, http.MethodGet, "/v0/jobs/"+job.ID+"/checkpoint", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("checkpoint: %d %s", resp.StatusCode, data)
	}
	var cp domain.MigrationCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil || cp.JobID != job.ID {
		t.Fatalf("checkpoint body %s: %v", data, err)
	}

	resp, data = s.do(t, http.MethodGet, "/v0/jobs/"+job.ID+"/metrics", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d %s", resp.StatusCode, data)
	}

	_, data = s.do(t, http.MethodGet, "/metrics", nil, "")
	if !strings.Contains(string(data), `docmigrate_items_total{code="",source_system="local",status="completed"} 3`) {
		t.Fatalf("prometheus exposition:\n%s", data)
	}

	resp, data = s.do(t, http.MethodPost, "/v0/jobs/"+job.ID+"/pause", nil, "")
	if resp.StatusCode != http.StatusConflict || decodeError(t, data).Code != "job_terminal" {
		t.Fatalf("pause completed: %d %s", resp.StatusCode, data)
	}
}

func TestCancelRetryAndErrors(t *testing.T) {
	s := newTestServer(t, AuthConfig{})
	job := s.createJob(t, "", nil)

	resp, data := s.do(t, http.MethodPost, "/v0/jobs/"+job.ID+"/pause", nil, "")
	if resp.StatusCode != http.StatusConflict || decodeError(t, data).Code != "invalid_transition" {
		t.Fatalf("pause pending: %d %s", resp.StatusCode, data)
	}
	resp, data = s.do(t, http.MethodPost, "/v0/jobs/"+job.ID+"/resume", nil, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("resume pending: %d %s", resp.StatusCode, data)
	}
	resp, data = s.do(t, http.MethodPost, "/v0/jobs/"+job.ID+"/retry", nil, "")
	if resp.StatusCode != http.StatusConflict || decodeError(t, data).Code != "not_retryable" {
		t.Fatalf("retry pending: %d %s", resp.StatusCode, data)
	}

	resp, data = s.do(t, http.MethodPost, "/v0/jobs/"+job.ID+"/cancel", nil, "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel: %d %s", resp.StatusCode, data)
	}
	var cancelled JobResponse
	_ = json.Unmarshal(data, &cancelled)
	if cancelled.Status != "cancelled" {
		t.Fatalf("cancelled job: %+v", cancelled)
	}

	resp, data = s.do(t, http.MethodPost, "/v0/jobs/"+job.ID+"/retry", nil, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("retry: %d %s", resp.StatusCode, data)
	}
	var retried JobResponse
	_ = json.Unmarshal(data, &retried)
	if retried.RetryOf != job.ID || !retried.Config.DeltaMode || retried.Status != "pending" {
		t.Fatalf("retry job: %+v", retried)
	}

	resp, data = s.do(t, http.MethodGet, "/v0/jobs/missing", nil, "")
	if resp.StatusCode != http.StatusNotFound || decodeError(t, data).Code != "not_found" {
		t.Fatalf("missing job: %d %s", resp.StatusCode, data)
	}

	resp, data = s.do(t, http.MethodPost, "/v0/jobs", map[string]any{
		"source_system": "local",
		"config":        map[string]any{"source_location": s.source, "target_location": "/x", "concurrency": 999},
	}, "")
	if resp.StatusCode != http.StatusBadRequest || decodeError(t, data).Code != "invalid_config" {
		t.Fatalf("bad config: %d %s", resp.StatusCode, data)
	}
	resp, data = s.do(t, http.MethodPost, "/v0/jobs", map[string]any{
		"source_system": "dropbox",
		"config":        map[string]any{"target_location": "/x"},
	}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad system: %d %s", resp.StatusCode, data)
	}
}

func TestListJobsPaginates(t *testing.T) {
	s := newTestServer(t, AuthConfig{})
	for i := 0; i < 3; i++ {
		s.createJob(t, "", nil)
	}
	_, data := s.do(t, http.MethodGet, "/v0/jobs?limit=2", nil, "")
	var page paginatedJobs
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page: %+v", page)
	}
	_, data = s.do(t, http.MethodGet, "/v0/jobs?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, "")
	var next paginatedJobs
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(next.Items) != 1 || next.NextCursor != "" {
		t.Fatalf("second page: %+v", next)
	}
	seen := map[string]bool{}
	for _, j := range append(page.Items, next.Items...) {
		if seen[j.ID] {
			t.Fatalf("job %s listed twice", j.ID)
		}
		seen[j.ID] = true
	}
}

func TestJWTScopesJobsToSubject(t *testing.T) {
	const secret = "hs256-secret"
	s := newTestServer(t, AuthConfig{JWTSecret: secret})
	alice := signToken(t, secret, "alice")
	bob := signToken(t, secret, "bob")

	resp, data := s.do(t, http.MethodGet, "/v0/jobs", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous list: %d %s", resp.StatusCode, data)
	}
	resp, _ = s.do(t, http.MethodGet, "/v0/jobs", nil, signToken(t, "other-secret", "alice"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token: %d", resp.StatusCode)
	}

	job := s.createJob(t, alice, nil)
	if job.OwnerUserID != "alice" {
		t.Fatalf("owner %q", job.OwnerUserID)
	}
	resp, _ = s.do(t, http.MethodGet, "/v0/jobs/"+job.ID, nil, bob)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("bob sees alice's job: %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodPost, "/v0/jobs/"+job.ID+"/cancel", nil, bob)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("bob cancels alice's job: %d", resp.StatusCode)
	}
	_, data = s.do(t, http.MethodGet, "/v0/jobs", nil, bob)
	var page paginatedJobs
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 0 {
		t.Fatalf("bob lists %d jobs", len(page.Items))
	}
	resp, _ = s.do(t, http.MethodGet, "/v0/jobs/"+job.ID, nil, alice)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("alice reads own job: %d", resp.StatusCode)
	}
}

func TestIdentityMappingsRoundTrip(t *testing.T) {
	s := newTestServer(t, AuthConfig{})
	resp, data := s.do(t, http.MethodPut, "/v0/identity-mappings", map[string]any{
		"mappings": []map[string]any{
			{"source_system": "google_drive", "source_principal_id": "a@corp.example", "target_principal_id": "u-1", "verified": true},
			{"source_system": "google_drive", "source_principal_id": "b@corp.example", "source_principal_type": "group"},
		},
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put: %d %s", resp.StatusCode, data)
	}
	var res importResult
	if err := json.Unmarshal(data, &res); err != nil || res.Imported != 2 {
		t.Fatalf("import result %s: %v", data, err)
	}
	_, data = s.do(t, http.MethodGet, "/v0/identity-mappings?source_system=google_drive&limit=1", nil, "")
	var page paginatedIdentities
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].SourcePrincipalID != "a@corp.example" || page.Items[0].TargetPrincipalType != "user" {
		t.Fatalf("first page: %+v", page)
	}
	if page.NextCursor != "a@corp.example" {
		t.Fatalf("cursor %q", page.NextCursor)
	}
	_, data = s.do(t, http.MethodGet, "/v0/identity-mappings?source_system=google_drive&cursor="+url.QueryEscape(page.NextCursor), nil, "")
	var rest paginatedIdentities
	_ = json.Unmarshal(data, &rest)
	if len(rest.Items) != 1 || rest.Items[0].SourcePrincipalType != "group" || rest.Items[0].OwnerUserID != DefaultOwner {
		t.Fatalf("second page: %+v", rest)
	}
}

