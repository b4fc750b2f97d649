package docmigratesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientSendsTokenAndDecodesJob(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"job-1","status":"pending","source_system":"local","config":{"target_location":"/t"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	job, err := c.CreateJob(context.Background(), CreateJobRequest{
		SourceSystem: "local",
		Config:       map[string]any{"target_location": "/t"},
		Credentials:  &Credentials{Secret: "s"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if gotPath != "/v0/jobs" || gotAuth != "Bearer tok" {
		t.Fatalf("request path=%s auth=%s", gotPath, gotAuth)
	}
	if gotBody["source_system"] != "local" {
		t.Fatalf("body: %v", gotBody)
	}
	if job.ID != "job-1" || job.Status != "pending" || job.Terminal() {
		t.Fatalf("job: %+v", job)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"invalid_transition","message":"job job-1 is completed"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).PauseJob(context.Background(), "job-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "invalid_transition" {
		t.Fatalf("error: %+v", apiErr)
	}
}

func TestClientItemsQuery(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/api/jobs/job%201/items" {
			t.Errorf("path %s", r.URL.EscapedPath())
		}
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte(`{"items":[{"id":"i1","status":"failed"}],"next_cursor":"7"}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BasePath = "api"
	page, err := c.Items(context.Background(), "job 1", []string{"failed", "skipped"}, 10, "3")
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(gotQuery["status"]) != 2 || gotQuery["limit"][0] != "10" || gotQuery["cursor"][0] != "3" {
		t.Fatalf("query: %v", gotQuery)
	}
	if len(page.Items) != 1 || page.NextCursor != "7" {
		t.Fatalf("page: %+v", page)
	}
}

func TestWaitJobStopsWhenTerminal(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "running"
		if calls >= 3 {
			status = "completed"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "job-1", "status": status, "running": status == "running"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := New(srv.URL).WaitJob(ctx, "job-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != "completed" || calls != 3 {
		t.Fatalf("job=%+v calls=%d", job, calls)
	}
}
