package docmigratesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal docmigrate HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  30 * time.Second,
	}
}

// Job represents the API job model.
type Job struct {
	ID                string           `json:"id"`
	OwnerUserID       string           `json:"owner_user_id"`
	SourceSystem      string           `json:"source_system"`
	Name              string           `json:"name,omitempty"`
	Status            string           `json:"status"`
	Config            map[string]any   `json:"config"`
	TotalItems        int64            `json:"total_items"`
	ProcessedItems    int64            `json:"processed_items"`
	FailedItems       int64            `json:"failed_items"`
	SkippedItems      int64            `json:"skipped_items"`
	TotalBytes        int64            `json:"total_bytes"`
	ProcessedBytes    int64            `json:"processed_bytes"`
	ErrorSummary      ErrorSummary     `json:"error_summary"`
	ErrorCode         string           `json:"error_code,omitempty"`
	ErrorMessage      string           `json:"error_message,omitempty"`
	RetryOf           string           `json:"retry_of,omitempty"`
	DiscoveryComplete bool             `json:"discovery_complete"`
	Running           bool             `json:"running"`
	CreatedAt         string           `json:"created_at"`
	UpdatedAt         string           `json:"updated_at"`
	StartedAt         *string          `json:"started_at,omitempty"`
	FinishedAt        *string          `json:"finished_at,omitempty"`
	LastCheckpoint    *string          `json:"last_checkpoint,omitempty"`
}

// Terminal reports whether the job can no longer change.
func (j Job) Terminal() bool {
	switch j.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// ErrorSummary aggregates item failures of a job.
type ErrorSummary struct {
	TotalErrors int64            `json:"total_errors"`
	ByCategory  map[string]int64 `json:"by_category,omitempty"`
	ByCode      map[string]int64 `json:"by_code,omitempty"`
	Samples     []map[string]any `json:"samples,omitempty"`
}

// Item is one discovered source object.
type Item struct {
	ID               string `json:"id"`
	SourceID         string `json:"source_id"`
	SourcePath       string `json:"source_path"`
	Name             string `json:"name"`
	Type             string `json:"type"`
	Size             int64  `json:"size"`
	Status           string `json:"status"`
	Stage            string `json:"stage"`
	AttemptCount     int    `json:"attempt_count"`
	TargetID         string `json:"target_id,omitempty"`
	TargetVersion    int    `json:"target_version,omitempty"`
	ChecksumVerified bool   `json:"checksum_verified"`
	ErrorCode        string `json:"error_code,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	SkipReason       string `json:"skip_reason,omitempty"`
	UpdatedAt        string `json:"updated_at"`
}

// AuditEvent represents an audit log entry.
type AuditEvent struct {
	ID           int64          `json:"id"`
	JobID        string         `json:"job_id"`
	ItemID       string         `json:"item_id,omitempty"`
	EventType    string         `json:"event_type"`
	Stage        string         `json:"stage,omitempty"`
	SourceID     string         `json:"source_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

// MetricsSample is a periodic throughput snapshot.
type MetricsSample struct {
	JobID            string           `json:"job_id"`
	RecordedAt       time.Time        `json:"recorded_at"`
	FilesPerMinute   *float64         `json:"files_per_minute,omitempty"`
	BytesPerSecond   *float64         `json:"bytes_per_second,omitempty"`
	APIThrottleCount int64            `json:"api_throttle_count"`
	ErrorCount       int64            `json:"error_count"`
	QueueBacklog     int              `json:"queue_backlog"`
	StageCounts      map[string]int64 `json:"stage_counts"`
}

// Checkpoint is the last durable resume point of a job.
type Checkpoint struct {
	JobID               string    `json:"job_id"`
	LastPageToken       string    `json:"last_page_token,omitempty"`
	LastProcessedItemID string    `json:"last_processed_item_id,omitempty"`
	CurrentFolder       string    `json:"current_folder,omitempty"`
	ProcessedFolders    []string  `json:"processed_folders"`
	CompletedSinceStart int64     `json:"completed_since_start"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// IdentityMapping maps a source principal to a target principal.
type IdentityMapping struct {
	ID                  string            `json:"id,omitempty"`
	SourceSystem        string            `json:"source_system"`
	SourcePrincipalID   string            `json:"source_principal_id"`
	SourcePrincipalType string            `json:"source_principal_type,omitempty"`
	TargetPrincipalID   string            `json:"target_principal_id,omitempty"`
	TargetPrincipalType string            `json:"target_principal_type,omitempty"`
	RoleMapping         map[string]string `json:"role_mapping,omitempty"`
	Verified            bool              `json:"verified,omitempty"`
	FallbackAction      string            `json:"fallback_action,omitempty"`
	OwnerUserID         string            `json:"owner_user_id,omitempty"`
	UpdatedAt           string            `json:"updated_at,omitempty"`
}

// Credentials are the secret material handed to a source connector.
type Credentials struct {
	Scheme    string     `json:"scheme,omitempty"`
	Secret    string     `json:"secret"`
	Scopes    []string   `json:"scopes,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreateJobRequest submits a job. Config keys left out keep server defaults.
type CreateJobRequest struct {
	ID           string         `json:"id,omitempty"`
	Name         string         `json:"name,omitempty"`
	SourceSystem string         `json:"source_system"`
	Config       map[string]any `json:"config"`
	Credentials  *Credentials   `json:"credentials,omitempty"`
	Start        bool           `json:"start,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedJobs wraps list responses with cursors.
type PaginatedJobs struct {
	Items      []Job  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

type PaginatedItems struct {
	Items      []Item `json:"items"`
	NextCursor string `json:"next_cursor"`
}

type PaginatedAudit struct {
	Items      []AuditEvent `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

type PaginatedIdentities struct {
	Items      []IdentityMapping `json:"items"`
	NextCursor string            `json:"next_cursor"`
}

// CreateJob submits a job, optionally starting it.
func (c *Client) CreateJob(ctx context.Context, in CreateJobRequest) (Job, error) {
	if in.Config == nil {
		in.Config = map[string]any{}
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, "jobs", in, &resp)
	return resp, err
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, jobPath(id, ""), nil, &resp)
	return resp, err
}

// ListJobs returns a page of jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, status string, limit int, cursor string) (PaginatedJobs, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	setPage(q, limit, cursor)
	var resp PaginatedJobs
	err := c.do(ctx, http.MethodGet, withQuery("jobs", q), nil, &resp)
	return resp, err
}

// StartJob starts a pending job in the background.
func (c *Client) StartJob(ctx context.Context, id string) (Job, error) {
	return c.control(ctx, id, "start")
}

// ResumeJob continues a paused job.
func (c *Client) ResumeJob(ctx context.Context, id string) (Job, error) {
	return c.control(ctx, id, "resume")
}

// PauseJob requests a pause. In-flight items finish first.
func (c *Client) PauseJob(ctx context.Context, id string) (Job, error) {
	return c.control(ctx, id, "pause")
}

// CancelJob cancels a non-terminal job.
func (c *Client) CancelJob(ctx context.Context, id string) (Job, error) {
	return c.control(ctx, id, "cancel")
}

// RetryJob creates a job that migrates the failed items of id again.
func (c *Client) RetryJob(ctx context.Context, id string, start bool) (Job, error) {
	endpoint := jobPath(id, "retry")
	if start {
		endpoint += "?start=true"
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ReplaceCredentials swaps the stored credentials of an unfinished job.
func (c *Client) ReplaceCredentials(ctx context.Context, id string, cred Credentials) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPut, jobPath(id, "credentials"), cred, &resp)
	return resp, err
}

// WaitJob polls until the job is terminal or paused.
func (c *Client) WaitJob(ctx context.Context, id string, every time.Duration) (Job, error) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return job, err
		}
		if job.Terminal() || (job.Status == "paused" && !job.Running) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Items returns a page of job items filtered by status.
func (c *Client) Items(ctx context.Context, id string, statuses []string, limit int, cursor string) (PaginatedItems, error) {
	q := url.Values{}
	for _, s := range statuses {
		q.Add("status", s)
	}
	setPage(q, limit, cursor)
	var resp PaginatedItems
	err := c.do(ctx, http.MethodGet, withQuery(jobPath(id, "items"), q), nil, &resp)
	return resp, err
}

// Audit returns a page of audit events, newest first.
func (c *Client) Audit(ctx context.Context, id, eventType string, limit int, cursor string) (PaginatedAudit, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	setPage(q, limit, cursor)
	var resp PaginatedAudit
	err := c.do(ctx, http.MethodGet, withQuery(jobPath(id, "audit"), q), nil, &resp)
	return resp, err
}

// Metrics returns recent metrics samples, newest first.
func (c *Client) Metrics(ctx context.Context, id string, limit int) ([]MetricsSample, error) {
	q := url.Values{}
	setPage(q, limit, "")
	var resp struct {
		Items []MetricsSample `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(jobPath(id, "metrics"), q), nil, &resp)
	return resp.Items, err
}

// Checkpoint returns the last stored checkpoint of a job.
func (c *Client) Checkpoint(ctx context.Context, id string) (Checkpoint, error) {
	var resp Checkpoint
	err := c.do(ctx, http.MethodGet, jobPath(id, "checkpoint"), nil, &resp)
	return resp, err
}

// IdentityMappings returns a page of identity mappings.
func (c *Client) IdentityMappings(ctx context.Context, system string, limit int, cursor string) (PaginatedIdentities, error) {
	q := url.Values{}
	if system != "" {
		q.Set("source_system", system)
	}
	setPage(q, limit, cursor)
	var resp PaginatedIdentities
	err := c.do(ctx, http.MethodGet, withQuery("identity-mappings", q), nil, &resp)
	return resp, err
}

// PutIdentityMappings upserts mappings and returns how many were stored.
func (c *Client) PutIdentityMappings(ctx context.Context, maps []IdentityMapping) (int, error) {
	body := map[string]any{"mappings": maps}
	var resp struct {
		Imported int `json:"imported"`
	}
	err := c.do(ctx, http.MethodPut, "identity-mappings", body, &resp)
	return resp.Imported, err
}

func (c *Client) control(ctx context.Context, id, action string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, jobPath(id, action), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

func jobPath(id, action string) string {
	p := "jobs/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func setPage(q url.Values, limit int, cursor string) {
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
