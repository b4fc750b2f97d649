package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"docmigrate/internal/config"
	"docmigrate/internal/domain"
	"docmigrate/internal/engine"
	"docmigrate/internal/repo"
)

type jobPath struct {
	JobID string `path:"job_id"`
}

type jobBody struct {
	Body JobResponse `json:"body"`
}

func (s *server) jobBody(j domain.MigrationJob) *jobBody {
	return &jobBody{Body: jobResponse(j, s.e.Running(j.ID))}
}

func (s *server) registerJobs(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Submit a migration job",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*jobBody, error) {
		p, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cfg, err := decodeConfig(input.Body.Config)
		if err != nil {
			return nil, s.handleError(err)
		}
		opts := engine.SubmitOptions{
			ID:           input.Body.ID,
			OwnerUserID:  p.UserID,
			SourceSystem: domain.SourceSystem(input.Body.SourceSystem),
			Name:         input.Body.Name,
			Config:       cfg,
		}
		if input.Body.Credentials != nil {
			c := input.Body.Credentials.toDomain()
			opts.Credentials = &c
		}
		job, err := s.e.SubmitJob(ctx, opts)
		if err != nil {
			return nil, s.handleError(err)
		}
		if input.Body.Start {
			if err := s.e.Start(ctx, job.ID); err != nil {
				return nil, s.handleError(err)
			}
		}
		return s.jobBody(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,discovering,running,paused,completed,failed,cancelled"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedJobs `json:"body"`
	}, error) {
		p, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		f := repo.JobFilters{
			Status:          domain.JobStatus(input.Status),
			Limit:           limit + 1,
			CursorCreatedAt: ts,
			CursorID:        id,
		}
		if p.Scoped() {
			f.OwnerUserID = p.UserID
		}
		jobs, err := s.e.Repo.ListJobs(ctx, f)
		if err != nil {
			return nil, s.handleError(err)
		}
		resp := paginatedJobs{Items: []JobResponse{}}
		if len(jobs) > limit {
			jobs = jobs[:limit]
			resp.NextCursor = composeCursor(repo.JobCursor(jobs[limit-1]))
		}
		for _, j := range jobs {
			resp.Items = append(resp.Items, jobResponse(j, s.e.Running(j.ID)))
		}
		return &struct {
			Body paginatedJobs `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get a job with its counters",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*jobBody, error) {
		job, herr := s.ownedJob(ctx, input.JobID)
		if herr != nil {
			return nil, herr
		}
		return s.jobBody(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-job-credentials",
		Method:      http.MethodPut,
		Path:        "/jobs/{job_id}/credentials",
		Summary:     "Replace the source credentials of an unfinished job",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID string             `path:"job_id"`
		Body  CredentialsRequest `json:"body"`
	}) (*jobBody, error) {
		job, herr := s.ownedJob(ctx, input.JobID)
		if herr != nil {
			return nil, herr
		}
		if err := s.e.ReplaceCredentials(ctx, job.ID, input.Body.toDomain()); err != nil {
			return nil, s.handleError(err)
		}
		return s.jobBody(job), nil
	})
}

func (s *server) registerJobControls(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-job",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/start",
		Summary:       "Start a pending job, or recover one whose driver died",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *jobPath) (*jobBody, error) {
		job, herr := s.ownedJob(ctx, input.JobID)
		if herr != nil {
			return nil, herr
		}
		if job.Status != domain.JobPending && !job.Status.Active() {
			return nil, newAPIError(http.StatusConflict, "invalid_transition", "job "+job.ID+" is "+string(job.Status), nil)
		}
		return s.start(ctx, job)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "resume-job",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/resume",
		Summary:       "Resume a paused job from its checkpoint",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *jobPath) (*jobBody, error) {
		job, herr := s.ownedJob(ctx, input.JobID)
		if herr != nil {
			return nil, herr
		}
		if job.Status != domain.JobPaused {
			return nil, newAPIError(http.StatusConflict, "invalid_transition", "job "+job.ID+" is "+string(job.Status)+", not paused", nil)
		}
		return s.start(ctx, job)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "pause-job",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/pause",
		Summary:       "Request a pause; items in flight finish their stage",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *jobPath) (*jobBody, error) {
		if _, herr := s.ownedJob(ctx, input.JobID); herr != nil {
			return nil, herr
		}
		job, err := s.e.Pause(ctx, input.JobID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return s.jobBody(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-job",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/cancel",
		Summary:       "Cancel a job",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *jobPath) (*jobBody, error) {
		if _, herr := s.ownedJob(ctx, input.JobID); herr != nil {
			return nil, herr
		}
		job, err := s.e.Cancel(ctx, input.JobID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return s.jobBody(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "retry-job",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/retry",
		Summary:       "Create a delta-mode retry of a failed or cancelled job",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		Start bool   `query:"start"`
	}) (*jobBody, error) {
		if _, herr := s.ownedJob(ctx, input.JobID); herr != nil {
			return nil, herr
		}
		job, err := s.e.Retry(ctx, input.JobID)
		if err != nil {
			return nil, s.handleError(err)
		}
		if input.Start {
			if err := s.e.Start(ctx, job.ID); err != nil {
				return nil, s.handleError(err)
			}
		}
		return s.jobBody(job), nil
	})
}

func (s *server) start(ctx context.Context, job domain.MigrationJob) (*jobBody, error) {
	if err := s.e.Start(ctx, job.ID); err != nil {
		return nil, s.handleError(err)
	}
	s.log.Info("job started", zap.String("job_id", job.ID), zap.String("from", string(job.Status)))
	return s.jobBody(job), nil
}

func (s *server) registerJobReads(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-job-items",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/items",
		Summary:     "List items in discovery order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID  string   `path:"job_id"`
		Status []string `query:"status"`
		Limit  int      `query:"limit" default:"50"`
		Cursor string   `query:"cursor"`
	}) (*struct {
		Body paginatedItems `json:"body"`
	}, error) {
		if _, herr := s.ownedJob(ctx, input.JobID); herr != nil {
			return nil, herr
		}
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		f := repo.ItemFilters{JobID: input.JobID, Limit: normalizeLimit(input.Limit), AfterSeq: after}
		for _, st := range input.Status {
			f.Statuses = append(f.Statuses, domain.ItemStatus(st))
		}
		items, last, err := s.e.Repo.ListItems(ctx, f)
		if err != nil {
			return nil, s.handleError(err)
		}
		resp := paginatedItems{Items: []ItemResponse{}}
		for _, it := range items {
			resp.Items = append(resp.Items, itemResponse(it))
		}
		if len(items) == f.Limit {
			resp.NextCursor = itoa(last)
		}
		return &struct {
			Body paginatedItems `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-job-audit",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/audit",
		Summary:     "List audit events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID  string `path:"job_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		if _, herr := s.ownedJob(ctx, input.JobID); herr != nil {
			return nil, herr
		}
		if input.Type != "" && !domain.EventType(input.Type).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown event type", map[string]any{"type": input.Type})
		}
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		limit := normalizeLimit(input.Limit)
		events, err := s.e.Repo.ListAudit(ctx, repo.AuditFilters{
			JobID:     input.JobID,
			EventType: domain.EventType(input.Type),
			Limit:     limit + 1,
			Before:    before,
		})
		if err != nil {
			return nil, s.handleError(err)
		}
		resp := paginatedAudit{Items: []AuditEventResponse{}}
		if len(events) > limit {
			events = events[:limit]
			resp.NextCursor = itoa(events[limit-1].ID)
		}
		for _, ev := range events {
			resp.Items = append(resp.Items, auditResponse(ev))
		}
		return &struct {
			Body paginatedAudit `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-job-metrics",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/metrics",
		Summary:     "Recent metrics samples, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		Limit int    `query:"limit" default:"20"`
	}) (*struct {
		Body metricsList `json:"body"`
	}, error) {
		if _, herr := s.ownedJob(ctx, input.JobID); herr != nil {
			return nil, herr
		}
		samples, err := s.e.Repo.ListMetrics(ctx, input.JobID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, s.handleError(err)
		}
		if samples == nil {
			samples = []domain.MigrationMetrics{}
		}
		return &struct {
			Body metricsList `json:"body"`
		}{Body: metricsList{Items: samples}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job-checkpoint",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/checkpoint",
		Summary:     "Last durable checkpoint",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body domain.MigrationCheckpoint `json:"body"`
	}, error) {
		if _, herr := s.ownedJob(ctx, input.JobID); herr != nil {
			return nil, herr
		}
		cp, ok, err := s.e.Checkpoints.Load(ctx, input.JobID)
		if err != nil {
			return nil, s.handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no checkpoint stored for job "+input.JobID, nil)
		}
		return &struct {
			Body domain.MigrationCheckpoint `json:"body"`
		}{Body: cp}, nil
	})
}

func (s *server) registerIdentities(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-identity-mappings",
		Method:      http.MethodGet,
		Path:        "/identity-mappings",
		Summary:     "List identity mappings",
	}, func(ctx context.Context, input *struct {
		SourceSystem string `query:"source_system" enum:"google_drive,onedrive,s3,filenet,local"`
		Limit        int    `query:"limit" default:"100"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedIdentities `json:"body"`
	}, error) {
		if _, authErr := ownerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		maps, err := s.e.Repo.ListIdentityMappings(ctx, repo.IdentityFilters{
			SourceSystem:   domain.SourceSystem(input.SourceSystem),
			Limit:          limit + 1,
			AfterPrincipal: input.Cursor,
		})
		if err != nil {
			return nil, s.handleError(err)
		}
		resp := paginatedIdentities{Items: []IdentityMappingResponse{}}
		if len(maps) > limit {
			maps = maps[:limit]
			resp.NextCursor = maps[limit-1].SourcePrincipalID
		}
		for _, m := range maps {
			resp.Items = append(resp.Items, identityResponse(m))
		}
		return &struct {
			Body paginatedIdentities `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-identity-mappings",
		Method:      http.MethodPut,
		Path:        "/identity-mappings",
		Summary:     "Upsert identity mappings",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PutIdentityMappingsRequest `json:"body"`
	}) (*struct {
		Body importResult `json:"body"`
	}, error) {
		p, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw, err := json.Marshal(input.Body.Mappings)
		if err != nil {
			return nil, s.handleError(err)
		}
		maps, err := config.ParseIdentityMappings(raw)
		if err != nil {
			return nil, s.handleError(err)
		}
		n, err := s.e.ImportIdentityMappings(ctx, p.UserID, maps)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body importResult `json:"body"`
		}{Body: importResult{Imported: n}}, nil
	})
}

// decodeConfig applies the request's config keys over the defaults.
func decodeConfig(in map[string]any) (domain.MigrationConfig, error) {
	cfg := domain.DefaultConfig()
	if len(in) == 0 {
		return cfg, domain.Errorf(domain.CodeBadConfig, "config is required")
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return cfg, domain.Errorf(domain.CodeBadConfig, "encode config: %v", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, domain.Errorf(domain.CodeBadConfig, "decode config: %v", err)
	}
	return cfg, nil
}
