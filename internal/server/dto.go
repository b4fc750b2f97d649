package server

import (
	"strconv"
	"time"

	"docmigrate/internal/domain"
)

// Request payloads

type CreateJobRequest struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
	SourceSystem string `json:"source_system" enum:"google_drive,onedrive,s3,filenet,local"`
	// Config is decoded over the defaults, so absent keys keep them.
	Config      map[string]any      `json:"config"`
	Credentials *CredentialsRequest `json:"credentials,omitempty"`
	Start       bool                `json:"start,omitempty"`
}

type CredentialsRequest struct {
	Scheme    string     `json:"scheme,omitempty"`
	Secret    string     `json:"secret"`
	Scopes    []string   `json:"scopes,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (c CredentialsRequest) toDomain() domain.MigrationCredentials {
	return domain.MigrationCredentials{
		Scheme:     c.Scheme,
		Ciphertext: []byte(c.Secret),
		IsValid:    true,
		Scopes:     c.Scopes,
		ExpiresAt:  c.ExpiresAt,
	}
}

type IdentityMappingRequest struct {
	SourceSystem        string            `json:"source_system" enum:"google_drive,onedrive,s3,filenet,local"`
	SourcePrincipalID   string            `json:"source_principal_id"`
	SourcePrincipalType string            `json:"source_principal_type,omitempty" enum:"user,group,domain,anyone"`
	TargetPrincipalID   string            `json:"target_principal_id,omitempty"`
	TargetPrincipalType string            `json:"target_principal_type,omitempty" enum:"user,group,domain,anyone"`
	RoleMapping         map[string]string `json:"role_mapping,omitempty"`
	Verified            bool              `json:"verified,omitempty"`
	FallbackAction      string            `json:"fallback_action,omitempty" enum:"owner_only,skip,report"`
}

type PutIdentityMappingsRequest struct {
	Mappings []IdentityMappingRequest `json:"mappings"`
}

// Response payloads

type JobResponse struct {
	ID                string                 `json:"id"`
	OwnerUserID       string                 `json:"owner_user_id"`
	SourceSystem      string                 `json:"source_system"`
	Name              string                 `json:"name,omitempty"`
	Status            string                 `json:"status" enum:"pending,discovering,running,paused,completed,failed,cancelled"`
	Config            domain.MigrationConfig `json:"config"`
	TotalItems        int64                  `json:"total_items"`
	ProcessedItems    int64                  `json:"processed_items"`
	FailedItems       int64                  `json:"failed_items"`
	SkippedItems      int64                  `json:"skipped_items"`
	TotalBytes        int64                  `json:"total_bytes"`
	ProcessedBytes    int64                  `json:"processed_bytes"`
	ErrorSummary      domain.ErrorSummary    `json:"error_summary"`
	ErrorCode         string                 `json:"error_code,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	RetryOf           string                 `json:"retry_of,omitempty"`
	DiscoveryComplete bool                   `json:"discovery_complete"`
	Running           bool                   `json:"running"`
	CreatedAt         string                 `json:"created_at" format:"date-time"`
	UpdatedAt         string                 `json:"updated_at" format:"date-time"`
	StartedAt         *string                `json:"started_at,omitempty" format:"date-time"`
	FinishedAt        *string                `json:"finished_at,omitempty" format:"date-time"`
	LastCheckpoint    *string                `json:"last_checkpoint,omitempty" format:"date-time"`
}

type ItemResponse struct {
	ID               string `json:"id"`
	SourceID         string `json:"source_id"`
	SourcePath       string `json:"source_path"`
	Name             string `json:"name"`
	Type             string `json:"type" enum:"file,folder"`
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
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

type AuditEventResponse struct {
	ID           int64          `json:"id"`
	JobID        string         `json:"job_id"`
	ItemID       string         `json:"item_id,omitempty"`
	EventType    string         `json:"event_type"`
	Stage        string         `json:"stage,omitempty"`
	SourceID     string         `json:"source_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

type IdentityMappingResponse struct {
	ID                  string            `json:"id"`
	SourceSystem        string            `json:"source_system"`
	SourcePrincipalID   string            `json:"source_principal_id"`
	SourcePrincipalType string            `json:"source_principal_type"`
	TargetPrincipalID   string            `json:"target_principal_id,omitempty"`
	TargetPrincipalType string            `json:"target_principal_type,omitempty"`
	RoleMapping         map[string]string `json:"role_mapping,omitempty"`
	Verified            bool              `json:"verified"`
	FallbackAction      string            `json:"fallback_action,omitempty"`
	OwnerUserID         string            `json:"owner_user_id,omitempty"`
	UpdatedAt           string            `json:"updated_at" format:"date-time"`
}

type paginatedJobs struct {
	Items      []JobResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedItems struct {
	Items      []ItemResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedAudit struct {
	Items      []AuditEventResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedIdentities struct {
	Items      []IdentityMappingResponse `json:"items"`
	NextCursor string                    `json:"next_cursor,omitempty"`
}

type metricsList struct {
	Items []domain.MigrationMetrics `json:"items"`
}

type importResult struct {
	Imported int `json:"imported"`
}

func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTSPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTS(*t)
	return &s
}

func jobResponse(j domain.MigrationJob, running bool) JobResponse {
	return JobResponse{
		ID:                j.ID,
		OwnerUserID:       j.OwnerUserID,
		SourceSystem:      string(j.SourceSystem),
		Name:              j.Name,
		Status:            string(j.Status),
		Config:            j.Config,
		TotalItems:        j.TotalItems,
		ProcessedItems:    j.ProcessedItems,
		FailedItems:       j.FailedItems,
		SkippedItems:      j.SkippedItems,
		TotalBytes:        j.TotalBytes,
		ProcessedBytes:    j.ProcessedBytes,
		ErrorSummary:      j.ErrorSummary,
		ErrorCode:         string(j.ErrorCode),
		ErrorMessage:      j.ErrorMessage,
		RetryOf:           j.RetryOf,
		DiscoveryComplete: j.DiscoveryComplete,
		Running:           running,
		CreatedAt:         formatTS(j.CreatedAt),
		UpdatedAt:         formatTS(j.UpdatedAt),
		StartedAt:         formatTSPtr(j.StartedAt),
		FinishedAt:        formatTSPtr(j.FinishedAt),
		LastCheckpoint:    formatTSPtr(j.LastCheckpoint),
	}
}

func itemResponse(it domain.MigrationItem) ItemResponse {
	return ItemResponse{
		ID:               it.ID,
		SourceID:         it.SourceID,
		SourcePath:       it.SourcePath,
		Name:             it.Name,
		Type:             string(it.Type),
		Size:             it.Size,
		Status:           string(it.Status),
		Stage:            string(it.Stage),
		AttemptCount:     it.AttemptCount,
		TargetID:         it.TargetID,
		TargetVersion:    it.TargetVersion,
		ChecksumVerified: it.ChecksumVerified,
		ErrorCode:        string(it.ErrorCode),
		LastError:        it.LastError,
		SkipReason:       it.SkipReason,
		UpdatedAt:        formatTS(it.UpdatedAt),
	}
}

func auditResponse(ev domain.AuditEvent) AuditEventResponse {
	return AuditEventResponse{
		ID:           ev.ID,
		JobID:        ev.JobID,
		ItemID:       ev.ItemID,
		EventType:    string(ev.EventType),
		Stage:        string(ev.Stage),
		SourceID:     ev.SourceID,
		Details:      ev.Details,
		ErrorMessage: ev.ErrorMessage,
		CreatedAt:    formatTS(ev.CreatedAt),
	}
}

func identityResponse(m domain.IdentityMapping) IdentityMappingResponse {
	var roles map[string]string
	if len(m.RoleMapping) > 0 {
		roles = make(map[string]string, len(m.RoleMapping))
		for k, v := range m.RoleMapping {
			roles[k] = string(v)
		}
	}
	return IdentityMappingResponse{
		ID:                  m.ID,
		SourceSystem:        string(m.SourceSystem),
		SourcePrincipalID:   m.SourcePrincipalID,
		SourcePrincipalType: string(m.SourcePrincipalType),
		TargetPrincipalID:   m.TargetPrincipalID,
		TargetPrincipalType: string(m.TargetPrincipalType),
		RoleMapping:         roles,
		Verified:            m.Verified,
		FallbackAction:      string(m.FallbackAction),
		OwnerUserID:         m.OwnerUserID,
		UpdatedAt:           formatTS(m.UpdatedAt),
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
