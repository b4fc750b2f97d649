package domain

import "time"

type MigrationJob struct {
	ID                string          `json:"id"`
	OwnerUserID       string          `json:"owner_user_id"`
	SourceSystem      SourceSystem    `json:"source_system" enum:"google_drive,onedrive,s3,filenet,local"`
	Name              string          `json:"name,omitempty"`
	Status            JobStatus       `json:"status" enum:"pending,discovering,running,paused,completed,failed,cancelled"`
	Config            MigrationConfig `json:"config"`
	TotalItems        int64           `json:"total_items"`
	ProcessedItems    int64           `json:"processed_items"`
	FailedItems       int64           `json:"failed_items"`
	SkippedItems      int64           `json:"skipped_items"`
	TotalBytes        int64           `json:"total_bytes"`
	ProcessedBytes    int64           `json:"processed_bytes"`
	LastCheckpoint    *time.Time      `json:"last_checkpoint,omitempty"`
	ErrorSummary      ErrorSummary    `json:"error_summary"`
	ErrorCode         ErrorCode       `json:"error_code,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	RetryOf           string          `json:"retry_of,omitempty"`
	DiscoveryComplete bool            `json:"discovery_complete"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
}

// Settled reports whether every discovered item reached a terminal status.
func (j MigrationJob) Settled() bool {
	return j.DiscoveryComplete && j.ProcessedItems+j.FailedItems+j.SkippedItems >= j.TotalItems
}

// MigrationConfig is fixed when the job is submitted.
type MigrationConfig struct {
	SourceLocation     string                `json:"source_location" yaml:"source_location"`
	TargetLocation     string                `json:"target_location" yaml:"target_location"`
	Recursive          bool                  `json:"recursive" yaml:"recursive"`
	IncludePermissions bool                  `json:"include_permissions" yaml:"include_permissions"`
	IncludeVersions    bool                  `json:"include_versions" yaml:"include_versions"`
	DuplicatePolicy    DuplicatePolicy       `json:"duplicate_policy" yaml:"duplicate_policy"`
	FileSizeLimitMB    int64                 `json:"file_size_limit_mb" yaml:"file_size_limit_mb"`
	ExcludedExtensions []string              `json:"excluded_extensions,omitempty" yaml:"excluded_extensions"`
	DryRun             bool                  `json:"dry_run" yaml:"dry_run"`
	Concurrency        int                   `json:"concurrency" yaml:"concurrency"`
	RetryAttempts      int                   `json:"retry_attempts" yaml:"retry_attempts"`
	DeltaMode          bool                  `json:"delta_mode" yaml:"delta_mode"`
	PermissionFallback FallbackAction        `json:"permission_fallback" yaml:"permission_fallback"`
	RoleMapping        map[string]TargetRole `json:"role_mapping,omitempty" yaml:"role_mapping"`
	PageSize           int                   `json:"page_size" yaml:"page_size"`
	CheckpointBatch    int                   `json:"checkpoint_batch" yaml:"checkpoint_batch"`
}

type MigrationCheckpoint struct {
	JobID               string    `json:"job_id"`
	LastPageToken       string    `json:"last_page_token,omitempty"`
	LastProcessedItemID string    `json:"last_processed_item_id,omitempty"`
	CurrentFolder       string    `json:"current_folder,omitempty"`
	ProcessedFolders    []string  `json:"processed_folders"`
	CompletedSinceStart int64     `json:"completed_since_start"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// FolderSet returns ProcessedFolders as a lookup set.
func (c MigrationCheckpoint) FolderSet() map[string]bool {
	set := make(map[string]bool, len(c.ProcessedFolders))
	for _, f := range c.ProcessedFolders {
		set[f] = true
	}
	return set
}

type MigrationItem struct {
	ID                string             `json:"id"`
	JobID             string             `json:"job_id"`
	SourceID          string             `json:"source_id"`
	SourcePath        string             `json:"source_path"`
	Name              string             `json:"name"`
	Type              ItemType           `json:"type" enum:"file,folder"`
	Size              int64              `json:"size"`
	Checksum          string             `json:"checksum,omitempty"`
	ChecksumAlgorithm string             `json:"checksum_algorithm,omitempty"`
	ComputedChecksum  string             `json:"computed_checksum,omitempty"`
	MimeType          string             `json:"mime_type,omitempty"`
	SourceCreatedAt   *time.Time         `json:"source_created_at,omitempty"`
	SourceModifiedAt  *time.Time         `json:"source_modified_at,omitempty"`
	ETag              string             `json:"etag,omitempty"`
	Version           string             `json:"version,omitempty"`
	SourcePermissions []SourcePermission `json:"source_permissions,omitempty"`
	ParentSourceID    string             `json:"parent_source_id,omitempty"`
	ParentItemID      string             `json:"parent_item_id,omitempty"`
	TargetID          string             `json:"target_id,omitempty"`
	TargetParentID    string             `json:"target_parent_id,omitempty"`
	TargetVersion     int                `json:"target_version,omitempty"`
	Status            ItemStatus         `json:"status"`
	Stage             Stage              `json:"stage"`
	AttemptCount      int                `json:"attempt_count"`
	LastError         string             `json:"last_error,omitempty"`
	ErrorCode         ErrorCode          `json:"error_code,omitempty"`
	SkipReason        string             `json:"skip_reason,omitempty"`
	ChecksumVerified  bool               `json:"checksum_verified"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Top reports whether the item sits directly under the discovery root.
func (i MigrationItem) Top() bool { return i.ParentSourceID == "" }

type ErrorSample struct {
	ItemID     string    `json:"item_id,omitempty"`
	SourcePath string    `json:"source_path,omitempty"`
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// MaxErrorSamples bounds ErrorSummary.Samples.
const MaxErrorSamples = 10

type ErrorSummary struct {
	TotalErrors int64                   `json:"total_errors"`
	ByCategory  map[ErrorCategory]int64 `json:"by_category,omitempty"`
	ByCode      map[ErrorCode]int64     `json:"by_code,omitempty"`
	Samples     []ErrorSample           `json:"samples,omitempty"`
}

// Record folds one error into the summary, keeping the first samples.
func (s *ErrorSummary) Record(sample ErrorSample, category ErrorCategory) {
	if s.ByCategory == nil {
		s.ByCategory = map[ErrorCategory]int64{}
	}
	if s.ByCode == nil {
		s.ByCode = map[ErrorCode]int64{}
	}
	s.TotalErrors++
	s.ByCategory[category]++
	s.ByCode[sample.Code]++
	if len(s.Samples) < MaxErrorSamples {
		s.Samples = append(s.Samples, sample)
	}
}

type SourcePermission struct {
	PrincipalID   string        `json:"principal_id"`
	PrincipalType PrincipalType `json:"principal_type" enum:"user,group,domain,anyone"`
	Email         string        `json:"email,omitempty"`
	DisplayName   string        `json:"display_name,omitempty"`
	Role          string        `json:"role"`
	Inherited     bool          `json:"inherited"`
}

type IdentityMapping struct {
	ID                  string                `json:"id"`
	SourceSystem        SourceSystem          `json:"source_system"`
	SourcePrincipalID   string                `json:"source_principal_id"`
	SourcePrincipalType PrincipalType         `json:"source_principal_type"`
	TargetPrincipalID   string                `json:"target_principal_id,omitempty"`
	TargetPrincipalType PrincipalType         `json:"target_principal_type,omitempty"`
	RoleMapping         map[string]TargetRole `json:"role_mapping,omitempty"`
	Verified            bool                  `json:"verified"`
	FallbackAction      FallbackAction        `json:"fallback_action,omitempty"`
	OwnerUserID         string                `json:"owner_user_id,omitempty"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

// Resolved reports whether the mapping can be used as-is.
func (m IdentityMapping) Resolved() bool {
	return m.Verified && m.TargetPrincipalID != ""
}

type MigrationMapping struct {
	SourceSystem   SourceSystem `json:"source_system"`
	SourceItemID   string       `json:"source_item_id"`
	TargetLocation string       `json:"target_location"`
	TargetID       string       `json:"target_id"`
	TargetVersion  int          `json:"target_version"`
	Checksum       string       `json:"checksum,omitempty"`
	ETag           string       `json:"etag,omitempty"`
	SourceVersion  string       `json:"source_version,omitempty"`
	JobID          string       `json:"job_id"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Unchanged reports whether the mapped source object looks identical to item.
func (m MigrationMapping) Unchanged(item MigrationItem) bool {
	switch {
	case m.ETag != "" && item.ETag != "":
		return m.ETag == item.ETag
	case m.Checksum != "" && item.Checksum != "":
		return m.Checksum == item.Checksum
	case m.SourceVersion != "" && item.Version != "":
		return m.SourceVersion == item.Version
	}
	return false
}

type MigrationCredentials struct {
	JobID        string       `json:"job_id"`
	SourceSystem SourceSystem `json:"source_system"`
	Scheme       string       `json:"scheme"`
	Ciphertext   []byte       `json:"-"`
	IsValid      bool         `json:"is_valid"`
	Scopes       []string     `json:"scopes,omitempty"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

type MigrationMetrics struct {
	JobID            string          `json:"job_id"`
	RecordedAt       time.Time       `json:"recorded_at"`
	FilesPerMinute   *float64        `json:"files_per_minute,omitempty"`
	BytesPerSecond   *float64        `json:"bytes_per_second,omitempty"`
	APIThrottleCount int64           `json:"api_throttle_count"`
	ErrorCount       int64           `json:"error_count"`
	QueueBacklog     int             `json:"queue_backlog"`
	StageCounts      map[Stage]int64 `json:"stage_counts"`
}

type AuditEvent struct {
	ID           int64          `json:"id"`
	JobID        string         `json:"job_id"`
	ItemID       string         `json:"item_id,omitempty"`
	EventType    EventType      `json:"event_type"`
	Stage        Stage          `json:"stage,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	SourceID     string         `json:"source_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Grant is an access entry applied to a target object.
type Grant struct {
	PrincipalID   string        `json:"principal_id"`
	PrincipalType PrincipalType `json:"principal_type"`
	Role          TargetRole    `json:"role"`
}
