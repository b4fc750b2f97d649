package domain

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid status transition")

type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobDiscovering JobStatus = "discovering"
	JobRunning     JobStatus = "running"
	JobPaused      JobStatus = "paused"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobCancelled   JobStatus = "cancelled"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:     {JobDiscovering, JobFailed, JobCancelled},
	JobDiscovering: {JobRunning, JobFailed, JobCancelled},
	JobRunning:     {JobPaused, JobCompleted, JobFailed, JobCancelled},
	JobPaused:      {JobRunning, JobCancelled},
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobDiscovering, JobRunning, JobPaused, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Active reports whether an orchestrator is expected to be driving the job.
func (s JobStatus) Active() bool {
	return s == JobDiscovering || s == JobRunning
}

// CheckJobTransition rejects any job transition not listed in the table.
func CheckJobTransition(from, to JobStatus) error {
	for _, next := range jobTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, from, to)
}

type ItemStatus string

const (
	ItemPending             ItemStatus = "pending"
	ItemDiscovered          ItemStatus = "discovered"
	ItemDownloading         ItemStatus = "downloading"
	ItemUploading           ItemStatus = "uploading"
	ItemIndexing            ItemStatus = "indexing"
	ItemApplyingPermissions ItemStatus = "applying_permissions"
	ItemVerifying           ItemStatus = "verifying"
	ItemCompleted           ItemStatus = "completed"
	ItemFailed              ItemStatus = "failed"
	ItemSkipped             ItemStatus = "skipped"
)

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemPending:             {ItemDiscovered},
	ItemDiscovered:          {ItemDownloading, ItemIndexing},
	ItemDownloading:         {ItemUploading, ItemDiscovered},
	ItemUploading:           {ItemIndexing, ItemDiscovered},
	ItemIndexing:            {ItemApplyingPermissions, ItemVerifying, ItemDiscovered},
	ItemApplyingPermissions: {ItemVerifying, ItemDiscovered},
	ItemVerifying:           {ItemCompleted, ItemDiscovered},
}

func (s ItemStatus) Valid() bool {
	switch s {
	case ItemPending, ItemDiscovered, ItemDownloading, ItemUploading, ItemIndexing,
		ItemApplyingPermissions, ItemVerifying, ItemCompleted, ItemFailed, ItemSkipped:
		return true
	}
	return false
}

func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemSkipped
}

// CheckItemTransition rejects any item transition not listed in the table.
// failed and skipped are reachable from every non-terminal status.
func CheckItemTransition(from, to ItemStatus) error {
	if !from.Terminal() && (to == ItemFailed || to == ItemSkipped) {
		return nil
	}
	for _, next := range itemTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: item %s -> %s", ErrInvalidTransition, from, to)
}

type Stage string

const (
	StageDiscovery Stage = "discovery"
	StagePreCheck  Stage = "pre_check"
	StageTransfer  Stage = "transfer"
	StageIndex     Stage = "index"
	StageACLApply  Stage = "acl_apply"
	StageVerify    Stage = "verify"
	StageFinalize  Stage = "finalize"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageDiscovery, StagePreCheck, StageTransfer, StageIndex, StageACLApply, StageVerify, StageFinalize}

func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

// Next returns the stage after s, or "" after finalize.
func (s Stage) Next() Stage {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1]
		}
	}
	return ""
}

type SourceSystem string

const (
	SourceGoogleDrive SourceSystem = "google_drive"
	SourceOneDrive    SourceSystem = "onedrive"
	SourceS3          SourceSystem = "s3"
	SourceFileNet     SourceSystem = "filenet"
	SourceLocal       SourceSystem = "local"
)

func (s SourceSystem) Valid() bool {
	switch s {
	case SourceGoogleDrive, SourceOneDrive, SourceS3, SourceFileNet, SourceLocal:
		return true
	}
	return false
}

type ItemType string

const (
	ItemFile   ItemType = "file"
	ItemFolder ItemType = "folder"
)

type DuplicatePolicy string

const (
	DedupeChecksum DuplicatePolicy = "dedupe_checksum"
	KeepBoth       DuplicatePolicy = "keep_both"
	VersionIt      DuplicatePolicy = "version_it"
	SkipDuplicate  DuplicatePolicy = "skip"
)

func (p DuplicatePolicy) Valid() bool {
	switch p {
	case DedupeChecksum, KeepBoth, VersionIt, SkipDuplicate:
		return true
	}
	return false
}

type FallbackAction string

const (
	FallbackOwnerOnly FallbackAction = "owner_only"
	FallbackSkip      FallbackAction = "skip"
	FallbackReport    FallbackAction = "report"
)

func (f FallbackAction) Valid() bool {
	switch f {
	case FallbackOwnerOnly, FallbackSkip, FallbackReport:
		return true
	}
	return false
}

type PrincipalType string

const (
	PrincipalUser   PrincipalType = "user"
	PrincipalGroup  PrincipalType = "group"
	PrincipalDomain PrincipalType = "domain"
	PrincipalAnyone PrincipalType = "anyone"
)

func (p PrincipalType) Valid() bool {
	switch p {
	case PrincipalUser, PrincipalGroup, PrincipalDomain, PrincipalAnyone:
		return true
	}
	return false
}

// Broad reports whether the principal covers people that were never
// individually named (anyone with the link, a whole domain).
func (p PrincipalType) Broad() bool {
	return p == PrincipalAnyone || p == PrincipalDomain
}

type TargetRole string

const (
	RoleOwner     TargetRole = "owner"
	RoleEditor    TargetRole = "editor"
	RoleCommenter TargetRole = "commenter"
	RoleViewer    TargetRole = "viewer"
)

func (r TargetRole) Valid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleCommenter, RoleViewer:
		return true
	}
	return false
}

type EventType string

const (
	EventJobCreated           EventType = "job_created"
	EventJobStarted           EventType = "job_started"
	EventJobRunning           EventType = "job_running"
	EventJobPaused            EventType = "job_paused"
	EventJobResumed           EventType = "job_resumed"
	EventJobRecovered         EventType = "job_recovered"
	EventJobCompleted         EventType = "job_completed"
	EventJobFailed            EventType = "job_failed"
	EventJobCancelled         EventType = "job_cancelled"
	EventJobRetryCreated      EventType = "job_retry_created"
	EventDiscoveryPage        EventType = "discovery_page"
	EventItemSkipped          EventType = "item_skipped"
	EventItemCompleted        EventType = "item_completed"
	EventItemFailed           EventType = "item_failed"
	EventItemRetried          EventType = "item_retried"
	EventDryRunPlanned        EventType = "dry_run_planned"
	EventVerificationDegraded EventType = "verification_degraded"
	EventPermissionApplied    EventType = "permission_applied"
	EventPermissionSkipped    EventType = "permission_skipped"
	EventPermissionFailed     EventType = "permission_failed"
)

var eventTypes = map[EventType]bool{
	EventJobCreated: true, EventJobStarted: true, EventJobRunning: true,
	EventJobPaused: true, EventJobResumed: true, EventJobRecovered: true,
	EventJobCompleted: true, EventJobFailed: true, EventJobCancelled: true,
	EventJobRetryCreated: true, EventDiscoveryPage: true, EventItemSkipped: true,
	EventItemCompleted: true, EventItemFailed: true, EventItemRetried: true,
	EventDryRunPlanned: true, EventVerificationDegraded: true,
	EventPermissionApplied: true, EventPermissionSkipped: true, EventPermissionFailed: true,
}

func (e EventType) Valid() bool { return eventTypes[e] }

// JobEvent returns the audit event recorded when a job enters status.
func JobEvent(from, to JobStatus) EventType {
	switch to {
	case JobDiscovering:
		return EventJobStarted
	case JobRunning:
		if from == JobPaused {
			return EventJobResumed
		}
		return EventJobRunning
	case JobPaused:
		return EventJobPaused
	case JobCompleted:
		return EventJobCompleted
	case JobFailed:
		return EventJobFailed
	case JobCancelled:
		return EventJobCancelled
	}
	return EventJobCreated
}
