// Package connector defines the boundary every source system implements.
// Connectors report failures as values: each call returns a Result carrying
// either data or a classified error code.
package connector

import (
	"context"
	"io"
	"time"

	"docmigrate/internal/domain"
)

type Connector interface {
	System() domain.SourceSystem
	// Discover returns one page of items, parents before children. The page
	// token fully encodes the walk state so discovery can resume from it.
	Discover(ctx context.Context, req DiscoverRequest) Result[DiscoveryPage]
	OpenContent(ctx context.Context, item domain.MigrationItem) Result[StreamedContent]
	ListPermissions(ctx context.Context, item domain.MigrationItem) Result[[]domain.SourcePermission]
}

// VersionLister is implemented by connectors that expose prior versions.
type VersionLister interface {
	ListVersions(ctx context.Context, item domain.MigrationItem) Result[[]Version]
	OpenVersion(ctx context.Context, item domain.MigrationItem, v Version) Result[StreamedContent]
}

type DiscoverRequest struct {
	PageToken string
	// SkipFolders holds folder ids already fully processed.
	SkipFolders map[string]bool
	PageSize    int
	Recursive   bool
	// Root overrides the configured source location.
	Root string
}

type DiscoveryPage struct {
	Items            []domain.MigrationItem
	NextPageToken    string
	HasMore          bool
	CurrentFolder    string
	CompletedFolders []string
}

// Last reports whether pagination has ended.
func (p DiscoveryPage) Last() bool {
	return !p.HasMore && p.NextPageToken == ""
}

// StreamedContent is opened lazily and must be closed by the caller.
type StreamedContent struct {
	Body              io.ReadCloser
	Size              int64
	Checksum          string
	ChecksumAlgorithm string
	MimeType          string
}

type Version struct {
	ID         string
	Size       int64
	Checksum   string
	ModifiedAt *time.Time
}

// Result is the envelope every connector call returns.
type Result[T any] struct {
	Success    bool
	Data       T
	Error      string
	ErrorCode  domain.ErrorCode
	RetryAfter time.Duration
}

func OK[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

func Fail[T any](code domain.ErrorCode, msg string) Result[T] {
	return Result[T]{ErrorCode: code, Error: msg}
}

// FailErr converts err into a failed result, keeping the code and
// retry hint of a *domain.MigrationError.
func FailErr[T any](err error) Result[T] {
	me := domain.AsMigrationError(err)
	return Result[T]{ErrorCode: me.Code, Error: me.Error(), RetryAfter: me.RetryAfter}
}

// Err returns nil for a successful result.
func (r Result[T]) Err() error {
	if r.Success {
		return nil
	}
	code := r.ErrorCode
	if code == "" {
		code = domain.CodeInternal
	}
	return &domain.MigrationError{Code: code, Message: r.Error, RetryAfter: r.RetryAfter}
}
