package domain

import (
	"errors"
	"fmt"
	"time"
)

type ErrorCategory string

const (
	CategoryTransient     ErrorCategory = "transient"
	CategoryPermanentItem ErrorCategory = "permanent_item"
	CategoryPermanentJob  ErrorCategory = "permanent_job"
	CategoryDataIntegrity ErrorCategory = "data_integrity"
)

type ErrorCode string

const (
	CodeRateLimited  ErrorCode = "rate_limited"
	CodeNetwork      ErrorCode = "network_error"
	CodeTimeout      ErrorCode = "timeout"
	CodeServerError  ErrorCode = "server_error"
	CodeNotFound     ErrorCode = "not_found"
	CodeDenied       ErrorCode = "permission_denied"
	CodeNoParent     ErrorCode = "unresolved_parent"
	CodeInvalidItem  ErrorCode = "invalid_item"
	CodeConflict     ErrorCode = "target_conflict"
	CodeAuthRevoked  ErrorCode = "auth_revoked"
	CodeCredentials  ErrorCode = "credentials_invalid"
	CodeDiscovery    ErrorCode = "discovery_exhausted"
	CodeTargetDown   ErrorCode = "target_unavailable"
	CodeBadConfig    ErrorCode = "invalid_config"
	CodeChecksum     ErrorCode = "checksum_mismatch"
	CodeSizeMismatch ErrorCode = "size_mismatch"
	CodeInternal     ErrorCode = "internal"
)

var codeCategories = map[ErrorCode]ErrorCategory{
	CodeRateLimited:  CategoryTransient,
	CodeNetwork:      CategoryTransient,
	CodeTimeout:      CategoryTransient,
	CodeServerError:  CategoryTransient,
	CodeNotFound:     CategoryPermanentItem,
	CodeDenied:       CategoryPermanentItem,
	CodeNoParent:     CategoryPermanentItem,
	CodeInvalidItem:  CategoryPermanentItem,
	CodeConflict:     CategoryPermanentItem,
	CodeInternal:     CategoryPermanentItem,
	CodeAuthRevoked:  CategoryPermanentJob,
	CodeCredentials:  CategoryPermanentJob,
	CodeDiscovery:    CategoryPermanentJob,
	CodeTargetDown:   CategoryPermanentJob,
	CodeBadConfig:    CategoryPermanentJob,
	CodeChecksum:     CategoryDataIntegrity,
	CodeSizeMismatch: CategoryDataIntegrity,
}

// Category classifies a code; unknown codes are permanent item failures.
func (c ErrorCode) Category() ErrorCategory {
	if cat, ok := codeCategories[c]; ok {
		return cat
	}
	return CategoryPermanentItem
}

// MigrationError is the single error type crossing connector, pipeline and
// orchestrator boundaries.
type MigrationError struct {
	Code       ErrorCode
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *MigrationError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *MigrationError) Unwrap() error { return e.Err }

func (e *MigrationError) Category() ErrorCategory { return e.Code.Category() }

// Errorf builds a MigrationError with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *MigrationError {
	return &MigrationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to err, keeping an existing MigrationError as is.
func WrapError(code ErrorCode, err error) *MigrationError {
	if err == nil {
		return nil
	}
	var me *MigrationError
	if errors.As(err, &me) {
		return me
	}
	return &MigrationError{Code: code, Err: err}
}

// AsMigrationError extracts a MigrationError, classifying anything else as
// an internal failure.
func AsMigrationError(err error) *MigrationError {
	if err == nil {
		return nil
	}
	var me *MigrationError
	if errors.As(err, &me) {
		return me
	}
	return &MigrationError{Code: CodeInternal, Err: err}
}

func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return AsMigrationError(err).Code
}

func CategoryOf(err error) ErrorCategory {
	return CodeOf(err).Category()
}

func IsTransient(err error) bool {
	return err != nil && CategoryOf(err) == CategoryTransient
}
