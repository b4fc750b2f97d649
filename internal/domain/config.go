package domain

import (
	"fmt"
	"sort"
	"strings"
)

const (
	DefaultConcurrency     = 4
	MaxConcurrency         = 64
	DefaultRetryAttempts   = 3
	MaxRetryAttempts       = 10
	DefaultPageSize        = 100
	MaxPageSize            = 1000
	DefaultCheckpointBatch = 25
)

// DefaultConfig returns a config with every default applied. Decoders
// unmarshal over it so that absent fields keep their defaults.
func DefaultConfig() MigrationConfig {
	return MigrationConfig{
		Recursive:          true,
		DuplicatePolicy:    DedupeChecksum,
		Concurrency:        DefaultConcurrency,
		RetryAttempts:      DefaultRetryAttempts,
		PermissionFallback: FallbackReport,
		PageSize:           DefaultPageSize,
		CheckpointBatch:    DefaultCheckpointBatch,
	}
}

// Validate fills zero values that have no meaning of their own and rejects
// out-of-range settings.
func (c *MigrationConfig) Validate() error {
	if strings.TrimSpace(c.TargetLocation) == "" {
		return Errorf(CodeBadConfig, "target_location is required")
	}
	if c.DuplicatePolicy == "" {
		c.DuplicatePolicy = DedupeChecksum
	}
	if !c.DuplicatePolicy.Valid() {
		return Errorf(CodeBadConfig, "unknown duplicate_policy %q", c.DuplicatePolicy)
	}
	if c.PermissionFallback == "" {
		c.PermissionFallback = FallbackReport
	}
	if !c.PermissionFallback.Valid() {
		return Errorf(CodeBadConfig, "unknown permission_fallback %q", c.PermissionFallback)
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Concurrency < 1 || c.Concurrency > MaxConcurrency {
		return Errorf(CodeBadConfig, "concurrency must be between 1 and %d", MaxConcurrency)
	}
	if c.RetryAttempts < 0 || c.RetryAttempts > MaxRetryAttempts {
		return Errorf(CodeBadConfig, "retry_attempts must be between 0 and %d", MaxRetryAttempts)
	}
	if c.FileSizeLimitMB < 0 {
		return Errorf(CodeBadConfig, "file_size_limit_mb must not be negative")
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PageSize < 1 || c.PageSize > MaxPageSize {
		return Errorf(CodeBadConfig, "page_size must be between 1 and %d", MaxPageSize)
	}
	if c.CheckpointBatch == 0 {
		c.CheckpointBatch = DefaultCheckpointBatch
	}
	if c.CheckpointBatch < 1 {
		return Errorf(CodeBadConfig, "checkpoint_batch must be positive")
	}
	if err := CheckRoleMapping(c.RoleMapping); err != nil {
		return err
	}
	exts := make([]string, 0, len(c.ExcludedExtensions))
	for _, ext := range c.ExcludedExtensions {
		ext = NormalizeExtension(ext)
		if ext == "" {
			continue
		}
		exts = append(exts, ext)
	}
	c.ExcludedExtensions = exts
	return nil
}

// Excludes reports whether name carries one of the excluded extensions.
func (c MigrationConfig) Excludes(name string) bool {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return false
	}
	ext := NormalizeExtension(name[idx:])
	for _, ex := range c.ExcludedExtensions {
		if NormalizeExtension(ex) == ext {
			return true
		}
	}
	return false
}

// SizeLimit returns the byte limit, or 0 when unlimited.
func (c MigrationConfig) SizeLimit() int64 {
	return c.FileSizeLimitMB * 1024 * 1024
}

// RoleKey is the form source roles are compared in: trimmed, lowercase,
// spaces as underscores.
func RoleKey(role string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(role)), " ", "_")
}

// CheckRoleMapping rejects unknown target roles and source roles that only
// differ in case or spacing.
func CheckRoleMapping(table map[string]TargetRole) error {
	roles := make([]string, 0, len(table))
	for role := range table {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	seen := make(map[string]string, len(roles))
	for _, role := range roles {
		if target := table[role]; !target.Valid() {
			return Errorf(CodeBadConfig, "role_mapping[%s]: unknown target role %q", role, target)
		}
		key := RoleKey(role)
		if prev, ok := seen[key]; ok {
			return Errorf(CodeBadConfig, "role_mapping: %q and %q name the same source role", prev, role)
		}
		seen[key] = role
	}
	return nil
}

// NormalizeExtension lowercases ext and strips the leading dot.
func NormalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

func (c MigrationConfig) String() string {
	return fmt.Sprintf("%s -> %s (policy=%s concurrency=%d retries=%d delta=%t dry_run=%t)",
		c.SourceLocation, c.TargetLocation, c.DuplicatePolicy, c.Concurrency, c.RetryAttempts, c.DeltaMode, c.DryRun)
}
