package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"docmigrate/internal/domain"
)

// LoadIdentityMappings reads an identity import file. The file is JSON and
// may carry comments and trailing commas.
func LoadIdentityMappings(path string) ([]domain.IdentityMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	maps, err := ParseIdentityMappings(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return maps, nil
}

// ParseIdentityMappings accepts either a bare array or {"mappings": [...]}.
func ParseIdentityMappings(data []byte) ([]domain.IdentityMapping, error) {
	clean := jsonc.ToJSON(data)
	var maps []domain.IdentityMapping
	if err := json.Unmarshal(clean, &maps); err != nil {
		var doc struct {
			Mappings []domain.IdentityMapping `json:"mappings"`
		}
		if err2 := json.Unmarshal(clean, &doc); err2 != nil {
			return nil, domain.Errorf(domain.CodeBadConfig, "parse identity mappings: %v", err)
		}
		maps = doc.Mappings
	}
	for i := range maps {
		if err := checkMapping(&maps[i]); err != nil {
			return nil, fmt.Errorf("mapping %d: %w", i, err)
		}
	}
	return maps, nil
}

func checkMapping(m *domain.IdentityMapping) error {
	if !m.SourceSystem.Valid() {
		return domain.Errorf(domain.CodeBadConfig, "unknown source_system %q", m.SourceSystem)
	}
	if m.SourcePrincipalID == "" {
		return domain.Errorf(domain.CodeBadConfig, "source_principal_id is required")
	}
	if m.SourcePrincipalType == "" {
		m.SourcePrincipalType = domain.PrincipalUser
	}
	if !m.SourcePrincipalType.Valid() {
		return domain.Errorf(domain.CodeBadConfig, "unknown source_principal_type %q", m.SourcePrincipalType)
	}
	if m.TargetPrincipalID != "" && m.TargetPrincipalType == "" {
		m.TargetPrincipalType = m.SourcePrincipalType
	}
	if m.TargetPrincipalType != "" && !m.TargetPrincipalType.Valid() {
		return domain.Errorf(domain.CodeBadConfig, "unknown target_principal_type %q", m.TargetPrincipalType)
	}
	if err := domain.CheckRoleMapping(m.RoleMapping); err != nil {
		return err
	}
	if m.FallbackAction != "" && !m.FallbackAction.Valid() {
		return domain.Errorf(domain.CodeBadConfig, "unknown fallback_action %q", m.FallbackAction)
	}
	return nil
}
