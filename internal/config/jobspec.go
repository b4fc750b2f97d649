package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"docmigrate/internal/credentials"
	"docmigrate/internal/domain"
)

//go:embed jobspec.schema.json
var jobSpecSchema string

// JobSpec is the file handed to `dm job submit`.
type JobSpec struct {
	Name         string                 `yaml:"name"`
	Owner        string                 `yaml:"owner"`
	SourceSystem domain.SourceSystem    `yaml:"source_system"`
	Config       domain.MigrationConfig `yaml:"config"`
	Credentials  *CredentialSpec        `yaml:"credentials"`
}

// CredentialSpec names the source secret. Exactly one of Secret, SecretEnv
// and SecretFile is used, in that order.
type CredentialSpec struct {
	Scheme     string     `yaml:"scheme"`
	Secret     string     `yaml:"secret"`
	SecretEnv  string     `yaml:"secret_env"`
	SecretFile string     `yaml:"secret_file"`
	Scopes     []string   `yaml:"scopes"`
	ExpiresAt  *time.Time `yaml:"expires_at"`
}

// LoadJobSpec reads and validates a job spec file. Relative secret files
// resolve against the spec's directory.
func LoadJobSpec(path string) (JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return JobSpec{}, err
	}
	spec, err := ParseJobSpec(data)
	if err != nil {
		return JobSpec{}, fmt.Errorf("%s: %w", path, err)
	}
	if spec.Credentials != nil && spec.Credentials.SecretFile != "" && !filepath.IsAbs(spec.Credentials.SecretFile) {
		spec.Credentials.SecretFile = filepath.Join(filepath.Dir(path), spec.Credentials.SecretFile)
	}
	return spec, nil
}

// ParseJobSpec checks data against the embedded schema, then decodes it
// over the default config.
func ParseJobSpec(data []byte) (JobSpec, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return JobSpec{}, domain.Errorf(domain.CodeBadConfig, "parse job spec: %v", err)
	}
	if doc == nil {
		return JobSpec{}, domain.Errorf(domain.CodeBadConfig, "job spec is empty")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return JobSpec{}, domain.Errorf(domain.CodeBadConfig, "job spec must use string keys: %v", err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(jobSpecSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return JobSpec{}, fmt.Errorf("validate job spec: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return JobSpec{}, domain.Errorf(domain.CodeBadConfig, "invalid job spec: %s", strings.Join(msgs, "; "))
	}

	spec := JobSpec{Config: domain.DefaultConfig()}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return JobSpec{}, domain.Errorf(domain.CodeBadConfig, "decode job spec: %v", err)
	}
	if err := spec.Config.Validate(); err != nil {
		return JobSpec{}, err
	}
	return spec, nil
}

// Load reads the secret and returns the row to store. JobID is left for
// the caller.
func (c CredentialSpec) Load(system domain.SourceSystem) (domain.MigrationCredentials, error) {
	var secret []byte
	switch {
	case c.Secret != "":
		secret = []byte(c.Secret)
	case c.SecretEnv != "":
		v, ok := os.LookupEnv(c.SecretEnv)
		if !ok {
			return domain.MigrationCredentials{}, domain.Errorf(domain.CodeCredentials, "environment variable %s is not set", c.SecretEnv)
		}
		secret = []byte(v)
	case c.SecretFile != "":
		b, err := os.ReadFile(c.SecretFile)
		if err != nil {
			return domain.MigrationCredentials{}, domain.WrapError(domain.CodeCredentials, err)
		}
		secret = []byte(strings.TrimSpace(string(b)))
	}
	scheme := c.Scheme
	if scheme == "" {
		scheme = credentials.SchemePlain
	}
	return domain.MigrationCredentials{
		SourceSystem: system,
		Scheme:       scheme,
		Ciphertext:   secret,
		IsValid:      true,
		Scopes:       c.Scopes,
		ExpiresAt:    c.ExpiresAt,
	}, nil
}
