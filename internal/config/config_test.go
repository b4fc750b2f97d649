package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"docmigrate/internal/domain"
	"docmigrate/internal/logging"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" || cfg.Server.BasePath != "/v0" {
		t.Fatalf("server defaults: %+v", cfg.Server)
	}
	if cfg.Engine.MaxDelay != 5*time.Minute || cfg.Engine.ControlPoll != 2*time.Second {
		t.Fatalf("engine defaults: %+v", cfg.Engine)
	}
	if cfg.Checkpoint.Backend != CheckpointSQLite {
		t.Fatalf("checkpoint backend %q", cfg.Checkpoint.Backend)
	}
	if got := cfg.TargetRoot(); got != filepath.Join(".", ".docmigrate", "target") {
		t.Fatalf("target root %q", got)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "docmigrate.yaml", `
workspace: /srv/migrate
log:
  level: debug
  format: console
engine:
  base_delay: 250ms
checkpoint:
  backend: redis
  redis_url: redis://localhost:6379/0
connectors:
  onedrive:
    drive_id: b!abc
relay:
  webhooks:
    - url: https://hooks.example.com/dm
      events: [job_completed, job_failed]
  kafka:
    brokers: [kafka-1:9092]
`)
	t.Setenv("DOCMIGRATE_SERVER_ADDR", ":9999")
	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workspace != "/srv/migrate" || cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Fatalf("decoded: %+v", cfg)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("env override not applied: %q", cfg.Server.Addr)
	}
	if cfg.Engine.BaseDelay != 250*time.Millisecond {
		t.Fatalf("base delay %s", cfg.Engine.BaseDelay)
	}
	if len(cfg.Relay.Webhooks) != 1 || cfg.Relay.Webhooks[0].Name != "webhook-0" {
		t.Fatalf("webhooks: %+v", cfg.Relay.Webhooks)
	}
	if len(cfg.Relay.Kafka.Brokers) != 1 || cfg.Relay.Kafka.TopicPrefix != "docmigrate." {
		t.Fatalf("kafka: %+v", cfg.Relay.Kafka)
	}
	settings := cfg.Connectors.Settings()
	if settings[domain.SourceOneDrive].DriveID != "b!abc" {
		t.Fatalf("onedrive settings: %+v", settings[domain.SourceOneDrive])
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := map[string]Config{
		"redis without url": {Checkpoint: CheckpointConfig{Backend: CheckpointRedis}},
		"unknown backend":   {Checkpoint: CheckpointConfig{Backend: "etcd"}},
		"compression":       {Target: TargetConfig{Compression: "gzip"}},
		"log level":         {Log: logging.Options{Level: "loud"}},
		"webhook url":       {Relay: RelayConfig{Webhooks: []WebhookConfig{{Name: "x"}}}},
		"event":             {Relay: RelayConfig{Kafka: KafkaConfig{Events: []string{"job_exploded"}}}},
	}
	for name, cfg := range cases {
		cfg := cfg
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseJobSpecAppliesDefaults(t *testing.T) {
	spec, err := ParseJobSpec([]byte(`
name: finance share
source_system: google_drive
config:
  source_location: root-folder
  target_location: /finance
  excluded_extensions: [".TMP", lock]
  role_mapping:
    writer: editor
credentials:
  secret_env: DM_TEST_TOKEN
  scopes: [drive.readonly]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if spec.SourceSystem != domain.SourceGoogleDrive || spec.Name != "finance share" {
		t.Fatalf("spec: %+v", spec)
	}
	cfg := spec.Config
	if !cfg.Recursive || cfg.Concurrency != domain.DefaultConcurrency || cfg.DuplicatePolicy != domain.DedupeChecksum {
		t.Fatalf("defaults lost: %s", cfg)
	}
	if strings.Join(cfg.ExcludedExtensions, ",") != "tmp,lock" {
		t.Fatalf("extensions: %v", cfg.ExcludedExtensions)
	}
	if cfg.RoleMapping["writer"] != domain.RoleEditor {
		t.Fatalf("role mapping: %v", cfg.RoleMapping)
	}

	t.Setenv("DM_TEST_TOKEN", "tok-123")
	creds, err := spec.Credentials.Load(spec.SourceSystem)
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if string(creds.Ciphertext) != "tok-123" || creds.Scheme != "plain" || !creds.IsValid {
		t.Fatalf("credentials: %+v", creds)
	}
}

func TestParseJobSpecSchemaErrors(t *testing.T) {
	cases := map[string]string{
		"missing target": "source_system: s3\nconfig:\n  source_location: bucket\n",
		"bad policy":     "source_system: s3\nconfig:\n  target_location: /x\n  duplicate_policy: overwrite\n",
		"bad system":     "source_system: dropbox\nconfig:\n  target_location: /x\n",
		"unknown field":  "source_system: s3\nconfig:\n  target_location: /x\n  turbo: true\n",
		"concurrency":    "source_system: s3\nconfig:\n  target_location: /x\n  concurrency: 500\n",
		"empty":          "",
	}
	for name, body := range cases {
		_, err := ParseJobSpec([]byte(body))
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		if domain.CodeOf(err) != domain.CodeBadConfig {
			t.Errorf("%s: code %q (%v)", name, domain.CodeOf(err), err)
		}
	}
}

func TestLoadJobSpecResolvesSecretFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "token.txt", "  file-secret\n")
	path := writeFile(t, dir, "job.yaml", `
source_system: local
config:
  source_location: /data
  target_location: /archive
credentials:
  secret_file: token.txt
`)
	spec, err := LoadJobSpec(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	creds, err := spec.Credentials.Load(spec.SourceSystem)
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if string(creds.Ciphertext) != "file-secret" {
		t.Fatalf("secret %q", creds.Ciphertext)
	}
}

func TestParseIdentityMappingsAcceptsComments(t *testing.T) {
	maps, err := ParseIdentityMappings([]byte(`{
  // exported from the directory sync
  "mappings": [
    {
      "source_system": "google_drive",
      "source_principal_id": "alice@corp.example",
      "target_principal_id": "u-100",
      "verified": true,
    },
    /* groups come later */
    {"source_system": "onedrive", "source_principal_id": "g-7", "source_principal_type": "group"},
  ],
}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(maps) != 2 {
		t.Fatalf("expected 2 mappings, got %d", len(maps))
	}
	if maps[0].SourcePrincipalType != domain.PrincipalUser || maps[0].TargetPrincipalType != domain.PrincipalUser {
		t.Fatalf("principal defaults: %+v", maps[0])
	}
	if !maps[0].Resolved() || maps[1].Resolved() {
		t.Fatalf("resolved flags: %+v", maps)
	}
}

func TestParseIdentityMappingsRejectsUnknownSystem(t *testing.T) {
	_, err := ParseIdentityMappings([]byte(`[{"source_system": "dropbox", "source_principal_id": "x"}]`))
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseIdentityMappingsRejectsRoleVariants(t *testing.T) {
	_, err := ParseIdentityMappings([]byte(`[{
  "source_system": "google_drive",
  "source_principal_id": "a@corp",
  "role_mapping": {"File Owner": "owner", "file_owner": "editor"}
}]`))
	if domain.CodeOf(err) != domain.CodeBadConfig {
		t.Fatalf("expected invalid_config, got %v", err)
	}
}
