package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"docmigrate/internal/connector"
	"docmigrate/internal/domain"
	"docmigrate/internal/logging"
)

// FileName is looked up in the workspace when no --config is given.
const FileName = "docmigrate.yaml"

// EnvPrefix prefixes every environment override, e.g. DOCMIGRATE_SERVER_ADDR.
const EnvPrefix = "DOCMIGRATE"

// Config models docmigrate.yaml.
type Config struct {
	Workspace  string           `mapstructure:"workspace"`
	Log        logging.Options  `mapstructure:"log"`
	Server     ServerConfig     `mapstructure:"server"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Target     TargetConfig     `mapstructure:"target"`
	Connectors ConnectorsConfig `mapstructure:"connectors"`
	Relay      RelayConfig      `mapstructure:"relay"`
}

type ServerConfig struct {
	Addr     string `mapstructure:"addr"`
	BasePath string `mapstructure:"base_path"`
	// JWTSecret enables HS256 bearer auth when set.
	JWTSecret string `mapstructure:"jwt_secret"`
}

type EngineConfig struct {
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	ParentWait      time.Duration `mapstructure:"parent_wait"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	ControlPoll     time.Duration `mapstructure:"control_poll"`
}

const (
	CheckpointSQLite = "sqlite"
	CheckpointRedis  = "redis"
)

type CheckpointConfig struct {
	Backend   string `mapstructure:"backend"`
	RedisURL  string `mapstructure:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type TargetConfig struct {
	// Root defaults to <workspace>/.docmigrate/target.
	Root        string `mapstructure:"root"`
	Compression string `mapstructure:"compression"`
}

type ConnectorsConfig struct {
	GDrive struct {
		BaseURL string `mapstructure:"base_url"`
	} `mapstructure:"gdrive"`
	OneDrive struct {
		BaseURL string `mapstructure:"base_url"`
		DriveID string `mapstructure:"drive_id"`
	} `mapstructure:"onedrive"`
	FileNet struct {
		BaseURL    string `mapstructure:"base_url"`
		Repository string `mapstructure:"repository"`
	} `mapstructure:"filenet"`
	S3 struct {
		Region   string `mapstructure:"region"`
		Endpoint string `mapstructure:"endpoint"`
	} `mapstructure:"s3"`
}

type RelayConfig struct {
	Interval time.Duration   `mapstructure:"interval"`
	Batch    int             `mapstructure:"batch"`
	Webhooks []WebhookConfig `mapstructure:"webhooks"`
	Kafka    KafkaConfig     `mapstructure:"kafka"`
}

type WebhookConfig struct {
	Name   string   `mapstructure:"name"`
	URL    string   `mapstructure:"url"`
	Secret string   `mapstructure:"secret"`
	Events []string `mapstructure:"events"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	Events      []string `mapstructure:"events"`
}

// SetDefaults registers every key so that environment overrides reach
// Unmarshal even when the file does not mention them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workspace", ".")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/v0")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("engine.call_timeout", "60s")
	v.SetDefault("engine.base_delay", "1s")
	v.SetDefault("engine.max_delay", "5m")
	v.SetDefault("engine.parent_wait", "30s")
	v.SetDefault("engine.metrics_interval", "30s")
	v.SetDefault("engine.control_poll", "2s")
	v.SetDefault("checkpoint.backend", CheckpointSQLite)
	v.SetDefault("checkpoint.redis_url", "")
	v.SetDefault("checkpoint.key_prefix", "docmigrate:checkpoint:")
	v.SetDefault("target.root", "")
	v.SetDefault("target.compression", "none")
	v.SetDefault("connectors.gdrive.base_url", "https://www.googleapis.com/drive/v3")
	v.SetDefault("connectors.onedrive.base_url", "https://graph.microsoft.com/v1.0")
	v.SetDefault("connectors.onedrive.drive_id", "")
	v.SetDefault("connectors.filenet.base_url", "")
	v.SetDefault("connectors.filenet.repository", "")
	v.SetDefault("connectors.s3.region", "us-east-1")
	v.SetDefault("connectors.s3.endpoint", "")
	v.SetDefault("relay.interval", "5s")
	v.SetDefault("relay.batch", 100)
	v.SetDefault("relay.kafka.brokers", []string{})
	v.SetDefault("relay.kafka.topic_prefix", "docmigrate.")
	v.SetDefault("relay.kafka.events", []string{})
}

// Load reads file, or docmigrate.yaml from the current directory when file
// is empty, then applies DOCMIGRATE_* overrides. A missing default file is
// not an error.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) && !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Workspace) == "" {
		c.Workspace = "."
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config.log.level: %w", err)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console, got %q", c.Log.Format)
	}
	switch c.Checkpoint.Backend {
	case "", CheckpointSQLite:
		c.Checkpoint.Backend = CheckpointSQLite
	case CheckpointRedis:
		if c.Checkpoint.RedisURL == "" {
			return fmt.Errorf("config.checkpoint.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.checkpoint.backend must be sqlite or redis, got %q", c.Checkpoint.Backend)
	}
	switch c.Target.Compression {
	case "", "none", "zstd":
	default:
		return fmt.Errorf("config.target.compression must be none or zstd, got %q", c.Target.Compression)
	}
	for i, hook := range c.Relay.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.relay.webhooks[%d].url is required", i)
		}
		if hook.Name == "" {
			c.Relay.Webhooks[i].Name = fmt.Sprintf("webhook-%d", i)
		}
		if err := checkEvents(hook.Events); err != nil {
			return fmt.Errorf("config.relay.webhooks[%d]: %w", i, err)
		}
	}
	if err := checkEvents(c.Relay.Kafka.Events); err != nil {
		return fmt.Errorf("config.relay.kafka: %w", err)
	}
	if c.Relay.Batch <= 0 {
		c.Relay.Batch = 100
	}
	if c.Relay.Interval <= 0 {
		c.Relay.Interval = 5 * time.Second
	}
	return nil
}

func checkEvents(events []string) error {
	for _, ev := range events {
		if !domain.EventType(ev).Valid() {
			return fmt.Errorf("unknown event type %q", ev)
		}
	}
	return nil
}

// StateDir is where the database, target store and logs live.
func (c Config) StateDir() string {
	return filepath.Join(c.Workspace, ".docmigrate")
}

// TargetRoot returns the document store directory.
func (c Config) TargetRoot() string {
	if c.Target.Root != "" {
		return c.Target.Root
	}
	return filepath.Join(c.StateDir(), "target")
}

// Settings maps connector settings by source system. Job-specific fields
// are filled in by the engine.
func (c ConnectorsConfig) Settings() map[domain.SourceSystem]connector.Settings {
	return map[domain.SourceSystem]connector.Settings{
		domain.SourceGoogleDrive: {BaseURL: c.GDrive.BaseURL},
		domain.SourceOneDrive:    {BaseURL: c.OneDrive.BaseURL, DriveID: c.OneDrive.DriveID},
		domain.SourceFileNet:     {BaseURL: c.FileNet.BaseURL, Repository: c.FileNet.Repository},
		domain.SourceS3:          {Region: c.S3.Region, Endpoint: c.S3.Endpoint},
		domain.SourceLocal:       {},
	}
}
