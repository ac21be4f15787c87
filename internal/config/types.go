package config

import (
	"time"

	"github.com/mattjoyce/siphon/internal/group"
)

// Config represents the complete siphon configuration.
type Config struct {
	Include    []string         `yaml:"include,omitempty"`
	Service    ServiceConfig    `yaml:"service"`
	State      StateConfig      `yaml:"state"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Supersede  SupersedeConfig  `yaml:"supersede"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Curation   CurationConfig   `yaml:"curation"`
	Index      IndexConfig      `yaml:"index"`
	Publish    PublishConfig    `yaml:"publish"`
	API        APIConfig        `yaml:"api,omitempty"`

	// Files lists every file that contributed to this config, root first.
	Files []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LockPath  string `yaml:"lock_path"`
}

// StateConfig defines the shared SQLite database holding statuses and the
// work queue.
type StateConfig struct {
	Path string `yaml:"path"`
}

// WorkspaceConfig defines where submissions keep their files.
type WorkspaceConfig struct {
	Dir       string        `yaml:"dir"`
	Retention time.Duration `yaml:"retention"`
	// KeepOnSuccess leaves the workspace in place after a clean run.
	KeepOnSuccess bool `yaml:"keep_on_success"`
}

// DispatcherConfig governs the queue-draining loop.
type DispatcherConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	LongPoll      time.Duration `yaml:"long_poll"`
	Visibility    time.Duration `yaml:"visibility_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	// WorkerCommand starts one submission worker; the WorkerRequest is
	// written to its stdin. Empty means "this binary, `worker run`".
	WorkerCommand []string `yaml:"worker_command,omitempty"`
}

// SupersedeConfig tunes cancellation of older versions.
type SupersedeConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxWait      time.Duration `yaml:"max_wait"`
}

// FetchConfig tunes data download.
type FetchConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	RetryMax int           `yaml:"retry_max"`
}

// ExtractionConfig drives grouping, extraction and validation.
type ExtractionConfig struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	GroupTimeout time.Duration `yaml:"group_timeout"`
	// Isolation is "process" (one child per group) or "local".
	Isolation    string       `yaml:"isolation"`
	PluginsDir   string       `yaml:"plugins_dir,omitempty"`
	SchemaDir    string       `yaml:"schema_dir,omitempty"`
	BaseURL      string       `yaml:"base_url,omitempty"`
	OverrideFile string       `yaml:"override_file,omitempty"`
	GroupingFile string       `yaml:"grouping_file,omitempty"`
	Grouping     group.Config `yaml:"grouping"`
}

// CurationConfig tunes the wait for an operator decision.
type CurationConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxWait      time.Duration `yaml:"max_wait"`
}

// IndexConfig selects and tunes the search index.
type IndexConfig struct {
	Backend       string        `yaml:"backend"` // http | memory
	URL           string        `yaml:"url,omitempty"`
	Token         string        `yaml:"token,omitempty"`
	Name          string        `yaml:"name"`
	BatchSize     int           `yaml:"batch_size"`
	Workers       int           `yaml:"workers"`
	MaxRetries    int           `yaml:"max_retries"`
	DeleteRetries int           `yaml:"delete_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	TaskTimeout   time.Duration `yaml:"task_timeout"`
}

// PublishConfig holds the secondary publication steps.
type PublishConfig struct {
	Backup      BackupConfig  `yaml:"backup"`
	S3          S3Config      `yaml:"s3"`
	Integration WebhookTarget `yaml:"integration"`
	Registry    WebhookTarget `yaml:"registry"`
}

type BackupConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type S3Config struct {
	Enabled  bool   `yaml:"enabled"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix,omitempty"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// WebhookTarget is an outbound signed POST.
type WebhookTarget struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
	Owners  OwnersConfig  `yaml:"owners,omitempty"`
}

// OwnersConfig restricts who may submit. The file lists one owner id per
// line and is reread every Refresh.
type OwnersConfig struct {
	File    string        `yaml:"file,omitempty"`
	Refresh time.Duration `yaml:"refresh,omitempty"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "siphon",
			LogLevel:  "info",
			LogFormat: "json",
			LockPath:  "./data/siphon.lock",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		Workspace: WorkspaceConfig{
			Dir:       "./data/workspaces",
			Retention: 7 * 24 * time.Hour,
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrent: 4,
			LongPoll:      20 * time.Second,
			Visibility:    5 * time.Minute,
			ShutdownGrace: 30 * time.Second,
		},
		Supersede: SupersedeConfig{
			PollInterval: time.Second,
			MaxWait:      2 * time.Minute,
		},
		Fetch: FetchConfig{
			Timeout:  10 * time.Minute,
			RetryMax: 3,
		},
		Extraction: ExtractionConfig{
			Workers:      4,
			QueueSize:    64,
			GroupTimeout: 10 * time.Minute,
			Isolation:    "process",
		},
		Curation: CurationConfig{
			PollInterval: 30 * time.Second,
			MaxWait:      7 * 24 * time.Hour,
		},
		Index: IndexConfig{
			Backend:       "http",
			Name:          "siphon",
			BatchSize:     100,
			Workers:       4,
			MaxRetries:    3,
			DeleteRetries: 3,
			RetryDelay:    2 * time.Second,
			PollInterval:  time.Second,
			TaskTimeout:   10 * time.Minute,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
