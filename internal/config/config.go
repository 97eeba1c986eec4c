// Package config resolves the bridge's configuration: an optional YAML file
// establishes defaults, then environment variables override field by field.
// A .env file in the working directory is loaded first when present.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/toolbridge/backend/internal/envelope"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Identity  IdentityConfig  `yaml:"identity"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	GCS       GCSConfig       `yaml:"gcs"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Tools     ToolsConfig     `yaml:"tools"`
	Timing    TimingConfig    `yaml:"timing"`
	Redis     RedisConfig     `yaml:"redis"`
	CloudRun  CloudRunConfig  `yaml:"cloud_run"`
}

// IdentityConfig is the scope the supervisor injects into both launched
// peers. The supervisor itself takes identity per request, not from here.
type IdentityConfig struct {
	UserID      string `yaml:"user_id"`
	ProjectID   string `yaml:"project_id"`
	WorkspaceID string `yaml:"workspace_id"`
	SessionID   string `yaml:"session_id"`
	ConsumerID  string `yaml:"consumer_id"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type UpstreamConfig struct {
	WorkflowsBaseURL string `yaml:"workflows_base_url"`
	Audience         string `yaml:"audience"`
	ConsumerBaseURL  string `yaml:"consumer_base_url"`
}

type CryptoConfig struct {
	KeyB64 string `yaml:"key_b64"`
	Ver    string `yaml:"ver"`
}

type PubSubConfig struct {
	Project      string `yaml:"project"`
	Topic        string `yaml:"topic"`
	Subscription string `yaml:"subscription"`
	// ReplyChannel names the peer's subscription. It must differ from
	// Subscription, or the pair would each consume their own replies.
	ReplyChannel string `yaml:"reply_channel"`
}

type GCSConfig struct {
	Bucket              string `yaml:"bucket"`
	PrefixTemplate      string `yaml:"prefix_template"`
	EnableUpload        bool   `yaml:"enable_upload"`
	DownloadConcurrency int    `yaml:"download_concurrency"`
	UploadConcurrency   int    `yaml:"upload_concurrency"`
	BillingProject      string `yaml:"billing_project"`
	SyncOnStart         bool   `yaml:"sync_on_start"`
	SyncIntervalMs      int64  `yaml:"sync_interval_ms"`
}

type WorkspaceConfig struct {
	WorkRootBase       string `yaml:"work_root_base"`
	WorkPrefixTemplate string `yaml:"work_prefix_template"`
}

type ToolsConfig struct {
	ReadFileMaxBytes      int64 `yaml:"read_file_max_bytes"`
	OutputMaxBytes        int64 `yaml:"output_max_bytes"`
	RunCommandTimeoutSecs int64 `yaml:"run_command_timeout_seconds"`
}

type TimingConfig struct {
	EventsHeartbeatMs  int64 `yaml:"events_heartbeat_ms"`
	ReconnectBackoffMs int64 `yaml:"reconnect_backoff_ms"`
	SendTimeoutMs      int64 `yaml:"send_timeout_ms"`
	ShutdownTimeoutMs  int64 `yaml:"shutdown_timeout_ms"`
	LockLeaseMs        int64 `yaml:"lock_lease_ms"`
	IdleExitMs         int64 `yaml:"idle_exit_ms"`
	AdvanceOnToolError bool  `yaml:"advance_on_tool_error"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
}

type CloudRunConfig struct {
	ProducerJob   string `yaml:"producer_job"`
	ExecutorJob   string `yaml:"executor_job"`
	Region        string `yaml:"region"`
	ProducerImage string `yaml:"producer_image"`
	ExecutorImage string `yaml:"executor_image"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		GCS: GCSConfig{
			PrefixTemplate:      "users/{userId}/projects/{projectId}/workspaces/{workspaceId}",
			DownloadConcurrency: 8,
			UploadConcurrency:   4,
			SyncOnStart:         true,
		},
		Workspace: WorkspaceConfig{
			WorkRootBase:       "/work",
			WorkPrefixTemplate: "{userId}/{projectId}/{workspaceId}/{sessionId}",
		},
		Tools: ToolsConfig{
			ReadFileMaxBytes:      524288,
			OutputMaxBytes:        262144,
			RunCommandTimeoutSecs: 60,
		},
		Timing: TimingConfig{
			EventsHeartbeatMs:  15000,
			ReconnectBackoffMs: 1000,
			SendTimeoutMs:      20000,
			ShutdownTimeoutMs:  10000,
			LockLeaseMs:        600000,
			IdleExitMs:         900000,
			AdvanceOnToolError: true,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when empty), then environment overrides.
func Load(path string) (*Config, error) {
	godotenv.Load()

	cfg := Defaults()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// MustLoad is Load plus validation of the required keys for the named role
// ("supervisor", "producer", "executor"). Missing keys exit with status 2.
func MustLoad(path, role string) *Config {
	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if missing := cfg.missingFor(role); len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "config: missing required keys for %s: %v\n", role, missing)
		os.Exit(2)
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return cfg
}

// validate covers constraints a plain presence check cannot express.
func (c *Config) validate() error {
	if c.Crypto.KeyB64 != "" {
		if _, err := envelope.DecodeKey(c.Crypto.KeyB64); err != nil {
			return fmt.Errorf("config: ENC_KEY_B64: %w", err)
		}
	}
	if c.Crypto.Ver != "" && c.Crypto.Ver != envelope.Scheme {
		return fmt.Errorf("config: unsupported ENC_VER %q (want %q)", c.Crypto.Ver, envelope.Scheme)
	}
	if c.PubSub.Subscription != "" && c.PubSub.Subscription == c.PubSub.ReplyChannel {
		return fmt.Errorf("config: SUBSCRIPTION and REPLY_CHANNEL both name %q; a peer would consume its own replies",
			c.PubSub.Subscription)
	}
	return nil
}

func (c *Config) missingFor(role string) []string {
	var missing []string
	need := func(key, val string) {
		if val == "" {
			missing = append(missing, key)
		}
	}
	switch role {
	case "producer":
		need("WORKFLOWS_BASE_URL", c.Upstream.WorkflowsBaseURL)
		need("ENC_KEY_B64", c.Crypto.KeyB64)
		need("USER_ID", c.Identity.UserID)
		need("PROJECT_ID", c.Identity.ProjectID)
	case "executor":
		need("ENC_KEY_B64", c.Crypto.KeyB64)
		need("WORK_ROOT_BASE", c.Workspace.WorkRootBase)
		need("USER_ID", c.Identity.UserID)
		need("PROJECT_ID", c.Identity.ProjectID)
	case "supervisor":
		need("WORKFLOWS_BASE_URL", c.Upstream.WorkflowsBaseURL)
	}
	return missing
}

// ShutdownBudget splits the shutdown timeout: half for hooks, the rest for
// lease release.
func (c *Config) ShutdownBudget() (hooks, release time.Duration) {
	total := time.Duration(c.Timing.ShutdownTimeoutMs) * time.Millisecond
	return total / 2, total - total/2
}
