package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolbridge/backend/internal/envelope"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.EqualValues(t, 524288, cfg.Tools.ReadFileMaxBytes)
	assert.True(t, cfg.Timing.AdvanceOnToolError)
	assert.Equal(t, 8, cfg.GCS.DownloadConcurrency)
}

func TestLoad_YAMLThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
upstream:
  workflows_base_url: https://wf.example.com
tools:
  read_file_max_bytes: 1024
`), 0o644))

	t.Setenv("READ_FILE_MAX_BYTES", "2048")
	t.Setenv("GCS_ENABLE_UPLOAD", "true")
	t.Setenv("ADVANCE_ON_TOOL_ERROR", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr, "yaml overrides default")
	assert.Equal(t, "https://wf.example.com", cfg.Upstream.WorkflowsBaseURL)
	assert.EqualValues(t, 2048, cfg.Tools.ReadFileMaxBytes, "env overrides yaml")
	assert.True(t, cfg.GCS.EnableUpload)
	assert.False(t, cfg.Timing.AdvanceOnToolError)
}

func TestLoad_BadEnvValueIgnored(t *testing.T) {
	t.Setenv("SEND_TIMEOUT_MS", "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.EqualValues(t, 20000, cfg.Timing.SendTimeoutMs)
}

func TestMissingFor(t *testing.T) {
	cfg := Defaults()
	assert.ElementsMatch(t,
		[]string{"WORKFLOWS_BASE_URL", "ENC_KEY_B64", "USER_ID", "PROJECT_ID"},
		cfg.missingFor("producer"))

	cfg.Upstream.WorkflowsBaseURL = "https://wf"
	cfg.Crypto.KeyB64 = "xxx"
	cfg.Identity.UserID = "u1"
	cfg.Identity.ProjectID = "p1"
	assert.Empty(t, cfg.missingFor("producer"))
	assert.Empty(t, cfg.missingFor("executor"), "work root has a default")

	assert.ElementsMatch(t, []string{"WORKFLOWS_BASE_URL"}, Defaults().missingFor("supervisor"),
		"supervisor identity arrives per request, not from the environment")
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.validate())

	cfg.Crypto.KeyB64 = "!!not-base64!!"
	assert.Error(t, cfg.validate(), "undecodable key is a configuration error")

	cfg.Crypto.KeyB64 = base64.StdEncoding.EncodeToString(make([]byte, 32))
	require.NoError(t, cfg.validate())

	cfg.Crypto.Ver = "a256gcm:v0"
	assert.Error(t, cfg.validate())
	cfg.Crypto.Ver = envelope.Scheme
	require.NoError(t, cfg.validate())

	cfg.PubSub.Subscription = "pair-req"
	cfg.PubSub.ReplyChannel = "pair-req"
	assert.Error(t, cfg.validate(), "a peer must not consume its own replies")
	cfg.PubSub.ReplyChannel = "pair-resp"
	require.NoError(t, cfg.validate())
}

func TestShutdownBudget(t *testing.T) {
	cfg := Defaults()
	cfg.Timing.ShutdownTimeoutMs = 9000
	hooks, release := cfg.ShutdownBudget()
	assert.Equal(t, 4500*time.Millisecond, hooks)
	assert.Equal(t, 4500*time.Millisecond, release)
}
