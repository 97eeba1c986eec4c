// Package supervisor is the bridge control plane: it resolves the workspace,
// acquires the project lease, provisions the channel, launches the producer
// and executor pair, and tears everything down on stop.
package supervisor

import (
	"context"
	"fmt"

	"github.com/toolbridge/backend/internal/channel"
	"github.com/toolbridge/backend/internal/config"
)

// LaunchSpec carries everything a launcher needs to start one consumer pair.
type LaunchSpec struct {
	UserID      string
	ProjectID   string
	WorkspaceID string
	SessionID   string
	ConsumerID  string

	KeyB64 string
	EncVer string

	SinceID   string
	SinceTime string
	LeaseMs   int64

	Subscriptions channel.SubscriptionPair

	// WorkspaceHostDir is the host path bind-mounted into both local
	// containers. Unused in cloud mode.
	WorkspaceHostDir string
}

// Launcher starts and stops a producer/executor pair in one mode.
type Launcher interface {
	Mode() string

	// Launch starts both peers and returns the runtime description that is
	// persisted under the lease. onExit fires once when either peer
	// terminates on its own; the supervisor releases the lease then.
	Launch(ctx context.Context, spec LaunchSpec, onExit func()) (map[string]interface{}, error)

	// Stop tears the pair down, producer first, using the runtime
	// description a previous Launch returned.
	Stop(ctx context.Context, runtime map[string]interface{}) error
}

// peerEnv renders the environment both peers share, plus the role-specific
// subscription wiring.
func peerEnv(cfg *config.Config, spec LaunchSpec, role string) []string {
	env := []string{
		"USER_ID=" + spec.UserID,
		"PROJECT_ID=" + spec.ProjectID,
		"WORKSPACE_ID=" + spec.WorkspaceID,
		"SESSION_ID=" + spec.SessionID,
		"CONSUMER_ID=" + spec.ConsumerID,
		"ENC_KEY_B64=" + spec.KeyB64,
		"ENC_VER=" + spec.EncVer,
		"WORKFLOWS_BASE_URL=" + cfg.Upstream.WorkflowsBaseURL,
		"WORKFLOWS_AUDIENCE=" + cfg.Upstream.Audience,
		"CONSUMER_BASE_URL=" + cfg.Upstream.ConsumerBaseURL,
		"PUBSUB_PROJECT=" + cfg.PubSub.Project,
		"PUBSUB_TOPIC=" + cfg.PubSub.Topic,
		"GCS_BUCKET=" + cfg.GCS.Bucket,
		"GCS_PREFIX_TEMPLATE=" + cfg.GCS.PrefixTemplate,
		"GCS_BILLING_PROJECT=" + cfg.GCS.BillingProject,
		"WORK_ROOT_BASE=" + cfg.Workspace.WorkRootBase,
		"WORK_PREFIX_TEMPLATE=" + cfg.Workspace.WorkPrefixTemplate,
		"REDIS_ADDR=" + cfg.Redis.Addr,
		fmt.Sprintf("GCS_ENABLE_UPLOAD=%t", cfg.GCS.EnableUpload),
		fmt.Sprintf("SYNC_ON_START=%t", cfg.GCS.SyncOnStart),
		fmt.Sprintf("SYNC_INTERVAL_MS=%d", cfg.GCS.SyncIntervalMs),
		fmt.Sprintf("READ_FILE_MAX_BYTES=%d", cfg.Tools.ReadFileMaxBytes),
		fmt.Sprintf("OUTPUT_MAX_BYTES=%d", cfg.Tools.OutputMaxBytes),
		fmt.Sprintf("RUN_COMMAND_TIMEOUT_SECONDS=%d", cfg.Tools.RunCommandTimeoutSecs),
		fmt.Sprintf("EVENTS_HEARTBEAT_MS=%d", cfg.Timing.EventsHeartbeatMs),
		fmt.Sprintf("RECONNECT_BACKOFF_MS=%d", cfg.Timing.ReconnectBackoffMs),
		fmt.Sprintf("ADVANCE_ON_TOOL_ERROR=%t", cfg.Timing.AdvanceOnToolError),
		fmt.Sprintf("LOCK_LEASE_MS=%d", spec.LeaseMs),
		fmt.Sprintf("IDLE_EXIT_MS=%d", cfg.Timing.IdleExitMs),
		fmt.Sprintf("SEND_TIMEOUT_MS=%d", cfg.Timing.SendTimeoutMs),
		fmt.Sprintf("SHUTDOWN_TIMEOUT_MS=%d", cfg.Timing.ShutdownTimeoutMs),
	}
	if spec.SinceID != "" {
		env = append(env, "SINCE_ID="+spec.SinceID)
	}
	if spec.SinceTime != "" {
		env = append(env, "SINCE_TIME="+spec.SinceTime)
	}
	switch role {
	case "producer":
		env = append(env,
			"SUBSCRIPTION="+spec.Subscriptions.Resp,
			"REPLY_CHANNEL="+spec.Subscriptions.Req)
	case "executor":
		env = append(env,
			"SUBSCRIPTION="+spec.Subscriptions.Req,
			"REPLY_CHANNEL="+spec.Subscriptions.Resp)
	}
	return env
}
