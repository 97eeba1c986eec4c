package config

import (
	"os"
	"strconv"
)

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt64(key string, dst *int64) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// applyEnv overrides fields from the process environment. Unset keys leave
// the current value alone, so YAML and defaults show through.
func (c *Config) applyEnv() {
	envStr("HTTP_ADDR", &c.Server.Addr)

	envStr("USER_ID", &c.Identity.UserID)
	envStr("PROJECT_ID", &c.Identity.ProjectID)
	envStr("WORKSPACE_ID", &c.Identity.WorkspaceID)
	envStr("SESSION_ID", &c.Identity.SessionID)
	envStr("CONSUMER_ID", &c.Identity.ConsumerID)

	envStr("WORKFLOWS_BASE_URL", &c.Upstream.WorkflowsBaseURL)
	envStr("WORKFLOWS_AUDIENCE", &c.Upstream.Audience)
	envStr("CONSUMER_BASE_URL", &c.Upstream.ConsumerBaseURL)

	envStr("ENC_KEY_B64", &c.Crypto.KeyB64)
	envStr("ENC_VER", &c.Crypto.Ver)

	envStr("PUBSUB_PROJECT", &c.PubSub.Project)
	envStr("PUBSUB_TOPIC", &c.PubSub.Topic)
	envStr("SUBSCRIPTION", &c.PubSub.Subscription)
	envStr("REPLY_CHANNEL", &c.PubSub.ReplyChannel)

	envStr("GCS_BUCKET", &c.GCS.Bucket)
	envStr("GCS_PREFIX_TEMPLATE", &c.GCS.PrefixTemplate)
	envBool("GCS_ENABLE_UPLOAD", &c.GCS.EnableUpload)
	envInt("GCS_DOWNLOAD_CONCURRENCY", &c.GCS.DownloadConcurrency)
	envInt("GCS_UPLOAD_CONCURRENCY", &c.GCS.UploadConcurrency)
	envStr("GCS_BILLING_PROJECT", &c.GCS.BillingProject)
	envBool("SYNC_ON_START", &c.GCS.SyncOnStart)
	envInt64("SYNC_INTERVAL_MS", &c.GCS.SyncIntervalMs)

	envStr("WORK_ROOT_BASE", &c.Workspace.WorkRootBase)
	envStr("WORK_PREFIX_TEMPLATE", &c.Workspace.WorkPrefixTemplate)

	envInt64("READ_FILE_MAX_BYTES", &c.Tools.ReadFileMaxBytes)
	envInt64("OUTPUT_MAX_BYTES", &c.Tools.OutputMaxBytes)
	envInt64("RUN_COMMAND_TIMEOUT_SECONDS", &c.Tools.RunCommandTimeoutSecs)

	envInt64("EVENTS_HEARTBEAT_MS", &c.Timing.EventsHeartbeatMs)
	envInt64("RECONNECT_BACKOFF_MS", &c.Timing.ReconnectBackoffMs)
	envInt64("SEND_TIMEOUT_MS", &c.Timing.SendTimeoutMs)
	envInt64("SHUTDOWN_TIMEOUT_MS", &c.Timing.ShutdownTimeoutMs)
	envInt64("LOCK_LEASE_MS", &c.Timing.LockLeaseMs)
	envInt64("IDLE_EXIT_MS", &c.Timing.IdleExitMs)
	envBool("ADVANCE_ON_TOOL_ERROR", &c.Timing.AdvanceOnToolError)

	envStr("REDIS_ADDR", &c.Redis.Addr)

	envStr("CLOUD_RUN_PRODUCER_JOB", &c.CloudRun.ProducerJob)
	envStr("CLOUD_RUN_EXECUTOR_JOB", &c.CloudRun.ExecutorJob)
	envStr("CLOUD_RUN_REGION", &c.CloudRun.Region)
	envStr("PRODUCER_IMAGE", &c.CloudRun.ProducerImage)
	envStr("EXECUTOR_IMAGE", &c.CloudRun.ExecutorImage)
}
