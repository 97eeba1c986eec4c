// Package metrics exposes the bridge's Prometheus collectors. All series are
// registered on the default registry and served from the supervisor's
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed counts upstream events pulled through the pump.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolbridge_events_processed_total",
		Help: "Upstream events processed by the producer pump.",
	}, []string{"outcome"})

	// ToolExecutions counts tool runs by name and outcome.
	ToolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolbridge_tool_executions_total",
		Help: "Tool executions by tool name and outcome.",
	}, []string{"tool", "outcome"})

	// ChannelReconnects counts channel teardowns that led to a reconnect.
	ChannelReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolbridge_channel_reconnects_total",
		Help: "Channel reconnects by trigger.",
	}, []string{"trigger"})

	// CallbackAttempts counts callback POSTs by final status class.
	CallbackAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolbridge_callback_attempts_total",
		Help: "Callback delivery attempts by status class.",
	}, []string{"status"})

	// BlobSyncOps counts mirror operations.
	BlobSyncOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolbridge_blob_sync_ops_total",
		Help: "Blob mirror operations (download, upload, conflict, skip).",
	}, []string{"op"})

	// LeaseHeld reports whether this process currently holds a project lease.
	LeaseHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "toolbridge_lease_held",
		Help: "1 while this process holds the project consumer lease.",
	})

	// InflightRequests reports the channel's in-flight request count (0 or 1).
	InflightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "toolbridge_channel_inflight_requests",
		Help: "Requests currently in flight on the channel.",
	})
)
