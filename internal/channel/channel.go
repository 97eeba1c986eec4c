// Package channel implements the request/response fabric between the
// producer and the executor. Two variants share one contract: duplex
// newline-delimited JSON over a single long-lived HTTP connection, and a
// pub/sub topic with attribute-filtered subscriptions. Both preserve
// submission order and keep at most one request in flight, and both carry
// every frame inside the authenticated encryption envelope.
package channel

import (
	"context"
	"errors"

	"github.com/toolbridge/backend/internal/protocol"
)

// Transport error kinds. Each triggers a reconnect with backoff on the
// duplex variant; pending callers are rejected with the kind.
var (
	ErrConnectFailed = errors.New("channel: connect failed")
	ErrStreamEnded   = errors.New("channel: stream ended")
	ErrStreamError   = errors.New("channel: stream error")
	ErrSendTimeout   = errors.New("channel: send timed out")
	ErrWriteError    = errors.New("channel: write error")
	ErrStopped       = errors.New("channel: stopped")
)

// Channel is the producer-side sending half of the fabric.
type Channel interface {
	// Send forwards one tool request and blocks until the matching
	// response, a transport failure, or ctx cancellation. Concurrent
	// callers are serialized: the peer observes requests in submission
	// order with at most one outstanding.
	Send(ctx context.Context, req *protocol.ToolRequest) (*protocol.ToolResponse, error)

	// Close tears the channel down, rejecting all pending sends with
	// ErrStopped. Idempotent.
	Close() error
}

// Executor is the peer-side seam the executor plugs in; satisfied by
// tools.Runtime.
type Executor interface {
	Execute(ctx context.Context, req *protocol.ToolRequest) *protocol.ToolResponse
}

// Control frame tokens on the duplex wire. Lines starting with one of these
// keep the connection alive but never match a request.
const (
	ctlReady = "ready"
	ctlPing  = "ping"
	ctlError = "error"
)
