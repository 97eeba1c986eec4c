// Package tools implements the executor's tool runtime: the four named tools
// (READ_FILE, UPDATE_FILE, RUN_COMMAND, GCS_SYNC) running against a
// path-confined workspace. The runtime never returns a Go error to the
// channel; every failure becomes a value-shaped {result:null, error} response,
// which still counts as a delivered outcome.
package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/toolbridge/backend/internal/metrics"
	"github.com/toolbridge/backend/internal/protocol"
)

// Tool names understood by the runtime.
const (
	ToolReadFile   = "READ_FILE"
	ToolUpdateFile = "UPDATE_FILE"
	ToolRunCommand = "RUN_COMMAND"
	ToolGCSSync    = "GCS_SYNC"
)

// Defaults for the output bounds, overridable via Options.
const (
	DefaultReadFileMaxBytes  = 524288
	DefaultOutputMaxBytes    = 262144
	DefaultCommandTimeoutSec = 60
	MinCommandTimeoutSec     = 1
	MaxCommandTimeoutSec     = 600
)

var (
	// ErrMissingArgument flags a required argument that was absent.
	ErrMissingArgument = errors.New("missing argument")
	// ErrNotAFile flags a READ_FILE target that is not a regular file.
	ErrNotAFile = errors.New("not a regular file")
)

// Syncer is the blob-mirror seam used by GCS_SYNC.
type Syncer interface {
	Sync(ctx context.Context, bucket, prefix, token string) (interface{}, error)
}

// Options tune the runtime bounds. Zero values fall back to defaults.
type Options struct {
	ReadFileMaxBytes  int
	OutputMaxBytes    int
	CommandTimeoutSec int
}

// Runtime executes tool requests inside a single work root. One runtime
// serves one lease holder; tools run one at a time because their side effects
// share the workspace.
type Runtime struct {
	workRoot string
	syncer   Syncer
	opts     Options
	log      *logrus.Entry
}

// NewRuntime creates a tool runtime rooted at workRoot. syncer may be nil
// when GCS sync is not configured.
func NewRuntime(workRoot string, syncer Syncer, opts Options) *Runtime {
	if opts.ReadFileMaxBytes <= 0 {
		opts.ReadFileMaxBytes = DefaultReadFileMaxBytes
	}
	if opts.OutputMaxBytes <= 0 {
		opts.OutputMaxBytes = DefaultOutputMaxBytes
	}
	if opts.CommandTimeoutSec <= 0 {
		opts.CommandTimeoutSec = DefaultCommandTimeoutSec
	}
	return &Runtime{
		workRoot: workRoot,
		syncer:   syncer,
		opts:     opts,
		log:      logrus.WithField("component", "tools"),
	}
}

// WorkRoot returns the runtime's sandbox directory.
func (rt *Runtime) WorkRoot() string { return rt.workRoot }

// Execute dispatches a tool request and always returns a response frame.
func (rt *Runtime) Execute(ctx context.Context, req *protocol.ToolRequest) *protocol.ToolResponse {
	name := req.ToolCall.Function.Name
	args := &req.ToolCall.Function.Arguments

	var (
		result interface{}
		err    error
	)
	switch name {
	case ToolReadFile:
		result, err = rt.readFile(args)
	case ToolUpdateFile:
		result, err = rt.updateFile(args)
	case ToolRunCommand:
		result, err = rt.runCommand(ctx, args)
	case ToolGCSSync:
		result, err = rt.gcsSync(ctx, args)
	default:
		// Unknown tools are a successful no-op delivery so the cursor
		// still advances past events this executor cannot serve.
		rt.log.WithField("tool", name).Warn("unknown tool, returning null result")
		metrics.ToolExecutions.WithLabelValues(name, "unknown").Inc()
		return &protocol.ToolResponse{ID: req.ID, Result: nil}
	}

	if err != nil {
		rt.log.WithFields(logrus.Fields{"tool": name, "id": req.ID}).
			WithError(err).Warn("tool failed")
		metrics.ToolExecutions.WithLabelValues(name, "error").Inc()
		return protocol.Failure(req.ID, err)
	}

	metrics.ToolExecutions.WithLabelValues(name, "ok").Inc()
	return &protocol.ToolResponse{ID: req.ID, Result: result}
}

func (rt *Runtime) gcsSync(ctx context.Context, args *protocol.Arguments) (interface{}, error) {
	if rt.syncer == nil {
		return nil, errors.New("gcs sync is not configured")
	}
	bucket, ok := args.String("bucket")
	if !ok || bucket == "" {
		return nil, fmt.Errorf("%w: bucket", ErrMissingArgument)
	}
	prefix, _ := args.String("prefix")
	token, _ := args.String("token")
	if token == "" {
		// The channel transport may have carried the token out of band.
		token = protocol.GCSTokenFrom(ctx)
	}

	return rt.syncer.Sync(ctx, bucket, prefix, token)
}
