package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/toolbridge/backend/internal/protocol"
)

// RunCommandResult is the RUN_COMMAND payload. A non-zero exit code is a
// valid result, not a tool error.
type RunCommandResult struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
}

// ErrCommandTimeout is surfaced when the command exceeds its clamped timeout.
var ErrCommandTimeout = errors.New("command timed out")

func clampTimeoutSec(sec int) int {
	if sec < MinCommandTimeoutSec {
		return MinCommandTimeoutSec
	}
	if sec > MaxCommandTimeoutSec {
		return MaxCommandTimeoutSec
	}
	return sec
}

func (rt *Runtime) runCommand(ctx context.Context, args *protocol.Arguments) (interface{}, error) {
	command, ok := args.String("command")
	if !ok || command == "" {
		return nil, fmt.Errorf("%w: command", ErrMissingArgument)
	}

	timeoutSec := rt.opts.CommandTimeoutSec
	if v := args.Number("timeoutSeconds", 0); v > 0 {
		timeoutSec = int(v)
	}
	timeoutSec = clampTimeoutSec(timeoutSec)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	stdout := newBoundedBuffer(rt.opts.OutputMaxBytes)
	stderr := newBoundedBuffer(rt.opts.OutputMaxBytes)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = rt.workRoot
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w after %ds: %s", ErrCommandTimeout, timeoutSec, command)
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("run command: %w", err)
		}
	}

	return &RunCommandResult{
		Command:    command,
		ExitCode:   exitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: elapsed.Milliseconds(),
	}, nil
}
