package tools

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/toolbridge/backend/internal/protocol"
	"github.com/toolbridge/backend/internal/workspace"
)

// ReadFileResult is the READ_FILE payload.
type ReadFileResult struct {
	Filepath  string `json:"filepath"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
	Bytes     int64  `json:"bytes"`
}

// UpdateFileResult is the UPDATE_FILE payload.
type UpdateFileResult struct {
	Filepath     string `json:"filepath"`
	BytesWritten int    `json:"bytesWritten"`
	Append       bool   `json:"append"`
}

func (rt *Runtime) readFile(args *protocol.Arguments) (interface{}, error) {
	rel, ok := args.String("filepath")
	if !ok || rel == "" {
		return nil, fmt.Errorf("%w: filepath", ErrMissingArgument)
	}

	abs, err := workspace.ResolveWithin(rt.workRoot, rel)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotAFile, rel)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()

	// Read one byte past the cap to distinguish "exactly max" from "over".
	limit := int64(rt.opts.ReadFileMaxBytes)
	buf, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}

	truncated := int64(len(buf)) > limit
	if truncated {
		buf = buf[:limit]
	}

	return &ReadFileResult{
		Filepath:  rel,
		Content:   string(buf),
		Truncated: truncated,
		Bytes:     int64(len(buf)),
	}, nil
}

func (rt *Runtime) updateFile(args *protocol.Arguments) (interface{}, error) {
	rel, ok := args.String("filepath")
	if !ok || rel == "" {
		return nil, fmt.Errorf("%w: filepath", ErrMissingArgument)
	}
	content, ok := args.String("content")
	if !ok {
		return nil, fmt.Errorf("%w: content", ErrMissingArgument)
	}
	appendMode := args.Bool("append", false)
	mkdirp := args.Bool("mkdirp", true)

	abs, err := workspace.ResolveWithin(rt.workRoot, rel)
	if err != nil {
		return nil, err
	}

	if mkdirp {
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir for %s: %w", rel, err)
		}
	}

	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(abs, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()

	n, err := f.WriteString(content)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", rel, err)
	}

	return &UpdateFileResult{Filepath: rel, BytesWritten: n, Append: appendMode}, nil
}
