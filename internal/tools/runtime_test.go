package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolbridge/backend/internal/protocol"
)

func newRequest(t *testing.T, id, tool, argsJSON string) *protocol.ToolRequest {
	t.Helper()
	var args protocol.Arguments
	require.NoError(t, json.Unmarshal([]byte(argsJSON), &args))
	return &protocol.ToolRequest{
		ID: id,
		ToolCall: protocol.ToolCall{
			Function: protocol.FunctionCall{Name: tool, Arguments: args},
		},
	}
}

func TestReadFile_HappyPath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))

	rt := NewRuntime(root, nil, Options{})
	resp := rt.Execute(context.Background(), newRequest(t, "e1", ToolReadFile, `{"filepath":"a.txt"}`))

	require.Empty(t, resp.Error)
	res := resp.Result.(*ReadFileResult)
	assert.Equal(t, "a.txt", res.Filepath)
	assert.Equal(t, "hello", res.Content)
	assert.False(t, res.Truncated)
	assert.EqualValues(t, 5, res.Bytes)
}

func TestReadFile_TruncationBoundary(t *testing.T) {
	root := t.TempDir()
	max := 64
	rt := NewRuntime(root, nil, Options{ReadFileMaxBytes: max})

	exact := strings.Repeat("a", max)
	require.NoError(t, os.WriteFile(filepath.Join(root, "exact.txt"), []byte(exact), 0o644))
	resp := rt.Execute(context.Background(), newRequest(t, "1", ToolReadFile, `{"filepath":"exact.txt"}`))
	res := resp.Result.(*ReadFileResult)
	assert.False(t, res.Truncated)
	assert.EqualValues(t, max, res.Bytes)

	over := exact + "b"
	require.NoError(t, os.WriteFile(filepath.Join(root, "over.txt"), []byte(over), 0o644))
	resp = rt.Execute(context.Background(), newRequest(t, "2", ToolReadFile, `{"filepath":"over.txt"}`))
	res = resp.Result.(*ReadFileResult)
	assert.True(t, res.Truncated)
	assert.EqualValues(t, max, res.Bytes)
	assert.Equal(t, exact, res.Content)
}

func TestReadFile_Errors(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0o755))
	rt := NewRuntime(root, nil, Options{})

	resp := rt.Execute(context.Background(), newRequest(t, "1", ToolReadFile, `{}`))
	assert.Nil(t, resp.Result)
	assert.Contains(t, resp.Error, "missing argument")

	resp = rt.Execute(context.Background(), newRequest(t, "2", ToolReadFile, `{"filepath":"dir"}`))
	assert.Contains(t, resp.Error, "not a regular file")

	resp = rt.Execute(context.Background(), newRequest(t, "3", ToolReadFile, `{"filepath":"missing.txt"}`))
	assert.NotEmpty(t, resp.Error)
}

func TestUpdateFile_WriteAndAppend(t *testing.T) {
	root := t.TempDir()
	rt := NewRuntime(root, nil, Options{})

	resp := rt.Execute(context.Background(),
		newRequest(t, "1", ToolUpdateFile, `{"filepath":"sub/dir/out.txt","content":"one"}`))
	require.Empty(t, resp.Error)
	res := resp.Result.(*UpdateFileResult)
	assert.Equal(t, 3, res.BytesWritten)
	assert.False(t, res.Append)

	resp = rt.Execute(context.Background(),
		newRequest(t, "2", ToolUpdateFile, `{"filepath":"sub/dir/out.txt","content":"two","append":true}`))
	require.Empty(t, resp.Error)

	data, err := os.ReadFile(filepath.Join(root, "sub/dir/out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "onetwo", string(data))
}

func TestUpdateFile_PathEscape(t *testing.T) {
	root := t.TempDir()
	rt := NewRuntime(root, nil, Options{})

	resp := rt.Execute(context.Background(),
		newRequest(t, "e3", ToolUpdateFile, `{"filepath":"../secret","content":"x"}`))
	assert.Nil(t, resp.Result)
	assert.Contains(t, resp.Error, "escapes")

	// Nothing outside the work root.
	_, err := os.Stat(filepath.Join(filepath.Dir(root), "secret"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunCommand_ExitCodeIsResult(t *testing.T) {
	root := t.TempDir()
	rt := NewRuntime(root, nil, Options{})

	resp := rt.Execute(context.Background(),
		newRequest(t, "1", ToolRunCommand, `{"command":"echo out; echo err >&2; exit 3"}`))
	require.Empty(t, resp.Error)
	res := resp.Result.(*RunCommandResult)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestRunCommand_WorkingDirectory(t *testing.T) {
	root := t.TempDir()
	rt := NewRuntime(root, nil, Options{})

	resp := rt.Execute(context.Background(), newRequest(t, "1", ToolRunCommand, `{"command":"pwd"}`))
	require.Empty(t, resp.Error)
	res := resp.Result.(*RunCommandResult)

	got, err := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRunCommand_Timeout(t *testing.T) {
	root := t.TempDir()
	rt := NewRuntime(root, nil, Options{})

	resp := rt.Execute(context.Background(),
		newRequest(t, "1", ToolRunCommand, `{"command":"sleep 5","timeoutSeconds":0.5}`))
	assert.Nil(t, resp.Result)
	assert.Contains(t, resp.Error, "timed out")
}

func TestClampTimeoutSec(t *testing.T) {
	assert.Equal(t, MinCommandTimeoutSec, clampTimeoutSec(0))
	assert.Equal(t, MinCommandTimeoutSec, clampTimeoutSec(-5))
	assert.Equal(t, 60, clampTimeoutSec(60))
	assert.Equal(t, MaxCommandTimeoutSec, clampTimeoutSec(10_000))
}

func TestUnknownTool_NullResultNoError(t *testing.T) {
	rt := NewRuntime(t.TempDir(), nil, Options{})

	resp := rt.Execute(context.Background(), newRequest(t, "e9", "FROBNICATE", `{}`))
	assert.Equal(t, "e9", resp.ID)
	assert.Nil(t, resp.Result)
	assert.Empty(t, resp.Error)
}

func TestGCSSync_NotConfigured(t *testing.T) {
	rt := NewRuntime(t.TempDir(), nil, Options{})

	resp := rt.Execute(context.Background(),
		newRequest(t, "1", ToolGCSSync, `{"bucket":"b","prefix":"p/"}`))
	assert.Nil(t, resp.Result)
	assert.Contains(t, resp.Error, "not configured")
}

type fakeSyncer struct {
	bucket, prefix, token string
}

func (f *fakeSyncer) Sync(ctx context.Context, bucket, prefix, token string) (interface{}, error) {
	f.bucket, f.prefix, f.token = bucket, prefix, token
	return map[string]int{"downloads": 0}, nil
}

func TestGCSSync_Delegates(t *testing.T) {
	fake := &fakeSyncer{}
	rt := NewRuntime(t.TempDir(), fake, Options{})

	resp := rt.Execute(context.Background(),
		newRequest(t, "1", ToolGCSSync, `{"bucket":"b","prefix":"u/p/","token":"tok"}`))
	require.Empty(t, resp.Error)
	assert.Equal(t, "b", fake.bucket)
	assert.Equal(t, "u/p/", fake.prefix)
	assert.Equal(t, "tok", fake.token)

	resp = rt.Execute(context.Background(), newRequest(t, "2", ToolGCSSync, `{}`))
	assert.Contains(t, resp.Error, "missing argument")
}

func TestGCSSync_TokenFromContext(t *testing.T) {
	fake := &fakeSyncer{}
	rt := NewRuntime(t.TempDir(), fake, Options{})

	ctx := protocol.WithGCSToken(context.Background(), "ctx-tok")
	resp := rt.Execute(ctx, newRequest(t, "1", ToolGCSSync, `{"bucket":"b"}`))
	require.Empty(t, resp.Error)
	assert.Equal(t, "ctx-tok", fake.token, "falls back to the transport token")

	// An explicit argument still wins.
	resp = rt.Execute(ctx, newRequest(t, "2", ToolGCSSync, `{"bucket":"b","token":"arg-tok"}`))
	require.Empty(t, resp.Error)
	assert.Equal(t, "arg-tok", fake.token)
}
