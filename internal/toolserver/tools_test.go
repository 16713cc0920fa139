package toolserver

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-run/kestrel/internal/logging"
	"github.com/kestrel-run/kestrel/internal/proc"
	"github.com/kestrel-run/kestrel/internal/supervisor"
)

func reqWith(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func newTestSupervisor(t *testing.T) *supervisor.Supervisor {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return supervisor.New(proc.NewOSSpawner(), 100, log, supervisor.SnapshotPaths{}, 2000, nil)
}

func TestEchoHandler(t *testing.T) {
	res, err := echoHandler()(context.Background(), reqWith(map[string]any{"message": "hi"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
}

func TestEchoHandler_MissingMessage(t *testing.T) {
	res, err := echoHandler()(context.Background(), reqWith(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestPingHandler(t *testing.T) {
	res, err := pingHandler()(context.Background(), reqWith(nil))
	require.NoError(t, err)
	require.False(t, res.IsError)
}

func TestCreateAndStartProcessHandlers(t *testing.T) {
	sup := newTestSupervisor(t)
	log, err := logging.New(logging.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	createRes, err := createProcessHandler(sup, log)(context.Background(), reqWith(map[string]any{
		"id":      "web",
		"command": "sh",
		"args":    []any{"-c", "exit 0"},
	}))
	require.NoError(t, err)
	require.False(t, createRes.IsError)

	startRes, err := startProcessHandler(sup, log)(context.Background(), reqWith(map[string]any{"id": "web"}))
	require.NoError(t, err)
	require.False(t, startRes.IsError)
}

func TestCreateProcessHandler_DuplicateID(t *testing.T) {
	sup := newTestSupervisor(t)
	log, err := logging.New(logging.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	args := map[string]any{"id": "dup", "command": "sh", "args": []any{"-c", "exit 0"}}
	_, err = createProcessHandler(sup, log)(context.Background(), reqWith(args))
	require.NoError(t, err)

	res, err := createProcessHandler(sup, log)(context.Background(), reqWith(args))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestGetProcessStatusHandler_NotFound(t *testing.T) {
	sup := newTestSupervisor(t)
	res, err := getProcessStatusHandler(sup)(context.Background(), reqWith(map[string]any{"id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestListProcessesHandler(t *testing.T) {
	sup := newTestSupervisor(t)
	log, err := logging.New(logging.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	_, err = createProcessHandler(sup, log)(context.Background(), reqWith(map[string]any{
		"id": "a", "command": "sh", "args": []any{"-c", "exit 0"},
	}))
	require.NoError(t, err)

	res, err := listProcessesHandler(sup)(context.Background(), reqWith(map[string]any{}))
	require.NoError(t, err)
	require.False(t, res.IsError)
}

func TestParseStream(t *testing.T) {
	tests := []struct {
		in      string
		want    proc.Stream
		wantErr bool
	}{
		{"Stdout", proc.StreamStdout, false},
		{"stderr", proc.StreamStderr, false},
		{"Both", proc.StreamBoth, false},
		{"bogus", "", true},
	}
	for _, tt := range tests {
		got, err := parseStream(tt.in)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestStringSliceAndMapArg(t *testing.T) {
	req := reqWith(map[string]any{
		"args": []any{"-c", "echo hi"},
		"env":  map[string]any{"FOO": "bar"},
	})
	assert.Equal(t, []string{"-c", "echo hi"}, stringSliceArg(req, "args"))
	assert.Equal(t, map[string]string{"FOO": "bar"}, stringMapArg(req, "env"))
	assert.Nil(t, stringSliceArg(req, "missing"))
	assert.Nil(t, stringMapArg(req, "missing"))
}
