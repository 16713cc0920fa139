package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kestrel-run/kestrel/internal/logging"
	"github.com/kestrel-run/kestrel/internal/proc"
	"github.com/kestrel-run/kestrel/internal/supervisor"
)

func registerTools(s *server.MCPServer, sup *supervisor.Supervisor, log *logging.Logger, startedAt time.Time, defaultExportPath string) {
	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Echoes the given message back, prefixed with 'Echo: '."),
		mcp.WithString("message", mcp.Required(), mcp.Description("The message to echo")),
	), echoHandler())

	s.AddTool(mcp.NewTool("ping",
		mcp.WithDescription("Liveness check; always returns 'pong'."),
	), pingHandler())

	s.AddTool(mcp.NewTool("get_status",
		mcp.WithDescription("Returns server uptime in seconds and the list of registered tools."),
	), getStatusHandler(s, startedAt))

	s.AddTool(mcp.NewTool("create_process",
		mcp.WithDescription("Declares a new managed process. Fails if the id already exists."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Unique process id")),
		mcp.WithString("command", mcp.Required(), mcp.Description("Executable to run")),
		mcp.WithArray("args", mcp.Description("Command-line arguments")),
		mcp.WithObject("env", mcp.Description("Additional environment variables")),
		mcp.WithString("cwd", mcp.Description("Working directory")),
		mcp.WithBoolean("auto_start_on_restore", mcp.Description("Start automatically on restore")),
	), createProcessHandler(sup, log))

	s.AddTool(mcp.NewTool("start_process",
		mcp.WithDescription("Starts a declared process and returns its pid."),
		mcp.WithString("id", mcp.Required()),
	), startProcessHandler(sup, log))

	s.AddTool(mcp.NewTool("stop_process",
		mcp.WithDescription("Stops a running process, optionally with a graceful grace period in milliseconds."),
		mcp.WithString("id", mcp.Required()),
		mcp.WithNumber("grace_period_ms", mcp.Description("Grace period before a hard kill")),
	), stopProcessHandler(sup, log))

	s.AddTool(mcp.NewTool("get_process_status",
		mcp.WithDescription("Returns the current declaration and runtime state of a process."),
		mcp.WithString("id", mcp.Required()),
	), getProcessStatusHandler(sup))

	s.AddTool(mcp.NewTool("get_process_output",
		mcp.WithDescription("Returns up to `lines` most recent captured output lines."),
		mcp.WithString("id", mcp.Required()),
		mcp.WithString("stream", mcp.Required(), mcp.Description(`One of "Stdout", "Stderr", "Both"`)),
		mcp.WithNumber("lines", mcp.Description("Maximum lines to return")),
	), getProcessOutputHandler(sup))

	s.AddTool(mcp.NewTool("list_processes",
		mcp.WithDescription("Lists declaration/state pairs, optionally filtered."),
		mcp.WithString("filter", mcp.Description("Substring match against id/command")),
		mcp.WithString("state", mcp.Description(`One of "running", "stopped", "failed", "all"`)),
	), listProcessesHandler(sup))

	s.AddTool(mcp.NewTool("remove_process",
		mcp.WithDescription("Best-effort stops (5s grace) then deletes a process."),
		mcp.WithString("id", mcp.Required()),
	), removeProcessHandler(sup, log))

	s.AddTool(mcp.NewTool("update_process",
		mcp.WithDescription("Partially edits a declaration; rejected while the process is running."),
		mcp.WithString("id", mcp.Required()),
		mcp.WithString("command", mcp.Description("New command")),
		mcp.WithArray("args", mcp.Description("New args")),
		mcp.WithObject("env", mcp.Description("New env")),
		mcp.WithString("cwd", mcp.Description("New cwd")),
		mcp.WithBoolean("auto_start_on_restore", mcp.Description("New auto-start flag")),
	), updateProcessHandler(sup))

	s.AddTool(mcp.NewTool("export_processes",
		mcp.WithDescription("Writes the full fleet snapshot to file_path (or the default export path)."),
		mcp.WithString("file_path", mcp.Description("Override export path")),
	), exportProcessesHandler(sup, defaultExportPath))

	s.AddTool(mcp.NewTool("import_processes",
		mcp.WithDescription("Loads a snapshot and merges its declarations into the live fleet."),
		mcp.WithString("file_path", mcp.Required(), mcp.Description("Snapshot path to import")),
	), importProcessesHandler(sup))

	log.Info("registered tool-protocol tools", zap.Int("count", 13))
}

func echoHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("Echo: " + message), nil
	}
}

func pingHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("pong"), nil
	}
}

func getStatusHandler(s *server.MCPServer, startedAt time.Time) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		payload := map[string]any{
			"uptime_seconds": time.Since(startedAt).Seconds(),
			"tools": []string{
				"echo", "ping", "get_status", "create_process", "start_process",
				"stop_process", "get_process_status", "get_process_output",
				"list_processes", "remove_process", "update_process",
				"export_processes", "import_processes",
			},
		}
		return jsonResult(payload)
	}
}

func createProcessHandler(sup *supervisor.Supervisor, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		command, err := req.RequireString("command")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		decl := proc.Declaration{
			ID:                 id,
			Command:            command,
			Args:               stringSliceArg(req, "args"),
			Env:                stringMapArg(req, "env"),
			Cwd:                req.GetString("cwd", ""),
			AutoStartOnRestore: req.GetBool("auto_start_on_restore", false),
		}
		if err := sup.Declare(decl); err != nil {
			log.WithError(err).Warn("create_process failed", zapID(id))
			return toolErr(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("declared %q", id)), nil
	}
}

func startProcessHandler(sup *supervisor.Supervisor, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		pid, err := sup.Start(ctx, id)
		if err != nil {
			log.WithError(err).Warn("start_process failed", zapID(id))
			return toolErr(err), nil
		}
		return jsonResult(map[string]any{"id": id, "pid": pid})
	}
}

func stopProcessHandler(sup *supervisor.Supervisor, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		var grace *int
		if v, ok := req.GetArguments()["grace_period_ms"]; ok {
			if n, ok := v.(float64); ok {
				ms := int(n)
				grace = &ms
			}
		}
		if err := sup.Stop(ctx, id, grace); err != nil {
			log.WithError(err).Warn("stop_process failed", zapID(id))
			return toolErr(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("stopped %q", id)), nil
	}
}

func getProcessStatusHandler(sup *supervisor.Supervisor) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		view, err := sup.Status(id)
		if err != nil {
			return toolErr(err), nil
		}
		return jsonResult(view)
	}
}

func getProcessOutputHandler(sup *supervisor.Supervisor) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		streamArg, err := req.RequireString("stream")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		stream, err := parseStream(streamArg)
		if err != nil {
			return toolErr(err), nil
		}
		lines := int(req.GetFloat("lines", 100))

		out, err := sup.Output(id, stream, lines)
		if err != nil {
			return toolErr(err), nil
		}
		return jsonResult(map[string]any{"id": id, "lines": out})
	}
}

func listProcessesHandler(sup *supervisor.Supervisor) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filter := supervisor.ListFilter{
			Substring: req.GetString("filter", ""),
			State:     supervisor.StateFilter(req.GetString("state", string(supervisor.FilterAll))),
		}
		return jsonResult(sup.List(filter))
	}
}

func removeProcessHandler(sup *supervisor.Supervisor, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := sup.Remove(ctx, id); err != nil {
			log.WithError(err).Warn("remove_process failed", zapID(id))
			return toolErr(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("removed %q", id)), nil
	}
}

func updateProcessHandler(sup *supervisor.Supervisor) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		u := supervisor.Update{}
		args := req.GetArguments()
		if v, ok := args["command"].(string); ok {
			u.Command = &v
		}
		if v := stringSliceArg(req, "args"); v != nil {
			u.Args = v
		}
		if v := stringMapArg(req, "env"); v != nil {
			u.Env = v
		}
		if v, ok := args["cwd"].(string); ok {
			u.Cwd = &v
		}
		if v, ok := args["auto_start_on_restore"].(bool); ok {
			u.AutoStartOnRestore = &v
		}
		if err := sup.Update(id, u); err != nil {
			return toolErr(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("updated %q", id)), nil
	}
}

func exportProcessesHandler(sup *supervisor.Supervisor, defaultPath string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path := req.GetString("file_path", "")
		if path == "" {
			path = defaultPath
		}
		if path == "" {
			return mcp.NewToolResultError("file_path is required when no default export path is configured"), nil
		}
		if err := sup.Export(path, false); err != nil {
			return toolErr(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("exported fleet to %q", path)), nil
	}
}

func importProcessesHandler(sup *supervisor.Supervisor) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("file_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		imported, updated, err := sup.Import(path)
		if err != nil {
			return toolErr(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("import from %q: %d added, %d updated", path, imported, updated)), nil
	}
}

func parseStream(s string) (proc.Stream, error) {
	switch s {
	case "Stdout", "stdout":
		return proc.StreamStdout, nil
	case "Stderr", "stderr":
		return proc.StreamStderr, nil
	case "Both", "both":
		return proc.StreamBoth, nil
	default:
		return "", fmt.Errorf("unknown stream %q: expected Stdout, Stderr, or Both", s)
	}
}

func stringSliceArg(req mcp.CallToolRequest, key string) []string {
	raw, ok := req.GetArguments()[key]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringMapArg(req mcp.CallToolRequest, key string) map[string]string {
	raw, ok := req.GetArguments()[key]
	if !ok {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
