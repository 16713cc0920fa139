// Package toolserver exposes the Supervisor over a JSON-line stdio tool
// protocol, built on mark3labs/mcp-go in its stdio transport variant.
package toolserver

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kestrel-run/kestrel/internal/logging"
	"github.com/kestrel-run/kestrel/internal/supervisor"
)

// ServerName and ServerVersion identify this tool server to clients.
const (
	ServerName    = "kestrel"
	ServerVersion = "1.0.0"
)

// Server wraps an *server.MCPServer wired to a Supervisor and serves it
// over stdio.
type Server struct {
	mcp        *server.MCPServer
	log        *logging.Logger
	startedAt  time.Time
	instanceID string
}

// New builds a tool server exposing the supervision tool set. Each
// instance is tagged with a random id so log lines from concurrent kestrel
// processes on the same host (e.g. during a restart) can be told apart.
// defaultExportPath is used by export_processes when the caller omits
// file_path; pass "" if none is configured.
func New(sup *supervisor.Supervisor, log *logging.Logger, defaultExportPath string) *Server {
	instanceID := uuid.NewString()
	s := &Server{
		mcp:        server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false)),
		log:        log.WithFields(zap.String("instance_id", instanceID)),
		startedAt:  time.Now(),
		instanceID: instanceID,
	}
	registerTools(s.mcp, sup, s.log, s.startedAt, defaultExportPath)
	return s
}

// Serve blocks, handling one JSON request per line on stdin/stdout until
// ctx is cancelled or the transport closes.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ServeStdio(s.mcp)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			s.log.WithError(err).Error("tool server exited")
		}
		return err
	}
}

// InstanceID returns the random id generated for this server instance.
func (s *Server) InstanceID() string { return s.instanceID }

func toolErr(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

func zapID(id string) zap.Field { return zap.String("id", id) }
