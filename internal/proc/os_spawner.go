package proc

import (
	"context"
	"io"
	"os/exec"

	"github.com/kestrel-run/kestrel/internal/apperr"
)

// OSSpawner spawns children as ordinary OS processes: stdin is null,
// stdout/stderr are pipes, env is additive to the parent environment, and
// cwd defaults to the parent's working directory.
type OSSpawner struct{}

func NewOSSpawner() *OSSpawner { return &OSSpawner{} }

func (s *OSSpawner) Spawn(ctx context.Context, decl Declaration) (Handle, error) {
	cmd := exec.Command(decl.Command, decl.Args...)
	if decl.Cwd != "" {
		cmd.Dir = decl.Cwd
	}
	cmd.Env = additiveEnv(decl.Env)

	// exec.CommandContext is intentionally not used: an HTTP/tool-request
	// deadline must not propagate into the child's lifetime.
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperr.SpawnFailed(decl.ID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperr.SpawnFailed(decl.ID, err)
	}
	// stdin = null per the declared contract.
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return nil, apperr.SpawnFailed(decl.ID, err)
	}
	if cmd.Process == nil {
		return nil, apperr.SpawnFailed(decl.ID, apperr.Internal("spawn succeeded with no OS pid"))
	}

	return &osHandle{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// additiveEnv starts from the parent process environment and overlays the
// declared keys, so children inherit PATH, HOME, etc. unless explicitly
// overridden.
func additiveEnv(decl map[string]string) []string {
	base := parentEnv()
	merged := make(map[string]string, len(base)+len(decl))
	for _, kv := range base {
		if k, v, ok := splitEnv(kv); ok {
			merged[k] = v
		}
	}
	for k, v := range decl {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

type osHandle struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (h *osHandle) PID() int              { return h.cmd.Process.Pid }
func (h *osHandle) Stdout() io.ReadCloser { return h.stdout }
func (h *osHandle) Stderr() io.ReadCloser { return h.stderr }

func (h *osHandle) Wait(ctx context.Context) ExitResult {
	err := h.cmd.Wait()
	if err == nil {
		code := 0
		return ExitResult{ExitCode: &code}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		return ExitResult{ExitCode: &code}
	}
	return ExitResult{Err: err}
}

func (h *osHandle) Signal(sig Signal) error {
	if h.cmd.Process == nil {
		return apperr.Internal("signal sent to handle with no process")
	}
	switch sig {
	case SignalKill:
		return h.cmd.Process.Kill()
	default:
		return terminateGracefully(h.cmd)
	}
}
