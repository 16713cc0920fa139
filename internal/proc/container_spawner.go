package proc

import (
	"context"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/kestrel-run/kestrel/internal/apperr"
)

// ContainerSpawnerConfig configures the optional Docker-backed process
// variant. The Supervisor defaults to OSSpawner; this type exists so a
// deployment can opt in to running declared commands inside a container
// instead of as bare OS processes, using the same Declaration/Handle
// shapes.
type ContainerSpawnerConfig struct {
	// Image is the container image to run the declared command in.
	Image string
}

// ContainerSpawner runs declared commands inside short-lived Docker
// containers rather than as direct OS children.
type ContainerSpawner struct {
	cli *client.Client
	cfg ContainerSpawnerConfig
}

// NewContainerSpawner constructs a Spawner backed by the local Docker
// daemon.
func NewContainerSpawner(cfg ContainerSpawnerConfig) (*ContainerSpawner, error) {
	cli, err := client.NewClientWithOpts(client.WithAPIVersionNegotiation(), client.FromEnv)
	if err != nil {
		return nil, apperr.Internal("failed to create docker client: %v", err)
	}
	return &ContainerSpawner{cli: cli, cfg: cfg}, nil
}

func (s *ContainerSpawner) Spawn(ctx context.Context, decl Declaration) (Handle, error) {
	env := make([]string, 0, len(decl.Env))
	for k, v := range decl.Env {
		env = append(env, k+"="+v)
	}

	cmd := append([]string{decl.Command}, decl.Args...)
	containerCfg := &container.Config{
		Image:      s.cfg.Image,
		Cmd:        cmd,
		Env:        env,
		WorkingDir: decl.Cwd,
		Labels:     map[string]string{"kestrel.process_id": decl.ID},
		Tty:        false,
	}
	hostCfg := &container.HostConfig{AutoRemove: false}

	resp, err := s.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, apperr.SpawnFailed(decl.ID, err)
	}
	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, apperr.SpawnFailed(decl.ID, err)
	}

	inspect, err := s.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, apperr.SpawnFailed(decl.ID, err)
	}

	logs, err := s.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, apperr.SpawnFailed(decl.ID, err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, logs)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
		logs.Close()
	}()

	return &containerHandle{
		cli:         s.cli,
		containerID: resp.ID,
		pid:         inspect.State.Pid,
		stdout:      stdoutR,
		stderr:      stderrR,
	}, nil
}

type containerHandle struct {
	cli         *client.Client
	containerID string
	pid         int
	stdout      io.ReadCloser
	stderr      io.ReadCloser
}

func (h *containerHandle) PID() int              { return h.pid }
func (h *containerHandle) Stdout() io.ReadCloser { return h.stdout }
func (h *containerHandle) Stderr() io.ReadCloser { return h.stderr }

func (h *containerHandle) Wait(ctx context.Context) ExitResult {
	statusCh, errCh := h.cli.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return ExitResult{Err: err}
	case status := <-statusCh:
		code := int(status.StatusCode)
		return ExitResult{ExitCode: &code}
	}
}

func (h *containerHandle) Signal(sig Signal) error {
	ctx := context.Background()
	switch sig {
	case SignalKill:
		return h.cli.ContainerKill(ctx, h.containerID, "SIGKILL")
	default:
		return h.cli.ContainerKill(ctx, h.containerID, "SIGTERM")
	}
}
