//go:build !windows

package proc

import (
	"os/exec"
	"syscall"
)

// terminateGracefully sends SIGTERM, the POSIX graceful-termination
// signal.
func terminateGracefully(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}
