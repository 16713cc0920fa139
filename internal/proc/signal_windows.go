//go:build windows

package proc

import "os/exec"

// terminateGracefully has no POSIX-signal equivalent on Windows; the
// caller (ManagedProcess.Stop) still honors the grace period by waiting
// for natural exit before a hard kill, so termination stays best-effort
// graceful.
func terminateGracefully(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
