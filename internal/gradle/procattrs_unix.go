//go:build !windows

package gradle

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the Gradle wrapper in its own process group so
// that killProcessGroup can reach every JVM it spawns, not just the
// wrapper script itself.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup signals the whole process group. graceful sends
// SIGTERM; otherwise SIGKILL.
func killProcessGroup(cmd *exec.Cmd, graceful bool) error {
	if cmd.Process == nil {
		return nil
	}
	sig := syscall.SIGKILL
	if graceful {
		sig = syscall.SIGTERM
	}
	return syscall.Kill(-cmd.Process.Pid, sig)
}
