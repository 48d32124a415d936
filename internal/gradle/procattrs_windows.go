//go:build windows

package gradle

import "os/exec"

// setProcessGroup is a no-op on Windows: exec.Cmd.Process.Kill below
// only reaches the wrapper process, not spawned JVMs, but there is no
// portable Setpgid equivalent without pulling in a job-object wrapper.
func setProcessGroup(_ *exec.Cmd) {}

// killProcessGroup ignores graceful on Windows: there is no SIGTERM
// equivalent for an arbitrary process from Go's stdlib.
func killProcessGroup(cmd *exec.Cmd, _ bool) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
