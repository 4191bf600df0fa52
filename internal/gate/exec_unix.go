//go:build unix

package gate

import (
	"os/exec"
	"syscall"
)

// killProcessGroup starts cmd in a new process group and makes context
// cancellation kill the whole group, so shells cannot leave children behind.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
