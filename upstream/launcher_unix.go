//go:build unix

package upstream

import (
	"os/exec"
	"syscall"
)

// npx and friends spawn grandchildren that inherit stdout; signalling the
// whole group is the only way to make the pipe close.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return cmd.Process.Kill()
}
