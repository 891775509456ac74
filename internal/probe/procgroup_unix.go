//go:build unix

package probe

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid signals the whole group, so children holding our pipes die too.
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}
