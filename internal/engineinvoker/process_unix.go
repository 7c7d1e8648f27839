//go:build !windows

package engineinvoker

import (
	"os/exec"
	"syscall"
)

// setpgid puts the spawned process in its own process group so the entire
// subtree can be signalled at once.
func setpgid() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the process group rooted at cmd's PID rather than
// just the direct child, so helper processes spawned by the engine are
// included.
func (inv *Invoker) signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	syscall.Kill(-cmd.Process.Pid, sig)
}
