//go:build !windows

package dispatch

import (
	"os/exec"
	"syscall"
)

// detach starts the child in its own session so terminal signals sent to
// the poller's process group do not reach it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
