//go:build !windows

package procutil

import (
	"os/exec"
	"syscall"
)

// SetNewProcessGroup configures cmd so that, once started, its pid doubles
// as its process group id — required for TerminateTree's group kill to
// reach every descendant instead of just the direct child.
func SetNewProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}
