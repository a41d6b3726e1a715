//go:build windows

package procutil

import "os/exec"

// SetNewProcessGroup is a no-op on Windows: TerminateTree uses
// "taskkill /T" which walks the process tree by parent PID instead of a
// POSIX process group.
func SetNewProcessGroup(cmd *exec.Cmd) {}
