//go:build !windows

package procutil

import "syscall"

// signalGraceful sends SIGTERM to the process group so children started by
// the worker (not just the worker itself) get a chance to shut down.
// Callers must have started the command with Setpgid so pid's group id
// equals pid.
func signalGraceful(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// forceKillTree sends SIGKILL to the process group.
func forceKillTree(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
