//go:build windows

package procutil

import (
	"fmt"
	"os/exec"
	"strconv"
)

// signalGraceful has no portable equivalent of SIGTERM on Windows; taskkill
// without /F requests a normal close of the process's windows/message loop,
// which is the closest analogue for a console subprocess.
func signalGraceful(pid int) error {
	cmd := exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("taskkill graceful: %w", err)
	}
	return nil
}

// forceKillTree force-terminates pid and its descendants.
func forceKillTree(pid int) error {
	cmd := exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("taskkill force: %w", err)
	}
	return nil
}
