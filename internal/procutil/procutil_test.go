//go:build !windows

package procutil

import (
	"os/exec"
	"testing"
	"time"
)

func TestTerminateTree_KillsGroup(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 30")
	SetNewProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	if err := TerminateTree(cmd.Process.Pid, 200*time.Millisecond, done); err != nil {
		t.Fatalf("TerminateTree: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("process did not exit after TerminateTree")
	}
}
