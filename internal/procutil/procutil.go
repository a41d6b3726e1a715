// Package procutil terminates a subprocess and any children it spawned.
// A rendering worker may shell out to other tools; killing only the direct
// child PID would leak those grandchildren, so callers always go through
// TerminateTree.
package procutil

import "time"

// DefaultGracePeriod is how long TerminateTree waits after a graceful
// signal before escalating to a forced kill.
const DefaultGracePeriod = 1 * time.Second

// TerminateTree asks the process tree rooted at pid to exit, waits up to
// grace for it to do so, then force-kills whatever remains. done must be
// closed (or ready to receive) once the process has actually exited, e.g.
// from an os/exec.Cmd.Wait goroutine; TerminateTree uses it to avoid the
// forced kill when the graceful signal already worked.
func TerminateTree(pid int, grace time.Duration, done <-chan struct{}) error {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	if err := signalGraceful(pid); err != nil {
		return forceKillTree(pid)
	}

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return forceKillTree(pid)
	}
}
