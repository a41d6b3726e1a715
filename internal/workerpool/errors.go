package workerpool

import "errors"

// Sentinel errors a Future's Result.Err may wrap or equal, matching the
// failure taxonomy of spec.md §4.1/§7.
var (
	// ErrAborted marks a job removed by CancelQueued/AbortAll, or a
	// running job whose worker was killed as part of an AbortAll.
	ErrAborted = errors.New("aborted")

	// ErrWorkerCrashed marks a job in flight when its worker's
	// subprocess exited before delivering a terminal result.
	ErrWorkerCrashed = errors.New("worker_crashed")

	// ErrProtocolError marks a job abandoned after its worker emitted
	// too many consecutive non-JSON stdout lines.
	ErrProtocolError = errors.New("protocol_error")

	// ErrSpawnError marks a job that could not be dispatched because
	// its worker's subprocess failed to start.
	ErrSpawnError = errors.New("spawn_error")

	// ErrPoolClosed is returned by Submit once Close has been called.
	ErrPoolClosed = errors.New("workerpool: pool closed")
)
