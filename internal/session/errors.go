package session

import "errors"

var (
	// ErrTimeout means a sendMessage exceeded the hard limit.
	ErrTimeout = errors.New("response timeout")
	// ErrNotActive means the session has no live subprocess.
	ErrNotActive = errors.New("session not active")
	// ErrBusy means another message is already collecting. Callers must
	// serialize sends on one session.
	ErrBusy = errors.New("a message is already in flight")
	// ErrStopped rejects an in-flight send when the session is stopped.
	ErrStopped = errors.New("session stopped")
	// ErrProcessExit means the subprocess died outside an explicit stop.
	ErrProcessExit = errors.New("process exited unexpectedly")
)
