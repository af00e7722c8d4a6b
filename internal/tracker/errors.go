package tracker

import "errors"

var (
	// ErrInvalidHandle is returned for commands against an unknown session id
	ErrInvalidHandle = errors.New("invalid session handle")

	// ErrNotAttached is returned when a command needs a bound target window
	ErrNotAttached = errors.New("session is not attached to a target window")

	// ErrNoOverlay is returned when a session was created without an overlay window
	ErrNoOverlay = errors.New("session has no overlay window")

	// ErrEmptyPattern is returned when tracking an empty title
	ErrEmptyPattern = errors.New("title pattern must not be empty")

	// ErrStopped is returned for commands submitted after the loop exited
	ErrStopped = errors.New("tracker is not running")

	// ErrAlreadyRunning is returned when Run is called twice
	ErrAlreadyRunning = errors.New("tracker is already running")

	// ErrNoScreenshotter is returned by Screenshot when no adapter is configured
	ErrNoScreenshotter = errors.New("screenshots are not supported")

	// ErrObserverClosed is returned by Run when the notification stream ends
	ErrObserverClosed = errors.New("window observer closed its notification stream")
)
