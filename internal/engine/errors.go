package engine

import "errors"

// Error taxonomy shared by all transports. Implementations wrap these
// sentinels so the coordinator and the CLI front end can classify failures
// without caring which transport produced them.
var (
	// ErrRuntimeUnavailable means the endpoint could not be reached.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrImageNotFound means the base image reference did not resolve at
	// the endpoint.
	ErrImageNotFound = errors.New("base image not found")

	// ErrInvalidSpec means the runtime rejected the creation payload.
	ErrInvalidSpec = errors.New("container spec rejected by runtime")

	// ErrAlreadyStarted means Start was called twice for one handle.
	ErrAlreadyStarted = errors.New("container already started")
)
