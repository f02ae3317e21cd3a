package sandbox

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest marks a request the builder rejected before any runtime
// call was made.
var ErrInvalidRequest = errors.New("invalid sandbox request")

// Mount maps a host path into the container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// String renders the mount in docker-style src:dst[:ro] form.
func (m Mount) String() string {
	if m.ReadOnly {
		return fmt.Sprintf("%s:%s:ro", m.HostPath, m.ContainerPath)
	}
	return fmt.Sprintf("%s:%s", m.HostPath, m.ContainerPath)
}

// Request is the runtime-neutral creation payload for one sandbox run. It is
// built once per invocation and never mutated afterwards.
type Request struct {
	// Command is the argv to execute inside the container. It replaces the
	// image entrypoint unless Entrypoint overrides it.
	Command []string

	// Entrypoint, when non-empty, overrides the image entrypoint; Command is
	// then passed as arguments to it.
	Entrypoint []string

	// WorkingDir is the working directory inside the container. Empty means
	// the image default.
	WorkingDir string

	// Mounts are the host paths exposed to the container, in order.
	Mounts []Mount

	// Env holds KEY=VALUE pairs set inside the container.
	Env []string

	// Image is the base image reference. It must already exist at the
	// resolved endpoint; building it is not this tool's job.
	Image string

	// Network is the container network mode. Defaults to "none".
	Network string

	// Interactive attaches the launcher's stdin to the container.
	Interactive bool

	// TTY allocates a pseudo-terminal. Only set when Interactive is set and
	// the launcher's own stdin is a terminal; pipe-based interactivity keeps
	// Interactive without TTY.
	TTY bool

	// Name is the anonymous container name for this run.
	Name string
}
