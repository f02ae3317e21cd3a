// Package engine defines the runtime client contract the lifecycle
// coordinator is written against. Implementations reach the container
// runtime either through local command execution or through protocol calls
// against the resolved endpoint; the coordinator never branches on which.
package engine

import (
	"context"
	"io"

	"golang.org/x/sys/unix"

	"github.com/mikaelstaldal/contained/internal/sandbox"
)

// Handle identifies one created container. It is owned exclusively by a
// single coordinator for the duration of one run and is never reused.
type Handle string

// ExitOutcome is the container's terminal state. Signal is nonzero only
// when termination can be attributed to a signal; Code then carries the
// conventional 128+N encoding.
type ExitOutcome struct {
	Code   int
	Signal unix.Signal
}

// Streams is the live stdio channel to an attached container.
type Streams struct {
	// Stdin is the write side toward the container, nil when stdin is not
	// attached. Close performs a half-close: it ends the container's input
	// without tearing down the output directions.
	Stdin io.WriteCloser

	// Stdout and Stderr deliver demultiplexed container output. Stderr is
	// nil in TTY mode, where the pseudo-terminal merges both into Stdout.
	Stdout io.Reader
	Stderr io.Reader

	// CloseFunc tears the whole channel down.
	CloseFunc func() error
}

// Close tears down the attach channel, unblocking any pending reads.
func (s *Streams) Close() error {
	if s == nil || s.CloseFunc == nil {
		return nil
	}
	return s.CloseFunc()
}

// Client is the runtime protocol abstraction. Each operation is attempted
// exactly once; retry policy belongs to the caller. All operations honor
// ctx cancellation, and Wait blocks until the container process terminates.
type Client interface {
	// Create materializes a container from the request. No process runs yet.
	Create(ctx context.Context, req sandbox.Request) (Handle, error)

	// Attach establishes the stdio channel. It must be called before Start
	// so no early output is lost.
	Attach(ctx context.Context, h Handle) (*Streams, error)

	// Start begins execution of the container process.
	Start(ctx context.Context, h Handle) error

	// Wait blocks until the container process terminates and reports its
	// outcome. It imposes no timeout of its own.
	Wait(ctx context.Context, h Handle) (ExitOutcome, error)

	// Kill forwards a termination signal to the container process.
	Kill(ctx context.Context, h Handle, sig unix.Signal) error

	// Remove releases the container's resources. It tolerates a container
	// that the runtime already auto-removed.
	Remove(ctx context.Context, h Handle) error
}
