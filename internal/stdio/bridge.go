// Package stdio relays bytes between the launcher's own stdio and an
// attached container channel.
package stdio

import (
	"errors"
	"io"
	"io/fs"
	"net"
	"sync"

	"github.com/mikaelstaldal/contained/internal/engine"
)

// Bridge runs up to three independent relays: launcher stdin to container
// stdin, container stdout to launcher stdout, container stderr to launcher
// stderr. Each relay copies bytes until its source ends, then half-closes
// its destination without affecting the others.
type Bridge struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	outputs sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

// New returns a bridge over the launcher's own streams. stdin may be nil
// for non-interactive runs.
func New(stdin io.Reader, stdout, stderr io.Writer) *Bridge {
	return &Bridge{stdin: stdin, stdout: stdout, stderr: stderr}
}

// Run starts the relays against an attached stream set and returns
// immediately. Wait reports when the output directions have drained.
func (b *Bridge) Run(s *engine.Streams) {
	if s.Stdin != nil && b.stdin != nil {
		// The input relay is deliberately excluded from Wait: its source
		// may never reach EOF (a terminal, a silent pipe). It ends either
		// on source EOF, half-closing the container's stdin, or when the
		// attach channel is torn down after the container exits.
		go func() {
			_, err := io.Copy(s.Stdin, b.stdin)
			b.record(err)
			b.record(s.Stdin.Close())
		}()
	}

	if s.Stdout != nil {
		b.outputs.Add(1)
		go func() {
			defer b.outputs.Done()
			_, err := io.Copy(b.stdout, s.Stdout)
			b.record(err)
		}()
	}
	if s.Stderr != nil {
		b.outputs.Add(1)
		go func() {
			defer b.outputs.Done()
			_, err := io.Copy(b.stderr, s.Stderr)
			b.record(err)
		}()
	}
}

// Wait blocks until both output relays have seen end-of-stream, which
// happens once the container process has exited and the runtime closed the
// attach channel. Only after Wait returns is the container's output known
// to be fully flushed.
func (b *Bridge) Wait() error {
	b.outputs.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Join(b.errs...)
}

func (b *Bridge) record(err error) {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, fs.ErrClosed) {
		return
	}
	b.mu.Lock()
	b.errs = append(b.errs, err)
	b.mu.Unlock()
}
