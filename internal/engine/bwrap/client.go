// Package bwrap implements the runtime client with bubblewrap, running the
// command directly inside freshly unshared namespaces. There is no daemon
// and nothing to remove; create and remove are bookkeeping only. The host's
// /usr and /etc serve as the read-only execution root, so the base image
// reference is not consulted.
package bwrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/mikaelstaldal/contained/internal/engine"
	"github.com/mikaelstaldal/contained/internal/sandbox"
)

const bwrapBin = "bwrap"

// Client runs one sandbox per handle under bubblewrap.
type Client struct {
	mu     sync.Mutex
	states map[engine.Handle]*state
}

type state struct {
	req     sandbox.Request
	args    []string
	cmd     *exec.Cmd
	started bool

	stdinW    *os.File
	childEnds []*os.File
}

// New builds a bubblewrap client.
func New() *Client {
	return &Client{states: make(map[engine.Handle]*state)}
}

// Create checks the bubblewrap binary and freezes the argument list; no
// process runs yet.
func (c *Client) Create(ctx context.Context, req sandbox.Request) (engine.Handle, error) {
	if _, err := exec.LookPath(bwrapBin); err != nil {
		return "", fmt.Errorf("create sandbox: %w: %v", engine.ErrRuntimeUnavailable, err)
	}

	h := engine.Handle(uuid.NewString())
	c.mu.Lock()
	c.states[h] = &state{req: req, args: buildArgs(req)}
	c.mu.Unlock()
	return h, nil
}

// Attach wires pipes to the pending bwrap invocation.
func (c *Client) Attach(ctx context.Context, h engine.Handle) (*engine.Streams, error) {
	st, err := c.state(h)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(bwrapBin, st.args...)
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("attach sandbox: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("attach sandbox: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	streams := &engine.Streams{Stdout: stdoutR, Stderr: stderrR}

	c.mu.Lock()
	st.cmd = cmd
	st.childEnds = []*os.File{stdoutW, stderrW}
	if st.req.Interactive {
		stdinR, stdinW, err := os.Pipe()
		if err != nil {
			c.mu.Unlock()
			stdoutR.Close()
			stdoutW.Close()
			stderrR.Close()
			stderrW.Close()
			return nil, fmt.Errorf("attach sandbox: %w", err)
		}
		cmd.Stdin = stdinR
		st.stdinW = stdinW
		st.childEnds = append(st.childEnds, stdinR)
		streams.Stdin = stdinW
	}
	c.mu.Unlock()

	streams.CloseFunc = func() error {
		stdoutR.Close()
		stderrR.Close()
		if st.stdinW != nil {
			st.stdinW.Close()
		}
		return nil
	}
	return streams, nil
}

// Start launches the sandboxed process.
func (c *Client) Start(ctx context.Context, h engine.Handle) error {
	st, err := c.state(h)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st.started {
		return fmt.Errorf("start sandbox: %w", engine.ErrAlreadyStarted)
	}
	if st.cmd == nil {
		st.cmd = exec.Command(bwrapBin, st.args...)
		st.cmd.Stdout = io.Discard
		st.cmd.Stderr = io.Discard
	}
	if err := st.cmd.Start(); err != nil {
		return fmt.Errorf("start sandbox: %w", err)
	}
	st.started = true
	for _, f := range st.childEnds {
		f.Close()
	}
	st.childEnds = nil
	return nil
}

// Wait reaps the sandboxed process.
func (c *Client) Wait(ctx context.Context, h engine.Handle) (engine.ExitOutcome, error) {
	st, err := c.state(h)
	if err != nil {
		return engine.ExitOutcome{}, err
	}
	c.mu.Lock()
	cmd := st.cmd
	started := st.started
	c.mu.Unlock()
	if !started || cmd == nil {
		return engine.ExitOutcome{}, fmt.Errorf("wait sandbox: not started")
	}

	err = cmd.Wait()
	if err == nil {
		return engine.ExitOutcome{}, nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return engine.ExitOutcome{}, fmt.Errorf("wait sandbox: %w", err)
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		return engine.ExitOutcome{Code: 128 + int(sig), Signal: sig}, nil
	}
	return engine.ExitOutcome{Code: exitErr.ExitCode()}, nil
}

// Kill signals the bwrap process; --die-with-parent and the shared PID
// namespace carry the signal to the sandboxed command.
func (c *Client) Kill(ctx context.Context, h engine.Handle, sig unix.Signal) error {
	st, err := c.state(h)
	if err != nil {
		return err
	}
	c.mu.Lock()
	cmd := st.cmd
	started := st.started
	c.mu.Unlock()
	if !started || cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(sig); err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("kill sandbox: %w", err)
	}
	return nil
}

// Remove drops the bookkeeping; the process left nothing else behind.
func (c *Client) Remove(ctx context.Context, h engine.Handle) error {
	c.mu.Lock()
	st := c.states[h]
	delete(c.states, h)
	c.mu.Unlock()
	if st != nil {
		for _, f := range st.childEnds {
			f.Close()
		}
	}
	return nil
}

func (c *Client) state(h engine.Handle) (*state, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[h]
	if !ok {
		return nil, fmt.Errorf("unknown sandbox handle %s", h)
	}
	return st, nil
}
