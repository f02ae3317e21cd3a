// Package podmancli implements the runtime client by invoking the podman
// command, the daemonless rootless path. A remote endpoint is honored by
// passing it through podman's own --url flag; behavior is otherwise
// indistinguishable from the API transport.
package podmancli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/mikaelstaldal/contained/internal/endpoint"
	"github.com/mikaelstaldal/contained/internal/engine"
	"github.com/mikaelstaldal/contained/internal/sandbox"
)

const podmanBin = "podman"

// Client drives podman subcommands for one sandbox run.
type Client struct {
	// connectionURL is podman's --url value; empty means the local default.
	connectionURL string

	mu     sync.Mutex
	states map[engine.Handle]*state
}

type state struct {
	req     sandbox.Request
	started bool

	// attachCmd is the pending `podman start --attach` invocation prepared
	// by Attach, launched by Start, reaped by Wait.
	attachCmd *exec.Cmd

	// Parent-held pipe ends handed to the bridge.
	stdinW           *os.File
	stdoutR, stderrR *os.File

	// Child-held pipe ends, closed in the parent right after Start so the
	// readers see EOF when the child exits.
	childEnds []*os.File
}

// New builds a client over the resolved endpoint. The podman binary itself
// is looked up lazily by the first operation. An endpoint override is passed
// through --url even when it names a local socket; only the conventional
// default is left to podman's own resolution.
func New(ep endpoint.Endpoint) *Client {
	c := &Client{states: make(map[engine.Handle]*state)}
	if ep.Kind == endpoint.KindRemote || ep.Override {
		c.connectionURL = ep.String()
	}
	return c
}

// global prepends connection-level flags to a podman subcommand.
func (c *Client) global(args ...string) []string {
	if c.connectionURL == "" {
		return args
	}
	return append([]string{"--url", c.connectionURL}, args...)
}

// Create runs `podman create` and records the printed container ID. The
// entrypoint is forced to the request's argv so image defaults never leak
// into the sandbox, matching the API transport.
func (c *Client) Create(ctx context.Context, req sandbox.Request) (engine.Handle, error) {
	entrypoint := req.Entrypoint
	cmdArgs := req.Command
	if len(entrypoint) == 0 {
		entrypoint = req.Command
		cmdArgs = nil
	}
	entryJSON, err := json.Marshal(entrypoint)
	if err != nil {
		return "", fmt.Errorf("encode entrypoint: %w", err)
	}

	args := []string{"create", "--rm", "--name", req.Name, "--network", req.Network}
	if req.WorkingDir != "" {
		args = append(args, "--workdir", req.WorkingDir)
	}
	for _, m := range req.Mounts {
		args = append(args, "-v", m.String())
	}
	for _, kv := range req.Env {
		args = append(args, "-e", kv)
	}
	if req.Interactive {
		args = append(args, "--interactive")
	}
	if req.TTY {
		args = append(args, "--tty")
	}
	args = append(args, "--entrypoint", string(entryJSON), req.Image)
	args = append(args, cmdArgs...)

	out, err := commandOutput(ctx, podmanBin, c.global(args...)...)
	if err != nil {
		return "", fmt.Errorf("create container: %w", mapCommandError(err))
	}
	id := lastLine(out)
	if id == "" {
		return "", fmt.Errorf("create container: podman printed no container id")
	}

	h := engine.Handle(id)
	c.mu.Lock()
	c.states[h] = &state{req: req}
	c.mu.Unlock()
	return h, nil
}

// Attach prepares the `podman start --attach` invocation with explicit
// pipes. podman attaches before it starts the process, so output produced
// immediately after start cannot be lost.
func (c *Client) Attach(ctx context.Context, h engine.Handle) (*engine.Streams, error) {
	st, err := c.state(h)
	if err != nil {
		return nil, err
	}

	args := []string{"start", "--attach"}
	if st.req.Interactive {
		args = append(args, "--interactive")
	}
	args = append(args, string(h))
	cmd := exec.Command(podmanBin, c.global(args...)...)

	// os.Pipe instead of exec's pipe helpers: Wait must be free to reap the
	// child while the bridge is still draining, so the child's pipe ends are
	// closed in the parent right after start and EOF arrives naturally.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("attach container: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	streams := &engine.Streams{Stdout: stdoutR, Stderr: stderrR}

	c.mu.Lock()
	st.attachCmd = cmd
	st.stdoutR = stdoutR
	st.stderrR = stderrR
	st.childEnds = []*os.File{stdoutW, stderrW}

	if st.req.Interactive {
		stdinR, stdinW, err := os.Pipe()
		if err != nil {
			c.mu.Unlock()
			stdoutR.Close()
			stdoutW.Close()
			stderrR.Close()
			stderrW.Close()
			return nil, fmt.Errorf("attach container: %w", err)
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

// Start launches the prepared attach invocation.
func (c *Client) Start(ctx context.Context, h engine.Handle) error {
	st, err := c.state(h)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st.started {
		return fmt.Errorf("start container: %w", engine.ErrAlreadyStarted)
	}
	if st.attachCmd == nil {
		// Start without a prior Attach still runs the container; output is
		// discarded.
		st.attachCmd = exec.Command(podmanBin, c.global("start", "--attach", string(h))...)
		st.attachCmd.Stdout = io.Discard
		st.attachCmd.Stderr = io.Discard
	}
	if err := st.attachCmd.Start(); err != nil {
		return fmt.Errorf("start container: %w", mapCommandError(err))
	}
	st.started = true
	for _, f := range st.childEnds {
		f.Close()
	}
	st.childEnds = nil
	return nil
}

// Wait reaps the attach invocation; `podman start --attach` exits with the
// container's own status.
func (c *Client) Wait(ctx context.Context, h engine.Handle) (engine.ExitOutcome, error) {
	st, err := c.state(h)
	if err != nil {
		return engine.ExitOutcome{}, err
	}
	c.mu.Lock()
	cmd := st.attachCmd
	started := st.started
	c.mu.Unlock()
	if !started || cmd == nil {
		return engine.ExitOutcome{}, fmt.Errorf("wait container: not started")
	}

	err = cmd.Wait()
	if err == nil {
		return engine.ExitOutcome{}, nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return engine.ExitOutcome{}, fmt.Errorf("wait container: %w", err)
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		return engine.ExitOutcome{Code: 128 + int(sig), Signal: sig}, nil
	}
	return engine.ExitOutcome{Code: exitErr.ExitCode()}, nil
}

// Kill forwards a signal via `podman kill`.
func (c *Client) Kill(ctx context.Context, h engine.Handle, sig unix.Signal) error {
	_, err := commandOutput(ctx, podmanBin, c.global("kill", "--signal", unix.SignalName(sig), string(h))...)
	if err != nil {
		if isMissingContainer(err) {
			return nil
		}
		return fmt.Errorf("kill container: %w", mapCommandError(err))
	}
	return nil
}

// Remove force-removes the container; --ignore tolerates one already
// auto-removed by the --rm flag set at creation.
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

	if _, err := commandOutput(ctx, podmanBin, c.global("rm", "--force", "--ignore", string(h))...); err != nil {
		return fmt.Errorf("remove container: %w", mapCommandError(err))
	}
	return nil
}

func (c *Client) state(h engine.Handle) (*state, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[h]
	if !ok {
		return nil, fmt.Errorf("unknown container handle %s", h)
	}
	return st, nil
}

// mapCommandError folds podman invocation failures into the shared
// taxonomy, classifying by the message podman printed.
func mapCommandError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "executable file not found"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "cannot connect"),
		strings.Contains(msg, "connect: no such file"):
		return fmt.Errorf("%w: %v", engine.ErrRuntimeUnavailable, err)
	case strings.Contains(msg, "image not known"),
		strings.Contains(msg, "manifest unknown"),
		strings.Contains(msg, "no such image"):
		return fmt.Errorf("%w: %v", engine.ErrImageNotFound, err)
	default:
		return fmt.Errorf("%w: %v", engine.ErrInvalidSpec, err)
	}
}

func isMissingContainer(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") || strings.Contains(msg, "container state improper")
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

var commandOutput = commandOutputImpl

func commandOutputImpl(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return "", fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return string(out), nil
}
