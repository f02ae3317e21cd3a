// Package dockerapi implements the runtime client against the Docker
// Engine REST API, reached over the resolved endpoint (local unix socket or
// remote daemon URL).
package dockerapi

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"golang.org/x/sys/unix"

	"github.com/mikaelstaldal/contained/internal/endpoint"
	"github.com/mikaelstaldal/contained/internal/engine"
	"github.com/mikaelstaldal/contained/internal/sandbox"
)

// Client talks to a Docker-compatible daemon. One client serves one run; it
// keeps per-handle state for the attach channel and the pre-registered wait.
type Client struct {
	api client.APIClient

	mu     sync.Mutex
	states map[engine.Handle]*state
}

type state struct {
	req      sandbox.Request
	started  bool
	attach   *types.HijackedResponse
	statusCh <-chan container.WaitResponse
	errCh    <-chan error
}

// New builds a client for the resolved endpoint. No connection is made
// here; the daemon is contacted lazily by the first operation.
func New(ep endpoint.Endpoint) (*Client, error) {
	api, err := client.NewClientWithOpts(
		client.WithHost(ep.String()),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("configure docker client: %w", err)
	}
	return &Client{api: api, states: make(map[engine.Handle]*state)}, nil
}

// Create materializes the container. The runtime's auto-remove flag is set
// as one half of the cleanup double-guarantee; Remove is still issued
// explicitly and tolerates the container already being gone.
func (c *Client) Create(ctx context.Context, req sandbox.Request) (engine.Handle, error) {
	entrypoint := req.Entrypoint
	cmd := req.Command
	if len(entrypoint) == 0 {
		entrypoint = req.Command
		cmd = nil
	}

	cfg := &container.Config{
		Image:        req.Image,
		Entrypoint:   strslice.StrSlice(entrypoint),
		Cmd:          strslice.StrSlice(cmd),
		Env:          req.Env,
		WorkingDir:   req.WorkingDir,
		Tty:          req.TTY,
		OpenStdin:    req.Interactive,
		StdinOnce:    req.Interactive,
		AttachStdin:  req.Interactive,
		AttachStdout: true,
		AttachStderr: true,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(req.Network),
		AutoRemove:  true,
	}
	for _, m := range req.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}

	resp, err := c.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, req.Name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", c.mapError(err, true))
	}

	h := engine.Handle(resp.ID)
	c.mu.Lock()
	c.states[h] = &state{req: req}
	c.mu.Unlock()
	return h, nil
}

// Attach establishes the hijacked stdio channel. In TTY mode the daemon
// delivers a single merged stream; otherwise stdout and stderr arrive
// multiplexed and are demultiplexed here.
func (c *Client) Attach(ctx context.Context, h engine.Handle) (*engine.Streams, error) {
	st, err := c.state(h)
	if err != nil {
		return nil, err
	}

	resp, err := c.api.ContainerAttach(ctx, string(h), container.AttachOptions{
		Stream: true,
		Stdin:  st.req.Interactive,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", c.mapError(err, false))
	}

	c.mu.Lock()
	st.attach = &resp
	c.mu.Unlock()

	streams := &engine.Streams{
		CloseFunc: func() error {
			resp.Close()
			return nil
		},
	}
	if st.req.Interactive {
		streams.Stdin = &hijackedStdin{resp: resp}
	}

	if st.req.TTY {
		streams.Stdout = resp.Reader
		return streams, nil
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, resp.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()
	streams.Stdout = outR
	streams.Stderr = errR
	return streams, nil
}

// Start registers the exit wait before starting the process, so an
// immediate exit cannot slip between start and wait.
func (c *Client) Start(ctx context.Context, h engine.Handle) error {
	st, err := c.state(h)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if st.started {
		c.mu.Unlock()
		return fmt.Errorf("start container: %w", engine.ErrAlreadyStarted)
	}
	st.started = true
	st.statusCh, st.errCh = c.api.ContainerWait(ctx, string(h), container.WaitConditionNextExit)
	c.mu.Unlock()

	if err := c.api.ContainerStart(ctx, string(h), container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", c.mapError(err, false))
	}
	return nil
}

// Wait delivers the outcome of the wait registered by Start.
func (c *Client) Wait(ctx context.Context, h engine.Handle) (engine.ExitOutcome, error) {
	st, err := c.state(h)
	if err != nil {
		return engine.ExitOutcome{}, err
	}
	c.mu.Lock()
	statusCh, errCh := st.statusCh, st.errCh
	c.mu.Unlock()
	if statusCh == nil {
		return engine.ExitOutcome{}, fmt.Errorf("wait container: not started")
	}

	select {
	case err := <-errCh:
		return engine.ExitOutcome{}, fmt.Errorf("wait container: %w", c.mapError(err, false))
	case status := <-statusCh:
		if status.Error != nil {
			return engine.ExitOutcome{}, fmt.Errorf("wait container: %s", status.Error.Message)
		}
		return engine.ExitOutcome{Code: int(status.StatusCode)}, nil
	case <-ctx.Done():
		return engine.ExitOutcome{}, fmt.Errorf("wait container: %w", ctx.Err())
	}
}

// Kill forwards a termination signal as an explicit daemon request.
func (c *Client) Kill(ctx context.Context, h engine.Handle, sig unix.Signal) error {
	if err := c.api.ContainerKill(ctx, string(h), unix.SignalName(sig)); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("kill container: %w", c.mapError(err, false))
	}
	return nil
}

// Remove force-removes the container. A container the daemon already
// auto-removed is not an error.
func (c *Client) Remove(ctx context.Context, h engine.Handle) error {
	c.mu.Lock()
	st := c.states[h]
	delete(c.states, h)
	c.mu.Unlock()
	if st != nil && st.attach != nil {
		st.attach.Close()
	}

	err := c.api.ContainerRemove(ctx, string(h), container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", c.mapError(err, false))
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

// mapError folds daemon errors into the shared taxonomy. creating reports
// whether the failing call was the creation itself, where a 404 means the
// base image reference did not resolve.
func (c *Client) mapError(err error, creating bool) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", engine.ErrRuntimeUnavailable, err)
	case creating && client.IsErrNotFound(err):
		return fmt.Errorf("%w: %v", engine.ErrImageNotFound, err)
	case creating:
		return fmt.Errorf("%w: %v", engine.ErrInvalidSpec, err)
	default:
		return err
	}
}

// hijackedStdin writes toward the container and half-closes the write side
// of the hijacked connection on Close, leaving output flowing.
type hijackedStdin struct {
	resp types.HijackedResponse
}

func (w *hijackedStdin) Write(p []byte) (int, error) {
	return w.resp.Conn.Write(p)
}

func (w *hijackedStdin) Close() error {
	return w.resp.CloseWrite()
}
