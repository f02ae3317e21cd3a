package dockerapi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/mikaelstaldal/contained/internal/engine"
	"github.com/mikaelstaldal/contained/internal/sandbox"
)

// fakeAPI embeds the SDK interface so only the methods under test need
// implementations; anything else panics loudly.
type fakeAPI struct {
	client.APIClient

	createErr  error
	createID   string
	attachResp types.HijackedResponse
	attachErr  error
	startErr   error
	started    int
	waitCode   int64
	removed    int
	removeErr  error
	killed     []string
}

func (f *fakeAPI) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	return container.CreateResponse{ID: f.createID}, nil
}

func (f *fakeAPI) ContainerAttach(ctx context.Context, id string, opts container.AttachOptions) (types.HijackedResponse, error) {
	return f.attachResp, f.attachErr
}

func (f *fakeAPI) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	f.started++
	return f.startErr
}

func (f *fakeAPI) ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	statusCh <- container.WaitResponse{StatusCode: f.waitCode}
	return statusCh, make(chan error)
}

func (f *fakeAPI) ContainerKill(ctx context.Context, id, signal string) error {
	f.killed = append(f.killed, signal)
	return nil
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	f.removed++
	return f.removeErr
}

// notFoundError satisfies the daemon error contract for 404 responses.
type notFoundError struct{}

func (notFoundError) Error() string { return "No such image: empty:latest" }
func (notFoundError) NotFound()     {}

func newClient(api client.APIClient) *Client {
	return &Client{api: api, states: make(map[engine.Handle]*state)}
}

func TestCreateMapsImageNotFound(t *testing.T) {
	t.Parallel()

	c := newClient(&fakeAPI{createErr: notFoundError{}})
	_, err := c.Create(context.Background(), sandbox.Request{Command: []string{"true"}, Image: "empty"})
	if !errors.Is(err, engine.ErrImageNotFound) {
		t.Fatalf("expected ErrImageNotFound, got %v", err)
	}
}

func TestCreateMapsRejectedSpec(t *testing.T) {
	t.Parallel()

	c := newClient(&fakeAPI{createErr: errors.New("invalid mount config")})
	_, err := c.Create(context.Background(), sandbox.Request{Command: []string{"true"}, Image: "empty"})
	if !errors.Is(err, engine.ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
}

func TestStartTwiceFails(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{createID: "abc123"}
	c := newClient(api)
	h, err := c.Create(context.Background(), sandbox.Request{Command: []string{"true"}})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := c.Start(context.Background(), h); err != nil {
		t.Fatalf("first Start returned error: %v", err)
	}
	if err := c.Start(context.Background(), h); !errors.Is(err, engine.ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if api.started != 1 {
		t.Fatalf("daemon start called %d times", api.started)
	}
}

func TestAttachDemultiplexesOutput(t *testing.T) {
	t.Parallel()

	// Frame stdout and stderr the way the daemon does for non-TTY attach.
	var framed bytes.Buffer
	if _, err := stdcopy.NewStdWriter(&framed, stdcopy.Stdout).Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := stdcopy.NewStdWriter(&framed, stdcopy.Stderr).Write([]byte("oops\n")); err != nil {
		t.Fatal(err)
	}

	serverConn, clientConn := net.Pipe()
	go func() {
		serverConn.Write(framed.Bytes())
		serverConn.Close()
	}()

	api := &fakeAPI{
		createID:   "abc123",
		attachResp: types.HijackedResponse{Conn: clientConn, Reader: bufio.NewReader(clientConn)},
	}
	c := newClient(api)
	h, err := c.Create(context.Background(), sandbox.Request{Command: []string{"true"}})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	streams, err := c.Attach(context.Background(), h)
	if err != nil {
		t.Fatalf("Attach returned error: %v", err)
	}

	stdout, err := io.ReadAll(streams.Stdout)
	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("read stdout: %v", err)
	}
	if string(stdout) != "hello\n" {
		t.Fatalf("unexpected stdout %q", stdout)
	}
	stderr, err := io.ReadAll(streams.Stderr)
	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("read stderr: %v", err)
	}
	if string(stderr) != "oops\n" {
		t.Fatalf("unexpected stderr %q", stderr)
	}
}

func TestWaitReportsExitCode(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{createID: "abc123", waitCode: 7}
	c := newClient(api)
	h, err := c.Create(context.Background(), sandbox.Request{Command: []string{"true"}})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := c.Start(context.Background(), h); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcome, err := c.Wait(ctx, h)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if outcome.Code != 7 {
		t.Fatalf("expected exit code 7, got %d", outcome.Code)
	}
}

func TestRemoveToleratesAutoRemovedContainer(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{createID: "abc123", removeErr: notFoundError{}}
	c := newClient(api)
	h, err := c.Create(context.Background(), sandbox.Request{Command: []string{"true"}})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := c.Remove(context.Background(), h); err != nil {
		t.Fatalf("Remove must tolerate an auto-removed container, got %v", err)
	}
	if api.removed != 1 {
		t.Fatalf("remove called %d times", api.removed)
	}
}
