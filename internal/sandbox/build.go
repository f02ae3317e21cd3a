package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// DefaultImage is the pre-built empty base image.
	DefaultImage = "empty"

	// DefaultNetwork keeps the sandbox off the network.
	DefaultNetwork = "none"

	x11SocketDir = "/tmp/.X11-unix"
)

// Options carries the raw invocation parameters the builder turns into a
// Request.
type Options struct {
	Command    []string
	Entrypoint []string

	// CallerDir is the launcher's working directory. Relative host paths
	// resolve against it.
	CallerDir string

	// WorkingDir overrides the working directory inside the container.
	WorkingDir string

	// Mounts are explicit read-only host paths; MountsWritable are explicit
	// writable ones; Volumes are explicit src:dst[:ro] mappings. When any of
	// these are supplied, only the explicit set is used and the current
	// directory is not mounted implicitly.
	Mounts         []string
	MountsWritable []string
	Volumes        []string

	// ExtraMounts are additional read-only host paths from persisted
	// configuration. Unlike the explicit sets above they do not suppress
	// the default current-directory mount.
	ExtraMounts []string

	Env     []string
	Image   string
	Network string

	Interactive bool

	// StdinIsTerminal reports whether the launcher's own stdin is a
	// terminal. Interactive is honored either way; this only controls
	// pseudo-terminal allocation.
	StdinIsTerminal bool

	// X11 exposes the host X11 socket and DISPLAY for GUI programs.
	X11 bool

	// Getenv supplies the process environment (os.Getenv outside tests).
	Getenv func(string) string
}

// Build validates the invocation parameters and produces an immutable
// Request. All rejections happen here, before any runtime call.
func Build(opts Options) (Request, error) {
	if len(opts.Command) == 0 {
		return Request{}, fmt.Errorf("%w: command is required", ErrInvalidRequest)
	}
	if opts.CallerDir == "" {
		return Request{}, fmt.Errorf("%w: caller directory is required", ErrInvalidRequest)
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	req := Request{
		Command:     opts.Command,
		Entrypoint:  opts.Entrypoint,
		Env:         append([]string(nil), opts.Env...),
		Image:       opts.Image,
		Network:     opts.Network,
		Interactive: opts.Interactive,
		TTY:         opts.Interactive && opts.StdinIsTerminal,
		Name:        anonymousName(),
	}
	if req.Image == "" {
		req.Image = DefaultImage
	}
	if req.Network == "" {
		req.Network = DefaultNetwork
	}

	mounts, err := resolveMounts(opts)
	if err != nil {
		return Request{}, err
	}
	extras, err := extraMounts(opts)
	if err != nil {
		return Request{}, err
	}
	req.Mounts = append(mounts, extras...)

	req.WorkingDir = opts.WorkingDir
	if req.WorkingDir == "" && mountsContain(mounts, opts.CallerDir) {
		req.WorkingDir = opts.CallerDir
	}

	if opts.X11 {
		if err := validateHostPath(x11SocketDir); err != nil {
			return Request{}, err
		}
		req.Mounts = append(req.Mounts, Mount{HostPath: x11SocketDir, ContainerPath: x11SocketDir})
		if display := getenv("DISPLAY"); display != "" {
			req.Env = append(req.Env, "DISPLAY="+display)
		}
	}

	return req, nil
}

// resolveMounts applies the default-mount rule: the caller's working
// directory is exposed read-write at the identical path unless any explicit
// mapping was supplied, in which case only the explicit set is used.
func resolveMounts(opts Options) ([]Mount, error) {
	explicit := len(opts.Mounts) > 0 || len(opts.MountsWritable) > 0 || len(opts.Volumes) > 0
	if !explicit {
		if err := validateHostPath(opts.CallerDir); err != nil {
			return nil, err
		}
		return []Mount{{HostPath: opts.CallerDir, ContainerPath: opts.CallerDir}}, nil
	}

	var mounts []Mount
	for _, raw := range opts.Mounts {
		m, err := pathMount(opts.CallerDir, raw, true)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}
	for _, raw := range opts.MountsWritable {
		m, err := pathMount(opts.CallerDir, raw, false)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}
	for _, raw := range opts.Volumes {
		m, err := parseVolume(opts.CallerDir, raw)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

func extraMounts(opts Options) ([]Mount, error) {
	var mounts []Mount
	for _, raw := range opts.ExtraMounts {
		m, err := pathMount(opts.CallerDir, raw, true)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

// pathMount exposes a host path at the identical path inside the container.
func pathMount(callerDir, raw string, readOnly bool) (Mount, error) {
	host, err := resolveHostPath(callerDir, raw)
	if err != nil {
		return Mount{}, err
	}
	return Mount{HostPath: host, ContainerPath: host, ReadOnly: readOnly}, nil
}

// parseVolume parses an explicit src:dst[:ro] mapping.
func parseVolume(callerDir, raw string) (Mount, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Mount{}, fmt.Errorf("%w: invalid mapping %q; expected src:dst[:ro]", ErrInvalidRequest, raw)
	}
	host, err := resolveHostPath(callerDir, parts[0])
	if err != nil {
		return Mount{}, err
	}
	container := strings.TrimSpace(parts[1])
	if container == "" || !filepath.IsAbs(container) {
		return Mount{}, fmt.Errorf("%w: container path in %q must be absolute", ErrInvalidRequest, raw)
	}
	m := Mount{HostPath: host, ContainerPath: filepath.Clean(container)}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			m.ReadOnly = true
		case "rw", "":
		default:
			return Mount{}, fmt.Errorf("%w: unknown mount mode %q in %q", ErrInvalidRequest, parts[2], raw)
		}
	}
	return m, nil
}

func resolveHostPath(callerDir, raw string) (string, error) {
	path := strings.TrimSpace(raw)
	if path == "" {
		return "", fmt.Errorf("%w: host path cannot be empty", ErrInvalidRequest)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(callerDir, path)
	}
	path = filepath.Clean(path)
	if err := validateHostPath(path); err != nil {
		return "", err
	}
	return path, nil
}

func validateHostPath(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: host path %s does not exist", ErrInvalidRequest, path)
		}
		return fmt.Errorf("%w: host path %s: %v", ErrInvalidRequest, path, err)
	}
	if err := unix.Access(path, unix.R_OK); err != nil {
		return fmt.Errorf("%w: host path %s is not readable", ErrInvalidRequest, path)
	}
	return nil
}

func mountsContain(mounts []Mount, hostPath string) bool {
	for _, m := range mounts {
		if m.HostPath == hostPath {
			return true
		}
	}
	return false
}

func anonymousName() string {
	return "contained-" + strings.Split(uuid.NewString(), "-")[0]
}
