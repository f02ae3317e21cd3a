// Package runner is the command-line front end and lifecycle coordinator
// for sandbox runs.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/mikaelstaldal/contained/internal/configstore"
	"github.com/mikaelstaldal/contained/internal/endpoint"
	"github.com/mikaelstaldal/contained/internal/engine"
	"github.com/mikaelstaldal/contained/internal/engine/bwrap"
	"github.com/mikaelstaldal/contained/internal/engine/dockerapi"
	"github.com/mikaelstaldal/contained/internal/engine/podmancli"
	"github.com/mikaelstaldal/contained/internal/sandbox"
	"github.com/mikaelstaldal/contained/internal/telemetry/otel"
)

const defaultEngine = "docker"

type options struct {
	engineName      string
	image           string
	network         string
	workdir         string
	entrypoint      string
	envVars         []string
	mounts          []string
	mountsWritable  []string
	volumes         []string
	currentDir      bool
	currentDirWrite bool
	noInteractive   bool
	x11             bool
	verbose         bool
	command         []string
}

type config struct {
	callerDir   string
	engineName  string
	image       string
	network     string
	extraEnv    []string
	extraMounts []string
}

// ExitCodeError propagates the exact exit status produced by the sandboxed
// command. Returning a plain error would flatten every failure to exit code
// 1; this wrapper keeps the original status while still fitting into our
// error handling.
type ExitCodeError struct {
	code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.code)
}

func (e *ExitCodeError) ExitCode() int {
	return e.code
}

// SignalError reports that the sandboxed command was terminated by a
// signal. main re-raises it so the launcher's own exit disposition matches
// the container's.
type SignalError struct {
	sig unix.Signal
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("command terminated by signal %s", unix.SignalName(e.sig))
}

func (e *SignalError) Signal() unix.Signal {
	return e.sig
}

// Main runs one sandbox invocation using the provided argv slice. When args
// is empty, os.Args is used to mirror standard command invocation.
func Main(args []string) error {
	if len(args) == 0 {
		args = os.Args
	}
	name := commandName(args)
	return execute(name, args[1:])
}

func execute(cmdName string, args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		if errors.Is(err, errShowUsage) {
			fmt.Println(usage(cmdName))
			return nil
		}
		return err
	}

	if len(opts.command) == 0 {
		return fmt.Errorf("a command is required; provide one after '--'")
	}

	callerDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determine working directory: %w", err)
	}

	cfg, err := loadConfig(callerDir, opts)
	if err != nil {
		return err
	}

	mounts := opts.mounts
	if opts.currentDir {
		mounts = append(mounts, callerDir)
	}
	mountsWritable := opts.mountsWritable
	if opts.currentDirWrite {
		mountsWritable = append(mountsWritable, callerDir)
	}
	var entrypoint []string
	if opts.entrypoint != "" {
		entrypoint = []string{opts.entrypoint}
	}

	req, err := sandbox.Build(sandbox.Options{
		Command:         opts.command,
		Entrypoint:      entrypoint,
		CallerDir:       cfg.callerDir,
		WorkingDir:      opts.workdir,
		Mounts:          mounts,
		MountsWritable:  mountsWritable,
		Volumes:         opts.volumes,
		ExtraMounts:     cfg.extraMounts,
		Env:             append(cfg.extraEnv, resolveEnvSpecs(opts.envVars)...),
		Image:           cfg.image,
		Network:         cfg.network,
		Interactive:     !opts.noInteractive,
		StdinIsTerminal: term.IsTerminal(int(os.Stdin.Fd())),
		X11:             opts.x11,
	})
	if err != nil {
		return err
	}

	ep, err := endpoint.Resolve(cfg.engineName, os.Getenv)
	if err != nil {
		return err
	}

	client, err := newEngineClient(cfg.engineName, ep)
	if err != nil {
		return err
	}

	ctx := context.Background()
	provider, err := otel.Setup(ctx, otel.LoadConfigFromEnv())
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			log.Printf("shutdown tracing: %v", err)
		}
	}()

	logger := log.New(os.Stderr, "", 0)
	coord := newCoordinator(client, logger, opts.verbose, provider.Tracer())

	if req.TTY {
		fd := int(os.Stdin.Fd())
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set terminal raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	outcome, err := coord.run(ctx, req, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	if outcome.Signal != 0 {
		return &SignalError{sig: outcome.Signal}
	}
	if outcome.Code != 0 {
		return &ExitCodeError{code: outcome.Code}
	}
	return nil
}

var errShowUsage = errors.New("show usage")

func usage(cmdName string) string {
	return fmt.Sprintf(`Usage: %s [flags] [--] command [args...]

Run a command inside an ephemeral container, without building an image for
it. The container starts from a pre-built empty base image, the caller's
working directory is mounted read-write unless explicit mounts are given,
and the container is removed when the command exits. The launcher's exit
code mirrors the command's.

Flags:
  --engine <name>               Container engine: docker, podman or bwrap (defaults to %s).
  --image <name[:tag]>          Base image reference (defaults to %q).
  --network <mode>              Container network mode (defaults to %q).
  -m, --mount <path>            Mount a host path read-only (repeatable; suppresses the default mount).
  -M, --mount-writable <path>   Mount a host path writable (repeatable; suppresses the default mount).
  -v, --volume <src:dst[:ro]>   Explicit mount mapping (repeatable; suppresses the default mount).
  --current-dir                 Mount the current directory read-only alongside explicit mounts.
  --current-dir-writable        Mount the current directory writable alongside explicit mounts.
  --entrypoint <path>           Override the entrypoint; the command becomes its arguments.
  -e, --env <key[=value]>       Set an environment variable inside the container (repeatable).
  -w, --workdir <dir>           Working directory inside the container.
  -I, --no-interactive          Do not attach stdin.
  -X, --x11                     Expose the host X11 socket and DISPLAY.
  -V, --verbose                 Enable verbose logging.

Environment variables:
  CONTAINED_HOST                Remote runtime endpoint (scheme-qualified URL).
  CONTAINED_ENGINE              Default container engine.
  CONTAINED_IMAGE               Default base image reference.
  CONTAINED_NETWORK             Default network mode.
  CONTAINED_TRACE               Emit lifecycle trace spans to stderr.
  CONTAINED_HOME                Base directory for persisted configuration.

Persisted defaults live at $XDG_CONFIG_HOME/contained/config.toml (or
~/.config/contained/config.toml).`, cmdName, defaultEngine, sandbox.DefaultImage, sandbox.DefaultNetwork)
}

func commandName(args []string) string {
	if len(args) == 0 {
		return "contained"
	}
	name := strings.TrimSpace(args[0])
	if name == "" {
		return "contained"
	}
	return filepath.Base(name)
}

func parseArgs(args []string) (options, error) {
	opts := options{}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "--current-dir":
			if opts.currentDirWrite {
				return opts, fmt.Errorf("--current-dir and --current-dir-writable cannot be combined")
			}
			opts.currentDir = true
		case "--current-dir-writable":
			if opts.currentDir {
				return opts, fmt.Errorf("--current-dir and --current-dir-writable cannot be combined")
			}
			opts.currentDirWrite = true
		case "--entrypoint":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing argument for %s", arg)
			}
			opts.entrypoint = args[i+1]
			i++
		case "-I", "--no-interactive":
			opts.noInteractive = true
		case "-X", "--x11":
			opts.x11 = true
		case "-V", "--verbose":
			opts.verbose = true
		case "-e", "--env":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing argument for %s", arg)
			}
			if err := appendEnvSpec(&opts, args[i+1]); err != nil {
				return opts, err
			}
			i++
		case "-m", "--mount":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing argument for %s", arg)
			}
			opts.mounts = append(opts.mounts, args[i+1])
			i++
		case "-M", "--mount-writable":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing argument for %s", arg)
			}
			opts.mountsWritable = append(opts.mountsWritable, args[i+1])
			i++
		case "-v":
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") && strings.Contains(args[i+1], ":") {
				opts.volumes = append(opts.volumes, args[i+1])
				i++
				break
			}
			opts.verbose = true
		case "--volume":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing argument for %s", arg)
			}
			value := args[i+1]
			if !strings.Contains(value, ":") {
				return opts, fmt.Errorf("invalid volume mount %q; expected src:dst[:ro]", value)
			}
			opts.volumes = append(opts.volumes, value)
			i++
		case "-w", "--workdir":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing argument for %s", arg)
			}
			opts.workdir = args[i+1]
			i++
		case "--engine":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing argument for %s", arg)
			}
			opts.engineName = strings.TrimSpace(args[i+1])
			i++
		case "--image":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing argument for %s", arg)
			}
			opts.image = strings.TrimSpace(args[i+1])
			i++
		case "--network":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing argument for %s", arg)
			}
			opts.network = strings.TrimSpace(args[i+1])
			i++
		case "-h", "--help", "help":
			return opts, errShowUsage
		case "--":
			opts.command = append(opts.command, args[i+1:]...)
			return opts, nil
		default:
			switch {
			case strings.HasPrefix(arg, "--engine="):
				opts.engineName = strings.TrimPrefix(arg, "--engine=")
			case strings.HasPrefix(arg, "--image="):
				opts.image = strings.TrimPrefix(arg, "--image=")
			case strings.HasPrefix(arg, "--network="):
				opts.network = strings.TrimPrefix(arg, "--network=")
			case strings.HasPrefix(arg, "--entrypoint="):
				opts.entrypoint = strings.TrimPrefix(arg, "--entrypoint=")
			case strings.HasPrefix(arg, "--workdir="):
				opts.workdir = strings.TrimPrefix(arg, "--workdir=")
			case strings.HasPrefix(arg, "-w="):
				opts.workdir = strings.TrimPrefix(arg, "-w=")
			case strings.HasPrefix(arg, "--mount="):
				opts.mounts = append(opts.mounts, strings.TrimPrefix(arg, "--mount="))
			case strings.HasPrefix(arg, "-m="):
				opts.mounts = append(opts.mounts, strings.TrimPrefix(arg, "-m="))
			case strings.HasPrefix(arg, "--mount-writable="):
				opts.mountsWritable = append(opts.mountsWritable, strings.TrimPrefix(arg, "--mount-writable="))
			case strings.HasPrefix(arg, "-M="):
				opts.mountsWritable = append(opts.mountsWritable, strings.TrimPrefix(arg, "-M="))
			case strings.HasPrefix(arg, "--volume="), strings.HasPrefix(arg, "-v="):
				value := strings.TrimPrefix(strings.TrimPrefix(arg, "--volume="), "-v=")
				if value == "" || !strings.Contains(value, ":") {
					return opts, fmt.Errorf("invalid volume mount %q; expected src:dst[:ro]", value)
				}
				opts.volumes = append(opts.volumes, value)
			case strings.HasPrefix(arg, "--env="):
				if err := appendEnvSpec(&opts, strings.TrimPrefix(arg, "--env=")); err != nil {
					return opts, err
				}
			case strings.HasPrefix(arg, "-e="):
				if err := appendEnvSpec(&opts, strings.TrimPrefix(arg, "-e=")); err != nil {
					return opts, err
				}
			default:
				if strings.HasPrefix(arg, "-") {
					return opts, fmt.Errorf("unknown flag: %s", arg)
				}
				opts.command = append(opts.command, args[i:]...)
				return opts, nil
			}
		}
	}
	return opts, nil
}

func appendEnvSpec(opts *options, spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return fmt.Errorf("environment variable specification cannot be empty")
	}
	if strings.HasPrefix(spec, "-") {
		return fmt.Errorf("environment variable specification %q must not start with '-'; did you forget the value?", spec)
	}
	if strings.HasPrefix(spec, "=") {
		return fmt.Errorf("environment variable name is required in %q", spec)
	}
	opts.envVars = append(opts.envVars, spec)
	return nil
}

// resolveEnvSpecs turns key-only specs into KEY=VALUE pairs using the
// launcher's own environment; unset keys are dropped.
func resolveEnvSpecs(specs []string) []string {
	resolved := make([]string, 0, len(specs))
	for _, spec := range specs {
		if strings.Contains(spec, "=") {
			resolved = append(resolved, spec)
			continue
		}
		if value, ok := os.LookupEnv(spec); ok {
			resolved = append(resolved, spec+"="+value)
		}
	}
	return resolved
}

// loadConfig layers compiled-in defaults, the persisted config file,
// environment overrides and command-line flags, in that order.
func loadConfig(callerDir string, opts options) (config, error) {
	stored, err := configstore.Load()
	if err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}

	cfg := config{
		callerDir:   callerDir,
		engineName:  defaultEngine,
		image:       sandbox.DefaultImage,
		network:     sandbox.DefaultNetwork,
		extraMounts: stored.Mounts,
	}

	if stored.Engine != "" {
		cfg.engineName = stored.Engine
	}
	if stored.Image != "" {
		cfg.image = stored.Image
	}
	if stored.Network != "" {
		cfg.network = stored.Network
	}
	cfg.extraEnv = envPairs(stored.Env)

	if v := strings.TrimSpace(os.Getenv("CONTAINED_ENGINE")); v != "" {
		cfg.engineName = v
	}
	if v := strings.TrimSpace(os.Getenv("CONTAINED_IMAGE")); v != "" {
		cfg.image = v
	}
	if v := strings.TrimSpace(os.Getenv("CONTAINED_NETWORK")); v != "" {
		cfg.network = v
	}

	if opts.engineName != "" {
		cfg.engineName = opts.engineName
	}
	if opts.image != "" {
		cfg.image = opts.image
	}
	if opts.network != "" {
		cfg.network = opts.network
	}

	switch cfg.engineName {
	case "docker", "podman", "bwrap":
	default:
		return config{}, fmt.Errorf("unknown engine %q (supported: docker, podman, bwrap)", cfg.engineName)
	}
	return cfg, nil
}

func envPairs(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+env[key])
	}
	return pairs
}

func newEngineClient(engineName string, ep endpoint.Endpoint) (engine.Client, error) {
	switch engineName {
	case "docker":
		return dockerapi.New(ep)
	case "podman":
		return podmancli.New(ep), nil
	case "bwrap":
		return bwrap.New(), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", engineName)
	}
}
