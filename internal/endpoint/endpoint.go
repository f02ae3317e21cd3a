// Package endpoint resolves which container runtime transport to use: the
// engine's default local socket, or a remote daemon URL taken verbatim from
// the environment. Resolution never probes the network or the filesystem;
// connectivity is validated lazily by the first runtime call.
package endpoint

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// EnvHost overrides the runtime endpoint with a scheme-qualified URL.
const EnvHost = "CONTAINED_HOST"

const (
	dockerSocket = "/var/run/docker.sock"
	podmanSocket = "/run/podman/podman.sock"
)

// Kind distinguishes local socket transports from remote daemon URLs.
type Kind int

const (
	KindLocal Kind = iota
	KindRemote
)

// Endpoint is the resolved transport target. Created once per process run
// and never mutated.
type Endpoint struct {
	Kind   Kind
	Socket string   // unix socket path when Kind is KindLocal
	URL    *url.URL // daemon URL when Kind is KindRemote

	// Override reports that the endpoint came from CONTAINED_HOST rather
	// than the engine's conventional default. Engines that would otherwise
	// let the runtime pick its own target must pass it along explicitly.
	Override bool
}

// String renders the endpoint the way the runtime expects a host reference.
func (e Endpoint) String() string {
	if e.Kind == KindLocal {
		return "unix://" + e.Socket
	}
	return e.URL.String()
}

// ConfigurationError reports an endpoint override that is present but not a
// well-formed endpoint string.
type ConfigurationError struct {
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s value %q: %s", EnvHost, e.Value, e.Reason)
}

// Resolve determines the endpoint for the named engine. An override in
// CONTAINED_HOST wins and is used verbatim; otherwise the engine's
// conventional local socket is assumed. getenv is os.Getenv outside tests.
func Resolve(engineName string, getenv func(string) string) (Endpoint, error) {
	if override := strings.TrimSpace(getenv(EnvHost)); override != "" {
		return parseOverride(override)
	}
	return Endpoint{Kind: KindLocal, Socket: defaultSocket(engineName, getenv)}, nil
}

func parseOverride(value string) (Endpoint, error) {
	u, err := url.Parse(value)
	if err != nil {
		return Endpoint{}, &ConfigurationError{Value: value, Reason: err.Error()}
	}
	switch u.Scheme {
	case "":
		return Endpoint{}, &ConfigurationError{Value: value, Reason: "missing scheme; expected unix://, tcp://, http(s):// or ssh://"}
	case "unix":
		path := u.Path
		if u.Host != "" {
			// unix://var/run/docker.sock puts the first segment in Host.
			path = filepath.Join("/", u.Host, u.Path)
		}
		if path == "" {
			return Endpoint{}, &ConfigurationError{Value: value, Reason: "missing socket path"}
		}
		return Endpoint{Kind: KindLocal, Socket: filepath.Clean(path), Override: true}, nil
	case "tcp", "http", "https", "ssh":
		if u.Host == "" {
			return Endpoint{}, &ConfigurationError{Value: value, Reason: "missing host"}
		}
		return Endpoint{Kind: KindRemote, URL: u, Override: true}, nil
	default:
		return Endpoint{}, &ConfigurationError{Value: value, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
}

// defaultSocket picks the engine's well-known local socket. The rootless
// podman socket lives under the user's runtime directory.
func defaultSocket(engineName string, getenv func(string) string) string {
	if engineName == "podman" {
		if runtimeDir := strings.TrimSpace(getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "podman", "podman.sock")
		}
		return podmanSocket
	}
	return dockerSocket
}
