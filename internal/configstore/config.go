package configstore

// Config represents the persisted launcher defaults.
type Config struct {
	// Engine selects the container engine: "docker", "podman" or "bwrap".
	Engine string `toml:"engine,omitempty"`

	// Image is the default base image reference.
	Image string `toml:"image,omitempty"`

	// Network is the default container network mode.
	Network string `toml:"network,omitempty"`

	// Env holds environment variables passed into every sandbox.
	Env map[string]string `toml:"env,omitempty"`

	// Mounts lists host paths exposed read-only in every sandbox, in
	// addition to whatever the invocation mounts.
	Mounts []string `toml:"mounts,omitempty"`
}

// New returns a Config with initialized maps. Callers that mutate the
// configuration should always start from this constructor to avoid nil
// maps.
func New() Config {
	return Config{
		Env: make(map[string]string),
	}
}
