package bwrap

import (
	"os"
	"sort"
	"strings"

	"github.com/mikaelstaldal/contained/internal/sandbox"
)

// buildArgs synthesizes the bubblewrap argument list for a request. The
// host's /usr and /etc are exposed read-only as the execution root; the
// base image reference does not apply to this engine.
func buildArgs(req sandbox.Request) []string {
	args := []string{
		"--die-with-parent",
		"--unshare-all",
	}
	if req.Network != "" && req.Network != "none" {
		args = append(args, "--share-net")
	}

	args = append(args,
		"--ro-bind", "/usr", "/usr",
		"--ro-bind", "/etc", "/etc",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
	)
	for _, dir := range []string{"/bin", "/sbin", "/lib", "/lib64"} {
		args = append(args, usrMergeArgs(dir)...)
	}

	for _, m := range req.Mounts {
		if m.ReadOnly {
			args = append(args, "--ro-bind", m.HostPath, m.ContainerPath)
		} else {
			args = append(args, "--bind", m.HostPath, m.ContainerPath)
		}
	}

	args = append(args, "--clearenv")
	args = append(args, envArgs(req.Env)...)

	if req.WorkingDir != "" {
		args = append(args, "--chdir", req.WorkingDir)
	}

	args = append(args, "--")
	argv := req.Entrypoint
	if len(argv) == 0 {
		argv = req.Command
	} else {
		argv = append(append([]string(nil), argv...), req.Command...)
	}
	return append(args, argv...)
}

// usrMergeArgs reproduces the host's usr-merge layout: a symlink on the
// host becomes a symlink in the sandbox, a real directory a read-only bind.
func usrMergeArgs(dir string) []string {
	target, err := os.Readlink(dir)
	if err == nil {
		return []string{"--symlink", target, dir}
	}
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	return []string{"--ro-bind", dir, dir}
}

// envArgs emits --setenv pairs in deterministic order.
func envArgs(env []string) []string {
	vars := make(map[string]string, len(env))
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		vars[key] = value
	}
	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	args := make([]string, 0, 3*len(keys))
	for _, key := range keys {
		args = append(args, "--setenv", key, vars[key])
	}
	return args
}
