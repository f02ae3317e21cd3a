package runner

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseArgsCommandAfterSeparator(t *testing.T) {
	t.Parallel()
	opts, err := parseArgs([]string{"--image", "debian", "--", "ls", "-la", "--color"})
	if err != nil {
		t.Fatalf("parseArgs() error = %v", err)
	}
	if opts.image != "debian" {
		t.Errorf("image = %q, want %q", opts.image, "debian")
	}
	want := []string{"ls", "-la", "--color"}
	if !reflect.DeepEqual(opts.command, want) {
		t.Errorf("command = %v, want %v", opts.command, want)
	}
}

func TestParseArgsFirstBareWordStartsCommand(t *testing.T) {
	t.Parallel()
	opts, err := parseArgs([]string{"-V", "echo", "--network", "ignored"})
	if err != nil {
		t.Fatalf("parseArgs() error = %v", err)
	}
	if !opts.verbose {
		t.Error("verbose = false, want true")
	}
	want := []string{"echo", "--network", "ignored"}
	if !reflect.DeepEqual(opts.command, want) {
		t.Errorf("command = %v, want %v", opts.command, want)
	}
	if opts.network != "" {
		t.Errorf("network = %q, want empty; flags after the command belong to it", opts.network)
	}
}

func TestParseArgsRepeatableMounts(t *testing.T) {
	t.Parallel()
	opts, err := parseArgs([]string{
		"-m", "/usr/share/fonts",
		"--mount", "/etc/ssl",
		"-M", "/tmp/out",
		"--mount-writable=/var/cache/build",
		"--", "make",
	})
	if err != nil {
		t.Fatalf("parseArgs() error = %v", err)
	}
	wantRO := []string{"/usr/share/fonts", "/etc/ssl"}
	if !reflect.DeepEqual(opts.mounts, wantRO) {
		t.Errorf("mounts = %v, want %v", opts.mounts, wantRO)
	}
	wantRW := []string{"/tmp/out", "/var/cache/build"}
	if !reflect.DeepEqual(opts.mountsWritable, wantRW) {
		t.Errorf("mountsWritable = %v, want %v", opts.mountsWritable, wantRW)
	}
}

func TestParseArgsCurrentDirAndEntrypoint(t *testing.T) {
	t.Parallel()
	opts, err := parseArgs([]string{
		"--current-dir-writable",
		"--entrypoint", "/bin/sh",
		"--", "-c", "pwd",
	})
	if err != nil {
		t.Fatalf("parseArgs() error = %v", err)
	}
	if opts.currentDir || !opts.currentDirWrite {
		t.Errorf("current-dir flags = %v/%v, want false/true", opts.currentDir, opts.currentDirWrite)
	}
	if opts.entrypoint != "/bin/sh" {
		t.Errorf("entrypoint = %q, want /bin/sh", opts.entrypoint)
	}
	if !reflect.DeepEqual(opts.command, []string{"-c", "pwd"}) {
		t.Errorf("command = %v, want [-c pwd]", opts.command)
	}
}

func TestParseArgsCurrentDirFlagsConflict(t *testing.T) {
	t.Parallel()
	orders := [][]string{
		{"--current-dir", "--current-dir-writable", "--", "ls"},
		{"--current-dir-writable", "--current-dir", "--", "ls"},
	}
	for _, args := range orders {
		if _, err := parseArgs(args); err == nil {
			t.Errorf("parseArgs(%v) error = nil, want conflict rejection", args)
		}
	}
}

func TestParseArgsShortVDisambiguation(t *testing.T) {
	t.Parallel()

	opts, err := parseArgs([]string{"-v", "/data:/data:ro", "--", "ls"})
	if err != nil {
		t.Fatalf("parseArgs() error = %v", err)
	}
	if !reflect.DeepEqual(opts.volumes, []string{"/data:/data:ro"}) {
		t.Errorf("volumes = %v, want the mapping", opts.volumes)
	}
	if opts.verbose {
		t.Error("verbose = true, want false when -v takes a mapping")
	}

	opts, err = parseArgs([]string{"-v", "--", "ls"})
	if err != nil {
		t.Fatalf("parseArgs() error = %v", err)
	}
	if !opts.verbose {
		t.Error("verbose = false, want true for bare -v")
	}
	if len(opts.volumes) != 0 {
		t.Errorf("volumes = %v, want none", opts.volumes)
	}
}

func TestParseArgsVolumeRequiresMapping(t *testing.T) {
	t.Parallel()
	if _, err := parseArgs([]string{"--volume", "/just/a/path", "--", "ls"}); err == nil {
		t.Fatal("parseArgs() error = nil, want rejection of mapping without ':'")
	}
}

func TestParseArgsEnvSpecs(t *testing.T) {
	t.Parallel()
	opts, err := parseArgs([]string{"-e", "FOO=bar", "--env", "TERM", "--env=LANG=C", "--", "env"})
	if err != nil {
		t.Fatalf("parseArgs() error = %v", err)
	}
	want := []string{"FOO=bar", "TERM", "LANG=C"}
	if !reflect.DeepEqual(opts.envVars, want) {
		t.Errorf("envVars = %v, want %v", opts.envVars, want)
	}

	for _, bad := range []string{"", "=value", "-e"} {
		if _, err := parseArgs([]string{"--env", bad, "--", "env"}); err == nil {
			t.Errorf("parseArgs() accepted env spec %q, want error", bad)
		}
	}
}

func TestParseArgsUnknownFlag(t *testing.T) {
	t.Parallel()
	_, err := parseArgs([]string{"--frobnicate", "--", "ls"})
	if err == nil {
		t.Fatal("parseArgs() error = nil, want unknown flag error")
	}
	if !strings.Contains(err.Error(), "--frobnicate") {
		t.Errorf("error %q does not name the flag", err)
	}
}

func TestParseArgsMissingFlagArgument(t *testing.T) {
	t.Parallel()
	for _, flag := range []string{"--image", "--network", "--engine", "-w", "-m", "-M", "-e", "--volume"} {
		if _, err := parseArgs([]string{flag}); err == nil {
			t.Errorf("parseArgs(%q) error = nil, want missing argument error", flag)
		}
	}
}

func TestParseArgsHelp(t *testing.T) {
	t.Parallel()
	for _, arg := range []string{"-h", "--help", "help"} {
		if _, err := parseArgs([]string{arg}); err != errShowUsage {
			t.Errorf("parseArgs(%q) error = %v, want errShowUsage", arg, err)
		}
	}
}

func TestResolveEnvSpecs(t *testing.T) {
	t.Setenv("CONTAINED_TEST_PRESENT", "value")
	resolved := resolveEnvSpecs([]string{"FOO=bar", "CONTAINED_TEST_PRESENT", "CONTAINED_TEST_ABSENT"})
	want := []string{"FOO=bar", "CONTAINED_TEST_PRESENT=value"}
	if !reflect.DeepEqual(resolved, want) {
		t.Errorf("resolveEnvSpecs() = %v, want %v", resolved, want)
	}
}
