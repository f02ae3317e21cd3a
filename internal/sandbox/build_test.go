package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildRejectsEmptyCommand(t *testing.T) {
	t.Parallel()

	_, err := Build(Options{CallerDir: t.TempDir()})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestBuildDefaultsMountCurrentDirWritable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	req, err := Build(Options{Command: []string{"echo", "hello"}, CallerDir: dir})
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	if len(req.Mounts) != 1 {
		t.Fatalf("expected a single default mount, got %d", len(req.Mounts))
	}
	m := req.Mounts[0]
	if m.HostPath != dir || m.ContainerPath != dir {
		t.Fatalf("default mount should expose %s at the identical path, got %+v", dir, m)
	}
	if m.ReadOnly {
		t.Fatal("default mount must be read-write")
	}
	if req.WorkingDir != dir {
		t.Fatalf("expected working dir %s, got %q", dir, req.WorkingDir)
	}
}

func TestBuildExplicitMountsSuppressDefault(t *testing.T) {
	t.Parallel()

	caller := t.TempDir()
	extra := t.TempDir()
	req, err := Build(Options{
		Command:   []string{"ls"},
		CallerDir: caller,
		Mounts:    []string{extra},
	})
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	if len(req.Mounts) != 1 {
		t.Fatalf("expected only the explicit mount, got %+v", req.Mounts)
	}
	if req.Mounts[0].HostPath != extra || !req.Mounts[0].ReadOnly {
		t.Fatalf("unexpected mount: %+v", req.Mounts[0])
	}
	if req.WorkingDir != "" {
		t.Fatalf("expected image-default working dir, got %q", req.WorkingDir)
	}
}

func TestBuildExtraMountsKeepDefault(t *testing.T) {
	t.Parallel()

	caller := t.TempDir()
	fonts := t.TempDir()
	req, err := Build(Options{
		Command:     []string{"ls"},
		CallerDir:   caller,
		ExtraMounts: []string{fonts},
	})
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	if len(req.Mounts) != 2 {
		t.Fatalf("expected default mount plus extra, got %+v", req.Mounts)
	}
	if req.Mounts[0].HostPath != caller || req.Mounts[0].ReadOnly {
		t.Fatalf("default mount missing or read-only: %+v", req.Mounts[0])
	}
	if req.Mounts[1].HostPath != fonts || !req.Mounts[1].ReadOnly {
		t.Fatalf("extra mount should be read-only at %s, got %+v", fonts, req.Mounts[1])
	}
}

func TestBuildResolvesRelativeHostPaths(t *testing.T) {
	t.Parallel()

	caller := t.TempDir()
	if err := os.Mkdir(filepath.Join(caller, "data"), 0o755); err != nil {
		t.Fatal(err)
	}

	req, err := Build(Options{
		Command:   []string{"cat"},
		CallerDir: caller,
		Mounts:    []string{"data"},
	})
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	want := filepath.Join(caller, "data")
	if req.Mounts[0].HostPath != want {
		t.Fatalf("expected resolved path %s, got %s", want, req.Mounts[0].HostPath)
	}
}

func TestBuildRejectsMissingHostPath(t *testing.T) {
	t.Parallel()

	_, err := Build(Options{
		Command:   []string{"ls"},
		CallerDir: t.TempDir(),
		Mounts:    []string{"/does/not/exist"},
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for missing path, got %v", err)
	}
}

func TestBuildVolumeMappings(t *testing.T) {
	t.Parallel()

	caller := t.TempDir()
	cases := []struct {
		name     string
		volume   string
		wantErr  bool
		readOnly bool
	}{
		{name: "read-write", volume: caller + ":/work"},
		{name: "read-only", volume: caller + ":/work:ro", readOnly: true},
		{name: "missing destination", volume: caller, wantErr: true},
		{name: "relative destination", volume: caller + ":work", wantErr: true},
		{name: "bad mode", volume: caller + ":/work:zz", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req, err := Build(Options{
				Command:   []string{"true"},
				CallerDir: caller,
				Volumes:   []string{tc.volume},
			})
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Fatalf("expected ErrInvalidRequest, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Build returned error: %v", err)
			}
			if req.Mounts[0].ReadOnly != tc.readOnly {
				t.Fatalf("unexpected read-only flag: %+v", req.Mounts[0])
			}
			if req.Mounts[0].ContainerPath != "/work" {
				t.Fatalf("unexpected container path: %+v", req.Mounts[0])
			}
		})
	}
}

func TestBuildInteractivityNotDowngraded(t *testing.T) {
	t.Parallel()

	req, err := Build(Options{
		Command:     []string{"sh"},
		CallerDir:   t.TempDir(),
		Interactive: true,
	})
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if !req.Interactive {
		t.Fatal("interactive must stay requested even when stdin is not a terminal")
	}
	if req.TTY {
		t.Fatal("a pseudo-terminal must only be allocated when stdin is a terminal")
	}

	req, err = Build(Options{
		Command:         []string{"sh"},
		CallerDir:       t.TempDir(),
		Interactive:     true,
		StdinIsTerminal: true,
	})
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if !req.TTY {
		t.Fatal("expected TTY when interactive and stdin is a terminal")
	}
}

func TestBuildDefaults(t *testing.T) {
	t.Parallel()

	req, err := Build(Options{Command: []string{"true"}, CallerDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if req.Image != DefaultImage {
		t.Fatalf("expected default image %q, got %q", DefaultImage, req.Image)
	}
	if req.Network != DefaultNetwork {
		t.Fatalf("expected default network %q, got %q", DefaultNetwork, req.Network)
	}
	if !strings.HasPrefix(req.Name, "contained-") {
		t.Fatalf("expected anonymous contained- name, got %q", req.Name)
	}
}

func TestMountString(t *testing.T) {
	t.Parallel()

	m := Mount{HostPath: "/src", ContainerPath: "/dst"}
	if got := m.String(); got != "/src:/dst" {
		t.Fatalf("unexpected mount string %q", got)
	}
	m.ReadOnly = true
	if got := m.String(); got != "/src:/dst:ro" {
		t.Fatalf("unexpected read-only mount string %q", got)
	}
}
