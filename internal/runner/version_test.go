package runner

import "testing"

func TestSetVersion(t *testing.T) {
	original := productVersion
	t.Cleanup(func() { productVersion = original })

	SetVersion("1.2.3")
	if Version() != "1.2.3" {
		t.Fatalf("Version() = %q, want 1.2.3", Version())
	}

	SetVersion("")
	if Version() != "1.2.3" {
		t.Fatal("empty version string must not clobber the recorded one")
	}
}
