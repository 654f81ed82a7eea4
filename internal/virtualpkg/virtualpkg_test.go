package virtualpkg

import "testing"

func TestLinuxOverrideWins(t *testing.T) {
	t.Setenv("CONDA_OVERRIDE_LINUX", "5.10.0")
	version, ok := Linux()
	if !ok || version != "5.10.0" {
		t.Fatalf("expected the override to win, got (%q, %v)", version, ok)
	}
}

func TestLinuxEmptyOverrideDisables(t *testing.T) {
	t.Setenv("CONDA_OVERRIDE_LINUX", "")
	_, ok := Linux()
	if ok {
		t.Fatalf("expected a set-but-empty override to disable the virtual package entirely")
	}
}

func TestLibcOverrideWins(t *testing.T) {
	t.Setenv("CONDA_OVERRIDE_GLIBC", "2.35")
	name, version, ok := Libc()
	if !ok || name != "glibc" || version != "2.35" {
		t.Fatalf("expected (glibc, 2.35, true), got (%q, %q, %v)", name, version, ok)
	}
}

func TestLibcAbsentByDefault(t *testing.T) {
	_, _, ok := Libc()
	if ok {
		t.Fatalf("expected Libc to report false when no override is set")
	}
}
