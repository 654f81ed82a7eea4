// Package virtualpkg detects solver-facing virtual packages from the
// host environment (spec.md §6: "CONDA_OVERRIDE_LINUX,
// CONDA_OVERRIDE_<LIBC>: influence virtual-package detection
// (peripheral)"). It is a two-environment-variable read, not a
// component any example repo's dependency addresses, so it stays on
// the standard library. Grounded on original conda's
// conda/plugins/virtual_packages/specs/linux.py (override-then-probe
// fallback order).
package virtualpkg

import (
	"os"
	"runtime"
)

// Linux reports the linux kernel version virtual package, honoring
// CONDA_OVERRIDE_LINUX when set (including set-but-empty, which
// disables the virtual package entirely, matching the original).
// ok is false on non-Linux hosts with no override present.
func Linux() (version string, ok bool) {
	if v, present := os.LookupEnv("CONDA_OVERRIDE_LINUX"); present {
		if v == "" {
			return "", false
		}
		return v, true
	}
	if runtime.GOOS != "linux" {
		return "", false
	}
	v, err := probeKernelRelease()
	if err != nil {
		return "", false
	}
	return v, true
}

// Libc reports the libc flavor virtual package (e.g. "glibc") and its
// version, honoring CONDA_OVERRIDE_GLIBC. Detecting the actual libc
// version on the host is out of scope here (it requires parsing
// ldd/getconf output, itself a peripheral concern per spec.md §6); only
// the override path and the "unknown" default are implemented.
func Libc() (name, version string, ok bool) {
	if v, present := os.LookupEnv("CONDA_OVERRIDE_GLIBC"); present {
		if v == "" {
			return "", "", false
		}
		return "glibc", v, true
	}
	return "", "", false
}

func probeKernelRelease() (string, error) {
	return unameRelease()
}
