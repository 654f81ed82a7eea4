package repocore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nimbus-pm/repocore/internal/fetch"
	"github.com/nimbus-pm/repocore/internal/hash"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	httpClient := fetch.NewClient(opts.RemoteConnectTimeout, opts.RemoteReadTimeout)
	hasher := hash.New(hash.DefaultAlgorithm)
	r := NewRegistry(opts, httpClient, hasher, nil, NoopSink{})
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegistryGetMemoizes(t *testing.T) {
	ch, opts := newLocalChannel(t, "linux-64")
	r := newTestRegistry(t, opts)

	first := r.Get(ch)
	second := r.Get(ch)
	if first != second {
		t.Fatalf("expected Get to return the same *SubdirData for the same channel")
	}
	if r.Len() != 1 {
		t.Fatalf("expected exactly one memoized entry, got %d", r.Len())
	}
}

func TestRegistryGetDistinguishesSubdirs(t *testing.T) {
	sourceRoot := t.TempDir()
	for _, subdir := range []string{"linux-64", "noarch"} {
		dir := filepath.Join(sourceRoot, subdir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "repodata.json"), []byte(sampleRepodata), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	opts := DefaultOptions()
	opts.CacheDir = t.TempDir()
	r := newTestRegistry(t, opts)

	a := r.Get(Channel{URL: "file://" + sourceRoot, CanonicalName: "local", Subdir: "linux-64"})
	b := r.Get(Channel{URL: "file://" + sourceRoot, CanonicalName: "local", Subdir: "noarch"})
	if a == b {
		t.Fatalf("expected distinct SubdirData entries for distinct subdirs")
	}
	if r.Len() != 2 {
		t.Fatalf("expected two memoized entries, got %d", r.Len())
	}
}

func TestRegistryForgetLocalDropsFileEntries(t *testing.T) {
	ch, opts := newLocalChannel(t, "linux-64")
	r := newTestRegistry(t, opts)

	r.Get(ch)
	if r.Len() != 1 {
		t.Fatalf("expected one entry before ForgetLocal")
	}
	r.ForgetLocal()
	if r.Len() != 0 {
		t.Fatalf("expected ForgetLocal to drop the file:// entry, got %d remaining", r.Len())
	}
}

func TestRegistryStaleLocalEntryRebuildsOnMtimeChange(t *testing.T) {
	ch, opts := newLocalChannel(t, "linux-64")
	r := newTestRegistry(t, opts)

	first := r.Get(ch)

	path := filepath.Join(ch.URL[len("file://"):], ch.Subdir, "repodata.json")
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	second := r.Get(ch)
	if first == second {
		t.Fatalf("expected a newer mtime on the source file to invalidate the memoized entry")
	}
}
