package repocore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/nimbus-pm/repocore/internal/fetch"
	"github.com/nimbus-pm/repocore/internal/hash"
	"github.com/nimbus-pm/repocore/internal/matchspec"
)

const sampleRepodata = `{
  "info": {"subdir": "linux-64"},
  "repodata_version": 1,
  "packages": {
    "numpy-1.26.0-py311h0.tar.bz2": {"name": "numpy", "version": "1.26.0", "build": "py311h0", "md5": "aaa", "size": 10}
  },
  "packages.conda": {
    "numpy-1.26.0-py311h0.conda": {"name": "numpy", "version": "1.26.0", "build": "py311h0", "md5": "bbb", "size": 12}
  }
}`

// newLocalChannel writes a repodata.json under <root>/<subdir>/ and
// returns a file:// Channel pointing at it, plus a separate cache dir.
func newLocalChannel(t *testing.T, subdir string) (Channel, Options) {
	t.Helper()
	sourceRoot := t.TempDir()
	subdirPath := filepath.Join(sourceRoot, subdir)
	if err := os.MkdirAll(subdirPath, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(subdirPath, "repodata.json"), []byte(sampleRepodata), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ch := Channel{
		URL:           "file://" + sourceRoot,
		CanonicalName: "local-test",
		Subdir:        subdir,
	}
	opts := DefaultOptions()
	opts.CacheDir = t.TempDir()
	return ch, opts
}

func newTestSubdirData(t *testing.T, ch Channel, opts Options) *SubdirData {
	t.Helper()
	httpClient := fetch.NewClient(opts.RemoteConnectTimeout, opts.RemoteReadTimeout)
	hasher := hash.New(hash.DefaultAlgorithm)
	return NewSubdirData(ch, opts, httpClient, hasher, nil)
}

func TestSubdirDataLoadIndexesRecords(t *testing.T) {
	ch, opts := newLocalChannel(t, "linux-64")
	sd := newTestSubdirData(t, ch, opts)

	parsed, err := sd.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(parsed.Records) != 1 {
		t.Fatalf("expected 1 surviving record (the .conda entry suppresses its .tar.bz2 counterpart), got %d", len(parsed.Records))
	}
	if parsed.Records[0].Fn != "numpy-1.26.0-py311h0.conda" {
		t.Fatalf("expected the .conda entry to win the dedup, got %s", parsed.Records[0].Fn)
	}
}

func TestSubdirDataLoadIsMemoized(t *testing.T) {
	ch, opts := newLocalChannel(t, "linux-64")
	sd := newTestSubdirData(t, ch, opts)

	first, err := sd.Load(context.Background())
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}
	second, err := sd.Load(context.Background())
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if first != second {
		t.Fatalf("expected the second Load to return the memoized *Parsed, got a distinct pointer")
	}
}

func TestSubdirDataQueryByExactName(t *testing.T) {
	ch, opts := newLocalChannel(t, "linux-64")
	sd := newTestSubdirData(t, ch, opts)

	records, err := sd.Query(context.Background(), matchspec.NameSpec{Name: "numpy"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(records) != 1 || records[0].Name != "numpy" {
		t.Fatalf("expected exactly one numpy record, got %+v", records)
	}

	none, err := sd.Query(context.Background(), matchspec.NameSpec{Name: "nonexistent"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no records for an unknown name, got %+v", none)
	}
}

func TestQueryParsedTrackFeatureDedup(t *testing.T) {
	ch, opts := newLocalChannel(t, "linux-64")
	sd := newTestSubdirData(t, ch, opts)
	parsed, err := sd.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// A record advertising two features that both appear in the
	// predicate must still be offered at most once (P6).
	rec := parsed.Records[0]
	rec.TrackFeatures = []string{"nomkl", "debug"}
	parsed.ByTrackFeature["nomkl"] = append(parsed.ByTrackFeature["nomkl"], rec)
	parsed.ByTrackFeature["debug"] = append(parsed.ByTrackFeature["debug"], rec)

	out := queryParsed(parsed, matchspec.TrackFeatureSpec{Features: []string{"nomkl", "debug"}})
	count := 0
	for _, r := range out {
		if r == rec {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected the record to appear exactly once across overlapping feature indexes, got %d", count)
	}
}

func TestSubdirDataLoadTranslatesHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	opts := DefaultOptions()
	opts.CacheDir = t.TempDir()
	ch := Channel{URL: srv.URL + "/", CanonicalName: "flaky", Subdir: "linux-64"}
	sd := newTestSubdirData(t, ch, opts)

	_, err := sd.Load(context.Background())
	if err == nil {
		t.Fatalf("expected Load to fail when every endpoint returns 503")
	}
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected an *HTTPStatusError, got %T: %v", err, err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", statusErr.StatusCode)
	}
}

func TestSubdirDataLoadTranslatesNetworkUnavailableError(t *testing.T) {
	opts := DefaultOptions()
	opts.CacheDir = t.TempDir()
	// Port 1 on loopback, where nothing listens: the
	// dial fails immediately with a *net.OpError, giving a deterministic
	// network-unavailable failure without relying on an external host.
	ch := Channel{URL: "http://127.0.0.1:1/", CanonicalName: "unreachable", Subdir: "linux-64"}
	sd := newTestSubdirData(t, ch, opts)

	_, err := sd.Load(context.Background())
	if err == nil {
		t.Fatalf("expected Load to fail when the network is unreachable")
	}
	var netErr *NetworkUnavailableError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected a *NetworkUnavailableError, got %T: %v", err, err)
	}
}

func TestSubdirDataS3ChannelRequiresConfiguration(t *testing.T) {
	opts := DefaultOptions()
	opts.CacheDir = t.TempDir()
	ch := Channel{URL: "s3://some-bucket", CanonicalName: "s3-test", Subdir: "linux-64"}
	sd := newTestSubdirData(t, ch, opts)

	_, err := sd.Load(context.Background())
	if err == nil {
		t.Fatalf("expected Load to fail for an s3:// channel with no Options.S3 configured")
	}
}
