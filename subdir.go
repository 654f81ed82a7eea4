package repocore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbus-pm/repocore/internal/cachekey"
	"github.com/nimbus-pm/repocore/internal/fetch"
	"github.com/nimbus-pm/repocore/internal/hash"
	"github.com/nimbus-pm/repocore/internal/matchspec"
	"github.com/nimbus-pm/repocore/internal/orchestrator"
	"github.com/nimbus-pm/repocore/internal/pickle"
	"github.com/nimbus-pm/repocore/internal/repodata"
	"github.com/nimbus-pm/repocore/internal/signverify"
	"github.com/nimbus-pm/repocore/internal/state"
)

// Channel identifies one (url, subdir, repodata filename) triple
// (spec.md §3). CanonicalName is the credential-free channel name used
// for Record.Channel/CanonicalName and the pickle fingerprint; URL may
// carry credentials (query parameters, basic-auth userinfo) that
// participate in the cache key but never in CanonicalName.
type Channel struct {
	URL              string
	CanonicalName    string
	Subdir           string
	RepodataFilename string
}

func (c Channel) filename() string {
	if c.RepodataFilename == "" {
		return cachekey.DefaultRepodataFilename
	}
	return c.RepodataFilename
}

func (c Channel) directoryURL() string {
	base := c.URL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + c.Subdir + "/"
}

func (c Channel) isFileScheme() bool { return strings.HasPrefix(c.URL, "file://") }
func (c Channel) isS3Scheme() bool   { return strings.HasPrefix(c.URL, "s3://") }

// sourcePath returns the filesystem path backing a file:// channel's
// repodata document, used both by the registry's fsnotify watch and by
// sourceMTime's fallback stat.
func (c Channel) sourcePath() (string, bool) {
	if !c.isFileScheme() {
		return "", false
	}
	return strings.TrimPrefix(c.directoryURL()+c.filename(), "file://"), true
}

// SubdirData is the per-(channel,subdir) facade: it owns one cache
// entry's on-disk artifacts, lazily loads and indexes them at most
// once, and serves Query against the result. Grounded on original
// conda's conda/core/subdir_data.py (SubdirData), generalized from a
// metaclass-memoized singleton into an explicit struct the registry
// memoizes (spec.md §9).
type SubdirData struct {
	Channel Channel
	opts    Options

	hasher   hash.Hasher
	http     *fetch.Client
	verifier signverify.Verifier

	// Sink receives one FetchRecord per completed Load, or is left nil
	// to record nothing (telemetry.go).
	Sink Sink

	cacheDir string

	mu        sync.Mutex
	loaded    bool
	loadErr   error
	parsed    *repodata.Parsed
	createdAt time.Time
}

// NewSubdirData constructs a facade for one channel. It does no I/O;
// the first Query or Load call triggers the lazy acquisition described
// in spec.md §4.6/§4.9.
func NewSubdirData(channel Channel, opts Options, httpClient *fetch.Client, hasher hash.Hasher, verifier signverify.Verifier) *SubdirData {
	if verifier == nil {
		verifier = signverify.NoopVerifier
	}
	return &SubdirData{
		Channel:   channel,
		opts:      opts,
		hasher:    hasher,
		http:      httpClient,
		verifier:  verifier,
		cacheDir:  opts.CacheDir,
		createdAt: time.Now(),
	}
}

func (s *SubdirData) paths() cachekey.Paths {
	return cachekey.Derive(s.cacheDir, s.Channel.directoryURL(), s.Channel.filename(), s.opts.UseOnlyTarBz2)
}

// Load runs the full acquisition-and-index pipeline at most once per
// SubdirData instance; subsequent calls return the memoized result
// (spec.md §3 "Lifecycles": "Indexes are built once on successful load
// and never mutated thereafter").
func (s *SubdirData) Load(ctx context.Context) (*repodata.Parsed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.parsed, s.loadErr
	}

	parsed, err := s.load(ctx)
	s.loaded = true
	s.parsed, s.loadErr = parsed, err
	return parsed, err
}

func (s *SubdirData) load(ctx context.Context) (*repodata.Parsed, error) {
	start := time.Now()
	paths := s.paths()
	store := state.New(paths.State, paths.JSON)

	// The orchestrator's write path (load-mutate-save) must run under
	// the sidecar lock (spec.md §4.6, §5); acquire it unconditionally
	// here rather than only on the network path, since the orchestrator
	// itself may decide to write (a 304 still touches mtime/refresh_ns).
	lockTimeout := 10 * time.Second
	fl, err := store.Lock(lockTimeout)
	if err != nil {
		if os.IsPermission(err) {
			return nil, &CacheNotWritableError{URL: s.Channel.directoryURL(), Err: err}
		}
		return nil, fmt.Errorf("repocore: acquire cache lock: %w", err)
	}
	defer fl.Unlock()

	var s3Backend *fetch.S3Backend
	var s3Key string
	if s.Channel.isS3Scheme() {
		if s.opts.S3 == nil {
			return nil, fmt.Errorf("repocore: channel %s requires Options.S3 to be configured", s.Channel.directoryURL())
		}
		backend, err := fetch.NewS3Backend(ctx, *s.opts.S3)
		if err != nil {
			return nil, fmt.Errorf("repocore: build s3 backend: %w", err)
		}
		s3Backend = backend
		s3Key = backend.BuildKey(s.Channel.Subdir, s.Channel.filename())
	}

	outcome, err := orchestrator.Load(ctx, store, orchestrator.Options{
		URL:              s.Channel.directoryURL(),
		RepodataFilename: s.Channel.RepodataFilename,
		UseIndexCache:    s.opts.UseIndexCache,
		Offline:          s.opts.Offline,
		LocalTTL:         s.opts.LocalRepodataTTL,
		DisableJLAP:      s.opts.DisableJLAP,
		Hasher:           s.hasher,
		HTTP:             s.http,
		S3:               s3Backend,
		S3Key:            s3Key,
		LockTimeout:      lockTimeout,
	})
	if err != nil {
		if os.IsPermission(err) {
			return nil, &CacheNotWritableError{URL: s.Channel.directoryURL(), Err: err}
		}
		return nil, s.classifyFetchError(err)
	}

	fp := pickle.Fingerprint{
		URL:                      s.Channel.directoryURL(),
		ChannelName:              s.Channel.CanonicalName,
		AddPipAsPythonDependency: s.opts.AddPipAsPythonDependency,
		Mod:                      outcome.State.Mod,
		ETag:                     outcome.State.ETag,
		RepodataFilename:         s.Channel.filename(),
	}

	// The sidecar is never the sole source of truth: only trust it when
	// the JSON it was fingerprinted against is still on disk (spec.md
	// §4.8). outcome.Data already confirms the JSON exists and is what
	// we'd otherwise re-parse, so this is purely a fast-path.
	if !outcome.FromNetwork {
		if cached, err := pickle.Load(paths.Q, paths.JSON, fp); err == nil {
			s.recordTelemetry(ctx, OutcomeCacheHit, 0, start)
			return cached, nil
		}
	}

	parsed, err := repodata.Parse(outcome.Data, s.Channel.Subdir, repodata.Options{
		ChannelURL:               s.Channel.directoryURL(),
		ChannelName:              s.Channel.CanonicalName,
		UseOnlyTarBz2:            s.opts.UseOnlyTarBz2,
		AddPipAsPythonDependency: s.opts.AddPipAsPythonDependency,
		Verifier:                 s.verifier,
	})
	if err != nil {
		var upgrade *repodata.UpgradeError
		if errors.As(err, &upgrade) {
			return nil, &UnsupportedRepodataVersionError{URL: s.Channel.directoryURL(), Version: upgrade.Version}
		}
		return nil, &RepodataCorruptError{URL: s.Channel.directoryURL(), Err: err}
	}

	if err := pickle.Save(paths.Q, fp, parsed); err != nil {
		// The sidecar is a fast-path cache, not the source of truth;
		// failing to write it is not fatal to this load.
		_ = err
	}

	s.recordTelemetry(ctx, classifyOutcome(outcome.Format), int64(len(outcome.Data)), start)
	return parsed, nil
}

// classifyFetchError translates an orchestrator/fetch-layer failure
// into the boundary error taxonomy (spec.md §6/§7): an unexpected HTTP
// status becomes HTTPStatusError, a transport-level failure (DNS,
// connection refused, timeout) becomes NetworkUnavailableError, and
// anything else is wrapped generically.
func (s *SubdirData) classifyFetchError(err error) error {
	var statusErr *fetch.StatusError
	if errors.As(err, &statusErr) {
		return &HTTPStatusError{URL: s.Channel.directoryURL(), StatusCode: statusErr.StatusCode}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &NetworkUnavailableError{URL: s.Channel.directoryURL(), Err: err}
	}
	return fmt.Errorf("repocore: acquire %s: %w", s.Channel.directoryURL(), err)
}

func classifyOutcome(format string) FetchOutcome {
	switch format {
	case "jlap":
		return OutcomeJLAPPatched
	case "zst":
		return OutcomeZstFull
	case "full", "s3":
		return OutcomeJSONFull
	case "s3-not-modified":
		return OutcomeFresh
	default:
		return OutcomeFresh
	}
}

func (s *SubdirData) recordTelemetry(ctx context.Context, outcome FetchOutcome, bytesTransferred int64, start time.Time) {
	if s.Sink == nil {
		return
	}
	_ = s.Sink.Record(ctx, FetchRecord{
		ID:               uuid.NewString(),
		ChannelURL:       s.Channel.directoryURL(),
		Subdir:           s.Channel.Subdir,
		Outcome:          outcome,
		BytesTransferred: bytesTransferred,
		Latency:          time.Since(start),
		Timestamp:        start,
	})
}

// Query runs predicate against the loaded index, choosing a single
// index to scan per spec.md §4.9 so each record is offered at most
// once (P6) even when more than one index could surface it.
func (s *SubdirData) Query(ctx context.Context, predicate matchspec.Predicate) ([]*repodata.Record, error) {
	parsed, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return queryParsed(parsed, predicate), nil
}

func queryParsed(parsed *repodata.Parsed, predicate matchspec.Predicate) []*repodata.Record {
	var out []*repodata.Record
	if name, ok := predicate.ExactName(); ok {
		for _, rec := range parsed.ByName[name] {
			if predicate.Match(rec) {
				out = append(out, rec)
			}
		}
		return out
	}
	if features, ok := predicate.ExactTrackFeatures(); ok {
		seen := make(map[*repodata.Record]bool)
		for _, f := range features {
			for _, rec := range parsed.ByTrackFeature[f] {
				if seen[rec] {
					continue
				}
				if predicate.Match(rec) {
					seen[rec] = true
					out = append(out, rec)
				}
			}
		}
		return out
	}
	for _, rec := range parsed.Records {
		if predicate.Match(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// sourceMTime returns the mtime of the channel's JSON source, used by
// the registry's file:// invalidation rule (spec.md §3, §9). Only
// meaningful for file:// channels.
func (s *SubdirData) sourceMTime() (time.Time, bool) {
	path, ok := s.Channel.sourcePath()
	if !ok {
		return time.Time{}, false
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}
