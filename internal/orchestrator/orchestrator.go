// Package orchestrator drives the state machine that decides, for one
// cached repodata file, whether to serve from disk, revalidate, apply
// JLAP patches, or fetch fresh JSON — and keeps the state sidecar and
// the on-disk JSON consistent while doing it. Grounded on original
// conda's conda/core/subdir_data.py (SubdirData._load) and
// conda/gateways/repodata/jlapper.py (request_url_jlap_state).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nimbus-pm/repocore/internal/fetch"
	"github.com/nimbus-pm/repocore/internal/hash"
	"github.com/nimbus-pm/repocore/internal/jlap"
	"github.com/nimbus-pm/repocore/internal/patch"
	"github.com/nimbus-pm/repocore/internal/state"
)

// Outcome is the terminal result of Load: the final state record,
// the indexable JSON bytes, and whether any network I/O happened.
type Outcome struct {
	State       state.Record
	Data        []byte
	FromNetwork bool

	// Format names which acquisition path produced Data: "index-cache",
	// "cache" (fresh enough, no network), "offline-empty", "jlap", "zst",
	// "full", "s3", or one of "jlap-not-modified", "zst-not-modified",
	// "full-not-modified", "s3-not-modified" for a revalidation that
	// kept the cached body. Used only for telemetry classification
	// (SPEC_FULL.md §4); no component branches on it.
	Format string
}

// Options configures one channel's acquisition. URL is the directory
// URL the repodata file and its JLAP/zst siblings live under (must
// end in "/"); RepodataFilename defaults to "repodata.json" when
// empty.
type Options struct {
	URL              string
	RepodataFilename string

	UseIndexCache bool
	Offline       bool
	LocalTTL      time.Duration

	// DisableJLAP skips straight to the zst/full negotiation ladder,
	// bypassing tryJLAP entirely regardless of rec.HasJLAP (spec.md §6).
	DisableJLAP bool

	Hasher hash.Hasher
	HTTP   *fetch.Client

	// S3 and S3Key select the object-store backend in place of HTTP
	// when set (spec.md §5 open question: channels backed by a private
	// bucket rather than plain HTTP). JLAP and zst negotiation are
	// HTTP-only concerns in the original and are skipped entirely for
	// S3-backed channels; only the plain-document path applies.
	S3    *fetch.S3Backend
	S3Key string

	LockTimeout time.Duration
}

func (o Options) isS3Scheme() bool { return o.S3 != nil }

func (o Options) filename() string {
	if o.RepodataFilename == "" {
		return "repodata.json"
	}
	return o.RepodataFilename
}

func (o Options) repodataURL() string  { return joinURL(o.URL, o.filename()) }
func (o Options) zstURL() string       { return o.repodataURL() + ".zst" }
func (o Options) jlapURL() string      { return joinURL(o.URL, "repodata.jlap") }
func (o Options) isFileScheme() bool   { return strings.HasPrefix(o.URL, "file://") }

func joinURL(base, leaf string) string {
	if strings.HasSuffix(base, "/") {
		return base + leaf
	}
	return base + "/" + leaf
}

func (o Options) lockTimeout() time.Duration {
	if o.LockTimeout <= 0 {
		return 10 * time.Second
	}
	return o.LockTimeout
}

// Load runs the top-level entry decision from spec.md §4.6 and
// returns the settled outcome.
func Load(ctx context.Context, store *state.Store, opts Options) (*Outcome, error) {
	_, statErr := os.Stat(store.JSONPath)
	noJSON := statErr != nil

	if noJSON {
		if opts.Offline && !opts.isFileScheme() {
			return &Outcome{Data: []byte("{}"), Format: "offline-empty"}, nil
		}
		if opts.isS3Scheme() {
			return downloadS3AndFinish(ctx, store, opts, state.Record{})
		}
		return fullFetch(ctx, store, opts, false)
	}

	rec := store.Load()

	if opts.UseIndexCache {
		data, err := os.ReadFile(store.JSONPath)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: read cached json: %w", err)
		}
		return &Outcome{State: rec, Data: data, Format: "index-cache"}, nil
	}

	if !rec.Stale(time.Now(), opts.LocalTTL) || (opts.Offline && !opts.isFileScheme()) {
		data, err := os.ReadFile(store.JSONPath)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: read cached json: %w", err)
		}
		return &Outcome{State: rec, Data: data, Format: "cache"}, nil
	}

	if opts.isS3Scheme() {
		return downloadS3AndFinish(ctx, store, opts, rec)
	}

	return revalidate(ctx, store, opts, rec, false)
}

// downloadS3AndFinish is the whole S3-backed acquisition path: one
// HeadObject-gated conditional download, no format negotiation ladder.
func downloadS3AndFinish(ctx context.Context, store *state.Store, opts Options, rec state.Record) (*Outcome, error) {
	res, err := opts.S3.Download(ctx, opts.S3Key, store.JSONPath, rec.ETag)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: s3 download key=%s: %w", opts.S3Key, err)
	}

	if res.NotModified {
		touchMtime(store.JSONPath)
		rec = state.Refresh(rec, time.Now())
		if err := store.Save(rec); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(store.JSONPath)
		if err != nil {
			return nil, err
		}
		return &Outcome{State: rec, Data: data, Format: "s3-not-modified"}, nil
	}

	data, err := os.ReadFile(store.JSONPath)
	if err != nil {
		return nil, err
	}
	digest := opts.Hasher.Bytes(data)
	rec.ETag = res.ETag
	rec.NominalHash = digest
	rec.ActualHash = digest
	rec = state.Refresh(rec, time.Now())
	if err := store.Save(rec); err != nil {
		return nil, err
	}
	return &Outcome{State: rec, Data: data, FromNetwork: true, Format: "s3"}, nil
}

// revalidate implements spec.md §4.6 "Revalidate". retried is handed
// to tryJLAP, where it marks that the JLAP stream has already been
// re-fetched from position 0 after a parse failure.
func revalidate(ctx context.Context, store *state.Store, opts Options, rec state.Record, retried bool) (*Outcome, error) {
	hasJLAP, _ := state.HasFormat(rec.HasJLAP, time.Now())
	if hasJLAP && !opts.DisableJLAP && rec.NominalHash != "" {
		outcome, fallthroughNeeded, err := tryJLAP(ctx, store, opts, rec, retried)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			return outcome, nil
		}
		if !fallthroughNeeded {
			// has_jlap was just turned off (404/416) and persisted
			// inside tryJLAP; mirror it in rec so the save at the end
			// of the ladder keeps it.
			rec.HasJLAP = state.SetFormat(false, time.Now())
		}
	}

	hasZst, _ := state.HasFormat(rec.HasZst, time.Now())
	if hasZst {
		outcome, ok, err := tryZst(ctx, store, opts, rec)
		if err != nil {
			return nil, err
		}
		if ok {
			return outcome, nil
		}
		rec.HasZst = state.SetFormat(false, time.Now())
	}

	return downloadFullAndFinish(ctx, store, opts, rec)
}

// fullFetch implements spec.md §4.6 "FullFetch": same shape as
// Revalidate but skips JLAP and any conditional headers, since there
// is no prior nominal_hash to revalidate against.
func fullFetch(ctx context.Context, store *state.Store, opts Options, renamedOld bool) (*Outcome, error) {
	rec := state.Record{}
	outcome, ok, err := tryZst(ctx, store, opts, rec)
	if err != nil {
		return nil, err
	}
	if ok {
		return outcome, nil
	}
	rec.HasZst = state.SetFormat(false, time.Now())
	return downloadFullAndFinish(ctx, store, opts, rec)
}

func tryJLAP(ctx context.Context, store *state.Store, opts Options, rec state.Record, retried bool) (*Outcome, bool, error) {
	pos := int64(0)
	iv := ""
	if rec.JLAP != nil {
		pos = rec.JLAP.Pos
		iv = rec.JLAP.IV
	}

	body, status, err := opts.HTTP.GetRange(ctx, opts.jlapURL(), pos)
	if err != nil {
		return nil, true, nil // network failure: fall through to zst/full
	}
	if pos > 0 && !jlap.ValidRangeStatus(status) {
		return nil, true, nil
	}

	switch status {
	case http.StatusNotModified:
		touchMtime(store.JSONPath)
		rec = state.Refresh(rec, time.Now())
		if err := store.Save(rec); err != nil {
			return nil, false, err
		}
		data, err := os.ReadFile(store.JSONPath)
		if err != nil {
			return nil, false, err
		}
		return &Outcome{State: rec, Data: data, Format: "jlap-not-modified"}, false, nil
	case http.StatusNotFound, http.StatusRequestedRangeNotSatisfiable:
		rec.HasJLAP = state.SetFormat(false, time.Now())
		if err := store.Save(rec); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	if iv == "" {
		iv = strings.Repeat("0", 64)
	}
	raw := jlap.SplitLines(body)
	lines := withIV(raw, iv)
	startPos := pos
	if len(lines) > len(raw) {
		// The prepended iv line occupies no bytes of the fetched range.
		startPos -= int64(len(iv)) + 1
	}
	buf, parseErr := jlap.Parse(lines, startPos)
	if parseErr != nil {
		if pos > 0 && !retried {
			rec.JLAP = &state.JLAPState{Pos: 0, IV: strings.Repeat("0", 64)}
			return tryJLAP(ctx, store, opts, rec, true)
		}
		return nil, true, nil
	}

	localDoc, err := os.ReadFile(store.JSONPath)
	if err != nil {
		return nil, true, nil
	}

	plan, planErr := patch.Plan(buf.Patches, rec.NominalHash, buf.Footer.Latest)
	if planErr != nil {
		var notFound *patch.NotFoundError
		if errors.As(planErr, &notFound) {
			oldPath := store.JSONPath + ".old"
			os.Remove(oldPath)
			if err := os.Rename(store.JSONPath, oldPath); err != nil {
				return nil, false, fmt.Errorf("orchestrator: rename stale json: %w", err)
			}
			outcome, err := fullFetch(ctx, store, opts, true)
			return outcome, false, err
		}
		return nil, false, planErr
	}

	patched, err := patch.Apply(localDoc, plan)
	if err != nil {
		return nil, false, fmt.Errorf("orchestrator: apply patches: %w", err)
	}

	if err := os.WriteFile(store.JSONPath, patched, 0o644); err != nil {
		return nil, false, err
	}

	rec.NominalHash = buf.Footer.Latest
	rec.ActualHash = opts.Hasher.Bytes(patched)
	rec.JLAP = &state.JLAPState{Pos: buf.ResumePos, IV: buf.ResumeIV, Footer: buf.Footer.Latest}
	rec = state.Refresh(rec, time.Now())
	if err := store.Save(rec); err != nil {
		return nil, false, err
	}

	// Always return the freshly-built state along the success path
	// (spec.md §5: the source's JLAP success branch drops its return
	// value here; this path must not repeat that).
	return &Outcome{State: rec, Data: patched, FromNetwork: true, Format: "jlap"}, false, nil
}

// withIV prepends the hex iv as the synthetic first line jlap.Parse
// expects, since GetRange's body starts at the first byte after pos
// rather than re-sending the iv line itself once pos > 0.
func withIV(lines [][]byte, iv string) [][]byte {
	if len(lines) > 0 && string(lines[0]) == iv {
		return lines
	}
	out := make([][]byte, 0, len(lines)+1)
	out = append(out, []byte(iv))
	out = append(out, lines...)
	return out
}

func tryZst(ctx context.Context, store *state.Store, opts Options, rec state.Record) (*Outcome, bool, error) {
	h := opts.Hasher.New256()
	res, err := opts.HTTP.DownloadZst(ctx, opts.zstURL(), store.JSONPath, h, rec.ETag)
	if err != nil {
		var statusErr *fetch.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return finishFromResult(store, rec, res, h, "zst")
}

func downloadFullAndFinish(ctx context.Context, store *state.Store, opts Options, rec state.Record) (*Outcome, error) {
	h := opts.Hasher.New256()
	res, err := opts.HTTP.DownloadFull(ctx, opts.repodataURL(), store.JSONPath, h, rec.ETag)
	if err != nil {
		return nil, err
	}
	outcome, ok, err := finishFromResult(store, rec, res, h, "full")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("orchestrator: unexpected fetch outcome")
	}
	return outcome, nil
}

func finishFromResult(store *state.Store, rec state.Record, res fetch.Result, h interface{ Sum([]byte) []byte }, format string) (*Outcome, bool, error) {
	if res.NotModified {
		touchMtime(store.JSONPath)
		rec = state.Refresh(rec, time.Now())
		if err := store.Save(rec); err != nil {
			return nil, false, err
		}
		data, err := os.ReadFile(store.JSONPath)
		if err != nil {
			return nil, false, err
		}
		return &Outcome{State: rec, Data: data, Format: format + "-not-modified"}, true, nil
	}

	digest := fmt.Sprintf("%x", h.Sum(nil))
	rec.Mod = res.LastModified
	rec.ETag = res.ETag
	rec.CacheControl = res.CacheControl
	rec.NominalHash = digest
	rec.ActualHash = digest
	rec = state.Refresh(rec, time.Now())
	if err := store.Save(rec); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(store.JSONPath)
	if err != nil {
		return nil, false, err
	}
	return &Outcome{State: rec, Data: data, FromNetwork: true, Format: format}, true, nil
}

func touchMtime(path string) {
	now := time.Now()
	os.Chtimes(path, now, now)
}
