package repocore

import (
	"context"
	"errors"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/nimbus-pm/repocore/internal/matchspec"
	"github.com/nimbus-pm/repocore/internal/repodata"
)

// ChannelSpec is one channel root the caller wants queried, before
// expansion across subdirs.
type ChannelSpec struct {
	URL              string
	CanonicalName    string
	RepodataFilename string
}

// Allowlist is the external collaborator query_all filters expanded
// channel URLs through before fetching anything (spec.md §4.9). A nil
// Allowlist permits every channel.
type Allowlist func(channel Channel) bool

// ExpandChannels materializes the channels × subdirs cross product
// (spec.md §4.9 "query_all(predicate, channels, subdirs)").
func ExpandChannels(specs []ChannelSpec, subdirs []string) []Channel {
	out := make([]Channel, 0, len(specs)*len(subdirs))
	for _, spec := range specs {
		for _, subdir := range subdirs {
			out = append(out, Channel{
				URL:              spec.URL,
				CanonicalName:    spec.CanonicalName,
				Subdir:           subdir,
				RepodataFilename: spec.RepodataFilename,
			})
		}
	}
	return out
}

// ChannelResult pairs one channel with its query outcome, so a caller
// can tell which channel a given error belongs to (spec.md §7:
// "query_all isolates per-channel failures").
type ChannelResult struct {
	Channel Channel
	Records []*repodata.Record
	Err     error
}

// QueryAll runs predicate against every channel in channels, expanding
// channels × subdirs is the caller's job via ExpandChannels. Channels
// are first filtered through allow; in offline mode, channels are
// further filtered to file:// with an info log per spec.md §4.9.
// Results are concatenated in channel-iteration order with no
// deduplication across channels; iteration *within* the parallel fetch
// is unspecified (spec.md §5).
//
// A single channel's fatal error does not abort its siblings unless
// the failure is UnsupportedRepodataVersionError, which aborts the
// whole aggregate per spec.md §7 ("unless the failure is Upgrade,
// which aborts the aggregate").
func QueryAll(ctx context.Context, registry *Registry, predicate matchspec.Predicate, channels []Channel, allow Allowlist, opts Options) ([]ChannelResult, error) {
	filtered := make([]Channel, 0, len(channels))
	for _, c := range channels {
		if allow != nil && !allow(c) {
			continue
		}
		if opts.Offline && !c.isFileScheme() {
			log.Printf("repocore: offline mode, skipping non-file:// channel %s", c.directoryURL())
			continue
		}
		filtered = append(filtered, c)
	}

	results := make([]ChannelResult, len(filtered))

	if opts.SingleThreaded || opts.RepodataThreads <= 1 {
		for i, c := range filtered {
			results[i] = runOne(ctx, registry, predicate, c)
			if isUpgrade(results[i].Err) {
				return results, results[i].Err
			}
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.RepodataThreads)
	for i, c := range filtered {
		i, c := i, c
		g.Go(func() error {
			res := runOne(gctx, registry, predicate, c)
			results[i] = res
			if isUpgrade(res.Err) {
				return res.Err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func runOne(ctx context.Context, registry *Registry, predicate matchspec.Predicate, c Channel) ChannelResult {
	sd := registry.Get(c)
	records, err := sd.Query(ctx, predicate)
	return ChannelResult{Channel: c, Records: records, Err: err}
}

func isUpgrade(err error) bool {
	if err == nil {
		return false
	}
	var upgrade *UnsupportedRepodataVersionError
	return errors.As(err, &upgrade)
}

// Flatten concatenates every successful channel's records, in
// channel-iteration order, dropping failed channels' results
// entirely (the caller can inspect ChannelResult.Err for those).
func Flatten(results []ChannelResult) []*repodata.Record {
	var out []*repodata.Record
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		out = append(out, r.Records...)
	}
	return out
}
