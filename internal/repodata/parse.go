package repodata

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nimbus-pm/repocore/internal/signverify"
)

// MaxRepodataVersion is the highest repodata_version this core
// understands (spec.md §4.7, original's MAX_REPODATA_VERSION).
const MaxRepodataVersion = 1

// UpgradeError is returned when a channel's repodata_version exceeds
// MaxRepodataVersion; it is fatal to the whole query_all aggregate
// (spec.md §7).
type UpgradeError struct {
	URL     string
	Version int
}

func (e *UpgradeError) Error() string {
	return fmt.Sprintf("repodata at %s declares repodata_version %d, which this client cannot read (max supported: %d); please upgrade", e.URL, e.Version, MaxRepodataVersion)
}

// SubdirMismatchError fires when info.subdir disagrees with the
// channel's own subdir (spec.md §4.7).
type SubdirMismatchError struct {
	Want, Got string
}

func (e *SubdirMismatchError) Error() string {
	return fmt.Sprintf("repodata info.subdir %q does not match channel subdir %q", e.Got, e.Want)
}

type rawDocument struct {
	Info struct {
		Subdir   string `json:"subdir"`
		Arch     string `json:"arch"`
		Platform string `json:"platform"`
	} `json:"info"`
	RepodataVersion int                        `json:"repodata_version"`
	Packages        map[string]json.RawMessage `json:"packages"`
	PackagesConda   map[string]json.RawMessage `json:"packages.conda"`
	Signatures      map[string]json.RawMessage `json:"signatures"`
}

type rawPackageInfo struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Build         string   `json:"build"`
	Depends       []string `json:"depends"`
	MD5           string   `json:"md5"`
	Size          int64    `json:"size"`
	TrackFeatures string   `json:"track_features"`
	RecordVersion int      `json:"record_version"`
}

// Options controls parse-time behavior that in the original comes
// from global context (spec.md §6).
type Options struct {
	// ChannelURL is joined with each package's fn to build Record.URL.
	ChannelURL string
	// ChannelName is the credential-free canonical channel name.
	ChannelName string
	// UseOnlyTarBz2, when true, ignores packages.conda entirely
	// (spec.md §4.7).
	UseOnlyTarBz2 bool
	// AddPipAsPythonDependency appends "pip" to python 2.x/3.x depends
	// (spec.md §4.7).
	AddPipAsPythonDependency bool
	Verifier                 signverify.Verifier
}

// Parsed is the outcome of parsing one channel's repodata document:
// the flat record list plus the two lookup indexes built from it.
type Parsed struct {
	Records            []*Record
	ByName              map[string][]*Record
	ByTrackFeature      map[string][]*Record
	RepodataVersion     int
}

// Parse transforms raw repodata JSON into indexed records, per
// spec.md §4.7. subdir is the channel's own subdir, asserted against
// info.subdir.
func Parse(data []byte, subdir string, opts Options) (*Parsed, error) {
	if opts.Verifier == nil {
		opts.Verifier = signverify.NoopVerifier
	}

	var doc rawDocument
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("repodata: parse: %w", err)
	}

	if doc.RepodataVersion > MaxRepodataVersion {
		return nil, &UpgradeError{Version: doc.RepodataVersion}
	}

	if doc.Info.Subdir != "" && doc.Info.Subdir != subdir {
		return nil, &SubdirMismatchError{Want: subdir, Got: doc.Info.Subdir}
	}

	condaPackages := doc.PackagesConda
	if opts.UseOnlyTarBz2 {
		condaPackages = nil
	}

	// Suppress the .tar.bz2 counterpart of every surviving .conda key,
	// carrying over its md5/size (spec.md §4.7).
	legacyOnlyKeys := make(map[string]struct{}, len(doc.Packages))
	for fn := range doc.Packages {
		legacyOnlyKeys[fn] = struct{}{}
	}
	for condaFn := range condaPackages {
		counterpart := strings.TrimSuffix(condaFn, ".conda") + ".tar.bz2"
		delete(legacyOnlyKeys, counterpart)
	}

	records := make([]*Record, 0, len(doc.Packages)+len(condaPackages))
	byName := make(map[string][]*Record)
	byTrackFeature := make(map[string][]*Record)

	process := func(fn string, raw json.RawMessage, legacyCounterpart json.RawMessage) error {
		rawMap := map[string]json.RawMessage{}
		if err := json.Unmarshal(raw, &rawMap); err != nil {
			return fmt.Errorf("repodata: entry %s: %w", fn, err)
		}
		// Signature verification runs before any mutation of the entry
		// (spec.md §4.7).
		if err := opts.Verifier(rawMap, fn, doc.Signatures); err != nil {
			return fmt.Errorf("repodata: signature verification failed for %s: %w", fn, err)
		}

		var info rawPackageInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return fmt.Errorf("repodata: entry %s: %w", fn, err)
		}
		if info.RecordVersion > 1 {
			return nil // skipped, not an error (spec.md §4.7)
		}

		rec := &Record{
			Fn:            fn,
			Name:          info.Name,
			Version:       info.Version,
			Build:         info.Build,
			Depends:       append([]string(nil), info.Depends...),
			MD5:           info.MD5,
			Size:          info.Size,
			URL:           joinURL(opts.ChannelURL, fn),
			Arch:          doc.Info.Arch,
			Platform:      doc.Info.Platform,
			Channel:       opts.ChannelName,
			CanonicalName: opts.ChannelName,
			Subdir:        subdir,
			TrackFeatures: splitTrackFeatures(info.TrackFeatures),
			RecordVersion: info.RecordVersion,
		}

		if legacyCounterpart != nil {
			var legacy rawPackageInfo
			if err := json.Unmarshal(legacyCounterpart, &legacy); err == nil {
				rec.LegacyBz2MD5 = legacy.MD5
				rec.LegacyBz2Size = legacy.Size
			}
		}

		if opts.AddPipAsPythonDependency && rec.Name == "python" &&
			(strings.HasPrefix(rec.Version, "2.") || strings.HasPrefix(rec.Version, "3.")) {
			rec.Depends = append(rec.Depends, "pip")
		}

		records = append(records, rec)
		byName[rec.Name] = append(byName[rec.Name], rec)
		for _, f := range rec.TrackFeatures {
			byTrackFeature[f] = append(byTrackFeature[f], rec)
		}
		return nil
	}

	for fn, raw := range condaPackages {
		counterpart := strings.TrimSuffix(fn, ".conda") + ".tar.bz2"
		if err := process(fn, raw, doc.Packages[counterpart]); err != nil {
			return nil, err
		}
	}
	for fn := range legacyOnlyKeys {
		if err := process(fn, doc.Packages[fn], nil); err != nil {
			return nil, err
		}
	}

	return &Parsed{
		Records:         records,
		ByName:          byName,
		ByTrackFeature:  byTrackFeature,
		RepodataVersion: doc.RepodataVersion,
	}, nil
}

func joinURL(channelURL, fn string) string {
	if strings.HasSuffix(channelURL, "/") {
		return channelURL + fn
	}
	return channelURL + "/" + fn
}

func splitTrackFeatures(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
