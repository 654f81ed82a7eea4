// Package matchspec defines the predicate interface the query engine
// consumes. The match-spec language and version comparator themselves
// are out of scope (spec.md §1, "external collaborator, referenced
// only by interface") — this package provides the interface plus a
// minimal exact-name / exact-track-feature implementation good enough
// for the core's own tests and for callers that have not yet wired a
// real match-spec parser.
package matchspec

import "github.com/nimbus-pm/repocore/internal/repodata"

// Predicate decides whether a package record matches, and optionally
// hints the query engine toward a single index to scan instead of a
// full table scan (spec.md §4.9).
type Predicate interface {
	// Match reports whether rec satisfies the predicate.
	Match(rec *repodata.Record) bool

	// ExactName returns the package name this predicate restricts to,
	// if any. The query engine uses this to scan only by_name[name].
	ExactName() (name string, ok bool)

	// ExactTrackFeatures returns the track features this predicate
	// restricts to, if any and if ExactName did not already apply.
	ExactTrackFeatures() (features []string, ok bool)
}

// ExactRecord is a Predicate satisfied only by a record equal to Want,
// used for the "exact record argument" query mode (spec.md §4.9).
type ExactRecord struct {
	Want *repodata.Record
}

func (e ExactRecord) Match(rec *repodata.Record) bool {
	return rec.Equal(e.Want)
}

func (e ExactRecord) ExactName() (string, bool) {
	if e.Want == nil {
		return "", false
	}
	return e.Want.Name, true
}

func (e ExactRecord) ExactTrackFeatures() ([]string, bool) {
	return nil, false
}

// NameSpec matches every record sharing Name, optionally narrowed by a
// Filter callback (the stand-in for real version/build comparison).
type NameSpec struct {
	Name   string
	Filter func(*repodata.Record) bool
}

func (n NameSpec) Match(rec *repodata.Record) bool {
	if rec.Name != n.Name {
		return false
	}
	if n.Filter == nil {
		return true
	}
	return n.Filter(rec)
}

func (n NameSpec) ExactName() (string, bool) {
	return n.Name, n.Name != ""
}

func (n NameSpec) ExactTrackFeatures() ([]string, bool) {
	return nil, false
}

// TrackFeatureSpec matches every record advertising any of Features.
type TrackFeatureSpec struct {
	Features []string
	Filter   func(*repodata.Record) bool
}

func (t TrackFeatureSpec) Match(rec *repodata.Record) bool {
	advertised := false
	for _, want := range t.Features {
		for _, have := range rec.TrackFeatures {
			if have == want {
				advertised = true
			}
		}
	}
	if !advertised {
		return false
	}
	if t.Filter != nil {
		return t.Filter(rec)
	}
	return true
}

func (t TrackFeatureSpec) ExactName() (string, bool) {
	return "", false
}

func (t TrackFeatureSpec) ExactTrackFeatures() ([]string, bool) {
	return t.Features, len(t.Features) > 0
}

// AnySpec matches every record; the query engine falls back to a full
// scan over records for it.
type AnySpec struct {
	Filter func(*repodata.Record) bool
}

func (a AnySpec) Match(rec *repodata.Record) bool {
	if a.Filter == nil {
		return true
	}
	return a.Filter(rec)
}

func (a AnySpec) ExactName() (string, bool)             { return "", false }
func (a AnySpec) ExactTrackFeatures() ([]string, bool)   { return nil, false }
