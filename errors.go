package repocore

import "fmt"

// The boundary error taxonomy from spec.md §6/§7. Every one of these
// carries the offending URL so a caller driving many channels at once
// (query.go's QueryAll) can report which one failed without having to
// thread URLs through error-wrapping by hand at every call site.

// CacheNotWritableError surfaces EACCES/EPERM/EROFS writing to the
// cache directory; it is fatal to the one channel, not to a whole
// QueryAll (spec.md §7).
type CacheNotWritableError struct {
	URL string
	Err error
}

func (e *CacheNotWritableError) Error() string {
	return fmt.Sprintf("repocore: cache not writable for %s: %v", e.URL, e.Err)
}
func (e *CacheNotWritableError) Unwrap() error { return e.Err }

// UnsupportedRepodataVersionError is the fatal `Upgrade` error: it
// aborts the whole QueryAll aggregate, not just the one channel
// (spec.md §7).
type UnsupportedRepodataVersionError struct {
	URL     string
	Version int
}

func (e *UnsupportedRepodataVersionError) Error() string {
	return fmt.Sprintf("repocore: %s declares repodata_version %d, which this client cannot read; please upgrade", e.URL, e.Version)
}

// RepodataCorruptError is the user-facing message recommending a
// cache-clean, surfaced when the locally cached JSON fails to parse
// even after a successful disk read (spec.md §6).
type RepodataCorruptError struct {
	URL string
	Err error
}

func (e *RepodataCorruptError) Error() string {
	return fmt.Sprintf("repocore: cached repodata at %s is corrupt (try clearing the index cache): %v", e.URL, e.Err)
}
func (e *RepodataCorruptError) Unwrap() error { return e.Err }

// HTTPStatusError wraps an unexpected HTTP response status at the
// boundary, distinct from internal/fetch.StatusError in that it
// carries the channel URL rather than the exact request URL.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("repocore: %s: http status %d", e.URL, e.StatusCode)
}

// NetworkUnavailableError is returned when a fetch cannot reach the
// network at all (DNS failure, connection refused, timeout) and the
// caller is not in offline mode, so the failure is unexpected rather
// than policy.
type NetworkUnavailableError struct {
	URL string
	Err error
}

func (e *NetworkUnavailableError) Error() string {
	return fmt.Sprintf("repocore: network unavailable fetching %s: %v", e.URL, e.Err)
}
func (e *NetworkUnavailableError) Unwrap() error { return e.Err }
