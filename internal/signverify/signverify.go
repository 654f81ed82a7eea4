// Package signverify defines the signature-verification collaborator
// the repodata parser invokes before mutating a raw package entry
// (spec.md §4.7, §1 "cryptographic signature verification... consumed
// as a pure function"). The actual cryptography is out of scope; this
// package is the seam.
package signverify

import "encoding/json"

// Verifier checks info (the raw JSON object for package fn) against
// signatures (the repodata document's top-level "signatures" map, keyed
// by fn) before any field of info is touched. Implementations should
// treat a missing entry in signatures as "unsigned", not an error,
// unless the caller's policy requires signing.
type Verifier func(info map[string]json.RawMessage, fn string, signatures map[string]json.RawMessage) error

// NoopVerifier accepts everything; it is the default when the caller
// has not wired a real verifier, matching the original's behavior when
// signature verification is disabled.
func NoopVerifier(map[string]json.RawMessage, string, map[string]json.RawMessage) error {
	return nil
}
