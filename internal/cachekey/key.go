// Package cachekey derives the stable on-disk filename stem for a
// channel's cached repodata.
//
// Grounded on original conda's cache_fn_url (conda/core/subdir_data.py):
// sha256 of the trailing-slash-normalized URL (plus the repodata
// filename, when non-default), truncated to 5 bytes, encoded as
// unpadded base32-hex.
package cachekey

import (
	"crypto/sha256"
	"encoding/base32"
	"path/filepath"
	"strings"
)

// DefaultRepodataFilename is the conventional repodata filename; it is
// never appended to the hashed string, preserving compatibility with
// older readers that only know the default (spec.md §4.1).
const DefaultRepodataFilename = "repodata.json"

var base32hexNoPad = base32.HexEncoding.WithPadding(base32.NoPadding)

// Stem returns the directory-local filename stem shared by
// <stem>.json, <stem>.state.json and <stem>.q. url should carry
// whatever credentials the caller intends to use for the fetch;
// credentials participate in the cache key (two differently
// credentialed URLs get different cache entries) even though they
// never participate in channel identity (spec.md §3).
func Stem(url, repodataFilename string) string {
	hashed := url
	if !strings.HasSuffix(hashed, "/") {
		hashed += "/"
	}
	if repodataFilename != "" && repodataFilename != DefaultRepodataFilename {
		hashed += repodataFilename
	}

	sum := sha256.Sum256([]byte(hashed))
	return base32hexNoPad.EncodeToString(sum[:5])
}

// Paths holds the sibling on-disk artifact paths for one cache entry.
type Paths struct {
	JSON  string // <key>.json or <key>1.json in tar.bz2-only mode
	State string // <key>.state.json
	Q     string // <key>.q or <key>1.q in tar.bz2-only mode
}

// Derive computes the full set of sibling paths under dir for the
// given (url, repodataFilename) pair. tarBz2Only injects the "1" infix
// before the extension (spec.md §4.1) so dual caches — one indexing
// .conda packages, one tar.bz2-only — coexist on disk.
func Derive(dir, url, repodataFilename string, tarBz2Only bool) Paths {
	stem := Stem(url, repodataFilename)
	infix := ""
	if tarBz2Only {
		infix = "1"
	}
	join := func(suffix string) string {
		return filepath.Join(dir, stem+suffix)
	}
	return Paths{
		JSON:  join(infix + ".json"),
		State: join(".state.json"),
		Q:     join(infix + ".q"),
	}
}
