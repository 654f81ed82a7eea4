// Package hash computes content digests with a selectable algorithm.
//
// repocore's cache validators (nominal_hash, actual_hash) need a
// "hash some bytes, get hex" shape with a swappable algorithm, so this
// package centralizes it rather than scattering hash.New(...) calls.
// The JLAP rolling-hash chain in internal/jlap calls blake2b directly
// and does not go through this package.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

type Algorithm string

const (
	SHA256    Algorithm = "sha256"
	BLAKE3    Algorithm = "blake3"
	BLAKE2B256 Algorithm = "blake2b256"
)

// DefaultAlgorithm matches the upstream JLAP protocol's hash choice
// (blake2b, 32-byte digest); repodata fetched without JLAP ever
// touching the chain still hashes with this so nominal/actual hashes
// stay comparable across negotiation paths.
const DefaultAlgorithm = BLAKE2B256

type Hasher struct {
	alg Algorithm
}

// New returns a Hasher for alg. An unknown algorithm falls back to
// DefaultAlgorithm rather than erroring.
func New(alg Algorithm) Hasher {
	switch alg {
	case SHA256, BLAKE3, BLAKE2B256:
		return Hasher{alg: alg}
	default:
		return Hasher{alg: DefaultAlgorithm}
	}
}

func (h Hasher) Algorithm() Algorithm {
	if h.alg == "" {
		return DefaultAlgorithm
	}
	return h.alg
}

func (h Hasher) newHash() hash.Hash {
	switch h.alg {
	case SHA256:
		return sha256.New()
	case BLAKE3:
		return blake3.New()
	case BLAKE2B256:
		fallthrough
	default:
		d, err := blake2b.New256(nil)
		if err != nil {
			// blake2b.New256 only errors for a bad key, and we pass none.
			panic(fmt.Sprintf("hash: blake2b.New256: %v", err))
		}
		return d
	}
}

// New256 returns a fresh streaming hash.Hash for this algorithm, for
// callers (like internal/orchestrator's streamed downloads) that need
// to drive the writer themselves instead of hashing a whole io.Reader at once.
func (h Hasher) New256() hash.Hash {
	return h.newHash()
}

// Reader hashes all content from r.
func (h Hasher) Reader(r io.Reader) (string, error) {
	d := h.newHash()
	if _, err := io.Copy(d, r); err != nil {
		return "", fmt.Errorf("hash: copy reader: %w", err)
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}

// Bytes hashes b directly.
func (h Hasher) Bytes(b []byte) string {
	d := h.newHash()
	d.Write(b)
	return hex.EncodeToString(d.Sum(nil))
}
