package hash

import (
	"strings"
	"testing"
)

func TestBytesIsDeterministic(t *testing.T) {
	h := New(DefaultAlgorithm)
	a := h.Bytes([]byte("hello"))
	b := h.Bytes([]byte("hello"))
	if a != b {
		t.Fatalf("expected hashing the same bytes twice to produce the same digest")
	}
	if h.Bytes([]byte("world")) == a {
		t.Fatalf("expected different input to produce a different digest")
	}
}

func TestReaderMatchesBytes(t *testing.T) {
	h := New(SHA256)
	viaBytes := h.Bytes([]byte("repodata"))
	viaReader, err := h.Reader(strings.NewReader("repodata"))
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	if viaBytes != viaReader {
		t.Fatalf("expected Bytes and Reader to agree on the same content: %q vs %q", viaBytes, viaReader)
	}
}

func TestUnknownAlgorithmFallsBackToDefault(t *testing.T) {
	h := New(Algorithm("not-a-real-algorithm"))
	if h.Algorithm() != DefaultAlgorithm {
		t.Fatalf("expected an unknown algorithm to fall back to %v, got %v", DefaultAlgorithm, h.Algorithm())
	}
}

func TestNew256StreamsIncrementally(t *testing.T) {
	h := New(BLAKE2B256)
	d := h.New256()
	d.Write([]byte("re"))
	d.Write([]byte("podata"))
	streamed := d.Sum(nil)

	whole := h.newHash()
	whole.Write([]byte("repodata"))
	if string(streamed) != string(whole.Sum(nil)) {
		t.Fatalf("expected incremental writes to match a single write of the same bytes")
	}
}
