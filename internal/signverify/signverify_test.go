package signverify

import "testing"

func TestNoopVerifierAcceptsEverything(t *testing.T) {
	if err := NoopVerifier(nil, "numpy-1.26.0-py311h0.conda", nil); err != nil {
		t.Fatalf("expected NoopVerifier to never error, got %v", err)
	}
}
