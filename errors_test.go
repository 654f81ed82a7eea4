package repocore

import (
	"errors"
	"testing"
)

func TestCacheNotWritableErrorUnwraps(t *testing.T) {
	inner := errors.New("permission denied")
	err := &CacheNotWritableError{URL: "https://example.com", Err: inner}
	if !errors.Is(err, inner) {
		t.Fatalf("expected errors.Is to see through Unwrap to the inner error")
	}
	if err.Error() == "" {
		t.Fatalf("expected a non-empty error message")
	}
}

func TestUnsupportedRepodataVersionErrorMessage(t *testing.T) {
	err := &UnsupportedRepodataVersionError{URL: "https://example.com", Version: 99}
	if err.Error() == "" {
		t.Fatalf("expected a non-empty error message")
	}
}

func TestRepodataCorruptErrorUnwraps(t *testing.T) {
	inner := errors.New("unexpected end of JSON input")
	err := &RepodataCorruptError{URL: "https://example.com", Err: inner}
	if !errors.Is(err, inner) {
		t.Fatalf("expected errors.Is to see through Unwrap to the inner error")
	}
}

func TestHTTPStatusErrorMessage(t *testing.T) {
	err := &HTTPStatusError{URL: "https://example.com/linux-64/", StatusCode: 503}
	if err.Error() == "" {
		t.Fatalf("expected a non-empty error message")
	}
}

func TestNetworkUnavailableErrorUnwraps(t *testing.T) {
	inner := errors.New("dial tcp: connection refused")
	err := &NetworkUnavailableError{URL: "https://example.com/linux-64/", Err: inner}
	if !errors.Is(err, inner) {
		t.Fatalf("expected errors.Is to see through Unwrap to the inner error")
	}
}
