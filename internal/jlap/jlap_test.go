package jlap

import (
	"encoding/hex"
	"testing"

	"golang.org/x/crypto/blake2b"
)

// buildStream hand-assembles a minimal valid JLAP buffer so the
// parser and its hash-chain verification can be exercised without a
// network fixture.
func buildStream(t *testing.T, iv [32]byte, patchLines [][]byte, footerLine []byte) [][]byte {
	t.Helper()
	lines := make([][]byte, 0, len(patchLines)+3)
	lines = append(lines, []byte(hex.EncodeToString(iv[:])))
	running := iv[:]
	for _, pl := range patchLines {
		lines = append(lines, pl)
		h, err := blake2b.New(32, nil)
		if err != nil {
			t.Fatalf("blake2b.New: %v", err)
		}
		h.Write(running)
		h.Write(pl)
		running = h.Sum(nil)
	}
	lines = append(lines, footerLine)
	hf, err := blake2b.New(32, nil)
	if err != nil {
		t.Fatalf("blake2b.New: %v", err)
	}
	hf.Write(running)
	hf.Write(footerLine)
	checksum := hf.Sum(nil)
	lines = append(lines, []byte(hex.EncodeToString(checksum)))
	return lines
}

func TestParseValidStreamWithOnePatch(t *testing.T) {
	var iv [32]byte
	for i := range iv {
		iv[i] = byte(i)
	}
	patch := []byte(`{"from":"h0","to":"h1","patch":[{"op":"add","path":"/packages/b","value":{}}]}`)
	footer := []byte(`{"latest":"h1"}`)
	lines := buildStream(t, iv, [][]byte{patch}, footer)

	buf, err := Parse(lines, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(buf.Patches) != 1 {
		t.Fatalf("expected 1 patch, got %d", len(buf.Patches))
	}
	if buf.Patches[0].To != "h1" {
		t.Fatalf("expected patch.to == h1, got %q", buf.Patches[0].To)
	}
	if buf.Footer.Latest != "h1" {
		t.Fatalf("expected footer.latest == h1, got %q", buf.Footer.Latest)
	}
	if buf.ResumePos <= 0 {
		t.Fatalf("expected a positive resume position, got %d", buf.ResumePos)
	}
}

func TestParseRejectsCorruptedChecksum(t *testing.T) {
	var iv [32]byte
	footer := []byte(`{"latest":"h0"}`)
	lines := buildStream(t, iv, nil, footer)
	lines[len(lines)-1] = []byte("deadbeef")

	_, err := Parse(lines, 0)
	if err == nil {
		t.Fatalf("expected a checksum mismatch error")
	}
}

func TestParseNoPatchesResumesFromIV(t *testing.T) {
	var iv [32]byte
	for i := range iv {
		iv[i] = byte(i + 1)
	}
	footer := []byte(`{"latest":"h0"}`)
	lines := buildStream(t, iv, nil, footer)

	buf, err := Parse(lines, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if buf.ResumeIV != hex.EncodeToString(iv[:]) {
		t.Fatalf("expected ResumeIV to equal the original iv when there are no patches")
	}
}

func TestValidRangeStatus(t *testing.T) {
	for _, code := range []int{206, 304, 404, 416} {
		if !ValidRangeStatus(code) {
			t.Errorf("expected %d to be a valid range status", code)
		}
	}
	for _, code := range []int{200, 500, 403} {
		if ValidRangeStatus(code) {
			t.Errorf("expected %d to be an invalid range status", code)
		}
	}
}
