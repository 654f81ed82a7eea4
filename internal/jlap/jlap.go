// Package jlap parses the JLAP incremental-patch stream: an
// append-only, newline-delimited file whose lines are chained by a
// rolling blake2b hash. Grounded on original conda's
// conda/gateways/repodata/jlapper.py (hash chain construction,
// process_jlap_response buffer shape, range-resumption contract).
package jlap

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ValidRangeStatus reports whether code is an acceptable response
// status for a ranged JLAP request (spec.md §4.4).
func ValidRangeStatus(code int) bool {
	switch code {
	case 206, 304, 404, 416:
		return true
	default:
		return false
	}
}

// Entry is one line of the buffer together with its byte offset and
// the rolling hash through that line (spec.md §4.4: "[pos, line_bytes,
// running_hash_hex]").
type Entry struct {
	Pos  int64
	Line []byte
	Hash string
}

// Patch is a single JSON-Patch record decoded from a buffer line.
type Patch struct {
	From  string          `json:"from"`
	To    string          `json:"to"`
	Patch json.RawMessage `json:"patch"`
}

// Footer is the penultimate line of a JLAP stream.
type Footer struct {
	Latest string `json:"latest"`
}

// Buffer is a fully parsed and hash-verified JLAP response.
type Buffer struct {
	Entries []Entry
	Patches []Patch
	Footer  Footer

	// ResumeIV and ResumePos are what a caller should persist to
	// resume a future fetch without re-reading history: ResumeIV is
	// the rolling hash through the last patch line (or the original
	// iv, if there were no patches), and ResumePos is the byte offset
	// where the (now-stale) footer line began — the next append will
	// overwrite it with a fresh footer preceded by new patch lines.
	ResumeIV  string
	ResumePos int64
}

func rollingHash(prev []byte, line []byte) []byte {
	h, err := blake2b.New(32, nil)
	if err != nil {
		panic(err) // blake2b.New(32, nil) cannot fail
	}
	h.Write(prev)
	h.Write(line)
	return h.Sum(nil)
}

// Parse verifies and decodes a JLAP buffer. lines is the full set of
// newline-delimited lines starting from the iv (lines[0]) through the
// trailing checksum (lines[len-1]); startPos is the byte offset of
// lines[0] in the overall JLAP file.
//
// Layout: lines[0] is the iv (hex of 32 bytes); lines[1:len-2] are
// patch records; lines[len-2] is the footer; lines[len-1] is the
// checksum, expected to equal the rolling hash through the footer.
func Parse(lines [][]byte, startPos int64) (*Buffer, error) {
	if len(lines) < 3 {
		return nil, fmt.Errorf("jlap: buffer too short: need iv, footer, checksum, got %d lines", len(lines))
	}

	ivHex := string(bytes.TrimSpace(lines[0]))
	ivBytes, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, fmt.Errorf("jlap: invalid iv: %w", err)
	}
	if len(ivBytes) != 32 {
		return nil, fmt.Errorf("jlap: iv must be 32 bytes, got %d", len(ivBytes))
	}

	entries := make([]Entry, len(lines))
	entries[0] = Entry{Pos: startPos, Line: lines[0], Hash: ivHex}

	pos := startPos + int64(len(lines[0])) + 1
	running := ivBytes
	for i := 1; i < len(lines); i++ {
		h := rollingHash(running, lines[i])
		entries[i] = Entry{Pos: pos, Line: lines[i], Hash: hex.EncodeToString(h)}
		running = h
		pos += int64(len(lines[i])) + 1
	}

	footerEntry := entries[len(entries)-2]
	checksumLine := string(bytes.TrimSpace(lines[len(lines)-1]))
	if checksumLine != footerEntry.Hash {
		return nil, fmt.Errorf("jlap: checksum mismatch: stream says %s, computed %s", checksumLine, footerEntry.Hash)
	}

	var footer Footer
	if err := json.Unmarshal(lines[len(lines)-2], &footer); err != nil {
		return nil, fmt.Errorf("jlap: invalid footer: %w", err)
	}

	patches := make([]Patch, 0, len(lines)-3)
	for i := 1; i < len(lines)-2; i++ {
		var p Patch
		if err := json.Unmarshal(lines[i], &p); err != nil {
			return nil, fmt.Errorf("jlap: invalid patch line at offset %d: %w", entries[i].Pos, err)
		}
		patches = append(patches, p)
	}

	resumeIdx := len(entries) - 3 // last patch entry, or the iv entry if there were no patches
	if resumeIdx < 0 {
		resumeIdx = 0
	}

	return &Buffer{
		Entries:   entries,
		Patches:   patches,
		Footer:    footer,
		ResumeIV:  entries[resumeIdx].Hash,
		ResumePos: footerEntry.Pos,
	}, nil
}

// SplitLines splits a raw JLAP response body into its newline-
// delimited lines, dropping a single trailing empty line if the body
// ends in "\n".
func SplitLines(body []byte) [][]byte {
	lines := bytes.Split(body, []byte("\n"))
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	return lines
}
