// Package pickle implements the fast-reload index sidecar (<key>.q):
// a versioned, length-prefixed binary layout, deliberately not a
// language-native serializer (spec.md §9), holding a fingerprint header
// plus the parsed record list the by_name/by_track_feature indexes are
// rebuilt from. Grounded on original conda's conda/core/subdir_data.py
// (_read_pickled, _pickle_valid_checks, REPODATA_PICKLE_VERSION) for
// which fields the fingerprint covers, and on this module's own
// atomic-write discipline (tmp file plus rename) used elsewhere for
// the save path.
package pickle

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nimbus-pm/repocore/internal/repodata"
)

// SchemaVersion is bumped whenever the on-disk layout changes shape;
// it is itself part of the fingerprint (spec.md I4), so a binary built
// against an older layout never misreads a newer one's bytes.
const SchemaVersion = 1

var magic = [4]byte{'J', 'L', 'P', 'Q'}

// Fingerprint is the set of fields that must all match the current
// state for a sidecar to be trusted (spec.md I4: "url, canonical
// channel name, pip-as-dep policy, mod, etag, pickle-schema version,
// repodata filename").
type Fingerprint struct {
	URL                      string
	ChannelName              string
	AddPipAsPythonDependency bool
	Mod                      string
	ETag                     string
	RepodataFilename         string
}

// ErrInvalid is returned by Load whenever the sidecar must be
// discarded: a schema-version mismatch, a fingerprint mismatch, or a
// framing error. Callers should fall back to re-parsing the JSON
// source and need not distinguish the three cases further.
var ErrInvalid = fmt.Errorf("pickle: sidecar invalid")

// Save atomically writes parsed plus fp to path (tmp file + rename).
// Only the flat record list is persisted; ByName/ByTrackFeature are cheap to rebuild
// from it on Load, so the on-disk format doesn't carry two redundant
// copies of the same data.
func Save(path string, fp Fingerprint, parsed *repodata.Parsed) error {
	var buf bytes.Buffer
	buf.Write(magic[:])
	writeUint32(&buf, SchemaVersion)

	writeString(&buf, fp.URL)
	writeString(&buf, fp.ChannelName)
	writeBool(&buf, fp.AddPipAsPythonDependency)
	writeString(&buf, fp.Mod)
	writeString(&buf, fp.ETag)
	writeString(&buf, fp.RepodataFilename)

	writeUint32(&buf, uint32(parsed.RepodataVersion))
	writeUint32(&buf, uint32(len(parsed.Records)))
	for _, rec := range parsed.Records {
		writeRecord(&buf, rec)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pickle: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("pickle: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("pickle: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pickle: close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pickle: rename: %w", err)
	}
	return nil
}

// Load reads the sidecar at path and verifies it against want. jsonPath
// is the repodata JSON the sidecar was built from; a fingerprint match
// alone is never enough, since a matching sidecar whose source JSON has
// since vanished (original conda's _read_pickled guards on
// isfile(cache_path_json) for exactly this reason) must still be
// discarded rather than served (spec.md §4.8). Any deserialization
// error or fingerprint mismatch also removes the sidecar file and
// returns ErrInvalid — the sidecar must never be partially trusted.
func Load(path, jsonPath string, want Fingerprint) (*repodata.Parsed, error) {
	if _, err := os.Stat(jsonPath); err != nil {
		return nil, fmt.Errorf("%w: source json missing: %v", ErrInvalid, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	parsed, err := decode(data, want)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return parsed, nil
}

func decode(data []byte, want Fingerprint) (*repodata.Parsed, error) {
	r := bufio.NewReader(bytes.NewReader(data))

	var gotMagic [4]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil {
		return nil, fmt.Errorf("short read: magic: %w", err)
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("bad magic %q", gotMagic)
	}
	version, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if version != SchemaVersion {
		return nil, fmt.Errorf("schema version %d != %d", version, SchemaVersion)
	}

	var fp Fingerprint
	if fp.URL, err = readString(r); err != nil {
		return nil, err
	}
	if fp.ChannelName, err = readString(r); err != nil {
		return nil, err
	}
	if fp.AddPipAsPythonDependency, err = readBool(r); err != nil {
		return nil, err
	}
	if fp.Mod, err = readString(r); err != nil {
		return nil, err
	}
	if fp.ETag, err = readString(r); err != nil {
		return nil, err
	}
	if fp.RepodataFilename, err = readString(r); err != nil {
		return nil, err
	}
	if fp != want {
		return nil, fmt.Errorf("fingerprint mismatch: stored %+v, want %+v", fp, want)
	}

	repodataVersion, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}

	records := make([]*repodata.Record, 0, count)
	byName := make(map[string][]*repodata.Record)
	byTrackFeature := make(map[string][]*repodata.Record)
	for i := uint32(0); i < count; i++ {
		rec, err := readRecord(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		records = append(records, rec)
		byName[rec.Name] = append(byName[rec.Name], rec)
		for _, f := range rec.TrackFeatures {
			byTrackFeature[f] = append(byTrackFeature[f], rec)
		}
	}

	return &repodata.Parsed{
		Records:         records,
		ByName:          byName,
		ByTrackFeature:  byTrackFeature,
		RepodataVersion: int(repodataVersion),
	}, nil
}

func writeRecord(buf *bytes.Buffer, rec *repodata.Record) {
	writeString(buf, rec.Fn)
	writeString(buf, rec.Name)
	writeString(buf, rec.Version)
	writeString(buf, rec.Build)
	writeStringSlice(buf, rec.Depends)
	writeString(buf, rec.MD5)
	writeInt64(buf, rec.Size)
	writeString(buf, rec.URL)
	writeString(buf, rec.Arch)
	writeString(buf, rec.Platform)
	writeString(buf, rec.Channel)
	writeString(buf, rec.CanonicalName)
	writeString(buf, rec.Subdir)
	writeStringSlice(buf, rec.TrackFeatures)
	writeString(buf, rec.LegacyBz2MD5)
	writeInt64(buf, rec.LegacyBz2Size)
	writeUint32(buf, uint32(rec.RecordVersion))
}

func readRecord(r io.Reader) (*repodata.Record, error) {
	rec := &repodata.Record{}
	var err error
	if rec.Fn, err = readString(r); err != nil {
		return nil, err
	}
	if rec.Name, err = readString(r); err != nil {
		return nil, err
	}
	if rec.Version, err = readString(r); err != nil {
		return nil, err
	}
	if rec.Build, err = readString(r); err != nil {
		return nil, err
	}
	if rec.Depends, err = readStringSlice(r); err != nil {
		return nil, err
	}
	if rec.MD5, err = readString(r); err != nil {
		return nil, err
	}
	if rec.Size, err = readInt64(r); err != nil {
		return nil, err
	}
	if rec.URL, err = readString(r); err != nil {
		return nil, err
	}
	if rec.Arch, err = readString(r); err != nil {
		return nil, err
	}
	if rec.Platform, err = readString(r); err != nil {
		return nil, err
	}
	if rec.Channel, err = readString(r); err != nil {
		return nil, err
	}
	if rec.CanonicalName, err = readString(r); err != nil {
		return nil, err
	}
	if rec.Subdir, err = readString(r); err != nil {
		return nil, err
	}
	if rec.TrackFeatures, err = readStringSlice(r); err != nil {
		return nil, err
	}
	if rec.LegacyBz2MD5, err = readString(r); err != nil {
		return nil, err
	}
	if rec.LegacyBz2Size, err = readInt64(r); err != nil {
		return nil, err
	}
	version, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	rec.RecordVersion = int(version)
	return rec, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("short read: uint32: %w", err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readInt64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("short read: int64: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, fmt.Errorf("short read: bool: %w", err)
	}
	return b[0] != 0, nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("short read: string body: %w", err)
	}
	return string(b), nil
}

func writeStringSlice(buf *bytes.Buffer, s []string) {
	writeUint32(buf, uint32(len(s)))
	for _, v := range s {
		writeString(buf, v)
	}
}

func readStringSlice(r io.Reader) ([]string, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]string, n)
	for i := range out {
		if out[i], err = readString(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}
