package repodata

import (
	"encoding/json"
	"testing"
)

const sampleRepodata = `{
  "info": {"subdir": "linux-64"},
  "repodata_version": 1,
  "packages": {
    "numpy-1.26.0-py311h0.tar.bz2": {
      "name": "numpy", "version": "1.26.0", "build": "py311h0",
      "depends": ["python >=3.11"], "md5": "aaaa", "size": 100
    },
    "scipy-1.11.0-py311h0.tar.bz2": {
      "name": "scipy", "version": "1.11.0", "build": "py311h0",
      "depends": ["numpy"], "md5": "bbbb", "size": 200,
      "track_features": "nomkl, legacy"
    },
    "python-3.11.0-h0.tar.bz2": {
      "name": "python", "version": "3.11.0", "build": "h0",
      "depends": [], "md5": "cccc", "size": 300
    }
  },
  "packages.conda": {
    "numpy-1.26.0-py311h0.conda": {
      "name": "numpy", "version": "1.26.0", "build": "py311h0",
      "depends": ["python >=3.11"], "md5": "dddd", "size": 90
    }
  }
}`

func TestParseDedupPrefersCondaOverTarBz2(t *testing.T) {
	p, err := Parse([]byte(sampleRepodata), "linux-64", Options{ChannelURL: "https://example.com/linux-64"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var sawCondaNumpy, sawLegacyNumpy bool
	for _, rec := range p.Records {
		if rec.Fn == "numpy-1.26.0-py311h0.conda" {
			sawCondaNumpy = true
			if rec.LegacyBz2MD5 != "aaaa" || rec.LegacyBz2Size != 100 {
				t.Fatalf("expected legacy md5/size carried over, got %q/%d", rec.LegacyBz2MD5, rec.LegacyBz2Size)
			}
		}
		if rec.Fn == "numpy-1.26.0-py311h0.tar.bz2" {
			sawLegacyNumpy = true
		}
	}
	if !sawCondaNumpy {
		t.Fatalf("expected the .conda numpy entry to survive dedup")
	}
	if sawLegacyNumpy {
		t.Fatalf("the .tar.bz2 numpy entry should have been suppressed")
	}
}

func TestParseTrackFeaturesIndexed(t *testing.T) {
	p, err := Parse([]byte(sampleRepodata), "linux-64", Options{ChannelURL: "https://example.com/linux-64"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	recs := p.ByTrackFeature["nomkl"]
	if len(recs) != 1 || recs[0].Name != "scipy" {
		t.Fatalf("expected scipy indexed under track feature nomkl, got %#v", recs)
	}
}

func TestParsePipAsPythonDependency(t *testing.T) {
	p, err := Parse([]byte(sampleRepodata), "linux-64", Options{
		ChannelURL:               "https://example.com/linux-64",
		AddPipAsPythonDependency: true,
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	recs := p.ByName["python"]
	if len(recs) != 1 {
		t.Fatalf("expected one python record, got %d", len(recs))
	}
	found := false
	for _, d := range recs[0].Depends {
		if d == "pip" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected pip appended to python's depends, got %v", recs[0].Depends)
	}
}

func TestParseUseOnlyTarBz2IgnoresCondaPackages(t *testing.T) {
	p, err := Parse([]byte(sampleRepodata), "linux-64", Options{
		ChannelURL:    "https://example.com/linux-64",
		UseOnlyTarBz2: true,
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for _, rec := range p.Records {
		if rec.Fn == "numpy-1.26.0-py311h0.conda" {
			t.Fatalf("UseOnlyTarBz2 must suppress packages.conda entirely")
		}
	}
}

func TestParseRejectsHigherRepodataVersion(t *testing.T) {
	doc := `{"info": {"subdir": "linux-64"}, "repodata_version": 99, "packages": {}}`
	_, err := Parse([]byte(doc), "linux-64", Options{})
	if err == nil {
		t.Fatalf("expected an UpgradeError")
	}
	var upErr *UpgradeError
	if !asUpgradeError(err, &upErr) {
		t.Fatalf("expected *UpgradeError, got %T: %v", err, err)
	}
}

func TestParseRejectsSubdirMismatch(t *testing.T) {
	doc := `{"info": {"subdir": "osx-64"}, "repodata_version": 1, "packages": {}}`
	_, err := Parse([]byte(doc), "linux-64", Options{})
	if err == nil {
		t.Fatalf("expected a SubdirMismatchError")
	}
}

func TestParseSkipsHigherRecordVersion(t *testing.T) {
	doc := `{"info": {"subdir": "linux-64"}, "repodata_version": 1, "packages": {
		"future-1.0-0.tar.bz2": {"name": "future", "version": "1.0", "build": "0", "record_version": 2}
	}}`
	p, err := Parse([]byte(doc), "linux-64", Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Records) != 0 {
		t.Fatalf("expected record_version > 1 entries to be skipped, got %d records", len(p.Records))
	}
}

func TestParseRunsVerifierBeforeMutation(t *testing.T) {
	var gotFn string
	var gotInfo map[string]json.RawMessage
	opts := Options{
		ChannelURL: "https://example.com/linux-64",
		Verifier: func(info map[string]json.RawMessage, fn string, signatures map[string]json.RawMessage) error {
			gotFn = fn
			gotInfo = info
			return nil
		},
	}
	_, err := Parse([]byte(sampleRepodata), "linux-64", opts)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if gotFn == "" || gotInfo == nil {
		t.Fatalf("expected verifier to be invoked with a filename and raw info map")
	}
}

func asUpgradeError(err error, target **UpgradeError) bool {
	e, ok := err.(*UpgradeError)
	if ok {
		*target = e
	}
	return ok
}
