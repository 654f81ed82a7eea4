package repocore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
)

// FetchOutcome classifies how one SubdirData.Load() settled, for the
// acquisition-history telemetry SPEC_FULL.md §4 adds on top of the
// original (new, not excluded by any Non-goal — the Non-goals name
// upload/installation/auth, not observability).
type FetchOutcome string

const (
	OutcomeCacheHit    FetchOutcome = "cache-hit"
	OutcomeFresh       FetchOutcome = "fresh"
	OutcomeJLAPPatched FetchOutcome = "jlap-patched"
	OutcomeZstFull     FetchOutcome = "zst-full"
	OutcomeJSONFull    FetchOutcome = "json-full"
)

// FetchRecord is one document in a channel's fetch-history
// subcollection.
type FetchRecord struct {
	ID               string
	ChannelURL       string
	Subdir           string
	Outcome          FetchOutcome
	BytesTransferred int64
	// BytesSaved is the number of bytes a JLAP patch saved relative to
	// a full fetch. It is stored as given; SubdirData.recordTelemetry
	// never sets it, so the records it produces carry zero.
	BytesSaved int64
	Latency    time.Duration
	Timestamp  time.Time
}

// Sink records completed acquisitions. SubdirData (given one by
// NewRegistry) calls it once per successful load, and a nil Sink is a
// valid no-op, so the core never requires a GCP project to function.
type Sink interface {
	Record(ctx context.Context, rec FetchRecord) error
}

// NoopSink discards every record; it is the default when no telemetry
// backend is configured.
type NoopSink struct{}

func (NoopSink) Record(context.Context, FetchRecord) error { return nil }

// FirestoreSinkConfig names a GCP project ID plus an optional service
// account key path, falling back to application-default credentials.
type FirestoreSinkConfig struct {
	GCPProjectID      string
	ServiceAccountKey string
}

// FirestoreSink persists fetch history to Firestore, one document per
// completed load under channels/{channelDocID}/fetches/{recordID}.
type FirestoreSink struct {
	client *firestore.Client
}

func NewFirestoreSink(ctx context.Context, cfg FirestoreSinkConfig) (*FirestoreSink, error) {
	var client *firestore.Client
	var err error
	if cfg.ServiceAccountKey != "" {
		client, err = firestore.NewClient(ctx, cfg.GCPProjectID, option.WithCredentialsFile(cfg.ServiceAccountKey))
	} else {
		client, err = firestore.NewClient(ctx, cfg.GCPProjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("repocore: firestore.NewClient: %w", err)
	}
	return &FirestoreSink{client: client}, nil
}

func (f *FirestoreSink) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// channelDocID joins a channel URL and subdir into a document ID.
// Record passes the result through sanitizeDocID, which replaces "/"
// and "." so the ID satisfies Firestore's restriction on "/".
func channelDocID(channelURL, subdir string) string {
	return channelURL + "::" + subdir
}

func (f *FirestoreSink) Record(ctx context.Context, rec FetchRecord) error {
	doc := f.client.Collection("channels").Doc(sanitizeDocID(channelDocID(rec.ChannelURL, rec.Subdir)))
	if _, err := doc.Set(ctx, map[string]interface{}{
		"channelUrl":   rec.ChannelURL,
		"subdir":       rec.Subdir,
		"lastOutcome":  string(rec.Outcome),
		"lastFetchAt":  rec.Timestamp.Unix(),
	}, firestore.MergeAll); err != nil {
		return fmt.Errorf("repocore: telemetry channel upsert: %w", err)
	}

	if _, err := doc.Collection("fetches").Doc(rec.ID).Set(ctx, map[string]interface{}{
		"outcome":          string(rec.Outcome),
		"bytesTransferred": rec.BytesTransferred,
		"bytesSaved":       rec.BytesSaved,
		"latencyMs":        rec.Latency.Milliseconds(),
		"timestamp":        rec.Timestamp.Unix(),
	}); err != nil {
		return fmt.Errorf("repocore: telemetry fetch record: %w", err)
	}
	return nil
}

func sanitizeDocID(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '/', '.':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
