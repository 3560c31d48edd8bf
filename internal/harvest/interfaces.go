package harvest

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves one page for a target.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) FetchResult
}

// Extractor turns a raw page into candidate records. It must not perform I/O.
type Extractor interface {
	Extract(page Page) Extraction
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(page Page) Extraction

// Extract calls f.
func (f ExtractorFunc) Extract(page Page) Extraction {
	return f(page)
}

// AcceptFunc decides whether a candidate is persisted.
type AcceptFunc func(Record) bool

// AcceptAll keeps every candidate.
func AcceptAll(Record) bool { return true }

// Source bundles the collaborators for one kind of target.
type Source struct {
	Name      string
	Fetcher   Fetcher
	Extractor Extractor
	Accept    AcceptFunc
}

// CheckpointStore loads and saves checkpoints.
type CheckpointStore interface {
	// Load returns the stored checkpoint or a default one. The default has an
	// empty cursor and Until at the oldest stored record for the target, or
	// now when none exist.
	Load(ctx context.Context, target Target) (Checkpoint, error)
	// Save overwrites the checkpoint for its target.
	Save(ctx context.Context, checkpoint Checkpoint) error
}

// RecordSink inserts records, ignoring keys that already exist.
type RecordSink interface {
	UpsertBatch(ctx context.Context, target Target, records []Record) (int, error)
}

// Committer persists records and the advanced checkpoint as one unit.
type Committer interface {
	Commit(ctx context.Context, target Target, records []Record, checkpoint Checkpoint) (int, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	CheckpointStore
	RecordSink
	Committer
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Limiter paces outbound requests per key.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Publisher pushes commit notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore keeps raw pages of failed attempts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
