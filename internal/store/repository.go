package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/market-harvester/internal/enrich"
	"github.com/JakeFAU/market-harvester/internal/harvest"
)

// ErrNotFound signals that the requested checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// DefaultBatchSize bounds the rows written by a single insert statement.
const DefaultBatchSize = 100

// Repository is what a storage backend provides to the rest of the program.
type Repository interface {
	harvest.Store
	enrich.Store
	// Get returns the stored checkpoint or ErrNotFound. Unlike Load it never
	// synthesizes a default.
	Get(ctx context.Context, target harvest.Target) (harvest.Checkpoint, error)
	// List returns the stored checkpoints of a source ordered by key. An
	// empty source lists every checkpoint.
	List(ctx context.Context, source string) ([]harvest.Checkpoint, error)
	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases connections.
	Close() error
}

// EncodePayload serializes a record payload for storage.
func EncodePayload(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

// Batches splits records into consecutive slices of at most size elements.
func Batches(records []harvest.Record, size int) [][]harvest.Record {
	if size <= 0 {
		size = DefaultBatchSize
	}
	out := make([][]harvest.Record, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		out = append(out, records[start:min(start+size, len(records))])
	}
	return out
}

// Dedupe drops records whose key already appeared earlier in the slice, so
// the first-seen payload wins inside a single batch as well.
func Dedupe(records []harvest.Record) []harvest.Record {
	seen := make(map[string]struct{}, len(records))
	out := make([]harvest.Record, 0, len(records))
	for _, rec := range records {
		if _, ok := seen[rec.Key]; ok {
			continue
		}
		seen[rec.Key] = struct{}{}
		out = append(out, rec)
	}
	return out
}
