package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/market-harvester/internal/enrich"
	"github.com/JakeFAU/market-harvester/internal/harvest"
	"github.com/JakeFAU/market-harvester/internal/store"
)

// StoredRecord is a record as kept by Store.
type StoredRecord struct {
	harvest.Record
	HarvestedAt time.Time
}

// Store is an in-memory store.Repository for development and tests.
type Store struct {
	mu          sync.RWMutex
	clock       harvest.Clock
	checkpoints map[harvest.Target]harvest.Checkpoint
	records     map[harvest.Target]map[string]StoredRecord
	// scores is keyed by kind, then by record id.
	scores map[string]map[string]enrich.Score
}

var _ store.Repository = (*Store)(nil)

// NewStore constructs a Store. A nil clock falls back to UTC wall time.
func NewStore(clock harvest.Clock) *Store {
	if clock == nil {
		clock = wallClock{}
	}
	return &Store{
		clock:       clock,
		checkpoints: make(map[harvest.Target]harvest.Checkpoint),
		records:     make(map[harvest.Target]map[string]StoredRecord),
		scores:      make(map[string]map[string]enrich.Score),
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Load returns the stored checkpoint or a default rooted at the oldest record.
func (s *Store) Load(_ context.Context, target harvest.Target) (harvest.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cp, ok := s.checkpoints[target]; ok {
		return cp, nil
	}
	until := s.clock.Now()
	first := true
	for _, rec := range s.records[target] {
		if first || rec.Timestamp.Before(until) {
			until = rec.Timestamp
			first = false
		}
	}
	return harvest.Checkpoint{Target: target, Until: until}, nil
}

// Save overwrites the checkpoint.
func (s *Store) Save(_ context.Context, checkpoint harvest.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(checkpoint)
	return nil
}

func (s *Store) saveLocked(checkpoint harvest.Checkpoint) {
	if checkpoint.UpdatedAt.IsZero() {
		checkpoint.UpdatedAt = s.clock.Now()
	}
	s.checkpoints[checkpoint.Target] = checkpoint
}

// UpsertBatch inserts records whose key is new for the target.
func (s *Store) UpsertBatch(_ context.Context, target harvest.Target, records []harvest.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(target, records), nil
}

func (s *Store) insertLocked(target harvest.Target, records []harvest.Record) int {
	bucket, ok := s.records[target]
	if !ok {
		bucket = make(map[string]StoredRecord)
		s.records[target] = bucket
	}
	now := s.clock.Now()
	inserted := 0
	for _, rec := range records {
		if _, exists := bucket[rec.Key]; exists {
			continue
		}
		bucket[rec.Key] = StoredRecord{Record: rec, HarvestedAt: now}
		inserted++
	}
	return inserted
}

// Commit inserts records and saves the checkpoint under one lock.
func (s *Store) Commit(
	_ context.Context,
	target harvest.Target,
	records []harvest.Record,
	checkpoint harvest.Checkpoint,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := s.insertLocked(target, records)
	s.saveLocked(checkpoint)
	return inserted, nil
}

// Get returns the stored checkpoint or store.ErrNotFound.
func (s *Store) Get(_ context.Context, target harvest.Target) (harvest.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[target]
	if !ok {
		return harvest.Checkpoint{}, store.ErrNotFound
	}
	return cp, nil
}

// List returns stored checkpoints ordered by source then key.
func (s *Store) List(_ context.Context, source string) ([]harvest.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Checkpoint, 0, len(s.checkpoints))
	for target, cp := range s.checkpoints {
		if source != "" && target.Source != source {
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target.ID() < out[j].Target.ID() })
	return out, nil
}

// Records returns a copy of the records stored for target, newest first.
func (s *Store) Records(target harvest.Target) []StoredRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StoredRecord, 0, len(s.records[target]))
	for _, rec := range s.records[target] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// PendingChunk returns records of the query source without a score of the
// query kind, in id order after query.After.
func (s *Store) PendingChunk(_ context.Context, query enrich.ChunkQuery) ([]enrich.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	done := s.scores[query.Kind]
	var tasks []enrich.Task
	for target, bucket := range s.records {
		if target.Source != query.Source {
			continue
		}
		for key, rec := range bucket {
			id := enrich.RecordID{Target: target, Key: key}
			if query.After != nil && !query.After.Less(id) {
				continue
			}
			if !inWindow(rec.Timestamp, query.Window) {
				continue
			}
			if _, scored := done[id.String()]; scored {
				continue
			}
			tasks = append(tasks, enrich.Task{ID: id, Text: rec.Text})
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID.Less(tasks[j].ID) })
	if query.Limit > 0 && len(tasks) > query.Limit {
		tasks = tasks[:query.Limit]
	}
	return tasks, nil
}

func inWindow(ts time.Time, window enrich.Window) bool {
	if !window.Start.IsZero() && !ts.After(window.Start) {
		return false
	}
	if !window.End.IsZero() && !ts.Before(window.End) {
		return false
	}
	return true
}

// WriteScores upserts scores by record id and kind.
func (s *Store) WriteScores(_ context.Context, scores []enrich.Score) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range scores {
		bucket, ok := s.scores[sc.Kind]
		if !ok {
			bucket = make(map[string]enrich.Score)
			s.scores[sc.Kind] = bucket
		}
		bucket[sc.ID.String()] = sc
	}
	return nil
}

// Score returns the stored score of kind for id.
func (s *Store) Score(kind string, id enrich.RecordID) (enrich.Score, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scores[kind][id.String()]
	return sc, ok
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }
