// Package enrich runs the chunked enrichment loop: read unenriched records in
// keyset order, classify each chunk with one remote call, and write scores back
// in small keyed upserts.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-harvester/internal/harvest"
	"github.com/JakeFAU/market-harvester/internal/metrics"
)

// Defaults for Config.
const (
	DefaultChunkSize  = 10000
	DefaultWriteBatch = 100
)

// ErrChunkFailed wraps the error that aborted the loop.
var ErrChunkFailed = errors.New("enrich: chunk failed")

// RecordID identifies a persisted record.
type RecordID struct {
	Target harvest.Target
	Key    string
}

// String renders the id as source/key#natural_key; it is the key echoed by
// classifiers.
func (id RecordID) String() string {
	return id.Target.ID() + "#" + id.Key
}

// Less orders ids the way stores page through them.
func (id RecordID) Less(other RecordID) bool {
	if id.Target.Key != other.Target.Key {
		return id.Target.Key < other.Target.Key
	}
	return id.Key < other.Key
}

// Task is a record that still needs a score.
type Task struct {
	ID   RecordID
	Text string
}

// Classification is one item of a classifier response. Key is the echoed
// task key and may be empty when the service does not echo it.
type Classification struct {
	Key      string
	Polarity int
}

// Score is the result written back for a record.
type Score struct {
	ID       RecordID
	Kind     string
	Polarity int
}

// Window bounds the records considered, exclusive on both ends.
type Window struct {
	Start time.Time
	End   time.Time
}

// ChunkQuery asks the store for the next chunk of unenriched records.
type ChunkQuery struct {
	Source string
	Kind   string
	Window Window
	// After is the last id of the previous chunk, nil for the first chunk.
	After *RecordID
	Limit int
}

// Store reads pending tasks and writes scores.
type Store interface {
	PendingChunk(ctx context.Context, query ChunkQuery) ([]Task, error)
	WriteScores(ctx context.Context, scores []Score) error
}

// Classifier scores a whole chunk in one request.
type Classifier interface {
	Classify(ctx context.Context, tasks []Task) ([]Classification, error)
}

// Config controls a Loop.
type Config struct {
	// Source is the harvest source whose records are enriched (e.g. timeline).
	Source string
	// Kind names the enrichment, stored alongside each score.
	Kind       string
	ChunkSize  int
	WriteBatch int
}

// Result summarizes a run.
type Result struct {
	Chunks  int
	Written int
	Skipped int
}

// Loop drives enrichment for one source.
type Loop struct {
	cfg        Config
	store      Store
	classifier Classifier
	logger     *zap.Logger
}

// New validates cfg and returns a Loop.
func New(cfg Config, store Store, classifier Classifier, logger *zap.Logger) (*Loop, error) {
	if store == nil || classifier == nil {
		return nil, fmt.Errorf("store and classifier are required")
	}
	if cfg.Source == "" || cfg.Kind == "" {
		return nil, fmt.Errorf("source and kind are required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.WriteBatch <= 0 {
		cfg.WriteBatch = DefaultWriteBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		cfg:        cfg,
		store:      store,
		classifier: classifier,
		logger:     logger.With(zap.String("source", cfg.Source), zap.String("kind", cfg.Kind)),
	}, nil
}

// Run processes every pending record inside window. The first failing chunk
// aborts the run; chunks written before it stay written.
func (l *Loop) Run(ctx context.Context, window Window) (Result, error) {
	var (
		result Result
		after  *RecordID
	)
	l.logger.Info("Starting enrichment", zap.Time("start", window.Start), zap.Time("end", window.End))
	for {
		tasks, err := l.store.PendingChunk(ctx, ChunkQuery{
			Source: l.cfg.Source,
			Kind:   l.cfg.Kind,
			Window: window,
			After:  after,
			Limit:  l.cfg.ChunkSize,
		})
		if err != nil {
			return result, fmt.Errorf("%w: read chunk %d: %w", ErrChunkFailed, result.Chunks+1, err)
		}
		if len(tasks) == 0 {
			break
		}
		result.Chunks++

		written, skipped, err := l.processChunk(ctx, tasks)
		result.Written += written
		result.Skipped += skipped
		if err != nil {
			metrics.ObserveEnrichChunk(l.cfg.Kind, "error", written, skipped)
			l.logger.Error("Chunk failed", zap.Int("chunk", result.Chunks), zap.Error(err))
			return result, fmt.Errorf("%w: chunk %d: %w", ErrChunkFailed, result.Chunks, err)
		}
		metrics.ObserveEnrichChunk(l.cfg.Kind, "ok", written, skipped)
		l.logger.Info("Chunk enriched",
			zap.Int("chunk", result.Chunks),
			zap.Int("written_total", result.Written),
			zap.Int("written", written),
			zap.Int("skipped", skipped),
		)

		last := tasks[len(tasks)-1].ID
		after = &last
		if len(tasks) < l.cfg.ChunkSize {
			break
		}
	}
	l.logger.Info("Enrichment finished",
		zap.Int("chunks", result.Chunks),
		zap.Int("written", result.Written),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

func (l *Loop) processChunk(ctx context.Context, tasks []Task) (int, int, error) {
	classes, err := l.classifier.Classify(ctx, tasks)
	if err != nil {
		return 0, 0, fmt.Errorf("classify: %w", err)
	}
	scores := l.match(tasks, classes)
	skipped := len(tasks) - len(scores)

	written := 0
	for start := 0; start < len(scores); start += l.cfg.WriteBatch {
		end := min(start+l.cfg.WriteBatch, len(scores))
		if err := l.store.WriteScores(ctx, scores[start:end]); err != nil {
			return written, skipped, fmt.Errorf("write scores: %w", err)
		}
		written += end - start
	}
	return written, skipped, nil
}

// match maps classifications back to tasks by echoed key, falling back to
// position when the response has exactly one item per task. Items that cannot
// be mapped, repeat a task, or carry an out-of-range polarity are dropped.
func (l *Loop) match(tasks []Task, classes []Classification) []Score {
	index := make(map[string]int, len(tasks))
	for i, task := range tasks {
		index[task.ID.String()] = i
	}
	positional := len(classes) == len(tasks)
	seen := make([]bool, len(tasks))
	scores := make([]Score, 0, len(classes))

	for i, c := range classes {
		idx := -1
		switch {
		case c.Key != "":
			if j, ok := index[c.Key]; ok {
				idx = j
			}
		case positional:
			idx = i
		}
		if idx < 0 {
			l.logger.Warn("Dropping unmatched classification", zap.Int("position", i), zap.String("key", c.Key))
			continue
		}
		if seen[idx] {
			l.logger.Warn("Dropping duplicate classification", zap.String("key", tasks[idx].ID.String()))
			continue
		}
		if c.Polarity < -1 || c.Polarity > 1 {
			l.logger.Warn("Dropping out-of-range polarity",
				zap.String("key", tasks[idx].ID.String()),
				zap.Int("polarity", c.Polarity),
			)
			continue
		}
		seen[idx] = true
		scores = append(scores, Score{ID: tasks[idx].ID, Kind: l.cfg.Kind, Polarity: c.Polarity})
	}
	if missing := len(tasks) - len(scores); missing > 0 {
		l.logger.Warn("Some records were not scored", zap.Int("missing", missing))
	}
	return scores
}
