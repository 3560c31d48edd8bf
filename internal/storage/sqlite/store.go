// Package sqlite provides a single-file store.Repository on modernc's pure-Go
// SQLite driver. Timestamps are stored as Unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "embed"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/market-harvester/internal/enrich"
	"github.com/JakeFAU/market-harvester/internal/harvest"
	"github.com/JakeFAU/market-harvester/internal/store"
)

//go:embed schema.sql
var schema string

// Writers from other processes wait this long for the lock before failing.
const busyTimeout = 5 * time.Second

// Store persists records, checkpoints and scores in SQLite.
type Store struct {
	db    *sql.DB
	clock harvest.Clock
	batch int
}

var _ store.Repository = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema. Use
// ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, clock harvest.Clock, batchSize int) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if batchSize <= 0 {
		batchSize = store.DefaultBatchSize
	}
	return &Store{db: db, clock: clock, batch: batchSize}, nil
}

// dsn applies WAL, the busy timeout and immediate transactions to every
// connection.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		path, sep, busyTimeout.Milliseconds())
}

// Ping checks the database file is usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close() //nolint:wrapcheck
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// Get returns the stored checkpoint or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, target harvest.Target) (harvest.Checkpoint, error) {
	var until, updated int64
	cp := harvest.Checkpoint{Target: target}
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor, until_ts, updated_at FROM checkpoints WHERE source = ? AND target_key = ?`,
		target.Source, target.Key,
	).Scan(&cp.Cursor, &until, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.Checkpoint{}, store.ErrNotFound
	}
	if err != nil {
		return harvest.Checkpoint{}, fmt.Errorf("select checkpoint: %w", err)
	}
	cp.Until = fromNanos(until)
	cp.UpdatedAt = fromNanos(updated)
	return cp, nil
}

// Load returns the stored checkpoint or an unsaved default rooted at the
// oldest stored record for the target.
func (s *Store) Load(ctx context.Context, target harvest.Target) (harvest.Checkpoint, error) {
	cp, err := s.Get(ctx, target)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return cp, err
	}
	var oldest sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT min(observed_at) FROM records WHERE source = ? AND target_key = ?`,
		target.Source, target.Key,
	).Scan(&oldest)
	if err != nil {
		return harvest.Checkpoint{}, fmt.Errorf("select oldest record: %w", err)
	}
	until := s.clock.Now()
	if oldest.Valid {
		until = fromNanos(oldest.Int64)
	}
	return harvest.Checkpoint{Target: target, Until: until}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Save overwrites the checkpoint.
func (s *Store) Save(ctx context.Context, checkpoint harvest.Checkpoint) error {
	return s.saveCheckpoint(ctx, s.db, checkpoint)
}

func (s *Store) saveCheckpoint(ctx context.Context, db execer, cp harvest.Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.clock.Now()
	}
	_, err := db.ExecContext(ctx, `INSERT INTO checkpoints (source, target_key, cursor, until_ts, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (source, target_key) DO UPDATE
SET cursor = excluded.cursor, until_ts = excluded.until_ts, updated_at = excluded.updated_at`,
		cp.Target.Source, cp.Target.Key, cp.Cursor, toNanos(cp.Until), toNanos(cp.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// UpsertBatch inserts records in one transaction, skipping existing keys.
func (s *Store) UpsertBatch(ctx context.Context, target harvest.Target, records []harvest.Record) (int, error) {
	return s.inTx(ctx, func(tx *sql.Tx) (int, error) {
		return s.insertRecords(ctx, tx, target, records)
	})
}

// Commit inserts records and saves the checkpoint in one transaction.
func (s *Store) Commit(
	ctx context.Context,
	target harvest.Target,
	records []harvest.Record,
	checkpoint harvest.Checkpoint,
) (int, error) {
	return s.inTx(ctx, func(tx *sql.Tx) (int, error) {
		n, err := s.insertRecords(ctx, tx, target, records)
		if err != nil {
			return 0, err
		}
		if err := s.saveCheckpoint(ctx, tx, checkpoint); err != nil {
			return 0, err
		}
		return n, nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) (int, error)) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	n, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

func (s *Store) insertRecords(ctx context.Context, db execer, target harvest.Target, records []harvest.Record) (int, error) {
	now := toNanos(s.clock.Now())
	inserted := 0
	for _, batch := range store.Batches(store.Dedupe(records), s.batch) {
		rows := make([]string, len(batch))
		args := make([]any, 0, len(batch)*7)
		for i, rec := range batch {
			payload, err := store.EncodePayload(rec.Payload)
			if err != nil {
				return inserted, fmt.Errorf("record %s: %w", rec.Key, err)
			}
			rows[i] = "(?, ?, ?, ?, ?, ?, ?)"
			args = append(args, target.Source, target.Key, rec.Key, toNanos(rec.Timestamp), rec.Text, string(payload), now)
		}
		res, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO records (source, target_key, natural_key, observed_at, text, payload, harvested_at) VALUES `+
				strings.Join(rows, ", "),
			args...)
		if err != nil {
			return inserted, fmt.Errorf("insert records: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}
	return inserted, nil
}

// List returns stored checkpoints ordered by source then key.
func (s *Store) List(ctx context.Context, source string) ([]harvest.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, target_key, cursor, until_ts, updated_at FROM checkpoints
WHERE ?1 = '' OR source = ?1
ORDER BY source, target_key`, source)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []harvest.Checkpoint
	for rows.Next() {
		var (
			cp             harvest.Checkpoint
			until, updated int64
		)
		if err := rows.Scan(&cp.Target.Source, &cp.Target.Key, &cp.Cursor, &until, &updated); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Until = fromNanos(until)
		cp.UpdatedAt = fromNanos(updated)
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

// PendingChunk returns unscored records in key order after query.After.
func (s *Store) PendingChunk(ctx context.Context, query enrich.ChunkQuery) ([]enrich.Task, error) {
	var afterTarget, afterKey string
	if query.After != nil {
		afterTarget, afterKey = query.After.Target.Key, query.After.Key
	}
	var start, end sql.NullInt64
	if !query.Window.Start.IsZero() {
		start = sql.NullInt64{Int64: toNanos(query.Window.Start), Valid: true}
	}
	if !query.Window.End.IsZero() {
		end = sql.NullInt64{Int64: toNanos(query.Window.End), Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT r.target_key, r.natural_key, r.text FROM records r
WHERE r.source = ?1
  AND (?2 IS NULL OR r.observed_at > ?2)
  AND (?3 IS NULL OR r.observed_at < ?3)
  AND (r.target_key, r.natural_key) > (?4, ?5)
  AND NOT EXISTS (
    SELECT 1 FROM enrichments e
    WHERE e.source = r.source AND e.target_key = r.target_key
      AND e.natural_key = r.natural_key AND e.kind = ?6
  )
ORDER BY r.target_key, r.natural_key
LIMIT ?7`,
		query.Source, start, end, afterTarget, afterKey, query.Kind, query.Limit)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var tasks []enrich.Task
	for rows.Next() {
		task := enrich.Task{ID: enrich.RecordID{Target: harvest.Target{Source: query.Source}}}
		if err := rows.Scan(&task.ID.Target.Key, &task.ID.Key, &task.Text); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	return tasks, nil
}

// WriteScores upserts scores in one transaction.
func (s *Store) WriteScores(ctx context.Context, scores []enrich.Score) error {
	if len(scores) == 0 {
		return nil
	}
	now := toNanos(s.clock.Now())
	_, err := s.inTx(ctx, func(tx *sql.Tx) (int, error) {
		for _, sc := range scores {
			_, err := tx.ExecContext(ctx, `INSERT INTO enrichments (source, target_key, natural_key, kind, polarity, enriched_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (source, target_key, natural_key, kind) DO UPDATE
SET polarity = excluded.polarity, enriched_at = excluded.enriched_at`,
				sc.ID.Target.Source, sc.ID.Target.Key, sc.ID.Key, sc.Kind, sc.Polarity, now)
			if err != nil {
				return 0, fmt.Errorf("upsert score: %w", err)
			}
		}
		return len(scores), nil
	})
	return err
}
