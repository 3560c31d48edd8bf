// Package postgres provides the Postgres-backed store.Repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/market-harvester/internal/enrich"
	"github.com/JakeFAU/market-harvester/internal/harvest"
	"github.com/JakeFAU/market-harvester/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// BatchSize bounds the rows per insert statement.
	BatchSize int `mapstructure:"batch_size"`
	// Migrate creates missing tables on startup.
	Migrate bool `mapstructure:"migrate"`
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists records, checkpoints and enrichment scores in Postgres.
type Store struct {
	pool  pool
	clock harvest.Clock
	batch int
}

var _ store.Repository = (*Store)(nil)

// New connects to Postgres and optionally applies the schema.
func New(ctx context.Context, cfg Config, clock harvest.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, clock, cfg.BatchSize)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, clock harvest.Clock, batchSize int) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if batchSize <= 0 {
		batchSize = store.DefaultBatchSize
	}
	return &Store{pool: p, clock: clock, batch: batchSize}, nil
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Ping checks a connection can be acquired.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const selectCheckpoint = `SELECT cursor, until_ts, updated_at FROM checkpoints WHERE source = $1 AND target_key = $2`

// Get returns the stored checkpoint or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, target harvest.Target) (harvest.Checkpoint, error) {
	cp := harvest.Checkpoint{Target: target}
	err := s.pool.QueryRow(ctx, selectCheckpoint, target.Source, target.Key).
		Scan(&cp.Cursor, &cp.Until, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Checkpoint{}, store.ErrNotFound
	}
	if err != nil {
		return harvest.Checkpoint{}, fmt.Errorf("select checkpoint: %w", err)
	}
	cp.Until = cp.Until.UTC()
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return cp, nil
}

// Load returns the stored checkpoint, or a default whose Until is the oldest
// stored record for the target (now when there is none). The default is not
// written.
func (s *Store) Load(ctx context.Context, target harvest.Target) (harvest.Checkpoint, error) {
	cp, err := s.Get(ctx, target)
	if err == nil {
		return cp, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return harvest.Checkpoint{}, err
	}
	var oldest *time.Time
	err = s.pool.QueryRow(ctx,
		`SELECT min(observed_at) FROM records WHERE source = $1 AND target_key = $2`,
		target.Source, target.Key,
	).Scan(&oldest)
	if err != nil {
		return harvest.Checkpoint{}, fmt.Errorf("select oldest record: %w", err)
	}
	until := s.clock.Now()
	if oldest != nil {
		until = oldest.UTC()
	}
	return harvest.Checkpoint{Target: target, Until: until}, nil
}

const upsertCheckpoint = `INSERT INTO checkpoints (source, target_key, cursor, until_ts, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (source, target_key) DO UPDATE
SET cursor = EXCLUDED.cursor, until_ts = EXCLUDED.until_ts, updated_at = EXCLUDED.updated_at`

// Save overwrites the checkpoint.
func (s *Store) Save(ctx context.Context, checkpoint harvest.Checkpoint) error {
	return s.saveCheckpoint(ctx, s.pool, checkpoint)
}

func (s *Store) saveCheckpoint(ctx context.Context, db execer, cp harvest.Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.clock.Now()
	}
	_, err := db.Exec(ctx, upsertCheckpoint, cp.Target.Source, cp.Target.Key, cp.Cursor, cp.Until, cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// UpsertBatch inserts records in one transaction, skipping existing keys.
func (s *Store) UpsertBatch(ctx context.Context, target harvest.Target, records []harvest.Record) (int, error) {
	return s.inTx(ctx, func(tx pgx.Tx) (int, error) {
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
	return s.inTx(ctx, func(tx pgx.Tx) (int, error) {
		inserted, err := s.insertRecords(ctx, tx, target, records)
		if err != nil {
			return 0, err
		}
		if err := s.saveCheckpoint(ctx, tx, checkpoint); err != nil {
			return 0, err
		}
		return inserted, nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) (int, error)) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	n, err := fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return 0, fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

const recordColumns = 7

func (s *Store) insertRecords(ctx context.Context, db execer, target harvest.Target, records []harvest.Record) (int, error) {
	now := s.clock.Now()
	inserted := 0
	for _, batch := range store.Batches(store.Dedupe(records), s.batch) {
		var sb strings.Builder
		sb.WriteString(`INSERT INTO records (source, target_key, natural_key, observed_at, text, payload, harvested_at) VALUES `)
		args := make([]any, 0, len(batch)*recordColumns)
		for i, rec := range batch {
			payload, err := store.EncodePayload(rec.Payload)
			if err != nil {
				return inserted, fmt.Errorf("record %s: %w", rec.Key, err)
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			writePlaceholders(&sb, i*recordColumns, recordColumns)
			args = append(args, target.Source, target.Key, rec.Key, rec.Timestamp, rec.Text, payload, now)
		}
		sb.WriteString(` ON CONFLICT (source, target_key, natural_key) DO NOTHING`)
		tag, err := db.Exec(ctx, sb.String(), args...)
		if err != nil {
			return inserted, fmt.Errorf("insert records: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// writePlaceholders writes "($n, $n+1, ...)" for one row.
func writePlaceholders(sb *strings.Builder, offset, n int) {
	sb.WriteByte('(')
	for j := range n {
		if j > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(sb, "$%d", offset+j+1)
	}
	sb.WriteByte(')')
}

// List returns stored checkpoints ordered by source then key.
func (s *Store) List(ctx context.Context, source string) ([]harvest.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `SELECT source, target_key, cursor, until_ts, updated_at FROM checkpoints
WHERE $1 = '' OR source = $1
ORDER BY source, target_key`, source)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	var out []harvest.Checkpoint
	for rows.Next() {
		var cp harvest.Checkpoint
		if err := rows.Scan(&cp.Target.Source, &cp.Target.Key, &cp.Cursor, &cp.Until, &cp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Until = cp.Until.UTC()
		cp.UpdatedAt = cp.UpdatedAt.UTC()
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

const pendingChunk = `SELECT r.target_key, r.natural_key, r.text FROM records r
WHERE r.source = $1
  AND ($2::timestamptz IS NULL OR r.observed_at > $2)
  AND ($3::timestamptz IS NULL OR r.observed_at < $3)
  AND (r.target_key, r.natural_key) > ($4, $5)
  AND NOT EXISTS (
    SELECT 1 FROM enrichments e
    WHERE e.source = r.source AND e.target_key = r.target_key
      AND e.natural_key = r.natural_key AND e.kind = $6
  )
ORDER BY r.target_key, r.natural_key
LIMIT $7`

// PendingChunk returns unscored records in key order after query.After.
func (s *Store) PendingChunk(ctx context.Context, query enrich.ChunkQuery) ([]enrich.Task, error) {
	var afterTarget, afterKey string
	if query.After != nil {
		afterTarget, afterKey = query.After.Target.Key, query.After.Key
	}
	rows, err := s.pool.Query(ctx, pendingChunk,
		query.Source,
		optionalTime(query.Window.Start),
		optionalTime(query.Window.End),
		afterTarget, afterKey,
		query.Kind,
		query.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	defer rows.Close()
	tasks := make([]enrich.Task, 0, query.Limit)
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

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

const scoreColumns = 6

// WriteScores upserts scores in one statement keyed by record and kind.
func (s *Store) WriteScores(ctx context.Context, scores []enrich.Score) error {
	if len(scores) == 0 {
		return nil
	}
	now := s.clock.Now()
	var sb strings.Builder
	sb.WriteString(`INSERT INTO enrichments (source, target_key, natural_key, kind, polarity, enriched_at) VALUES `)
	args := make([]any, 0, len(scores)*scoreColumns)
	for i, sc := range scores {
		if i > 0 {
			sb.WriteString(", ")
		}
		writePlaceholders(&sb, i*scoreColumns, scoreColumns)
		args = append(args, sc.ID.Target.Source, sc.ID.Target.Key, sc.ID.Key, sc.Kind, sc.Polarity, now)
	}
	sb.WriteString(` ON CONFLICT (source, target_key, natural_key, kind) DO UPDATE
SET polarity = EXCLUDED.polarity, enriched_at = EXCLUDED.enriched_at`)
	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert scores: %w", err)
	}
	return nil
}
