package postgres

// schema creates the tables the store reads and writes. Keys use the C
// collation so keyset paging matches byte order.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS records (
	source       TEXT NOT NULL,
	target_key   TEXT COLLATE "C" NOT NULL,
	natural_key  TEXT COLLATE "C" NOT NULL,
	observed_at  TIMESTAMPTZ NOT NULL,
	text         TEXT NOT NULL DEFAULT '',
	payload      JSONB NOT NULL DEFAULT 'null',
	harvested_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source, target_key, natural_key)
)`,
	`CREATE INDEX IF NOT EXISTS records_observed_at_idx ON records (source, target_key, observed_at)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
	source     TEXT NOT NULL,
	target_key TEXT NOT NULL,
	cursor     TEXT NOT NULL DEFAULT '',
	until_ts   TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source, target_key)
)`,
	`CREATE TABLE IF NOT EXISTS enrichments (
	source      TEXT NOT NULL,
	target_key  TEXT COLLATE "C" NOT NULL,
	natural_key TEXT COLLATE "C" NOT NULL,
	kind        TEXT NOT NULL,
	polarity    SMALLINT NOT NULL CHECK (polarity BETWEEN -1 AND 1),
	enriched_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source, target_key, natural_key, kind)
)`,
}
