package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	payload      TEXT NOT NULL,
	marketplace  TEXT NOT NULL,
	cache_key    TEXT NOT NULL,
	status       TEXT NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 0,
	retry_count  INTEGER NOT NULL DEFAULT 0,
	submitted_at INTEGER NOT NULL,
	scheduled_at INTEGER NOT NULL,
	claimed_by   TEXT NOT NULL DEFAULT '',
	claimed_at   INTEGER,
	completed_at INTEGER,
	last_error   TEXT NOT NULL DEFAULT '',
	result       TEXT
);

CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs (status, priority DESC, scheduled_at, id);
CREATE INDEX IF NOT EXISTS jobs_cache_key_idx ON jobs (cache_key, status);

CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

const jobColumns = `id, kind, payload, marketplace, cache_key, status, priority, retry_count,
	submitted_at, scheduled_at, claimed_by, claimed_at, completed_at, last_error, result`
