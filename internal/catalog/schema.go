package catalog

// Flag columns are integers in both dialects so that the same queries
// (is_deleted = 0) work everywhere. Timestamps are Unix nanoseconds.

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS blobs (
    hash TEXT PRIMARY KEY,
    volume TEXT NOT NULL,
    path TEXT NOT NULL,
    size INTEGER NOT NULL,
    ref_count INTEGER NOT NULL DEFAULT 1 CHECK (ref_count >= 0),
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id INTEGER NOT NULL,
    parent_id INTEGER NOT NULL DEFAULT 0,
    name TEXT NOT NULL,
    is_folder INTEGER NOT NULL DEFAULT 0,
    hash TEXT,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    deleted_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunk_slots (
    session_id TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    owner_id INTEGER NOT NULL,
    claimed_hash TEXT NOT NULL,
    total_chunks INTEGER NOT NULL,
    uploaded INTEGER NOT NULL DEFAULT 0,
    size INTEGER NOT NULL DEFAULT 0,
    temp_path TEXT,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (session_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS owners (
    owner_id INTEGER PRIMARY KEY,
    quota_total INTEGER NOT NULL DEFAULT 0,
    quota_used INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_active_sibling ON nodes(owner_id, parent_id, name) WHERE is_deleted = 0;
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(owner_id, parent_id, is_deleted);
CREATE INDEX IF NOT EXISTS idx_nodes_trash ON nodes(owner_id, is_deleted, deleted_at);
CREATE INDEX IF NOT EXISTS idx_nodes_hash ON nodes(hash);
CREATE INDEX IF NOT EXISTS idx_chunk_slots_updated ON chunk_slots(updated_at);`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS blobs (
    hash TEXT PRIMARY KEY,
    volume TEXT NOT NULL,
    path TEXT NOT NULL,
    size BIGINT NOT NULL,
    ref_count BIGINT NOT NULL DEFAULT 1 CHECK (ref_count >= 0),
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
    id BIGSERIAL PRIMARY KEY,
    owner_id BIGINT NOT NULL,
    parent_id BIGINT NOT NULL DEFAULT 0,
    name TEXT NOT NULL,
    is_folder SMALLINT NOT NULL DEFAULT 0,
    hash TEXT,
    is_deleted SMALLINT NOT NULL DEFAULT 0,
    deleted_at BIGINT,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS chunk_slots (
    session_id TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    owner_id BIGINT NOT NULL,
    claimed_hash TEXT NOT NULL,
    total_chunks INTEGER NOT NULL,
    uploaded SMALLINT NOT NULL DEFAULT 0,
    size BIGINT NOT NULL DEFAULT 0,
    temp_path TEXT,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (session_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS owners (
    owner_id BIGINT PRIMARY KEY,
    quota_total BIGINT NOT NULL DEFAULT 0,
    quota_used BIGINT NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_active_sibling ON nodes(owner_id, parent_id, name) WHERE is_deleted = 0;
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(owner_id, parent_id, is_deleted);
CREATE INDEX IF NOT EXISTS idx_nodes_trash ON nodes(owner_id, is_deleted, deleted_at);
CREATE INDEX IF NOT EXISTS idx_nodes_hash ON nodes(hash);
CREATE INDEX IF NOT EXISTS idx_chunk_slots_updated ON chunk_slots(updated_at);`

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := sqliteSchema
	if d.dialect == Postgres {
		schema = postgresSchema
	}
	_, err := d.db.Exec(schema)
	return err
}
