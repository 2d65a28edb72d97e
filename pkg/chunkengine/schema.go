package chunkengine

// Table definitions for the metadata index. chunk_locations is the single
// source of truth for remote placements; peers, replication_history,
// local_groups and global_recovery hang off file_metadata and chunks.

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL,
	comment TEXT
);

CREATE TABLE IF NOT EXISTS file_metadata (
	file_fingerprint TEXT PRIMARY KEY,
	owner_uuid TEXT NOT NULL,
	original_filename TEXT,
	file_path TEXT,
	original_hash TEXT,
	original_size INTEGER,
	total_chunks INTEGER,
	data_chunks INTEGER,
	parity_chunks INTEGER,
	chunk_size INTEGER,
	algorithm TEXT,
	local_groups_json TEXT,
	global_recovery_indices_json TEXT,
	chunk_hashes_json TEXT,
	created_at TEXT,
	expires_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_file_metadata_owner ON file_metadata(owner_uuid);

CREATE TABLE IF NOT EXISTS chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_fingerprint TEXT NOT NULL,
	chunk_idx INTEGER NOT NULL,
	owner_uuid TEXT NOT NULL,
	local_path TEXT UNIQUE,
	content_hash TEXT,
	chunk_type TEXT DEFAULT 'data',
	size_bytes INTEGER,
	stored_at TEXT,
	expires_at TEXT,
	last_accessed TEXT,
	status TEXT DEFAULT 'verified',
	UNIQUE(file_fingerprint, chunk_idx, owner_uuid)
);
CREATE INDEX IF NOT EXISTS idx_chunks_file_owner ON chunks(file_fingerprint, owner_uuid);
CREATE INDEX IF NOT EXISTS idx_chunks_expires ON chunks(expires_at);
CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks(status);

CREATE TABLE IF NOT EXISTS chunk_locations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_fingerprint TEXT NOT NULL,
	chunk_idx INTEGER NOT NULL,
	owner_uuid TEXT NOT NULL,
	peer_uuid TEXT NOT NULL,
	assigned_at TEXT,
	confirmed_at TEXT,
	status TEXT DEFAULT 'pending',
	attempts INTEGER DEFAULT 0,
	failure_reason TEXT,
	UNIQUE(file_fingerprint, chunk_idx, owner_uuid, peer_uuid)
);
CREATE INDEX IF NOT EXISTS idx_locations_file ON chunk_locations(file_fingerprint);
CREATE INDEX IF NOT EXISTS idx_locations_peer ON chunk_locations(peer_uuid);
CREATE INDEX IF NOT EXISTS idx_locations_status ON chunk_locations(status);

CREATE TABLE IF NOT EXISTS replication_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_fingerprint TEXT NOT NULL,
	chunk_idx INTEGER NOT NULL,
	owner_uuid TEXT NOT NULL,
	source_peer_uuid TEXT,
	target_peer_uuid TEXT,
	reason TEXT DEFAULT 'peer_disconnected',
	created_at TEXT,
	completed_at TEXT,
	attempts INTEGER DEFAULT 0,
	status TEXT DEFAULT 'pending',
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_replication_status ON replication_history(status);

CREATE TABLE IF NOT EXISTS peers (
	peer_uuid TEXT PRIMARY KEY,
	ip_address TEXT,
	port INTEGER,
	reliability_score REAL DEFAULT 0.5,
	chunks_stored INTEGER DEFAULT 0,
	last_seen TEXT,
	first_seen TEXT,
	is_online INTEGER DEFAULT 1,
	storage_available INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_peers_online ON peers(is_online);

CREATE TABLE IF NOT EXISTS local_groups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_fingerprint TEXT NOT NULL,
	group_id INTEGER NOT NULL,
	chunk_indices_json TEXT,
	local_recovery_idx INTEGER,
	UNIQUE(file_fingerprint, group_id)
);

CREATE TABLE IF NOT EXISTS global_recovery (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_fingerprint TEXT NOT NULL,
	recovery_idx INTEGER,
	UNIQUE(file_fingerprint, recovery_idx)
);
`
