package chunkengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Index is a durable, transactional metadata index over files,
// chunks, locations, replication tasks, and peers.
type Index struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewIndex opens (creating if absent) the sqlite-backed index at path and
// runs any pending migrations. Pass ":memory:" for an ephemeral index.
func NewIndex(path string, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, &IndexError{Op: "open", Cause: err}
	}
	db.SetMaxOpenConns(1) // sqlite allows one writer; serialize at the pool

	if err := runMigrations(db, path, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Index{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error { return idx.db.Close() }

// WithTx runs fn inside a transaction: every mutation in fn either commits
// together or rolls back as a unit, and the write lock is released on all
// exit paths.
func (idx *Index) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return &IndexError{Op: "begin_tx", Cause: err}
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &IndexError{Op: "commit_tx", Cause: err}
	}
	return nil
}

func iso(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseISO(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// InsertManifest inserts a file manifest and its local-group/global-recovery
// rows within the given transaction.
func InsertManifest(tx *sql.Tx, m *Manifest) error {
	localGroupsJSON, err := json.Marshal(m.LocalGroups)
	if err != nil {
		return err
	}
	globalRecoveryJSON, err := json.Marshal(m.GlobalRecoveryIndices)
	if err != nil {
		return err
	}
	chunkHashesJSON, err := json.Marshal(m.ChunkHashes)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO file_metadata (
			file_fingerprint, owner_uuid, original_filename, file_path,
			original_hash, original_size, total_chunks, data_chunks,
			parity_chunks, chunk_size, algorithm, local_groups_json,
			global_recovery_indices_json, chunk_hashes_json, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.FileFingerprint, m.OwnerID, m.OriginalFilename, m.FilePath,
		m.OriginalHash, m.OriginalSize, m.TotalChunks, m.DataShards,
		m.ParityShards, m.ChunkSize, m.Algorithm, string(localGroupsJSON),
		string(globalRecoveryJSON), string(chunkHashesJSON), iso(m.CreatedAt), iso(m.ExpiresAt),
	)
	if err != nil {
		return err
	}

	for _, g := range m.LocalGroups {
		indicesJSON, err := json.Marshal(g.ChunkIndices)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO local_groups (file_fingerprint, group_id, chunk_indices_json, local_recovery_idx) VALUES (?, ?, ?, ?)`,
			m.FileFingerprint, g.GroupID, string(indicesJSON), g.LocalRecoveryIdx,
		); err != nil {
			return err
		}
	}
	for _, recoveryIdx := range m.GlobalRecoveryIndices {
		if _, err := tx.Exec(
			`INSERT INTO global_recovery (file_fingerprint, recovery_idx) VALUES (?, ?)`,
			m.FileFingerprint, recoveryIdx,
		); err != nil {
			return err
		}
	}
	return nil
}

// GetManifest looks up a manifest by file fingerprint, or returns
// *ManifestNotFoundError.
func (idx *Index) GetManifest(ctx context.Context, fileFingerprint string) (*Manifest, error) {
	row := idx.db.QueryRowContext(ctx, `
		SELECT file_fingerprint, owner_uuid, original_filename, file_path,
			original_hash, original_size, total_chunks, data_chunks,
			parity_chunks, chunk_size, algorithm, local_groups_json,
			global_recovery_indices_json, chunk_hashes_json, created_at, expires_at
		FROM file_metadata WHERE file_fingerprint = ?`, fileFingerprint)

	var m Manifest
	var localGroupsJSON, globalRecoveryJSON, chunkHashesJSON, createdAt, expiresAt string
	err := row.Scan(&m.FileFingerprint, &m.OwnerID, &m.OriginalFilename, &m.FilePath,
		&m.OriginalHash, &m.OriginalSize, &m.TotalChunks, &m.DataShards,
		&m.ParityShards, &m.ChunkSize, &m.Algorithm, &localGroupsJSON,
		&globalRecoveryJSON, &chunkHashesJSON, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, &ManifestNotFoundError{FileFingerprint: fileFingerprint}
	}
	if err != nil {
		return nil, &IndexError{Op: "get_manifest", Cause: err}
	}

	if err := json.Unmarshal([]byte(localGroupsJSON), &m.LocalGroups); err != nil {
		return nil, &IndexError{Op: "unmarshal_local_groups", Cause: err}
	}
	if err := json.Unmarshal([]byte(globalRecoveryJSON), &m.GlobalRecoveryIndices); err != nil {
		return nil, &IndexError{Op: "unmarshal_global_recovery", Cause: err}
	}
	if err := json.Unmarshal([]byte(chunkHashesJSON), &m.ChunkHashes); err != nil {
		return nil, &IndexError{Op: "unmarshal_chunk_hashes", Cause: err}
	}
	m.CreatedAt = parseISO(createdAt)
	m.ExpiresAt = parseISO(expiresAt)
	return &m, nil
}

// ListManifestsByOwner returns the file fingerprint of every manifest
// belonging to owner.
func (idx *Index) ListManifestsByOwner(ctx context.Context, owner string) ([]string, error) {
	rows, err := idx.db.QueryContext(ctx, `SELECT file_fingerprint FROM file_metadata WHERE owner_uuid = ?`, owner)
	if err != nil {
		return nil, &IndexError{Op: "list_manifests_by_owner", Cause: err}
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, &IndexError{Op: "scan_manifest_list", Cause: err}
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

// UpdateManifestExpiry extends a manifest's expiry timestamp, its only
// mutable field after creation.
func (idx *Index) UpdateManifestExpiry(ctx context.Context, fileFingerprint string, expiresAt time.Time) error {
	res, err := idx.db.ExecContext(ctx, `UPDATE file_metadata SET expires_at = ? WHERE file_fingerprint = ?`, iso(expiresAt), fileFingerprint)
	if err != nil {
		return &IndexError{Op: "update_manifest", Cause: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &ManifestNotFoundError{FileFingerprint: fileFingerprint}
	}
	return nil
}

// InsertShard inserts one shard row within the given transaction. An empty
// LocalPath is stored as NULL, so shards without a local copy do not
// collide on the unique local_path column.
func InsertShard(tx *sql.Tx, s *Shard) error {
	localPath := sql.NullString{String: s.LocalPath, Valid: s.LocalPath != ""}
	_, err := tx.Exec(`
		INSERT INTO chunks (file_fingerprint, chunk_idx, owner_uuid, local_path,
			content_hash, chunk_type, size_bytes, stored_at, expires_at, last_accessed, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.FileFingerprint, s.ShardIndex, s.Owner, localPath, s.SHA256,
		string(s.Kind), s.Size, iso(s.StoredAt), iso(s.ExpiresAt), iso(s.LastAccessed), string(s.Status),
	)
	return err
}

func scanShard(row interface{ Scan(...any) error }) (*Shard, error) {
	var s Shard
	var kind, status, storedAt, expiresAt, lastAccessed string
	var localPath sql.NullString
	err := row.Scan(&s.FileFingerprint, &s.ShardIndex, &s.Owner, &localPath,
		&s.SHA256, &kind, &s.Size, &storedAt, &expiresAt, &lastAccessed, &status)
	if err != nil {
		return nil, err
	}
	s.LocalPath = localPath.String
	s.Kind = ShardKind(kind)
	s.Status = ShardStatus(status)
	s.StoredAt = parseISO(storedAt)
	s.ExpiresAt = parseISO(expiresAt)
	s.LastAccessed = parseISO(lastAccessed)
	return &s, nil
}

const shardColumns = `file_fingerprint, chunk_idx, owner_uuid, local_path, content_hash, chunk_type, size_bytes, stored_at, expires_at, last_accessed, status`

// GetShard returns a single shard row, or nil if it does not exist.
func (idx *Index) GetShard(ctx context.Context, fileFingerprint string, index int, owner string) (*Shard, error) {
	row := idx.db.QueryRowContext(ctx,
		`SELECT `+shardColumns+` FROM chunks WHERE file_fingerprint = ? AND chunk_idx = ? AND owner_uuid = ?`,
		fileFingerprint, index, owner)
	s, err := scanShard(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &IndexError{Op: "get_shard", Cause: err}
	}
	return s, nil
}

// ListShardsByFile returns every shard row for a file/owner pair.
func (idx *Index) ListShardsByFile(ctx context.Context, fileFingerprint, owner string) ([]*Shard, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT `+shardColumns+` FROM chunks WHERE file_fingerprint = ? AND owner_uuid = ? ORDER BY chunk_idx`,
		fileFingerprint, owner)
	if err != nil {
		return nil, &IndexError{Op: "list_shards_by_file", Cause: err}
	}
	defer rows.Close()
	var out []*Shard
	for rows.Next() {
		s, err := scanShard(rows)
		if err != nil {
			return nil, &IndexError{Op: "scan_shard", Cause: err}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetShardStatus updates a shard's status (e.g. to corrupted after a failed
// verification).
func (idx *Index) SetShardStatus(ctx context.Context, fileFingerprint string, index int, owner string, status ShardStatus) error {
	_, err := idx.db.ExecContext(ctx,
		`UPDATE chunks SET status = ? WHERE file_fingerprint = ? AND chunk_idx = ? AND owner_uuid = ?`,
		string(status), fileFingerprint, index, owner)
	if err != nil {
		return &IndexError{Op: "set_shard_status", Cause: err}
	}
	return nil
}

// TouchShard updates a shard's last_accessed timestamp.
func (idx *Index) TouchShard(ctx context.Context, fileFingerprint string, index int, owner string, at time.Time) error {
	_, err := idx.db.ExecContext(ctx,
		`UPDATE chunks SET last_accessed = ? WHERE file_fingerprint = ? AND chunk_idx = ? AND owner_uuid = ?`,
		iso(at), fileFingerprint, index, owner)
	if err != nil {
		return &IndexError{Op: "touch_shard", Cause: err}
	}
	return nil
}

// DeleteShard removes a single shard row.
func (idx *Index) DeleteShard(ctx context.Context, fileFingerprint string, index int, owner string) error {
	_, err := idx.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE file_fingerprint = ? AND chunk_idx = ? AND owner_uuid = ?`,
		fileFingerprint, index, owner)
	if err != nil {
		return &IndexError{Op: "delete_shard", Cause: err}
	}
	return nil
}

// DeleteShardsByFile removes every shard row for a file/owner pair, and
// returns the count removed.
func (idx *Index) DeleteShardsByFile(ctx context.Context, fileFingerprint, owner string) (int, error) {
	res, err := idx.db.ExecContext(ctx, `DELETE FROM chunks WHERE file_fingerprint = ? AND owner_uuid = ?`, fileFingerprint, owner)
	if err != nil {
		return 0, &IndexError{Op: "delete_shards_by_file", Cause: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteManifest removes a manifest and its local-group/global-recovery rows.
func (idx *Index) DeleteManifest(ctx context.Context, fileFingerprint string) error {
	_, err := idx.db.ExecContext(ctx, `DELETE FROM file_metadata WHERE file_fingerprint = ?`, fileFingerprint)
	if err != nil {
		return &IndexError{Op: "delete_manifest", Cause: err}
	}
	idx.db.ExecContext(ctx, `DELETE FROM local_groups WHERE file_fingerprint = ?`, fileFingerprint)
	idx.db.ExecContext(ctx, `DELETE FROM global_recovery WHERE file_fingerprint = ?`, fileFingerprint)
	return nil
}

// ExpiredShards returns shards whose retention window has elapsed.
func (idx *Index) ExpiredShards(ctx context.Context, asOf time.Time) ([]*Shard, error) {
	rows, err := idx.db.QueryContext(ctx, `SELECT `+shardColumns+` FROM chunks WHERE expires_at != '' AND expires_at < ?`, iso(asOf))
	if err != nil {
		return nil, &IndexError{Op: "expired_shards", Cause: err}
	}
	defer rows.Close()
	var out []*Shard
	for rows.Next() {
		s, err := scanShard(rows)
		if err != nil {
			return nil, &IndexError{Op: "scan_expired_shard", Cause: err}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- Locations ---

// InsertLocation inserts a location row and returns its assigned ID.
func (idx *Index) InsertLocation(ctx context.Context, l *Location) (int64, error) {
	res, err := idx.db.ExecContext(ctx, `
		INSERT INTO chunk_locations (file_fingerprint, chunk_idx, owner_uuid, peer_uuid,
			assigned_at, confirmed_at, status, attempts, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.FileFingerprint, l.ShardIndex, l.Owner, l.PeerID,
		iso(l.AssignedAt), isoPtr(l.ConfirmedAt), string(l.Status), l.Attempts, l.FailureReason,
	)
	if err != nil {
		return 0, &IndexError{Op: "insert_location", Cause: err}
	}
	return res.LastInsertId()
}

func isoPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return iso(*t)
}

func scanLocation(row interface{ Scan(...any) error }) (*Location, error) {
	var l Location
	var status, assignedAt, confirmedAt string
	err := row.Scan(&l.ID, &l.FileFingerprint, &l.ShardIndex, &l.Owner, &l.PeerID,
		&assignedAt, &confirmedAt, &status, &l.Attempts, &l.FailureReason)
	if err != nil {
		return nil, err
	}
	l.Status = LocationStatus(status)
	l.AssignedAt = parseISO(assignedAt)
	if confirmedAt != "" {
		t := parseISO(confirmedAt)
		l.ConfirmedAt = &t
	}
	return &l, nil
}

const locationColumns = `id, file_fingerprint, chunk_idx, owner_uuid, peer_uuid, assigned_at, confirmed_at, status, attempts, failure_reason`

// LocationsOf returns every location claim for a given shard.
func (idx *Index) LocationsOf(ctx context.Context, fileFingerprint string, index int, owner string) ([]*Location, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT `+locationColumns+` FROM chunk_locations WHERE file_fingerprint = ? AND chunk_idx = ? AND owner_uuid = ?`,
		fileFingerprint, index, owner)
	if err != nil {
		return nil, &IndexError{Op: "locations_of", Cause: err}
	}
	defer rows.Close()
	var out []*Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, &IndexError{Op: "scan_location", Cause: err}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LocationsByPeer returns every location claim assigned to a peer.
func (idx *Index) LocationsByPeer(ctx context.Context, peerID string) ([]*Location, error) {
	rows, err := idx.db.QueryContext(ctx, `SELECT `+locationColumns+` FROM chunk_locations WHERE peer_uuid = ?`, peerID)
	if err != nil {
		return nil, &IndexError{Op: "locations_by_peer", Cause: err}
	}
	defer rows.Close()
	var out []*Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, &IndexError{Op: "scan_location", Cause: err}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LocationsByPeerAndStatus returns locations for a peer filtered by
// status (used by the replication controller).
func (idx *Index) LocationsByPeerAndStatus(ctx context.Context, peerID string, status LocationStatus) ([]*Location, error) {
	rows, err := idx.db.QueryContext(ctx, `SELECT `+locationColumns+` FROM chunk_locations WHERE peer_uuid = ? AND status = ?`, peerID, string(status))
	if err != nil {
		return nil, &IndexError{Op: "locations_by_peer_status", Cause: err}
	}
	defer rows.Close()
	var out []*Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, &IndexError{Op: "scan_location", Cause: err}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ConfirmLocation marks a location confirmed at the given time.
func (idx *Index) ConfirmLocation(ctx context.Context, id int64, at time.Time) error {
	_, err := idx.db.ExecContext(ctx, `UPDATE chunk_locations SET status = ?, confirmed_at = ? WHERE id = ?`,
		string(LocationStatusConfirmed), iso(at), id)
	if err != nil {
		return &IndexError{Op: "confirm_location", Cause: err}
	}
	return nil
}

// SetLocationStatus updates status and optionally a failure reason.
func (idx *Index) SetLocationStatus(ctx context.Context, id int64, status LocationStatus, reason string) error {
	_, err := idx.db.ExecContext(ctx, `UPDATE chunk_locations SET status = ?, failure_reason = ? WHERE id = ?`,
		string(status), reason, id)
	if err != nil {
		return &IndexError{Op: "set_location_status", Cause: err}
	}
	return nil
}

// IncrementLocationAttempts bumps a location's attempt counter.
func (idx *Index) IncrementLocationAttempts(ctx context.Context, id int64) error {
	_, err := idx.db.ExecContext(ctx, `UPDATE chunk_locations SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return &IndexError{Op: "increment_location_attempts", Cause: err}
	}
	return nil
}

// DeleteLocation removes a location row.
func (idx *Index) DeleteLocation(ctx context.Context, id int64) error {
	_, err := idx.db.ExecContext(ctx, `DELETE FROM chunk_locations WHERE id = ?`, id)
	if err != nil {
		return &IndexError{Op: "delete_location", Cause: err}
	}
	return nil
}

// PendingLocations returns every location still awaiting confirmation.
func (idx *Index) PendingLocations(ctx context.Context) ([]*Location, error) {
	rows, err := idx.db.QueryContext(ctx, `SELECT `+locationColumns+` FROM chunk_locations WHERE status = ?`, string(LocationStatusPending))
	if err != nil {
		return nil, &IndexError{Op: "pending_locations", Cause: err}
	}
	defer rows.Close()
	var out []*Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, &IndexError{Op: "scan_location", Cause: err}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Replication tasks ---

// InsertReplicationTask inserts a new task and returns its ID.
func (idx *Index) InsertReplicationTask(ctx context.Context, t *ReplicationTask) (int64, error) {
	res, err := idx.db.ExecContext(ctx, `
		INSERT INTO replication_history (file_fingerprint, chunk_idx, owner_uuid,
			source_peer_uuid, target_peer_uuid, reason, created_at, completed_at, attempts, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.FileFingerprint, t.ShardIndex, t.Owner, t.SourcePeer, t.TargetPeer,
		t.Reason, iso(t.CreatedAt), isoPtr(t.CompletedAt), t.Attempts, string(t.Status), t.ErrorMessage,
	)
	if err != nil {
		return 0, &IndexError{Op: "insert_replication_task", Cause: err}
	}
	return res.LastInsertId()
}

func scanReplicationTask(row interface{ Scan(...any) error }) (*ReplicationTask, error) {
	var t ReplicationTask
	var status, createdAt, completedAt string
	err := row.Scan(&t.ID, &t.FileFingerprint, &t.ShardIndex, &t.Owner,
		&t.SourcePeer, &t.TargetPeer, &t.Reason, &createdAt, &completedAt, &t.Attempts, &status, &t.ErrorMessage)
	if err != nil {
		return nil, err
	}
	t.Status = ReplicationStatus(status)
	t.CreatedAt = parseISO(createdAt)
	if completedAt != "" {
		c := parseISO(completedAt)
		t.CompletedAt = &c
	}
	return &t, nil
}

const replicationColumns = `id, file_fingerprint, chunk_idx, owner_uuid, source_peer_uuid, target_peer_uuid, reason, created_at, completed_at, attempts, status, error_message`

// PendingReplications returns tasks awaiting a drain pass, oldest first,
// capped at limit.
func (idx *Index) PendingReplications(ctx context.Context, limit int) ([]*ReplicationTask, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT `+replicationColumns+` FROM replication_history WHERE status = ? ORDER BY created_at LIMIT ?`,
		string(ReplicationStatusPending), limit)
	if err != nil {
		return nil, &IndexError{Op: "pending_replications", Cause: err}
	}
	defer rows.Close()
	var out []*ReplicationTask
	for rows.Next() {
		t, err := scanReplicationTask(rows)
		if err != nil {
			return nil, &IndexError{Op: "scan_replication_task", Cause: err}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateReplicationTask sets a task's status (and completion time / error).
func (idx *Index) UpdateReplicationTask(ctx context.Context, id int64, status ReplicationStatus, completedAt *time.Time, errMsg string) error {
	_, err := idx.db.ExecContext(ctx,
		`UPDATE replication_history SET status = ?, completed_at = ?, error_message = ? WHERE id = ?`,
		string(status), isoPtr(completedAt), errMsg, id)
	if err != nil {
		return &IndexError{Op: "update_replication_task", Cause: err}
	}
	return nil
}

// HasOpenReplicationTask reports whether a pending or in-progress task
// already exists for the given shard, so the at-risk scan doesn't queue
// duplicates every pass.
func (idx *Index) HasOpenReplicationTask(ctx context.Context, fileFingerprint string, index int, owner string) (bool, error) {
	row := idx.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM replication_history
		WHERE file_fingerprint = ? AND chunk_idx = ? AND owner_uuid = ? AND status IN (?, ?)`,
		fileFingerprint, index, owner, string(ReplicationStatusPending), string(ReplicationStatusInProgress))
	var n int
	if err := row.Scan(&n); err != nil {
		return false, &IndexError{Op: "has_open_replication_task", Cause: err}
	}
	return n > 0, nil
}

// IncrementReplicationAttempts bumps a task's attempt counter.
func (idx *Index) IncrementReplicationAttempts(ctx context.Context, id int64) error {
	_, err := idx.db.ExecContext(ctx, `UPDATE replication_history SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return &IndexError{Op: "increment_replication_attempts", Cause: err}
	}
	return nil
}

// --- Peers ---

// UpsertPeer inserts or updates a peer record.
func (idx *Index) UpsertPeer(ctx context.Context, p *PeerRecord) error {
	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO peers (peer_uuid, ip_address, port, reliability_score, chunks_stored, last_seen, first_seen, is_online, storage_available)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_uuid) DO UPDATE SET
			ip_address=excluded.ip_address, port=excluded.port,
			reliability_score=excluded.reliability_score, chunks_stored=excluded.chunks_stored,
			last_seen=excluded.last_seen, is_online=excluded.is_online, storage_available=excluded.storage_available`,
		p.PeerID, p.Host, p.Port, clamp01(p.Reliability), p.ShardsStored,
		iso(p.LastSeen), iso(p.FirstSeen), boolToInt(p.Online), p.StorageAvailable,
	)
	if err != nil {
		return &IndexError{Op: "upsert_peer", Cause: err}
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanPeer(row interface{ Scan(...any) error }) (*PeerRecord, error) {
	var p PeerRecord
	var lastSeen, firstSeen string
	var online int
	err := row.Scan(&p.PeerID, &p.Host, &p.Port, &p.Reliability, &p.ShardsStored, &lastSeen, &firstSeen, &online, &p.StorageAvailable)
	if err != nil {
		return nil, err
	}
	p.LastSeen = parseISO(lastSeen)
	p.FirstSeen = parseISO(firstSeen)
	p.Online = online != 0
	return &p, nil
}

const peerColumns = `peer_uuid, ip_address, port, reliability_score, chunks_stored, last_seen, first_seen, is_online, storage_available`

// GetPeer looks up a single peer record.
func (idx *Index) GetPeer(ctx context.Context, peerID string) (*PeerRecord, error) {
	row := idx.db.QueryRowContext(ctx, `SELECT `+peerColumns+` FROM peers WHERE peer_uuid = ?`, peerID)
	p, err := scanPeer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &IndexError{Op: "get_peer", Cause: err}
	}
	return p, nil
}

// SetPeerOffline marks a peer offline (used by the replication controller on
// peer-disconnect).
func (idx *Index) SetPeerOffline(ctx context.Context, peerID string) error {
	_, err := idx.db.ExecContext(ctx, `UPDATE peers SET is_online = 0 WHERE peer_uuid = ?`, peerID)
	if err != nil {
		return &IndexError{Op: "set_peer_offline", Cause: err}
	}
	return nil
}

// UpdatePeerReliability adds delta to a peer's reliability score, clamped
// to [0,1].
func (idx *Index) UpdatePeerReliability(ctx context.Context, peerID string, delta float64) error {
	_, err := idx.db.ExecContext(ctx, `
		UPDATE peers SET reliability_score = MIN(1.0, MAX(0.0, reliability_score + ?)) WHERE peer_uuid = ?`,
		delta, peerID)
	if err != nil {
		return &IndexError{Op: "update_peer_reliability", Cause: err}
	}
	return nil
}

// OnlinePeers returns every peer currently marked online.
func (idx *Index) OnlinePeers(ctx context.Context) ([]*PeerRecord, error) {
	rows, err := idx.db.QueryContext(ctx, `SELECT `+peerColumns+` FROM peers WHERE is_online = 1`)
	if err != nil {
		return nil, &IndexError{Op: "online_peers", Cause: err}
	}
	defer rows.Close()
	var out []*PeerRecord
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, &IndexError{Op: "scan_peer", Cause: err}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// VerifyIntegrity runs sqlite's built-in integrity_check pragma.
func (idx *Index) VerifyIntegrity(ctx context.Context) (bool, error) {
	row := idx.db.QueryRowContext(ctx, `PRAGMA integrity_check`)
	var result string
	if err := row.Scan(&result); err != nil {
		return false, &IndexError{Op: "verify_integrity", Cause: err}
	}
	return result == "ok", nil
}

// ChunksAtRisk returns shards whose confirmed replica count is <= 1, or
// whose best hosting peer has reliability below minReliability.
func (idx *Index) ChunksAtRisk(ctx context.Context, minReliability float64) ([]*Shard, error) {
	const aliasedShardColumns = `c.file_fingerprint, c.chunk_idx, c.owner_uuid, c.local_path, c.content_hash, c.chunk_type, c.size_bytes, c.stored_at, c.expires_at, c.last_accessed, c.status`
	rows, err := idx.db.QueryContext(ctx, `
		SELECT `+aliasedShardColumns+`
		FROM chunks c
		WHERE (
			SELECT COUNT(*) FROM chunk_locations l
			WHERE l.file_fingerprint = c.file_fingerprint AND l.chunk_idx = c.chunk_idx
				AND l.owner_uuid = c.owner_uuid AND l.status = 'confirmed'
		) <= 1
		OR (
			SELECT COALESCE(MAX(p.reliability_score), 0) FROM chunk_locations l
			JOIN peers p ON p.peer_uuid = l.peer_uuid
			WHERE l.file_fingerprint = c.file_fingerprint AND l.chunk_idx = c.chunk_idx
				AND l.owner_uuid = c.owner_uuid AND l.status = 'confirmed'
		) < ?`, minReliability)
	if err != nil {
		return nil, &IndexError{Op: "chunks_at_risk", Cause: err}
	}
	defer rows.Close()
	var out []*Shard
	for rows.Next() {
		s, err := scanShard(rows)
		if err != nil {
			return nil, &IndexError{Op: "scan_shard", Cause: err}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

