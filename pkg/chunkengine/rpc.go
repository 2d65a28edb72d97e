package chunkengine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"
)

// RPC method names exchanged between peers.
const (
	MethodPing         = "ping"
	MethodStoreChunk   = "store_chunk"
	MethodGetChunk     = "get_chunk"
	MethodDeleteChunk  = "delete_chunk"
	MethodGetChunkInfo = "get_chunk_info"
	MethodListChunks   = "list_chunks"
	MethodGetStats     = "get_stats"
	MethodAnnounceFile = "announce_file"
	MethodSearchFile   = "search_file"
)

// Request/response payloads for each method.

type PingParams struct {
	Timestamp string `json:"timestamp"`
}
type PingResult struct {
	Pong             bool   `json:"pong"`
	PeerUUID         string `json:"peer_uuid"`
	Timestamp        string `json:"timestamp"`
	ReceivedTimestamp string `json:"received_timestamp"`
}

type StoreChunkParams struct {
	File        string `json:"file"`
	Index       int    `json:"index"`
	Owner       string `json:"owner"`
	ChunkB64    string `json:"chunk_b64"`
	ContentHash string `json:"content_hash"`
	ChunkSize   int    `json:"chunk_size"`
}
type StoreChunkResult struct {
	Success   bool      `json:"success"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type GetChunkParams struct {
	File  string `json:"file"`
	Index int    `json:"index"`
	Owner string `json:"owner"`
}
type GetChunkResult struct {
	Success     bool   `json:"success"`
	ChunkB64    string `json:"chunk_b64"`
	ContentHash string `json:"content_hash"`
	SizeBytes   int    `json:"size_bytes"`
}

type DeleteChunkParams struct {
	File  string `json:"file"`
	Index int    `json:"index"`
	Owner string `json:"owner"`
}
type DeleteChunkResult struct {
	Success bool   `json:"success"`
	Deleted bool   `json:"deleted"`
	Reason  string `json:"reason,omitempty"`
}

type GetChunkInfoResult struct {
	Exists bool   `json:"exists"`
	Status string `json:"status,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

type ListChunksParams struct {
	Owner string `json:"owner"`
	File  string `json:"file,omitempty"`
}
type ListChunksResult struct {
	Chunks    []int `json:"chunks"`
	TotalSize int64 `json:"total_size"`
	Count     int   `json:"count"`
}

type GetStatsResult struct {
	PeerUUID          string `json:"peer_uuid"`
	ChunksStored      int    `json:"chunks_stored"`
	TotalSizeBytes    int64  `json:"total_size_bytes"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	ActiveConnections int    `json:"active_connections"`
}

type AnnounceFileParams struct {
	File         string `json:"file"`
	Owner        string `json:"owner"`
	ManifestJSON string `json:"manifest_json"`
}
type AnnounceFileResult struct {
	Success bool `json:"success"`
	Indexed bool `json:"indexed"`
}

type SearchFileParams struct {
	File  string `json:"file"`
	Owner string `json:"owner"`
}
type SearchFileResult struct {
	Found          bool     `json:"found"`
	ManifestJSON   string   `json:"manifest_json,omitempty"`
	ChunkLocations []string `json:"chunk_locations,omitempty"`
}

// LocalRPCService answers the RPC calls
// made by remote peers against this node's own chunk store and index.
type LocalRPCService struct {
	peerID        string
	store         *ChunkStore
	index         *Index
	startedAt     time.Time
	retentionDays int
}

// NewLocalRPCService constructs the server-side backend for a node.
func NewLocalRPCService(peerID string, store *ChunkStore, index *Index, retentionDays int) *LocalRPCService {
	if retentionDays <= 0 {
		retentionDays = DefaultConfig().RetentionDays
	}
	return &LocalRPCService{peerID: peerID, store: store, index: index, startedAt: Now(), retentionDays: retentionDays}
}

func (s *LocalRPCService) Ping(ctx context.Context, p PingParams) (PingResult, error) {
	return PingResult{
		Pong:              true,
		PeerUUID:          s.peerID,
		Timestamp:         p.Timestamp,
		ReceivedTimestamp: Now().Format(time.RFC3339Nano),
	}, nil
}

// StoreChunk recomputes SHA-256 of the decoded payload and rejects on
// mismatch before touching disk. Writes are idempotent: replaying the same
// (file,index,owner) overwrites.
func (s *LocalRPCService) StoreChunk(ctx context.Context, p StoreChunkParams) (StoreChunkResult, error) {
	raw, err := base64.StdEncoding.DecodeString(p.ChunkB64)
	if err != nil {
		return StoreChunkResult{}, &ValidationError{Expected: p.ContentHash, Actual: "invalid base64"}
	}
	sum := sha256.Sum256(raw)
	actual := hex.EncodeToString(sum[:])
	if actual != p.ContentHash {
		return StoreChunkResult{}, &ValidationError{Expected: p.ContentHash, Actual: actual}
	}

	path, err := s.store.Put(ctx, p.Owner, p.File, p.Index, raw)
	if err != nil {
		return StoreChunkResult{}, err
	}

	now := Now()
	expiresAt := now.AddDate(0, 0, s.retentionDays)

	shard := &Shard{
		FileFingerprint: p.File, ShardIndex: p.Index, Owner: p.Owner,
		LocalPath: path, SHA256: actual, Kind: ShardKindData,
		Size: int64(len(raw)), StoredAt: now, ExpiresAt: expiresAt, LastAccessed: now,
		Status: ShardStatusVerified,
	}
	if existing, _ := s.index.GetShard(ctx, p.File, p.Index, p.Owner); existing != nil {
		if err := s.index.DeleteShard(ctx, p.File, p.Index, p.Owner); err != nil {
			return StoreChunkResult{}, err
		}
	}
	if err := insertShardViaIndex(ctx, s.index, shard); err != nil {
		return StoreChunkResult{}, err
	}

	return StoreChunkResult{Success: true, StoredAt: now, ExpiresAt: expiresAt}, nil
}

func (s *LocalRPCService) GetChunk(ctx context.Context, p GetChunkParams) (GetChunkResult, error) {
	data, err := s.store.Get(ctx, p.Owner, p.File, p.Index)
	if err != nil {
		return GetChunkResult{}, err
	}
	if data == nil {
		return GetChunkResult{}, &ShardNotFoundError{FileFingerprint: p.File, ShardIndex: p.Index, Owner: p.Owner}
	}
	sum := sha256.Sum256(data)
	return GetChunkResult{
		Success:     true,
		ChunkB64:    base64.StdEncoding.EncodeToString(data),
		ContentHash: hex.EncodeToString(sum[:]),
		SizeBytes:   len(data),
	}, nil
}

func (s *LocalRPCService) DeleteChunk(ctx context.Context, p DeleteChunkParams) (DeleteChunkResult, error) {
	existed, err := s.store.Delete(ctx, p.Owner, p.File, p.Index)
	if err != nil {
		return DeleteChunkResult{}, err
	}
	if err := s.index.DeleteShard(ctx, p.File, p.Index, p.Owner); err != nil {
		return DeleteChunkResult{}, err
	}
	return DeleteChunkResult{Success: true, Deleted: existed}, nil
}

func (s *LocalRPCService) GetChunkInfo(ctx context.Context, p GetChunkParams) (GetChunkInfoResult, error) {
	shard, err := s.index.GetShard(ctx, p.File, p.Index, p.Owner)
	if err != nil {
		return GetChunkInfoResult{}, err
	}
	if shard == nil {
		return GetChunkInfoResult{Exists: false}, nil
	}
	return GetChunkInfoResult{Exists: true, Status: string(shard.Status), Size: shard.Size}, nil
}

func (s *LocalRPCService) ListChunks(ctx context.Context, p ListChunksParams) (ListChunksResult, error) {
	if p.File != "" {
		shards, err := s.index.ListShardsByFile(ctx, p.File, p.Owner)
		if err != nil {
			return ListChunksResult{}, err
		}
		var result ListChunksResult
		for _, s := range shards {
			result.Chunks = append(result.Chunks, s.ShardIndex)
			result.TotalSize += s.Size
		}
		result.Count = len(result.Chunks)
		return result, nil
	}
	files, err := s.index.ListManifestsByOwner(ctx, p.Owner)
	if err != nil {
		return ListChunksResult{}, err
	}
	var result ListChunksResult
	for _, f := range files {
		shards, err := s.index.ListShardsByFile(ctx, f, p.Owner)
		if err != nil {
			return ListChunksResult{}, err
		}
		for _, sh := range shards {
			result.TotalSize += sh.Size
		}
		result.Count += len(shards)
	}
	return result, nil
}

func (s *LocalRPCService) GetStats(ctx context.Context) (GetStatsResult, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return GetStatsResult{}, err
	}
	return GetStatsResult{
		PeerUUID:       s.peerID,
		ChunksStored:   stats.ShardCount,
		TotalSizeBytes: stats.TotalBytes,
		UptimeSeconds:  int64(Now().Sub(s.startedAt).Seconds()),
	}, nil
}

func (s *LocalRPCService) AnnounceFile(ctx context.Context, p AnnounceFileParams) (AnnounceFileResult, error) {
	var m Manifest
	if err := json.Unmarshal([]byte(p.ManifestJSON), &m); err != nil {
		return AnnounceFileResult{}, &ValidationError{Expected: "valid manifest json", Actual: err.Error()}
	}
	if err := s.store.WriteManifest(ctx, &m); err != nil {
		return AnnounceFileResult{}, err
	}
	return AnnounceFileResult{Success: true, Indexed: true}, nil
}

func (s *LocalRPCService) SearchFile(ctx context.Context, p SearchFileParams) (SearchFileResult, error) {
	m, err := s.store.ReadManifest(ctx, p.Owner, p.File)
	if err != nil {
		if _, ok := err.(*ManifestNotFoundError); ok {
			return SearchFileResult{Found: false}, nil
		}
		return SearchFileResult{}, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return SearchFileResult{}, err
	}
	return SearchFileResult{Found: true, ManifestJSON: string(data)}, nil
}

// insertShardViaIndex wraps InsertShard in a transaction.
func insertShardViaIndex(ctx context.Context, idx *Index, s *Shard) error {
	return idx.WithTx(ctx, func(tx *sql.Tx) error {
		return InsertShard(tx, s)
	})
}
