package chunkengine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Orchestrator turns a raw file into an erasure-coded,
// locally-stored set of shards (ChunkFile), spreads those shards across the
// peer set (DistributeChunks), and reassembles a file from whatever shards
// are reachable (ReconstructFile).
type Orchestrator struct {
	ownerID   string
	store     *ChunkStore
	index     *Index
	coder     *ErasureCoder
	transport *Transport
	cfg       Config
	logger    *zap.Logger

	// fileLocks enforces at-most-one in-flight distribution per file
	// fingerprint: a sync.Map of *sync.Mutex, acquired with TryLock so a
	// concurrent caller fails fast instead of queuing behind the first.
	fileLocks sync.Map
}

// NewOrchestrator wires the orchestrator over an already-open store, index, coder,
// and transport.
func NewOrchestrator(ownerID string, store *ChunkStore, index *Index, coder *ErasureCoder, transport *Transport, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{ownerID: ownerID, store: store, index: index, coder: coder, transport: transport, cfg: cfg, logger: logger}
}

func (o *Orchestrator) fileLock(fileFingerprint string) *sync.Mutex {
	v, _ := o.fileLocks.LoadOrStore(fileFingerprint, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// ChunkFile encodes data into k+m+G shards, stores them all locally, and
// writes the manifest. No partial manifest is ever committed: the index
// rows land in one transaction before the manifest file is written.
func (o *Orchestrator) ChunkFile(ctx context.Context, originalFilename, filePath string, data []byte) (*Manifest, error) {
	fileFingerprint := uuid.NewString()

	originalSum := sha256.Sum256(data)
	originalHash := hex.EncodeToString(originalSum[:])

	encoded, err := o.coder.Encode(data)
	if err != nil {
		return nil, err
	}

	chunkHashes := make(map[int]string, len(encoded.Shards))
	for i, shard := range encoded.Shards {
		sum := sha256.Sum256(shard)
		chunkHashes[i] = hex.EncodeToString(sum[:])
		if _, err := o.store.Put(ctx, o.ownerID, fileFingerprint, i, shard); err != nil {
			return nil, err
		}
	}

	cfg := o.coder.Config()
	now := Now()
	m := &Manifest{
		FileFingerprint:       fileFingerprint,
		OwnerID:               o.ownerID,
		OriginalFilename:      originalFilename,
		FilePath:              filePath,
		OriginalHash:          originalHash,
		OriginalSize:          int64(len(data)),
		TotalChunks:           len(encoded.Shards),
		DataShards:            cfg.DataShards,
		ParityShards:          cfg.ParityShards,
		ChunkSize:             encoded.ShardSize,
		Algorithm:             AlgorithmReedSolomonLRC,
		LocalGroups:           encoded.LocalGroups,
		GlobalRecoveryIndices: globalRecoveryIndices(cfg),
		ChunkHashes:           chunkHashes,
		CreatedAt:             now,
		ExpiresAt:             now.AddDate(0, 0, o.retentionDays()),
	}

	if err := o.index.WithTx(ctx, func(tx *sql.Tx) error {
		if err := InsertManifest(tx, m); err != nil {
			return err
		}
		for i, shard := range encoded.Shards {
			kind := ShardKindData
			switch {
			case i >= cfg.DataShards && i < cfg.DataShards+cfg.ParityShards:
				kind = ShardKindParity
			case i >= cfg.DataShards+cfg.ParityShards:
				kind = ShardKindLocalRecovery
			}
			s := &Shard{
				FileFingerprint: fileFingerprint, ShardIndex: i, Owner: o.ownerID,
				LocalPath: o.store.shardPath(o.ownerID, fileFingerprint, i),
				SHA256:    chunkHashes[i], Kind: kind, Size: int64(len(shard)),
				StoredAt: now, ExpiresAt: m.ExpiresAt, LastAccessed: now, Status: ShardStatusVerified,
			}
			if err := InsertShard(tx, s); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if err := o.store.WriteManifest(ctx, m); err != nil {
		return nil, err
	}

	o.logger.Info("chunked file",
		zap.String("file_fingerprint", fileFingerprint),
		zap.Int("total_chunks", m.TotalChunks))
	return m, nil
}

func (o *Orchestrator) retentionDays() int {
	if o.cfg.RetentionDays > 0 {
		return o.cfg.RetentionDays
	}
	return DefaultConfig().RetentionDays
}

// ChunkFileFromPath reads the file at path into memory, chunks it, and
// optionally unlinks the source once the manifest is committed.
func (o *Orchestrator) ChunkFileFromPath(ctx context.Context, path string, deleteSource bool) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &StorageError{Op: "read_source", Cause: err}
	}
	m, err := o.ChunkFile(ctx, filepath.Base(path), path, data)
	if err != nil {
		return nil, err
	}
	if deleteSource {
		if err := os.Remove(path); err != nil {
			o.logger.Warn("failed to unlink chunked source file", zap.String("path", path), zap.Error(err))
		}
	}
	return m, nil
}

func globalRecoveryIndices(cfg ErasureConfig) []int {
	out := make([]int, 0, cfg.groupCount())
	for i := cfg.DataShards + cfg.ParityShards; i < cfg.TotalShards(); i++ {
		out = append(out, i)
	}
	return out
}

// reliabilitySortedPeers orders peers by descending reliability, then
// ascending shards_stored as a load-balancing tiebreak.
func reliabilitySortedPeers(peers []*PeerRecord) []*PeerRecord {
	sorted := make([]*PeerRecord, len(peers))
	copy(sorted, peers)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Reliability != sorted[j].Reliability {
			return sorted[i].Reliability > sorted[j].Reliability
		}
		return sorted[i].ShardsStored < sorted[j].ShardsStored
	})
	return sorted
}

// selectPeers applies the shared peer-selection policy: online peers at or
// above the reliability floor, excluding the local peer and any entries in
// exclude, sorted by reliability then load.
func selectPeers(peers []*PeerRecord, minReliability float64, localPeerID string, exclude map[string]bool) []*PeerRecord {
	candidates := make([]*PeerRecord, 0, len(peers))
	for _, p := range peers {
		if !p.Online || p.Reliability < minReliability {
			continue
		}
		if p.PeerID == localPeerID || exclude[p.PeerID] {
			continue
		}
		candidates = append(candidates, p)
	}
	return reliabilitySortedPeers(candidates)
}

// DistributeChunks assigns every shard of m to a peer in round-robin order
// over the filtered, reliability-sorted peer set, pushes it via store_chunk,
// and (when deleteLocalAfterConfirm) deletes the local copy once the remote
// placement is confirmed. At most one distribution runs per file at a time.
func (o *Orchestrator) DistributeChunks(ctx context.Context, m *Manifest, peers []*PeerRecord, deleteLocalAfterConfirm bool) (*DistributionReport, error) {
	lock := o.fileLock(m.FileFingerprint)
	if !lock.TryLock() {
		return &DistributionReport{TotalChunks: m.TotalChunks, Error: "distribution_in_progress"}, nil
	}
	defer lock.Unlock()

	localShards, err := o.index.ListShardsByFile(ctx, m.FileFingerprint, m.OwnerID)
	if err != nil {
		return nil, err
	}
	if len(localShards) == 0 {
		return &DistributionReport{TotalChunks: m.TotalChunks, Error: "no_local_chunks"}, nil
	}

	sorted := selectPeers(peers, o.cfg.MinReliabilityScore, o.transport.ownID, nil)
	if len(sorted) == 0 {
		return &DistributionReport{TotalChunks: m.TotalChunks, Error: "no_peers_available"}, nil
	}

	report := &DistributionReport{TotalChunks: m.TotalChunks}
	for i := 0; i < m.TotalChunks; i++ {
		peer := sorted[i%len(sorted)]
		assignment := DistributionAssignment{ShardIndex: i, PeerID: peer.PeerID}

		data, err := o.store.Get(ctx, o.ownerID, m.FileFingerprint, i)
		if err != nil || data == nil {
			// The location row is persisted even for assignments that never
			// reached the wire, so the failure is queryable later.
			if _, err := o.index.InsertLocation(ctx, &Location{
				FileFingerprint: m.FileFingerprint, ShardIndex: i, Owner: o.ownerID,
				PeerID: peer.PeerID, AssignedAt: Now(), Status: LocationStatusFailed,
				FailureReason: "local shard missing",
			}); err != nil {
				return nil, err
			}
			assignment.Reason = "local shard missing"
			report.Failed++
			report.Assignments = append(report.Assignments, assignment)
			continue
		}

		sum := sha256.Sum256(data)
		contentHash := hex.EncodeToString(sum[:])
		locID, err := o.index.InsertLocation(ctx, &Location{
			FileFingerprint: m.FileFingerprint, ShardIndex: i, Owner: o.ownerID,
			PeerID: peer.PeerID, AssignedAt: Now(), Status: LocationStatusPending,
		})
		if err != nil {
			return nil, err
		}

		result, err := o.transport.StoreChunk(ctx, peer.PeerID, StoreChunkParams{
			File: m.FileFingerprint, Index: i, Owner: o.ownerID,
			ChunkB64: base64.StdEncoding.EncodeToString(data),
			ContentHash: contentHash, ChunkSize: len(data),
		})
		if err != nil || !result.Success {
			reason := "rpc failed"
			if err != nil {
				reason = err.Error()
			}
			o.index.SetLocationStatus(ctx, locID, LocationStatusFailed, reason)
			o.index.IncrementLocationAttempts(ctx, locID)
			assignment.Reason = reason
			report.Failed++
			report.Assignments = append(report.Assignments, assignment)
			continue
		}

		if err := o.index.ConfirmLocation(ctx, locID, Now()); err != nil {
			return nil, err
		}
		if deleteLocalAfterConfirm {
			if _, err := o.store.Delete(ctx, o.ownerID, m.FileFingerprint, i); err != nil {
				o.logger.Warn("failed to remove locally-distributed shard", zap.String("file_fingerprint", m.FileFingerprint), zap.Int("shard_index", i), zap.Error(err))
			} else {
				o.index.DeleteShard(ctx, m.FileFingerprint, i, o.ownerID)
				report.LocalDeleted++
			}
		}

		assignment.Confirmed = true
		report.Distributed++
		report.Assignments = append(report.Assignments, assignment)
	}

	return report, nil
}

// ReconstructFile rebuilds the original file content for fileFingerprint,
// collecting shards locally first and falling back to remote peers in
// parallel, then verifying the whole-file hash before returning.
func (o *Orchestrator) ReconstructFile(ctx context.Context, fileFingerprint string) ([]byte, error) {
	return o.reconstruct(ctx, fileFingerprint, "", "")
}

// ReconstructFileToPath is ReconstructFile with an explicit owner override
// (empty means the manifest's owner) and an output path the reconstructed
// bytes are atomically written to after the whole-file hash check passes.
func (o *Orchestrator) ReconstructFileToPath(ctx context.Context, fileFingerprint, owner, outputPath string) ([]byte, error) {
	return o.reconstruct(ctx, fileFingerprint, owner, outputPath)
}

func (o *Orchestrator) reconstruct(ctx context.Context, fileFingerprint, owner, outputPath string) ([]byte, error) {
	m, err := o.index.GetManifest(ctx, fileFingerprint)
	if err != nil {
		return nil, err
	}
	if owner == "" {
		owner = m.OwnerID
	}

	present := make(map[int][]byte)
	var mu sync.Mutex
	var missing []int

	// Local shards are checked against the manifest's per-shard hash; a
	// mismatch marks the row corrupted and the shard is re-fetched remotely.
	for i := 0; i < m.TotalChunks; i++ {
		data, err := o.store.Get(ctx, owner, fileFingerprint, i)
		if err != nil || data == nil {
			missing = append(missing, i)
			continue
		}
		sum := sha256.Sum256(data)
		if want, ok := m.ChunkHashes[i]; ok && hex.EncodeToString(sum[:]) != want {
			o.logger.Warn("local shard failed verification, marking corrupted",
				zap.String("file_fingerprint", fileFingerprint), zap.Int("shard_index", i))
			o.index.SetShardStatus(ctx, fileFingerprint, i, owner, ShardStatusCorrupted)
			missing = append(missing, i)
			continue
		}
		o.index.TouchShard(ctx, fileFingerprint, i, owner, Now())
		present[i] = data
	}

	if len(missing) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, idx := range missing {
			idx := idx
			g.Go(func() error {
				locs, err := o.index.LocationsOf(gctx, fileFingerprint, idx, owner)
				if err != nil {
					return nil
				}
				for _, loc := range locs {
					if loc.Status != LocationStatusConfirmed {
						continue
					}
					result, err := o.transport.GetChunk(gctx, loc.PeerID, GetChunkParams{File: fileFingerprint, Index: idx, Owner: owner})
					if err != nil || !result.Success {
						continue
					}
					raw, err := base64.StdEncoding.DecodeString(result.ChunkB64)
					if err != nil {
						continue
					}
					sum := sha256.Sum256(raw)
					if hex.EncodeToString(sum[:]) != result.ContentHash {
						continue
					}
					if want, ok := m.ChunkHashes[idx]; ok && hex.EncodeToString(sum[:]) != want {
						continue
					}
					mu.Lock()
					present[idx] = raw
					mu.Unlock()
					return nil
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	out, err := o.coder.Decode(present, m.LocalGroups, int(m.OriginalSize))
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(out)
	if hex.EncodeToString(sum[:]) != m.OriginalHash {
		return nil, &ValidationError{Expected: m.OriginalHash, Actual: hex.EncodeToString(sum[:])}
	}

	if outputPath != "" {
		if err := atomicWrite(outputPath, out); err != nil {
			return nil, &StorageError{Op: "write_output", Cause: err}
		}
	}
	return out, nil
}

// AnnounceToPeer pushes a file's manifest to a peer via announce_file, so a
// relocation target can learn of a manifest it does not yet hold.
func (o *Orchestrator) AnnounceToPeer(ctx context.Context, m *Manifest, peerID string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return &PeerCommunicationError{PeerID: peerID, Method: MethodAnnounceFile, Cause: err}
	}
	result, err := o.transport.AnnounceFile(ctx, peerID, AnnounceFileParams{
		File: m.FileFingerprint, Owner: m.OwnerID, ManifestJSON: string(data),
	})
	if err != nil {
		return err
	}
	if !result.Success {
		return &PeerCommunicationError{PeerID: peerID, Method: MethodAnnounceFile, Cause: errAnnounceRejected}
	}
	return nil
}

var errAnnounceRejected = &RPCError{Code: RPCErrInternal, Message: "peer rejected announce_file"}

// DeleteFile removes every local shard and manifest/location/shard row for
// fileFingerprint. It does not contact peers; remote cleanup goes through
// the explicit delete_chunk RPC, should a caller choose to issue one.
func (o *Orchestrator) DeleteFile(ctx context.Context, fileFingerprint string) error {
	m, err := o.index.GetManifest(ctx, fileFingerprint)
	if err != nil {
		return err
	}

	if _, err := o.store.DeleteFile(ctx, m.OwnerID, fileFingerprint); err != nil {
		return err
	}
	for i := 0; i < m.TotalChunks; i++ {
		locs, err := o.index.LocationsOf(ctx, fileFingerprint, i, m.OwnerID)
		if err != nil {
			continue
		}
		for _, loc := range locs {
			o.index.DeleteLocation(ctx, loc.ID)
		}
	}

	if _, err := o.index.DeleteShardsByFile(ctx, fileFingerprint, m.OwnerID); err != nil {
		return err
	}
	return o.index.DeleteManifest(ctx, fileFingerprint)
}
