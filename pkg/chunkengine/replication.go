package chunkengine

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"
)

// ReplicationController reacts to peer loss by queuing relocation tasks,
// and drains those tasks in bounded batches against the current peer set.
type ReplicationController struct {
	ownerID        string
	store          *ChunkStore
	index          *Index
	transport      *Transport
	logger         *zap.Logger
	batchSize      int
	minReliability float64
	maxAttempts    int
}

// NewReplicationController wires the controller over an already-open store, index
// and transport.
func NewReplicationController(ownerID string, store *ChunkStore, index *Index, transport *Transport, cfg Config, logger *zap.Logger) *ReplicationController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplicationController{
		ownerID: ownerID, store: store, index: index, transport: transport, logger: logger,
		batchSize: cfg.ReplicationBatchSize, minReliability: cfg.MinReliabilityScore, maxAttempts: cfg.MaxReplicationRetries,
	}
}

// OnPeerDisconnected marks peerID offline, penalizes its reliability, and
// queues a relocation task for every shard it was confirmedly holding.
func (r *ReplicationController) OnPeerDisconnected(ctx context.Context, peerID string) (int, error) {
	if err := r.index.SetPeerOffline(ctx, peerID); err != nil {
		return 0, err
	}
	if err := r.index.UpdatePeerReliability(ctx, peerID, -0.1); err != nil {
		return 0, err
	}

	locs, err := r.index.LocationsByPeerAndStatus(ctx, peerID, LocationStatusConfirmed)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, loc := range locs {
		if _, err := r.index.InsertReplicationTask(ctx, &ReplicationTask{
			FileFingerprint: loc.FileFingerprint, ShardIndex: loc.ShardIndex, Owner: loc.Owner,
			SourcePeer: peerID, Reason: "peer_disconnected", CreatedAt: Now(), Status: ReplicationStatusPending,
		}); err != nil {
			return queued, err
		}
		if err := r.index.SetLocationStatus(ctx, loc.ID, LocationStatusRelocated, "source peer disconnected"); err != nil {
			return queued, err
		}
		queued++
	}

	r.logger.Info("peer disconnected, queued relocations", zap.String("peer_id", peerID), zap.Int("queued", queued))
	return queued, nil
}

// CheckAndRepairIfNeeded scans for at-risk shards (replica count <= 1, or
// held only by peers below MinReliabilityScore) and queues relocation tasks
// for any that don't already have one open.
func (r *ReplicationController) CheckAndRepairIfNeeded(ctx context.Context) (int, error) {
	atRisk, err := r.index.ChunksAtRisk(ctx, r.minReliability)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, shard := range atRisk {
		already, err := r.index.HasOpenReplicationTask(ctx, shard.FileFingerprint, shard.ShardIndex, shard.Owner)
		if err != nil || already {
			continue
		}
		locs, err := r.index.LocationsOf(ctx, shard.FileFingerprint, shard.ShardIndex, shard.Owner)
		if err != nil {
			continue
		}
		var source string
		for _, l := range locs {
			if l.Status == LocationStatusConfirmed {
				source = l.PeerID
				break
			}
		}
		if _, err := r.index.InsertReplicationTask(ctx, &ReplicationTask{
			FileFingerprint: shard.FileFingerprint, ShardIndex: shard.ShardIndex, Owner: shard.Owner,
			SourcePeer: source, Reason: "at_risk", CreatedAt: Now(), Status: ReplicationStatusPending,
		}); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// DrainReplicationQueue processes up to BATCH_SIZE pending tasks: for each,
// it locates a readable copy of the shard (local disk, else a still-healthy
// remote peer), recomputes its content hash, and pushes it to a freshly
// chosen target peer. The content hash is always recomputed from the bytes
// actually read, never trusted from the stored row, since a relocation is
// exactly the scenario a stale hash would hide corruption in.
func (r *ReplicationController) DrainReplicationQueue(ctx context.Context, candidatePeers []*PeerRecord) (int, error) {
	tasks, err := r.index.PendingReplications(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, task := range tasks {
		if task.Attempts >= r.maxAttempts {
			r.index.UpdateReplicationTask(ctx, task.ID, ReplicationStatusFailed, nil, "max attempts exceeded")
			continue
		}
		r.index.UpdateReplicationTask(ctx, task.ID, ReplicationStatusInProgress, nil, "")
		if err := r.relocateOne(ctx, task, candidatePeers); err != nil {
			r.index.IncrementReplicationAttempts(ctx, task.ID)
			status := ReplicationStatusPending
			if task.Attempts+1 >= r.maxAttempts {
				status = ReplicationStatusFailed
			}
			r.index.UpdateReplicationTask(ctx, task.ID, status, nil, err.Error())
			continue
		}
		now := Now()
		r.index.UpdateReplicationTask(ctx, task.ID, ReplicationStatusCompleted, &now, "")
		completed++
	}
	return completed, nil
}

func (r *ReplicationController) relocateOne(ctx context.Context, task *ReplicationTask, candidatePeers []*PeerRecord) error {
	data, err := r.readShard(ctx, task)
	if err != nil {
		return err
	}

	target, err := r.pickTarget(candidatePeers, task.SourcePeer, task.TargetPeer)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])

	result, err := r.transport.StoreChunk(ctx, target.PeerID, StoreChunkParams{
		File: task.FileFingerprint, Index: task.ShardIndex, Owner: task.Owner,
		ChunkB64: base64.StdEncoding.EncodeToString(data), ContentHash: contentHash, ChunkSize: len(data),
	})
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("target peer rejected store_chunk")
	}

	locID, err := r.index.InsertLocation(ctx, &Location{
		FileFingerprint: task.FileFingerprint, ShardIndex: task.ShardIndex, Owner: task.Owner,
		PeerID: target.PeerID, AssignedAt: Now(), Status: LocationStatusPending,
	})
	if err != nil {
		return err
	}
	if err := r.index.ConfirmLocation(ctx, locID, Now()); err != nil {
		return err
	}
	if err := r.index.UpdatePeerReliability(ctx, target.PeerID, 0.05); err != nil {
		r.logger.Warn("failed to bump target reliability after relocation", zap.String("peer_id", target.PeerID), zap.Error(err))
	}
	task.TargetPeer = target.PeerID
	return nil
}

func (r *ReplicationController) readShard(ctx context.Context, task *ReplicationTask) ([]byte, error) {
	if data, err := r.store.Get(ctx, task.Owner, task.FileFingerprint, task.ShardIndex); err == nil && data != nil {
		return data, nil
	}

	locs, err := r.index.LocationsOf(ctx, task.FileFingerprint, task.ShardIndex, task.Owner)
	if err != nil {
		return nil, err
	}
	for _, loc := range locs {
		if loc.Status != LocationStatusConfirmed || loc.PeerID == task.SourcePeer {
			continue
		}
		result, err := r.transport.GetChunk(ctx, loc.PeerID, GetChunkParams{File: task.FileFingerprint, Index: task.ShardIndex, Owner: task.Owner})
		if err != nil || !result.Success {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(result.ChunkB64)
		if err != nil {
			continue
		}
		return raw, nil
	}
	return nil, &ShardNotFoundError{FileFingerprint: task.FileFingerprint, ShardIndex: task.ShardIndex, Owner: task.Owner}
}

func (r *ReplicationController) pickTarget(peers []*PeerRecord, excluded ...string) (*PeerRecord, error) {
	exclude := make(map[string]bool, len(excluded))
	for _, ex := range excluded {
		if ex != "" {
			exclude[ex] = true
		}
	}
	candidates := selectPeers(peers, r.minReliability, r.ownerID, exclude)
	if len(candidates) == 0 {
		return nil, &ConfigurationError{Key: "peers", Reason: "no eligible relocation target"}
	}
	return candidates[0], nil
}

// CleanupExpired removes shards whose retention window has elapsed, both
// locally and from the index.
func (r *ReplicationController) CleanupExpired(ctx context.Context) (int, error) {
	expired, err := r.index.ExpiredShards(ctx, Now())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, s := range expired {
		if _, err := r.store.Delete(ctx, s.Owner, s.FileFingerprint, s.ShardIndex); err != nil {
			r.logger.Warn("failed to delete expired shard from disk", zap.Error(err))
		}
		if err := r.index.DeleteShard(ctx, s.FileFingerprint, s.ShardIndex, s.Owner); err != nil {
			return removed, err
		}
		removed++
	}
	if _, err := r.store.CleanupOrphans(ctx); err != nil {
		r.logger.Warn("orphan cleanup failed", zap.Error(err))
	}
	return removed, nil
}
