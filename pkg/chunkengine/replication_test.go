package chunkengine

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

func TestReplicationController_OnPeerDisconnected(t *testing.T) {
	local := newTestNode(t, "local-peer")
	remote1 := newTestNode(t, "remote-1")
	remote2 := newTestNode(t, "remote-2")
	orch, peers := newTestOrchestrator(t, "owner1", local, remote1, remote2)
	ctx := context.Background()

	data := []byte("replication controller disconnect scenario payload data")
	m, err := orch.ChunkFile(ctx, "repl.txt", "/tmp/repl.txt", data)
	if err != nil {
		t.Fatalf("ChunkFile: %v", err)
	}
	if _, err := orch.DistributeChunks(ctx, m, peers, true); err != nil {
		t.Fatalf("DistributeChunks: %v", err)
	}

	for _, p := range peers {
		if err := local.index.UpsertPeer(ctx, &PeerRecord{PeerID: p.PeerID, Host: p.Host, Port: p.Port, Reliability: p.Reliability, Online: true}); err != nil {
			t.Fatalf("UpsertPeer: %v", err)
		}
	}

	repl := NewReplicationController("owner1", local.store, local.index, nil, DefaultConfig(), nil)
	queued, err := repl.OnPeerDisconnected(ctx, "remote-1")
	if err != nil {
		t.Fatalf("OnPeerDisconnected: %v", err)
	}
	if queued == 0 {
		t.Fatalf("expected at least one relocation task queued for remote-1's shards")
	}

	pending, err := local.index.PendingReplications(ctx, 100)
	if err != nil {
		t.Fatalf("PendingReplications: %v", err)
	}
	if len(pending) != queued {
		t.Fatalf("expected %d pending tasks, got %d", queued, len(pending))
	}
	for _, task := range pending {
		if task.SourcePeer != "remote-1" || task.Reason != "peer_disconnected" {
			t.Fatalf("unexpected task: %+v", task)
		}
	}

	// The disconnected peer is marked offline and penalized by 0.1.
	peer, err := local.index.GetPeer(ctx, "remote-1")
	if err != nil {
		t.Fatalf("GetPeer: %v", err)
	}
	if peer.Online {
		t.Fatalf("expected remote-1 marked offline")
	}
	if diff := peer.Reliability - 0.8; diff < -0.001 || diff > 0.001 {
		t.Fatalf("expected reliability penalized to 0.8, got %f", peer.Reliability)
	}

	// No confirmed location may remain on the lost peer.
	confirmed, err := local.index.LocationsByPeerAndStatus(ctx, "remote-1", LocationStatusConfirmed)
	if err != nil {
		t.Fatalf("LocationsByPeerAndStatus: %v", err)
	}
	if len(confirmed) != 0 {
		t.Fatalf("expected no confirmed locations left on remote-1, got %d", len(confirmed))
	}
}

func TestReplicationController_DrainRelocatesToSurvivor(t *testing.T) {
	local := newTestNode(t, "local-peer")
	remote1 := newTestNode(t, "remote-1")
	remote2 := newTestNode(t, "remote-2")
	orch, peers := newTestOrchestrator(t, "owner1", local, remote1, remote2)
	ctx := context.Background()

	data := []byte("shards on the lost peer get pushed to the surviving one during drain")
	m, err := orch.ChunkFile(ctx, "drain.txt", "/tmp/drain.txt", data)
	if err != nil {
		t.Fatalf("ChunkFile: %v", err)
	}
	// Keep local copies so the drain can source shard bytes from disk.
	if _, err := orch.DistributeChunks(ctx, m, peers, false); err != nil {
		t.Fatalf("DistributeChunks: %v", err)
	}
	for _, p := range peers {
		if err := local.index.UpsertPeer(ctx, p); err != nil {
			t.Fatalf("UpsertPeer: %v", err)
		}
	}

	repl := NewReplicationController("local-peer", local.store, local.index, orch.transport, DefaultConfig(), nil)
	queued, err := repl.OnPeerDisconnected(ctx, "remote-1")
	if err != nil {
		t.Fatalf("OnPeerDisconnected: %v", err)
	}
	if queued == 0 {
		t.Fatalf("expected relocation tasks for remote-1's shards")
	}

	candidates := make([]*PeerRecord, 0, len(peers))
	for _, p := range peers {
		cp := *p
		if cp.PeerID == "remote-1" {
			cp.Online = false
		}
		candidates = append(candidates, &cp)
	}

	completed, err := repl.DrainReplicationQueue(ctx, candidates)
	if err != nil {
		t.Fatalf("DrainReplicationQueue: %v", err)
	}
	if completed != queued {
		t.Fatalf("expected %d tasks completed, got %d", queued, completed)
	}

	// Every relocated shard now has a confirmed location on the survivor
	// and none remain confirmed on the lost peer.
	onSurvivor, err := local.index.LocationsByPeerAndStatus(ctx, "remote-2", LocationStatusConfirmed)
	if err != nil {
		t.Fatalf("LocationsByPeerAndStatus: %v", err)
	}
	if len(onSurvivor) < queued {
		t.Fatalf("expected at least %d confirmed locations on remote-2, got %d", queued, len(onSurvivor))
	}
	onLost, err := local.index.LocationsByPeerAndStatus(ctx, "remote-1", LocationStatusConfirmed)
	if err != nil {
		t.Fatalf("LocationsByPeerAndStatus: %v", err)
	}
	if len(onLost) != 0 {
		t.Fatalf("expected no confirmed locations on remote-1 after drain, got %d", len(onLost))
	}
}

func TestReplicationController_CleanupExpired(t *testing.T) {
	local := newTestNode(t, "local-peer")
	ctx := context.Background()

	path, err := local.store.Put(ctx, "owner1", "expired-file", 0, []byte("stale shard"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	hash, err := local.store.Hash(ctx, "owner1", "expired-file", 0)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	past := Now().Add(-time.Hour)
	if err := local.index.WithTx(ctx, func(tx *sql.Tx) error {
		return InsertShard(tx, &Shard{
			FileFingerprint: "expired-file", ShardIndex: 0, Owner: "owner1", LocalPath: path,
			SHA256: hash, Kind: ShardKindData, Size: 11, StoredAt: past, ExpiresAt: past, LastAccessed: past, Status: ShardStatusVerified,
		})
	}); err != nil {
		t.Fatalf("InsertShard: %v", err)
	}

	repl := NewReplicationController("owner1", local.store, local.index, nil, DefaultConfig(), nil)
	removed, err := repl.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 shard removed, got %d", removed)
	}

	got, err := local.index.GetShard(ctx, "expired-file", 0, "owner1")
	if err != nil {
		t.Fatalf("GetShard: %v", err)
	}
	if got != nil {
		t.Fatalf("expected shard row gone after cleanup")
	}
}

func TestReplicationController_CheckAndRepairIfNeeded(t *testing.T) {
	local := newTestNode(t, "local-peer")
	ctx := context.Background()

	path, err := local.store.Put(ctx, "owner1", "atrisk-file", 0, []byte("at risk shard"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	hash, err := local.store.Hash(ctx, "owner1", "atrisk-file", 0)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	now := Now()
	if err := local.index.WithTx(ctx, func(tx *sql.Tx) error {
		return InsertShard(tx, &Shard{
			FileFingerprint: "atrisk-file", ShardIndex: 0, Owner: "owner1", LocalPath: path,
			SHA256: hash, Kind: ShardKindData, Size: 13, StoredAt: now, ExpiresAt: now.Add(time.Hour), LastAccessed: now, Status: ShardStatusVerified,
		})
	}); err != nil {
		t.Fatalf("InsertShard: %v", err)
	}

	repl := NewReplicationController("owner1", local.store, local.index, nil, DefaultConfig(), nil)
	queued, err := repl.CheckAndRepairIfNeeded(ctx)
	if err != nil {
		t.Fatalf("CheckAndRepairIfNeeded: %v", err)
	}
	if queued != 1 {
		t.Fatalf("expected 1 at-risk shard queued, got %d", queued)
	}
}
