package chunkengine

import (
	"context"
	"testing"
	"time"
)

func TestScheduler_StartStop(t *testing.T) {
	local := newTestNode(t, "local-peer")
	repl := NewReplicationController("owner1", local.store, local.index, nil, DefaultConfig(), nil)

	cfg := DefaultConfig()
	cfg.CleanupIntervalHours = 0 // force a sub-second interval below for the test
	sched := NewScheduler(local.index, repl, nil, cfg, nil)
	sched.cleanupInterval = 20 * time.Millisecond
	sched.integrityInterval = 20 * time.Millisecond
	sched.drainInterval = 20 * time.Millisecond

	sched.Start()
	time.Sleep(80 * time.Millisecond)
	sched.Stop()
}

func TestScheduler_RunIntegrityCheckDirect(t *testing.T) {
	local := newTestNode(t, "local-peer")
	repl := NewReplicationController("owner1", local.store, local.index, nil, DefaultConfig(), nil)
	sched := NewScheduler(local.index, repl, nil, DefaultConfig(), nil)

	sched.runIntegrityCheck(context.Background())
}

func TestScheduler_RunCleanupDirect(t *testing.T) {
	local := newTestNode(t, "local-peer")
	repl := NewReplicationController("owner1", local.store, local.index, nil, DefaultConfig(), nil)
	sched := NewScheduler(local.index, repl, nil, DefaultConfig(), nil)

	sched.runCleanup(context.Background())
}

func TestScheduler_RunReplicationDrain_NoPeerListerIsNoop(t *testing.T) {
	local := newTestNode(t, "local-peer")
	repl := NewReplicationController("owner1", local.store, local.index, nil, DefaultConfig(), nil)
	sched := NewScheduler(local.index, repl, nil, DefaultConfig(), nil)

	sched.runReplicationDrain(context.Background())
}

func TestScheduler_RunReplicationDrain_WithPeerLister(t *testing.T) {
	local := newTestNode(t, "local-peer")
	remote := newTestNode(t, "remote-1")
	_, peers := newTestOrchestrator(t, "owner1", local, remote)

	lister := func(ctx context.Context) ([]*PeerRecord, error) { return peers, nil }
	repl := NewReplicationController("owner1", local.store, local.index, nil, DefaultConfig(), nil)
	sched := NewScheduler(local.index, repl, lister, DefaultConfig(), nil)

	sched.runReplicationDrain(context.Background())
}
