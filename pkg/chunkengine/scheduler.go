package chunkengine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PeerLister supplies the current known peer set to the scheduler's
// replication-drain tick, without the scheduler needing to know how peers
// are discovered (that responsibility sits outside this engine).
type PeerLister func(ctx context.Context) ([]*PeerRecord, error)

// Scheduler runs cooperative, cancellable recurring background
// tasks (retention cleanup, integrity verification, replication drain),
// each on its own ticker, grounded on the same stop-channel/WaitGroup
// shape as the rest of this engine's long-running loops.
type Scheduler struct {
	index   *Index
	repl    *ReplicationController
	peers   PeerLister
	logger  *zap.Logger

	cleanupInterval   time.Duration
	integrityInterval time.Duration
	drainInterval     time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler builds the scheduler. peers may be nil, in which case replication
// draining is skipped (useful for single-node or test deployments).
func NewScheduler(index *Index, repl *ReplicationController, peers PeerLister, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		index: index, repl: repl, peers: peers, logger: logger,
		cleanupInterval:   cfg.CleanupInterval(),
		integrityInterval: time.Hour,
		drainInterval:     5 * time.Minute,
		stopCh:            make(chan struct{}),
	}
}

// Start launches the scheduler's background goroutines. It returns
// immediately; call Stop to request a cooperative shutdown.
func (s *Scheduler) Start() {
	s.wg.Add(3)
	go s.loop("retention_cleanup", s.cleanupInterval, s.runCleanup)
	go s.loop("integrity_check", s.integrityInterval, s.runIntegrityCheck)
	go s.loop("replication_drain", s.drainInterval, s.runReplicationDrain)
	s.logger.Info("scheduler started",
		zap.Duration("cleanup_interval", s.cleanupInterval),
		zap.Duration("integrity_interval", s.integrityInterval),
		zap.Duration("drain_interval", s.drainInterval))
}

// Stop signals every background loop to exit and waits for them to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(name string, interval time.Duration, task func(ctx context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			task(ctx)
			cancel()
		case <-s.stopCh:
			s.logger.Debug("scheduler loop stopping", zap.String("loop", name))
			return
		}
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	if s.repl == nil {
		return
	}
	n, err := s.repl.CleanupExpired(ctx)
	if err != nil {
		s.logger.Warn("retention cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("retention cleanup removed expired shards", zap.Int("count", n))
	}
}

func (s *Scheduler) runIntegrityCheck(ctx context.Context) {
	ok, err := s.index.VerifyIntegrity(ctx)
	if err != nil {
		s.logger.Error("integrity check failed to run", zap.Error(err))
		return
	}
	if !ok {
		s.logger.Error("index integrity check reported inconsistency")
		return
	}
	s.logger.Debug("index integrity check passed")
}

func (s *Scheduler) runReplicationDrain(ctx context.Context) {
	if s.repl == nil || s.peers == nil {
		return
	}
	peers, err := s.peers(ctx)
	if err != nil {
		s.logger.Warn("could not list peers for replication drain", zap.Error(err))
		return
	}
	if _, err := s.repl.CheckAndRepairIfNeeded(ctx); err != nil {
		s.logger.Warn("at-risk scan failed", zap.Error(err))
	}
	n, err := s.repl.DrainReplicationQueue(ctx, peers)
	if err != nil {
		s.logger.Warn("replication drain failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("replication drain completed tasks", zap.Int("count", n))
	}
}
