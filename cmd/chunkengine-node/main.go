// Command chunkengine-node runs a single peer of the erasure-coded chunk
// storage network: an RPC server for peer-to-peer chunk traffic, a
// background scheduler for cleanup/repair/integrity work, and a
// read-only admin HTTP surface for operators.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/zentalk-storage/chunkengine/pkg/chunkengine"
	"github.com/zentalk-storage/chunkengine/pkg/chunkengine/api"
)

func main() {
	peerID := flag.String("peer-id", "", "this node's peer UUID (required)")
	dataDir := flag.String("data-dir", "./data/shards", "chunk store root directory")
	dbPath := flag.String("db", "./data/index.db", "sqlite metadata index path")
	configPath := flag.String("config", "", "optional config file (yaml/json/toml, read via viper)")
	listenAddr := flag.String("listen", ":9000", "address for the peer RPC transport to bind")
	adminAddr := flag.Int("admin-port", 8090, "port for the read-only admin HTTP API")
	staticPeers := flag.String("peers", "", "comma-separated peerID=host:port bootstrap peer list")
	devMode := flag.Bool("dev", false, "use a development (console) logger instead of JSON production logging")
	flag.Parse()

	logger, err := newLogger(*devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *peerID == "" {
		logger.Fatal("-peer-id is required")
	}

	cfg, err := chunkengine.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatal("failed to create data directory", zap.String("dir", *dataDir), zap.Error(err))
	}

	store, err := chunkengine.NewChunkStore(*dataDir, logger)
	if err != nil {
		logger.Fatal("failed to open chunk store", zap.Error(err))
	}

	index, err := chunkengine.NewIndex(*dbPath, logger)
	if err != nil {
		logger.Fatal("failed to open metadata index", zap.Error(err))
	}
	defer index.Close()

	coder, err := chunkengine.NewErasureCoder(chunkengine.ErasureConfig{
		DataShards:   cfg.RSDataShards,
		ParityShards: cfg.RSParityShards,
		LRCGroupSize: cfg.LRCGroupSize,
	}, logger)
	if err != nil {
		logger.Fatal("failed to build erasure coder", zap.Error(err))
	}

	oracle := staticPeerOracle(*staticPeers, index, logger)
	transportCfg := chunkengine.TransportConfig{
		BaseTimeout:          cfg.RPCTimeout(),
		MaxConnectionRetries: cfg.MaxConnectionRetries,
		ConnectionRetryDelay: cfg.ConnectionRetryDelay(),
		MaxMessageSize:       cfg.MaxMessageSize,
		MaxConnections:       128,
	}
	transport := chunkengine.NewTransport(*peerID, oracle, transportCfg, logger)

	service := chunkengine.NewLocalRPCService(*peerID, store, index, cfg.RetentionDays)
	rpcServer, err := chunkengine.NewServer(*listenAddr, service, transportCfg, logger)
	if err != nil {
		logger.Fatal("failed to bind RPC server", zap.String("addr", *listenAddr), zap.Error(err))
	}

	// The orchestrator's chunk/distribute/reconstruct/delete operations are
	// the library surface external collaborators (file managers, trackers)
	// call directly against this node's store/index/transport; this binary
	// only needs to keep those components alive and serving peer RPC.
	orchestrator := chunkengine.NewOrchestrator(*peerID, store, index, coder, transport, cfg, logger)
	_ = orchestrator

	repl := chunkengine.NewReplicationController(*peerID, store, index, transport, cfg, logger)
	sched := chunkengine.NewScheduler(index, repl, index.OnlinePeers, cfg, logger)

	adminServer := api.NewServer(service, index, cfg, api.Config{
		Port:       *adminAddr,
		EnableCORS: true,
		RateLimit:  120,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := rpcServer.Serve(ctx); err != nil {
			logger.Error("rpc server stopped", zap.Error(err))
		}
	}()
	sched.Start()
	go func() {
		if err := adminServer.Start(ctx); err != nil {
			logger.Error("admin server stopped", zap.Error(err))
		}
	}()

	logger.Info("chunkengine node started",
		zap.String("peer_id", *peerID),
		zap.String("rpc_addr", rpcServer.Addr().String()),
		zap.Int("admin_port", *adminAddr),
		zap.Int("rs_k", cfg.RSDataShards),
		zap.Int("rs_m", cfg.RSParityShards),
	)

	waitForShutdown(logger)

	logger.Info("shutting down")
	sched.Stop()
	cancel()
	if err := rpcServer.Close(); err != nil {
		logger.Warn("error closing rpc server", zap.Error(err))
	}
	if err := adminServer.Stop(); err != nil {
		logger.Warn("error closing admin server", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal", zap.String("signal", sig.String()))
}

// staticPeerOracle builds a PeerAddressOracle from a "-peers" flag of the
// form "id1=host1:port1,id2=host2:port2". The returned oracle answers from
// that static list first, then from the index's peer record for the ID;
// when neither knows the peer, the transport falls back to its address
// cache and a "host:port" literal parse.
func staticPeerOracle(list string, index *chunkengine.Index, logger *zap.Logger) chunkengine.PeerAddressOracle {
	static := map[string]chunkengine.PeerAddress{}
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			logger.Warn("ignoring malformed -peers entry", zap.String("entry", entry))
			continue
		}
		host, port, err := splitHostPort(parts[1])
		if err != nil {
			logger.Warn("ignoring malformed -peers entry", zap.String("entry", entry), zap.Error(err))
			continue
		}
		static[parts[0]] = chunkengine.PeerAddress{Host: host, Port: port}
	}

	return func(peerID string) (chunkengine.PeerAddress, bool) {
		if addr, ok := static[peerID]; ok {
			return addr, true
		}
		rec, err := index.GetPeer(context.Background(), peerID)
		if err != nil || rec == nil {
			return chunkengine.PeerAddress{}, false
		}
		return chunkengine.PeerAddress{Host: rec.Host, Port: rec.Port}, true
	}
}

func splitHostPort(hostport string) (string, int, error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("missing port in %q", hostport)
	}
	port, err := strconv.Atoi(hostport[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", hostport, err)
	}
	return hostport[:idx], port, nil
}
