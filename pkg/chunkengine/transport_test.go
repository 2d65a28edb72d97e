package chunkengine

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net"
	"strconv"
	"testing"
	"time"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	store, err := NewChunkStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewChunkStore: %v", err)
	}
	idx, err := NewIndex(":memory:", nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	service := NewLocalRPCService("server-peer", store, idx, 0)
	cfg := DefaultTransportConfig()
	srv, err := NewServer("127.0.0.1:0", service, cfg, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	return srv, srv.Addr().String()
}

func TestTransport_PingRoundTrip(t *testing.T) {
	_, addr := startTestServer(t)
	oracle := func(peerID string) (PeerAddress, bool) {
		return PeerAddress{Host: "127.0.0.1", Port: portOf(t, addr)}, true
	}
	transport := NewTransport("client-peer", oracle, DefaultTransportConfig(), nil)

	res, err := transport.Ping(context.Background(), "server-peer")
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if !res.Pong || res.PeerUUID != "server-peer" {
		t.Fatalf("unexpected ping result: %+v", res)
	}
}

func TestTransport_StoreAndGetChunkRoundTrip(t *testing.T) {
	_, addr := startTestServer(t)
	oracle := func(peerID string) (PeerAddress, bool) {
		return PeerAddress{Host: "127.0.0.1", Port: portOf(t, addr)}, true
	}
	transport := NewTransport("client-peer", oracle, DefaultTransportConfig(), nil)
	ctx := context.Background()

	payload := []byte("transport test payload")
	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])

	storeRes, err := transport.StoreChunk(ctx, "server-peer", StoreChunkParams{
		File: "file1", Index: 0, Owner: "owner1",
		ChunkB64: base64.StdEncoding.EncodeToString(payload), ContentHash: hash, ChunkSize: len(payload),
	})
	if err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}
	if !storeRes.Success {
		t.Fatalf("expected store success")
	}

	getRes, err := transport.GetChunk(ctx, "server-peer", GetChunkParams{File: "file1", Index: 0, Owner: "owner1"})
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	decoded, _ := base64.StdEncoding.DecodeString(getRes.ChunkB64)
	if string(decoded) != string(payload) {
		t.Fatalf("round trip mismatch: got %q want %q", decoded, payload)
	}
}

func TestTransport_GetChunk_NotFoundSurfacesAsError(t *testing.T) {
	_, addr := startTestServer(t)
	oracle := func(peerID string) (PeerAddress, bool) {
		return PeerAddress{Host: "127.0.0.1", Port: portOf(t, addr)}, true
	}
	cfg := DefaultTransportConfig()
	cfg.MaxConnectionRetries = 0
	transport := NewTransport("client-peer", oracle, cfg, nil)

	_, err := transport.GetChunk(context.Background(), "server-peer", GetChunkParams{File: "nope", Index: 0, Owner: "owner1"})
	if err == nil {
		t.Fatalf("expected error for missing chunk")
	}
	if _, ok := err.(*PeerCommunicationError); !ok {
		t.Fatalf("expected *PeerCommunicationError wrapping the rpc error, got %T: %v", err, err)
	}
}

func TestTransport_UnresolvableAddressFailsFast(t *testing.T) {
	cfg := DefaultTransportConfig()
	cfg.MaxConnectionRetries = 0
	cfg.ConnectionRetryDelay = 10 * time.Millisecond
	transport := NewTransport("client-peer", nil, cfg, nil)

	_, err := transport.Ping(context.Background(), "unknown-peer")
	if err == nil {
		t.Fatalf("expected error resolving unknown peer")
	}
}

func portOf(t *testing.T, addr string) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("splitting addr %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port %q: %v", portStr, err)
	}
	return port
}
