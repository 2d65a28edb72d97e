package chunkengine

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransportConfig carries the configuration keys that govern the peer RPC
// transport.
type TransportConfig struct {
	BaseTimeout          time.Duration
	MaxConnectionRetries int
	ConnectionRetryDelay time.Duration
	MaxMessageSize       int
	MaxConnections       int
}

// DefaultTransportConfig returns the engine defaults.
func DefaultTransportConfig() TransportConfig {
	cfg := DefaultConfig()
	return TransportConfig{
		BaseTimeout:          cfg.RPCTimeout(),
		MaxConnectionRetries: cfg.MaxConnectionRetries,
		ConnectionRetryDelay: cfg.ConnectionRetryDelay(),
		MaxMessageSize:       cfg.MaxMessageSize,
		MaxConnections:       256,
	}
}

// Transport is the client half of the peer RPC layer: one TCP connection per
// logical call, adaptive timeouts, exponential-backoff connect retries, and
// three-tier address resolution.
type Transport struct {
	ownID    string
	resolver *addressResolver
	cfg      TransportConfig
	logger   *zap.Logger
	dial     func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error)
}

// NewTransport constructs a client transport. oracle may be nil (falls
// through to cache/literal-parse resolution only).
func NewTransport(ownID string, oracle PeerAddressOracle, cfg TransportConfig, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxFrameSize
	}
	return &Transport{
		ownID:    ownID,
		resolver: newAddressResolver(oracle),
		cfg:      cfg,
		logger:   logger,
		dial: func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// Call issues one JSON-RPC request to peerID and returns the raw result
// payload. dataSizeHint lets callers (e.g. store_chunk with a base64
// payload ~1.4x the raw bytes) bias the adaptive timeout upward before the
// request is serialized.
func (t *Transport) Call(ctx context.Context, peerID, method string, params any, dataSizeHint int) (json.RawMessage, error) {
	paramsBytes, err := json.Marshal(params)
	if err != nil {
		return nil, &PeerCommunicationError{PeerID: peerID, Method: method, Cause: err}
	}

	reqID := uuid.NewString()
	req := RPCRequest{
		JSONRPC:    "2.0",
		ID:         reqID,
		Method:     method,
		Params:     paramsBytes,
		SenderUUID: t.ownID,
		Timestamp:  Now().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &PeerCommunicationError{PeerID: peerID, Method: method, Cause: err}
	}

	sizeHint := len(body)
	if dataSizeHint > sizeHint {
		sizeHint = dataSizeHint
	}
	timeout := adaptiveTimeout(sizeHint, t.cfg.BaseTimeout)

	// One initial attempt plus MaxConnectionRetries retries.
	maxRetries := t.cfg.MaxConnectionRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	totalAttempts := maxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= totalAttempts; attempt++ {
		resp, err := t.attemptCall(ctx, peerID, body, timeout)
		if err == nil {
			if resp.Error != nil {
				return nil, &PeerCommunicationError{PeerID: peerID, Method: method, Cause: resp.Error}
			}
			if resp.ID != reqID {
				return nil, &PeerCommunicationError{PeerID: peerID, Method: method, Cause: fmt.Errorf("response id mismatch: got %s want %s", resp.ID, reqID)}
			}
			return resp.Result, nil
		}
		lastErr = err
		t.logger.Warn("rpc call attempt failed", zap.String("peer_id", peerID), zap.String("method", method), zap.Int("attempt", attempt), zap.Error(err))

		if attempt < totalAttempts {
			delay := connectionBackoff(t.cfg.ConnectionRetryDelay, attempt)
			select {
			case <-ctx.Done():
				return nil, &PeerCommunicationError{PeerID: peerID, Method: method, Cause: ctx.Err()}
			case <-time.After(delay):
			}
		}
	}
	return nil, &PeerCommunicationError{PeerID: peerID, Method: method, Cause: lastErr}
}

func (t *Transport) attemptCall(ctx context.Context, peerID string, body []byte, timeout time.Duration) (*RPCResponse, error) {
	addr, err := t.resolver.resolve(peerID)
	if err != nil {
		return nil, err
	}

	conn, err := t.dial(ctx, addr.String(), timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := writeFrame(conn, body, t.cfg.MaxMessageSize); err != nil {
		return nil, err
	}

	// The response-read deadline is recomputed from the declared frame
	// length once the prefix arrives: a large get_chunk reply gets
	// proportionally more time than the request needed.
	conn.SetReadDeadline(time.Now().Add(timeout))
	reader := bufio.NewReader(conn)
	prefix := make([]byte, lengthPrefixBytes)
	if _, err := io.ReadFull(reader, prefix); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix)
	if t.cfg.MaxMessageSize > 0 && int(length) > t.cfg.MaxMessageSize {
		return nil, fmt.Errorf("declared frame length %d exceeds max %d", length, t.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(adaptiveTimeout(int(length), t.cfg.BaseTimeout)))
	respBody := make([]byte, length)
	if _, err := io.ReadFull(reader, respBody); err != nil {
		return nil, err
	}

	var resp RPCResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Convenience typed wrappers over Call, one per RPC method.

func (t *Transport) Ping(ctx context.Context, peerID string) (PingResult, error) {
	var out PingResult
	raw, err := t.Call(ctx, peerID, MethodPing, PingParams{Timestamp: Now().Format(time.RFC3339Nano)}, 0)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(raw, &out)
}

func (t *Transport) StoreChunk(ctx context.Context, peerID string, p StoreChunkParams) (StoreChunkResult, error) {
	var out StoreChunkResult
	// base64 expands bytes by ~4/3; size the adaptive timeout accordingly.
	hint := int(float64(p.ChunkSize) * 1.4)
	raw, err := t.Call(ctx, peerID, MethodStoreChunk, p, hint)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(raw, &out)
}

func (t *Transport) GetChunk(ctx context.Context, peerID string, p GetChunkParams) (GetChunkResult, error) {
	var out GetChunkResult
	raw, err := t.Call(ctx, peerID, MethodGetChunk, p, 0)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(raw, &out)
}

func (t *Transport) DeleteChunk(ctx context.Context, peerID string, p DeleteChunkParams) (DeleteChunkResult, error) {
	var out DeleteChunkResult
	raw, err := t.Call(ctx, peerID, MethodDeleteChunk, p, 0)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(raw, &out)
}

func (t *Transport) GetChunkInfo(ctx context.Context, peerID string, p GetChunkParams) (GetChunkInfoResult, error) {
	var out GetChunkInfoResult
	raw, err := t.Call(ctx, peerID, MethodGetChunkInfo, p, 0)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(raw, &out)
}

func (t *Transport) ListChunks(ctx context.Context, peerID string, p ListChunksParams) (ListChunksResult, error) {
	var out ListChunksResult
	raw, err := t.Call(ctx, peerID, MethodListChunks, p, 0)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(raw, &out)
}

func (t *Transport) Stats(ctx context.Context, peerID string) (GetStatsResult, error) {
	var out GetStatsResult
	raw, err := t.Call(ctx, peerID, MethodGetStats, struct{}{}, 0)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(raw, &out)
}

func (t *Transport) AnnounceFile(ctx context.Context, peerID string, p AnnounceFileParams) (AnnounceFileResult, error) {
	var out AnnounceFileResult
	raw, err := t.Call(ctx, peerID, MethodAnnounceFile, p, len(p.ManifestJSON))
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(raw, &out)
}

func (t *Transport) SearchFile(ctx context.Context, peerID string, p SearchFileParams) (SearchFileResult, error) {
	var out SearchFileResult
	raw, err := t.Call(ctx, peerID, MethodSearchFile, p, 0)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(raw, &out)
}

// Server is the inbound half of the peer RPC layer: one request/response serviced
// per connection, dispatched by method name to a LocalRPCService, bounded
// to at most maxConnections concurrent handlers (excess accepts queue at
// the OS listen backlog).
type Server struct {
	listener    net.Listener
	service     *LocalRPCService
	timeout     time.Duration
	maxFrame    int
	connLimiter chan struct{}
	logger      *zap.Logger

	wg sync.WaitGroup
}

// NewServer binds a TCP listener on addr and wraps service for dispatch.
func NewServer(addr string, service *LocalRPCService, cfg TransportConfig, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &PeerCommunicationError{Method: "listen", Cause: err}
	}
	limit := cfg.MaxConnections
	if limit <= 0 {
		limit = 256
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxFrameSize
	}
	return &Server{
		listener:    ln,
		service:     service,
		timeout:     cfg.BaseTimeout,
		maxFrame:    cfg.MaxMessageSize,
		connLimiter: make(chan struct{}, limit),
		logger:      logger,
	}, nil
}

// Addr returns the bound listener address.
func (srv *Server) Addr() net.Addr { return srv.listener.Addr() }

// Serve accepts connections until ctx is canceled or the listener closes.
func (srv *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		srv.listener.Close()
	}()

	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				srv.wg.Wait()
				return nil
			default:
				return err
			}
		}
		srv.connLimiter <- struct{}{}
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			defer func() { <-srv.connLimiter }()
			srv.handleConn(conn)
		}()
	}
}

// Close stops accepting new connections.
func (srv *Server) Close() error { return srv.listener.Close() }

func (srv *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(srv.timeout))
	reader := bufio.NewReader(conn)
	reqBody, err := readFrame(reader, srv.maxFrame)
	if err != nil {
		srv.logger.Debug("inbound frame read failed", zap.Error(err))
		return
	}

	var req RPCRequest
	if err := json.Unmarshal(reqBody, &req); err != nil {
		srv.writeError(conn, "", RPCErrParse, "invalid json")
		return
	}

	result, rpcErr := srv.dispatch(context.Background(), req)
	resp := RPCResponse{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(srv.timeout))
	if err := writeFrame(conn, body, srv.maxFrame); err != nil {
		srv.logger.Debug("inbound frame write failed", zap.Error(err))
	}
}

func (srv *Server) writeError(conn net.Conn, id string, code int, message string) {
	body, err := json.Marshal(RPCResponse{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(srv.timeout))
	writeFrame(conn, body, srv.maxFrame)
}

// dispatch routes a request to the matching LocalRPCService method,
// translating typed errors into JSON-RPC error codes.
func (srv *Server) dispatch(ctx context.Context, req RPCRequest) (json.RawMessage, *RPCError) {
	marshal := func(v any) (json.RawMessage, *RPCError) {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, &RPCError{Code: RPCErrInternal, Message: err.Error()}
		}
		return b, nil
	}
	classify := func(err error) *RPCError {
		switch err.(type) {
		case *ShardNotFoundError, *ManifestNotFoundError:
			return &RPCError{Code: RPCErrChunkNotFound, Message: err.Error()}
		case *ValidationError:
			return &RPCError{Code: RPCErrValidationErr, Message: err.Error()}
		case *StorageError, *IndexError:
			return &RPCError{Code: RPCErrStorageError, Message: err.Error()}
		default:
			return &RPCError{Code: RPCErrInternal, Message: err.Error()}
		}
	}

	switch req.Method {
	case MethodPing:
		var p PingParams
		json.Unmarshal(req.Params, &p)
		res, err := srv.service.Ping(ctx, p)
		if err != nil {
			return nil, classify(err)
		}
		return marshal(res)
	case MethodStoreChunk:
		var p StoreChunkParams
		json.Unmarshal(req.Params, &p)
		res, err := srv.service.StoreChunk(ctx, p)
		if err != nil {
			return nil, classify(err)
		}
		return marshal(res)
	case MethodGetChunk:
		var p GetChunkParams
		json.Unmarshal(req.Params, &p)
		res, err := srv.service.GetChunk(ctx, p)
		if err != nil {
			return nil, classify(err)
		}
		return marshal(res)
	case MethodDeleteChunk:
		var p DeleteChunkParams
		json.Unmarshal(req.Params, &p)
		res, err := srv.service.DeleteChunk(ctx, p)
		if err != nil {
			return nil, classify(err)
		}
		return marshal(res)
	case MethodGetChunkInfo:
		var p GetChunkParams
		json.Unmarshal(req.Params, &p)
		res, err := srv.service.GetChunkInfo(ctx, p)
		if err != nil {
			return nil, classify(err)
		}
		return marshal(res)
	case MethodListChunks:
		var p ListChunksParams
		json.Unmarshal(req.Params, &p)
		res, err := srv.service.ListChunks(ctx, p)
		if err != nil {
			return nil, classify(err)
		}
		return marshal(res)
	case MethodGetStats:
		res, err := srv.service.GetStats(ctx)
		if err != nil {
			return nil, classify(err)
		}
		return marshal(res)
	case MethodAnnounceFile:
		var p AnnounceFileParams
		json.Unmarshal(req.Params, &p)
		res, err := srv.service.AnnounceFile(ctx, p)
		if err != nil {
			return nil, classify(err)
		}
		return marshal(res)
	case MethodSearchFile:
		var p SearchFileParams
		json.Unmarshal(req.Params, &p)
		res, err := srv.service.SearchFile(ctx, p)
		if err != nil {
			return nil, classify(err)
		}
		return marshal(res)
	default:
		return nil, &RPCError{Code: RPCErrMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}
