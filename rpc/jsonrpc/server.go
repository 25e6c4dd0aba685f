package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blockberries/headerberry/headerstore"
	"github.com/blockberries/headerberry/logging"
	"github.com/blockberries/headerberry/metrics"
	"github.com/blockberries/headerberry/security"
	"github.com/blockberries/headerberry/state"
	bsync "github.com/blockberries/headerberry/sync"
	"github.com/blockberries/headerberry/types"
)

const (
	shutdownTimeout        = 5 * time.Second
	limiterCleanupInterval = time.Minute
)

// Index is the header index the server queries.
type Index interface {
	Ready(ctx context.Context) error
	Header(ctx context.Context, q headerstore.Query) (state.Header, error)
	Height(ctx context.Context, hash types.Hash) (state.Height, error)
	Tip(ctx context.Context) (state.Tip, error)
	Depth(ctx context.Context, hash types.Hash) (state.Depth, error)
}

// Syncer reports the sync loop's progress.
type Syncer interface {
	State() bsync.SyncState
	Err() error
}

// NodeInfo is the static part of the "status" answer.
type NodeInfo struct {
	ChainID string
	PeerID  string
	Backend string
}

// Config contains server configuration.
type Config struct {
	ListenAddr string

	// RateLimit is requests per second per client address. Zero disables
	// rate limiting.
	RateLimit float64
	RateBurst int

	MaxBatchSize int
	MaxBodyBytes int64
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "127.0.0.1:8232",
		RateLimit:    50,
		RateBurst:    100,
		MaxBatchSize: 100,
		MaxBodyBytes: 1 << 20,
	}
}

// MethodHandler handles a specific RPC method.
type MethodHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithSyncer lets "status" report the sync loop's state.
func WithSyncer(syncer Syncer) Option {
	return func(s *Server) {
		s.syncer = syncer
	}
}

// WithRateLimiter replaces the limiter built from the config.
func WithRateLimiter(l security.RateLimiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// Server is a JSON-RPC 2.0 server answering header queries.
type Server struct {
	index  Index
	syncer Syncer
	info   NodeInfo
	config Config

	logger  *logging.Logger
	metrics metrics.Metrics
	limiter security.RateLimiter

	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup

	methods map[string]MethodHandler
	running atomic.Bool
	mu      sync.Mutex
}

// NewServer creates a JSON-RPC server over index.
func NewServer(index Index, info NodeInfo, config Config, opts ...Option) *Server {
	s := &Server{
		index:   index,
		info:    info,
		config:  config,
		methods: make(map[string]MethodHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).WithComponent("rpc")
	s.metrics = metrics.OrNop(s.metrics)
	if s.limiter == nil && config.RateLimit > 0 {
		s.limiter = security.NewTokenBucketLimiter(security.RateLimiterConfig{
			Rate:            config.RateLimit,
			Burst:           config.RateBurst,
			CleanupInterval: limiterCleanupInterval,
		})
	}
	s.registerMethods()
	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/", s)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("rpc server failed", logging.Error(err))
		}
	}()

	s.running.Store(true)
	s.logger.Info("serving json-rpc", logging.Address(listener.Addr().String()))
	return nil
}

// Stop shuts the server down, waiting for in-flight requests.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Swap(false) {
		return nil
	}
	if s.limiter != nil {
		s.limiter.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeHTTP handles one HTTP request holding a single call or a batch.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.limiter != nil && !s.limiter.Allow(clientKey(r)) {
		s.metrics.IncRPCRateLimited()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		s.encode(w, NewErrorResponse(nil, ErrRateLimited))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodyBytes()+1))
	if err != nil {
		s.writeResponse(w, NewErrorResponse(nil, ErrParseError))
		return
	}
	if int64(len(body)) > s.maxBodyBytes() {
		s.writeResponse(w, NewErrorResponse(nil, NewErrorWithData(CodeInvalidRequest, "request too large", nil)))
		return
	}

	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		s.handleBatch(r.Context(), w, body)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeResponse(w, NewErrorResponse(nil, ErrParseError))
		return
	}
	s.writeResponse(w, s.processRequest(r.Context(), &req))
}

func (s *Server) handleBatch(ctx context.Context, w http.ResponseWriter, body []byte) {
	var batch []Request
	if err := json.Unmarshal(body, &batch); err != nil {
		s.writeResponse(w, NewErrorResponse(nil, ErrParseError))
		return
	}
	if len(batch) == 0 {
		s.writeResponse(w, NewErrorResponse(nil, ErrInvalidRequest))
		return
	}
	if s.config.MaxBatchSize > 0 && len(batch) > s.config.MaxBatchSize {
		s.writeResponse(w, NewErrorResponse(nil, NewErrorWithData(CodeInvalidRequest, "batch too large", s.config.MaxBatchSize)))
		return
	}

	responses := make([]*Response, len(batch))
	for i := range batch {
		responses[i] = s.processRequest(ctx, &batch[i])
	}
	s.writeResponse(w, responses)
}

// processRequest runs one call and counts its outcome.
func (s *Server) processRequest(ctx context.Context, req *Request) *Response {
	resp := s.dispatch(ctx, req)

	outcome := metrics.RPCOutcomeOK
	if resp.Error != nil {
		outcome = metrics.RPCOutcomeError
	}
	method := req.Method
	if _, ok := s.methods[method]; !ok {
		method = "unknown"
	}
	s.metrics.IncRPCRequests(method, outcome)
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != Version || req.Method == "" {
		return NewErrorResponse(req.ID, ErrInvalidRequest)
	}

	handler, ok := s.methods[req.Method]
	if !ok {
		return NewErrorResponse(req.ID, ErrMethodNotFound)
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			return NewErrorResponse(req.ID, rpcErr)
		}
		s.logger.Warn("rpc call failed",
			logging.Method(req.Method),
			logging.Error(err),
		)
		return NewErrorResponse(req.ID, NewErrorWithData(CodeInternalError, err.Error(), nil))
	}

	resp, err := NewResponse(req.ID, result)
	if err != nil {
		return NewErrorResponse(req.ID, ErrInternalError)
	}
	return resp
}

func (s *Server) writeResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	s.encode(w, v)
}

func (s *Server) encode(w io.Writer, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing rpc response failed", logging.Error(err))
	}
}

func (s *Server) maxBodyBytes() int64 {
	if s.config.MaxBodyBytes > 0 {
		return s.config.MaxBodyBytes
	}
	return DefaultConfig().MaxBodyBytes
}

// clientKey identifies the caller for rate limiting by remote IP.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
