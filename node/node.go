package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/trace"

	"github.com/blockberries/headerberry/archive"
	"github.com/blockberries/headerberry/config"
	"github.com/blockberries/headerberry/logging"
	"github.com/blockberries/headerberry/metrics"
	"github.com/blockberries/headerberry/rpc/jsonrpc"
	"github.com/blockberries/headerberry/state"
	bsync "github.com/blockberries/headerberry/sync"
	"github.com/blockberries/headerberry/tracing"
	"github.com/blockberries/headerberry/types"
	"github.com/blockberries/headerberry/verify"
	"github.com/blockberries/headerberry/worker"
)

const shutdownTimeout = 5 * time.Second

// Node is the main coordinator for a headerberry node.
// It aggregates all components and manages their lifecycle.
type Node struct {
	// Configuration
	cfg     *config.Config
	logger  *logging.Logger
	metrics metrics.Metrics
	clock   func() time.Time

	// Tracing
	tracerProvider  trace.TracerProvider
	shutdownTracing func(context.Context) error

	// Header source
	network bsync.Network
	peerID  peer.ID

	// Index and verification
	index          *state.Client
	verifier       bsync.Verifier
	verifierWorker *worker.Buffer[verify.Request, state.Added]
	batch          *verify.BatchSolutionVerifier

	syncer *bsync.HeaderSyncer

	// Metrics endpoint
	prom          *metrics.PrometheusMetrics
	metricsServer *http.Server
	metricsAddr   net.Addr

	// Query endpoint
	rpcServer *jsonrpc.Server

	// Lifecycle
	started  bool
	released bool
	wg      sync.WaitGroup
	mu      sync.RWMutex
}

// Option is a functional option for configuring a Node.
type Option func(*Node)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(n *Node) {
		n.logger = logger
	}
}

// WithMetrics sets the metrics collector, replacing the one built from the
// metrics config.
func WithMetrics(m metrics.Metrics) Option {
	return func(n *Node) {
		n.metrics = m
	}
}

// WithNetwork sets the header source. The configured archive is not loaded.
func WithNetwork(network bsync.Network) Option {
	return func(n *Node) {
		n.network = network
	}
}

// WithClock sets the clock used for header time checks.
func WithClock(now func() time.Time) Option {
	return func(n *Node) {
		n.clock = now
	}
}

// WithTracerProvider sets the tracer provider, replacing the one built from
// the tracing config. The caller keeps ownership of it.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(n *Node) {
		n.tracerProvider = tp
	}
}

// NewNode creates a new headerberry node with the given configuration.
// The node is not started until Start() is called.
func NewNode(cfg *config.Config, opts ...Option) (*Node, error) {
	genesis, err := cfg.Node.Genesis()
	if err != nil {
		return nil, fmt.Errorf("parsing genesis hash: %w", err)
	}

	n := &Node{cfg: cfg}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = logging.OrNop(n.logger).With(logging.ChainID(cfg.Node.ChainID))

	if n.metrics == nil {
		if cfg.Metrics.Enabled {
			n.prom = metrics.NewPrometheusMetrics(cfg.Metrics.Namespace)
			n.metrics = n.prom
		} else {
			n.metrics = metrics.NewNopMetrics()
		}
	}

	if n.network == nil {
		p, err := n.openArchive()
		if err != nil {
			return nil, err
		}
		n.network = p
		n.peerID = p.ID()
	}

	n.shutdownTracing = func(context.Context) error { return nil }
	if n.tracerProvider == nil {
		tp, shutdown, err := tracing.Setup(tracingConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("setting up tracing: %w", err)
		}
		n.tracerProvider = tp
		n.shutdownTracing = shutdown
	}

	n.index, err = state.Open(cfg.State.Backend, cfg.State.Path, cfg.State.CacheSize,
		state.WithLogger(n.logger),
		state.WithMetrics(n.metrics),
		state.WithTracerProvider(n.tracerProvider),
		state.WithMailboxSize(cfg.Worker.MailboxSize),
	)
	if err != nil {
		_ = n.shutdownTracing(context.Background())
		return nil, fmt.Errorf("opening header index: %w", err)
	}

	n.buildVerifier()

	n.syncer = bsync.NewHeaderSyncer(n.network, n.verifier, n.index,
		bsync.Config{
			ChunkSize:    cfg.Sync.ChunkSize,
			MaxInFlight:  cfg.Sync.MaxInFlight,
			PollInterval: cfg.Sync.PollInterval.Duration(),
			GenesisHash:  genesis,
		},
		bsync.WithLogger(n.logger),
		bsync.WithMetrics(n.metrics),
		bsync.WithTracerProvider(n.tracerProvider),
	)

	if cfg.RPC.Enabled {
		n.rpcServer = jsonrpc.NewServer(n.index,
			jsonrpc.NodeInfo{
				ChainID: cfg.Node.ChainID,
				PeerID:  n.peerID.String(),
				Backend: cfg.State.Backend,
			},
			jsonrpc.Config{
				ListenAddr:   cfg.RPC.ListenAddr,
				RateLimit:    cfg.RPC.RateLimit,
				RateBurst:    cfg.RPC.RateBurst,
				MaxBatchSize: cfg.RPC.MaxBatchSize,
				MaxBodyBytes: cfg.RPC.MaxBodyBytes,
			},
			jsonrpc.WithLogger(n.logger),
			jsonrpc.WithMetrics(n.metrics),
			jsonrpc.WithSyncer(n.syncer),
		)
	}

	return n, nil
}

func tracingConfig(cfg *config.Config) tracing.Config {
	tc := tracing.DefaultConfig()
	tc.Enabled = cfg.Tracing.Enabled
	tc.Exporter = cfg.Tracing.Exporter
	tc.Endpoint = cfg.Tracing.Endpoint
	tc.SampleRate = cfg.Tracing.SampleRate
	tc.Insecure = cfg.Tracing.Insecure
	tc.Environment = cfg.Tracing.Environment
	return tc
}

func (n *Node) openArchive() (*archive.Peer, error) {
	popts := []archive.PeerOption{archive.WithLogger(n.logger)}
	if n.cfg.Network.PeerID != "" {
		id, err := peer.Decode(n.cfg.Network.PeerID)
		if err != nil {
			return nil, fmt.Errorf("parsing peer id: %w", err)
		}
		popts = append(popts, archive.WithPeerID(id))
	}

	p, err := archive.OpenPeer(n.cfg.Network.ArchivePath, popts...)
	if err != nil {
		return nil, fmt.Errorf("opening header archive: %w", err)
	}
	return p, nil
}

// buildVerifier wires the verifier in front of the index. Without batching
// the verifier runs behind its own single-flight worker. With batching the
// verifier is called concurrently so proof-of-work checks can fill batches.
func (n *Node) buildVerifier() {
	vcfg := n.cfg.Verifier
	var solution verify.SolutionVerifier = verify.NewDifficultyVerifier(vcfg.SolutionSize)

	vopts := []verify.Option{
		verify.WithMaxFutureDrift(vcfg.MaxFutureDrift.Duration()),
		verify.WithLogger(n.logger),
		verify.WithMetrics(n.metrics),
	}
	if n.clock != nil {
		vopts = append(vopts, verify.WithClock(n.clock))
	}
	vopts = append(vopts, verify.WithTracerProvider(n.tracerProvider))

	if vcfg.BatchSize > 0 {
		n.batch = verify.NewBatchSolutionVerifier(solution, vcfg.BatchSize, vcfg.BatchLatency.Duration(),
			worker.WithLogger(n.logger),
		)
		vopts = append(vopts, verify.WithSolutionVerifier(n.batch))
		n.verifier = verify.New(n.index, vopts...)
		return
	}

	vopts = append(vopts, verify.WithSolutionVerifier(solution))
	n.verifierWorker = verify.Init(n.index, vopts...)
	n.verifier = n.verifierWorker
}

// Start starts the node and all its components.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return types.ErrNodeAlreadyStarted
	}
	if n.released {
		return types.ErrNodeReleased
	}

	if n.prom != nil {
		if err := n.startMetricsServer(); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
	}

	if n.rpcServer != nil {
		if err := n.rpcServer.Start(); err != nil {
			n.stopMetricsServer()
			return fmt.Errorf("starting rpc server: %w", err)
		}
	}

	if err := n.syncer.Start(); err != nil {
		n.stopRPCServer()
		n.stopMetricsServer()
		return fmt.Errorf("starting header sync: %w", err)
	}

	n.started = true
	n.logger.Info("node started",
		logging.PeerID(n.peerID),
		logging.Backend(n.cfg.State.Backend),
	)
	return nil
}

// Stop stops the node and releases the index. A stopped node cannot be
// started again.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return types.ErrNodeNotStarted
	}

	n.stopRPCServer()
	_ = n.syncer.Stop()
	n.stopMetricsServer()

	n.started = false
	if err := n.release(); err != nil {
		return err
	}

	n.logger.Info("node stopped")
	return nil
}

// Close releases the index of a node that was never started. Closing a
// stopped node is a no-op.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return types.ErrNodeAlreadyStarted
	}
	return n.release()
}

// release closes everything NewNode opened. Only the first call does work.
func (n *Node) release() error {
	if n.released {
		return nil
	}
	n.released = true

	if n.verifierWorker != nil {
		n.verifierWorker.Close()
	}
	if n.batch != nil {
		n.batch.Close()
	}

	err := n.index.Close()
	if err != nil {
		err = fmt.Errorf("closing header index: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if terr := n.shutdownTracing(ctx); terr != nil {
		n.logger.Warn("flushing traces failed", logging.Error(terr))
	}
	return err
}

func (n *Node) startMetricsServer() error {
	ln, err := net.Listen("tcp", n.cfg.Metrics.ListenAddr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", n.prom.HTTPHandler())

	n.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	n.metricsAddr = ln.Addr()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("metrics server failed", logging.Error(err))
		}
	}()

	n.logger.Info("serving metrics", logging.Address(n.metricsAddr.String()))
	return nil
}

func (n *Node) stopMetricsServer() {
	if n.metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = n.metricsServer.Shutdown(ctx)
	n.wg.Wait()
	n.metricsServer = nil
}

func (n *Node) stopRPCServer() {
	if n.rpcServer == nil {
		return
	}
	if err := n.rpcServer.Stop(); err != nil {
		n.logger.Warn("stopping rpc server failed", logging.Error(err))
	}
}

// IsRunning returns whether the node is running.
func (n *Node) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started
}

// Done is closed when header sync exits on its own, which only happens on a
// worker failure, or after Stop.
func (n *Node) Done() <-chan struct{} {
	return n.syncer.Done()
}

// Err returns the worker failure that stopped header sync, if any.
func (n *Node) Err() error {
	return n.syncer.Err()
}

// PeerID returns the archive peer's ID, or "" when WithNetwork was used.
func (n *Node) PeerID() peer.ID {
	return n.peerID
}

// Index returns the header index client.
func (n *Node) Index() *state.Client {
	return n.index
}

// Syncer returns the header sync loop.
func (n *Node) Syncer() *bsync.HeaderSyncer {
	return n.syncer
}

// RPCAddr returns the address the JSON-RPC endpoint listens on, or nil.
func (n *Node) RPCAddr() net.Addr {
	if n.rpcServer == nil {
		return nil
	}
	return n.rpcServer.Addr()
}

// MetricsAddr returns the address the metrics endpoint listens on, or nil.
func (n *Node) MetricsAddr() net.Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.metricsAddr
}
