// Package sync downloads headers from the network and feeds them through
// the verifier into the index.
package sync

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/blockberries/headerberry/logging"
	"github.com/blockberries/headerberry/metrics"
	"github.com/blockberries/headerberry/state"
	"github.com/blockberries/headerberry/tracing"
	"github.com/blockberries/headerberry/types"
	"github.com/blockberries/headerberry/verify"
	"github.com/blockberries/headerberry/worker"
)

// SyncState represents the current synchronization state.
type SyncState int

const (
	// StateSynced indicates the peer had nothing newer on the last request.
	StateSynced SyncState = iota
	// StateSyncing indicates headers are being downloaded.
	StateSyncing
)

// String returns the metrics label for the state.
func (s SyncState) String() string {
	if s == StateSyncing {
		return metrics.SyncStateSyncing
	}
	return metrics.SyncStateSynced
}

// Defaults for Config.
const (
	DefaultChunkSize    = 10
	DefaultMaxInFlight  = 500
	DefaultPollInterval = 5 * time.Second
)

// Config configures a HeaderSyncer.
type Config struct {
	// ChunkSize is the most hashes sent in one HeadersByHash request.
	ChunkSize int
	// MaxInFlight is the most HeadersByHash requests outstanding at once.
	MaxInFlight int
	// PollInterval is the wait before asking again once synced, or after a
	// network error.
	PollInterval time.Duration
	// GenesisHash is the starting point when the index is empty.
	GenesisHash types.Hash
}

// DefaultConfig returns the mainnet defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    DefaultChunkSize,
		MaxInFlight:  DefaultMaxInFlight,
		PollInterval: DefaultPollInterval,
		GenesisHash:  types.MainnetGenesisHash,
	}
}

// Verifier checks a header and adds it to the index.
// Both *verify.Verifier and the worker returned by verify.Init satisfy it.
type Verifier interface {
	Call(ctx context.Context, req verify.Request) (state.Added, error)
}

// Index reports the current tip.
type Index interface {
	Tip(ctx context.Context) (state.Tip, error)
}

// Option configures a HeaderSyncer.
type Option func(*HeaderSyncer)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *HeaderSyncer) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Metrics) Option {
	return func(s *HeaderSyncer) {
		s.metrics = m
	}
}

// WithTracerProvider records a span for every chunk downloaded.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *HeaderSyncer) {
		s.tracer = tracing.Tracer(tp)
	}
}

// HeaderSyncer repeatedly asks the network for headers past the local tip
// and pushes them through the verifier.
//
// Per-header and network errors are logged and sync carries on. A worker
// failure from the verifier or the index stops the loop; Err reports it.
type HeaderSyncer struct {
	// Dependencies
	network  Network
	verifier Verifier
	index    Index

	cfg     Config
	logger  *logging.Logger
	metrics metrics.Metrics
	tracer  trace.Tracer

	// Sync state
	state SyncState
	err   error

	// resume is where the next round starts when the last one left a gap
	// below its highest header. Only the run goroutine touches it.
	resume    types.Hash
	hasResume bool

	mu sync.RWMutex

	// Lifecycle
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewHeaderSyncer creates a HeaderSyncer. Zero fields in cfg take their
// defaults, except GenesisHash.
func NewHeaderSyncer(network Network, verifier Verifier, index Index, cfg Config, opts ...Option) *HeaderSyncer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	s := &HeaderSyncer{
		network:  network,
		verifier: verifier,
		index:    index,
		cfg:      cfg,
		state:    StateSynced,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).WithComponent("sync")
	s.metrics = metrics.OrNop(s.metrics)
	if s.tracer == nil {
		s.tracer = tracing.Tracer(nil)
	}
	return s
}

// Name returns the component name for identification.
func (s *HeaderSyncer) Name() string {
	return "header-sync"
}

// Start begins the sync loop.
func (s *HeaderSyncer) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.running = true
	s.cancel = cancel
	s.done = done
	s.err = nil
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, done)

	return nil
}

// Stop halts the sync loop and waits for in-flight requests to finish.
func (s *HeaderSyncer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// IsRunning returns whether the loop is running.
func (s *HeaderSyncer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// State returns the current sync state.
func (s *HeaderSyncer) State() SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsSyncing returns true if currently syncing.
func (s *HeaderSyncer) IsSyncing() bool {
	return s.State() == StateSyncing
}

// Err returns the worker failure that stopped the loop, if any.
func (s *HeaderSyncer) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done is closed when the current run of the loop exits, whether by Stop or
// by a worker failure.
func (s *HeaderSyncer) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

func (s *HeaderSyncer) run(ctx context.Context, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	s.logger.Info("header sync started",
		"chunk_size", s.cfg.ChunkSize,
		logging.InFlight(s.cfg.MaxInFlight),
	)

	for {
		start := time.Now()
		synced, err := s.syncRound(ctx)
		s.metrics.ObserveSyncRound(time.Since(start))

		if worker.IsFailure(err) {
			s.fail(err)
			return
		}
		if ctx.Err() != nil {
			s.logger.Info("header sync stopped")
			return
		}
		if err != nil {
			s.logger.Warn("sync round failed", logging.Error(err))
		}
		if synced {
			s.transitionToSynced()
		}

		timer := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("header sync stopped")
			return
		case <-timer.C:
		}
	}
}

// syncRound follows the peer's chain from the local tip until the peer has
// nothing newer or a request fails. Hash discovery runs ahead of header
// downloads; at most MaxInFlight downloads are outstanding at once. It
// reports whether the peer ran out of headers.
func (s *HeaderSyncer) syncRound(ctx context.Context) (bool, error) {
	known, err := s.startingHash(ctx)
	if err != nil {
		return false, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxInFlight)

	missed := &gap{}
	pos := 0
	synced := false
	for gctx.Err() == nil {
		found, err := s.network.FindHeaders(gctx, []types.Hash{known}, nil)
		if err != nil {
			if gctx.Err() == nil {
				s.metrics.IncSyncErrors(metrics.SyncErrorNetwork)
				s.logger.Warn("find headers failed",
					logging.Hash(known),
					logging.Error(err),
				)
			}
			break
		}
		if len(found.Hashes) == 0 {
			synced = true
			break
		}

		s.transitionToSyncing()
		prev := known
		known = found.Hashes[len(found.Hashes)-1]

		s.logger.Debug("requested more hashes",
			logging.PeerID(found.Peer),
			logging.Count(len(found.Hashes)),
			logging.Hash(known),
		)

		for hashes := range slices.Chunk(found.Hashes, s.cfg.ChunkSize) {
			c := chunk{hashes: hashes, pos: pos, prev: prev}
			pos += len(hashes)
			prev = hashes[len(hashes)-1]
			g.Go(func() error {
				return s.fetchChunk(gctx, c, missed)
			})
		}
	}

	err = g.Wait()
	s.resume, s.hasResume = missed.resumeHash()
	if s.hasResume {
		s.logger.Debug("next round starts below the tip", logging.Hash(s.resume))
	}
	return synced, err
}

// startingHash returns where the peer is asked to continue from: the hash
// before the earliest header the last round should retry, the index tip, or
// the genesis hash on an empty index.
func (s *HeaderSyncer) startingHash(ctx context.Context) (types.Hash, error) {
	tip, err := s.index.Tip(ctx)
	if err != nil {
		return types.Hash{}, err
	}
	if s.hasResume {
		return s.resume, nil
	}
	if !tip.Found {
		return s.cfg.GenesisHash, nil
	}
	return tip.Hash, nil
}

// chunk is one HeadersByHash request. pos is the offset of its first hash
// within the round and prev the hash that precedes it.
type chunk struct {
	hashes []types.Hash
	pos    int
	prev   types.Hash
}

// before returns the hash preceding hashes[i].
func (c chunk) before(i int) types.Hash {
	if i == 0 {
		return c.prev
	}
	return c.hashes[i-1]
}

// gap tracks the earliest header of a round that was not indexed for a
// reason that may pass, such as a failed download.
type gap struct {
	mu     sync.Mutex
	pos    int
	resume types.Hash
	set    bool
}

func (g *gap) note(pos int, resume types.Hash) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.set || pos < g.pos {
		g.pos, g.resume, g.set = pos, resume, true
	}
}

func (g *gap) resumeHash() (types.Hash, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resume, g.set
}

// fetchChunk downloads one chunk of headers and verifies them in order. Only
// worker failures are returned. Headers worth retrying are noted in missed.
func (s *HeaderSyncer) fetchChunk(ctx context.Context, c chunk, missed *gap) (failure error) {
	ctx, span := tracing.Start(ctx, s.tracer, tracing.SpanFetchChunk, tracing.Count(len(c.hashes)))
	defer func() { tracing.End(span, failure) }()

	resp, err := s.network.HeadersByHash(ctx, c.hashes)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() == nil {
			missed.note(c.pos, c.prev)
			s.metrics.IncSyncErrors(metrics.SyncErrorNetwork)
			s.logger.Warn("headers by hash failed",
				logging.Count(len(c.hashes)),
				logging.Error(err),
			)
		}
		return nil
	}
	s.metrics.IncSyncHeadersReceived(len(resp.Headers))
	span.SetAttributes(tracing.AttrReceived.Int(len(resp.Headers)))

	received := make(map[types.Hash]struct{}, len(resp.Headers))
	for _, hh := range resp.Headers {
		received[hh.Header.Hash()] = struct{}{}
	}
	for i, h := range c.hashes {
		if _, ok := received[h]; !ok {
			missed.note(c.pos+i, c.before(i))
			break
		}
	}

	for _, hh := range resp.Headers {
		hash := hh.Header.Hash()
		_, err := s.verifier.Call(ctx, verify.Request{Header: hh.Header, Height: hh.Height})
		if err == nil {
			continue
		}
		if worker.IsFailure(err) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, types.ErrDuplicateHash) {
			// Rounds that start below the tip fetch headers indexed before.
			s.logger.Debug("header already indexed", logging.Hash(hash))
			continue
		}
		if errors.Is(err, types.ErrFutureTimestamp) {
			if i := slices.Index(c.hashes, hash); i >= 0 {
				missed.note(c.pos+i, c.before(i))
			}
		}

		kind := metrics.SyncErrorVerify
		if errors.Is(err, types.ErrDuplicateKey) || errors.Is(err, types.ErrCorruptRecord) {
			kind = metrics.SyncErrorIndex
		}
		s.metrics.IncSyncErrors(kind)
		s.logger.Warn("header not added",
			logging.PeerID(resp.Peer),
			logging.Height(hh.Height),
			logging.Hash(hash),
			logging.Error(err),
		)
	}
	return nil
}

func (s *HeaderSyncer) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.logger.Error("header sync stopped by worker failure", logging.Error(err))
}

func (s *HeaderSyncer) transitionToSynced() {
	s.mu.Lock()
	changed := s.state != StateSynced
	s.state = StateSynced
	s.mu.Unlock()

	s.metrics.SetSyncState(metrics.SyncStateSynced)
	if changed {
		s.logger.Info("header sync caught up")
	}
}

func (s *HeaderSyncer) transitionToSyncing() {
	s.mu.Lock()
	changed := s.state != StateSyncing
	s.state = StateSyncing
	s.mu.Unlock()

	if changed {
		s.metrics.SetSyncState(metrics.SyncStateSyncing)
		s.logger.Info("header sync behind peers")
	}
}
