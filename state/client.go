package state

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/blockberries/headerberry/headerstore"
	"github.com/blockberries/headerberry/logging"
	"github.com/blockberries/headerberry/metrics"
	"github.com/blockberries/headerberry/tracing"
	"github.com/blockberries/headerberry/types"
	"github.com/blockberries/headerberry/worker"
)

// Storage backends accepted by Open.
const (
	BackendMemory   = "memory"
	BackendLevelDB  = "leveldb"
	BackendBadgerDB = "badgerdb"
)

// DefaultMailboxSize is the number of index requests that may wait for the
// worker before callers block.
const DefaultMailboxSize = 64

// Option configures an index service.
type Option func(*options)

type options struct {
	logger      *logging.Logger
	metrics     metrics.Metrics
	tracer      trace.Tracer
	mailboxSize int
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracerProvider records a span for every request sent through the
// Client.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracer = tracing.Tracer(tp)
	}
}

// WithMailboxSize sets the worker mailbox size.
func WithMailboxSize(n int) Option {
	return func(o *options) {
		o.mailboxSize = n
	}
}

func buildOptions(opts []Option) options {
	o := options{mailboxSize: DefaultMailboxSize}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.OrNop(o.logger).WithComponent("state")
	o.metrics = metrics.OrNop(o.metrics)
	if o.tracer == nil {
		o.tracer = tracing.Tracer(nil)
	}
	return o
}

// Client is a shared handle to an index service. All methods are safe for
// concurrent use; requests are handled one at a time in arrival order.
type Client struct {
	buf     *worker.Buffer[Request, Response]
	svc     *Service
	metrics metrics.Metrics
	tracer  trace.Tracer

	failOnce sync.Once
}

// NewMemoryService starts an index service backed by a fresh in-memory store.
func NewMemoryService(opts ...Option) *Client {
	return newClient(headerstore.NewMemoryStore(), opts)
}

// NewDurableService starts an index service backed by store, which the
// returned Client owns and closes.
func NewDurableService(store headerstore.Store, opts ...Option) *Client {
	return newClient(store, opts)
}

// Open opens the store selected by backend and starts an index service on
// it. path is ignored for the memory backend. A positive cacheSize puts an
// LRU of decoded headers in front of a durable store.
func Open(backend, path string, cacheSize int, opts ...Option) (*Client, error) {
	var (
		store headerstore.Store
		err   error
	)

	switch backend {
	case BackendMemory:
		return NewMemoryService(opts...), nil
	case BackendLevelDB:
		store, err = headerstore.NewLevelDBStore(path)
	case BackendBadgerDB:
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating badgerdb directory: %w", err)
		}
		store, err = headerstore.NewBadgerDBStore(path)
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", backend, err)
	}

	if cacheSize > 0 {
		cached, err := headerstore.NewCachedStore(store, cacheSize)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("creating header cache: %w", err)
		}
		store = cached
	}

	return NewDurableService(store, opts...), nil
}

func newClient(store headerstore.Store, opts []Option) *Client {
	o := buildOptions(opts)
	svc := NewService(store, opts...)
	buf := worker.NewBuffer[Request, Response](svc, o.mailboxSize,
		worker.WithName("index"),
		worker.WithLogger(o.logger),
	)
	return &Client{buf: buf, svc: svc, metrics: o.metrics, tracer: o.tracer}
}

// Ready reports the worker's failure, or ErrWorkerClosed after Close.
func (c *Client) Ready(ctx context.Context) error {
	return c.buf.Ready(ctx)
}

// Call sends a raw request to the service.
func (c *Client) Call(ctx context.Context, req Request) (resp Response, err error) {
	kind := "unknown"
	if req != nil {
		kind = req.kind()
	}
	ctx, span := tracing.Start(ctx, c.tracer, tracing.IndexSpanName(kind), tracing.Request(kind))
	defer func() { tracing.End(span, err) }()

	resp, err = c.buf.Call(ctx, req)
	if err != nil && worker.IsFailure(err) {
		c.failOnce.Do(func() { c.metrics.IncWorkerFailures("index") })
	}
	return resp, err
}

// AddHeader indexes header at height.
func (c *Client) AddHeader(ctx context.Context, header *types.Header, height types.Height) (Added, error) {
	return expect[Added](c.Call(ctx, AddHeader{Header: header, Height: height}))
}

// Header looks a header up by hash or height.
func (c *Client) Header(ctx context.Context, q headerstore.Query) (Header, error) {
	return expect[Header](c.Call(ctx, GetHeader{Query: q}))
}

// Height looks up the height of hash.
func (c *Client) Height(ctx context.Context, hash types.Hash) (Height, error) {
	return expect[Height](c.Call(ctx, GetHeight{Hash: hash}))
}

// Tip returns the highest indexed header's hash and height.
func (c *Client) Tip(ctx context.Context) (Tip, error) {
	return expect[Tip](c.Call(ctx, GetTip{}))
}

// Depth returns how far below the tip hash is.
func (c *Client) Depth(ctx context.Context, hash types.Hash) (Depth, error) {
	return expect[Depth](c.Call(ctx, GetDepth{Hash: hash}))
}

// Err returns the worker's terminal failure, if any.
func (c *Client) Err() error {
	return c.buf.Err()
}

// Close drains queued requests, stops the worker, and closes the store.
func (c *Client) Close() error {
	c.buf.Close()
	return c.svc.Close()
}

func expect[T Response](resp Response, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	typed, ok := resp.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %T, want %T", types.ErrUnexpectedResponse, resp, zero)
	}
	return typed, nil
}

var _ worker.Service[Request, Response] = (*Client)(nil)
