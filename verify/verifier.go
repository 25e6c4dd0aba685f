// Package verify checks headers before they are indexed.
//
// A header is accepted when its time is not too far ahead of the local
// clock and its Equihash solution meets its difficulty target. Accepted
// headers are added to the index exactly once.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/bsv-blockchain/go-chaintracks/chainmanager"
	"go.opentelemetry.io/otel/trace"

	"github.com/blockberries/headerberry/logging"
	"github.com/blockberries/headerberry/metrics"
	"github.com/blockberries/headerberry/state"
	"github.com/blockberries/headerberry/tracing"
	"github.com/blockberries/headerberry/types"
	"github.com/blockberries/headerberry/worker"
)

// DefaultMaxFutureDrift is how far ahead of the local clock a header's time
// may be.
const DefaultMaxFutureDrift = 2 * time.Hour

// Request asks for Header to be verified and indexed at Height.
type Request struct {
	Header *types.Header
	Height types.Height
}

// Index is where verified headers go.
type Index interface {
	AddHeader(ctx context.Context, header *types.Header, height types.Height) (state.Added, error)
}

// SolutionVerifier checks a header's proof of work.
type SolutionVerifier interface {
	Verify(ctx context.Context, header *types.Header) error
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock sets the source of the current time.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithMaxFutureDrift sets how far ahead of now a header's time may be.
func WithMaxFutureDrift(d time.Duration) Option {
	return func(v *Verifier) {
		v.maxDrift = d
	}
}

// WithSolutionVerifier replaces the default proof of work check.
func WithSolutionVerifier(s SolutionVerifier) Option {
	return func(v *Verifier) {
		v.solution = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Metrics) Option {
	return func(v *Verifier) {
		v.metrics = m
	}
}

// WithTracerProvider records a span for every verified header.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(v *Verifier) {
		v.tracer = tracing.Tracer(tp)
	}
}

// Verifier checks headers and adds the valid ones to an index.
// It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	index    Index
	solution SolutionVerifier
	now      func() time.Time
	maxDrift time.Duration
	logger   *logging.Logger
	metrics  metrics.Metrics
	tracer   trace.Tracer
}

// New creates a Verifier that adds accepted headers to index.
func New(index Index, opts ...Option) *Verifier {
	v := &Verifier{
		index:    index,
		solution: NewDifficultyVerifier(types.EquihashSolutionSize),
		now:      time.Now,
		maxDrift: DefaultMaxFutureDrift,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = logging.OrNop(v.logger).WithComponent("verify")
	v.metrics = metrics.OrNop(v.metrics)
	if v.tracer == nil {
		v.tracer = tracing.Tracer(nil)
	}
	return v
}

// Init creates a Verifier and runs it behind a single-slot worker.
func Init(index Index, opts ...Option) *worker.Buffer[Request, state.Added] {
	v := New(index, opts...)
	return worker.NewBuffer[Request, state.Added](v, 1,
		worker.WithName("verifier"),
		worker.WithLogger(v.logger),
	)
}

// Ready always returns nil.
func (v *Verifier) Ready(context.Context) error {
	return nil
}

// Call checks the header's time, then its proof of work, then adds it to the
// index. Errors from the index are returned as they are.
func (v *Verifier) Call(ctx context.Context, req Request) (state.Added, error) {
	start := time.Now()

	ctx, span := tracing.Start(ctx, v.tracer, tracing.SpanVerifyHeader, tracing.Height(req.Height))
	if req.Header != nil {
		span.SetAttributes(tracing.Hash(req.Header.Hash()))
	}

	added, err := v.verify(ctx, req)
	tracing.End(span, err)
	if err != nil {
		v.metrics.IncHeadersRejected(metrics.RejectReason(err))
		v.logger.Debug("header rejected",
			logging.Height(req.Height),
			logging.Error(err),
		)
		return state.Added{}, err
	}

	v.metrics.IncHeadersVerified()
	v.metrics.AddChainWork(chainmanager.CalculateWork(req.Header.Bits))
	v.metrics.ObserveVerifyLatency(time.Since(start))
	return added, nil
}

func (v *Verifier) verify(ctx context.Context, req Request) (state.Added, error) {
	header := req.Header
	if header == nil {
		return state.Added{}, fmt.Errorf("%w: nil header", types.ErrInvalidHeader)
	}

	if err := v.checkTime(header); err != nil {
		return state.Added{}, err
	}

	if err := v.solution.Verify(ctx, header); err != nil {
		return state.Added{}, fmt.Errorf("header %s at height %d: %w", header.Hash(), req.Height, err)
	}

	return v.index.AddHeader(ctx, header, req.Height)
}

// checkTime rejects headers whose time is after now plus the allowed drift.
// A header exactly at the limit is accepted.
func (v *Verifier) checkTime(header *types.Header) error {
	limit := v.now().Add(v.maxDrift)
	if header.Timestamp().After(limit) {
		return fmt.Errorf("%w: header time %s is after %s",
			types.ErrFutureTimestamp,
			header.Timestamp().Format(time.RFC3339),
			limit.UTC().Format(time.RFC3339),
		)
	}
	return nil
}
