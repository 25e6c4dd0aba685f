package verify

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/blockberries/headerberry/headerstore"
	"github.com/blockberries/headerberry/state"
	htesting "github.com/blockberries/headerberry/testing"
	"github.com/blockberries/headerberry/tracing"
	"github.com/blockberries/headerberry/types"
)

// recordingIndex counts AddHeader calls and answers with a fixed error.
type recordingIndex struct {
	calls atomic.Int32
	err   error
}

func (r *recordingIndex) AddHeader(_ context.Context, header *types.Header, height types.Height) (state.Added, error) {
	r.calls.Add(1)
	if r.err != nil {
		return state.Added{}, r.err
	}
	return state.Added{Hash: header.Hash(), Height: height}, nil
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func headerAt(t time.Time, bits uint32) *types.Header {
	h := htesting.NewHeader(types.Hash{}, t, bits, 1)
	if bits == htesting.EasyBits {
		htesting.Mine(h)
	}
	return h
}

func TestVerifierAcceptsValidHeader(t *testing.T) {
	index := &recordingIndex{}
	v := New(index, WithClock(htesting.FixedClock(now)))

	header := headerAt(now, htesting.EasyBits)
	added, err := v.Call(t.Context(), Request{Header: header, Height: 7})
	require.NoError(t, err)
	require.Equal(t, header.Hash(), added.Hash)
	require.Equal(t, types.Height(7), added.Height)
	require.Equal(t, int32(1), index.calls.Load())
	require.NoError(t, v.Ready(t.Context()))
}

func TestVerifierClockCheck(t *testing.T) {
	tests := []struct {
		name    string
		time    time.Time
		wantErr error
	}{
		{"past", now.Add(-24 * time.Hour), nil},
		{"now", now, nil},
		{"at the limit", now.Add(DefaultMaxFutureDrift), nil},
		{"one second past the limit", now.Add(DefaultMaxFutureDrift + time.Second), types.ErrFutureTimestamp},
		{"far future", now.Add(48 * time.Hour), types.ErrFutureTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index := &recordingIndex{}
			v := New(index, WithClock(htesting.FixedClock(now)))

			_, err := v.Call(t.Context(), Request{Header: headerAt(tt.time, htesting.EasyBits), Height: 1})
			if tt.wantErr == nil {
				require.NoError(t, err)
				require.Equal(t, int32(1), index.calls.Load())
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			require.Equal(t, int32(0), index.calls.Load())
		})
	}
}

func TestVerifierCustomDrift(t *testing.T) {
	v := New(&recordingIndex{},
		WithClock(htesting.FixedClock(now)),
		WithMaxFutureDrift(time.Minute),
	)

	_, err := v.Call(t.Context(), Request{Header: headerAt(now.Add(2*time.Minute), htesting.EasyBits)})
	require.ErrorIs(t, err, types.ErrFutureTimestamp)
}

func TestVerifierRejectsBadProofOfWork(t *testing.T) {
	index := &recordingIndex{}
	v := New(index, WithClock(htesting.FixedClock(now)))

	_, err := v.Call(t.Context(), Request{Header: headerAt(now, htesting.ImpossibleBits), Height: 1})
	require.ErrorIs(t, err, types.ErrInvalidProofOfWork)
	require.Equal(t, int32(0), index.calls.Load())
}

func TestVerifierClockCheckComesFirst(t *testing.T) {
	index := &recordingIndex{}
	v := New(index, WithClock(htesting.FixedClock(now)))

	header := headerAt(now.Add(3*time.Hour), htesting.ImpossibleBits)
	_, err := v.Call(t.Context(), Request{Header: header, Height: 1})
	require.ErrorIs(t, err, types.ErrFutureTimestamp)
	require.NotErrorIs(t, err, types.ErrInvalidProofOfWork)
	require.Equal(t, int32(0), index.calls.Load())
}

func TestVerifierPropagatesIndexErrors(t *testing.T) {
	t.Run("duplicate", func(t *testing.T) {
		index := &recordingIndex{err: types.ErrDuplicateHeight}
		v := New(index, WithClock(htesting.FixedClock(now)))

		_, err := v.Call(t.Context(), Request{Header: headerAt(now, htesting.EasyBits), Height: 1})
		require.ErrorIs(t, err, types.ErrDuplicateKey)
		require.ErrorIs(t, err, types.ErrDuplicateHeight)
		require.Equal(t, int32(1), index.calls.Load())
	})

	t.Run("worker failed", func(t *testing.T) {
		cause := errors.New("index down")
		index := &recordingIndex{err: errors.Join(types.ErrWorkerFailed, cause)}
		v := New(index, WithClock(htesting.FixedClock(now)))

		_, err := v.Call(t.Context(), Request{Header: headerAt(now, htesting.EasyBits), Height: 1})
		require.ErrorIs(t, err, types.ErrWorkerFailed)
		require.ErrorIs(t, err, cause)
	})
}

func TestVerifierNilHeader(t *testing.T) {
	index := &recordingIndex{}
	v := New(index)

	_, err := v.Call(t.Context(), Request{})
	require.ErrorIs(t, err, types.ErrInvalidHeader)
	require.Equal(t, int32(0), index.calls.Load())
}

type stubSolution struct {
	err   error
	calls atomic.Int32
}

func (s *stubSolution) Verify(context.Context, *types.Header) error {
	s.calls.Add(1)
	return s.err
}

func TestVerifierCustomSolutionVerifier(t *testing.T) {
	stub := &stubSolution{}
	index := &recordingIndex{}
	v := New(index, WithClock(htesting.FixedClock(now)), WithSolutionVerifier(stub))

	// Impossible bits pass because the stub accepts everything.
	_, err := v.Call(t.Context(), Request{Header: headerAt(now, htesting.ImpossibleBits)})
	require.NoError(t, err)
	require.Equal(t, int32(1), stub.calls.Load())
}

func TestInit(t *testing.T) {
	index := &recordingIndex{}
	buf := Init(index, WithClock(htesting.FixedClock(now)))
	defer buf.Close()

	header := headerAt(now, htesting.EasyBits)
	added, err := buf.Call(t.Context(), Request{Header: header, Height: 3})
	require.NoError(t, err)
	require.Equal(t, header.Hash(), added.Hash)

	// Rejections are call errors, not worker failures.
	_, err = buf.Call(t.Context(), Request{Header: headerAt(now.Add(3*time.Hour), htesting.EasyBits)})
	require.ErrorIs(t, err, types.ErrFutureTimestamp)
	require.NoError(t, buf.Ready(t.Context()))
}

func TestChainThroughDurableIndex(t *testing.T) {
	for _, backend := range []string{state.BackendLevelDB, state.BackendBadgerDB} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state")
			index, err := state.Open(backend, path, 0)
			require.NoError(t, err)

			chain := htesting.NewChain(3)
			clock := htesting.FixedClock(chain[2].Timestamp())
			v := Init(index, WithClock(clock))

			ctx := t.Context()
			for i, header := range chain {
				added, err := v.Call(ctx, Request{Header: header, Height: types.Height(i)})
				require.NoError(t, err)
				require.Equal(t, header.Hash(), added.Hash)
			}

			tip, err := index.Tip(ctx)
			require.NoError(t, err)
			require.True(t, tip.Found)
			require.Equal(t, types.Height(2), tip.Height)
			require.Equal(t, chain[2].Hash(), tip.Hash)

			got, err := index.Header(ctx, headerstore.ByHeight(1))
			require.NoError(t, err)
			require.True(t, got.Found)
			require.Equal(t, chain[1].Bytes(), got.Header.Bytes())
			require.Equal(t, chain[0].Hash(), got.Header.PrevHash)

			depth, err := index.Depth(ctx, chain[0].Hash())
			require.NoError(t, err)
			require.True(t, depth.Found)
			require.Equal(t, uint32(2), depth.Depth)

			// Replaying a header is rejected without touching the chain.
			_, err = v.Call(ctx, Request{Header: chain[1], Height: 1})
			require.ErrorIs(t, err, types.ErrDuplicateKey)

			v.Close()
			require.NoError(t, index.Close())

			// The chain survives a reopen.
			index, err = state.Open(backend, path, 0)
			require.NoError(t, err)
			defer index.Close()

			tip, err = index.Tip(ctx)
			require.NoError(t, err)
			require.Equal(t, types.Height(2), tip.Height)
			require.Equal(t, chain[2].Hash(), tip.Hash)
		})
	}
}

func TestVerifierConcurrentUse(t *testing.T) {
	index := state.NewMemoryService()
	defer index.Close()

	v := New(index, WithClock(htesting.FixedClock(now)))
	chain := htesting.NewChain(20)

	var wg sync.WaitGroup
	for i, header := range chain {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.Call(context.Background(), Request{Header: header, Height: types.Height(i)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tip, err := index.Tip(t.Context())
	require.NoError(t, err)
	require.Equal(t, types.Height(19), tip.Height)
}

func TestVerifierRecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSyncer(exporter),
	)

	buf := Init(&recordingIndex{},
		WithClock(htesting.FixedClock(now)),
		WithTracerProvider(tp),
	)
	defer buf.Close()

	ctx, parent := tp.Tracer("test").Start(t.Context(), "parent")
	header := headerAt(now, htesting.EasyBits)
	_, err := buf.Call(ctx, Request{Header: header, Height: 5})
	require.NoError(t, err)
	_, err = buf.Call(ctx, Request{Header: headerAt(now, htesting.ImpossibleBits), Height: 6})
	require.ErrorIs(t, err, types.ErrInvalidProofOfWork)
	parent.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)

	accepted, rejected := spans[0], spans[1]
	require.Equal(t, tracing.SpanVerifyHeader, accepted.Name)
	require.Equal(t, parent.SpanContext().SpanID(), accepted.Parent.SpanID())
	require.Contains(t, accepted.Attributes, tracing.Height(5))
	require.Contains(t, accepted.Attributes, tracing.Hash(header.Hash()))
	require.Equal(t, codes.Unset, accepted.Status.Code)

	require.Equal(t, tracing.SpanVerifyHeader, rejected.Name)
	require.Equal(t, codes.Error, rejected.Status.Code)
}
