package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/blockberries/headerberry/types"
)

var errBackendGone = errors.New("backend gone")

// failingService fails readiness on its failAt-th call to Ready. When gate
// is set, that Ready call first signals entered and waits on gate.
type failingService struct {
	failAt  int32
	readies atomic.Int32
	calls   atomic.Int32
	entered chan struct{}
	gate    chan struct{}
}

func (s *failingService) Ready(context.Context) error {
	n := s.readies.Add(1)
	if n != s.failAt {
		return nil
	}
	if s.gate != nil {
		close(s.entered)
		<-s.gate
	}
	return errBackendGone
}

func (s *failingService) Call(_ context.Context, req int) (int, error) {
	s.calls.Add(1)
	return req * 2, nil
}

func TestBufferCall(t *testing.T) {
	b := NewBuffer[int, int](ServiceFunc[int, int](func(_ context.Context, req int) (int, error) {
		return req + 1, nil
	}), 4)
	defer b.Close()

	resp, err := b.Call(t.Context(), 41)
	require.NoError(t, err)
	require.Equal(t, 42, resp)
	require.NoError(t, b.Ready(t.Context()))
	require.NoError(t, b.Err())
}

func TestBufferCarriesCallerSpan(t *testing.T) {
	b := NewBuffer[int, trace.SpanContext](ServiceFunc[int, trace.SpanContext](func(ctx context.Context, _ int) (trace.SpanContext, error) {
		return trace.SpanContextFromContext(ctx), nil
	}), 1)
	defer b.Close()

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})

	got, err := b.Call(trace.ContextWithSpanContext(t.Context(), sc), 0)
	require.NoError(t, err)
	require.Equal(t, sc.TraceID(), got.TraceID())
	require.Equal(t, sc.SpanID(), got.SpanID())

	got, err = b.Call(t.Context(), 0)
	require.NoError(t, err)
	require.False(t, got.IsValid())
}

func TestBufferCallError(t *testing.T) {
	errOdd := errors.New("odd")
	b := NewBuffer[int, int](ServiceFunc[int, int](func(_ context.Context, req int) (int, error) {
		if req%2 == 1 {
			return 0, errOdd
		}
		return req, nil
	}), 1)
	defer b.Close()

	_, err := b.Call(t.Context(), 1)
	require.ErrorIs(t, err, errOdd)

	// Call errors do not fail the worker.
	resp, err := b.Call(t.Context(), 2)
	require.NoError(t, err)
	require.Equal(t, 2, resp)
	require.NoError(t, b.Err())
}

func TestBufferFIFOSingleFlight(t *testing.T) {
	var (
		mu       sync.Mutex
		order    []int
		inFlight atomic.Int32
		maxSeen  atomic.Int32
	)
	svc := ServiceFunc[int, int](func(_ context.Context, req int) (int, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		mu.Lock()
		order = append(order, req)
		mu.Unlock()
		return req, nil
	})

	b := NewBuffer[int, int](svc, 8)
	defer b.Close()

	// A single sender sees its own requests handled in order.
	for i := 0; i < 50; i++ {
		resp, err := b.Call(t.Context(), i)
		require.NoError(t, err)
		require.Equal(t, i, resp)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.Call(context.Background(), 100+i)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 70)
	for i := 0; i < 50; i++ {
		require.Equal(t, i, order[i])
	}
	require.Equal(t, int32(1), maxSeen.Load())
}

func TestBufferFailsOnThirdCall(t *testing.T) {
	svc := &failingService{
		failAt:  3,
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	b := NewBuffer[int, int](svc, 8, WithName("index"))
	defer b.Close()

	for i := 1; i <= 2; i++ {
		resp, err := b.Call(t.Context(), i)
		require.NoError(t, err)
		require.Equal(t, i*2, resp)
	}

	errs := make(chan error, 4)
	go func() {
		_, err := b.Call(context.Background(), 3)
		errs <- err
	}()
	<-svc.entered

	// Queue three more behind the stalled readiness check.
	for i := 4; i <= 6; i++ {
		go func(i int) {
			_, err := b.Call(context.Background(), i)
			errs <- err
		}(i)
	}
	require.Eventually(t, func() bool { return b.Pending() == 3 }, time.Second, time.Millisecond)

	close(svc.gate)

	var first *WorkerError
	for i := 0; i < 4; i++ {
		err := <-errs
		require.ErrorIs(t, err, types.ErrWorkerFailed)
		require.ErrorIs(t, err, errBackendGone)

		var we *WorkerError
		require.ErrorAs(t, err, &we)
		if first == nil {
			first = we
		}
		require.Same(t, first, we)
	}
	require.Equal(t, "index", first.Name)

	// Later callers see the same failure without reaching the service.
	_, err := b.Call(t.Context(), 7)
	var we *WorkerError
	require.ErrorAs(t, err, &we)
	require.Same(t, first, we)

	require.Equal(t, int32(2), svc.calls.Load())
	require.Equal(t, int32(3), svc.readies.Load())
	require.ErrorIs(t, b.Ready(t.Context()), types.ErrWorkerFailed)
	require.True(t, IsFailure(b.Err()))

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after failure")
	}
}

func TestBufferCloseDrains(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var handled atomic.Int32
	svc := ServiceFunc[int, int](func(_ context.Context, req int) (int, error) {
		if req == 0 {
			started <- struct{}{}
			<-release
		}
		handled.Add(1)
		return req, nil
	})
	b := NewBuffer[int, int](svc, 4)

	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func(i int) {
			_, err := b.Call(context.Background(), i)
			results <- err
		}(i)
		if i == 0 {
			<-started
		}
	}
	require.Eventually(t, func() bool { return b.Pending() == 3 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		b.Close()
		close(closed)
	}()
	close(release)
	<-closed

	for i := 0; i < 4; i++ {
		require.NoError(t, <-results)
	}
	require.Equal(t, int32(4), handled.Load())

	_, err := b.Call(t.Context(), 9)
	require.ErrorIs(t, err, types.ErrWorkerClosed)
	require.ErrorIs(t, b.Ready(t.Context()), types.ErrWorkerClosed)
	require.NoError(t, b.Err())

	// Close is idempotent.
	b.Close()
}

func TestBufferEnqueueRespectsContext(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	svc := ServiceFunc[int, int](func(_ context.Context, req int) (int, error) {
		if req == 0 {
			close(started)
			<-release
		}
		return req, nil
	})
	b := NewBuffer[int, int](svc, 1)
	defer b.Close()
	defer close(release)

	go func() { _, _ = b.Call(context.Background(), 0) }()
	<-started
	go func() { _, _ = b.Call(context.Background(), 1) }()
	require.Eventually(t, func() bool { return b.Pending() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Call(ctx, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// recordingBatch collects calls until Flush.
type recordingBatch struct {
	mu       sync.Mutex
	queued   []int
	flushed  [][]int
	flushErr error
}

func (s *recordingBatch) Ready(context.Context) error { return nil }

func (s *recordingBatch) Call(_ context.Context, req int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, req)
	return req * 10, nil
}

func (s *recordingBatch) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushErr != nil {
		return s.flushErr
	}
	s.flushed = append(s.flushed, s.queued)
	s.queued = nil
	return nil
}

func (s *recordingBatch) batches() [][]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]int(nil), s.flushed...)
}

func TestBatchFlushesOnSize(t *testing.T) {
	svc := &recordingBatch{}
	b := NewBatch[int, int](svc, 8, 3, time.Hour)
	defer b.Close()

	results := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		go func(i int) {
			resp, err := b.Call(context.Background(), i)
			assert.NoError(t, err)
			results <- resp
		}(i)
	}

	sum := 0
	for i := 0; i < 3; i++ {
		sum += <-results
	}
	require.Equal(t, 60, sum)

	batches := svc.batches()
	require.Len(t, batches, 1)
	require.ElementsMatch(t, []int{1, 2, 3}, batches[0])
}

func TestBatchFlushesOnLatency(t *testing.T) {
	svc := &recordingBatch{}
	b := NewBatch[int, int](svc, 8, 100, 20*time.Millisecond)
	defer b.Close()

	start := time.Now()
	resp, err := b.Call(t.Context(), 4)
	require.NoError(t, err)
	require.Equal(t, 40, resp)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// The timer restarts for the next batch.
	resp, err = b.Call(t.Context(), 5)
	require.NoError(t, err)
	require.Equal(t, 50, resp)

	require.Equal(t, [][]int{{4}, {5}}, svc.batches())
}

func TestBatchCloseFlushesPartialBatch(t *testing.T) {
	svc := &recordingBatch{}
	b := NewBatch[int, int](svc, 8, 100, time.Hour)

	done := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), 1)
		done <- err
	}()
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.queued) == 1
	}, time.Second, time.Millisecond)

	b.Close()
	require.NoError(t, <-done)
	require.Equal(t, [][]int{{1}}, svc.batches())
}

func TestBatchFlushFailure(t *testing.T) {
	errDisk := errors.New("disk full")
	svc := &recordingBatch{flushErr: errDisk}
	b := NewBatch[int, int](svc, 8, 2, time.Hour)
	defer b.Close()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			_, err := b.Call(context.Background(), i)
			errs <- err
		}(i)
	}

	var first *WorkerError
	for i := 0; i < 2; i++ {
		err := <-errs
		require.ErrorIs(t, err, types.ErrWorkerFailed)
		require.ErrorIs(t, err, errDisk)
		var we *WorkerError
		require.ErrorAs(t, err, &we)
		if first == nil {
			first = we
		}
		require.Same(t, first, we)
	}

	_, err := b.Call(t.Context(), 3)
	require.ErrorIs(t, err, errDisk)
}

func TestWorkerErrorMessage(t *testing.T) {
	err := &WorkerError{Name: "verifier", Err: errBackendGone}
	require.Equal(t, "verifier: worker failed: backend gone", err.Error())

	err = &WorkerError{Err: errBackendGone}
	require.Equal(t, "worker failed: backend gone", err.Error())
}
