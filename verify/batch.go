package verify

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blockberries/headerberry/types"
	"github.com/blockberries/headerberry/worker"
)

// BatchSolutionVerifier groups proof of work checks from concurrent callers
// and runs each group in parallel. It is safe for concurrent use.
type BatchSolutionVerifier struct {
	buf *worker.Buffer[*types.Header, *ticket]
}

// NewBatchSolutionVerifier wraps inner. A batch is checked once maxItems
// headers are waiting or maxLatency has passed since the first of them
// arrived.
func NewBatchSolutionVerifier(
	inner SolutionVerifier,
	maxItems int,
	maxLatency time.Duration,
	opts ...worker.Option,
) *BatchSolutionVerifier {
	opts = append([]worker.Option{worker.WithName("solution-batch")}, opts...)
	svc := &solutionBatch{
		inner: inner,
		limit: runtime.GOMAXPROCS(0),
	}
	return &BatchSolutionVerifier{
		buf: worker.NewBatch[*types.Header, *ticket](svc, maxItems, maxItems, maxLatency, opts...),
	}
}

// Verify implements SolutionVerifier. It returns once the batch holding
// header has been checked.
func (b *BatchSolutionVerifier) Verify(ctx context.Context, header *types.Header) error {
	t, err := b.buf.Call(ctx, header)
	if err != nil {
		return err
	}
	return t.err
}

// Close checks any partial batch and stops the worker.
func (b *BatchSolutionVerifier) Close() {
	b.buf.Close()
}

// ticket holds one header's result until its batch is flushed.
type ticket struct {
	header *types.Header
	err    error
}

// solutionBatch is the BatchService behind BatchSolutionVerifier. Only the
// worker goroutine touches queued.
type solutionBatch struct {
	inner  SolutionVerifier
	limit  int
	queued []*ticket
}

func (s *solutionBatch) Ready(context.Context) error {
	return nil
}

func (s *solutionBatch) Call(_ context.Context, header *types.Header) (*ticket, error) {
	t := &ticket{header: header}
	s.queued = append(s.queued, t)
	return t, nil
}

// Flush checks every queued header. Individual failures are recorded on
// their tickets; only a cancelled context fails the flush.
func (s *solutionBatch) Flush(ctx context.Context) error {
	queued := s.queued
	s.queued = nil

	var g errgroup.Group
	g.SetLimit(s.limit)
	for _, t := range queued {
		g.Go(func() error {
			t.err = s.inner.Verify(ctx, t.header)
			return nil
		})
	}
	_ = g.Wait()

	return ctx.Err()
}
