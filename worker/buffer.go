package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/blockberries/headerberry/logging"
	"github.com/blockberries/headerberry/types"
)

const (
	// DefaultMailboxSize is used when a non-positive mailbox size is given.
	DefaultMailboxSize = 1

	// DefaultBatchLatency is used when a batch buffer is given a non-positive
	// maximum latency.
	DefaultBatchLatency = 10 * time.Millisecond
)

// Option configures a Buffer.
type Option func(*options)

type options struct {
	name   string
	logger *logging.Logger
}

// WithName sets the name reported in logs and in WorkerError.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

type result[Resp any] struct {
	resp Resp
	err  error
}

type message[Req, Resp any] struct {
	req   Req
	reply chan result[Resp]

	// span is the caller's span, so spans started by the service nest under it.
	span trace.SpanContext
}

// callContext is the worker context carrying the caller's span.
func (m message[Req, Resp]) callContext(ctx context.Context) context.Context {
	if !m.span.IsValid() {
		return ctx
	}
	return trace.ContextWithSpanContext(ctx, m.span)
}

// Buffer is a handle to a worker goroutine that owns a Service. It is safe
// for concurrent use; callers share a Buffer by sharing the pointer.
//
// Buffer itself implements Service, so buffers can be stacked.
type Buffer[Req, Resp any] struct {
	svc   Service[Req, Resp]
	batch BatchService[Req, Resp]

	maxItems   int
	maxLatency time.Duration

	name   string
	logger *logging.Logger

	mailbox chan message[Req, Resp]
	closing chan struct{}
	done    chan struct{}

	// mu orders sends against closing the mailbox. Senders hold the read lock
	// while sending; the mailbox is closed under the write lock.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	failMu  sync.RWMutex
	failure *WorkerError
}

// NewBuffer starts a worker that handles requests to svc one at a time.
// Up to mailboxSize requests may wait in the mailbox; further callers block
// until there is room.
func NewBuffer[Req, Resp any](svc Service[Req, Resp], mailboxSize int, opts ...Option) *Buffer[Req, Resp] {
	b := newBuffer(svc, mailboxSize, opts)
	go b.run()
	return b
}

// NewBatch starts a worker that handles requests to svc in batches. Each
// response is released only after the Flush that completes its batch. A
// batch is flushed once maxItems calls have been made since the last flush,
// or once maxLatency has passed since the first call of the batch.
func NewBatch[Req, Resp any](
	svc BatchService[Req, Resp],
	mailboxSize, maxItems int,
	maxLatency time.Duration,
	opts ...Option,
) *Buffer[Req, Resp] {
	b := newBuffer[Req, Resp](svc, mailboxSize, opts)
	b.batch = svc
	b.maxItems = max(maxItems, 1)
	b.maxLatency = maxLatency
	if b.maxLatency <= 0 {
		b.maxLatency = DefaultBatchLatency
	}
	go b.runBatch()
	return b
}

func newBuffer[Req, Resp any](svc Service[Req, Resp], mailboxSize int, opts []Option) *Buffer[Req, Resp] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}

	logger := logging.OrNop(o.logger).WithComponent("worker")
	if o.name != "" {
		logger = logger.With("worker", o.name)
	}

	return &Buffer[Req, Resp]{
		svc:     svc,
		name:    o.name,
		logger:  logger,
		mailbox: make(chan message[Req, Resp], mailboxSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Call sends req to the worker and waits for its response.
//
// ctx bounds only the wait for room in the mailbox. Once the request is
// enqueued, Call waits until the worker answers it.
func (b *Buffer[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	reply := make(chan result[Resp], 1)
	if err := b.send(ctx, message[Req, Resp]{
		req:   req,
		reply: reply,
		span:  trace.SpanContextFromContext(ctx),
	}); err != nil {
		return zero, err
	}

	r := <-reply
	return r.resp, r.err
}

// Ready returns the captured failure, ErrWorkerClosed after Close, or nil.
func (b *Buffer[Req, Resp]) Ready(context.Context) error {
	if err := b.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return types.ErrWorkerClosed
	}
	return nil
}

// Err returns the captured failure, or nil if the service has not failed.
func (b *Buffer[Req, Resp]) Err() error {
	b.failMu.RLock()
	defer b.failMu.RUnlock()
	if b.failure == nil {
		return nil
	}
	return b.failure
}

// Pending returns the number of requests waiting in the mailbox.
func (b *Buffer[Req, Resp]) Pending() int {
	return len(b.mailbox)
}

// Done is closed when the worker goroutine has exited.
func (b *Buffer[Req, Resp]) Done() <-chan struct{} {
	return b.done
}

// Close stops accepting requests and waits for the worker to answer every
// request already in the mailbox. A partial batch is flushed first.
func (b *Buffer[Req, Resp]) Close() {
	b.shutdown()
	<-b.done
}

func (b *Buffer[Req, Resp]) send(ctx context.Context, msg message[Req, Resp]) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return b.closedErr()
	}

	select {
	case b.mailbox <- msg:
		return nil
	case <-b.closing:
		return b.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Buffer[Req, Resp]) closedErr() error {
	if err := b.Err(); err != nil {
		return err
	}
	return types.ErrWorkerClosed
}

func (b *Buffer[Req, Resp]) shutdown() {
	b.closeOnce.Do(func() {
		// Wake blocked senders before taking the write lock.
		close(b.closing)

		b.mu.Lock()
		b.closed = true
		close(b.mailbox)
		b.mu.Unlock()
	})
}

// fail records err as the terminal failure unless one is already recorded,
// then closes the mailbox. It returns the recorded failure.
func (b *Buffer[Req, Resp]) fail(err error) error {
	b.failMu.Lock()
	if b.failure == nil {
		b.failure = &WorkerError{Name: b.name, Err: err}
		b.logger.Error("service failed", logging.Error(err))
	}
	failure := b.failure
	b.failMu.Unlock()

	b.shutdown()
	return failure
}

func (b *Buffer[Req, Resp]) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer close(b.done)
	defer cancel()

	for msg := range b.mailbox {
		if err := b.Err(); err != nil {
			msg.reply <- result[Resp]{err: err}
			continue
		}

		if err := b.svc.Ready(ctx); err != nil {
			msg.reply <- result[Resp]{err: b.fail(err)}
			continue
		}

		resp, err := b.svc.Call(msg.callContext(ctx), msg.req)
		msg.reply <- result[Resp]{resp: resp, err: err}
	}

	b.logger.Debug("worker stopped")
}

type pendingReply[Resp any] struct {
	reply chan result[Resp]
	resp  Resp
}

func (b *Buffer[Req, Resp]) runBatch() {
	ctx, cancel := context.WithCancel(context.Background())
	defer close(b.done)
	defer cancel()

	var (
		pending []pendingReply[Resp]
		timer   *time.Timer
		timerC  <-chan time.Time
	)

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timerC = nil
	}

	// failPending answers every deferred reply with the recorded failure.
	failPending := func(err error) {
		for _, p := range pending {
			p.reply <- result[Resp]{err: err}
		}
		pending = pending[:0]
		stopTimer()
	}

	flush := func(reason string) {
		stopTimer()
		if len(pending) == 0 {
			return
		}

		start := time.Now()
		if err := b.batch.Flush(ctx); err != nil {
			failPending(b.fail(err))
			return
		}
		b.logger.Debug("batch flushed",
			logging.BatchSize(len(pending)),
			logging.Reason(reason),
			logging.Duration(time.Since(start)),
		)

		for _, p := range pending {
			p.reply <- result[Resp]{resp: p.resp}
		}
		pending = pending[:0]
	}

	for {
		select {
		case msg, ok := <-b.mailbox:
			if !ok {
				if err := b.Err(); err != nil {
					failPending(err)
				} else {
					flush("close")
				}
				b.logger.Debug("worker stopped")
				return
			}

			if err := b.Err(); err != nil {
				msg.reply <- result[Resp]{err: err}
				continue
			}

			if err := b.svc.Ready(ctx); err != nil {
				failure := b.fail(err)
				failPending(failure)
				msg.reply <- result[Resp]{err: failure}
				continue
			}

			resp, err := b.svc.Call(msg.callContext(ctx), msg.req)
			if err != nil {
				// The request was not queued, so there is nothing to flush for it.
				msg.reply <- result[Resp]{err: err}
				continue
			}

			pending = append(pending, pendingReply[Resp]{reply: msg.reply, resp: resp})
			if len(pending) == 1 {
				if timer == nil {
					timer = time.NewTimer(b.maxLatency)
				} else {
					timer.Reset(b.maxLatency)
				}
				timerC = timer.C
			}
			if len(pending) >= b.maxItems {
				flush("size")
			}

		case <-timerC:
			timerC = nil
			flush("latency")
		}
	}
}

var _ Service[struct{}, struct{}] = (*Buffer[struct{}, struct{}])(nil)

// IsFailure reports whether err is a worker failure.
func IsFailure(err error) bool {
	return errors.Is(err, types.ErrWorkerFailed)
}
