// Package worker serializes requests to a service through a bounded mailbox
// drained by a single goroutine.
//
// A Buffer owns the wrapped service exclusively. Requests are handled one at
// a time in arrival order. If the service ever reports that it is not ready,
// the Buffer records that failure, stops accepting work, and answers every
// queued and future request with the same error. Nothing is retried.
package worker

import (
	"context"
	"fmt"

	"github.com/blockberries/headerberry/types"
)

// Service handles requests of type Req with responses of type Resp.
//
// Ready reports whether the service can take another request. A non-nil
// error from Ready is permanent: the Buffer driving the service fails and
// never calls it again.
type Service[Req, Resp any] interface {
	Ready(ctx context.Context) error
	Call(ctx context.Context, req Req) (Resp, error)
}

// BatchService is a Service whose responses only become valid after Flush.
// Call queues work; Flush completes everything queued since the last flush.
// A Flush error is treated like a Ready error.
type BatchService[Req, Resp any] interface {
	Service[Req, Resp]
	Flush(ctx context.Context) error
}

// ServiceFunc adapts a plain function into a Service that is always ready.
type ServiceFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Ready always returns nil.
func (f ServiceFunc[Req, Resp]) Ready(context.Context) error { return nil }

// Call invokes f.
func (f ServiceFunc[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}

// WorkerError is the failure recorded by a Buffer when its service stops
// being ready. Every caller affected by the failure receives the same
// *WorkerError value. It matches both types.ErrWorkerFailed and the
// underlying cause under errors.Is.
type WorkerError struct {
	Name string
	Err  error
}

func (e *WorkerError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %s", types.ErrWorkerFailed, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Name, types.ErrWorkerFailed, e.Err)
}

func (e *WorkerError) Unwrap() []error {
	return []error{types.ErrWorkerFailed, e.Err}
}
