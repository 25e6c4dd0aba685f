// Package tracing records OpenTelemetry spans around index requests, header
// verification and sync downloads.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/blockberries/headerberry/types"
)

// InstrumentationName names the tracer handed out by Tracer.
const InstrumentationName = "github.com/blockberries/headerberry"

// Span names.
const (
	SpanVerifyHeader = "verify.header"
	SpanFetchChunk   = "sync.fetch_chunk"
	spanIndexPrefix  = "index."
)

// Attribute keys.
const (
	AttrHeight   = attribute.Key("header.height")
	AttrHash     = attribute.Key("header.hash")
	AttrCount    = attribute.Key("headers.count")
	AttrReceived = attribute.Key("headers.received")
	AttrRequest  = attribute.Key("index.request")
)

// Tracer returns the package tracer from tp. A nil tp yields a no-op tracer.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return tp.Tracer(InstrumentationName)
}

// IndexSpanName returns the span name for an index request of kind.
func IndexSpanName(kind string) string {
	return spanIndexPrefix + kind
}

// Start starts an internal span as a child of any span in ctx.
func Start(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// End records err, if any, and ends span.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Height returns a header height attribute.
func Height(h types.Height) attribute.KeyValue {
	return AttrHeight.Int64(int64(h))
}

// Hash returns a header hash attribute.
func Hash(h types.Hash) attribute.KeyValue {
	return AttrHash.String(h.String())
}

// Count returns a header count attribute.
func Count(n int) attribute.KeyValue {
	return AttrCount.Int(n)
}

// Request returns an index request kind attribute.
func Request(kind string) attribute.KeyValue {
	return AttrRequest.String(kind)
}
