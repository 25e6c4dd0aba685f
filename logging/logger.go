package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/blockberries/headerberry/types"
)

// Logger is a structured logger for headerberry.
// It wraps slog.Logger with convenience methods for common logging patterns.
type Logger struct {
	*slog.Logger
}

// New creates a new Logger with the given handler.
func New(handler slog.Handler) *Logger {
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a new Logger with text output format.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: false,
	}
	return New(slog.NewTextHandler(w, opts))
}

// NewJSONLogger creates a new Logger with JSON output format.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: false,
	}
	return New(slog.NewJSONHandler(w, opts))
}

// NewDevelopmentLogger creates a logger suitable for development.
// Uses text format with debug level output to stderr.
func NewDevelopmentLogger() *Logger {
	return NewTextLogger(os.Stderr, slog.LevelDebug)
}

// NewProductionLogger creates a logger suitable for production.
// Uses JSON format with info level output to stdout.
func NewProductionLogger() *Logger {
	return NewJSONLogger(os.Stdout, slog.LevelInfo)
}

// NewNopLogger creates a logger that discards all output.
func NewNopLogger() *Logger {
	return New(nopHandler{})
}

// OrNop returns l, or a discarding logger if l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return NewNopLogger()
	}
	return l
}

// With returns a new Logger with the given attributes added to every log entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// WithComponent returns a new Logger with a component attribute.
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(Component(name))
}

// WithPeer returns a new Logger with a peer attribute.
func (l *Logger) WithPeer(id peer.ID) *Logger {
	return l.With(PeerID(id))
}

// Common attribute constructors for header sync fields.

// Component creates a component attribute for identifying the source module.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// PeerID creates a peer ID attribute.
func PeerID(id peer.ID) slog.Attr {
	return slog.String("peer_id", id.String())
}

// Height creates a header height attribute.
func Height(h types.Height) slog.Attr {
	return slog.Uint64("height", uint64(h))
}

// Hash creates a header hash attribute in display order.
func Hash(h types.Hash) slog.Attr {
	return slog.String("hash", h.String())
}

// PrevHash creates a previous header hash attribute in display order.
func PrevHash(h types.Hash) slog.Attr {
	return slog.String("prev_hash", h.String())
}

// Depth creates a depth attribute.
func Depth(d uint32) slog.Attr {
	return slog.Uint64("depth", uint64(d))
}

// Duration creates a duration attribute in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Float64("duration_ms", float64(d.Nanoseconds())/1e6)
}

// Latency creates a latency attribute in milliseconds.
func Latency(d time.Duration) slog.Attr {
	return slog.Float64("latency_ms", float64(d.Nanoseconds())/1e6)
}

// Count creates a count attribute.
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}

// InFlight creates an in-flight request count attribute.
func InFlight(n int) slog.Attr {
	return slog.Int("in_flight", n)
}

// ChainID creates a chain ID attribute.
func ChainID(id string) slog.Attr {
	return slog.String("chain_id", id)
}

// Backend creates a storage backend attribute.
func Backend(name string) slog.Attr {
	return slog.String("backend", name)
}

// Address creates an address attribute.
func Address(addr string) slog.Attr {
	return slog.String("address", addr)
}

// Error creates an error attribute.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

// Reason creates a reason attribute.
func Reason(r string) slog.Attr {
	return slog.String("reason", r)
}

// State creates a state attribute.
func State(s string) slog.Attr {
	return slog.String("state", s)
}

// Method creates an RPC method attribute.
func Method(name string) slog.Attr {
	return slog.String("method", name)
}

// BatchSize creates a batch size attribute.
func BatchSize(n int) slog.Attr {
	return slog.Int("batch_size", n)
}

// nopHandler is a slog.Handler that discards all logs.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }
