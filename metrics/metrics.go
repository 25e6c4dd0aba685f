// Package metrics collects header sync metrics.
package metrics

import (
	"errors"
	"math/big"
	"time"

	"github.com/blockberries/headerberry/types"
)

// Metrics defines the interface for collecting node metrics.
// All methods are designed to be thread-safe and non-blocking.
type Metrics interface {
	// Index metrics
	SetIndexHeight(height int64)
	IncIndexRequests(kind string)
	ObserveIndexLatency(kind string, latency time.Duration)

	// Verifier metrics
	IncHeadersVerified()
	IncHeadersRejected(reason string)
	ObserveVerifyLatency(latency time.Duration)
	AddChainWork(work *big.Int)

	// Worker metrics
	IncWorkerFailures(name string)

	// Sync metrics
	SetSyncState(state string)
	IncSyncHeadersReceived(count int)
	IncSyncErrors(kind string)
	ObserveSyncRound(duration time.Duration)

	// RPC metrics
	IncRPCRequests(method, outcome string)
	IncRPCRateLimited()

	// HTTP handler (for serving metrics)
	Handler() any
}

// Sync state labels.
const (
	SyncStateSynced  = "synced"
	SyncStateSyncing = "syncing"
)

// Rejection reason labels.
const (
	ReasonFutureTimestamp = "future_timestamp"
	ReasonInvalidPoW      = "invalid_pow"
	ReasonDuplicate       = "duplicate"
	ReasonCorrupt         = "corrupt"
	ReasonWorkerFailed    = "worker_failed"
	ReasonOther           = "other"
)

// Sync error labels.
const (
	SyncErrorNetwork = "network"
	SyncErrorVerify  = "verify"
	SyncErrorIndex   = "index"
)

// RPC outcome labels.
const (
	RPCOutcomeOK    = "ok"
	RPCOutcomeError = "error"
)

// RejectReason maps a verification or index error to a rejection label.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, types.ErrFutureTimestamp):
		return ReasonFutureTimestamp
	case errors.Is(err, types.ErrInvalidProofOfWork):
		return ReasonInvalidPoW
	case errors.Is(err, types.ErrDuplicateKey):
		return ReasonDuplicate
	case errors.Is(err, types.ErrCorruptRecord):
		return ReasonCorrupt
	case errors.Is(err, types.ErrWorkerFailed):
		return ReasonWorkerFailed
	default:
		return ReasonOther
	}
}

// OrNop returns m, or a no-op implementation if m is nil.
func OrNop(m Metrics) Metrics {
	if m == nil {
		return NewNopMetrics()
	}
	return m
}
