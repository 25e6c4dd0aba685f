package metrics

import (
	"math/big"
	"time"
)

// NopMetrics is a no-op implementation of the Metrics interface.
// Use this when metrics collection is disabled.
type NopMetrics struct{}

// NewNopMetrics creates a new NopMetrics instance.
func NewNopMetrics() *NopMetrics {
	return &NopMetrics{}
}

// Index metrics (no-op)

func (m *NopMetrics) SetIndexHeight(height int64)                            {}
func (m *NopMetrics) IncIndexRequests(kind string)                           {}
func (m *NopMetrics) ObserveIndexLatency(kind string, latency time.Duration) {}

// Verifier metrics (no-op)

func (m *NopMetrics) IncHeadersVerified()                        {}
func (m *NopMetrics) IncHeadersRejected(reason string)           {}
func (m *NopMetrics) ObserveVerifyLatency(latency time.Duration) {}
func (m *NopMetrics) AddChainWork(work *big.Int)                 {}

// Worker metrics (no-op)

func (m *NopMetrics) IncWorkerFailures(name string) {}

// Sync metrics (no-op)

func (m *NopMetrics) SetSyncState(state string)               {}
func (m *NopMetrics) IncSyncHeadersReceived(count int)        {}
func (m *NopMetrics) IncSyncErrors(kind string)               {}
func (m *NopMetrics) ObserveSyncRound(duration time.Duration) {}

// RPC metrics (no-op)

func (m *NopMetrics) IncRPCRequests(method, outcome string) {}
func (m *NopMetrics) IncRPCRateLimited()                    {}

// Handler returns nil for no-op metrics.
func (m *NopMetrics) Handler() any { return nil }

// Ensure NopMetrics implements Metrics.
var _ Metrics = (*NopMetrics)(nil)
