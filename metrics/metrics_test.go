package metrics

import (
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/headerberry/types"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	m := NewPrometheusMetrics("test")

	m.SetIndexHeight(419200)
	m.IncIndexRequests("add_header")
	m.IncIndexRequests("add_header")
	m.ObserveIndexLatency("add_header", time.Millisecond)
	m.IncHeadersVerified()
	m.IncHeadersRejected(ReasonFutureTimestamp)
	m.ObserveVerifyLatency(2 * time.Millisecond)
	m.IncWorkerFailures("index")
	m.IncSyncHeadersReceived(10)
	m.IncSyncErrors(SyncErrorNetwork)
	m.ObserveSyncRound(time.Second)
	m.IncRPCRequests("tip", RPCOutcomeOK)
	m.IncRPCRateLimited()

	assert.InDelta(t, 419200, testutil.ToFloat64(m.indexHeight), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.indexRequests.WithLabelValues("add_header")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.headersVerified), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.headersRejected.WithLabelValues(ReasonFutureTimestamp)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.workerFailures.WithLabelValues("index")), 0)
	assert.InDelta(t, 10, testutil.ToFloat64(m.syncHeadersReceived), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.syncErrors.WithLabelValues(SyncErrorNetwork)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.rpcRequests.WithLabelValues("tip", RPCOutcomeOK)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.rpcRateLimited), 0)
}

func TestPrometheusMetricsSyncState(t *testing.T) {
	m := NewPrometheusMetrics("test")

	m.SetSyncState(SyncStateSyncing)
	assert.InDelta(t, 1, testutil.ToFloat64(m.syncState.WithLabelValues(SyncStateSyncing)), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.syncState.WithLabelValues(SyncStateSynced)), 0)

	m.SetSyncState(SyncStateSynced)
	assert.InDelta(t, 0, testutil.ToFloat64(m.syncState.WithLabelValues(SyncStateSyncing)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.syncState.WithLabelValues(SyncStateSynced)), 0)
}

func TestPrometheusMetricsChainWork(t *testing.T) {
	m := NewPrometheusMetrics("test")

	m.AddChainWork(big.NewInt(3))
	m.AddChainWork(big.NewInt(4))
	m.AddChainWork(nil)
	assert.InDelta(t, 7, testutil.ToFloat64(m.chainWork), 0)
}

func TestPrometheusMetricsHandler(t *testing.T) {
	m := NewPrometheusMetrics("headerberry")
	m.IncHeadersVerified()

	h, ok := m.Handler().(http.Handler)
	require.True(t, ok)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "headerberry_headers_verified_total 1"))
}

func TestNopMetrics(t *testing.T) {
	var m Metrics = NewNopMetrics()

	// These should not panic
	m.SetIndexHeight(1)
	m.IncIndexRequests("get_tip")
	m.ObserveIndexLatency("get_tip", time.Millisecond)
	m.IncHeadersVerified()
	m.IncHeadersRejected(ReasonOther)
	m.ObserveVerifyLatency(time.Millisecond)
	m.AddChainWork(big.NewInt(1))
	m.IncWorkerFailures("verifier")
	m.SetSyncState(SyncStateSynced)
	m.IncSyncHeadersReceived(1)
	m.IncSyncErrors(SyncErrorVerify)
	m.ObserveSyncRound(time.Millisecond)
	m.IncRPCRequests("health", RPCOutcomeError)
	m.IncRPCRateLimited()
	assert.Nil(t, m.Handler())
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, OrNop(nil))

	m := NewPrometheusMetrics("test")
	require.Same(t, m, OrNop(m))
}

func TestRejectReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{types.ErrFutureTimestamp, ReasonFutureTimestamp},
		{fmt.Errorf("height 3: %w", types.ErrInvalidProofOfWork), ReasonInvalidPoW},
		{types.ErrDuplicateHeight, ReasonDuplicate},
		{types.ErrCorruptRecord, ReasonCorrupt},
		{types.ErrWorkerFailed, ReasonWorkerFailed},
		{fmt.Errorf("boom"), ReasonOther},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, RejectReason(tt.err))
		})
	}
}
