package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/headerberry/metrics"
	"github.com/blockberries/headerberry/security"
	"github.com/blockberries/headerberry/state"
	bsync "github.com/blockberries/headerberry/sync"
	htesting "github.com/blockberries/headerberry/testing"
	"github.com/blockberries/headerberry/types"
)

type fakeSyncer struct {
	state bsync.SyncState
	err   error
}

func (f fakeSyncer) State() bsync.SyncState { return f.state }
func (f fakeSyncer) Err() error             { return f.err }

var testInfo = NodeInfo{ChainID: "zcash-regtest", PeerID: "12D3KooWtest", Backend: "memory"}

// newTestServer indexes n headers at heights 0..n-1 and serves them.
func newTestServer(t *testing.T, n int, opts ...Option) (*Server, []*types.Header, *state.Client) {
	t.Helper()
	index := state.NewMemoryService()
	t.Cleanup(func() { _ = index.Close() })

	chain := htesting.NewChain(n)
	for i, h := range chain {
		_, err := index.AddHeader(t.Context(), h, types.Height(i))
		require.NoError(t, err)
	}

	cfg := DefaultConfig()
	cfg.RateLimit = 0
	return NewServer(index, testInfo, cfg, opts...), chain, index
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// call sends one request and decodes the response.
func call(t *testing.T, h http.Handler, method string, params any) Response {
	t.Helper()
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":7,"method":%q}`, method)
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		body = fmt.Sprintf(`{"jsonrpc":"2.0","id":7,"method":%q,"params":%s}`, method, data)
	}

	rec := post(t, h, body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, Version, resp.JSONRPC)
	require.JSONEq(t, "7", string(resp.ID))
	return resp
}

func result[T any](t *testing.T, resp Response) T {
	t.Helper()
	require.Nil(t, resp.Error)
	var out T
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	return out
}

func TestNewServer(t *testing.T) {
	s, _, _ := newTestServer(t, 0)
	require.Len(t, s.methods, 6)
	require.Nil(t, s.limiter)
	require.Nil(t, s.Addr())
	require.False(t, s.IsRunning())

	withLimit := NewServer(nil, testInfo, DefaultConfig())
	require.NotNil(t, withLimit.limiter)
	withLimit.limiter.Close()
}

func TestServerHealth(t *testing.T) {
	s, _, index := newTestServer(t, 1)

	res := result[HealthResult](t, call(t, s, MethodHealth, nil))
	require.Equal(t, "ok", res.Status)

	require.NoError(t, index.Close())
	resp := call(t, s, MethodHealth, nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeNotReady, resp.Error.Code)
}

func TestServerStatus(t *testing.T) {
	s, chain, _ := newTestServer(t, 3, WithSyncer(fakeSyncer{state: bsync.StateSyncing}))

	res := result[StatusResult](t, call(t, s, MethodStatus, nil))
	require.Equal(t, testInfo.ChainID, res.ChainID)
	require.Equal(t, testInfo.PeerID, res.PeerID)
	require.Equal(t, "memory", res.Backend)
	require.Equal(t, bsync.StateSyncing.String(), res.SyncState)
	require.Empty(t, res.SyncError)
	require.NotNil(t, res.Tip)
	require.Equal(t, types.Height(2), res.Tip.Height)
	require.Equal(t, chain[2].Hash().String(), res.Tip.Hash)

	failed, _, _ := newTestServer(t, 0, WithSyncer(fakeSyncer{err: errors.New("index worker failed")}))
	res = result[StatusResult](t, call(t, failed, MethodStatus, nil))
	require.Equal(t, "index worker failed", res.SyncError)
	require.Nil(t, res.Tip)

	bare, _, _ := newTestServer(t, 0)
	res = result[StatusResult](t, call(t, bare, MethodStatus, nil))
	require.Equal(t, "unknown", res.SyncState)
}

func TestServerTip(t *testing.T) {
	empty, _, _ := newTestServer(t, 0)
	resp := call(t, empty, MethodTip, nil)
	require.Nil(t, resp.Error)
	require.JSONEq(t, "null", string(resp.Result))

	s, chain, _ := newTestServer(t, 4)
	tip := result[*TipResult](t, call(t, s, MethodTip, nil))
	require.Equal(t, types.Height(3), tip.Height)
	require.Equal(t, chain[3].Hash().String(), tip.Hash)
}

func TestServerHeader(t *testing.T) {
	s, chain, _ := newTestServer(t, 5)
	height := types.Height(1)

	byHeight := result[HeaderResult](t, call(t, s, MethodHeader, HeaderParams{Height: &height}))
	require.Equal(t, height, byHeight.Height)
	require.Equal(t, chain[1].Hash().String(), byHeight.Hash)
	require.Equal(t, chain[0].Hash().String(), byHeight.PrevHash)
	require.Equal(t, chain[1].Timestamp().Unix(), byHeight.Time)
	require.Equal(t, fmt.Sprintf("%08x", chain[1].Bits), byHeight.Bits)
	require.Equal(t, uint32(3), byHeight.Depth)
	require.Empty(t, byHeight.Raw)

	byHash := result[HeaderResult](t, call(t, s, MethodHeader, HeaderParams{Hash: chain[4].Hash().String(), Raw: true}))
	require.Equal(t, types.Height(4), byHash.Height)
	require.Equal(t, uint32(0), byHash.Depth)
	require.Equal(t, chain[4].Hex(), byHash.Raw)

	missing := types.Height(99)
	tests := []struct {
		name   string
		params any
		code   int
	}{
		{"not found", HeaderParams{Height: &missing}, CodeNotFound},
		{"unknown hash", HeaderParams{Hash: types.Hash{9}.String()}, CodeNotFound},
		{"both", HeaderParams{Hash: chain[0].Hash().String(), Height: &height}, CodeInvalidParams},
		{"neither", HeaderParams{}, CodeInvalidParams},
		{"short hash", HeaderParams{Hash: "abcd"}, CodeInvalidParams},
		{"bad hex", HeaderParams{Hash: strings.Repeat("zz", types.HashSize)}, CodeInvalidParams},
		{"no params", nil, CodeInvalidParams},
		{"wrong shape", []int{1}, CodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, s, MethodHeader, tt.params)
			require.NotNil(t, resp.Error)
			require.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestServerHeightAndDepth(t *testing.T) {
	s, chain, _ := newTestServer(t, 11)

	h := result[HeightResult](t, call(t, s, MethodHeight, HashParams{Hash: chain[7].Hash().String()}))
	require.True(t, h.Found)
	require.Equal(t, types.Height(7), h.Height)

	d := result[DepthResult](t, call(t, s, MethodDepth, HashParams{Hash: chain[7].Hash().String()}))
	require.True(t, d.Found)
	require.Equal(t, uint32(3), d.Depth)

	unknown := types.Hash{1}.String()
	require.False(t, result[HeightResult](t, call(t, s, MethodHeight, HashParams{Hash: unknown})).Found)
	require.False(t, result[DepthResult](t, call(t, s, MethodDepth, HashParams{Hash: unknown})).Found)

	resp := call(t, s, MethodDepth, HashParams{})
	require.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestServerProtocolErrors(t *testing.T) {
	s, _, _ := newTestServer(t, 0)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{"jsonrpc":`, CodeParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"tip"}`, CodeInvalidRequest},
		{"no method", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"broadcast_tx"}`, CodeMethodNotFound},
		{"empty batch", `[]`, CodeInvalidRequest},
		{"bad batch", `[{"jsonrpc":`, CodeParseError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, s, tt.body)
			var resp Response
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.NotNil(t, resp.Error)
			require.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestServerMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t, 0)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServerBodyTooLarge(t *testing.T) {
	index := state.NewMemoryService()
	defer index.Close()
	s := NewServer(index, testInfo, Config{MaxBodyBytes: 16})

	rec := post(t, s, `{"jsonrpc":"2.0","id":1,"method":"tip"}`)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestServerBatch(t *testing.T) {
	s, chain, _ := newTestServer(t, 3)

	body := fmt.Sprintf(`[
		{"jsonrpc":"2.0","id":1,"method":"tip"},
		{"jsonrpc":"2.0","id":"two","method":"height","params":{"hash":%q}},
		{"jsonrpc":"2.0","id":3,"method":"nope"}
	]`, chain[1].Hash())

	rec := post(t, s, body)
	require.Equal(t, http.StatusOK, rec.Code)

	var responses []Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &responses))
	require.Len(t, responses, 3)

	require.JSONEq(t, "1", string(responses[0].ID))
	require.Equal(t, types.Height(2), result[TipResult](t, responses[0]).Height)

	require.JSONEq(t, `"two"`, string(responses[1].ID))
	require.Equal(t, types.Height(1), result[HeightResult](t, responses[1]).Height)

	require.Equal(t, CodeMethodNotFound, responses[2].Error.Code)
}

func TestServerBatchTooLarge(t *testing.T) {
	index := state.NewMemoryService()
	defer index.Close()
	cfg := DefaultConfig()
	cfg.RateLimit = 0
	cfg.MaxBatchSize = 2
	s := NewServer(index, testInfo, cfg)

	batch := `[{"jsonrpc":"2.0","id":1,"method":"tip"},{"jsonrpc":"2.0","id":2,"method":"tip"},{"jsonrpc":"2.0","id":3,"method":"tip"}]`
	rec := post(t, s, batch)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestServerRateLimit(t *testing.T) {
	limiter := security.NewTokenBucketLimiter(security.RateLimiterConfig{Rate: 0, Burst: 2})
	m := metrics.NewPrometheusMetrics("headerberry")
	s, _, _ := newTestServer(t, 1, WithRateLimiter(limiter), WithMetrics(m))
	defer limiter.Close()

	call(t, s, MethodTip, nil)
	call(t, s, MethodTip, nil)

	rec := post(t, s, `{"jsonrpc":"2.0","id":1,"method":"tip"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, CodeRateLimited, resp.Error.Code)

	// A different client address has its own bucket.
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tip"}`))
	req.RemoteAddr = "10.1.2.3:4567"
	other := httptest.NewRecorder()
	s.ServeHTTP(other, req)
	require.Equal(t, http.StatusOK, other.Code)

	scrape := httptest.NewRecorder()
	m.HTTPHandler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := scrape.Body.String()
	assert.Contains(t, body, `headerberry_rpc_requests_total{method="tip",outcome="ok"} 3`)
	assert.Contains(t, body, "headerberry_rpc_rate_limited_total 1")
}

func TestServerCountsUnknownMethods(t *testing.T) {
	m := metrics.NewPrometheusMetrics("headerberry")
	s, _, _ := newTestServer(t, 0, WithMetrics(m))

	call(t, s, "made_up", nil)

	scrape := httptest.NewRecorder()
	m.HTTPHandler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(scrape.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `headerberry_rpc_requests_total{method="unknown",outcome="error"} 1`)
}

func TestClientAgainstServer(t *testing.T) {
	s, chain, _ := newTestServer(t, 6, WithSyncer(fakeSyncer{state: bsync.StateSynced}))
	s.config.ListenAddr = "127.0.0.1:0"

	require.NoError(t, s.Start())
	require.True(t, s.IsRunning())
	require.NoError(t, s.Start())
	defer func() { require.NoError(t, s.Stop()) }()

	c := NewClient(s.Addr().String())
	ctx := t.Context()

	require.NoError(t, c.Health(ctx))

	status, err := c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, testInfo.ChainID, status.ChainID)
	require.Equal(t, bsync.StateSynced.String(), status.SyncState)

	tip, err := c.Tip(ctx)
	require.NoError(t, err)
	require.Equal(t, types.Height(5), tip.Height)

	header, err := c.Header(ctx, HeaderParams{Hash: chain[2].Hash().String()})
	require.NoError(t, err)
	require.Equal(t, types.Height(2), header.Height)
	require.Equal(t, uint32(3), header.Depth)

	height, err := c.Height(ctx, chain[4].Hash().String())
	require.NoError(t, err)
	require.Equal(t, types.Height(4), height.Height)

	depth, err := c.Depth(ctx, chain[0].Hash().String())
	require.NoError(t, err)
	require.Equal(t, uint32(5), depth.Depth)

	missing := types.Height(50)
	_, err = c.Header(ctx, HeaderParams{Height: &missing})
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, CodeNotFound, rpcErr.Code)
}

func TestClientEmptyTip(t *testing.T) {
	s, _, _ := newTestServer(t, 0)
	srv := httptest.NewServer(s)
	defer srv.Close()

	tip, err := NewClient(srv.URL).Tip(t.Context())
	require.NoError(t, err)
	require.Nil(t, tip)
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	err := NewClient(addr).Health(t.Context())
	require.Error(t, err)
}

func TestServerStopBeforeStart(t *testing.T) {
	s, _, _ := newTestServer(t, 0)
	require.NoError(t, s.Stop())
}
