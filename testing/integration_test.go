package testing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/headerberry/archive"
	"github.com/blockberries/headerberry/config"
	"github.com/blockberries/headerberry/headerstore"
	"github.com/blockberries/headerberry/node"
	"github.com/blockberries/headerberry/state"
	bsync "github.com/blockberries/headerberry/sync"
	"github.com/blockberries/headerberry/types"
)

func nodeConfig(t *testing.T, backend, archivePath string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Node.GenesisHash = types.Hash{}.String()
	cfg.Network.ArchivePath = archivePath
	cfg.State.Backend = backend
	cfg.State.Path = filepath.Join(t.TempDir(), "headers")
	cfg.Sync.PollInterval = config.Duration(10 * time.Millisecond)
	require.NoError(t, cfg.Validate())
	return cfg
}

func heighted(headers []*types.Header) []bsync.HeightedHeader {
	out := make([]bsync.HeightedHeader, len(headers))
	for i, h := range headers {
		out[i] = bsync.HeightedHeader{Header: h, Height: types.Height(i)}
	}
	return out
}

func waitForTip(t *testing.T, index *state.Client, height types.Height) {
	t.Helper()
	require.Eventually(t, func() bool {
		tip, err := index.Tip(context.Background())
		return err == nil && tip.Found && tip.Height == height
	}, 10*time.Second, 5*time.Millisecond)
}

// exportIndex writes every indexed header to an archive.
func exportIndex(t *testing.T, index *state.Client, path string) {
	t.Helper()
	ctx := t.Context()

	tip, err := index.Tip(ctx)
	require.NoError(t, err)
	require.True(t, tip.Found)

	var headers []bsync.HeightedHeader
	for height := types.Height(0); height <= tip.Height; height++ {
		h, err := index.Header(ctx, headerstore.ByHeight(height))
		require.NoError(t, err)
		if h.Found {
			headers = append(headers, bsync.HeightedHeader{Header: h.Header, Height: h.Height})
		}
	}
	require.NoError(t, archive.WriteFile(path, headers))
}

// TestArchiveRelay syncs one node from an archive, exports its index, and
// syncs a second node from the export.
func TestArchiveRelay(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	chain := NewChain(40)
	dir := t.TempDir()
	source := filepath.Join(dir, "source.txt")
	require.NoError(t, archive.WriteFile(source, heighted(chain)))

	node1, err := node.NewNode(nodeConfig(t, "leveldb", source))
	require.NoError(t, err)
	require.NoError(t, node1.Start())
	waitForTip(t, node1.Index(), 39)

	relay := filepath.Join(dir, "relay.txt")
	exportIndex(t, node1.Index(), relay)
	require.NoError(t, node1.Stop())

	node2, err := node.NewNode(nodeConfig(t, "badgerdb", relay))
	require.NoError(t, err)
	require.NoError(t, node2.Start())
	defer func() { _ = node2.Stop() }()
	waitForTip(t, node2.Index(), 39)

	for i, h := range chain {
		got, err := node2.Index().Height(t.Context(), h.Hash())
		require.NoError(t, err)
		require.True(t, got.Found, "height %d", i)
		require.Equal(t, types.Height(i), got.Height)
	}

	require.NotEqual(t, node1.PeerID(), node2.PeerID())
}

// TestFutureHeaderHeldBack checks that a header too far ahead of the clock
// is refused while the rest of the chain is indexed.
func TestFutureHeaderHeldBack(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	chain := NewChain(10)
	now := chain[8].Timestamp()

	path := filepath.Join(t.TempDir(), "headers.txt")
	require.NoError(t, archive.WriteFile(path, heighted(chain)))

	cfg := nodeConfig(t, "memory", path)
	cfg.Verifier.MaxFutureDrift = config.Duration(BlockSpacing / 2)

	n, err := node.NewNode(cfg, node.WithClock(FixedClock(now)))
	require.NoError(t, err)
	require.NoError(t, n.Start())
	defer func() { _ = n.Stop() }()

	waitForTip(t, n.Index(), 8)
	require.Eventually(t, func() bool { return n.Syncer().State() == bsync.StateSynced }, 5*time.Second, 5*time.Millisecond)

	got, err := n.Index().Height(t.Context(), chain[9].Hash())
	require.NoError(t, err)
	require.False(t, got.Found)
	require.NoError(t, n.Err())
	require.True(t, n.IsRunning())
}
