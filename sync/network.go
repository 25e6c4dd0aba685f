package sync

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/blockberries/headerberry/types"
)

// Hashes answers FindHeaders: the hashes that follow the known chain, in
// chain order, and the peer that supplied them.
type Hashes struct {
	Peer   peer.ID
	Hashes []types.Hash
}

// HeightedHeader is a header together with its height in the chain.
type HeightedHeader struct {
	Header *types.Header
	Height types.Height
}

// Headers answers HeadersByHash.
type Headers struct {
	Peer    peer.ID
	Headers []HeightedHeader
}

// Network is the peer-facing side of header sync.
type Network interface {
	// FindHeaders returns hashes of the headers that follow the first hash
	// in known that the peer recognizes, up to stop if given. An empty
	// answer means the peer has nothing newer.
	FindHeaders(ctx context.Context, known []types.Hash, stop *types.Hash) (Hashes, error)

	// HeadersByHash returns the headers for hashes. Unknown hashes are
	// skipped.
	HeadersByHash(ctx context.Context, hashes []types.Hash) (Headers, error)
}
