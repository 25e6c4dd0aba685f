package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/blockberries/headerberry/logging"
	"github.com/blockberries/headerberry/sync"
	"github.com/blockberries/headerberry/types"
)

// DefaultMaxHashes is the most hashes returned by one FindHeaders call.
const DefaultMaxHashes = 500

// PeerOption configures a Peer.
type PeerOption func(*Peer)

// WithPeerID sets the ID the peer reports in its answers.
func WithPeerID(id peer.ID) PeerOption {
	return func(p *Peer) {
		p.id = id
	}
}

// WithMaxHashes sets the FindHeaders answer size.
func WithMaxHashes(n int) PeerOption {
	return func(p *Peer) {
		if n > 0 {
			p.maxHashes = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) PeerOption {
	return func(p *Peer) {
		p.logger = logger
	}
}

// Peer serves a fixed chain of headers through sync.Network. It is
// read-only after construction and safe for concurrent use.
type Peer struct {
	id        peer.ID
	headers   []sync.HeightedHeader
	hashes    []types.Hash
	position  map[types.Hash]int
	maxHashes int
	logger    *logging.Logger
}

// NewPeer creates a Peer serving headers, which must be in height order.
func NewPeer(headers []sync.HeightedHeader, opts ...PeerOption) *Peer {
	p := &Peer{
		headers:   headers,
		hashes:    make([]types.Hash, len(headers)),
		position:  make(map[types.Hash]int, len(headers)),
		maxHashes: DefaultMaxHashes,
	}
	for i, hh := range headers {
		p.hashes[i] = hh.Header.Hash()
		p.position[p.hashes[i]] = i
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrNop(p.logger).WithComponent("archive")
	if p.id != "" {
		p.logger = p.logger.WithPeer(p.id)
	}
	return p
}

// OpenPeer loads the archive at path and serves it. Unless WithPeerID is
// given, the peer ID is derived from path.
func OpenPeer(path string, opts ...PeerOption) (*Peer, error) {
	headers, err := ReadFile(path)
	if err != nil {
		return nil, err
	}

	id, err := PeerIDFor(path)
	if err != nil {
		return nil, err
	}

	p := NewPeer(headers, append([]PeerOption{WithPeerID(id)}, opts...)...)
	p.logger.Info("header archive loaded", logging.Count(len(headers)))
	return p, nil
}

// PeerIDFor derives a stable peer ID from an archive path.
func PeerIDFor(path string) (peer.ID, error) {
	seed := sha256.Sum256([]byte(path))
	priv, _, err := crypto.GenerateEd25519Key(bytes.NewReader(seed[:]))
	if err != nil {
		return "", fmt.Errorf("deriving archive peer key: %w", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("deriving archive peer id: %w", err)
	}
	return id, nil
}

// ID returns the peer ID.
func (p *Peer) ID() peer.ID {
	return p.id
}

// Len returns the number of headers served.
func (p *Peer) Len() int {
	return len(p.headers)
}

// Headers returns the served headers in height order.
func (p *Peer) Headers() []sync.HeightedHeader {
	return p.headers
}

// FindHeaders implements sync.Network. Hashes start after the first hash in
// known that the archive holds; if it holds none, they start at the
// beginning of the archive. The answer stops before stop if stop is found.
func (p *Peer) FindHeaders(ctx context.Context, known []types.Hash, stop *types.Hash) (sync.Hashes, error) {
	if err := ctx.Err(); err != nil {
		return sync.Hashes{}, err
	}

	start := 0
	for _, hash := range known {
		if i, ok := p.position[hash]; ok {
			start = i + 1
			break
		}
	}

	end := min(start+p.maxHashes, len(p.hashes))
	hashes := make([]types.Hash, 0, end-start)
	for _, hash := range p.hashes[start:end] {
		if stop != nil && hash == *stop {
			break
		}
		hashes = append(hashes, hash)
	}

	return sync.Hashes{Peer: p.id, Hashes: hashes}, nil
}

// HeadersByHash implements sync.Network.
func (p *Peer) HeadersByHash(ctx context.Context, hashes []types.Hash) (sync.Headers, error) {
	if err := ctx.Err(); err != nil {
		return sync.Headers{}, err
	}

	headers := make([]sync.HeightedHeader, 0, len(hashes))
	for _, hash := range hashes {
		i, ok := p.position[hash]
		if !ok {
			p.logger.Debug("unknown hash requested", logging.Hash(hash))
			continue
		}
		headers = append(headers, p.headers[i])
	}
	return sync.Headers{Peer: p.id, Headers: headers}, nil
}

var _ sync.Network = (*Peer)(nil)
