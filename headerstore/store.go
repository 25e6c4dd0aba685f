// Package headerstore provides the header index interface and its in-memory
// and durable implementations.
package headerstore

import (
	"fmt"

	"github.com/blockberries/headerberry/types"
)

// Store indexes headers by hash and by height on a single linear chain.
//
// Every header is reachable three ways: hash to header, height to header and
// hash to height. Insert updates all three as one unit or not at all.
// Lookups report an absent key with found == false and a nil error.
//
// Stores are not safe for concurrent mutation. Callers share a store through
// a state.Service, which funnels every request through one worker.
type Store interface {
	// Insert indexes a header at the given height and returns its hash.
	// Returns types.ErrDuplicateHash or types.ErrDuplicateHeight, both
	// wrapping types.ErrDuplicateKey, if either key is taken. A rejected
	// insert leaves the store unchanged.
	Insert(header *types.Header, height types.Height) (types.Hash, types.Height, error)

	// Get looks up a header by hash or by height and returns it with its height.
	Get(q Query) (*types.Header, types.Height, bool, error)

	// GetHeight returns the height of the header with the given hash.
	GetHeight(hash types.Hash) (types.Height, bool, error)

	// GetTip returns the header at the greatest height.
	// found is false only when the store is empty.
	GetTip() (Tip, bool, error)

	// Contains reports whether a header with the given hash is indexed.
	Contains(hash types.Hash) (bool, error)

	// Depth returns tip height minus the height of the given hash.
	// found is false if the hash is not indexed.
	Depth(hash types.Hash) (uint32, bool, error)

	// Close releases resources held by the store.
	Close() error
}

// Tip is the header at the greatest indexed height.
type Tip struct {
	Header *types.Header
	Hash   types.Hash
	Height types.Height
}

// Query selects a header by hash or by height.
type Query struct {
	hash     types.Hash
	height   types.Height
	byHeight bool
}

// ByHash returns a query for the header with the given hash.
func ByHash(hash types.Hash) Query {
	return Query{hash: hash}
}

// ByHeight returns a query for the header at the given height.
func ByHeight(height types.Height) Query {
	return Query{height: height, byHeight: true}
}

// Hash returns the queried hash. ok is false for height queries.
func (q Query) Hash() (hash types.Hash, ok bool) {
	return q.hash, !q.byHeight
}

// Height returns the queried height. ok is false for hash queries.
func (q Query) Height() (height types.Height, ok bool) {
	return q.height, q.byHeight
}

// String describes the query.
func (q Query) String() string {
	if q.byHeight {
		return fmt.Sprintf("height %d", q.height)
	}
	return fmt.Sprintf("hash %s", q.hash)
}

// heightLookup is the subset of Store used to derive depth.
type heightLookup interface {
	GetHeight(hash types.Hash) (types.Height, bool, error)
	GetTip() (Tip, bool, error)
}

// depth derives Depth from GetHeight and GetTip. A known hash with no tip, or
// a tip below a known height, means the tables disagree.
func depth(s heightLookup, hash types.Hash) (uint32, bool, error) {
	height, found, err := s.GetHeight(hash)
	if err != nil || !found {
		return 0, false, err
	}

	tip, found, err := s.GetTip()
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, fmt.Errorf("%w: hash %s indexed at height %d but the index has no tip",
			types.ErrCorruptRecord, hash, height)
	}
	if tip.Height < height {
		return 0, false, fmt.Errorf("%w: tip height %d below indexed height %d",
			types.ErrCorruptRecord, tip.Height, height)
	}
	return uint32(tip.Height - height), true, nil
}
