package headerstore

import (
	"fmt"

	"github.com/blockberries/headerberry/types"
)

// MemoryStore is the in-process header index. It keeps the three indexes in
// maps and performs no I/O. Used for testing and as the reference
// implementation for the durable stores.
type MemoryStore struct {
	byHash     map[types.Hash]*types.Header
	byHeight   map[types.Height]*types.Header
	hashHeight map[types.Hash]types.Height

	// tipHeight is the greatest key of byHeight, valid when byHeight is non-empty.
	tipHeight types.Height
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash:     make(map[types.Hash]*types.Header),
		byHeight:   make(map[types.Height]*types.Header),
		hashHeight: make(map[types.Hash]types.Height),
	}
}

// Insert indexes a header at the given height.
func (m *MemoryStore) Insert(header *types.Header, height types.Height) (types.Hash, types.Height, error) {
	hash := header.Hash()

	if _, exists := m.byHash[hash]; exists {
		return types.Hash{}, 0, fmt.Errorf("%w: %s", types.ErrDuplicateHash, hash)
	}
	if _, exists := m.byHeight[height]; exists {
		return types.Hash{}, 0, fmt.Errorf("%w: %d", types.ErrDuplicateHeight, height)
	}

	if len(m.byHeight) == 0 || height > m.tipHeight {
		m.tipHeight = height
	}
	m.byHash[hash] = header
	m.byHeight[height] = header
	m.hashHeight[hash] = height

	return hash, height, nil
}

// Get looks up a header by hash or by height.
func (m *MemoryStore) Get(q Query) (*types.Header, types.Height, bool, error) {
	if height, ok := q.Height(); ok {
		header, found := m.byHeight[height]
		return header, height, found, nil
	}

	hash, _ := q.Hash()
	header, found := m.byHash[hash]
	if !found {
		return nil, 0, false, nil
	}
	return header, m.hashHeight[hash], true, nil
}

// GetHeight returns the height of the given hash.
func (m *MemoryStore) GetHeight(hash types.Hash) (types.Height, bool, error) {
	height, found := m.hashHeight[hash]
	return height, found, nil
}

// GetTip returns the header at the greatest height.
func (m *MemoryStore) GetTip() (Tip, bool, error) {
	if len(m.byHeight) == 0 {
		return Tip{}, false, nil
	}
	header := m.byHeight[m.tipHeight]
	return Tip{Header: header, Hash: header.Hash(), Height: m.tipHeight}, true, nil
}

// Contains reports whether the hash is indexed.
func (m *MemoryStore) Contains(hash types.Hash) (bool, error) {
	_, found := m.byHash[hash]
	return found, nil
}

// Depth returns the distance from the given hash to the tip.
func (m *MemoryStore) Depth(hash types.Hash) (uint32, bool, error) {
	return depth(m, hash)
}

// Len returns the number of indexed headers.
func (m *MemoryStore) Len() int {
	return len(m.byHash)
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
