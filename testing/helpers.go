// Package testing provides test utilities for headerberry tests.
package testing

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/bsv-blockchain/go-chaintracks/chainmanager"

	"github.com/blockberries/headerberry/types"
)

// EasyBits is a compact target that roughly every other nonce satisfies.
const EasyBits = 0x207fffff

// ImpossibleBits encodes a target of 1, which no real hash meets.
const ImpossibleBits = 0x03000001

// DefaultStartTime is the time of the first header built by NewChain.
var DefaultStartTime = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// BlockSpacing is the time between consecutive headers built by NewChain.
const BlockSpacing = 75 * time.Second

// NewHeader builds an unmined header with a deterministic solution derived
// from seed.
func NewHeader(prev types.Hash, t time.Time, bits uint32, seed uint32) *types.Header {
	h := &types.Header{
		Version:  4,
		PrevHash: prev,
		Time:     uint32(t.Unix()),
		Bits:     bits,
		Solution: solution(seed),
	}
	var seedBytes [4]byte
	binary.LittleEndian.PutUint32(seedBytes[:], seed)
	h.MerkleRoot = types.Hash(sha256.Sum256(seedBytes[:]))
	return h
}

// Mine increments the header's nonce until its hash meets the target in its
// bits. It panics if no nonce in the first 2^32 works.
func Mine(h *types.Header) *types.Header {
	target := chainmanager.CompactToBig(h.Bits)
	if target.Sign() <= 0 {
		panic(fmt.Sprintf("cannot mine bits %08x", h.Bits))
	}
	for i := uint32(0); ; i++ {
		binary.LittleEndian.PutUint32(h.Nonce[:], i)
		if types.HashToBig(h.Hash()).Cmp(target) <= 0 {
			return h
		}
		if i == ^uint32(0) {
			panic(fmt.Sprintf("no nonce found for bits %08x", h.Bits))
		}
	}
}

// NewChain builds n linked, mined headers starting at DefaultStartTime. The
// first header's previous hash is zero.
func NewChain(n int) []*types.Header {
	return NewChainFrom(types.Hash{}, DefaultStartTime, n)
}

// NewChainFrom builds n linked, mined headers whose first header follows
// prev and is timestamped start.
func NewChainFrom(prev types.Hash, start time.Time, n int) []*types.Header {
	headers := make([]*types.Header, 0, n)
	for i := 0; i < n; i++ {
		h := Mine(NewHeader(prev, start.Add(time.Duration(i)*BlockSpacing), EasyBits, uint32(i)))
		headers = append(headers, h)
		prev = h.Hash()
	}
	return headers
}

// Hashes returns the hashes of headers in order.
func Hashes(headers []*types.Header) []types.Hash {
	hashes := make([]types.Hash, len(headers))
	for i, h := range headers {
		hashes[i] = h.Hash()
	}
	return hashes
}

// FixedClock returns a clock that always reports t.
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func solution(seed uint32) []byte {
	sol := make([]byte, types.EquihashSolutionSize)
	var block [sha256.Size]byte
	binary.LittleEndian.PutUint32(block[:4], seed)
	for off := 0; off < len(sol); off += len(block) {
		block = sha256.Sum256(block[:])
		copy(sol[off:], block[:])
	}
	return sol
}
