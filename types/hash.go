package types

import (
	"fmt"
	"math/big"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

const (
	// HashSize is the size of a header hash in bytes.
	HashSize = chainhash.HashSize
)

// Hash identifies a header. It is the double SHA-256 of the serialized header,
// stored in internal byte order. String renders it byte-reversed, the way block
// explorers display it.
type Hash = chainhash.Hash

// MainnetGenesisHash is the hash of the Zcash mainnet genesis header.
var MainnetGenesisHash = Hash{
	8, 206, 61, 151, 49, 176, 0, 192, 131, 56, 69, 92, 138, 74, 107, 208, 93, 161, 110, 38, 177,
	29, 170, 27, 145, 113, 132, 236, 232, 15, 4, 0,
}

// DoubleHash computes SHA256(SHA256(data)).
func DoubleHash(data []byte) Hash {
	return chainhash.DoubleHashH(data)
}

// HashFromBytes builds a Hash from 32 raw bytes in internal order.
func HashFromBytes(b []byte) (Hash, error) {
	h, err := chainhash.NewHash(b)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %w", ErrInvalidHash, err)
	}
	return *h, nil
}

// HashFromHex parses a hash in display (byte-reversed) order.
func HashFromHex(s string) (Hash, error) {
	h, err := chainhash.NewHashFromHex(s)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %w", ErrInvalidHash, err)
	}
	return *h, nil
}

// HashToBig interprets a hash as a little-endian 256-bit unsigned integer,
// the form compared against difficulty targets.
func HashToBig(h Hash) *big.Int {
	var be [HashSize]byte
	for i := range h {
		be[HashSize-1-i] = h[i]
	}
	return new(big.Int).SetBytes(be[:])
}
