package types

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	safe "github.com/bsv-blockchain/go-safe-conversion"
	"github.com/bsv-blockchain/go-sdk/util"
)

const (
	// NonceSize is the size of the header nonce in bytes.
	NonceSize = 32

	// EquihashSolutionSize is the solution length for Equihash (200, 9),
	// the parameters used on mainnet and testnet.
	EquihashSolutionSize = 1344

	// MaxSolutionSize bounds the solution length accepted by the decoder.
	MaxSolutionSize = EquihashSolutionSize

	// headerFixedSize is the encoded size of every field before the solution.
	headerFixedSize = 4 + 3*HashSize + 4 + 4 + NonceSize
)

// Header is a Zcash block header.
//
// Headers are shared by pointer between the index, its callers and the
// network layer. A header must not be modified once it has been handed to
// any of them.
type Header struct {
	Version          uint32
	PrevHash         Hash
	MerkleRoot       Hash
	FinalSaplingRoot Hash
	Time             uint32 // unix seconds
	Bits             uint32 // compact difficulty target
	Nonce            [NonceSize]byte
	Solution         []byte
}

// NewHeaderFromBytes decodes a header from its wire encoding. The input must
// contain exactly one header.
func NewHeaderFromBytes(data []byte) (*Header, error) {
	r := util.NewReader(data)
	h := &Header{}

	var err error
	if h.Version, err = readUint32(r); err != nil {
		return nil, fmt.Errorf("%w: version: %w", ErrInvalidHeader, err)
	}
	if err = readHash(r, &h.PrevHash); err != nil {
		return nil, fmt.Errorf("%w: previous hash: %w", ErrInvalidHeader, err)
	}
	if err = readHash(r, &h.MerkleRoot); err != nil {
		return nil, fmt.Errorf("%w: merkle root: %w", ErrInvalidHeader, err)
	}
	if err = readHash(r, &h.FinalSaplingRoot); err != nil {
		return nil, fmt.Errorf("%w: final sapling root: %w", ErrInvalidHeader, err)
	}
	if h.Time, err = readUint32(r); err != nil {
		return nil, fmt.Errorf("%w: time: %w", ErrInvalidHeader, err)
	}
	if h.Bits, err = readUint32(r); err != nil {
		return nil, fmt.Errorf("%w: bits: %w", ErrInvalidHeader, err)
	}
	nonce, err := r.ReadBytes(NonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %w", ErrInvalidHeader, err)
	}
	copy(h.Nonce[:], nonce)

	prefixStart := r.Pos
	solutionLen, err := r.ReadVarInt()
	if err != nil {
		return nil, fmt.Errorf("%w: solution length: %w", ErrInvalidHeader, err)
	}
	// Bytes always writes the shortest prefix, so a longer one would change
	// the hash on re-encoding.
	if r.Pos-prefixStart != util.VarInt(solutionLen).Length() {
		return nil, fmt.Errorf("%w: non-canonical solution length prefix", ErrInvalidHeader)
	}
	if solutionLen > MaxSolutionSize {
		return nil, fmt.Errorf("%w: solution is %d bytes, max %d", ErrInvalidHeader, solutionLen, MaxSolutionSize)
	}
	n, err := safe.Uint64ToInt(solutionLen)
	if err != nil {
		return nil, fmt.Errorf("%w: solution length: %w", ErrInvalidHeader, err)
	}
	solution, err := r.ReadBytes(n)
	if err != nil {
		return nil, fmt.Errorf("%w: solution: %w", ErrInvalidHeader, err)
	}
	h.Solution = append([]byte(nil), solution...)

	if !r.IsComplete() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidHeader, len(data)-r.Pos)
	}
	return h, nil
}

// NewHeaderFromHex decodes a hex-encoded header.
func NewHeaderFromHex(s string) (*Header, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	return NewHeaderFromBytes(data)
}

// Bytes serializes the header in wire format.
func (h *Header) Bytes() []byte {
	w := util.NewWriter()
	w.Buf = make([]byte, 0, headerFixedSize+9+len(h.Solution))

	w.WriteBytes(binary.LittleEndian.AppendUint32(nil, h.Version))
	w.WriteBytes(h.PrevHash[:])
	w.WriteBytes(h.MerkleRoot[:])
	w.WriteBytes(h.FinalSaplingRoot[:])
	w.WriteBytes(binary.LittleEndian.AppendUint32(nil, h.Time))
	w.WriteBytes(binary.LittleEndian.AppendUint32(nil, h.Bits))
	w.WriteBytes(h.Nonce[:])
	w.WriteVarInt(uint64(len(h.Solution)))
	w.WriteBytes(h.Solution)

	return w.Buf
}

// Hex returns the wire encoding as a hex string.
func (h *Header) Hex() string {
	return hex.EncodeToString(h.Bytes())
}

// Hash computes the header hash.
func (h *Header) Hash() Hash {
	return DoubleHash(h.Bytes())
}

// Timestamp returns the header time.
func (h *Header) Timestamp() time.Time {
	return time.Unix(int64(h.Time), 0).UTC()
}

// String returns a short description of the header.
func (h *Header) String() string {
	return fmt.Sprintf("Header{Hash: %s, PrevHash: %s, Time: %d, Bits: %08x}",
		h.Hash(), h.PrevHash, h.Time, h.Bits)
}

func readUint32(r *util.Reader) (uint32, error) {
	b, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func readHash(r *util.Reader, dst *Hash) error {
	b, err := r.ReadBytes(HashSize)
	if err != nil {
		return err
	}
	copy(dst[:], b)
	return nil
}
