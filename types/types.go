// Package types provides the header, hash and height types shared by every
// headerberry component.
package types

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// HeightSize is the size of an encoded height in bytes.
const HeightSize = 4

// Height is the position of a header in the chain. Genesis is height 0.
type Height uint32

// String returns the height as a decimal string.
func (h Height) String() string {
	return strconv.FormatUint(uint64(h), 10)
}

// Uint32 returns the height as a uint32.
func (h Height) Uint32() uint32 {
	return uint32(h)
}

// Bytes encodes the height as 4 big-endian bytes, so that encoded heights
// sort in numeric order.
func (h Height) Bytes() []byte {
	buf := make([]byte, HeightSize)
	binary.BigEndian.PutUint32(buf, uint32(h))
	return buf
}

// HeightFromBytes decodes a height written by Height.Bytes.
func HeightFromBytes(b []byte) (Height, error) {
	if len(b) != HeightSize {
		return 0, fmt.Errorf("%w: height is %d bytes, want %d", ErrCorruptRecord, len(b), HeightSize)
	}
	return Height(binary.BigEndian.Uint32(b)), nil
}

// ParseHeight parses a decimal height.
func ParseHeight(s string) (Height, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid height %q: %w", s, err)
	}
	return Height(n), nil
}
