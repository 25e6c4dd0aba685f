package headerstore

import (
	"fmt"

	"github.com/blockberries/headerberry/types"
)

// Key prefixes for the durable stores. Each prefix is one logical table.
var (
	prefixHeader     = []byte("H:") // hash -> header bytes
	prefixHeight     = []byte("N:") // big-endian height -> header bytes
	prefixHashHeight = []byte("I:") // hash -> big-endian height
)

// Key encoding helpers

func makeHeaderKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixHeader)+types.HashSize)
	copy(key, prefixHeader)
	copy(key[len(prefixHeader):], hash[:])
	return key
}

func makeHeightKey(height types.Height) []byte {
	key := make([]byte, len(prefixHeight)+types.HeightSize)
	copy(key, prefixHeight)
	copy(key[len(prefixHeight):], height.Bytes())
	return key
}

func makeHashHeightKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixHashHeight)+types.HashSize)
	copy(key, prefixHashHeight)
	copy(key[len(prefixHashHeight):], hash[:])
	return key
}

// parseHeightKey extracts the height from a by-height key.
func parseHeightKey(key []byte) (types.Height, error) {
	if len(key) != len(prefixHeight)+types.HeightSize {
		return 0, fmt.Errorf("%w: height key is %d bytes", types.ErrCorruptRecord, len(key))
	}
	return types.HeightFromBytes(key[len(prefixHeight):])
}

// decodeHeader decodes a stored header. Decode failures are reported as
// corrupt records since the bytes were validated before they were written.
func decodeHeader(data []byte) (*types.Header, error) {
	header, err := types.NewHeaderFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrCorruptRecord, err)
	}
	return header, nil
}

// decodeHeight decodes a stored height.
func decodeHeight(data []byte) (types.Height, error) {
	return types.HeightFromBytes(data)
}
