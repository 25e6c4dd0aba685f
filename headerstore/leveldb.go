package headerstore

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/blockberries/headerberry/types"
)

// LevelDBStore implements Store on LevelDB.
type LevelDBStore struct {
	db   *leveldb.DB
	path string
}

// NewLevelDBStore opens or creates a LevelDB-backed store at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		NoSync: false, // Ensure durability
	})
	if err != nil {
		return nil, fmt.Errorf("opening leveldb: %w", err)
	}

	return &LevelDBStore{
		db:   db,
		path: path,
	}, nil
}

// Insert writes the three records for a header in one synced batch.
func (s *LevelDBStore) Insert(header *types.Header, height types.Height) (types.Hash, types.Height, error) {
	data := header.Bytes()
	hash := types.DoubleHash(data)

	hashKey := makeHeaderKey(hash)
	exists, err := s.db.Has(hashKey, nil)
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("checking hash: %w", err)
	}
	if exists {
		return types.Hash{}, 0, fmt.Errorf("%w: %s", types.ErrDuplicateHash, hash)
	}

	heightKey := makeHeightKey(height)
	exists, err = s.db.Has(heightKey, nil)
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("checking height: %w", err)
	}
	if exists {
		return types.Hash{}, 0, fmt.Errorf("%w: %d", types.ErrDuplicateHeight, height)
	}

	// Create batch for atomic write
	batch := new(leveldb.Batch)
	batch.Put(hashKey, data)
	batch.Put(heightKey, data)
	batch.Put(makeHashHeightKey(hash), height.Bytes())

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return types.Hash{}, 0, fmt.Errorf("writing header: %w", err)
	}

	return hash, height, nil
}

// Get looks up a header by hash or by height.
func (s *LevelDBStore) Get(q Query) (*types.Header, types.Height, bool, error) {
	if height, ok := q.Height(); ok {
		data, found, err := s.get(makeHeightKey(height))
		if err != nil || !found {
			return nil, 0, false, err
		}
		header, err := decodeHeader(data)
		if err != nil {
			return nil, 0, false, fmt.Errorf("header at height %d: %w", height, err)
		}
		return header, height, true, nil
	}

	hash, _ := q.Hash()
	data, found, err := s.get(makeHeaderKey(hash))
	if err != nil || !found {
		return nil, 0, false, err
	}
	header, err := decodeHeader(data)
	if err != nil {
		return nil, 0, false, fmt.Errorf("header %s: %w", hash, err)
	}

	height, found, err := s.GetHeight(hash)
	if err != nil {
		return nil, 0, false, err
	}
	if !found {
		return nil, 0, false, fmt.Errorf("%w: header %s has no height record", types.ErrCorruptRecord, hash)
	}
	return header, height, true, nil
}

// GetHeight returns the height of the given hash.
func (s *LevelDBStore) GetHeight(hash types.Hash) (types.Height, bool, error) {
	data, found, err := s.get(makeHashHeightKey(hash))
	if err != nil || !found {
		return 0, false, err
	}
	height, err := decodeHeight(data)
	if err != nil {
		return 0, false, fmt.Errorf("height of %s: %w", hash, err)
	}
	return height, true, nil
}

// GetTip seeks the last key of the by-height table. Heights are stored
// big-endian, so the last key is the greatest height. The seek is O(log n)
// and reads the tip from disk on every call.
func (s *LevelDBStore) GetTip() (Tip, bool, error) {
	it := s.db.NewIterator(util.BytesPrefix(prefixHeight), nil)
	defer it.Release()

	if !it.Last() {
		if err := it.Error(); err != nil {
			return Tip{}, false, fmt.Errorf("seeking tip: %w", err)
		}
		return Tip{}, false, nil
	}

	height, err := parseHeightKey(it.Key())
	if err != nil {
		return Tip{}, false, err
	}
	header, err := decodeHeader(it.Value())
	if err != nil {
		return Tip{}, false, fmt.Errorf("tip at height %d: %w", height, err)
	}
	return Tip{Header: header, Hash: header.Hash(), Height: height}, true, nil
}

// Contains reports whether the hash is indexed.
func (s *LevelDBStore) Contains(hash types.Hash) (bool, error) {
	exists, err := s.db.Has(makeHashHeightKey(hash), nil)
	if err != nil {
		return false, fmt.Errorf("checking hash: %w", err)
	}
	return exists, nil
}

// Depth returns the distance from the given hash to the tip.
func (s *LevelDBStore) Depth(hash types.Hash) (uint32, bool, error) {
	return depth(s, hash)
}

// Path returns the database directory.
func (s *LevelDBStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

// Compact triggers a full compaction of the database.
func (s *LevelDBStore) Compact() error {
	return s.db.CompactRange(util.Range{})
}

func (s *LevelDBStore) get(key []byte) ([]byte, bool, error) {
	data, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading key: %w", err)
	}
	return data, true, nil
}

var _ Store = (*LevelDBStore)(nil)
