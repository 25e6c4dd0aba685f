package headerstore

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/blockberries/headerberry/types"
)

// BadgerDBStore implements Store on BadgerDB.
// BadgerDB is optimized for SSDs and offers better write performance
// than LevelDB for certain workloads.
type BadgerDBStore struct {
	db   *badger.DB
	path string
}

// BadgerDBOptions contains configuration options for BadgerDB.
type BadgerDBOptions struct {
	// SyncWrites ensures durability by syncing writes to disk.
	// Default: true
	SyncWrites bool

	// Compression enables Snappy compression for values.
	// Default: true
	Compression bool

	// InMemory keeps all data in memory. Intended for tests.
	// Default: false
	InMemory bool

	// ValueLogFileSize is the maximum size of a single value log file.
	// Default: 256MB
	ValueLogFileSize int64

	// Logger is an optional logger for BadgerDB.
	// If nil, logging is disabled.
	Logger badger.Logger
}

// DefaultBadgerDBOptions returns sensible default options.
func DefaultBadgerDBOptions() *BadgerDBOptions {
	return &BadgerDBOptions{
		SyncWrites:       true,
		Compression:      true,
		ValueLogFileSize: 256 << 20, // 256MB
	}
}

// NewBadgerDBStore opens or creates a BadgerDB-backed store at path.
func NewBadgerDBStore(path string) (*BadgerDBStore, error) {
	return NewBadgerDBStoreWithOptions(path, DefaultBadgerDBOptions())
}

// NewBadgerDBStoreWithOptions opens a BadgerDB-backed store with custom options.
func NewBadgerDBStoreWithOptions(path string, opts *BadgerDBOptions) (*BadgerDBStore, error) {
	if opts == nil {
		opts = DefaultBadgerDBOptions()
	}

	badgerOpts := badger.DefaultOptions(path)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	badgerOpts = badgerOpts.WithSyncWrites(opts.SyncWrites && !opts.InMemory)
	if opts.ValueLogFileSize > 0 {
		badgerOpts = badgerOpts.WithValueLogFileSize(opts.ValueLogFileSize)
	}

	if opts.Compression {
		badgerOpts = badgerOpts.WithCompression(options.Snappy)
	} else {
		badgerOpts = badgerOpts.WithCompression(options.None)
	}

	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(opts.Logger)
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("opening badgerdb: %w", err)
	}

	return &BadgerDBStore{
		db:   db,
		path: path,
	}, nil
}

// Insert writes the three records for a header in one transaction.
func (s *BadgerDBStore) Insert(header *types.Header, height types.Height) (types.Hash, types.Height, error) {
	data := header.Bytes()
	hash := types.DoubleHash(data)

	hashKey := makeHeaderKey(hash)
	heightKey := makeHeightKey(height)

	err := s.db.Update(func(txn *badger.Txn) error {
		if exists, err := hasKey(txn, hashKey); err != nil {
			return fmt.Errorf("checking hash: %w", err)
		} else if exists {
			return fmt.Errorf("%w: %s", types.ErrDuplicateHash, hash)
		}
		if exists, err := hasKey(txn, heightKey); err != nil {
			return fmt.Errorf("checking height: %w", err)
		} else if exists {
			return fmt.Errorf("%w: %d", types.ErrDuplicateHeight, height)
		}

		if err := txn.Set(hashKey, data); err != nil {
			return err
		}
		if err := txn.Set(heightKey, data); err != nil {
			return err
		}
		return txn.Set(makeHashHeightKey(hash), height.Bytes())
	})
	if err != nil {
		if errors.Is(err, types.ErrDuplicateKey) {
			return types.Hash{}, 0, err
		}
		return types.Hash{}, 0, fmt.Errorf("writing header: %w", err)
	}

	return hash, height, nil
}

// Get looks up a header by hash or by height.
func (s *BadgerDBStore) Get(q Query) (*types.Header, types.Height, bool, error) {
	var (
		header *types.Header
		height types.Height
		found  bool
	)

	err := s.db.View(func(txn *badger.Txn) error {
		if h, ok := q.Height(); ok {
			data, exists, err := getValue(txn, makeHeightKey(h))
			if err != nil || !exists {
				return err
			}
			header, err = decodeHeader(data)
			if err != nil {
				return fmt.Errorf("header at height %d: %w", h, err)
			}
			height, found = h, true
			return nil
		}

		hash, _ := q.Hash()
		data, exists, err := getValue(txn, makeHeaderKey(hash))
		if err != nil || !exists {
			return err
		}
		header, err = decodeHeader(data)
		if err != nil {
			return fmt.Errorf("header %s: %w", hash, err)
		}

		data, exists, err = getValue(txn, makeHashHeightKey(hash))
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: header %s has no height record", types.ErrCorruptRecord, hash)
		}
		height, err = decodeHeight(data)
		if err != nil {
			return fmt.Errorf("height of %s: %w", hash, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, 0, false, err
	}
	return header, height, found, nil
}

// GetHeight returns the height of the given hash.
func (s *BadgerDBStore) GetHeight(hash types.Hash) (types.Height, bool, error) {
	var (
		height types.Height
		found  bool
	)

	err := s.db.View(func(txn *badger.Txn) error {
		data, exists, err := getValue(txn, makeHashHeightKey(hash))
		if err != nil || !exists {
			return err
		}
		height, err = decodeHeight(data)
		if err != nil {
			return fmt.Errorf("height of %s: %w", hash, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return height, found, nil
}

// GetTip seeks backwards from the end of the by-height table. Heights are
// stored big-endian, so the first key found is the greatest height. The seek
// is O(log n) and reads the tip from disk on every call.
func (s *BadgerDBStore) GetTip() (Tip, bool, error) {
	var (
		tip   Tip
		found bool
	)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefixHeight
		opts.PrefetchSize = 1

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts at the greatest key not above the seek key.
		seek := append(append([]byte(nil), prefixHeight...), 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seek)
		if !it.ValidForPrefix(prefixHeight) {
			return nil
		}

		item := it.Item()
		height, err := parseHeightKey(item.KeyCopy(nil))
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		header, err := decodeHeader(data)
		if err != nil {
			return fmt.Errorf("tip at height %d: %w", height, err)
		}

		tip = Tip{Header: header, Hash: header.Hash(), Height: height}
		found = true
		return nil
	})
	if err != nil {
		return Tip{}, false, fmt.Errorf("seeking tip: %w", err)
	}
	return tip, found, nil
}

// Contains reports whether the hash is indexed.
func (s *BadgerDBStore) Contains(hash types.Hash) (bool, error) {
	var exists bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		exists, err = hasKey(txn, makeHashHeightKey(hash))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("checking hash: %w", err)
	}
	return exists, nil
}

// Depth returns the distance from the given hash to the tip.
func (s *BadgerDBStore) Depth(hash types.Hash) (uint32, bool, error) {
	return depth(s, hash)
}

// Path returns the database directory.
func (s *BadgerDBStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *BadgerDBStore) Close() error {
	return s.db.Close()
}

// Sync flushes pending writes to disk.
func (s *BadgerDBStore) Sync() error {
	return s.db.Sync()
}

func hasKey(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func getValue(txn *badger.Txn, key []byte) ([]byte, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

var _ Store = (*BadgerDBStore)(nil)
