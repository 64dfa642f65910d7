package eventarchive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/tidewallet/ledgerd/internal/storage/eventarchive/compression"
)

// LevelDBBackend stores records in goleveldb; the lighter-weight
// persistent alternative to pebble.
type LevelDBBackend struct {
	db         *leveldb.DB
	compressor compression.Compressor
	path       string

	mu     sync.RWMutex
	closed bool
}

// NewLevelDBBackend opens (or creates) a leveldb archive at cfg.Path.
func NewLevelDBBackend(cfg Config) (Backend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("leveldb archive: path is required")
	}
	name := cfg.Compressor
	if name == "" {
		name = "lz4"
	}
	compressor, err := compression.Get(name)
	if err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(cfg.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb archive %s: %w", cfg.Path, err)
	}
	return &LevelDBBackend{db: db, compressor: compressor, path: cfg.Path}, nil
}

// Name identifies the backend and its path.
func (l *LevelDBBackend) Name() string { return fmt.Sprintf("leveldb(%s)", l.path) }

// Put stores the record at seq.
func (l *LevelDBBackend) Put(seq uint64, value []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	compressed, err := l.compressor.Compress(value)
	if err != nil {
		return err
	}
	if err := l.db.Put(seqKey(seq), compressed, nil); err != nil {
		return fmt.Errorf("leveldb put %d: %w", seq, err)
	}
	return nil
}

// Get fetches the record at seq.
func (l *LevelDBBackend) Get(seq uint64) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	value, err := l.db.Get(seqKey(seq), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb get %d: %w", seq, err)
	}
	return l.compressor.Decompress(value)
}

// Iterate walks records in [from, to] ascending.
func (l *LevelDBBackend) Iterate(from, to uint64, fn func(uint64, []byte) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	if from == 0 {
		from = 1
	}
	slice := &util.Range{Start: seqKey(from)}
	if to > 0 {
		slice.Limit = seqKey(to + 1)
	}
	iter := l.db.NewIterator(slice, nil)
	defer iter.Release()

	for iter.Next() {
		seq := binary.BigEndian.Uint64(iter.Key())
		value, err := l.compressor.Decompress(iter.Value())
		if err != nil {
			return fmt.Errorf("decompress record %d: %w", seq, err)
		}
		if err := fn(seq, value); err != nil {
			return err
		}
	}
	return iter.Error()
}

// LastSeq returns the highest stored sequence.
func (l *LevelDBBackend) LastSeq() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrClosed
	}
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return binary.BigEndian.Uint64(iter.Key()), nil
}

// Close flushes and closes the database.
func (l *LevelDBBackend) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
