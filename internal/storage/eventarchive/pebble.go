package eventarchive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/tidewallet/ledgerd/internal/storage/eventarchive/compression"
)

// PebbleBackend stores records in PebbleDB with 8-byte big-endian keys,
// so on-disk key order is sequence order.
type PebbleBackend struct {
	db         *pebble.DB
	compressor compression.Compressor
	path       string

	mu     sync.RWMutex
	closed bool
}

// NewPebbleBackend opens (or creates) a pebble archive at cfg.Path.
func NewPebbleBackend(cfg Config) (Backend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("pebble archive: path is required")
	}
	name := cfg.Compressor
	if name == "" {
		name = "lz4"
	}
	compressor, err := compression.Get(name)
	if err != nil {
		return nil, err
	}
	db, err := pebble.Open(cfg.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble archive %s: %w", cfg.Path, err)
	}
	return &PebbleBackend{db: db, compressor: compressor, path: cfg.Path}, nil
}

// Name identifies the backend and its path.
func (p *PebbleBackend) Name() string { return fmt.Sprintf("pebble(%s)", p.path) }

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Put stores the record at seq.
func (p *PebbleBackend) Put(seq uint64, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	compressed, err := p.compressor.Compress(value)
	if err != nil {
		return err
	}
	if err := p.db.Set(seqKey(seq), compressed, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set %d: %w", seq, err)
	}
	return nil
}

// Get fetches the record at seq.
func (p *PebbleBackend) Get(seq uint64) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	value, closer, err := p.db.Get(seqKey(seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get %d: %w", seq, err)
	}
	defer closer.Close()
	return p.compressor.Decompress(value)
}

// Iterate walks records in [from, to] ascending.
func (p *PebbleBackend) Iterate(from, to uint64, fn func(uint64, []byte) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if from == 0 {
		from = 1
	}
	opts := &pebble.IterOptions{LowerBound: seqKey(from)}
	if to > 0 {
		opts.UpperBound = seqKey(to + 1)
	}
	iter, err := p.db.NewIter(opts)
	if err != nil {
		return fmt.Errorf("pebble iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq := binary.BigEndian.Uint64(iter.Key())
		value, err := p.compressor.Decompress(iter.Value())
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
func (p *PebbleBackend) LastSeq() (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, ErrClosed
	}
	iter, err := p.db.NewIter(nil)
	if err != nil {
		return 0, fmt.Errorf("pebble iterator: %w", err)
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return binary.BigEndian.Uint64(iter.Key()), nil
}

// Close flushes and closes the database.
func (p *PebbleBackend) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}
