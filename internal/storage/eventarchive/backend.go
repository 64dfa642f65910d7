// Package eventarchive keeps a compressed, append-only copy of the event
// stream in a local key-value store, keyed by sequence number. The
// archive is a cold mirror for export and replay; the events table in
// the relational store remains the source of truth.
package eventarchive

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned on use after Close.
	ErrClosed = errors.New("eventarchive: backend is closed")
	// ErrNotFound is returned when a sequence has no record.
	ErrNotFound = errors.New("eventarchive: record not found")
)

// Backend is a sequential record store. Keys are dense sequence numbers
// assigned by the archive, starting at 1.
type Backend interface {
	// Name identifies the backend and its location.
	Name() string

	// Put stores the record at seq. Records are never overwritten.
	Put(seq uint64, value []byte) error

	// Get fetches the record at seq, or ErrNotFound.
	Get(seq uint64) ([]byte, error)

	// Iterate walks records in [from, to] ascending. to == 0 means
	// unbounded.
	Iterate(from, to uint64, fn func(seq uint64, value []byte) error) error

	// LastSeq returns the highest stored sequence, 0 when empty.
	LastSeq() (uint64, error)

	Close() error
}

// Config carries backend construction parameters.
type Config struct {
	// Path is the storage directory for persistent backends.
	Path string
	// Compressor names the block compressor ("none", "lz4").
	Compressor string
}

// BackendFactory builds a backend from config.
type BackendFactory func(cfg Config) (Backend, error)

var (
	backendMu        sync.RWMutex
	backendFactories = make(map[string]BackendFactory)
)

// RegisterBackend registers a factory under name.
func RegisterBackend(name string, factory BackendFactory) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backendFactories[name] = factory
}

// NewBackend builds the backend registered under name.
func NewBackend(name string, cfg Config) (Backend, error) {
	backendMu.RLock()
	factory, ok := backendFactories[name]
	backendMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown archive backend: %s", name)
	}
	return factory(cfg)
}

// AvailableBackends lists registered backend names.
func AvailableBackends() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()
	names := make([]string, 0, len(backendFactories))
	for name := range backendFactories {
		names = append(names, name)
	}
	return names
}

func init() {
	RegisterBackend("memory", func(Config) (Backend, error) { return NewMemoryBackend(), nil })
	RegisterBackend("pebble", NewPebbleBackend)
	RegisterBackend("leveldb", NewLevelDBBackend)
}
