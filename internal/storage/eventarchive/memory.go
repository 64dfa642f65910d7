package eventarchive

import (
	"sync"
)

// MemoryBackend is the in-memory backend used by tests and ephemeral
// deployments.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[uint64][]byte
	last   uint64
	closed bool
}

// NewMemoryBackend builds an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[uint64][]byte)}
}

// Name returns "memory".
func (m *MemoryBackend) Name() string { return "memory" }

// Put stores the record at seq.
func (m *MemoryBackend) Put(seq uint64, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	m.data[seq] = buf
	if seq > m.last {
		m.last = seq
	}
	return nil
}

// Get fetches the record at seq.
func (m *MemoryBackend) Get(seq uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	value, ok := m.data[seq]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Iterate walks records in [from, to] ascending.
func (m *MemoryBackend) Iterate(from, to uint64, fn func(uint64, []byte) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	last := m.last
	m.mu.RUnlock()

	if from == 0 {
		from = 1
	}
	if to == 0 || to > last {
		to = last
	}
	for seq := from; seq <= to; seq++ {
		m.mu.RLock()
		value, ok := m.data[seq]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if err := fn(seq, value); err != nil {
			return err
		}
	}
	return nil
}

// LastSeq returns the highest stored sequence.
func (m *MemoryBackend) LastSeq() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.last, nil
}

// Close clears the backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.data = nil
	return nil
}
