package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// An optional quota bounds the total size of keys and values, mirroring the
// per-origin limit of a browser store.
type MemoryStorage struct {
	data   map[string][]byte
	quota  int
	used   int
	closed bool
	mu     sync.RWMutex
}

// MemoryOption configures a MemoryStorage.
type MemoryOption func(*MemoryStorage)

// WithQuota limits the total number of bytes held. Zero means unlimited.
func WithQuota(bytes int) MemoryOption {
	return func(s *MemoryStorage) {
		s.quota = bytes
	}
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	ms := &MemoryStorage{data: make(map[string][]byte)}
	for _, opt := range opts {
		opt(ms)
	}
	return ms
}

// Get returns a copy of the value stored under key.
func (s *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	return withContext(ctx, func() ([]byte, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.closed {
			return nil, ErrClosed
		}
		v, ok := s.data[key]
		if !ok {
			return nil, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		}
		return append([]byte(nil), v...), nil
	})
}

// Set stores a copy of value under key.
func (s *MemoryStorage) Set(ctx context.Context, key string, value []byte) error {
	return s.SetMany(ctx, map[string][]byte{key: value})
}

// SetMany writes all values under a single lock. Either every key is
// written or, when the quota would be exceeded, none is.
func (s *MemoryStorage) SetMany(ctx context.Context, values map[string][]byte) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return ErrClosed
		}
		used := s.used
		for k, v := range values {
			if old, ok := s.data[k]; ok {
				used -= len(k) + len(old)
			}
			used += len(k) + len(v)
		}
		if s.quota > 0 && used > s.quota {
			return fmt.Errorf("%w: need %d of %d bytes", ErrQuotaExceeded, used, s.quota)
		}
		for k, v := range values {
			s.data[k] = append([]byte(nil), v...)
		}
		s.used = used
		return nil
	})
}

// Delete removes key.
func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return ErrClosed
		}
		if old, ok := s.data[key]; ok {
			s.used -= len(key) + len(old)
			delete(s.data, key)
		}
		return nil
	})
}

// Close marks the storage closed.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
