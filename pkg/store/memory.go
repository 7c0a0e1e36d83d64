package store

import (
	"context"
	"sync"
)

type entry struct {
	hash  string
	value []byte
}

// Memory is an in-memory Store. Nothing is evicted: objects are
// authoritative configuration, not cache entries.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]map[string]*entry
	used   int
	closed bool
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]*entry)}
}

func (s *Memory) Put(ctx context.Context, ns, key, hash string, val []byte) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	bucket, ok := s.data[ns]
	if !ok {
		bucket = make(map[string]*entry)
		s.data[ns] = bucket
	}
	if old, ok := bucket[key]; ok {
		s.used -= len(old.value)
		old.hash = hash
		old.value = append([]byte(nil), val...)
		s.used += len(old.value)
		return nil
	}
	e := &entry{hash: hash, value: append([]byte(nil), val...)}
	bucket[key] = e
	s.used += len(e.value)
	return nil
}

func (s *Memory) Get(ctx context.Context, ns, key string) (Object, error) {
	if err := contextErr(ctx); err != nil {
		return Object{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Object{}, ErrClosed
	}

	e, ok := s.data[ns][key]
	if !ok {
		return Object{}, ErrNotFound
	}
	return Object{Namespace: ns, Key: key, Hash: e.hash, Data: append([]byte(nil), e.value...)}, nil
}

func (s *Memory) Delete(ctx context.Context, ns, key string) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	bucket := s.data[ns]
	if e, ok := bucket[key]; ok {
		s.used -= len(e.value)
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(s.data, ns)
		}
	}
	return nil
}

func (s *Memory) HashState(ctx context.Context, ns string) (map[string]string, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	out := make(map[string]string, len(s.data[ns]))
	for k, e := range s.data[ns] {
		out[k] = e.hash
	}
	return out, nil
}

// Len is the number of objects across all namespaces.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, bucket := range s.data {
		n += len(bucket)
	}
	return n
}

// Size is the number of payload bytes held.
func (s *Memory) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

func (s *Memory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
