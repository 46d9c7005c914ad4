package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when no graph exists for a hash.
var ErrNotFound = errors.New("graph not found")

// Store is a content-addressed graph store. Graphs are immutable, so Get
// results are cacheable indefinitely and Put of an existing hash is a no-op.
type Store interface {
	Get(ctx context.Context, hash string) (*Graph, error)
	Put(ctx context.Context, g *Graph) error
	Close() error
}

// OpenStore opens a graph store backend in dir. Supported backends are
// "badger" and "pebble".
func OpenStore(backend, dir string) (Store, error) {
	switch backend {
	case "badger":
		return openBadgerStore(dir)
	case "pebble":
		return openPebbleStore(dir)
	default:
		return nil, fmt.Errorf("unknown graph store backend %q (expected badger or pebble)", backend)
	}
}

// cachingStore wraps another store with an in-process cache. Content
// addressing makes the cache trivially correct.
type cachingStore struct {
	inner Store

	mu    sync.RWMutex
	cache map[string]*Graph
}

// NewCachingStore wraps a store with an unbounded in-memory cache.
func NewCachingStore(inner Store) Store {
	return &cachingStore{inner: inner, cache: make(map[string]*Graph)}
}

func (s *cachingStore) Get(ctx context.Context, hash string) (*Graph, error) {
	s.mu.RLock()
	g, ok := s.cache[hash]
	s.mu.RUnlock()
	if ok {
		return g, nil
	}

	g, err := s.inner.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[hash] = g
	s.mu.Unlock()
	return g, nil
}

func (s *cachingStore) Put(ctx context.Context, g *Graph) error {
	if err := s.inner.Put(ctx, g); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[g.Hash] = g
	s.mu.Unlock()
	return nil
}

func (s *cachingStore) Close() error {
	return s.inner.Close()
}

// MemStore is an in-memory graph store for tests and seeding.
type MemStore struct {
	mu     sync.RWMutex
	graphs map[string]*Graph
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{graphs: make(map[string]*Graph)}
}

func (s *MemStore) Get(ctx context.Context, hash string) (*Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graphs[hash]
	if !ok {
		return nil, fmt.Errorf("graph %q: %w", hash, ErrNotFound)
	}
	return g, nil
}

func (s *MemStore) Put(ctx context.Context, g *Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[g.Hash] = g
	return nil
}

func (s *MemStore) Close() error {
	return nil
}
