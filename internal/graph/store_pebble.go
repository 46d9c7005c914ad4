package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

const pebbleGraphPrefix = "g|"

type pebbleStore struct {
	db *pebble.DB
}

func openPebbleStore(dir string) (*pebbleStore, error) {
	db, err := pebble.Open(filepath.Join(dir, "pebble"), &pebble.Options{
		MemTableSize:          16 << 20, // 16MB
		L0CompactionThreshold: 8,
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble graph store: %w", err)
	}
	return &pebbleStore{db: db}, nil
}

func (s *pebbleStore) Get(ctx context.Context, hash string) (*Graph, error) {
	val, closer, err := s.db.Get([]byte(pebbleGraphPrefix + hash))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("graph %q: %w", hash, ErrNotFound)
		}
		return nil, err
	}
	defer func() { _ = closer.Close() }()

	g := new(Graph)
	if err := json.Unmarshal(val, g); err != nil {
		return nil, fmt.Errorf("decode graph %q: %w", hash, err)
	}
	return g, nil
}

func (s *pebbleStore) Put(ctx context.Context, g *Graph) error {
	key := []byte(pebbleGraphPrefix + g.Hash)
	if _, closer, err := s.db.Get(key); err == nil {
		_ = closer.Close()
		return nil // content-addressed, already stored
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}

	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode graph %q: %w", g.Hash, err)
	}
	return s.db.Set(key, data, pebble.Sync)
}

func (s *pebbleStore) Close() error {
	return s.db.Close()
}
