package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

const badgerGraphPrefix = "g|"

type badgerStore struct {
	db *badger.DB
}

func openBadgerStore(dir string) (*badgerStore, error) {
	opts := badger.DefaultOptions(filepath.Join(dir, "badger"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger graph store: %w", err)
	}
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) Get(ctx context.Context, hash string) (*Graph, error) {
	var g *Graph
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerGraphPrefix + hash))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("graph %q: %w", hash, ErrNotFound)
			}
			return err
		}
		return item.Value(func(val []byte) error {
			decoded := new(Graph)
			if err := json.Unmarshal(val, decoded); err != nil {
				return fmt.Errorf("decode graph %q: %w", hash, err)
			}
			g = decoded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *badgerStore) Put(ctx context.Context, g *Graph) error {
	key := []byte(badgerGraphPrefix + g.Hash)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil // content-addressed, already stored
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		data, err := json.Marshal(g)
		if err != nil {
			return fmt.Errorf("encode graph %q: %w", g.Hash, err)
		}
		return txn.Set(key, data)
	})
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
