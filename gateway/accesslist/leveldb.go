package accesslist

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const listKeyPrefix = "list:"

// LevelDBStore persists list entries as empty-valued keys "list:<kind>:<value>".
type LevelDBStore struct {
	db *leveldb.DB
}

// OpenLevelDBStore opens (or creates) a LevelDB database at path.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb access list path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb access list path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb access list store: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *LevelDBStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *LevelDBStore) Load(ctx context.Context, kind Kind) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("leveldb store not configured")
	}
	prefix := []byte(kindPrefix(kind))
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	values := make([]string, 0)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		values = append(values, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", kind, err)
	}
	return values, nil
}

func (s *LevelDBStore) Put(_ context.Context, kind Kind, value string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("leveldb store not configured")
	}
	return s.db.Put([]byte(kindPrefix(kind)+value), nil, nil)
}

func (s *LevelDBStore) Delete(_ context.Context, kind Kind, value string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("leveldb store not configured")
	}
	return s.db.Delete([]byte(kindPrefix(kind)+value), nil)
}

func kindPrefix(kind Kind) string {
	return listKeyPrefix + string(kind) + ":"
}
