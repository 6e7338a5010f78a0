// Package storage provides the goleveldb-backed key/value store the
// consensus engine persists proposals and commit lock-sets through.
package storage

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LevelDB is a thin wrapper over goleveldb satisfying
// consensus/bft.Database. Grounded in go-ethereum's own ethdb/leveldb
// package, which wraps the same library the same way; reimplemented
// here against the narrower Database interface this engine actually
// needs (see consensus/bft/persistence.go).
type LevelDB struct {
	db *leveldb.DB
}

// Open creates or reopens a LevelDB store at path.
func Open(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: 16,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Put(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	return l.db.Get(key, nil)
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
