package storage

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStorage persists entries in a leveldb database on disk.
// Keys sort lexicographically, which makes the partition-prefix
// scans cheap range iterations.
type LevelDBStorage struct {
	db *leveldb.DB
}

func NewLevelDBStorage(path string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStorage{db: db}, nil
}

func (l *LevelDBStorage) Get(key string) ([]byte, bool, error) {
	bytes, err := l.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (l *LevelDBStorage) Put(key string, bytes []byte) error {
	return l.db.Put([]byte(key), bytes, nil)
}

func (l *LevelDBStorage) Delete(key string) error {
	return l.db.Delete([]byte(key), nil)
}

func (l *LevelDBStorage) Keys(prefix string, cb func(string)) error {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		cb(string(iter.Key()))
	}
	return iter.Error()
}

func (l *LevelDBStorage) PurgePrefix(prefix string) (int, error) {
	batch := new(leveldb.Batch)
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		batch.Delete(key)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, err
	}
	count := batch.Len()
	if err := l.db.Write(batch, nil); err != nil {
		return 0, err
	}
	return count, nil
}

func (l *LevelDBStorage) Partitions(family string) ([]string, error) {
	set := make(partitionSet)
	err := l.Keys(family+"-", func(key string) {
		set.add(family, key)
	})
	if err != nil {
		return nil, err
	}
	return set.names(), nil
}

func (l *LevelDBStorage) Close() error {
	return l.db.Close()
}
