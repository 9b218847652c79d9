package storage

import (
	"database/sql"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage creates a new provider with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) SQLiteStorage {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		bytes BLOB
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		panic(err)
	}
	return SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s SQLiteStorage) Get(key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM entries WHERE key = ?", key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteStorage) Put(key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO entries (key, bytes) VALUES (?, ?)", key, bytes)
	return err
}

func (s SQLiteStorage) Delete(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE key = ?", key)
	return err
}

func (s SQLiteStorage) Keys(prefix string, cb func(string)) error {
	rows, err := s.db.Query("SELECT key FROM entries WHERE key LIKE ? ORDER BY key", prefix+"%")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}

func (s SQLiteStorage) PurgePrefix(prefix string) (int, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.Exec("DELETE FROM entries WHERE key LIKE ?", prefix+"%")
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

func (s SQLiteStorage) Partitions(family string) ([]string, error) {
	set := make(partitionSet)
	err := s.Keys(family+"-", func(key string) {
		set.add(family, key)
	})
	if err != nil {
		return nil, err
	}
	return set.names(), nil
}

func (s SQLiteStorage) Close() error {
	return s.db.Close()
}
