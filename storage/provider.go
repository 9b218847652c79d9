package storage

import (
	"sort"
	"strings"
	"sync"
)

// Provider is an interface for a storage provider.
// It stores and retrieves []byte values, which represent HTTP responses
// and the freshness metadata blob kept beside them.
// Keys are namespaced by a generation partition prefix, so operating on
// key prefixes is very important in order for multiple cache generations
// to coexist in the same store.
//
// Implementations must be thread-safe!
type Provider interface {
	// Get returns the stored bytes for the given key, if they exist.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(key string) ([]byte, bool, error)
	// Put stores the given bytes under the given key,
	// overwriting any previous value.
	Put(key string, bytes []byte) error
	// Delete removes the entry for the given key.
	// Deleting a missing key is not an error.
	Delete(key string) error
	// Keys calls the given callback for each key with the given prefix.
	// It calls the callback in order to enable very large lists of keys to be
	// processable (provider implementation might use paging, for instance).
	Keys(prefix string, cb func(string)) error
	// PurgePrefix removes every entry whose key has the given prefix
	// and returns the number of entries removed.
	PurgePrefix(prefix string) (int, error)
	// Partitions returns the names of all generation partitions
	// belonging to the given naming family.
	Partitions(family string) ([]string, error)
	// Close releases any resources held by the provider.
	Close() error
}

const partitionSeparator = "|"

// PartitionPrefix returns the key prefix for the given generation
// within a naming family, e.g. "asset-cache-v2|".
func PartitionPrefix(family, generation string) string {
	return family + "-" + generation + partitionSeparator
}

// partitionName extracts the generation name from a full key,
// given the naming family. It returns false if the key does not
// belong to the family.
func partitionName(family, key string) (string, bool) {
	prefix := family + "-"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(key, prefix)
	name, _, found := strings.Cut(rest, partitionSeparator)
	if !found {
		return "", false
	}
	return name, true
}

// collectPartitions dedups partition names seen while scanning keys.
type partitionSet map[string]struct{}

func (p partitionSet) add(family, key string) {
	if name, ok := partitionName(family, key); ok {
		p[name] = struct{}{}
	}
}

func (p partitionSet) names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MemStorage is an in-memory provider used for tests
// and for running without a db file.
type MemStorage struct {
	mutex *sync.RWMutex
	db    map[string][]byte
}

func NewMemStorage() MemStorage {
	return MemStorage{
		mutex: &sync.RWMutex{},
		db:    make(map[string][]byte),
	}
}

func (m MemStorage) Get(key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	bytes, ok := m.db[key]
	return bytes, ok, nil
}

func (m MemStorage) Put(key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = bytes
	return nil
}

func (m MemStorage) Delete(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m MemStorage) Keys(prefix string, cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0)
	for key := range m.db {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemStorage) PurgePrefix(prefix string) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	count := 0
	for key := range m.db {
		if strings.HasPrefix(key, prefix) {
			delete(m.db, key)
			count++
		}
	}
	return count, nil
}

func (m MemStorage) Partitions(family string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	set := make(partitionSet)
	for key := range m.db {
		set.add(family, key)
	}
	return set.names(), nil
}

func (m MemStorage) Close() error {
	return nil
}
