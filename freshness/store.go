// Package freshness keeps the per-URL last-fetch timestamps that the
// time-aware caching strategies consult. The record is persisted as a
// single blob in the same storage partition as the response bodies.
package freshness

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned by Update (and the mutation helpers built on it)
// once the store has been closed.
var ErrClosed = errors.New("freshness store is closed")

// Record maps a resource URL to the time it was last confirmed fresh,
// in milliseconds since the epoch. A zero timestamp means the resource
// has been marked for forced revalidation and is maximally stale.
type Record map[string]int64

// Backend persists the serialized record.
type Backend interface {
	// LoadRecord returns the serialized record and whether one exists.
	LoadRecord() ([]byte, bool, error)
	// SaveRecord writes the serialized record, replacing any previous one.
	SaveRecord([]byte) error
}

type mutation struct {
	apply func(Record) error
	reply chan error
}

// Store holds the single shared in-memory snapshot of the record.
//
// All mutations go through Update, which executes them strictly one at a
// time in submission order and persists the whole snapshot after each
// one before the next runs. Without that ordering, two concurrent stamp
// operations (common under parallel asset loading) could lose a write.
//
// Reads never queue behind mutations; they see the current snapshot as a
// defensive copy.
type Store struct {
	backend Backend
	log     zerolog.Logger

	group    singleflight.Group
	mu       sync.RWMutex
	loaded   bool
	snapshot Record

	// closeMu makes Close safe against in-flight Update calls: senders
	// hold the read lock across the queue send, so the queue is never
	// closed mid-send.
	closeMu sync.RWMutex
	closed  bool
	queue   chan mutation
}

func NewStore(backend Backend, logger zerolog.Logger) *Store {
	s := &Store{
		backend:  backend,
		log:      logger,
		snapshot: make(Record),
		queue:    make(chan mutation, 64),
	}
	go s.drain()
	return s
}

// Close stops the update queue. Mutations still in the queue are
// drained; later Update calls fail with ErrClosed. Close is idempotent
// and safe to call while background tasks are still stamping.
func (s *Store) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}

// drain applies queued mutations one at a time, in submission order.
// A failed mutation rejects only its own caller; the queue keeps going.
func (s *Store) drain() {
	for m := range s.queue {
		m.reply <- s.applyAndPersist(m.apply)
	}
}

func (s *Store) applyAndPersist(apply func(Record) error) error {
	s.ensureLoaded()
	s.mu.Lock()
	err := apply(s.snapshot)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	// Write-through: persist before the next queued mutation runs.
	// On persist failure the in-memory snapshot is ahead of storage;
	// the error goes to the caller and the next successful persist
	// reconciles. There is no retry, freshness data is best-effort.
	return s.persist()
}

func (s *Store) persist() error {
	s.mu.RLock()
	bytes, err := json.Marshal(s.snapshot)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return s.backend.SaveRecord(bytes)
}

// ensureLoaded lazily populates the snapshot from the backend.
// Concurrent callers share one in-flight load. Read failures fall open
// to an empty record: missing metadata only causes conservative
// re-validation, never incorrect staleness.
func (s *Store) ensureLoaded() {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return
	}
	s.group.Do("load", func() (interface{}, error) {
		s.mu.RLock()
		loaded := s.loaded
		s.mu.RUnlock()
		if loaded {
			return nil, nil
		}
		record := make(Record)
		bytes, ok, err := s.backend.LoadRecord()
		if err != nil {
			s.log.Warn().Err(err).Msg("Could not load freshness record, starting empty")
		} else if ok {
			if err := json.Unmarshal(bytes, &record); err != nil {
				s.log.Warn().Err(err).Msg("Could not parse freshness record, starting empty")
				record = make(Record)
			}
		}
		s.mu.Lock()
		s.snapshot = record
		s.loaded = true
		s.mu.Unlock()
		return nil, nil
	})
}

// Update enqueues a mutation of the record. It blocks until the mutation
// has been applied and persisted, and returns the mutation or persist
// error, or ErrClosed after Close. Mutations must not call back into
// the store.
func (s *Store) Update(apply func(Record) error) error {
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return ErrClosed
	}
	reply := make(chan error, 1)
	s.queue <- mutation{apply: apply, reply: reply}
	s.closeMu.RUnlock()
	return <-reply
}

// Snapshot returns a defensive copy of the current record.
func (s *Store) Snapshot() Record {
	s.ensureLoaded()
	s.mu.RLock()
	defer s.mu.RUnlock()
	record := make(Record, len(s.snapshot))
	for key, stamp := range s.snapshot {
		record[key] = stamp
	}
	return record
}

// Timestamp returns the recorded freshness time for the given URL.
func (s *Store) Timestamp(url string) (time.Time, bool) {
	s.ensureLoaded()
	s.mu.RLock()
	defer s.mu.RUnlock()
	stamp, ok := s.snapshot[url]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(stamp), true
}

// IsStale reports whether the given URL is older than maxAge at the
// given time. A URL with no recorded timestamp is conservatively stale.
func (s *Store) IsStale(url string, maxAge time.Duration, now time.Time) bool {
	stamp, ok := s.Timestamp(url)
	if !ok {
		return true
	}
	return now.Sub(stamp) > maxAge
}

// Stamp records the given URL as fresh at the given time.
func (s *Store) Stamp(url string, at time.Time) error {
	return s.Update(func(r Record) error {
		r[url] = at.UnixMilli()
		return nil
	})
}

// ZeroAll sets every timestamp to zero, marking all entries maximally
// stale without touching stored response bodies.
func (s *Store) ZeroAll() error {
	return s.Update(func(r Record) error {
		for url := range r {
			r[url] = 0
		}
		return nil
	})
}

// Delete removes the entry for the given URL and reports whether it existed.
func (s *Store) Delete(url string) (bool, error) {
	found := false
	err := s.Update(func(r Record) error {
		_, found = r[url]
		delete(r, url)
		return nil
	})
	return found, err
}

// Prune removes every entry older than maxAge at the given time and
// returns the removed URLs. Zeroed timestamps count as infinitely old.
func (s *Store) Prune(maxAge time.Duration, now time.Time) ([]string, error) {
	var removed []string
	err := s.Update(func(r Record) error {
		for url, stamp := range r {
			if now.Sub(time.UnixMilli(stamp)) > maxAge {
				delete(r, url)
				removed = append(removed, url)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Reset empties the record entirely, for a full cache clear.
func (s *Store) Reset() error {
	return s.Update(func(r Record) error {
		for url := range r {
			delete(r, url)
		}
		return nil
	})
}
