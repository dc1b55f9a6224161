// Package statestore persists the set of threat fingerprints already
// handled within a run, giving the filter its once-per-threat
// semantics across restarts.
package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultFlushInterval = 500 * time.Millisecond

type record struct {
	FirstSeen time.Time `json:"first_seen_ts"`
	Count     int       `json:"count"`
}

// Store is the durable set of processed threat fingerprints. All
// methods are safe for concurrent use; writes reach disk within the
// flush interval (well under the 1s persistence requirement).
type Store struct {
	path string

	mu      sync.Mutex
	entries map[string]record
	dirty   bool
	seq     uint64 // bumped on every mutation; guards the dirty reset

	flushInterval time.Duration
	stopOnce      sync.Once
	stop          chan struct{}
	done          chan struct{}
}

// Load reads the prior fingerprint set from disk and starts the
// background flusher. A corrupt file resets the set to empty with a
// loud error; the store never proceeds with partially-known state.
func Load(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &Store{
		path:          path,
		entries:       make(map[string]record),
		flushInterval: defaultFlushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// First run: nothing to load.
	case err != nil:
		return nil, err
	default:
		if jerr := json.Unmarshal(data, &s.entries); jerr != nil {
			log.Error().Err(jerr).Str("file", path).
				Msg("processed-alert state is corrupt, resetting to empty")
			s.entries = make(map[string]record)
			s.dirty = true
		}
	}

	go s.flushLoop()
	return s, nil
}

// SeenBefore reports whether the fingerprint was already processed.
func (s *Store) SeenBefore(fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[fingerprint]
	return ok
}

// MarkSeen records a fingerprint as processed. Idempotent: repeated
// calls bump the occurrence count but keep the first-seen timestamp.
func (s *Store) MarkSeen(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entries[fingerprint]
	if !ok {
		rec = record{FirstSeen: time.Now()}
	}
	rec.Count++
	s.entries[fingerprint] = rec
	s.dirty = true
	s.seq++
}

// Len returns the number of distinct fingerprints seen.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close flushes pending writes and stops the background flusher.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
	return s.flush()
}

func (s *Store) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.flush(); err != nil {
				log.Error().Err(err).Str("file", s.path).Msg("failed to persist processed-alert state")
			}
		case <-s.stop:
			return
		}
	}
}

// flush writes the set atomically (temp file + rename) when dirty. The
// dirty flag clears only after the rename succeeds, so a failed write
// is retried on the next tick; mutations made during the write keep
// the flag set.
func (s *Store) flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	seq := s.seq
	data, err := json.MarshalIndent(s.entries, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	s.mu.Lock()
	if s.seq == seq {
		s.dirty = false
	}
	s.mu.Unlock()
	return nil
}
