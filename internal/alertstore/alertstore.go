// Package alertstore persists every received alert to an append-only
// NDJSON file before it is offered to the filter. The store is the
// durable record of a run; alerts are never deleted or rewritten.
package alertstore

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Envelope is the on-disk form of a received alert.
type Envelope struct {
	Raw   string    `json:"raw"`
	RunID string    `json:"run_id"`
	TS    time.Time `json:"ts"`
}

const malformedLogInterval = 5 * time.Second

// Store owns the alert NDJSON file. Only one process may hold the
// store open; an OS file lock guards against concurrent writers.
type Store struct {
	path string

	mu         sync.Mutex
	f          *os.File
	offset     int64
	lastAppend time.Time

	logMu        sync.Mutex
	lastBadLogAt time.Time
}

// Open creates (or reopens) the alert file and acquires an exclusive
// advisory lock on it.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Store{
		path:       path,
		f:          f,
		offset:     info.Size(),
		lastAppend: time.Now(),
	}, nil
}

// Persist appends one alert envelope and returns the byte offset at
// which the line begins. The line is buffered to completion and
// written with a single call, so readers never observe a partial line.
func (s *Store) Persist(env Envelope) (int64, error) {
	line, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.offset
	if _, err := s.f.Write(line); err != nil {
		return 0, err
	}
	s.offset += int64(len(line))
	s.lastAppend = time.Now()
	return at, nil
}

// LastAppendAge returns the time since the most recent successful
// persist (or since Open when nothing was persisted yet).
func (s *Store) LastAppendAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastAppend)
}

// Offset returns the current end-of-file offset.
func (s *Store) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Stream reads envelopes starting at fromOffset and sends them on the
// returned channel. New appends become visible without reopening: on
// EOF the reader polls at the given interval until ctx is cancelled.
// Malformed lines are skipped with a rate-limited error log.
func (s *Store) Stream(ctx context.Context, fromOffset int64, pollInterval time.Duration) (<-chan Envelope, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(fromOffset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	out := make(chan Envelope, 64)
	go func() {
		defer close(out)
		defer f.Close()

		reader := bufio.NewReader(f)
		var partial []byte
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 && err == nil {
				if len(partial) > 0 {
					line = append(partial, line...)
					partial = nil
				}
				env, ok := s.decodeLine(line)
				if ok {
					select {
					case out <- env:
					case <-ctx.Done():
						return
					}
				}
				continue
			}
			// Partial tail without newline: keep and retry once the
			// writer completes the line.
			if len(line) > 0 {
				partial = append(partial, line...)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
		}
	}()
	return out, nil
}

// LatestN returns up to n most recent envelopes in receipt order.
func (s *Store) LatestN(n int) ([]Envelope, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []Envelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if env, ok := s.decodeLine(scanner.Bytes()); ok {
			all = append(all, env)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// Close releases the file lock and closes the file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	syscall.Flock(int(s.f.Fd()), syscall.LOCK_UN)
	return s.f.Close()
}

func (s *Store) decodeLine(line []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil || env.Raw == "" {
		s.logMalformed(err)
		return Envelope{}, false
	}
	return env, true
}

func (s *Store) logMalformed(err error) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if time.Since(s.lastBadLogAt) < malformedLogInterval {
		return
	}
	s.lastBadLogAt = time.Now()
	log.Error().Err(err).Str("file", s.path).Msg("skipping malformed alert line")
}
