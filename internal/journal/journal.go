// Package journal implements the append-only structured timeline of the
// defender core. Many components write entries; a single goroutine owns
// the file. Appends never block the caller for more than a short
// timeout; entries dropped under sustained back-pressure are counted
// and surfaced as a single ERROR entry per drop burst.
package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Level classifies a timeline entry.
type Level string

const (
	LevelInit  Level = "INIT"
	LevelAlert Level = "ALERT"
	LevelPlan  Level = "PLAN"
	LevelSSH   Level = "SSH"
	LevelExec  Level = "EXEC"
	LevelDone  Level = "DONE"
	LevelError Level = "ERROR"
)

// tsFormat is ISO-8601 with microsecond precision and timezone.
const tsFormat = "2006-01-02T15:04:05.000000-07:00"

// Entry is one line of the timeline. Alert carries the first 8 hex
// characters of the alert fingerprint; Exec the first 8 of the
// execution ID.
type Entry struct {
	TS    time.Time      `json:"-"`
	Level Level          `json:"level"`
	Msg   string         `json:"msg"`
	Alert string         `json:"alert,omitempty"`
	Exec  string         `json:"exec,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// MarshalJSON emits ts first with the fixed timeline format.
func (e Entry) MarshalJSON() ([]byte, error) {
	type shadow Entry
	return json.Marshal(struct {
		TS string `json:"ts"`
		shadow
	}{
		TS:     e.TS.Format(tsFormat),
		shadow: shadow(e),
	})
}

const (
	defaultQueueSize     = 256
	defaultSubmitTimeout = 250 * time.Millisecond
)

// Writer owns the timeline file. Construct with Open, submit entries
// with Append, and Close on shutdown to flush the queue.
type Writer struct {
	ch            chan Entry
	submitTimeout time.Duration

	dropped  atomic.Int64 // entries dropped since the last drop report
	reported atomic.Int64 // total drops already reported to the timeline

	done     chan struct{}
	stopOnce sync.Once

	onDrop func(n int64) // optional metrics hook
}

// Option configures a Writer.
type Option func(*Writer)

// WithQueueSize overrides the submit queue depth.
func WithQueueSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.ch = make(chan Entry, n)
		}
	}
}

// WithSubmitTimeout overrides how long Append blocks before dropping.
func WithSubmitTimeout(d time.Duration) Option {
	return func(w *Writer) {
		if d > 0 {
			w.submitTimeout = d
		}
	}
}

// WithDropHook registers a callback invoked with the burst size each
// time dropped entries are reported.
func WithDropHook(fn func(n int64)) Option {
	return func(w *Writer) {
		w.onDrop = fn
	}
}

// Open creates the timeline file (appending if it exists) and starts
// the writer goroutine.
func Open(path string, opts ...Option) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		ch:            make(chan Entry, defaultQueueSize),
		submitTimeout: defaultSubmitTimeout,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	go w.run(f)
	return w, nil
}

// Append submits an entry to the timeline. The timestamp is stamped at
// submit time when unset. Blocks up to the submit timeout when the
// queue is full, then drops the entry and increments the drop counter.
func (w *Writer) Append(e Entry) {
	if e.TS.IsZero() {
		e.TS = time.Now()
	}

	select {
	case w.ch <- e:
		return
	default:
	}

	t := time.NewTimer(w.submitTimeout)
	defer t.Stop()
	select {
	case w.ch <- e:
	case <-t.C:
		w.dropped.Add(1)
		log.Warn().Str("level", string(e.Level)).Msg("journal queue full, entry dropped")
	}
}

// Dropped returns the total number of entries dropped so far.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Close drains the queue, flushes the file and stops the writer.
func (w *Writer) Close() {
	w.stopOnce.Do(func() {
		close(w.ch)
		<-w.done
	})
}

func (w *Writer) run(f *os.File) {
	defer close(w.done)
	defer f.Close()

	buf := bufio.NewWriter(f)
	defer buf.Flush()

	for e := range w.ch {
		// Report any drop burst before the next regular entry so the
		// timeline records the gap close to where it happened.
		w.reportDrops(buf)
		w.writeEntry(buf, e)
		// Line-buffered durability: flushed after every entry so the
		// timeline survives process exit.
		if err := buf.Flush(); err != nil {
			log.Error().Err(err).Msg("journal flush failed")
		}
	}
	w.reportDrops(buf)
}

func (w *Writer) reportDrops(buf *bufio.Writer) {
	total := w.dropped.Load()
	if total <= w.reported.Load() {
		return
	}
	burst := total - w.reported.Load()
	w.reported.Store(total)
	if w.onDrop != nil {
		w.onDrop(burst)
	}
	w.writeEntry(buf, Entry{
		TS:    time.Now(),
		Level: LevelError,
		Msg:   "journal entries dropped under back-pressure",
		Data:  map[string]any{"dropped": burst},
	})
}

func (w *Writer) writeEntry(buf *bufio.Writer, e Entry) {
	line, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Msg("journal entry not serialisable")
		return
	}
	buf.Write(line)
	buf.WriteByte('\n')
}
