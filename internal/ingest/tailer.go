package ingest

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/argosec/defender/internal/alertstore"
	"github.com/argosec/defender/internal/metrics"
)

// Tailer follows upstream log files and turns each new complete line
// into an alert. Files are read from their current end; history is the
// upstream's business. fsnotify drives the common case and a poll
// ticker covers filesystems with unreliable notifications.
type Tailer struct {
	runID        string
	files        []string
	sink         AlertSink
	notify       func(env alertstore.Envelope, offset int64)
	pollInterval time.Duration

	offsets map[string]int64
	partial map[string][]byte
}

// NewTailer prepares a tailer over the given files. Missing files are
// fine; they are picked up when created.
func NewTailer(runID string, files []string, pollInterval time.Duration, sink AlertSink, notify func(env alertstore.Envelope, offset int64)) *Tailer {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	t := &Tailer{
		runID:        runID,
		files:        files,
		sink:         sink,
		notify:       notify,
		pollInterval: pollInterval,
		offsets:      make(map[string]int64),
		partial:      make(map[string][]byte),
	}
	for _, f := range files {
		if info, err := os.Stat(f); err == nil {
			t.offsets[f] = info.Size()
		}
	}
	return t
}

// Run blocks until ctx is cancelled, emitting alerts as lines arrive.
func (t *Tailer) Run(ctx context.Context) error {
	if len(t.files) == 0 {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watched := make(map[string]bool)
	for _, f := range t.files {
		dir := filepath.Dir(f)
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("cannot watch directory, relying on polling")
			continue
		}
		watched[dir] = true
	}

	targets := make(map[string]bool, len(t.files))
	for _, f := range t.files {
		targets[filepath.Clean(f)] = true
	}

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !targets[filepath.Clean(ev.Name)] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				t.drain(ev.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("file watcher error")

		case <-ticker.C:
			for _, f := range t.files {
				t.drain(f)
			}
		}
	}
}

// drain reads everything appended to path since the last read and
// emits complete lines. Detects truncation and starts over from zero.
func (t *Tailer) drain(path string) {
	path = filepath.Clean(path)

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}

	offset := t.offsets[path]
	if info.Size() < offset {
		log.Info().Str("file", path).Msg("tailed file truncated, restarting from start")
		offset = 0
		t.partial[path] = nil
	}
	if info.Size() == offset {
		return
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(f)
	if err != nil && len(data) == 0 {
		return
	}
	t.offsets[path] = offset + int64(len(data))

	buf := append(t.partial[path], data...)
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(buf[:idx], "\r")
		buf = buf[idx+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		t.emit(string(line))
	}
	t.partial[path] = buf
}

func (t *Tailer) emit(raw string) {
	env := alertstore.Envelope{Raw: raw, RunID: t.runID, TS: time.Now()}
	offset, err := t.sink.Persist(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to persist tailed alert")
		return
	}
	metrics.RecordAlertReceived("file")
	if t.notify != nil {
		t.notify(env, offset)
	}
}
