package opencode

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Mirror copies the raw agent interaction to disk so experiments can
// replay exactly what the agent saw and did: one JSONL file with every
// stream event, plus a JSON digest of the session written at the end.
type Mirror struct {
	mu     sync.Mutex
	dir    string
	events *os.File
}

// HostTag converts a host IP into the directory-safe tag used under
// defender/: dots become dashes, e.g. "10.0.0.5" -> "10-0-0-5".
func HostTag(hostIP string) string {
	return strings.ReplaceAll(hostIP, ".", "-")
}

// NewMirror creates (or reopens) the per-host transcript directory.
func NewMirror(defenderDir, hostIP string) (*Mirror, error) {
	dir := filepath.Join(defenderDir, HostTag(hostIP))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "opencode_sse_events.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Mirror{dir: dir, events: f}, nil
}

// WriteEvent appends one raw event line to the stream transcript.
func (m *Mirror) WriteEvent(raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.events.Write(append(raw, '\n')); err != nil {
		log.Warn().Err(err).Str("dir", m.dir).Msg("failed to mirror agent event")
	}
}

// WriteDigest stores the session digest. Called once per attempt; the
// file accumulates a JSON array across attempts.
func (m *Mirror) WriteDigest(result *Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.dir, "opencode_api_messages.json")

	var digests []*Result
	if data, err := os.ReadFile(path); err == nil {
		// Best effort: a corrupt digest file starts over.
		_ = json.Unmarshal(data, &digests)
	}
	digests = append(digests, result)

	data, err := json.MarshalIndent(digests, "", "  ")
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal session digest")
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Warn().Err(err).Str("dir", m.dir).Msg("failed to write session digest")
	}
}

// Close closes the event transcript file.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events.Close()
}
