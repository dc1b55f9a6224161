package alertstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slips", "defender_alerts.ndjson")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	var offsets []int64
	for i := 0; i < 5; i++ {
		off, err := s.Persist(Envelope{Raw: fmt.Sprintf("alert %d", i), RunID: "run_test", TS: time.Now()})
		require.NoError(t, err)
		offsets = append(offsets, off)
	}

	// Offsets are strictly increasing, first at zero.
	assert.Equal(t, int64(0), offsets[0])
	for i := 1; i < len(offsets); i++ {
		assert.Greater(t, offsets[i], offsets[i-1])
	}

	got, err := s.LatestN(5)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, env := range got {
		assert.Equal(t, fmt.Sprintf("alert %d", i), env.Raw)
		assert.Equal(t, "run_test", env.RunID)
	}
}

func TestLatestNLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.ndjson")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 10; i++ {
		_, err := s.Persist(Envelope{Raw: fmt.Sprintf("alert %d", i), TS: time.Now()})
		require.NoError(t, err)
	}

	got, err := s.LatestN(3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "alert 7", got[0].Raw)
	assert.Equal(t, "alert 9", got[2].Raw)
}

func TestStreamSeesNewAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.ndjson")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Persist(Envelope{Raw: "before stream", TS: time.Now()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := s.Stream(ctx, 0, 10*time.Millisecond)
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "before stream", first.Raw)

	_, err = s.Persist(Envelope{Raw: "after stream", TS: time.Now()})
	require.NoError(t, err)

	select {
	case second := <-ch:
		assert.Equal(t, "after stream", second.Raw)
	case <-ctx.Done():
		t.Fatal("stream never delivered the new append")
	}
}

func TestStreamSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alerts.ndjson")
	require.NoError(t, os.WriteFile(path, []byte("not json\n{\"raw\":\"good\",\"run_id\":\"r\"}\n"), 0o644))

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := s.Stream(ctx, 0, 10*time.Millisecond)
	require.NoError(t, err)

	env := <-ch
	assert.Equal(t, "good", env.Raw)
}

func TestSecondWriterRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.ndjson")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(path)
	assert.Error(t, err)
}
