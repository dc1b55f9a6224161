package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "executions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func record(execID, status string, attempt int) Record {
	now := time.Now()
	return Record{
		ExecutionID: execID,
		Fingerprint: "fp-" + execID,
		HostIP:      "10.0.0.5",
		Attempt:     attempt,
		Status:      status,
		StartedAt:   now.Add(-time.Minute),
		FinishedAt:  now,
		DurationMS:  60000,
		TokensIn:    100,
		TokensOut:   50,
		Cost:        0.01,
		SessionID:   "ses_" + execID,
	}
}

func TestInsertAndList(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Insert(ctx, record("aaaa1111", "timeout", 1)))
	require.NoError(t, l.Insert(ctx, record("aaaa1111", "success", 2)))
	require.NoError(t, l.Insert(ctx, record("bbbb2222", "failure", 1)))

	got, err := l.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Newest first.
	assert.Equal(t, "bbbb2222", got[0].ExecutionID)
	assert.Equal(t, "success", got[1].Status)
	assert.Equal(t, 2, got[1].Attempt)
	assert.Equal(t, "ses_aaaa1111", got[1].SessionID)
}

func TestListLimit(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Insert(ctx, record("cccc3333", "success", i+1)))
	}

	got, err := l.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestCountByStatus(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Insert(ctx, record("a", "success", 1)))
	require.NoError(t, l.Insert(ctx, record("b", "success", 1)))
	require.NoError(t, l.Insert(ctx, record("c", "timeout", 1)))

	counts, err := l.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["success"])
	assert.Equal(t, 1, counts["timeout"])
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executions.db")

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Insert(context.Background(), record("dddd4444", "success", 1)))
	require.NoError(t, l.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "dddd4444", got[0].ExecutionID)
}
