package executor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argosec/defender/internal/errkind"
	"github.com/argosec/defender/internal/journal"
	"github.com/argosec/defender/internal/opencode"
	"github.com/argosec/defender/internal/planner"
	"github.com/argosec/defender/internal/retry"
)

// fakeAgentClient scripts one outcome per attempt.
type fakeAgentClient struct {
	host    string
	onEvent func(ev opencode.Event, raw []byte)
	script  *fakeScript
}

type fakeScript struct {
	mu       sync.Mutex
	attempts int
	aborts   int
	outcome  func(attempt int) (*opencode.Result, error)
}

func (s *fakeScript) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *fakeScript) abortCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborts
}

func (c *fakeAgentClient) CreateSession(ctx context.Context) (string, error) {
	return "ses_fake", nil
}

func (c *fakeAgentClient) Submit(ctx context.Context, sessionID, text string) error {
	return nil
}

func (c *fakeAgentClient) WaitForCompletion(ctx context.Context, sessionID string, timeout time.Duration) (*opencode.Result, error) {
	c.script.mu.Lock()
	c.script.attempts++
	attempt := c.script.attempts
	c.script.mu.Unlock()

	if c.onEvent != nil {
		raw := []byte(`{"type":"tool","tool":"bash","state":{"status":"completed"}}`)
		c.onEvent(opencode.Event{Type: "tool", Tool: "bash", State: &opencode.ToolState{Status: "completed"}}, raw)
	}
	return c.script.outcome(attempt)
}

func (c *fakeAgentClient) Abort(ctx context.Context, sessionID string) error {
	c.script.mu.Lock()
	c.script.aborts++
	c.script.mu.Unlock()
	return nil
}

func newTestPool(t *testing.T, script *fakeScript) (*Pool, func() []journal.Entry) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "timeline.jsonl")
	jw, err := journal.Open(path)
	require.NoError(t, err)

	p := New(Config{Concurrency: 4, MaxAttempts: 3, AttemptTimeout: time.Second}, jw, nil)
	p.policy = retry.Policy{MaxAttempts: 3, Delays: []time.Duration{time.Millisecond}}
	p.newClient = func(hostIP string, onEvent func(ev opencode.Event, raw []byte)) AgentClient {
		return &fakeAgentClient{host: hostIP, onEvent: onEvent, script: script}
	}

	entries := func() []journal.Entry {
		p.Stop()
		jw.Close()
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var out []journal.Entry
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if line == "" {
				continue
			}
			var e journal.Entry
			require.NoError(t, json.Unmarshal([]byte(line), &e))
			out = append(out, e)
		}
		return out
	}
	return p, entries
}

func plan(fp, host string) planner.Plan {
	return planner.Plan{Fingerprint: fp, ExecutorHostIP: host, PlanText: "block the scanner"}
}

func levels(entries []journal.Entry, level journal.Level) []journal.Entry {
	var out []journal.Entry
	for _, e := range entries {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

func TestExecuteSuccessFirstAttempt(t *testing.T) {
	script := &fakeScript{outcome: func(attempt int) (*opencode.Result, error) {
		return &opencode.Result{SessionID: "ses_fake", Finish: "stop", TokensIn: 10, TokensOut: 5}, nil
	}}
	p, drain := newTestPool(t, script)

	results := p.Execute(context.Background(), []planner.Plan{plan("fp-1", "10.0.0.5")})
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.AttemptsUsed)
	assert.Equal(t, "10.0.0.5", res.HostIP)
	require.NotNil(t, res.Digest)
	assert.Equal(t, 10, res.Digest.TokensIn)

	entries := drain()
	require.Len(t, levels(entries, journal.LevelSSH), 1)
	require.Len(t, levels(entries, journal.LevelExec), 1)
	done := levels(entries, journal.LevelDone)
	require.Len(t, done, 1)
	assert.Equal(t, "success", done[0].Data["status"])
	assert.Equal(t, float64(1), done[0].Data["attempts_used"])
	assert.Len(t, done[0].Alert, 8)
	assert.Len(t, done[0].Exec, 8)
}

func TestExecuteRetriesConnectError(t *testing.T) {
	script := &fakeScript{outcome: func(attempt int) (*opencode.Result, error) {
		if attempt == 1 {
			return nil, errkind.New(errkind.KindExecConnect, "wait", errors.New("connection refused"))
		}
		return &opencode.Result{Finish: "stop"}, nil
	}}
	p, drain := newTestPool(t, script)

	results := p.Execute(context.Background(), []planner.Plan{plan("fp-2", "10.0.0.6")})
	require.Len(t, results, 1)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, 2, results[0].AttemptsUsed)

	entries := drain()
	// One SSH per attempt, one DONE total.
	assert.Len(t, levels(entries, journal.LevelSSH), 2)
	assert.Len(t, levels(entries, journal.LevelDone), 1)
}

func TestExecuteTimeoutAbortsAndExhaustsRetries(t *testing.T) {
	script := &fakeScript{outcome: func(attempt int) (*opencode.Result, error) {
		return &opencode.Result{EventsSeen: 1},
			errkind.New(errkind.KindExecTimeout, "wait", context.DeadlineExceeded)
	}}
	p, drain := newTestPool(t, script)

	results := p.Execute(context.Background(), []planner.Plan{plan("fp-3", "10.0.0.7")})
	require.Len(t, results, 1)
	assert.Equal(t, StatusTimeout, results[0].Status)
	assert.Equal(t, 3, results[0].AttemptsUsed)
	assert.Equal(t, 3, script.attemptCount())
	assert.Equal(t, 3, script.abortCount())

	done := levels(drain(), journal.LevelDone)
	require.Len(t, done, 1)
	assert.Equal(t, "timeout", done[0].Data["status"])
}

func TestExecuteNonRetryableFailureStops(t *testing.T) {
	script := &fakeScript{outcome: func(attempt int) (*opencode.Result, error) {
		return nil, errkind.New(errkind.KindExecFailure, "wait", errors.New("not found")).WithStatusCode(404)
	}}
	p, drain := newTestPool(t, script)

	results := p.Execute(context.Background(), []planner.Plan{plan("fp-4", "10.0.0.8")})
	require.Len(t, results, 1)
	assert.Equal(t, StatusFailure, results[0].Status)
	assert.Equal(t, 1, script.attemptCount())

	done := levels(drain(), journal.LevelDone)
	require.Len(t, done, 1)
	assert.Equal(t, "failure", done[0].Data["status"])
}

func TestExecuteAtMostOncePerFingerprintHost(t *testing.T) {
	script := &fakeScript{outcome: func(attempt int) (*opencode.Result, error) {
		return &opencode.Result{Finish: "stop"}, nil
	}}
	p, drain := newTestPool(t, script)

	first := p.Execute(context.Background(), []planner.Plan{plan("fp-5", "10.0.0.9")})
	require.Len(t, first, 1)

	// Same pair again: skipped, no second execution.
	second := p.Execute(context.Background(), []planner.Plan{plan("fp-5", "10.0.0.9")})
	assert.Empty(t, second)

	// Same fingerprint, different host still runs.
	third := p.Execute(context.Background(), []planner.Plan{plan("fp-5", "10.0.0.10")})
	require.Len(t, third, 1)

	assert.Len(t, levels(drain(), journal.LevelDone), 2)
}

func TestExecuteFanOut(t *testing.T) {
	var inFlight, peak atomic.Int32
	script := &fakeScript{outcome: func(attempt int) (*opencode.Result, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return &opencode.Result{Finish: "stop"}, nil
	}}
	p, drain := newTestPool(t, script)

	plans := []planner.Plan{
		plan("fp-6", "10.0.1.1"),
		plan("fp-6", "10.0.1.2"),
		plan("fp-6", "10.0.1.3"),
	}
	results := p.Execute(context.Background(), plans)
	require.Len(t, results, 3)
	for _, res := range results {
		assert.Equal(t, StatusSuccess, res.Status)
	}
	assert.Greater(t, peak.Load(), int32(1), "plans should run in parallel")

	assert.Len(t, levels(drain(), journal.LevelDone), 3)
}

func TestExecutionIDStable(t *testing.T) {
	a := ExecutionID("fp", "10.0.0.1")
	b := ExecutionID("fp", "10.0.0.1")
	c := ExecutionID("fp", "10.0.0.2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"nil", nil, StatusSuccess},
		{"timeout", errkind.New(errkind.KindExecTimeout, "op", errors.New("x")), StatusTimeout},
		{"connect", errkind.New(errkind.KindExecConnect, "op", errors.New("x")), StatusConnectError},
		{"failure", errkind.New(errkind.KindExecFailure, "op", errors.New("x")), StatusFailure},
		{"plain", errors.New("x"), StatusFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFromError(tt.err))
		})
	}
}
