package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, Delays: []time.Duration{time.Millisecond}}, nil,
		func(ctx context.Context, attempt int) error {
			calls++
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUpToMax(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, Delays: []time.Duration{time.Millisecond}}, nil,
		func(ctx context.Context, attempt int) error {
			calls++
			assert.Equal(t, calls, attempt)
			return boom
		})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, Delays: []time.Duration{time.Millisecond}},
		func(err error) bool { return false },
		func(ctx context.Context, attempt int) error {
			calls++
			return fatal
		})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursContextDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, Policy{MaxAttempts: 3, Delays: []time.Duration{time.Hour}}, nil,
		func(ctx context.Context, attempt int) error {
			calls++
			return errors.New("transient")
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDelaySchedule(t *testing.T) {
	p := PlannerPolicy()
	assert.Equal(t, 1*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 16*time.Second, p.Delay(3))
	assert.Equal(t, 16*time.Second, p.Delay(9))

	e := ExecutorPolicy(3)
	assert.Equal(t, 10*time.Second, e.Delay(1))
	assert.Equal(t, 20*time.Second, e.Delay(2))
	assert.Equal(t, 30*time.Second, e.Delay(3))
}
