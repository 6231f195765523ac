package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	mu    sync.Mutex
	calls []Options
	err   error
}

func (c *countingRunner) Run(ctx context.Context, opts Options) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, opts)
	return Report{}, c.err
}

func (c *countingRunner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestNewSchedulerDisabled(t *testing.T) {
	require.Nil(t, NewScheduler(&countingRunner{}, 0, zerolog.Nop()))
	require.Nil(t, NewScheduler(&countingRunner{}, -time.Minute, zerolog.Nop()))
}

func TestLookbackFor(t *testing.T) {
	require.Equal(t, 24, lookbackFor(time.Minute))
	require.Equal(t, 24, lookbackFor(6*time.Hour))
	require.Equal(t, 48, lookbackFor(24*time.Hour))
	require.Equal(t, 25, lookbackFor(12*time.Hour+30*time.Minute))
	require.Equal(t, MaxLookbackHours, lookbackFor(30*24*time.Hour))
}

func TestSchedulerTicksUntilCancelled(t *testing.T) {
	runner := &countingRunner{err: ErrInProgress}
	s := NewScheduler(runner, 10*time.Millisecond, zerolog.Nop())
	require.NotNil(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runner.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Equal(t, TriggerScheduled, runner.calls[0].Trigger)
	require.Equal(t, DefaultLookbackHours, runner.calls[0].LookbackHours)
}
