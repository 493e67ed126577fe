package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDoSucceedsFirstTry tests that a healthy op runs exactly once
func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), Policy{Retries: 3, Delay: time.Millisecond},
		func(ctx context.Context) (string, error) {
			calls++
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 1, calls)
}

// TestDoRecoversAfterFailures tests that transient errors are retried
func TestDoRecoversAfterFailures(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), Policy{Retries: 3, Delay: time.Millisecond},
		func(ctx context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("flaky")
			}
			return 42, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

// TestDoExhaustsBudget tests 1 initial + 3 retries with a constant delay
func TestDoExhaustsBudget(t *testing.T) {
	sentinel := errors.New("always down")
	delay := 20 * time.Millisecond

	var stamps []time.Time
	_, err := Do(context.Background(), Policy{Retries: 3, Delay: delay},
		func(ctx context.Context) (struct{}, error) {
			stamps = append(stamps, time.Now())
			return struct{}{}, sentinel
		})

	require.Error(t, err)
	assert.Same(t, sentinel, err, "last error must propagate unchanged")
	require.Len(t, stamps, 4)

	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.GreaterOrEqual(t, gap, delay, "attempt %d came too early", i)
		assert.Less(t, gap, 10*delay, "attempt %d delay grew", i)
	}
}

// TestDoZeroRetries tests a policy without retries
func TestDoZeroRetries(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{Retries: 0, Delay: time.Hour},
		func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("boom")
		})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

// TestDoStopsOnContextCancel tests that a cancelled context ends the wait
func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, Policy{Retries: 3, Delay: time.Hour},
			func(ctx context.Context) (int, error) {
				calls++
				return 0, errors.New("down")
			})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancel")
	}
	assert.Equal(t, 1, calls)
}

func TestPolicyAttempts(t *testing.T) {
	assert.Equal(t, 4, DefaultPolicy().Attempts())
	assert.Equal(t, 1, Policy{Retries: -1}.Attempts())
	assert.Equal(t, DefaultDelay, DefaultPolicy().Delay)
}
