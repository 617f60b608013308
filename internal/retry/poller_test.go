package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

type pollResult[T any] struct {
	val     T
	err     error
	elapsed time.Duration
}

// runWithFakeClock runs PollUntilSuccess against a fake clock, stepping it by delay whenever
// the poller is parked on a timer, and returns once the poll settles.
func runWithFakeClock[T any](t *testing.T, probe Probe[T], budget time.Duration, maxAttempts int, opts ...Option) pollResult[T] {
	t.Helper()
	fc := testingclock.NewFakeClock(time.Unix(0, 0))
	start := fc.Now()
	delay := Delay(budget, maxAttempts)

	done := make(chan pollResult[T], 1)
	go func() {
		v, err := PollUntilSuccess(context.Background(), probe, budget, maxAttempts, append(opts, WithClock(fc))...)
		done <- pollResult[T]{val: v, err: err, elapsed: fc.Since(start)}
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-done:
			return r
		case <-deadline:
			t.Fatalf("poll did not settle")
		default:
		}
		if fc.HasWaiters() {
			fc.Step(delay)
			continue
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPollAlwaysFailingInvokesExactlyMaxAttempts(t *testing.T) {
	for _, n := range []int{1, 2, 3, 10} {
		t.Run(fmt.Sprintf("max=%d", n), func(t *testing.T) {
			var calls atomic.Int32
			errs := make([]error, n)
			for i := range errs {
				errs[i] = fmt.Errorf("attempt %d failed", i+1)
			}
			probe := func(ctx context.Context) (int, error) {
				c := calls.Add(1)
				return 0, errs[c-1]
			}
			r := runWithFakeClock(t, probe, time.Duration(n)*100*time.Millisecond, n)
			require.Error(t, r.err)
			assert.Equal(t, int32(n), calls.Load())
			assert.Same(t, errs[n-1], r.err, "last error must be returned verbatim")
			assert.Equal(t, time.Duration(n)*100*time.Millisecond, r.elapsed)
		})
	}
}

func TestPollSucceedsOnKthAttempt(t *testing.T) {
	const n = 5
	for k := 1; k <= n; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			var calls atomic.Int32
			probe := func(ctx context.Context) (string, error) {
				c := int(calls.Add(1))
				if c < k {
					return "", errors.New("not yet")
				}
				return fmt.Sprintf("result-%d", c), nil
			}
			r := runWithFakeClock(t, probe, 500*time.Millisecond, n)
			require.NoError(t, r.err)
			assert.Equal(t, fmt.Sprintf("result-%d", k), r.val)
			assert.Equal(t, int32(k), calls.Load())
		})
	}
}

func TestPollScenarioFifthAttemptAt1500ms(t *testing.T) {
	var calls atomic.Int32
	probe := func(ctx context.Context) (int, error) {
		c := int(calls.Add(1))
		if c <= 4 {
			return 0, errors.New("connection refused")
		}
		return c, nil
	}
	r := runWithFakeClock(t, probe, 3000*time.Millisecond, 10)
	require.NoError(t, r.err)
	assert.Equal(t, 5, r.val)
	assert.Equal(t, 1500*time.Millisecond, r.elapsed)
	assert.Equal(t, 300*time.Millisecond, Delay(3000*time.Millisecond, 10))
}

func TestPollFirstAttemptWaitsOneDelay(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Unix(0, 0))
	var calls atomic.Int32
	probe := func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 1, nil
	}
	done := make(chan error, 1)
	go func() {
		_, err := PollUntilSuccess(context.Background(), probe, time.Second, 4, WithClock(fc))
		done <- err
	}()

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), calls.Load(), "probe must not run before the first delay")

	fc.Step(249 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	fc.Step(time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poll did not finish")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestPollPermanentErrorStopsImmediately(t *testing.T) {
	fatal := errors.New("server status is \"failed\"")
	var calls atomic.Int32
	probe := func(ctx context.Context) (int, error) {
		if calls.Add(1) == 2 {
			return 0, Permanent(fatal)
		}
		return 0, errors.New("transient")
	}
	r := runWithFakeClock(t, probe, time.Second, 10)
	assert.Same(t, fatal, r.err)
	assert.False(t, IsPermanent(r.err), "the marker is stripped before returning")
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 200*time.Millisecond, r.elapsed)
}

func TestPollInvalidBudget(t *testing.T) {
	probe := func(ctx context.Context) (int, error) {
		t.Fatal("probe must not be called")
		return 0, nil
	}
	_, err := PollUntilSuccess(context.Background(), probe, time.Second, 0)
	assert.ErrorIs(t, err, ErrInvalidBudget)
	_, err = PollUntilSuccess(context.Background(), probe, -time.Second, 3)
	assert.ErrorIs(t, err, ErrInvalidBudget)
}

func TestPollCancelledContextStopsWaiting(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transient := errors.New("503 Service Unavailable")
	var calls atomic.Int32
	probe := func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 0, transient
	}
	done := make(chan error, 1)
	go func() {
		_, err := PollUntilSuccess(ctx, probe, time.Second, 10, WithClock(fc))
		done <- err
	}()

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	fc.Step(100 * time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() == 1 && fc.HasWaiters() }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, transient)
	case <-time.After(time.Second):
		t.Fatal("poll ignored cancellation")
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, fc.HasWaiters(), "pending timer must be stopped")
}

func TestPollAttemptHook(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	var failures int
	hook := func(attempt int, err error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, attempt)
		if err != nil {
			failures++
		}
	}
	var calls atomic.Int32
	probe := func(ctx context.Context) (bool, error) {
		if calls.Add(1) < 3 {
			return false, errors.New("no")
		}
		return true, nil
	}
	r := runWithFakeClock(t, probe, 600*time.Millisecond, 6, WithAttemptHook(hook), WithName("hooked"))
	require.NoError(t, r.err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, 2, failures)
}

func TestPollConcurrentSequencesAreIndependent(t *testing.T) {
	var wg sync.WaitGroup
	results := make([]int, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var calls int
			probe := func(ctx context.Context) (int, error) {
				calls++
				if calls < i%3+1 {
					return 0, errors.New("retry")
				}
				return i, nil
			}
			results[i], errs[i] = PollUntilSuccess(context.Background(), probe, 30*time.Millisecond, 3)
		}(i)
	}
	wg.Wait()
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, i, results[i])
	}
}
