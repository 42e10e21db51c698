package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestJitterSample(t *testing.T) {
	t.Run("StaysWithinWindow", func(t *testing.T) {
		j := Jitter{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond}
		for i := 0; i < 500; i++ {
			d := j.Sample()
			assert.GreaterOrEqual(t, d, j.Min)
			assert.LessOrEqual(t, d, j.Max)
		}
	})

	t.Run("ReversedWindow", func(t *testing.T) {
		j := Jitter{Min: 20 * time.Millisecond, Max: 10 * time.Millisecond}
		for i := 0; i < 100; i++ {
			d := j.Sample()
			assert.GreaterOrEqual(t, d, 10*time.Millisecond)
			assert.LessOrEqual(t, d, 20*time.Millisecond)
		}
	})

	t.Run("Fixed", func(t *testing.T) {
		assert.Equal(t, 5*time.Millisecond, Fixed(5*time.Millisecond).Sample())
		assert.Equal(t, time.Duration(0), Jitter{}.Sample())
	})

	t.Run("NegativeClamped", func(t *testing.T) {
		assert.Equal(t, time.Duration(0), Jitter{Min: -time.Second, Max: -time.Millisecond}.Sample())
	})
}

func TestSleep(t *testing.T) {
	t.Run("Completes", func(t *testing.T) {
		require.NoError(t, Sleep(context.Background(), Fixed(time.Millisecond)))
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		err := Sleep(ctx, Fixed(time.Hour))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestDo(t *testing.T) {
	quick := Jitter{Min: time.Millisecond, Max: 2 * time.Millisecond}

	t.Run("SucceedsFirstTry", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), Policy{Attempts: 3, Delay: quick}, func(ctx context.Context, attempt int) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("RetriesUntilSuccess", func(t *testing.T) {
		var seen []int
		err := Do(context.Background(), Policy{Attempts: 5, Delay: quick}, func(ctx context.Context, attempt int) error {
			seen = append(seen, attempt)
			if attempt < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3}, seen)
	})

	t.Run("ExhaustsAttempts", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		notified := 0
		err := Do(context.Background(), Policy{
			Attempts: 4,
			Delay:    quick,
			Notify:   func(error, time.Duration) { notified++ },
		}, func(ctx context.Context, attempt int) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 4, calls)
		assert.Equal(t, 3, notified)
	})

	t.Run("ZeroAttemptsRunsOnce", func(t *testing.T) {
		calls := 0
		_ = Do(context.Background(), Policy{}, func(ctx context.Context, attempt int) error {
			calls++
			return errors.New("x")
		})
		assert.Equal(t, 1, calls)
	})

	t.Run("PermanentStops", func(t *testing.T) {
		calls := 0
		fatal := errors.New("fatal")
		err := Do(context.Background(), Policy{Attempts: 5, Delay: quick}, func(ctx context.Context, attempt int) error {
			calls++
			return Permanent(fatal)
		})
		assert.ErrorIs(t, err, fatal)
		assert.Equal(t, 1, calls)
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Do(ctx, Policy{Attempts: 10, Delay: Fixed(time.Hour)}, func(ctx context.Context, attempt int) error {
			calls++
			cancel()
			return errors.New("retry me")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestPoll(t *testing.T) {
	quick := Jitter{Min: time.Millisecond, Max: 3 * time.Millisecond}

	t.Run("BecomesTrue", func(t *testing.T) {
		n := 0
		ok := Poll(context.Background(), time.Second, quick, func(ctx context.Context) bool {
			n++
			return n >= 3
		})
		assert.True(t, ok)
		assert.Equal(t, 3, n)
	})

	t.Run("TimesOutNearDeadline", func(t *testing.T) {
		start := time.Now()
		ok := Poll(context.Background(), 50*time.Millisecond, quick, func(ctx context.Context) bool {
			return false
		})
		elapsed := time.Since(start)
		assert.False(t, ok)
		assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
		assert.Less(t, elapsed, 500*time.Millisecond)
	})

	t.Run("ConditionSeesDeadline", func(t *testing.T) {
		Poll(context.Background(), 20*time.Millisecond, quick, func(ctx context.Context) bool {
			_, ok := ctx.Deadline()
			assert.True(t, ok)
			return true
		})
	})

	t.Run("LongIntervalDoesNotOverrun", func(t *testing.T) {
		start := time.Now()
		ok := Poll(context.Background(), 30*time.Millisecond, Fixed(time.Hour), func(ctx context.Context) bool {
			return false
		})
		assert.False(t, ok)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})
}
