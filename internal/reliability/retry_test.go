package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("second attempt stays within the jitter band", func(t *testing.T) {
		s := &ExponentialBackoff{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 5, Jitter: 0.2}
		for i := 0; i < 500; i++ {
			d := s.Backoff(2)
			assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
			assert.LessOrEqual(t, d, 2400*time.Millisecond)
		}
	})

	t.Run("never exceeds max delay", func(t *testing.T) {
		s := &ExponentialBackoff{BaseDelay: time.Second, MaxDelay: 5 * time.Second, MaxAttempts: 20, Jitter: 0.2}
		for attempt := 1; attempt <= 20; attempt++ {
			assert.LessOrEqual(t, s.Backoff(attempt), 5*time.Second)
		}
	})

	t.Run("doubles without jitter", func(t *testing.T) {
		s := &ExponentialBackoff{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute, MaxAttempts: 5}
		assert.Equal(t, 100*time.Millisecond, s.Backoff(1))
		assert.Equal(t, 200*time.Millisecond, s.Backoff(2))
		assert.Equal(t, 400*time.Millisecond, s.Backoff(3))
	})

	t.Run("retries transient errors until max attempts", func(t *testing.T) {
		s := &ExponentialBackoff{BaseDelay: time.Millisecond, MaxDelay: time.Second, MaxAttempts: 3}
		assert.True(t, s.ShouldRetry(1, errBoom))
		assert.True(t, s.ShouldRetry(2, Temporary(errBoom)))
		assert.False(t, s.ShouldRetry(3, errBoom))
	})

	t.Run("never retries permanent errors", func(t *testing.T) {
		s := &ExponentialBackoff{BaseDelay: time.Millisecond, MaxDelay: time.Second, MaxAttempts: 3}
		assert.False(t, s.ShouldRetry(1, Permanent(errBoom)))
	})
}

func TestLinearBackoff(t *testing.T) {
	s := &LinearBackoff{BaseDelay: time.Second, Increment: 500 * time.Millisecond, MaxDelay: 2 * time.Second, MaxAttempts: 5}

	assert.Equal(t, time.Second, s.Backoff(1))
	assert.Equal(t, 1500*time.Millisecond, s.Backoff(2))
	assert.Equal(t, 2*time.Second, s.Backoff(3))
	assert.Equal(t, 2*time.Second, s.Backoff(10))
	assert.False(t, s.ShouldRetry(1, Permanent(errBoom)))
	assert.True(t, s.ShouldRetry(4, errBoom))
	assert.False(t, s.ShouldRetry(5, errBoom))
}

func TestNoRetry(t *testing.T) {
	assert.False(t, NoRetry{}.ShouldRetry(0, Temporary(errBoom)))
	assert.Zero(t, NoRetry{}.Backoff(1))
}

func TestNewStrategy(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		want    Strategy
		wantErr bool
	}{
		{
			name:   "exponential with default jitter",
			policy: Policy{Kind: KindExponential, MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute},
			want:   &ExponentialBackoff{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 3, Jitter: DefaultJitter},
		},
		{
			name:   "exponential without jitter",
			policy: Policy{Kind: KindExponential, MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: -1},
			want:   &ExponentialBackoff{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 3},
		},
		{
			name:   "linear",
			policy: Policy{Kind: KindLinear, MaxAttempts: 2, BaseDelay: time.Second, Increment: time.Second, MaxDelay: time.Minute},
			want:   &LinearBackoff{BaseDelay: time.Second, Increment: time.Second, MaxDelay: time.Minute, MaxAttempts: 2},
		},
		{
			name:   "none ignores attempts",
			policy: Policy{Kind: KindNone},
			want:   NoRetry{},
		},
		{name: "unknown kind", policy: Policy{Kind: "fibonacci", MaxAttempts: 1}, wantErr: true},
		{name: "zero attempts", policy: Policy{Kind: KindLinear}, wantErr: true},
		{name: "jitter out of range", policy: Policy{Kind: KindExponential, MaxAttempts: 1, Jitter: 1.5}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStrategy(tt.policy)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPolicy)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s)
		})
	}
}

func TestRetry(t *testing.T) {
	fast := &LinearBackoff{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3}

	t.Run("returns nil once fn succeeds", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, func(context.Context) error {
			calls++
			if calls < 2 {
				return errBoom
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, func(context.Context) error {
			calls++
			return errBoom
		})
		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, 3, calls)
		assert.ErrorIs(t, err, errBoom)
	})

	t.Run("permanent errors stop immediately", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, func(context.Context) error {
			calls++
			return Permanent(errBoom)
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.True(t, IsPermanent(err))
	})

	t.Run("context cancellation interrupts the wait", func(t *testing.T) {
		slow := &LinearBackoff{BaseDelay: time.Hour, MaxDelay: time.Hour, MaxAttempts: 3}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := Retry(ctx, slow, func(context.Context) error { return errBoom })
		assert.Less(t, time.Since(start), time.Second)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.ErrorIs(t, err, errBoom)
	})
}

func TestClassification(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), Permanent(errBoom))

	assert.True(t, IsPermanent(Permanent(errBoom)))
	assert.True(t, IsPermanent(wrapped))
	assert.False(t, IsPermanent(errBoom))
	assert.True(t, IsTemporary(Temporary(errBoom)))
	assert.False(t, IsTemporary(Permanent(errBoom)))

	assert.True(t, IsRetryable(errBoom))
	assert.True(t, IsRetryable(Temporary(errBoom)))
	assert.False(t, IsRetryable(Permanent(errBoom)))
	assert.False(t, IsRetryable(&CircuitBreakerOpenError{}))
	assert.False(t, IsRetryable(nil))
	assert.Nil(t, Permanent(nil))
	assert.Nil(t, Temporary(nil))
}

func TestBackOffAdapter(t *testing.T) {
	b := NewBackOff(&LinearBackoff{BaseDelay: time.Millisecond, Increment: time.Millisecond, MaxDelay: time.Second, MaxAttempts: 3})

	assert.Equal(t, time.Millisecond, b.NextBackOff())
	assert.Equal(t, 2*time.Millisecond, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	assert.Equal(t, time.Millisecond, b.NextBackOff())

	t.Run("drives backoff.Retry", func(t *testing.T) {
		calls := 0
		_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
			calls++
			return struct{}{}, errBoom
		}, backoff.WithBackOff(NewBackOff(&LinearBackoff{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3})))
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 3, calls)
	})
}
