package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponential_RespectsBounds(t *testing.T) {
	p := NewExponential(10*time.Millisecond, 100*time.Millisecond, 0)
	for i := 0; i < 20; i++ {
		d, err := p.NextInterval(i)
		require.NoError(t, err)
		require.GreaterOrEqual(t, d, 10*time.Millisecond)
		require.LessOrEqual(t, d, 100*time.Millisecond)
	}
}

func TestExponential_MaxRetries(t *testing.T) {
	p := NewExponential(time.Millisecond, time.Second, 3)
	for i := 0; i < 3; i++ {
		_, err := p.NextInterval(i)
		require.NoError(t, err)
	}
	_, err := p.NextInterval(3)
	require.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestRetry_SucceedsEventually(t *testing.T) {
	p := Constant{Interval: time.Millisecond, MaxRetries: 5}
	calls := 0
	err := Retry(context.Background(), p, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAndReturnsLastError(t *testing.T) {
	p := Constant{Interval: time.Millisecond, MaxRetries: 2}
	wantErr := errors.New("permanent")
	err := Retry(context.Background(), p, func() error { return wantErr })
	require.ErrorIs(t, err, wantErr)
}

func TestRetry_ContextCanceled(t *testing.T) {
	p := Constant{Interval: time.Second, MaxRetries: 0}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, p, func() error { return errors.New("fail") })
	require.ErrorIs(t, err, ErrCanceled)
}
