package timer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff_ExponentialUpToMax(t *testing.T) {
	retry := 30 * time.Second
	max := time.Hour

	require.Equal(t, 30*time.Second, backoff(retry, max, 1))
	require.Equal(t, 60*time.Second, backoff(retry, max, 2))
	require.Equal(t, 120*time.Second, backoff(retry, max, 3))
}

func TestBackoff_CapsAtMax(t *testing.T) {
	retry := 30 * time.Second
	max := 100 * time.Second

	require.Equal(t, max, backoff(retry, max, 10))
}

func TestTimer_DeferredErrorOverridesWithoutCountingFailure(t *testing.T) {
	tm := New(Config{BaseFrequency: time.Hour, RetryFrequency: time.Second, MaxRetryFrequency: time.Minute}, nil, nil)

	next := tm.nextInterval(&DeferredError{NextFrequency: 7 * time.Second})
	require.Equal(t, 7*time.Second, next)
	require.Equal(t, 0, tm.failures)
}

func TestTimer_SuccessResetsFailureCount(t *testing.T) {
	tm := New(Config{BaseFrequency: time.Hour}, nil, nil)
	tm.failures = 3

	tm.nextInterval(nil)
	require.Equal(t, 0, tm.failures)
}

func TestTimer_FailureIncrementsAndBacksOff(t *testing.T) {
	tm := New(Config{RetryFrequency: 30 * time.Second, MaxRetryFrequency: time.Hour}, nil, nil)

	next := tm.nextInterval(errors.New("boom"))
	require.Equal(t, 30*time.Second, next)
	require.Equal(t, 1, tm.failures)

	next = tm.nextInterval(errors.New("boom again"))
	require.Equal(t, 60*time.Second, next)
	require.Equal(t, 2, tm.failures)
}

func TestTimer_CancelIsIdempotent(t *testing.T) {
	fired := make(chan struct{}, 1)
	tm := New(Config{BaseFrequency: 10 * time.Millisecond}, func() error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}, nil)

	tm.Start()
	<-fired

	require.NotPanics(t, func() {
		tm.Cancel()
		tm.Cancel()
	})
}
