package reliability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsrgraph/qsrgraph/common"
)

func failingCall() (interface{}, error) { return nil, errors.New("connection refused") }

func TestBreaker_OpensAfterExactlyThresholdFailures(t *testing.T) {
	b := NewBreaker("graph", 3, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := b.Call(failingCall)
		require.Error(t, err)
		assert.Equal(t, BreakerClosed, b.State(), "breaker must stay closed before threshold")
	}

	_, err := b.Call(failingCall)
	require.Error(t, err)
	assert.Equal(t, BreakerOpen, b.State(), "breaker must open on the threshold-th failure")
}

func TestBreaker_FailsFastWhenOpen(t *testing.T) {
	b := NewBreaker("graph", 1, time.Minute)
	_, _ = b.Call(failingCall)
	require.Equal(t, BreakerOpen, b.State())

	called := false
	_, err := b.Call(func() (interface{}, error) {
		called = true
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, common.KindCircuitOpen, common.KindOf(err))
	assert.False(t, called, "open breaker must not invoke the protected call")

	m := b.Metrics()
	require.NotNil(t, m.OpenedAt)
	assert.Equal(t, BreakerOpen, m.State)
}

func TestBreaker_HalfOpenProbeClosesOnSuccess(t *testing.T) {
	b := NewBreaker("graph", 1, 20*time.Millisecond)
	_, _ = b.Call(failingCall)
	require.Equal(t, BreakerOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, BreakerHalfOpen, b.State())

	result, err := b.Call(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, BreakerClosed, b.State())
	assert.Nil(t, b.Metrics().OpenedAt)
}

func TestBreaker_HalfOpenProbeReopensOnFailure(t *testing.T) {
	b := NewBreaker("graph", 1, 20*time.Millisecond)
	_, _ = b.Call(failingCall)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, BreakerHalfOpen, b.State())

	_, err := b.Call(failingCall)
	require.Error(t, err)
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := NewBreaker("graph", 3, time.Minute)
	_, _ = b.Call(failingCall)
	_, _ = b.Call(failingCall)
	_, err := b.Call(func() (interface{}, error) { return nil, nil })
	require.NoError(t, err)

	// Two more failures are not enough after the success reset the streak.
	_, _ = b.Call(failingCall)
	_, _ = b.Call(failingCall)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker("graph", 1, time.Hour)
	_, _ = b.Call(failingCall)
	require.Equal(t, BreakerOpen, b.State())

	b.Reset()
	assert.Equal(t, BreakerClosed, b.State())
	_, err := b.Call(func() (interface{}, error) { return nil, nil })
	assert.NoError(t, err)
}

func TestBreaker_OpenFor(t *testing.T) {
	b := NewBreaker("graph", 1, time.Hour)
	assert.Zero(t, b.OpenFor())
	_, _ = b.Call(failingCall)
	assert.Greater(t, b.OpenFor(), time.Duration(0))
}
