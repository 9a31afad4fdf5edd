package sink

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/analytics/config"
	"github.com/kb-labs/analytics/internal/errs"
	"github.com/kb-labs/analytics/internal/testutil"
)

func testBreaker(t *testing.T, failures int, halfOpenEveryMs int64) *breaker {
	t.Helper()
	return newBreaker("test", &config.BreakerConfig{
		Failures:        failures,
		WindowMs:        60_000,
		HalfOpenEveryMs: halfOpenEveryMs,
	}, testutil.TestLogger())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := testBreaker(t, 3, 30_000)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		assert.Equal(t, "closed", b.State())
		err := b.Execute(func() error { return boom })
		require.ErrorIs(t, err, boom)
	}

	assert.Equal(t, "open", b.State())
	assert.False(t, b.LastFailureTime().IsZero())
	assert.True(t, b.Open())
}

func TestBreaker_OpenFailsFastWithoutTransport(t *testing.T) {
	b := testBreaker(t, 1, 30_000)
	require.Error(t, b.Execute(func() error { return errors.New("boom") }))
	require.Equal(t, "open", b.State())

	called := false
	err := b.Execute(func() error { called = true; return nil })
	require.Error(t, err)
	assert.True(t, errs.IsCircuitBreakerOpen(err))
	assert.False(t, called, "open breaker must not touch the transport")
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b := testBreaker(t, 2, 30_000)
	boom := errors.New("boom")

	require.Error(t, b.Execute(func() error { return boom }))
	require.NoError(t, b.Execute(func() error { return nil }))
	require.Error(t, b.Execute(func() error { return boom }))

	assert.Equal(t, "closed", b.State(), "streak was broken by the success")
}

func TestBreaker_HalfOpenProbeClosesOnSuccess(t *testing.T) {
	b := testBreaker(t, 1, 20)
	require.Error(t, b.Execute(func() error { return errors.New("boom") }))
	require.Equal(t, "open", b.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, "half-open", b.State())
	assert.Equal(t, int64(1), b.HalfOpenAttempts())

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_HalfOpenProbeReopensOnFailure(t *testing.T) {
	b := testBreaker(t, 1, 20)
	require.Error(t, b.Execute(func() error { return errors.New("boom") }))

	time.Sleep(30 * time.Millisecond)
	require.Error(t, b.Execute(func() error { return errors.New("still down") }))
	assert.Equal(t, "open", b.State())
}
