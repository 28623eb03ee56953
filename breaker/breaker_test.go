package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/blinklabs-io/boa/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestBreaker(clock *fakeClock) *Breaker {
	return New(DefaultConfig(), WithClock(clock.now))
}

func failOp() error {
	return retry.NewError(retry.KindTransportTimeout, errors.New("timeout"))
}

func okOp() error {
	return nil
}

func TestOpensAfterFailureBurst(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock)

	for range 5 {
		err := b.Guard("chat:9", failOp)
		require.Error(t, err)
		assert.NotEqual(t, retry.KindCircuitBlocked, retry.Classify(err))
	}
	assert.Equal(t, StateOpen, b.State("chat:9"))

	// Subsequent calls fail fast with CircuitBlocked and a retry hint
	err := b.Guard("chat:9", okOp)
	require.Error(t, err)
	assert.Equal(t, retry.KindCircuitBlocked, retry.Classify(err))
	assert.Greater(t, retry.RetryAfterHint(err), time.Duration(0))
}

func TestNonRetryableDoesNotOpen(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock)

	for range 20 {
		_ = b.Guard("chat:1", func() error {
			return retry.NewError(
				retry.KindHTTPClientError,
				errors.New("bad request"),
			)
		})
	}
	assert.Equal(t, StateClosed, b.State("chat:1"))
}

func TestHalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock)

	for range 5 {
		_ = b.Guard("chat:9", failOp)
	}
	require.Equal(t, StateOpen, b.State("chat:9"))

	// After the open timeout the next call is admitted as a probe
	clock.advance(31 * time.Second)
	require.NoError(t, b.Guard("chat:9", okOp))
	assert.Equal(t, StateHalfOpen, b.State("chat:9"))

	// Second consecutive probe success closes the circuit
	require.NoError(t, b.Guard("chat:9", okOp))
	assert.Equal(t, StateClosed, b.State("chat:9"))
}

func TestHalfOpenProbeFailureReopensWithDoubledTimeout(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock)

	for range 5 {
		_ = b.Guard("chat:9", failOp)
	}
	clock.advance(31 * time.Second)
	require.Error(t, b.Guard("chat:9", failOp))
	require.Equal(t, StateOpen, b.State("chat:9"))

	// The original 30s timeout is no longer enough
	clock.advance(31 * time.Second)
	err := b.Guard("chat:9", okOp)
	require.Error(t, err)
	assert.Equal(t, retry.KindCircuitBlocked, retry.Classify(err))

	// After the doubled timeout the probe is admitted again
	clock.advance(30 * time.Second)
	require.NoError(t, b.Guard("chat:9", okOp))
	assert.Equal(t, StateHalfOpen, b.State("chat:9"))
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock)

	for range 5 {
		_ = b.Guard("chat:9", failOp)
	}
	clock.advance(31 * time.Second)

	// First probe holds the only slot; a concurrent call fails fast
	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Guard("chat:9", func() error {
			close(probeStarted)
			<-probeRelease
			return nil
		})
	}()
	<-probeStarted

	err := b.Guard("chat:9", okOp)
	require.Error(t, err)
	assert.Equal(t, retry.KindCircuitBlocked, retry.Classify(err))

	close(probeRelease)
	require.NoError(t, <-probeDone)
}

func TestWindowExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock)

	// Failures spread beyond the window never accumulate enough
	for range 4 {
		_ = b.Guard("chat:2", failOp)
	}
	clock.advance(61 * time.Second)
	for range 4 {
		_ = b.Guard("chat:2", failOp)
	}
	assert.Equal(t, StateClosed, b.State("chat:2"))
}

func TestStateChangeCallback(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	var transitions []string
	b := New(
		DefaultConfig(),
		WithClock(clock.now),
		WithStateChangeFunc(func(name string, from, to State) {
			transitions = append(
				transitions,
				name+":"+from.String()+"->"+to.String(),
			)
		}),
	)
	for range 5 {
		_ = b.Guard("chat:9", failOp)
	}
	require.Equal(t, []string{"chat:9:closed->open"}, transitions)
}
