package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errQuery = errors.New("connection refused")

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func newTestBreaker(t *testing.T, transitions *[]State) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)}
	cb := New("warehouse", Config{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
		Logger:           zaptest.NewLogger(t),
		OnStateChange: func(name string, from, to State) {
			if transitions != nil {
				*transitions = append(*transitions, to)
			}
		},
	})
	cb.now = clock.now
	return cb, clock
}

func fail() error    { return errQuery }
func succeed() error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, fail), errQuery)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, fail), errQuery)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	cb, _ := newTestBreaker(t, nil)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, succeed))
	_ = cb.Execute(ctx, fail)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFailures)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	var transitions []State
	cb, clock := newTestBreaker(t, &transitions)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	clock.t = clock.t.Add(2 * time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(t, nil)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.t = clock.t.Add(2 * time.Minute)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errQuery)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	cb, _ := newTestBreaker(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := cb.Execute(ctx, func() error { return context.Canceled })
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State())

	before := cb.Counts().Requests
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, cb.Execute(cancelled, succeed), context.Canceled)
	assert.Equal(t, before, cb.Counts().Requests)
}

func TestBreakerRecordsPanicAsFailure(t *testing.T) {
	cb, _ := newTestBreaker(t, nil)

	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), func() error { panic("boom") })
	})
	assert.Equal(t, uint32(1), cb.Counts().TotalFailures)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
