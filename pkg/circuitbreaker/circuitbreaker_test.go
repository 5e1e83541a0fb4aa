package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newWithClock(cfg, clock.Now), clock
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute, HalfOpenMaxRequests: 1})

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute})

	_ = cb.Execute(func() error { return errBoom })
	require.NoError(t, cb.Execute(func() error { return nil }))
	_ = cb.Execute(func() error { return errBoom })

	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	var transitions []string
	cb, clock := newTestBreaker(Config{
		FailureThreshold:    1,
		SuccessThreshold:    2,
		Timeout:             10 * time.Second,
		HalfOpenMaxRequests: 2,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, StateOpen, cb.GetState())

	clock.Advance(11 * time.Second)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())

	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second})

	_ = cb.Execute(func() error { return errBoom })
	clock.Advance(2 * time.Second)
	_ = cb.Execute(func() error { return errBoom })

	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	clientErr := errors.New("card declined")
	cb, _ := newTestBreaker(Config{
		FailureThreshold: 1,
		Timeout:          time.Minute,
		IsFailure:        func(err error) bool { return !errors.Is(err, clientErr) },
	})

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return clientErr })
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Hour})
	_ = cb.Execute(func() error { return errBoom })
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
}
