package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute).WithClock(clock.Now), clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	assert.True(t, b.Allow("send"))
	b.RecordFailure("send")
	b.RecordFailure("send")
	assert.True(t, b.Allow("send"), "below threshold")

	b.RecordFailure("send")
	assert.False(t, b.Allow("send"))
	assert.Equal(t, StateOpen, b.State("send"))
	assert.Equal(t, []string{"send"}, b.OpenKeys())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	tests := []struct {
		name      string
		probeOK   bool
		wantState State
	}{
		{"probe succeeds", true, StateClosed},
		{"probe fails", false, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clock := newTestBreaker(2)
			b.RecordFailure("send")
			b.RecordFailure("send")

			clock.Advance(59 * time.Second)
			require.False(t, b.Allow("send"))

			clock.Advance(time.Second)
			require.True(t, b.Allow("send"), "one probe after the open period")
			assert.Equal(t, StateHalfOpen, b.State("send"))
			assert.False(t, b.Allow("send"), "only one probe at a time")

			if tt.probeOK {
				b.RecordSuccess("send")
			} else {
				b.RecordFailure("send")
			}
			assert.Equal(t, tt.wantState, b.State("send"))
		})
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("send")
	b.RecordFailure("send")
	b.RecordSuccess("send")
	b.RecordFailure("send")

	assert.True(t, b.Allow("send"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(1)

	b.RecordFailure("send")

	assert.False(t, b.Allow("send"))
	assert.True(t, b.Allow("create_wallet"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2)
	transient := errors.New("timeout")
	rejected := errors.New("bad request")
	isTransient := func(err error) bool { return errors.Is(err, transient) }

	// Caller errors never trip the circuit.
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Do("send", isTransient, func() error { return rejected }), rejected)
	}
	assert.Equal(t, StateClosed, b.State("send"))

	assert.ErrorIs(t, b.Do("send", isTransient, func() error { return transient }), transient)
	assert.ErrorIs(t, b.Do("send", isTransient, func() error { return transient }), transient)

	called := false
	err := b.Do("send", isTransient, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(2)

	got := make(chan [2]State, 1)
	b.OnTransition(func(key string, from, to State) {
		got <- [2]State{from, to}
	})

	b.RecordFailure("send")
	b.RecordFailure("send")

	select {
	case tr := <-got:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, tr)
	case <-time.After(time.Second):
		t.Fatal("transition callback not called")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.s.String())
	}
}
