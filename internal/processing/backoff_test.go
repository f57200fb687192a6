package processing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponential(t *testing.T) {
	t.Parallel()
	p := Exponential(time.Second, 10*time.Second)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{1000, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponentialUncappedDoesNotOverflow(t *testing.T) {
	t.Parallel()
	p := Exponential(time.Second, 0)
	assert.Positive(t, p(200))
	assert.Zero(t, Exponential(0, time.Second)(3))
}

func TestDefaultRetryDelayIsCapped(t *testing.T) {
	t.Parallel()
	for attempt := 1; attempt < 64; attempt++ {
		d := DefaultRetryDelay(attempt)
		assert.LessOrEqual(t, d, DefaultMaxRetryDelay)
		want := Exponential(DefaultRetryUnit, DefaultMaxRetryDelay)(attempt)
		assert.GreaterOrEqual(t, d, want)
	}
}

func TestJitteredStaysInWindow(t *testing.T) {
	t.Parallel()
	p := Jittered(func(int) time.Duration { return 100 * time.Millisecond }, 0.5, 0)
	for i := 0; i < 50; i++ {
		d := p(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
	assert.Nil(t, Jittered(nil, 0.2, 0))
}
