package backoff_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/backoff"
)

func TestNextDoublesUntilCeiling(t *testing.T) {
	p := backoff.New(3 * time.Second)

	want := []time.Duration{
		3 * time.Second,
		6 * time.Second,
		12 * time.Second,
		24 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // stays capped
	}
	for i, w := range want {
		assert.Equal(t, w, p.Next(), "attempt %d", i+1)
	}
}

func TestResetRestoresBase(t *testing.T) {
	p := backoff.New(2 * time.Second)

	p.Next()
	p.Next()
	assert.Equal(t, 8*time.Second, p.Delay())

	p.Reset()
	assert.Equal(t, 2*time.Second, p.Delay())
	assert.Equal(t, 2*time.Second, p.Next())
}

func TestDelayDoesNotConsume(t *testing.T) {
	p := backoff.New(5 * time.Second)

	assert.Equal(t, 5*time.Second, p.Delay())
	assert.Equal(t, 5*time.Second, p.Delay())
	assert.Equal(t, 5*time.Second, p.Next())
	assert.Equal(t, 10*time.Second, p.Delay())
}

func TestConstructorBounds(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		ceiling time.Duration
		first   time.Duration
	}{
		{"zero base falls back to one second", 0, time.Minute, time.Second},
		{"negative base falls back to one second", -time.Second, time.Minute, time.Second},
		{"ceiling below base is raised to base", 10 * time.Second, time.Second, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := backoff.NewWithCeiling(tt.base, tt.ceiling)
			assert.Equal(t, tt.first, p.Next())
		})
	}
}

func TestCeilingBoundsGrowth(t *testing.T) {
	p := backoff.NewWithCeiling(time.Second, 4*time.Second)

	var last time.Duration
	for i := 0; i < 10; i++ {
		last = p.Next()
	}
	assert.Equal(t, 4*time.Second, last)
}
