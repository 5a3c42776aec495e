package backoff_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/snehjoshi/chatsync/internal/backoff"
)

func TestPolicy_RawDoublesAndCaps(t *testing.T) {
	p := backoff.New(100*time.Millisecond, time.Second)

	assert.Equal(t, 100*time.Millisecond, p.Raw(0))
	assert.Equal(t, 200*time.Millisecond, p.Raw(1))
	assert.Equal(t, 800*time.Millisecond, p.Raw(3))
	assert.Equal(t, time.Second, p.Raw(4))
	assert.Equal(t, time.Second, p.Raw(400))
}

func TestPolicy_DelayStaysInJitterBand(t *testing.T) {
	p := backoff.New(time.Second, time.Minute)
	for attempt := 0; attempt < 8; attempt++ {
		raw := p.Raw(attempt)
		lo := time.Duration(float64(raw) * 0.8)
		hi := time.Duration(float64(raw) * 1.2)
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, lo)
			assert.LessOrEqual(t, d, hi)
		}
	}
}

func TestPolicy_DeterministicRand(t *testing.T) {
	p := backoff.New(time.Second, time.Minute)

	p.Rand = func() float64 { return 0 }
	assert.Equal(t, 800*time.Millisecond, p.Delay(0))

	p.Rand = func() float64 { return 0.5 }
	assert.Equal(t, 2*time.Second, p.Delay(1))
}

func TestPolicy_NoJitter(t *testing.T) {
	p := backoff.Policy{Base: 10 * time.Millisecond, Max: time.Second}
	assert.Equal(t, 40*time.Millisecond, p.Delay(2))
}
