package load

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRollingCounter_SumAndRate(t *testing.T) {
	c := NewRollingCounter(time.Second, 100*time.Millisecond)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		c.Add(t0.Add(time.Duration(i)*50*time.Millisecond), 2)
	}
	assert.Equal(t, int64(20), c.Sum(t0.Add(450*time.Millisecond)))
	assert.InDelta(t, 20.0, c.Rate(t0.Add(450*time.Millisecond)), 1e-9)
}

func TestRollingCounter_Expires(t *testing.T) {
	c := NewRollingCounter(time.Second, 100*time.Millisecond)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c.Add(t0, 5)
	c.Add(t0.Add(600*time.Millisecond), 3)
	assert.Equal(t, int64(8), c.Sum(t0.Add(900*time.Millisecond)))
	assert.Equal(t, int64(3), c.Sum(t0.Add(1200*time.Millisecond)))
	assert.Equal(t, int64(0), c.Sum(t0.Add(5*time.Second)))

	// A reused slot starts from zero.
	c.Add(t0.Add(2*time.Second), 1)
	assert.Equal(t, int64(1), c.Sum(t0.Add(2*time.Second)))
}

func TestRollingCounter_Defaults(t *testing.T) {
	c := NewRollingCounter(0, 0)
	assert.Equal(t, 10*time.Second, c.Window())
}
