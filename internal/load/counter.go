package load

import "time"

// RollingCounter counts events in fixed-width time buckets over a sliding
// window. It is not safe for concurrent use; the controller guards it.
type RollingCounter struct {
	width  time.Duration
	counts []int64
	slots  []int64 // bucket number held by each slot
	window time.Duration
}

// NewRollingCounter returns a counter over window with bucket-sized
// resolution. Defaults: 10s window, 100ms buckets.
func NewRollingCounter(window, bucket time.Duration) *RollingCounter {
	if bucket <= 0 {
		bucket = 100 * time.Millisecond
	}
	if window < bucket {
		window = 10 * time.Second
	}
	n := int(window / bucket)
	return &RollingCounter{
		width:  bucket,
		counts: make([]int64, n),
		slots:  make([]int64, n),
		window: time.Duration(n) * bucket,
	}
}

func (c *RollingCounter) bucket(t time.Time) int64 {
	return t.UnixNano() / int64(c.width)
}

// Add counts n events at now.
func (c *RollingCounter) Add(now time.Time, n int64) {
	b := c.bucket(now)
	i := int(b % int64(len(c.counts)))
	if c.slots[i] != b {
		c.slots[i] = b
		c.counts[i] = 0
	}
	c.counts[i] += n
}

// Sum returns the number of events inside the window ending at now.
func (c *RollingCounter) Sum(now time.Time) int64 {
	cur := c.bucket(now)
	oldest := cur - int64(len(c.counts)) + 1
	var total int64
	for i, b := range c.slots {
		if b >= oldest && b <= cur {
			total += c.counts[i]
		}
	}
	return total
}

// Rate returns events per second over the window ending at now.
func (c *RollingCounter) Rate(now time.Time) float64 {
	return float64(c.Sum(now)) / c.window.Seconds()
}

// Window returns the effective window length.
func (c *RollingCounter) Window() time.Duration { return c.window }
