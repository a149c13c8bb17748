package load

import (
	"time"

	"github.com/itzcole03/recompute-core/internal/config"
)

// FromConfig converts the load section of the application config.
func FromConfig(c config.LoadConfig) Config {
	return Config{
		Baseline:      c.BaselineEventsPerSec,
		EnterRatio:    c.EnterRatio,
		ExitRatio:     c.ExitRatio,
		ExitSustain:   time.Duration(c.ExitSustainSecs) * time.Second,
		MaxQueueDepth: c.MaxQueueDepth,
		Window:        time.Duration(c.WindowSecs) * time.Second,
		Tick:          time.Duration(c.TickMs) * time.Millisecond,
		DrainPerTick:  c.DrainPerTick,
	}
}
