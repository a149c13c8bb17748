package depindex

import (
	"time"

	"github.com/itzcole03/recompute-core/internal/config"
)

// FromConfig converts the index section of the application config.
func FromConfig(c config.IndexConfig) Config {
	return Config{
		Grace:             time.Duration(c.GraceSecs) * time.Second,
		SweepInterval:     time.Duration(c.SweepIntervalSecs) * time.Second,
		SnapshotInterval:  time.Duration(c.SnapshotIntervalSecs) * time.Second,
		SnapshotRetain:    c.SnapshotRetain,
		ChangeLogCapacity: c.ChangeLogCapacity,
	}
}
