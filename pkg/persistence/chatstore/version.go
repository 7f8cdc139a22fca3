package chatstore

import (
	"sync/atomic"
	"time"
)

// VersionClock hands out strictly increasing versions derived from wall-clock
// milliseconds (ms*1_000_000 + n), so versions from separate processes sort
// roughly by time.
type VersionClock struct {
	last atomic.Uint64
}

func (c *VersionClock) Next() uint64 {
	for {
		current := c.last.Load()
		next := uint64(time.Now().UnixMilli()) * 1_000_000
		if next <= current {
			next = current + 1
		}
		if c.last.CompareAndSwap(current, next) {
			return next
		}
	}
}
