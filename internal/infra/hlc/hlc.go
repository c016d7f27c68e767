// Package hlc implements a hybrid logical clock: wall-clock milliseconds
// plus a logical counter. Timestamps are totally ordered and never move
// backwards, even when the wall clock does or when a remote timestamp from
// the future is merged.
package hlc

import (
	"sync"

	"github.com/meshlog-network/meshlog/internal/domain"
)

// WallClock supplies physical milliseconds. The time port satisfies it.
type WallClock interface {
	NowMillis() int64
}

// Clock is a hybrid logical clock. Safe for concurrent use.
type Clock struct {
	mu       sync.Mutex
	wall     WallClock
	physical int64
	logical  uint32
}

// New creates a clock driven by the given wall-clock source.
func New(wall WallClock) *Clock {
	return &Clock{wall: wall}
}

// Now returns the next local timestamp, strictly after every timestamp the
// clock has issued or observed.
func (c *Clock) Now() domain.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.wall.NowMillis()
	if now > c.physical {
		c.physical = now
		c.logical = 0
	} else {
		c.logical++
	}
	return domain.Timestamp{PhysicalMillis: c.physical, Logical: c.logical}
}

// Bump folds in a remote timestamp so subsequent local timestamps sort
// after it.
func (c *Clock) Bump(remote domain.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.wall.NowMillis()
	switch {
	case now > c.physical && now > remote.PhysicalMillis:
		c.physical = now
		c.logical = 0
	case remote.PhysicalMillis > c.physical:
		c.physical = remote.PhysicalMillis
		c.logical = remote.Logical + 1
	case remote.PhysicalMillis == c.physical && remote.Logical >= c.logical:
		c.logical = remote.Logical + 1
	default:
		c.logical++
	}
}

// Last returns the most recent timestamp state without advancing the clock.
func (c *Clock) Last() domain.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.Timestamp{PhysicalMillis: c.physical, Logical: c.logical}
}
