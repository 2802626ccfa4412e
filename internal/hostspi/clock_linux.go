package hostspi

import (
	"time"

	"github.com/loouq/bgxcore/internal/interfaces"
)

// MonotonicClock implements interfaces.Clock over the Go runtime's
// monotonic clock reading, matching now_ms()/delay_ms().
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock returns a Clock whose NowMillis starts near zero
// at construction time, matching a free-running hardware timer.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

func (c *MonotonicClock) NowMillis() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}

func (c *MonotonicClock) DelayMillis(ms uint32) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

var _ interfaces.Clock = (*MonotonicClock)(nil)
