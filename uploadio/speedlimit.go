package uploadio

import (
	"sync/atomic"
	"time"
)

// speedLimiter bounds average throughput with a rolling one-second accounting
// window. Only the reading goroutine touches the window state; the ceiling is
// atomic so SetMaxSpeed can adjust it mid-transfer.
type speedLimiter struct {
	maxSpeed atomic.Int64

	windowStart   time.Time
	bytesInWindow int64

	now   func() time.Time
	sleep func(time.Duration)
}

func newSpeedLimiter(maxSpeed int64) *speedLimiter {
	l := &speedLimiter{
		now:   time.Now,
		sleep: time.Sleep,
	}
	l.maxSpeed.Store(maxSpeed)
	return l
}

func (l *speedLimiter) setMaxSpeed(bytesPerSec int64) {
	if bytesPerSec < 0 {
		bytesPerSec = 0
	}
	l.maxSpeed.Store(bytesPerSec)
}

// wait accounts a chunk of n bytes and blocks until the window average is
// back under the ceiling. Once a full second has passed the window restarts
// from zero, unused budget does not carry over.
func (l *speedLimiter) wait(n int) {
	maxSpeed := l.maxSpeed.Load()
	if maxSpeed <= 0 || n <= 0 {
		return
	}

	now := l.now()
	if l.windowStart.IsZero() {
		l.windowStart = now
	}
	elapsed := now.Sub(l.windowStart)
	if elapsed >= time.Second {
		l.bytesInWindow = 0
		l.windowStart = now
		elapsed = 0
	}

	l.bytesInWindow += int64(n)
	// Time the window should have taken to produce this many bytes at the ceiling rate.
	target := time.Duration(float64(l.bytesInWindow) / float64(maxSpeed) * float64(time.Second))
	if wait := target - elapsed; wait > 0 {
		l.sleep(wait)
	}
}

func (l *speedLimiter) reset() {
	l.windowStart = time.Time{}
	l.bytesInWindow = 0
}
