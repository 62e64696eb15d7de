package nativefs

import "golang.org/x/time/rate"

// maxBurst bounds one limiter wait, and through Options.Limiter the size of
// a copy chunk.
const maxBurst = 1 << 20

// NewBWLimiter returns a limiter admitting bytesPerSec bytes per second
// across every copy sharing it, or nil when bytesPerSec is not positive.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), int(min(bytesPerSec, maxBurst)))
}
