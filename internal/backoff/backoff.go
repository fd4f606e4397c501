package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes retry delays: exponential growth from Base, capped at Cap,
// plus a random jitter in [0, Jitter) so simultaneous failures do not reclaim
// in lockstep.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration
}

// Delay returns the wait before the given attempt may run again. Attempt is
// 1-based (the attempt that just failed).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(p.Base) * math.Pow(2, float64(attempt-1))
	wait := p.Cap
	if exp < float64(p.Cap) {
		wait = time.Duration(exp)
	}
	if p.Jitter > 0 {
		wait += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return wait
}
