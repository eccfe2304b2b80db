package outbox

import (
	"math/rand/v2"
	"time"
)

// backoff is the delay before a requeued message becomes due again: base
// doubled per recorded attempt and capped at maxDelay. Up to half of it is
// jittered away.
func backoff(base, maxDelay time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempts && (maxDelay <= 0 || d < maxDelay); i++ {
		d *= 2
	}
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return d - half + rand.N(half+1)
}

// jitter spreads poll intervals of concurrent workers.
func jitter(interval, spread time.Duration) time.Duration {
	if spread <= 0 {
		return interval
	}
	return interval + rand.N(spread)
}
