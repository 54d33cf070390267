package realtime

import (
	"math/rand/v2"
	"time"
)

// Backoff computes exponential reconnect delays with jitter.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // Fraction of the delay, 0.2 means ±20%
}

func DefaultBackoff() Backoff {
	return Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: 0.2,
	}
}

// Duration returns the delay before reconnect attempt number attempt (0-based).
// It never exceeds Max, jitter included.
func (b Backoff) Duration(attempt int) time.Duration {
	if b.Min <= 0 {
		b.Min = DefaultBackoff().Min
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.Factor < 1 {
		b.Factor = 1
	}

	d := float64(b.Min)
	for i := 0; i < attempt && d < float64(b.Max); i++ {
		d *= b.Factor
	}
	d = min(d, float64(b.Max))
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	d = min(d, float64(b.Max))
	return time.Duration(d)
}
