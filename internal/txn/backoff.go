package txn

import (
	"math"
	"math/rand/v2"
	"time"
)

// jitterBackOff sleeps base * 2^attempt scaled by a uniform factor in [0.5, 1.0).
type jitterBackOff struct {
	base    time.Duration
	attempt int
	random  func() float64
}

func newJitterBackOff(base time.Duration) *jitterBackOff {
	return &jitterBackOff{base: base, random: rand.Float64}
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	factor := 0.5 + 0.5*b.random()
	delay := float64(b.base) * math.Pow(2, float64(b.attempt)) * factor
	b.attempt++
	return time.Duration(delay)
}

func (b *jitterBackOff) Reset() {
	b.attempt = 0
}
