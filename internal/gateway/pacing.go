package gateway

import (
	"context"
	"math/rand"
	"time"
)

// PacingPolicy inserts a delay before each outbound send. The default
// randomized policy spreads sends out so their timing resembles a person
// typing rather than a loop.
type PacingPolicy interface {
	Wait(ctx context.Context) error
}

type randomizedPacing struct {
	min time.Duration
	max time.Duration
}

// NewRandomizedPacing returns a policy sleeping a uniform random duration
// in [min, max] before each send.
func NewRandomizedPacing(min, max time.Duration) PacingPolicy {
	if max < min {
		max = min
	}
	return &randomizedPacing{min: min, max: max}
}

func (p *randomizedPacing) Wait(ctx context.Context) error {
	delay := p.min
	if span := p.max - p.min; span > 0 {
		delay += time.Duration(rand.Int63n(int64(span) + 1))
	}
	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NoPacing disables the pre-send delay. Meant for tests and for operators
// who accept the detection risk.
type NoPacing struct{}

func (NoPacing) Wait(context.Context) error { return nil }
