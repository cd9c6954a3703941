package simulator

import (
	"context"
	"time"
)

// Clock supplies time and the pauses between simulation stages.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock sleeps on wall time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// InstantClock never waits; stage pauses collapse to zero.
type InstantClock struct{}

func (InstantClock) Now() time.Time { return time.Now().UTC() }

func (InstantClock) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
