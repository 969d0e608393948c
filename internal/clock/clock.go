package clock

import (
	"context"
	"time"
)

// Clock allows injecting time and waiting into the launch workflow.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// NewSystem returns a clock backed by time.Now and real timers.
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type fixedClock struct {
	now time.Time
}

// NewFixed returns a clock that always returns the same instant and never
// actually sleeps (useful for tests).
func NewFixed(t time.Time) Clock {
	return fixedClock{now: t.UTC()}
}

func (f fixedClock) Now() time.Time {
	return f.now
}

func (fixedClock) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
