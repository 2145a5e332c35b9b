package utils

import (
	"context"
	"time"
)

// Sleep waits for d and reports false if ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// SleepUntil waits for d but never past deadline.
func SleepUntil(ctx context.Context, d time.Duration, deadline time.Time) bool {
	if remaining := time.Until(deadline); remaining < d {
		d = remaining
	}
	return Sleep(ctx, d)
}
