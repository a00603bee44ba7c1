package modbus

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// gate bounds the number of transactions concurrently admitted into the
// engine on one connection. Waiters are admitted first come first served.
// A nil gate admits everything.
type gate struct {
	sem *semaphore.Weighted
}

func newGate(limit int) *gate {
	if limit <= 0 {
		return nil
	}
	return &gate{sem: semaphore.NewWeighted(int64(limit))}
}

func (g *gate) acquire(ctx context.Context) error {
	if g == nil {
		return nil
	}
	return g.sem.Acquire(ctx, 1)
}

func (g *gate) release() {
	if g != nil {
		g.sem.Release(1)
	}
}
