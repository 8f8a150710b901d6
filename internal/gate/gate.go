package gate

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate admits at most one holder at a time. It stands in for the request queue
// of a backend that cannot serve concurrent calls; waiters are admitted in the
// order they called Acquire.
type Gate struct {
	name    string
	sem     *semaphore.Weighted
	held    atomic.Bool
	waiting atomic.Int64
}

func New(name string) *Gate {
	return &Gate{name: name, sem: semaphore.NewWeighted(1)}
}

func (g *Gate) Name() string { return g.name }

// Acquire blocks until the gate is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return err
	}
	g.held.Store(true)
	return nil
}

// Release frees the gate and admits the next waiter, if any.
func (g *Gate) Release() {
	g.held.Store(false)
	g.sem.Release(1)
}

// Available reports whether the gate is currently free. The answer may be stale
// by the time the caller looks at it.
func (g *Gate) Available() bool {
	return !g.held.Load()
}

// Waiting is the number of callers blocked in Acquire.
func (g *Gate) Waiting() int64 {
	return g.waiting.Load()
}
