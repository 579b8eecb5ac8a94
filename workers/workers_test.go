package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	c := qt.New(t)
	p := New(2, 16)

	var done sync.WaitGroup
	var ran atomic.Uint64
	for range 10 {
		done.Add(1)
		p.Submit(func() {
			ran.Add(1)
			done.Done()
		})
	}
	done.Wait()
	c.Assert(ran.Load(), qt.Equals, uint64(10))
	c.Assert(p.Dropped(), qt.Equals, uint64(0))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Stop(ctx)
}

func TestPoolDropsOnOverflow(t *testing.T) {
	c := qt.New(t)
	p := New(1, 1)

	// Stall the single worker so the queue fills.
	release := make(chan struct{})
	p.Submit(func() { <-release })
	// Give the worker time to pick the blocker up.
	time.Sleep(20 * time.Millisecond)

	p.Submit(func() {}) // occupies the single queue slot
	p.Submit(func() {}) // dropped
	p.Submit(func() {}) // dropped
	c.Assert(p.Dropped(), qt.Equals, uint64(2))

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Stop(ctx)
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	c := qt.New(t)
	p := New(1, 16)

	var ran atomic.Uint64
	for range 5 {
		p.Submit(func() { ran.Add(1) })
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Stop(ctx)
	c.Assert(ran.Load(), qt.Equals, uint64(5))
}
