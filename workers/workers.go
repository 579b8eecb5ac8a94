/*
Package workers runs fire-and-forget side effects (stats records, receipt
writes, dedup writes) on a bounded pool with a drop-on-overflow policy, so
a slow backend can never back up the settlement path.
*/
package workers

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
)

const (
	defaultWorkers = 4
	defaultQueue   = 1024
)

// Pool executes submitted tasks asynchronously.
type Pool struct {
	tasks   chan func()
	dropped atomic.Uint64
	wg      sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates and starts a pool. Non-positive sizes fall back to the
// defaults.
func New(workerCount, queueSize int) *Pool {
	if workerCount <= 0 {
		workerCount = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueue
	}
	p := &Pool{
		tasks:  make(chan func(), queueSize),
		stopCh: make(chan struct{}),
	}
	for range workerCount {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case task := <-p.tasks:
					task()
				default:
					return
				}
			}
		case task := <-p.tasks:
			task()
		}
	}
}

// Submit enqueues a task. When the queue is full the task is dropped and
// counted; side effects are declared best-effort so dropping is safe.
func (p *Pool) Submit(task func()) {
	select {
	case p.tasks <- task:
	default:
		n := p.dropped.Add(1)
		if n%100 == 1 {
			log.Warnw("worker queue full, task dropped", "totalDropped", n)
		}
	}
}

// Dropped reports how many tasks were discarded due to a full queue.
func (p *Pool) Dropped() uint64 {
	return p.dropped.Load()
}

// Stop shuts the pool down, draining queued tasks. Blocks until workers
// exit or ctx is done.
func (p *Pool) Stop(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.stopCh) })
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warnw("worker pool stop timed out", "queued", len(p.tasks))
	}
}
