// Package throttle implements the per-device request queue (C3): FIFO
// ordering, bounded concurrent batches, and an inter-batch delay, so one
// noisy device can never starve another. Grounded on the teacher's
// ticker-driven per-station goroutine in station/station_manager.go,
// generalized from a single ticker into one processor goroutine per queue.
package throttle

import (
	"sync"
	"time"

	"github.com/rustyeddy/merossmgr/merrors"
)

const (
	DefaultBatchSize  = 1
	DefaultBatchDelay = 200 * time.Millisecond
)

// Fn is the work submitted to the queue; its result is delivered to the
// caller's future.
type Fn func() (any, error)

type job struct {
	fn     Fn
	result chan result
}

type result struct {
	val any
	err error
}

type deviceQueue struct {
	mu      sync.Mutex
	pending []*job
	running bool
}

// Queue dispatches Fn invocations per device UUID, honoring batchSize and
// batchDelay. Distinct UUIDs never block each other.
type Queue struct {
	BatchSize  int
	BatchDelay time.Duration
	Enabled    bool

	mu      sync.Mutex
	queues  map[string]*deviceQueue
	sleeper func(time.Duration) // overridable for tests
}

func New(batchSize int, batchDelay time.Duration, enabled bool) *Queue {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchDelay <= 0 {
		batchDelay = DefaultBatchDelay
	}
	return &Queue{
		BatchSize:  batchSize,
		BatchDelay: batchDelay,
		Enabled:    enabled,
		queues:     make(map[string]*deviceQueue),
		sleeper:    time.Sleep,
	}
}

func (q *Queue) queueFor(uuid string) *deviceQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	dq, ok := q.queues[uuid]
	if !ok {
		dq = &deviceQueue{}
		q.queues[uuid] = dq
	}
	return dq
}

// Enqueue submits fn for uuid and returns a channel that yields exactly one
// result. When the queue is disabled, fn runs inline and the channel is
// already populated on return.
func (q *Queue) Enqueue(uuid string, fn Fn) <-chan result {
	ch := make(chan result, 1)
	if !q.Enabled {
		val, err := fn()
		ch <- result{val, err}
		return ch
	}

	dq := q.queueFor(uuid)
	j := &job{fn: fn, result: ch}

	dq.mu.Lock()
	dq.pending = append(dq.pending, j)
	needsStart := !dq.running
	if needsStart {
		dq.running = true
	}
	dq.mu.Unlock()

	if needsStart {
		go q.drain(uuid, dq)
	}
	return ch
}

// Wait blocks on a result channel and splits it into (value, error), the
// ergonomic shape callers actually want.
func Wait(ch <-chan result) (any, error) {
	r := <-ch
	return r.val, r.err
}

// drain implements the idle -> draining state machine: pop up to
// BatchSize, await all of them, sleep BatchDelay if more remain, else
// return to idle.
func (q *Queue) drain(uuid string, dq *deviceQueue) {
	for {
		dq.mu.Lock()
		if len(dq.pending) == 0 {
			dq.running = false
			dq.mu.Unlock()
			return
		}
		n := q.BatchSize
		if n > len(dq.pending) {
			n = len(dq.pending)
		}
		batch := dq.pending[:n]
		dq.pending = dq.pending[n:]
		more := len(dq.pending) > 0
		dq.mu.Unlock()

		var wg sync.WaitGroup
		wg.Add(len(batch))
		for _, j := range batch {
			go func(j *job) {
				defer wg.Done()
				val, err := j.fn()
				j.result <- result{val, err}
			}(j)
		}
		wg.Wait()

		if more {
			q.sleeper(q.BatchDelay)
		}
	}
}

// ClearQueue rejects every pending entry for uuid with a cancellation error
// and removes the queue.
func (q *Queue) ClearQueue(uuid string) {
	q.mu.Lock()
	dq, ok := q.queues[uuid]
	if ok {
		delete(q.queues, uuid)
	}
	q.mu.Unlock()
	if !ok {
		return
	}

	dq.mu.Lock()
	pending := dq.pending
	dq.pending = nil
	dq.mu.Unlock()

	for _, j := range pending {
		j.result <- result{nil, merrors.ErrCancelled}
	}
}
