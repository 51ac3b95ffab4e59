package calls

import (
	"context"
	"sync"
	"time"
)

// writeQueue runs persistence jobs one at a time in submission order.
// push never blocks, so state transitions can enqueue while holding their
// own lock and the write order matches the transition order.
type writeQueue struct {
	timeout time.Duration

	mu     sync.Mutex
	jobs   []func(context.Context)
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newWriteQueue(timeout time.Duration) *writeQueue {
	q := &writeQueue{
		timeout: timeout,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *writeQueue) push(job func(context.Context)) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *writeQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.wake
			continue
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		job(ctx)
		cancel()
	}
}

// sync blocks until every job pushed before the call has run.
func (q *writeQueue) sync() {
	ch := make(chan struct{})
	if !q.push(func(context.Context) { close(ch) }) {
		<-q.done
		return
	}
	<-ch
}

// close drains the queue and stops the worker.
func (q *writeQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}
