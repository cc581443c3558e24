// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dispatcher implements the single-threaded cooperative task queue
// each worker (and the control-plane itself) runs on. It is the only
// mechanism by which cross-thread communication happens: the control plane
// posts callables onto a worker's queue rather than touching worker state
// directly, and a worker posts deferred-delete work onto its own queue so
// resource teardown never preempts an in-flight stack frame.
package dispatcher

import (
	"context"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Dispatcher runs posted tasks one at a time, in order, on a dedicated
// goroutine per worker slot.
type Dispatcher interface {
	// NumWorkers returns the number of independently scheduled worker
	// slots; slot 0 is conventionally the control-plane thread when a
	// Dispatcher is shared between the two roles.
	NumWorkers() int
	// Post schedules task to run on the given worker's queue. It blocks
	// while that queue's backlog is full; if the worker has been closed,
	// the task is dropped.
	Post(worker int, task func())
	// Broadcast posts task to every worker.
	Broadcast(task func())
	// RunOnAllWorkers posts a task built from fn to every worker and waits
	// for all of them to complete, used for one-time per-worker setup like
	// constructing a ThreadLocalClusterManager.
	RunOnAllWorkers(ctx context.Context, fn func(worker int)) error
	// DeferredDelete schedules closer.Close to run after the current task
	// on worker's queue returns, so destruction never happens while an
	// in-flight call still has a pointer to the object on its stack.
	DeferredDelete(worker int, closer io.Closer)
	// Close stops accepting new work and waits for every worker's queue to
	// drain, running any tasks already posted before the queues close.
	Close()
}

// queue is one worker's single-threaded task loop.
type queue struct {
	tasks  chan func()
	done   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newQueue(depth int) *queue {
	q := &queue{
		tasks:  make(chan func(), depth),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *queue) run() {
	defer close(q.closed)
	for {
		select {
		case task, ok := <-q.tasks:
			if !ok {
				return
			}
			task()
		case <-q.done:
			// Drain whatever is already queued before stopping.
			for {
				select {
				case task := <-q.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

func (q *queue) post(task func()) {
	defer func() { _ = recover() }() // posting to a closed channel is a no-op, not a crash
	select {
	case q.tasks <- task:
	case <-q.closed:
	}
}

func (q *queue) close() {
	q.once.Do(func() { close(q.done) })
	<-q.closed
}

// multiQueue is the default Dispatcher, one queue per worker slot.
type multiQueue struct {
	queues []*queue
}

// New constructs a Dispatcher with numWorkers independent queues, each with
// the given per-worker task backlog depth.
func New(numWorkers, queueDepth int) Dispatcher {
	d := &multiQueue{queues: make([]*queue, numWorkers)}
	for i := range d.queues {
		d.queues[i] = newQueue(queueDepth)
	}
	return d
}

func (d *multiQueue) NumWorkers() int { return len(d.queues) }

func (d *multiQueue) Post(worker int, task func()) {
	d.queues[worker].post(task)
}

func (d *multiQueue) Broadcast(task func()) {
	for _, q := range d.queues {
		q.post(task)
	}
}

func (d *multiQueue) RunOnAllWorkers(ctx context.Context, fn func(worker int)) error {
	grp, _ := errgroup.WithContext(ctx)
	for i := range d.queues {
		worker := i
		done := make(chan struct{})
		d.queues[worker].post(func() {
			defer close(done)
			fn(worker)
		})
		grp.Go(func() error {
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return grp.Wait()
}

func (d *multiQueue) DeferredDelete(worker int, closer io.Closer) {
	d.queues[worker].post(func() { _ = closer.Close() })
}

func (d *multiQueue) Close() {
	grp, _ := errgroup.WithContext(context.Background())
	for _, q := range d.queues {
		q := q
		grp.Go(func() error {
			q.close()
			return nil
		})
	}
	_ = grp.Wait()
}
