// SPDX-License-Identifier: Apache-2.0
/*
 * sheepdog: tools for a distributed block and object store
 * Copyright (C) 2026 The sheepdog Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package workqueue provides the two work-dispatch disciplines used by the
// snapshot engine: an ordered queue whose completion callbacks run
// serialized in submission order, and a dynamic queue with unspecified
// completion order. Enqueueing never blocks; execution parallelism is
// bounded by a worker budget. Tasks do not return errors; failure
// coordination is the caller's concern (an error latch), which keeps both
// queues always drainable.
package workqueue

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Task is one unit of work. Run executes on a worker. Done, if non-nil,
// runs after Run according to the queue's completion discipline.
type Task struct {
	Run  func()
	Done func()
}

// Queue dispatches tasks to a bounded worker set.
type Queue interface {
	// Queue submits a task without blocking on task execution.
	Queue(t Task)

	// Wait blocks until every submitted task, and its Done callback, has
	// finished. The queue must not be reused afterwards.
	Wait()
}

// defaultWorkers sizes a queue's worker budget to the host.
func defaultWorkers() int64 {
	n := int64(2 * runtime.GOMAXPROCS(0))
	if n < 4 {
		n = 4
	}
	return n
}

// ordered runs tasks concurrently but serializes Done callbacks in
// submission order. Each task waits for its predecessor's completion chain
// before running its own Done, after releasing its worker slot, so a slow
// early task holds back the callbacks (but not the execution) of everything
// behind it.
type ordered struct {
	mu      sync.Mutex
	tail    chan struct{}
	wg      sync.WaitGroup
	workers *semaphore.Weighted
}

// NewOrdered returns a queue with FIFO completion ordering. workers <= 0
// picks a host-sized default.
func NewOrdered(workers int) Queue {
	n := int64(workers)
	if n <= 0 {
		n = defaultWorkers()
	}
	return &ordered{workers: semaphore.NewWeighted(n)}
}

func (q *ordered) Queue(t Task) {
	q.mu.Lock()
	prev := q.tail
	done := make(chan struct{})
	q.tail = done
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer close(done)

		_ = q.workers.Acquire(context.Background(), 1)
		t.Run()
		q.workers.Release(1)

		if prev != nil {
			<-prev
		}
		if t.Done != nil {
			t.Done()
		}
	}()
}

func (q *ordered) Wait() {
	q.wg.Wait()
}

// dynamic runs tasks on a fixed-size worker set (the budget given to
// NewDynamic) with no completion ordering; the worker count does not change
// with load. Done runs on the worker immediately after Run.
type dynamic struct {
	wg      sync.WaitGroup
	workers *semaphore.Weighted
}

// NewDynamic returns a queue with unspecified completion ordering.
// workers <= 0 picks a host-sized default.
func NewDynamic(workers int) Queue {
	n := int64(workers)
	if n <= 0 {
		n = defaultWorkers()
	}
	return &dynamic{workers: semaphore.NewWeighted(n)}
}

func (q *dynamic) Queue(t Task) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		_ = q.workers.Acquire(context.Background(), 1)
		defer q.workers.Release(1)

		t.Run()
		if t.Done != nil {
			t.Done()
		}
	}()
}

func (q *dynamic) Wait() {
	q.wg.Wait()
}
