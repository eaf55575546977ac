// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package pool implements a fixed-size worker pool whose tasks carry an
// integer priority: an idle worker always runs the highest-priority task
// available. There is no work stealing; shutdown is cooperative: workers
// keep running queued tasks until the queue is empty and then exit, so no
// task submitted before Close is dropped.
package pool

import (
	"container/heap"
	"sync"
)

// Task is a unit of work submitted to the pool.
type Task struct {
	priority int
	seq      uint64
	run      func()
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	// FIFO within a priority level.
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*Task))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// Pool is a fixed-size priority worker pool.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	tasks    taskHeap
	seq      uint64
	shutdown bool
	wg       sync.WaitGroup
}

// New creates a pool of n workers. pinCPUs, when non-nil, lists the logical
// CPU each worker should be pinned to (pinCPUs[i] for worker i, -1 to leave
// a worker unpinned); pinning is best-effort and a no-op on platforms
// without CPU affinity support.
func New(n int, pinCPUs []int) *Pool {
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		cpu := -1
		if i < len(pinCPUs) {
			cpu = pinCPUs[i]
		}
		go p.worker(cpu)
	}
	return p
}

func (p *Pool) worker(cpu int) {
	defer p.wg.Done()
	if cpu >= 0 {
		pinToCPU(cpu)
	}
	for {
		p.mu.Lock()
		for len(p.tasks) == 0 && !p.shutdown {
			p.cond.Wait()
		}
		if p.shutdown && len(p.tasks) == 0 {
			p.mu.Unlock()
			return
		}
		task := heap.Pop(&p.tasks).(*Task)
		p.mu.Unlock()
		task.run()
	}
}

// Submit enqueues fn with the given priority; larger priorities run first.
// Submitting to a closed pool is a no-op.
func (p *Pool) Submit(priority int, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return
	}
	p.seq++
	heap.Push(&p.tasks, &Task{priority: priority, seq: p.seq, run: fn})
	p.cond.Signal()
}

// Close drains queued tasks, then waits for all workers to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}
