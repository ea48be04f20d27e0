// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a small bounded pool of worker goroutines,
// used by the layout profiler to measure candidate graphs concurrently.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool bounds how many tasks run concurrently. The zero Pool is not usable,
// create it with New.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning decreases.
	numRunning int
}

// New returns a Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	p := &Pool{maxParallelism: runtime.NumCPU()}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism is the soft target for parallelism.
// 0 disables parallelism (tasks run inline); -1 makes it unlimited.
func (p *Pool) MaxParallelism() int { return p.maxParallelism }

// SetMaxParallelism changes the parallelism target. Only change it before
// any task starts; changing it mid-run is undefined.
func (p *Pool) SetMaxParallelism(maxParallelism int) {
	p.maxParallelism = maxParallelism
}

// WaitToStart blocks until a worker is available, then runs the task on it.
// With parallelism disabled the task runs inline.
func (p *Pool) WaitToStart(task func()) {
	if p.maxParallelism < 0 {
		p.mu.Lock()
		p.startLocked(task)
		p.mu.Unlock()
		return
	}
	if p.maxParallelism == 0 {
		task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.numRunning >= p.maxParallelism {
		p.cond.Wait()
	}
	p.startLocked(task)
}

// startLocked runs the task in a goroutine, keeping tabs on numRunning.
// Requires p.mu held.
func (p *Pool) startLocked(task func()) {
	p.numRunning++
	go func() {
		task()
		p.mu.Lock()
		p.numRunning--
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
}

// WaitAll blocks until every started task finished.
func (p *Pool) WaitAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.numRunning > 0 {
		p.cond.Wait()
	}
}
