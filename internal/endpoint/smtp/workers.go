/*
Robin Mail Server - Configurable SMTP/LMTP mail transfer agent.
Copyright © 2021-2024 Robin Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package smtp

import (
	"sync"
	"sync/atomic"
)

const (
	defaultPoolWorkers = 128
	defaultPoolBacklog = 64
)

// Pool is the bounded executor for accepted connections. A fixed set of
// workers drains a task queue; once the queue fills up Submit runs the
// task on the calling goroutine so saturation slows the accept loop
// down instead of dropping connections on the floor.
type Pool struct {
	tasks     chan func()
	wg        sync.WaitGroup
	workers   int
	completed atomic.Uint64
}

// PoolStats is a point-in-time health snapshot of the executor.
type PoolStats struct {
	Workers   int
	Queued    int
	Completed uint64
}

func NewPool(workers, backlog int) *Pool {
	if workers <= 0 {
		workers = defaultPoolWorkers
	}
	if backlog < 0 {
		backlog = defaultPoolBacklog
	}

	p := &Pool{
		tasks:   make(chan func(), backlog),
		workers: workers,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
		p.completed.Add(1)
	}
}

// Submit queues task for a worker, or runs it inline when every worker
// is busy and the backlog is full. Submit must not be called after
// Close.
func (p *Pool) Submit(task func()) {
	select {
	case p.tasks <- task:
	default:
		task()
		p.completed.Add(1)
	}
}

// Close waits for all queued and running tasks to finish.
func (p *Pool) Close() {
	close(p.tasks)
	p.wg.Wait()
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		Queued:    len(p.tasks),
		Completed: p.completed.Load(),
	}
}
