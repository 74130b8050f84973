// Package workqueue implements a small FIFO task queue: callers enqueue
// closures of work ("send", "connect", "accept", lifecycle calls); the
// scheduler tick drains them FIFO before running its own per-connection
// pass.
package workqueue

import "sync"

// Queue is a FIFO list of closures, safe for concurrent Push from any
// goroutine. Drain is intended to be called from a single scheduler
// goroutine.
type Queue struct {
	mu    sync.Mutex
	tasks []func()
}

// New builds an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Push appends fn to the back of the queue. Safe to call concurrently
// with Drain.
func (q *Queue) Push(fn func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
}

// Drain removes and runs every task currently queued, in FIFO order.
// Tasks pushed by a running task are not executed until the next Drain
// call, so a single Drain terminates even if tasks push more work.
func (q *Queue) Drain() int {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	for _, fn := range tasks {
		fn()
	}
	return len(tasks)
}

// Len reports how many tasks are currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
