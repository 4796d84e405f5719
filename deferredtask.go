package vault

import "sync"

// DeferredTask is a transaction-safe task: a callback enqueued at a moment
// when some transaction might still observe pre-task state, and therefore
// deferred until every transaction alive at enqueue time has finished.
type DeferredTask struct {
	// Task is the callback to run once it is safe to do so.
	Task func()
	// txnRoot is the newest live transaction's MetaTree root at enqueue
	// time: the task must not run until every transaction holding a root
	// no newer than this one has gone away.
	txnRoot uint64
}

// deferredTaskQueue holds tasks in enqueue order, each with the root it was
// stamped with.
// Tasks run outside the queue's own lock to avoid re-entering under it (a
// drained task may itself enqueue another transaction-safe task).
type deferredTaskQueue struct {
	mu    sync.Mutex
	tasks []DeferredTask
}

func newDeferredTaskQueue() *deferredTaskQueue {
	return &deferredTaskQueue{}
}

// enqueue stamps task with txnRoot and adds it to the backlog.
func (q *deferredTaskQueue) enqueue(task func(), txnRoot uint64) {
	q.mu.Lock()
	q.tasks = append(q.tasks, DeferredTask{Task: task, txnRoot: txnRoot})
	q.mu.Unlock()
}

// drain pops every task whose stamp is strictly older than oldestLiveRoot
// and runs them outside the queue's lock, in enqueue order.
func (q *deferredTaskQueue) drain(oldestLiveRoot uint64) {
	q.mu.Lock()
	var ready []DeferredTask
	var remaining []DeferredTask
	for _, t := range q.tasks {
		if t.txnRoot < oldestLiveRoot {
			ready = append(ready, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	q.tasks = remaining
	q.mu.Unlock()

	for _, t := range ready {
		t.Task()
	}
}

// drainAll unconditionally runs and clears every pending task; used by
// Clear and Close, which require the backlog to be fully flushed.
func (q *deferredTaskQueue) drainAll() {
	q.mu.Lock()
	ready := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	for _, t := range ready {
		t.Task()
	}
}

// len reports the current backlog size; used by tests.
func (q *deferredTaskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
