// Package deferred implements the per-worker deferred-call scheduler.
//
// A DeferredCall is a closure queued to run after the current event-loop
// handler returns, on the owning worker's goroutine only. The queue is
// safe to append to from any goroutine (cross-thread posting), but it is
// drained only by the worker that owns it.
package deferred

import "sync"

// Call is a queued closure.
type Call func()

// Queue is a FIFO of deferred calls belonging to one worker.
//
// Enqueue is safe from any goroutine. Drain must only be called by the
// owning worker's event-loop goroutine.
type Queue struct {
	mu      sync.Mutex
	pending []Call
	id      int
	waker   func()
}

// NewQueue creates a queue for the worker identified by id.
func NewQueue(id int) *Queue {
	return &Queue{id: id}
}

// ID returns the owning worker id.
func (q *Queue) ID() int {
	return q.id
}

// SetWaker installs the callback invoked after every Defer, letting the
// owning event loop interrupt a blocked poll the moment work lands on
// its queue. core/loop wires this to its own WakeUp; deferred cannot
// import loop directly (loop already imports deferred), so the waker is
// passed in rather than referenced by type.
func (q *Queue) SetWaker(w func()) {
	q.mu.Lock()
	q.waker = w
	q.mu.Unlock()
}

// Defer appends a closure to the queue and wakes the owning loop, if a
// waker has been installed. Safe to call from any goroutine.
func (q *Queue) Defer(call Call) {
	q.mu.Lock()
	q.pending = append(q.pending, call)
	w := q.waker
	q.mu.Unlock()
	if w != nil {
		w()
	}
}

// DeleteLater is sugar for Defer that destroys obj via its Close method
// once the current handler returns.
func DeleteLater(q *Queue, obj interface{ Close() error }) {
	q.Defer(func() {
		_ = obj.Close()
	})
}

// PendingCount returns the number of calls currently queued.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain runs every call currently queued, in FIFO order, and returns the
// number executed. Calls enqueued by a running call (re-entrant Defer)
// are run in the same Drain, after the current batch, so that draining
// always makes progress toward empty before the loop polls for I/O.
func (q *Queue) Drain() int {
	total := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return total
		}
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, call := range batch {
			runSafely(call)
		}
		total += len(batch)
	}
}

// runSafely executes a deferred call, logging and continuing past panics
// instead of taking down the worker.
func runSafely(call Call) {
	defer func() {
		if r := recover(); r != nil {
			onPanic(r)
		}
	}()
	call()
}

// onPanic is overridable by tests; production code logs via the loop's
// logger instead of importing log here to avoid a dependency cycle.
var onPanic = func(r interface{}) {}

// SetPanicHandler installs the callback invoked when a deferred call
// panics. Intended to be set once at process startup (e.g. to log).
func SetPanicHandler(h func(r interface{})) {
	if h == nil {
		onPanic = func(r interface{}) {}
		return
	}
	onPanic = h
}
