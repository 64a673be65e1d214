// Package loop implements a single-threaded, readiness-driven event loop:
// one per worker, wrapping the poller (epoll/kqueue) with a timer heap, a
// registration budget, and a cross-thread wakeup primitive.
//
// Every turn: drain the worker's deferred-call queue (core/deferred),
// compute the nearest timer deadline, poll readiness with that timeout,
// fire expired timers in deadline order, then fire ready fds in
// registration order. Suspension only happens at turn boundaries —
// handlers must not block.
package loop

import (
	"container/heap"
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/pushpin/pushpin/core/deferred"
	"github.com/pushpin/pushpin/core/poller"
)

// ErrRegistrationsExhausted is returned by RegisterTimer/RegisterFD when
// the loop's registration budget is already fully spent. Callers must
// back off (e.g. refuse a new connection) rather than retry immediately.
var ErrRegistrationsExhausted = errors.New("loop: registrations exhausted")

// ErrUnknownRegistration is returned by Cancel/Modify/Unregister for an
// id that is not (or is no longer) registered.
var ErrUnknownRegistration = errors.New("loop: unknown registration id")

// Interest describes which readiness a registered fd cares about.
type Interest int

const (
	InterestRead Interest = iota
	InterestWrite
	InterestReadWrite
)

// Fixed sizing constants referenced by ComputeRegistrationBudget. These
// are tuning parameters, not part of the public API contract.
const (
	TimersPerSession = 3 // response deadline, keep-alive, retry backoff
	TimersPerZRoute  = 1 // per-route cooldown sweep timer
	FixedOverhead    = 100
)

// ComputeRegistrationBudget implements the budget formula from spec.md
// §4.B / §5: sessions_max*TIMERS_PER_SESSION + zroutesMax*TIMERS_PER_ZROUTE
// + fixed overhead + socket_notifiers_max.
func ComputeRegistrationBudget(sessionsMax, zroutesMax, socketNotifiersMax int) int {
	return sessionsMax*TimersPerSession + zroutesMax*TimersPerZRoute + FixedOverhead + socketNotifiersMax
}

type fdRegistration struct {
	id       int64
	fd       int
	interest Interest
	cb       func()
}

// Loop is a single-threaded event loop. It is not safe for concurrent use
// except for the cross-thread-safe operations explicitly documented
// (Defer via the attached Queue, and WakeUp).
type Loop struct {
	id     int
	poller poller.Poller
	defers *deferred.Queue

	mu          sync.Mutex // guards registration bookkeeping below
	timers      timerHeap
	fds         map[int64]*fdRegistration
	fdByHandle  map[int]int64 // raw fd -> registration id, for dispatch
	nextID      int64
	timerSeq    uint64
	regMax      int
	regCount    int

	wakeupR, wakeupW int
	exitCode         int
	exitRequested    bool
}

// New creates a loop for worker id, with a registration budget of regMax.
func New(id int, regMax int) (*Loop, error) {
	p, err := poller.NewPoller()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		id:         id,
		poller:     p,
		defers:     deferred.NewQueue(id),
		fds:        make(map[int64]*fdRegistration),
		fdByHandle: make(map[int]int64),
		regMax:     regMax,
	}

	l.defers.SetWaker(l.WakeUp)

	r, w, err := pipe()
	if err != nil {
		p.Close()
		return nil, err
	}
	l.wakeupR, l.wakeupW = r, w

	if _, err := l.registerFDLocked(r, InterestRead, l.drainWakeup); err != nil {
		p.Close()
		return nil, err
	}

	return l, nil
}

// ID returns the worker id this loop belongs to.
func (l *Loop) ID() int { return l.id }

// Defers returns the deferred-call queue owned by this loop.
func (l *Loop) Defers() *deferred.Queue { return l.defers }

// pipe opens a non-blocking self-pipe used for cross-thread wakeup.
func pipe() (r, w int, err error) {
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	if err := syscall.SetNonblock(fds[0], true); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return 0, 0, err
	}
	if err := syscall.SetNonblock(fds[1], true); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func (l *Loop) drainWakeup() {
	var buf [64]byte
	for {
		n, err := syscall.Read(l.wakeupR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// WakeUp is the set-readiness primitive: it is safe to call from any
// goroutine and causes a blocked Exec() to return from poll immediately
// so it can observe newly deferred work.
func (l *Loop) WakeUp() {
	syscall.Write(l.wakeupW, []byte{1})
}

// RegisterTimer schedules cb to fire after d elapses. Returns an id used
// with CancelTimer.
func (l *Loop) RegisterTimer(d time.Duration, cb func()) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.regCount >= l.regMax {
		return 0, ErrRegistrationsExhausted
	}

	l.nextID++
	id := l.nextID
	l.timerSeq++

	heap.Push(&l.timers, &timerEntry{
		id:       id,
		deadline: time.Now().Add(d),
		seq:      l.timerSeq,
		cb:       cb,
	})
	l.regCount++
	return id, nil
}

// CancelTimer cancels a previously registered timer. It returns
// ErrUnknownRegistration if the timer already fired or was already
// canceled.
func (l *Loop) CancelTimer(id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.timers {
		if e.id == id && !e.canceled {
			e.canceled = true
			l.regCount--
			return nil
		}
	}
	return ErrUnknownRegistration
}

// RegisterFD registers fd for readiness callbacks, subject to the
// registration budget.
func (l *Loop) RegisterFD(fd int, interest Interest, cb func()) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registerFDLocked(fd, interest, cb)
}

func (l *Loop) registerFDLocked(fd int, interest Interest, cb func()) (int64, error) {
	if l.regCount >= l.regMax {
		return 0, ErrRegistrationsExhausted
	}
	if err := l.poller.Add(fd); err != nil {
		return 0, err
	}

	l.nextID++
	id := l.nextID
	reg := &fdRegistration{id: id, fd: fd, interest: interest, cb: cb}
	l.fds[id] = reg
	l.fdByHandle[fd] = id
	l.regCount++
	return id, nil
}

// ModifyFD changes the interest set recorded for a registered fd. The
// underlying poller is level-triggered and watches read readiness only;
// the recorded interest is bookkeeping and does not filter callbacks: a
// registration's callback runs on any readiness the poller reports for
// its fd, whatever its interest.
func (l *Loop) ModifyFD(id int64, interest Interest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	reg, ok := l.fds[id]
	if !ok {
		return ErrUnknownRegistration
	}
	reg.interest = interest
	return nil
}

// UnregisterFD removes a registered fd.
func (l *Loop) UnregisterFD(id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	reg, ok := l.fds[id]
	if !ok {
		return ErrUnknownRegistration
	}
	delete(l.fds, id)
	delete(l.fdByHandle, reg.fd)
	l.regCount--
	return l.poller.Remove(reg.fd)
}

// RegistrationCount reports the number of live registrations (timers +
// fds), for tests and diagnostics.
func (l *Loop) RegistrationCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.regCount
}

// Exit requests that Exec return code after completing the current turn.
func (l *Loop) Exit(code int) {
	l.mu.Lock()
	l.exitRequested = true
	l.exitCode = code
	l.mu.Unlock()
	l.WakeUp()
}

// Exec runs the loop until Exit is called, returning the exit code.
func (l *Loop) Exec() int {
	for {
		l.defers.Drain()

		l.mu.Lock()
		if l.exitRequested {
			code := l.exitCode
			l.mu.Unlock()
			return code
		}
		timeout := l.nextTimeoutLocked()
		l.mu.Unlock()

		ready, err := l.poller.Wait(timeout)
		if err != nil {
			continue
		}

		l.fireTimers()
		l.fireReady(ready)
	}
}

// nextTimeoutLocked returns the poll timeout in milliseconds for the
// nearest pending timer, or -1 (block indefinitely) if none are pending.
// Caller must hold l.mu.
func (l *Loop) nextTimeoutLocked() int {
	for l.timers.Len() > 0 && l.timers[0].canceled {
		heap.Pop(&l.timers)
	}
	if l.timers.Len() == 0 {
		return -1
	}

	d := time.Until(l.timers[0].deadline)
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	return ms
}

// fireTimers pops and runs every timer whose deadline has passed, in
// deadline order (registration order breaking ties).
func (l *Loop) fireTimers() {
	now := time.Now()
	for {
		l.mu.Lock()
		if l.timers.Len() == 0 {
			l.mu.Unlock()
			return
		}
		top := l.timers[0]
		if top.canceled {
			heap.Pop(&l.timers)
			l.mu.Unlock()
			continue
		}
		if top.deadline.After(now) {
			l.mu.Unlock()
			return
		}
		heap.Pop(&l.timers)
		l.regCount--
		l.mu.Unlock()

		runSafely(top.cb)
	}
}

// fireReady invokes the callback for every fd the poller reported ready,
// in registration order.
func (l *Loop) fireReady(ready []int) {
	if len(ready) == 0 {
		return
	}

	l.mu.Lock()
	ids := make([]int64, 0, len(ready))
	for _, fd := range ready {
		if id, ok := l.fdByHandle[fd]; ok {
			ids = append(ids, id)
		}
	}
	// Registration order: ids are monotonically increasing at allocation
	// time, so a numeric sort recovers registration order even though the
	// poller may have returned them in an arbitrary order.
	insertionSort(ids)
	regs := make([]*fdRegistration, 0, len(ids))
	for _, id := range ids {
		if reg, ok := l.fds[id]; ok {
			regs = append(regs, reg)
		}
	}
	l.mu.Unlock()

	for _, reg := range regs {
		runSafely(reg.cb)
	}
}

func insertionSort(ids []int64) {
	for i := 1; i < len(ids); i++ {
		v := ids[i]
		j := i - 1
		for j >= 0 && ids[j] > v {
			ids[j+1] = ids[j]
			j--
		}
		ids[j+1] = v
	}
}

func runSafely(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			onPanic(r)
		}
	}()
	cb()
}

var onPanic = func(r interface{}) {}

// SetPanicHandler installs the callback invoked when a timer or fd
// callback panics, instead of taking down the worker.
func SetPanicHandler(h func(r interface{})) {
	if h == nil {
		onPanic = func(r interface{}) {}
		return
	}
	onPanic = h
}

// Close releases the loop's poller and wakeup pipe.
func (l *Loop) Close() error {
	syscall.Close(l.wakeupR)
	syscall.Close(l.wakeupW)
	return l.poller.Close()
}
