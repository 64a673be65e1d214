// Package supervisor spawns and manages the worker threads that each own
// one event loop, deferred-call queue, and engine instance, per spec.md
// §4.I.
//
// Grounded on core/pools/worker_pool.go's worker-goroutine-per-queue
// shape, generalized from a task-stealing pool (goroutines competing for
// arbitrary work submitted round-robin) to one loop per worker: each
// worker here runs its own single-threaded event loop exclusively, never
// stealing another worker's work, matching spec.md §5's
// single-threaded-per-worker / parallel-across-workers model.
package supervisor

import (
	"runtime"
	"sync"
	"time"

	"github.com/pushpin/pushpin/core/deferred"
	"github.com/pushpin/pushpin/core/loop"
)

// WorkerConfig is one worker's specialization of the global engine
// configuration, spec.md §3's WorkerConfig: a per-worker client id, an
// even share of the global sessions_max, and the worker's event-loop
// registration budget. Endpoint specs are not carried here; the Setup
// callback derives each worker's own from the worker id.
type WorkerConfig struct {
	ID                 int
	SessionsMax        int
	RegistrationBudget int
	ClientID           string
}

// Setup runs on the worker's own OS thread, after its event loop is
// constructed but before the worker signals "started" to the startup
// barrier. It should build whatever the worker needs around its loop —
// bus sockets, a zhttp.Engine, a proxysession.Manager, a stats reporter —
// and return a teardown func run once the loop's Exec returns, plus an
// optional drained func the supervisor polls during a graceful Stop to
// learn whether in-flight sessions have finished.
type Setup func(cfg WorkerConfig, l *loop.Loop) (teardown func(), drained func() bool, err error)

type workerState struct {
	cfg      WorkerConfig
	loop     *loop.Loop
	teardown func()
	drained  func() bool
	startErr error
}

// Supervisor spawns one OS-thread-pinned worker per WorkerConfig, barriers
// startup so the caller learns about any worker's setup failure before
// serving traffic, fans "routes changed" out to every worker via its
// deferred queue, and on shutdown asks each worker's loop to exit.
type Supervisor struct {
	registry *deferred.Registry

	mu      sync.Mutex
	workers []*workerState
	wg      sync.WaitGroup
}

// New creates an empty Supervisor.
func New() *Supervisor {
	return &Supervisor{registry: deferred.NewRegistry()}
}

// Registry exposes the per-worker deferred-queue registry that
// BroadcastRoutesChanged posts through.
func (s *Supervisor) Registry() *deferred.Registry { return s.registry }

// Start spawns one worker per cfg, each pinned to its own OS thread via
// runtime.LockOSThread, and blocks until every worker has either signaled
// started or failed setup (the sync.WaitGroup startup barrier; per
// spec.md §9's design note, implementation of the barrier is free as long
// as the semantics — supervisor waits for every worker's started/error
// signal — hold). Returns the first setup error encountered; if any
// worker failed, the workers that did start up are stopped before Start
// returns, so the caller never observes a half-started supervisor.
func (s *Supervisor) Start(cfgs []WorkerConfig, setup Setup) error {
	var barrier sync.WaitGroup
	barrier.Add(len(cfgs))

	states := make([]*workerState, len(cfgs))
	for i, cfg := range cfgs {
		st := &workerState{cfg: cfg}
		states[i] = st
		s.wg.Add(1)
		go s.runWorker(cfg, setup, st, &barrier)
	}
	barrier.Wait()

	s.mu.Lock()
	s.workers = states
	s.mu.Unlock()

	for _, st := range states {
		if st.startErr != nil {
			s.Stop(5 * time.Second)
			return st.startErr
		}
	}
	return nil
}

func (s *Supervisor) runWorker(cfg WorkerConfig, setup Setup, st *workerState, barrier *sync.WaitGroup) {
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l, err := loop.New(cfg.ID, cfg.RegistrationBudget)
	if err != nil {
		st.startErr = err
		barrier.Done()
		return
	}
	st.loop = l
	s.registry.Register(l.Defers())

	teardown, drained, err := setup(cfg, l)
	if err != nil {
		st.startErr = err
		barrier.Done()
		s.registry.Unregister(cfg.ID)
		l.Close()
		return
	}
	st.teardown, st.drained = teardown, drained
	barrier.Done()

	l.Exec()

	if st.teardown != nil {
		st.teardown()
	}
	s.registry.Unregister(cfg.ID)
	l.Close()
}

// BroadcastRoutesChanged posts onEach onto every worker's deferred queue;
// each queue's own waker interrupts its loop's blocked poll immediately
// rather than waiting for the next unrelated readiness event, so the call
// runs promptly. Each worker's own engine re-reads the shared,
// atomically-swapped route map when the call runs, per spec.md §4.I.
func (s *Supervisor) BroadcastRoutesChanged(onEach func()) {
	s.registry.Broadcast(onEach)
}

// Stop asks every worker's loop to exit once its sessions have drained
// (or grace elapses, whichever comes first), then joins all worker
// goroutines. Per spec.md §4.I / §5: shutdown is cooperative up to a
// grace deadline, then forceful.
func (s *Supervisor) Stop(grace time.Duration) {
	s.mu.Lock()
	workers := s.workers
	s.mu.Unlock()

	deadline := time.Now().Add(grace)
	var wg sync.WaitGroup
	for _, st := range workers {
		st := st
		wg.Add(1)
		go func() {
			defer wg.Done()
			for st.drained != nil && !st.drained() && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			if st.loop != nil {
				st.loop.Exit(0)
			}
		}()
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		// A worker's loop is still mid-turn past the grace deadline; it
		// has already been asked to exit. Forcing the goroutine down
		// from here would leave its OS thread and resources dangling, so
		// the only further escalation available belongs to the process
		// level (core/signals' second-signal force-exit), not here.
	}
}

// Len reports how many workers are currently tracked.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}
