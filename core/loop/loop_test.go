package loop

import (
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestTimerFireOrder(t *testing.T) {
	l, err := New(1, 100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	var mu sync.Mutex
	var order []string

	l.RegisterTimer(5*time.Millisecond, func() {
		mu.Lock()
		order = append(order, "a")
		mu.Unlock()
	})
	l.RegisterTimer(5*time.Millisecond, func() {
		mu.Lock()
		order = append(order, "b")
		mu.Unlock()
	})
	l.RegisterTimer(50*time.Millisecond, func() {
		mu.Lock()
		order = append(order, "c")
		mu.Unlock()
		l.Exit(0)
	})

	code := l.Exec()
	if code != 0 {
		t.Fatalf("Exec returned %d, want 0", code)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("order = %v, want [a b c] (same-deadline ties break by registration order)", order)
	}
}

func TestCancelTimerDoesNotFire(t *testing.T) {
	l, err := New(1, 100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	fired := false
	id, err := l.RegisterTimer(5*time.Millisecond, func() { fired = true })
	if err != nil {
		t.Fatalf("RegisterTimer: %v", err)
	}
	if err := l.CancelTimer(id); err != nil {
		t.Fatalf("CancelTimer: %v", err)
	}

	l.RegisterTimer(20*time.Millisecond, func() { l.Exit(0) })
	l.Exec()

	if fired {
		t.Error("canceled timer fired")
	}
}

func TestRegistrationBudgetExhausted(t *testing.T) {
	l, err := New(1, 2) // 1 slot consumed by the internal wakeup fd
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	if _, err := l.RegisterTimer(time.Hour, func() {}); err != nil {
		t.Fatalf("first RegisterTimer: %v", err)
	}
	if _, err := l.RegisterTimer(time.Hour, func() {}); err != ErrRegistrationsExhausted {
		t.Fatalf("second RegisterTimer err = %v, want ErrRegistrationsExhausted", err)
	}
}

func TestWakeUpUnblocksExec(t *testing.T) {
	l, err := New(1, 100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	done := make(chan int, 1)
	go func() {
		done <- l.Exec()
	}()

	time.Sleep(10 * time.Millisecond)
	l.Exit(7)

	select {
	case code := <-done:
		if code != 7 {
			t.Fatalf("Exec returned %d, want 7", code)
		}
	case <-time.After(time.Second):
		t.Fatal("Exec did not return after WakeUp-driven Exit")
	}
}

func TestDeferredCallRunsBetweenTurns(t *testing.T) {
	l, err := New(1, 100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	ran := make(chan struct{})
	l.Defers().Defer(func() {
		close(ran)
		l.Exit(0)
	})

	done := make(chan int, 1)
	go func() { done <- l.Exec() }()
	l.WakeUp()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("deferred call never ran")
	}
	<-done
}

func TestRegisteredFDFiresOnReadiness(t *testing.T) {
	l, err := New(1, 100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	var r1, w1 [2]int
	var pipeErr error
	var fds [2]int
	if pipeErr = syscall.Pipe(fds[:]); pipeErr != nil {
		t.Fatalf("pipe: %v", pipeErr)
	}
	r1[0], w1[0] = fds[0], fds[1]
	syscall.SetNonblock(r1[0], true)
	syscall.SetNonblock(w1[0], true)
	defer syscall.Close(r1[0])
	defer syscall.Close(w1[0])

	var mu sync.Mutex
	var fired []string

	if _, err := l.RegisterFD(r1[0], InterestRead, func() {
		var buf [8]byte
		syscall.Read(r1[0], buf[:])
		mu.Lock()
		fired = append(fired, "pipe")
		mu.Unlock()
		l.Exit(0)
	}); err != nil {
		t.Fatalf("RegisterFD: %v", err)
	}

	syscall.Write(w1[0], []byte("x"))

	code := l.Exec()
	if code != 0 {
		t.Fatalf("Exec = %d, want 0", code)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != "pipe" {
		t.Fatalf("fired = %v, want [pipe]", fired)
	}
}

func TestComputeRegistrationBudget(t *testing.T) {
	got := ComputeRegistrationBudget(1000, 10, 5)
	want := 1000*TimersPerSession + 10*TimersPerZRoute + FixedOverhead + 5
	if got != want {
		t.Fatalf("ComputeRegistrationBudget = %d, want %d", got, want)
	}
}
