package lock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLocalReentrancy(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	if err := l.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("nested Lock: %v", err)
	}
	if got := l.HoldCount(); got != 2 {
		t.Errorf("HoldCount = %d, want 2", got)
	}
	if !l.HeldByCaller() {
		t.Error("HeldByCaller = false while holding")
	}

	l.Unlock()
	if got := l.HoldCount(); got != 1 {
		t.Errorf("HoldCount after one Unlock = %d, want 1", got)
	}
	l.Unlock()
	if got := l.HoldCount(); got != 0 {
		t.Errorf("HoldCount after full release = %d, want 0", got)
	}
	if _, held := l.Holder(); held {
		t.Error("Holder reports held after full release")
	}
}

func TestLocalMutualExclusion(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	if err := l.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		l.Lock(ctx)
		close(acquired)
		l.Unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second goroutine acquired while lock held")
	case <-time.After(50 * time.Millisecond):
	}

	l.Unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second goroutine never acquired after release")
	}
}

func TestLocalContextCancel(t *testing.T) {
	l := NewLocal()
	if err := l.Lock(context.Background()); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer l.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- l.Lock(ctx) }()

	select {
	case err := <-errCh:
		if err != context.DeadlineExceeded {
			t.Errorf("Lock under cancelled ctx: got %v, want DeadlineExceeded", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Lock never returned")
	}
}

func TestLocalUnlockByNonHolderPanics(t *testing.T) {
	l := NewLocal()
	if err := l.Lock(context.Background()); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer l.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if recover() == nil {
				t.Error("Unlock by non-holder did not panic")
			}
		}()
		l.Unlock()
	}()
	wg.Wait()
}

func TestLocalStress(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var counter int // protected by l
	var wg sync.WaitGroup
	const workers, iters = 8, 200

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iters; i++ {
				if err := l.Lock(ctx); err != nil {
					t.Errorf("Lock: %v", err)
					return
				}
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()

	if counter != workers*iters {
		t.Errorf("counter = %d, want %d", counter, workers*iters)
	}
}
