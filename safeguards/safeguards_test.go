package safeguards

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestGuard_CapsConcurrency(t *testing.T) {
	guard := NewOperationGuard(GuardConfig{MaxConcurrent: 2, Logger: testLogger()})

	var mu sync.Mutex
	var peak, current int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := guard.WithOperation(context.Background(), "flash", func() error {
				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				current--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("WithOperation failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
	if got := guard.ActiveOperations(); got != 0 {
		t.Errorf("ActiveOperations = %d after all released", got)
	}
}

func TestGuard_AcquireHonorsContext(t *testing.T) {
	guard := NewOperationGuard(GuardConfig{MaxConcurrent: 1, Logger: testLogger()})

	if err := guard.Acquire(context.Background(), "first"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer guard.Release("first")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := guard.Acquire(ctx, "second")
	if err == nil {
		guard.Release("second")
		t.Fatal("expected Acquire to fail while the slot is held")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestGuard_HealthCheckFailureReleasesSlot(t *testing.T) {
	checkErr := errors.New("store unreachable")
	guard := NewOperationGuard(GuardConfig{
		MaxConcurrent:   1,
		Logger:          testLogger(),
		HealthCheckFunc: func(context.Context) error { return checkErr },
	})

	err := guard.Acquire(context.Background(), "flash")
	if !errors.Is(err, checkErr) {
		t.Fatalf("err = %v, want health check error", err)
	}
	if got := guard.ActiveOperations(); got != 0 {
		t.Errorf("ActiveOperations = %d, want 0 after failed check", got)
	}

	// The slot must be reusable.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	guard.healthCheckFunc = nil
	if err := guard.Acquire(ctx, "flash"); err != nil {
		t.Fatalf("Acquire after failed check: %v", err)
	}
	guard.Release("flash")
}

func TestRecoverableOperation_ContainsPanic(t *testing.T) {
	err := RecoverableOperation(testLogger(), "flash", func() error {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected error from panicking operation")
	}
}

func TestRecoverableOperation_PassesThroughError(t *testing.T) {
	want := errors.New("flash failed")
	if err := RecoverableOperation(testLogger(), "flash", func() error { return want }); !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestRecoverableOperation_NilOnSuccess(t *testing.T) {
	if err := RecoverableOperation(testLogger(), "flash", func() error { return nil }); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}
