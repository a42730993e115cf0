package control

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestShutdownTriggerIsIdempotentAndObservable(t *testing.T) {
	sd := NewShutdown()
	if sd.Triggered() {
		t.Fatalf("expected a fresh Shutdown to not be triggered")
	}
	select {
	case <-sd.Done():
		t.Fatalf("expected Done() to block before Trigger")
	default:
	}

	sd.Trigger()
	sd.Trigger() // must not panic on double-trigger

	if !sd.Triggered() {
		t.Fatalf("expected Triggered() to report true after Trigger")
	}
	select {
	case <-sd.Done():
	default:
		t.Fatalf("expected Done() to be closed after Trigger")
	}
}

func TestPeriodicTaskRunsUntilShutdown(t *testing.T) {
	var calls int32
	task := &PeriodicTask{
		Interval: 5 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	}
	sd := NewShutdown()
	task.Start(context.Background(), sd)

	time.Sleep(30 * time.Millisecond)
	sd.Trigger()
	task.Wait()

	if atomic.LoadInt32(&calls) == 0 {
		t.Fatalf("expected Fn to have run at least once before shutdown")
	}
}

func TestPeriodicTaskStopsOnContextCancel(t *testing.T) {
	var calls int32
	task := &PeriodicTask{
		Interval: 5 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	}
	sd := NewShutdown()
	ctx, cancel := context.WithCancel(context.Background())
	task.Start(ctx, sd)

	time.Sleep(20 * time.Millisecond)
	cancel()
	task.Wait()

	seenAtCancel := atomic.LoadInt32(&calls)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&calls) != seenAtCancel {
		t.Fatalf("expected Fn to stop running after context cancellation")
	}
}

func TestPeriodicTaskOnErrorCalledOnFailure(t *testing.T) {
	errs := make(chan error, 1)
	task := &PeriodicTask{
		Interval: 5 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			return context.DeadlineExceeded
		},
		OnError: func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	}
	sd := NewShutdown()
	task.Start(context.Background(), sd)
	defer func() {
		sd.Trigger()
		task.Wait()
	}()

	select {
	case err := <-errs:
		if err != context.DeadlineExceeded {
			t.Fatalf("unexpected error passed to OnError: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected OnError to be called within 1s")
	}
}

func TestWithTimeoutDerivesDeadline(t *testing.T) {
	ctx, cancel := WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatalf("expected a deadline to be set")
	}
	if time.Until(deadline) > DefaultRequestTimeout {
		t.Fatalf("expected the derived deadline to respect the requested timeout")
	}
}
