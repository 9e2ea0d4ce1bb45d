package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunStartsAndStopsAllComponents(t *testing.T) {
	s := New()
	var started, stopped int32

	s.Add("a", func(ctx context.Context) {
		atomic.AddInt32(&started, 1)
		<-ctx.Done()
		atomic.AddInt32(&stopped, 1)
	})
	s.Add("b", func(ctx context.Context) {
		atomic.AddInt32(&started, 1)
		<-ctx.Done()
		atomic.AddInt32(&stopped, 1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after components should have exited")
	}

	if atomic.LoadInt32(&started) != 2 {
		t.Fatalf("started = %d, want 2", started)
	}
	if atomic.LoadInt32(&stopped) != 2 {
		t.Fatalf("stopped = %d, want 2", stopped)
	}
}

func TestRunReturnsAfterGraceEvenIfComponentHangs(t *testing.T) {
	s := New()
	s.Add("stuck", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(time.Hour) // never actually returns within the test
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orig := ShutdownGrace
	ShutdownGrace = 50 * time.Millisecond
	defer func() { ShutdownGrace = orig }()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the (shortened) grace period elapsed")
	}
}
