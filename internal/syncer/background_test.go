package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBackgrounderCoalescesKicks(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	b := NewBackgrounder(func(context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		started <- struct{}{}
		<-release
		return nil
	}, time.Hour)

	b.Kick()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never started")
	}
	// Kicks during the run coalesce into at most one later schedule,
	// an hour out.
	for i := 0; i < 5; i++ {
		b.Kick()
	}
	close(release)
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Fatalf("runs = %d, want 1", runs)
	}
}

func TestBackgrounderFlushJoinsInflightRun(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	started := make(chan struct{}, 8)
	gate := make(chan struct{}, 8)
	sentinel := errors.New("round failed")
	b := NewBackgrounder(func(context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		started <- struct{}{}
		<-gate
		return sentinel
	}, time.Hour)
	defer b.Stop()
	defer close(gate)

	first := make(chan error, 1)
	go func() { first <- b.Flush(context.Background()) }()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("flush never started a run")
	}

	second := make(chan error, 1)
	go func() { second <- b.Flush(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	gate <- struct{}{}
	if err := <-first; !errors.Is(err, sentinel) {
		t.Fatalf("first flush error = %v, want sentinel", err)
	}
	select {
	case err := <-second:
		if !errors.Is(err, sentinel) {
			t.Fatalf("second flush error = %v, want sentinel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second flush did not join the in-flight run")
	}

	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Fatalf("runs = %d, want 1", runs)
	}
}

func TestBackgrounderRekicksAfterRun(t *testing.T) {
	started := make(chan struct{}, 8)
	gate := make(chan struct{}, 8)
	b := NewBackgrounder(func(context.Context) error {
		started <- struct{}{}
		<-gate
		return nil
	}, 20*time.Millisecond)
	defer b.Stop()

	b.Kick()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never started")
	}

	// This edit arrives mid-run; the run may have read older state, so
	// another run must follow.
	b.Kick()
	gate <- struct{}{}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("rekick never produced a second run")
	}
	gate <- struct{}{}
}
