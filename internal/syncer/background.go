package syncer

import (
	"context"
	"log"
	"sync"
	"time"
)

// Backgrounder debounces the deferred sync. Edits call Kick; rapid
// edits coalesce into one run, and runs are spaced at least
// minInterval apart. A kick that lands while a run is in flight marks
// a rerun, because that run may have read state from before the edit.
type Backgrounder struct {
	run         func(context.Context) error
	minInterval time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	lastRun  time.Time
	inflight *syncRound
	rekick   bool
	stopped  bool
}

type syncRound struct {
	done chan struct{}
	err  error
}

func NewBackgrounder(run func(context.Context) error, minInterval time.Duration) *Backgrounder {
	if minInterval <= 0 {
		minInterval = 5 * time.Second
	}
	return &Backgrounder{run: run, minInterval: minInterval}
}

// Kick schedules a run. A pending schedule absorbs further kicks.
func (b *Backgrounder) Kick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || b.timer != nil {
		return
	}
	if b.inflight != nil {
		b.rekick = true
		return
	}
	b.scheduleLocked()
}

func (b *Backgrounder) scheduleLocked() {
	delay := b.minInterval - time.Since(b.lastRun)
	if delay < 0 {
		delay = 0
	}
	b.timer = time.AfterFunc(delay, b.fire)
}

func (b *Backgrounder) fire() {
	b.mu.Lock()
	b.timer = nil
	if b.stopped {
		b.mu.Unlock()
		return
	}
	if b.inflight != nil {
		b.rekick = true
		b.mu.Unlock()
		return
	}
	// A run that completed while this timer was pending restarts the
	// spacing clock.
	if !b.lastRun.IsZero() && time.Since(b.lastRun) < b.minInterval {
		b.scheduleLocked()
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	if err := b.runOnce(context.Background()); err != nil {
		log.Printf("background sync failed: %v", err)
	}
}

// Flush runs the sync now. A run already in flight is joined instead
// of doubled; a schedule still pending is cancelled because this run
// covers it.
func (b *Backgrounder) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	return b.runOnce(ctx)
}

func (b *Backgrounder) runOnce(ctx context.Context) error {
	b.mu.Lock()
	if r := b.inflight; r != nil {
		b.mu.Unlock()
		<-r.done
		return r.err
	}
	r := &syncRound{done: make(chan struct{})}
	b.inflight = r
	b.mu.Unlock()

	r.err = b.run(ctx)

	b.mu.Lock()
	b.lastRun = time.Now()
	b.inflight = nil
	if b.rekick && !b.stopped && b.timer == nil {
		b.scheduleLocked()
	}
	b.rekick = false
	b.mu.Unlock()
	close(r.done)
	return r.err
}

// Stop cancels pending schedules and waits out a run in flight.
func (b *Backgrounder) Stop() {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	r := b.inflight
	b.mu.Unlock()
	if r != nil {
		<-r.done
	}
}
