package syncer

import (
	"context"
	"log"
	"sync"
	"time"

	"relaychat/internal/apiclient"
	"relaychat/internal/ratelimit"
)

// StatusPoller fans one rate-limit status fetch out to every
// subscriber. Concurrent Refresh calls share a single round-trip.
type StatusPoller struct {
	api      *apiclient.Client
	interval time.Duration

	mu       sync.Mutex
	subs     map[int]chan *ratelimit.Status
	nextID   int
	last     *ratelimit.Status
	inflight *statusFetch
	stop     chan struct{}
}

type statusFetch struct {
	done   chan struct{}
	status *ratelimit.Status
	err    error
}

func NewStatusPoller(api *apiclient.Client, interval time.Duration) *StatusPoller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &StatusPoller{
		api:      api,
		interval: interval,
		subs:     make(map[int]chan *ratelimit.Status),
	}
}

// Subscribe registers a listener. The channel starts seeded with the
// last known status when one exists. A listener that lags keeps the
// unconsumed value and misses the updates in between. The returned
// cancel is idempotent.
func (p *StatusPoller) Subscribe() (<-chan *ratelimit.Status, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	ch := make(chan *ratelimit.Status, 1)
	if p.last != nil {
		ch <- p.last
	}
	p.subs[id] = ch
	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Refresh fetches the status and broadcasts it. A caller arriving
// while a fetch is in flight waits for that fetch and shares its
// result.
func (p *StatusPoller) Refresh(ctx context.Context) (*ratelimit.Status, error) {
	p.mu.Lock()
	if f := p.inflight; f != nil {
		p.mu.Unlock()
		select {
		case <-f.done:
			return f.status, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &statusFetch{done: make(chan struct{})}
	p.inflight = f
	p.mu.Unlock()

	f.status, f.err = p.api.RateLimitStatus(ctx)

	p.mu.Lock()
	p.inflight = nil
	if f.err == nil {
		p.last = f.status
		p.broadcastLocked(f.status)
	}
	p.mu.Unlock()
	close(f.done)
	return f.status, f.err
}

func (p *StatusPoller) broadcastLocked(status *ratelimit.Status) {
	for _, ch := range p.subs {
		select {
		case ch <- status:
		default:
		}
	}
}

// Start launches the periodic poll loop. Starting twice is a no-op.
func (p *StatusPoller) Start() {
	p.mu.Lock()
	if p.stop != nil {
		p.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	p.stop = stop
	p.mu.Unlock()
	go p.loop(stop)
}

func (p *StatusPoller) loop(stop chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := p.Refresh(context.Background()); err != nil {
				log.Printf("rate limit poll failed: %v", err)
			}
		}
	}
}

func (p *StatusPoller) Stop() {
	p.mu.Lock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	p.mu.Unlock()
}
