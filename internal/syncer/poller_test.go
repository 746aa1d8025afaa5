package syncer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"relaychat/internal/apiclient"
	"relaychat/internal/ratelimit"
)

func newStatusServer(t *testing.T, handler http.HandlerFunc) *apiclient.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/rate-limit/status", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return apiclient.New(srv.URL, 5*time.Second)
}

func TestStatusPollerSharesConcurrentRefresh(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	api := newStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		entered <- struct{}{}
		<-release
		writeData(w, ratelimit.Status{Remaining: 5000, Limit: 10000})
	})
	p := NewStatusPoller(api, time.Hour)

	first := make(chan *ratelimit.Status, 1)
	go func() {
		s, err := p.Refresh(context.Background())
		if err != nil {
			t.Errorf("first refresh: %v", err)
		}
		first <- s
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh never reached the server")
	}

	second := make(chan *ratelimit.Status, 1)
	go func() {
		s, err := p.Refresh(context.Background())
		if err != nil {
			t.Errorf("second refresh: %v", err)
		}
		second <- s
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	s1, s2 := <-first, <-second
	if s1 == nil || s1.Remaining != 5000 {
		t.Fatalf("status = %+v", s1)
	}
	if s1 != s2 {
		t.Fatal("concurrent refreshes did not share one fetch")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("server called %d times, want 1", calls)
	}
}

func TestStatusPollerBroadcast(t *testing.T) {
	api := newStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(w, ratelimit.Status{Remaining: 42, Limit: 100})
	})
	p := NewStatusPoller(api, time.Hour)

	ch1, cancel1 := p.Subscribe()
	ch2, cancel2 := p.Subscribe()
	defer cancel2()

	if _, err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	for i, ch := range []<-chan *ratelimit.Status{ch1, ch2} {
		select {
		case s := <-ch:
			if s == nil || s.Remaining != 42 {
				t.Fatalf("listener %d got %+v", i, s)
			}
		default:
			t.Fatalf("listener %d got nothing", i)
		}
	}

	// A late subscriber starts with the last known value.
	ch3, cancel3 := p.Subscribe()
	defer cancel3()
	select {
	case s := <-ch3:
		if s == nil || s.Remaining != 42 {
			t.Fatalf("seeded value = %+v", s)
		}
	default:
		t.Fatal("late subscriber not seeded")
	}

	cancel1()
	cancel1()
	if _, ok := <-ch1; ok {
		t.Fatal("cancelled subscription still open")
	}
}

func TestStatusPollerLoop(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	api := newStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		writeData(w, ratelimit.Status{Remaining: 1})
	})
	p := NewStatusPoller(api, 20*time.Millisecond)
	p.Start()
	p.Start()
	defer p.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("poll loop made %d calls, want at least 2", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
