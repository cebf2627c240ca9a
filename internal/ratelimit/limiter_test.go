package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"promptchain/internal/metrics"
)

func TestKey(t *testing.T) {
	cases := map[string]string{
		"https://api.example.com/v1/chat": "https://api.example.com",
		"HTTPS://API.Example.com:8443/x":  "https://api.example.com:8443",
		"wss://api.example.com/ws?token=": "https://api.example.com",
		"ws://localhost:9000/ws":          "http://localhost:9000",
		"not a url":                       "global",
		"":                                "global",
	}
	for input, want := range cases {
		if got := Key(input); got != want {
			t.Fatalf("Key(%q): expected %q, got %q", input, want, got)
		}
	}
}

func TestReserveUsesRollingWindow(t *testing.T) {
	mock := clock.NewMock()
	limiter := New(Config{MaxCalls: 3, Window: time.Second}, WithClock(mock))
	key := Key("https://a.example")

	for i := 0; i < 3; i++ {
		if _, _, ok := limiter.reserve(key); !ok {
			t.Fatalf("expected call %d to be admitted", i)
		}
		mock.Add(100 * time.Millisecond)
	}
	wait, _, ok := limiter.reserve(key)
	if ok {
		t.Fatal("expected fourth call to wait")
	}
	// oldest admission was 300ms ago
	if wait != 700*time.Millisecond {
		t.Fatalf("expected 700ms wait, got %v", wait)
	}

	mock.Add(700 * time.Millisecond)
	if _, _, ok := limiter.reserve(key); !ok {
		t.Fatal("expected admission once the oldest call left the window")
	}
}

func TestReserveIsPerOrigin(t *testing.T) {
	mock := clock.NewMock()
	limiter := New(Config{MaxCalls: 1, Window: time.Minute}, WithClock(mock))

	if _, _, ok := limiter.reserve(Key("https://a.example/x")); !ok {
		t.Fatal("expected a.example admitted")
	}
	if _, _, ok := limiter.reserve(Key("https://b.example/x")); !ok {
		t.Fatal("expected b.example admitted independently")
	}
	if _, _, ok := limiter.reserve(Key("https://a.example/y")); ok {
		t.Fatal("expected second a.example call to wait")
	}
}

func TestAcquireNeverExceedsLimitInAnyWindow(t *testing.T) {
	const (
		limit   = 4
		window  = 150 * time.Millisecond
		callers = 12
	)
	limiter := New(Config{MaxCalls: limit, Window: window})

	var mu sync.Mutex
	var admitted []time.Time
	limiter.onAdmit = func(_ string, at time.Time) {
		mu.Lock()
		admitted = append(admitted, at)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Acquire(context.Background(), "https://api.example.com"); err != nil {
				t.Errorf("acquire: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(admitted) != callers {
		t.Fatalf("expected %d admissions, got %d", callers, len(admitted))
	}
	for i := range admitted {
		count := 0
		for j := range admitted {
			delta := admitted[j].Sub(admitted[i])
			if delta >= 0 && delta < window {
				count++
			}
		}
		if count > limit {
			t.Fatalf("expected at most %d admissions per window, got %d starting at %d", limit, count, i)
		}
	}
}

func TestAcquireCancelled(t *testing.T) {
	limiter := New(Config{MaxCalls: 1, Window: time.Hour})
	if err := limiter.Acquire(context.Background(), "https://a.example"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- limiter.Acquire(ctx, "https://a.example") }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected cancelled waiter to return promptly")
	}
}

func TestSetConfigWakesWaiters(t *testing.T) {
	registry := &metrics.Registry{}
	limiter := New(Config{MaxCalls: 1, Window: time.Hour}, WithMetrics(registry))
	if err := limiter.Acquire(context.Background(), "https://a.example"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- limiter.Acquire(context.Background(), "https://a.example") }()
	time.Sleep(20 * time.Millisecond)
	limiter.SetConfig(Config{MaxCalls: 5, Window: time.Hour})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected admission after config change, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected waiter to be re-evaluated after config change")
	}
	if registry.ThrottleWaits() != 1 {
		t.Fatalf("expected one throttle wait recorded, got %d", registry.ThrottleWaits())
	}
	if got := limiter.Config().MaxCalls; got != 5 {
		t.Fatalf("expected max calls 5, got %d", got)
	}
}

func TestTransportAcquiresPerRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	limiter := New(Config{MaxCalls: 2, Window: time.Hour})
	var admits atomic.Int32
	limiter.onAdmit = func(string, time.Time) { admits.Add(1) }
	client := NewClient(limiter, nil)

	for i := 0; i < 2; i++ {
		resp, err := client.Get(server.URL)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	if _, err := client.Do(req); err == nil {
		t.Fatal("expected third request to block until its context expired")
	}
	if admits.Load() != 2 {
		t.Fatalf("expected 2 admissions, got %d", admits.Load())
	}
}
