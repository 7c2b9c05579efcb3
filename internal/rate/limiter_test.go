package rate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPerHost_Allow(t *testing.T) {
	limiter := New(10.0, 5)

	for i := 0; i < 5; i++ {
		if !limiter.Allow("feeds.example.com") {
			t.Errorf("expected Allow to return true for burst request %d", i+1)
		}
	}

	if limiter.Allow("feeds.example.com") {
		t.Error("expected Allow to return false after burst exhausted")
	}

	if !limiter.Allow("rss.example.org") {
		t.Error("expected Allow to return true for different host")
	}
}

func TestPerHost_Wait(t *testing.T) {
	limiter := New(100.0, 1)
	ctx := context.Background()

	start := time.Now()
	if err := limiter.Wait(ctx, "host1"); err != nil {
		t.Fatal(err)
	}
	if err := limiter.Wait(ctx, "host1"); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d < 5*time.Millisecond {
		t.Errorf("expected Wait to delay, got %v", d)
	}
}

func TestPerHost_WaitHonoursContext(t *testing.T) {
	limiter := New(0.01, 1)
	limiter.Allow("slow-host")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := limiter.Wait(ctx, "slow-host")
	if err == nil {
		t.Fatal("expected Wait to fail when the context cannot cover the delay")
	}
	if errors.Is(err, context.Canceled) {
		t.Errorf("unexpected cancellation error: %v", err)
	}
}

func TestPerHost_Concurrent(t *testing.T) {
	limiter := New(1000.0, 10)
	var wg sync.WaitGroup
	allowed := 0
	var mu sync.Mutex

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("concurrent-host") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if allowed == 0 {
		t.Error("expected some requests to be allowed")
	}
	if allowed > 15 {
		t.Errorf("expected rate limiting to apply, but %d requests were allowed", allowed)
	}
}

func TestPerHost_EvictsIdleHosts(t *testing.T) {
	limiter := New(10, 1)
	limiter.maxEntries = 2
	limiter.idle = 0

	limiter.Allow("a")
	limiter.Allow("b")
	limiter.Allow("c")

	if n := limiter.Len(); n != 1 {
		t.Errorf("expected idle hosts to be evicted, tracking %d", n)
	}
}

func BenchmarkPerHost_Allow(b *testing.B) {
	limiter := New(1000000.0, 1000000)

	b.Run("SingleHost", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			limiter.Allow("benchmark-host")
		}
	})

	b.Run("MultipleHosts", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			limiter.Allow(string(rune(i % 100)))
		}
	})
}
