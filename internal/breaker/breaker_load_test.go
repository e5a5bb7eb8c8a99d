// Copyright 2025 James Ross
package breaker

import (
	"sync"
	"testing"
	"time"
)

// TestBreakerSingleProbeUnderConcurrentDeliveryAttempts simulates the real
// failure shape this repo produces: many worker goroutines (cmd/broker's
// runWorkerPool) calling a webhook/AMQP sink's Allow() concurrently right as
// the breaker enters HalfOpen. Only one of them may slip through as the probe;
// the rest must back off and let Queue.Retry reschedule them.
func TestBreakerSingleProbeUnderConcurrentDeliveryAttempts(t *testing.T) {
	cb := New(20*time.Millisecond, 50*time.Millisecond, 0.5, 2)
	if cb.State() != Closed {
		t.Fatal("expected closed")
	}
	cb.Record(false)
	cb.Record(false)
	if cb.State() != Open {
		t.Fatal("expected open after repeated sink failures")
	}

	time.Sleep(60 * time.Millisecond)

	const workers = 100
	trues := allowConcurrently(cb, workers)
	if trues != 1 {
		t.Fatalf("expected exactly 1 worker to win the probe slot, got %d", trues)
	}

	// The webhook endpoint is still down: the probe delivery attempt fails.
	cb.Record(false)
	if cb.State() != Open {
		t.Fatalf("expected open after the probe delivery attempt also failed, got %v", cb.State())
	}

	time.Sleep(60 * time.Millisecond)
	trues = allowConcurrently(cb, workers)
	if trues != 1 {
		t.Fatalf("expected exactly 1 worker to win the probe slot on the second cycle, got %d", trues)
	}

	// The endpoint recovered: this probe delivery attempt succeeds.
	cb.Record(true)
	if cb.State() != Closed {
		t.Fatalf("expected closed after the probe delivery attempt succeeded, got %v", cb.State())
	}
}

func allowConcurrently(cb *CircuitBreaker, n int) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	wg.Add(n)
	allowed := 0
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if cb.Allow() {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return allowed
}
