package broker

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketBurst(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(3, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("burst of 3 took %v, expected near-instant", elapsed)
	}
}

func TestTokenBucketRefill(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 20) // one token per 50ms
	ctx := context.Background()

	if err := tb.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("second token arrived after %v, expected a refill wait", elapsed)
	}
}

func TestTokenBucketContextCancel(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.001) // effectively no refill
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Wait on empty bucket = %v, want deadline exceeded", err)
	}
}

func TestLimiterReleaseFreesSlot(t *testing.T) {
	t.Parallel()
	l := NewLimiter(1000, 1000, 1)
	ctx := context.Background()

	release, err := l.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// With one slot held, a second acquire must block until release.
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(blocked); err == nil {
		t.Fatal("second acquire succeeded past the in-flight cap")
	}
	release()
	release2, err := l.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}
