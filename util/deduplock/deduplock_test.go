package deduplock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func testRegistry() (*Registry, *time.Time) {
	r := NewRegistry()
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := &clock
	r.now = func() time.Time { return *now }
	return r, now
}

func TestWithLockRunsAction(t *testing.T) {
	r, _ := testRegistry()

	ran := false
	ok, err := r.WithLock(context.Background(), "job", time.Minute, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock() error = %v", err)
	}
	if !ok || !ran {
		t.Errorf("WithLock() = %v, action ran = %v; want both true", ok, ran)
	}
	if r.Len() != 0 {
		t.Errorf("lock not released after action: %d entries", r.Len())
	}
}

func TestWithLockPropagatesActionError(t *testing.T) {
	r, _ := testRegistry()

	wantErr := errors.New("refresh failed")
	ok, err := r.WithLock(context.Background(), "job", time.Minute, func(ctx context.Context) error {
		return wantErr
	})
	if !ok {
		t.Error("WithLock() skipped, want it to run")
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("WithLock() error = %v, want %v", err, wantErr)
	}
	// Released on the error path too
	if r.Len() != 0 {
		t.Errorf("lock not released after failed action: %d entries", r.Len())
	}
}

func TestWithLockMutualExclusion(t *testing.T) {
	// Two concurrent WithLock calls on one key with a suspending action:
	// exactly one action invocation occurs.
	r := NewRegistry()

	inside := make(chan struct{})
	release := make(chan struct{})
	var invocations int
	var mu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.WithLock(context.Background(), "job", time.Minute, func(ctx context.Context) error {
			mu.Lock()
			invocations++
			mu.Unlock()
			close(inside)
			<-release
			return nil
		})
	}()

	<-inside // first holder is inside the action

	ok, err := r.WithLock(context.Background(), "job", time.Minute, func(ctx context.Context) error {
		mu.Lock()
		invocations++
		mu.Unlock()
		return nil
	})
	if ok {
		t.Error("second WithLock ran its action while the first held the lock")
	}
	if err != nil {
		t.Errorf("skipped WithLock returned error: %v", err)
	}

	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if invocations != 1 {
		t.Errorf("invocations = %d, want 1", invocations)
	}
}

func TestWithLockTTLSelfHeal(t *testing.T) {
	r, now := testRegistry()

	// Simulate a crashed holder: plant a lock entry that was never released.
	r.mu.Lock()
	r.locks["job"] = &lockEntry{acquiredAt: *now, ttl: 2 * time.Second}
	r.mu.Unlock()

	// Before the TTL elapses the key is unavailable
	ok, _ := r.WithLock(context.Background(), "job", time.Second, func(ctx context.Context) error {
		return nil
	})
	if ok {
		t.Fatal("WithLock acquired a live lock held by a crashed holder")
	}

	// Once the TTL elapses the key is acquirable again
	*now = now.Add(2 * time.Second)
	ran := false
	ok, err := r.WithLock(context.Background(), "job", time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock() error = %v", err)
	}
	if !ok || !ran {
		t.Errorf("WithLock after TTL expiry = %v, ran = %v; want both true", ok, ran)
	}
}

func TestDifferentKeysAreIndependent(t *testing.T) {
	r := NewRegistry()

	inside := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.WithLock(context.Background(), "job-a", time.Minute, func(ctx context.Context) error {
			close(inside)
			<-release
			return nil
		})
	}()

	<-inside

	ok, err := r.WithLock(context.Background(), "job-b", time.Minute, func(ctx context.Context) error {
		return nil
	})
	if !ok || err != nil {
		t.Errorf("WithLock(job-b) = (%v, %v), want (true, nil): keys must not contend", ok, err)
	}

	close(release)
	wg.Wait()
}

func TestHeld(t *testing.T) {
	r, now := testRegistry()

	if r.Held("job") {
		t.Error("Held() = true on empty registry")
	}

	r.mu.Lock()
	r.locks["job"] = &lockEntry{acquiredAt: *now, ttl: time.Second}
	r.mu.Unlock()

	if !r.Held("job") {
		t.Error("Held() = false for a live lock")
	}

	*now = now.Add(time.Second)
	if r.Held("job") {
		t.Error("Held() = true for an expired lock")
	}
}

func TestPurgeExpired(t *testing.T) {
	r, now := testRegistry()

	r.mu.Lock()
	r.locks["stale"] = &lockEntry{acquiredAt: *now, ttl: time.Second}
	r.locks["live"] = &lockEntry{acquiredAt: *now, ttl: time.Hour}
	r.mu.Unlock()

	*now = now.Add(time.Minute)
	r.purgeExpired()

	if r.Len() != 1 {
		t.Fatalf("Len() = %d after purge, want 1", r.Len())
	}
	if !r.Held("live") {
		t.Error("live lock was purged")
	}
}

func TestSweepLifecycle(t *testing.T) {
	r := NewRegistry()
	r.sweepInterval = 10 * time.Millisecond

	r.mu.Lock()
	r.locks["stale"] = &lockEntry{acquiredAt: time.Now().Add(-time.Hour), ttl: time.Second}
	r.mu.Unlock()

	r.Start()
	r.Start() // no-op

	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Len() != 0 {
		t.Error("background sweep did not purge the expired lock")
	}

	r.Stop()
	r.Stop() // idempotent
}

func TestStopWithoutStart(t *testing.T) {
	r := NewRegistry()
	r.Stop() // must not hang or panic
}
