package deduplock

import (
	"context"
	"sync"
	"time"

	"github.com/parcelview/sitewatch/util/logger"
)

// lockEntry represents an exclusive, TTL-bounded claim on a job key.
type lockEntry struct {
	acquiredAt time.Time
	ttl        time.Duration
}

func (e *lockEntry) expired(now time.Time) bool {
	return now.Sub(e.acquiredAt) >= e.ttl
}

// Registry manages TTL-bounded dedup locks keyed by logical job name.
//
// A Registry ensures at most one execution of a keyed operation is in flight
// at a time. A caller that finds a live lock is skipped, not queued. Locks
// self-heal: an entry older than its TTL is treated as absent by future
// acquisition attempts even if the holder crashed without releasing, and a
// periodic sweep purges expired entries so the map does not accumulate stale
// locks between acquisition attempts.
//
// Usage Pattern:
//
//	reg := NewRegistry()
//	ran, err := reg.WithLock(ctx, "census-refresh", 10*time.Minute, func(ctx context.Context) error {
//	    // ... refresh the census snapshot ...
//	    return nil
//	})
//	// ran == false means another run holds the lock; the action did not execute.
type Registry struct {
	mu     sync.Mutex
	locks  map[string]*lockEntry
	now    func() time.Time
	logger *logger.Logger

	sweepInterval time.Duration
	stopCh        chan struct{}
	done          chan struct{}
	started       bool
}

// NewRegistry creates a dedup lock registry. The purge sweep is not running
// until Start is called; passive expiry works regardless.
func NewRegistry() *Registry {
	return &Registry{
		locks:         make(map[string]*lockEntry),
		now:           time.Now,
		logger:        logger.NewLogger("DedupLock"),
		sweepInterval: time.Minute,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// WithLock runs action under the lock for key, or skips it.
//
// If a live (non-expired) lock for key exists, WithLock returns (false, nil)
// immediately without invoking action: a skip is a normal outcome, not an
// error. Otherwise it registers a lock with the given TTL, runs action, and
// releases the lock on every exit path, including when action returns an
// error or panics. The returned error is whatever action returned.
func (r *Registry) WithLock(ctx context.Context, key string, ttl time.Duration, action func(ctx context.Context) error) (bool, error) {
	r.mu.Lock()
	now := r.now()
	if entry, exists := r.locks[key]; exists && !entry.expired(now) {
		r.mu.Unlock()
		r.logger.Debugf("Lock %s held, skipping", key)
		return false, nil
	}
	myEntry := &lockEntry{acquiredAt: now, ttl: ttl}
	r.locks[key] = myEntry
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		// Only release if we still hold the claim: an action that outlived
		// its TTL may have been superseded by a new holder.
		if entry, exists := r.locks[key]; exists && entry == myEntry {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}()

	return true, action(ctx)
}

// Held reports whether a live lock for key currently exists.
func (r *Registry) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists := r.locks[key]
	return exists && !entry.expired(r.now())
}

// Len returns the number of lock entries, live or expired (for testing).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// Start begins the background purge sweep. No-op if already running.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.run()
}

// Stop stops the purge sweep and waits for it to finish. Idempotent, and
// safe on a registry whose sweep was never started.
func (r *Registry) Stop() {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()

	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}

	if started {
		<-r.done
	}
}

func (r *Registry) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.purgeExpired()
		}
	}
}

// purgeExpired drops entries whose TTL has elapsed. A holder that is still
// running past its TTL has lost its claim either way: the next acquisition
// treats the entry as absent.
func (r *Registry) purgeExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	purged := 0
	for key, entry := range r.locks {
		if entry.expired(now) {
			delete(r.locks, key)
			purged++
		}
	}
	if purged > 0 {
		r.logger.Infof("Purged %d expired locks", purged)
	}
}
