package governor

import (
	"math"
	"sort"
	"time"
)

// StartSweeps starts the background idle-eviction and emergency-cleanup
// sweeps. It is a no-op if the sweeps are already running.
func (g *Governor) StartSweeps() {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	g.mu.Unlock()

	g.logger.Infof("Starting sweeps (idle every %v, emergency every %v)",
		g.policy.IdleSweepInterval, g.policy.EmergencySweepInterval)
	go g.run()
}

// Stop stops the background sweeps and waits for the sweep goroutine to
// finish. This method is idempotent - multiple calls are safe. Stopping a
// governor whose sweeps were never started is also safe.
func (g *Governor) Stop() {
	g.mu.Lock()
	started := g.started
	g.mu.Unlock()

	select {
	case <-g.stopCh:
		// Already stopped, just wait for done below
	default:
		close(g.stopCh)
	}

	if started {
		<-g.done // Wait for the goroutine to finish
	}
	g.logger.Infof("Sweeps stopped")
}

// run is the background loop driving both sweeps off independent tickers.
func (g *Governor) run() {
	defer close(g.done)

	idleTicker := time.NewTicker(g.policy.IdleSweepInterval)
	defer idleTicker.Stop()
	emergencyTicker := time.NewTicker(g.policy.EmergencySweepInterval)
	defer emergencyTicker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-idleTicker.C:
			g.sweepIdle()
		case <-emergencyTicker.C:
			g.sweepEmergency()
		}
	}
}

// sweepIdle evicts every connection whose last activity is older than the
// idle timeout. Eviction is lazy: an idle connection survives until the next
// sweep after crossing the threshold. The sweep works on a snapshot taken at
// sweep time, so connections admitted afterwards are unaffected.
func (g *Governor) sweepIdle() {
	now := g.now()

	g.mu.Lock()
	victims := make([]*TrackedConn, 0)
	for _, tc := range g.conns {
		if now.Sub(tc.LastActivity) > g.policy.IdleTimeout {
			victims = append(victims, tc)
		}
	}
	// Rate-limit stamps older than the admission interval can no longer
	// influence a decision; drop them so the map stays bounded.
	for src, stamp := range g.lastAdmit {
		if now.Sub(stamp) >= g.policy.MinAdmitInterval && g.perSource[src] == 0 {
			delete(g.lastAdmit, src)
		}
	}
	g.mu.Unlock()

	for _, tc := range victims {
		g.closeConn(tc, CloseReasonIdle)
		g.Remove(tc.ID)
	}

	if len(victims) > 0 {
		g.logger.Infof("Idle sweep evicted %d connections", len(victims))
	}
}

// sweepEmergency sheds load when the registry exceeds the high-water fraction
// of the global cap. It evicts the oldest connections first: age needs no
// extra bookkeeping and biases against sessions that have had the most
// opportunity to leak. This is a last-resort safety valve, not a precision
// tool.
func (g *Governor) sweepEmergency() {
	g.mu.Lock()
	total := len(g.conns)
	highWater := int(g.policy.HighWaterFraction * float64(g.policy.MaxConnections))
	if total <= highWater {
		g.mu.Unlock()
		return
	}

	byAge := make([]*TrackedConn, 0, total)
	for _, tc := range g.conns {
		byAge = append(byAge, tc)
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].CreatedAt.Before(byAge[j].CreatedAt)
	})

	evictCount := int(math.Ceil(g.policy.EvictFraction * float64(total)))
	if evictCount > total {
		evictCount = total
	}
	victims := byAge[:evictCount]
	g.mu.Unlock()

	g.logger.Warnf("Emergency cleanup: %d connections exceed high water %d, evicting %d oldest",
		total, highWater, evictCount)

	for _, tc := range victims {
		g.closeConn(tc, CloseReasonEmergency)
		g.Remove(tc.ID)
	}
}
