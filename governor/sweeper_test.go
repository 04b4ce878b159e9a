package governor

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/parcelview/sitewatch/util/testutil"
)

func TestIdleSweepEvictsStaleConnections(t *testing.T) {
	g, now := testGovernor(t, Policy{
		MaxConnections:   10,
		MaxPerSource:     5,
		IdleTimeout:      time.Minute,
		MinAdmitInterval: time.Millisecond,
	})

	idle := &fakeConn{}
	active := &fakeConn{}
	if !g.Admit("idle", "A", idle) {
		t.Fatal("Admit(idle) failed")
	}
	*now = now.Add(time.Second)
	if !g.Admit("active", "B", active) {
		t.Fatal("Admit(active) failed")
	}

	// Cross the idle threshold, but keep one connection alive via Touch
	*now = now.Add(2 * time.Minute)
	g.Touch("active")

	g.sweepIdle()

	stats := g.Stats()
	if stats.Total != 1 {
		t.Fatalf("Stats().Total = %d after idle sweep, want 1", stats.Total)
	}
	if !idle.closedWith(CloseReasonIdle) {
		t.Errorf("idle connection not closed with %q: %v", CloseReasonIdle, idle.reasons)
	}
	if active.closeCount() != 0 {
		t.Errorf("touched connection was closed: %v", active.reasons)
	}
}

func TestIdleSweepExactBoundarySurvives(t *testing.T) {
	g, now := testGovernor(t, Policy{
		MaxConnections: 10,
		MaxPerSource:   5,
		IdleTimeout:    time.Minute,
	})

	c := &fakeConn{}
	if !g.Admit("edge", "A", c) {
		t.Fatal("Admit(edge) failed")
	}

	// Eviction requires strictly more than the timeout of inactivity
	*now = now.Add(time.Minute)
	g.sweepIdle()

	if g.Stats().Total != 1 {
		t.Error("connection exactly at the idle boundary was evicted")
	}
}

func TestIdleSweepSurvivesCloseErrors(t *testing.T) {
	g, now := testGovernor(t, Policy{
		MaxConnections:   10,
		MaxPerSource:     5,
		IdleTimeout:      time.Minute,
		MinAdmitInterval: time.Millisecond,
	})

	bad := &fakeConn{closeErr: errors.New("already closed")}
	good := &fakeConn{}
	if !g.Admit("bad", "A", bad) {
		t.Fatal("Admit(bad) failed")
	}
	*now = now.Add(time.Second)
	if !g.Admit("good", "B", good) {
		t.Fatal("Admit(good) failed")
	}

	*now = now.Add(2 * time.Minute)
	g.sweepIdle()

	// A failing close must not stop the sweep from reclaiming the rest
	if g.Stats().Total != 0 {
		t.Errorf("Stats().Total = %d after sweep with close error, want 0", g.Stats().Total)
	}
	if !good.closedWith(CloseReasonIdle) {
		t.Error("second connection not reclaimed after first close failed")
	}
}

func TestIdleSweepPurgesStaleRateStamps(t *testing.T) {
	g, now := testGovernor(t, Policy{
		MaxConnections:   10,
		MaxPerSource:     5,
		MinAdmitInterval: 500 * time.Millisecond,
		IdleTimeout:      time.Minute,
	})

	if !g.Admit("p1", "A", &fakeConn{}) {
		t.Fatal("Admit(p1) failed")
	}
	g.Remove("p1")

	*now = now.Add(time.Second)
	g.sweepIdle()

	g.mu.Lock()
	_, stampKept := g.lastAdmit["A"]
	g.mu.Unlock()
	if stampKept {
		t.Error("stale rate-limit stamp for a sourceless key was not purged")
	}
}

func TestEmergencySweepBelowHighWaterIsNoop(t *testing.T) {
	g, now := testGovernor(t, Policy{
		MaxConnections:    10,
		MaxPerSource:      10,
		MinAdmitInterval:  time.Millisecond,
		HighWaterFraction: 0.8,
		EvictFraction:     0.3,
	})

	conns := make([]*fakeConn, 5)
	for i := range conns {
		conns[i] = &fakeConn{}
		if !g.Admit(fmt.Sprintf("e%d", i), fmt.Sprintf("s%d", i), conns[i]) {
			t.Fatalf("Admit(e%d) failed", i)
		}
		*now = now.Add(time.Second)
	}

	g.sweepEmergency()

	if g.Stats().Total != 5 {
		t.Errorf("emergency sweep evicted below high water: total = %d", g.Stats().Total)
	}
}

func TestEmergencySweepEvictsOldestFirst(t *testing.T) {
	g, now := testGovernor(t, Policy{
		MaxConnections:    10,
		MaxPerSource:      10,
		MinAdmitInterval:  time.Millisecond,
		HighWaterFraction: 0.8,
		EvictFraction:     0.3,
	})

	conns := make([]*fakeConn, 9)
	for i := range conns {
		conns[i] = &fakeConn{}
		if !g.Admit(fmt.Sprintf("e%d", i), fmt.Sprintf("s%d", i), conns[i]) {
			t.Fatalf("Admit(e%d) failed", i)
		}
		*now = now.Add(time.Second)
	}

	// 9 > 0.8*10; ceil(0.3*9) = 3 oldest entries go
	g.sweepEmergency()

	if got := g.Stats().Total; got != 6 {
		t.Fatalf("Stats().Total = %d after emergency sweep, want 6", got)
	}
	for i := 0; i < 3; i++ {
		if !conns[i].closedWith(CloseReasonEmergency) {
			t.Errorf("oldest connection e%d not closed with %q", i, CloseReasonEmergency)
		}
	}
	for i := 3; i < 9; i++ {
		if conns[i].closeCount() != 0 {
			t.Errorf("newer connection e%d was evicted: %v", i, conns[i].reasons)
		}
	}
}

func TestSweepLifecycle(t *testing.T) {
	g, err := NewGovernor("lifecycle", Policy{
		MaxConnections:         10,
		MaxPerSource:           5,
		IdleTimeout:            30 * time.Millisecond,
		IdleSweepInterval:      20 * time.Millisecond,
		EmergencySweepInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewGovernor() failed: %v", err)
	}

	c := &fakeConn{}
	if !g.Admit("lc1", "A", c) {
		t.Fatal("Admit(lc1) failed")
	}

	g.StartSweeps()
	g.StartSweeps() // second call is a no-op

	testutil.WaitFor(t, 2*time.Second, "idle connection to be evicted by the background sweep", func() bool {
		return g.Stats().Total == 0
	})
	if !c.closedWith(CloseReasonIdle) {
		t.Errorf("connection not closed with %q: %v", CloseReasonIdle, c.reasons)
	}

	g.Stop()
	g.Stop() // idempotent
}

func TestStopWithoutStart(t *testing.T) {
	g, err := NewGovernor("never-started", DefaultPolicy())
	if err != nil {
		t.Fatalf("NewGovernor() failed: %v", err)
	}
	g.Stop() // must not hang or panic
}
