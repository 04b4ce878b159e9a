package governor

import (
	"fmt"
	"sync"
	"time"

	"github.com/parcelview/sitewatch/util/logger"
	"github.com/parcelview/sitewatch/util/metrics"
)

// Rejection reasons returned by CanAdmit, ordered by urgency: global capacity
// is checked first because it is the more urgent failure to surface.
const (
	ReasonGlobalLimit = "global limit"
	ReasonSourceLimit = "source limit"
	ReasonRateLimit   = "rate limit"
)

// Close reasons passed to the transport when the governor evicts a connection.
const (
	CloseReasonIdle      = "idle timeout"
	CloseReasonEmergency = "emergency cleanup"
	CloseReasonShutdown  = "server cleanup"
)

// Conn is the transport handle tracked for each admitted connection. The
// governor only issues close requests; it does not own the transport's
// lifecycle beyond that.
type Conn interface {
	Close(reason string) error
}

// Policy holds the admission thresholds. It is fixed at construction and
// read-only at runtime.
type Policy struct {
	MaxConnections   int           // global cap on tracked connections
	MaxPerSource     int           // cap on connections sharing one source key
	MinAdmitInterval time.Duration // minimum gap between accepted admissions per source
	IdleTimeout      time.Duration // inactivity window before idle eviction

	IdleSweepInterval      time.Duration // period of the idle-eviction sweep
	EmergencySweepInterval time.Duration // period of the emergency-cleanup sweep
	HighWaterFraction      float64       // fraction of MaxConnections that triggers emergency cleanup
	EvictFraction          float64       // fraction of current load evicted per emergency sweep
}

// DefaultPolicy returns the thresholds used when a field is left unset. The
// numbers are deliberately configuration, not validated constants: production
// traffic has shown per-source limits in particular need tuning per deployment.
func DefaultPolicy() Policy {
	return Policy{
		MaxConnections:         1000,
		MaxPerSource:           20,
		MinAdmitInterval:       500 * time.Millisecond,
		IdleTimeout:            5 * time.Minute,
		IdleSweepInterval:      60 * time.Second,
		EmergencySweepInterval: 30 * time.Second,
		HighWaterFraction:      0.8,
		EvictFraction:          0.3,
	}
}

// Validate checks the policy thresholds and fills unset fields from
// DefaultPolicy.
func (p *Policy) Validate() error {
	def := DefaultPolicy()
	if p.MaxConnections == 0 {
		p.MaxConnections = def.MaxConnections
	}
	if p.MaxPerSource == 0 {
		p.MaxPerSource = def.MaxPerSource
	}
	if p.MinAdmitInterval == 0 {
		p.MinAdmitInterval = def.MinAdmitInterval
	}
	if p.IdleTimeout == 0 {
		p.IdleTimeout = def.IdleTimeout
	}
	if p.IdleSweepInterval == 0 {
		p.IdleSweepInterval = def.IdleSweepInterval
	}
	if p.EmergencySweepInterval == 0 {
		p.EmergencySweepInterval = def.EmergencySweepInterval
	}
	if p.HighWaterFraction == 0 {
		p.HighWaterFraction = def.HighWaterFraction
	}
	if p.EvictFraction == 0 {
		p.EvictFraction = def.EvictFraction
	}

	if p.MaxConnections < 0 {
		return fmt.Errorf("MaxConnections must be positive, got %d", p.MaxConnections)
	}
	if p.MaxPerSource < 0 {
		return fmt.Errorf("MaxPerSource must be positive, got %d", p.MaxPerSource)
	}
	if p.MinAdmitInterval < 0 {
		return fmt.Errorf("MinAdmitInterval cannot be negative, got %v", p.MinAdmitInterval)
	}
	if p.IdleTimeout < 0 {
		return fmt.Errorf("IdleTimeout cannot be negative, got %v", p.IdleTimeout)
	}
	if p.HighWaterFraction < 0 || p.HighWaterFraction > 1 {
		return fmt.Errorf("HighWaterFraction must be in [0,1], got %f", p.HighWaterFraction)
	}
	if p.EvictFraction < 0 || p.EvictFraction > 1 {
		return fmt.Errorf("EvictFraction must be in [0,1], got %f", p.EvictFraction)
	}
	return nil
}

// TrackedConn represents one admitted realtime session.
type TrackedConn struct {
	ID           string
	SourceKey    string
	CreatedAt    time.Time
	LastActivity time.Time
	Handle       Conn
}

// Stats is a read-only snapshot of the governor's registry.
type Stats struct {
	Total           int
	PerSource       map[string]int
	OldestCreatedAt *time.Time // nil when the registry is empty
	Policy          Policy
}

// Governor gates creation of realtime sessions under global, per-source and
// rate-limit constraints, and reclaims idle or excess sessions through
// background sweeps.
//
// All state is owned by the Governor instance; callers interact only through
// the exported methods. A single mutex guards the registry, so an Admit
// re-validates the admission check inside the same critical section instead
// of trusting an earlier CanAdmit result.
type Governor struct {
	mu        sync.Mutex
	policy    Policy
	name      string // gateway instance label for logs and metrics
	conns     map[string]*TrackedConn
	perSource map[string]int
	lastAdmit map[string]time.Time // per source, timestamp of last ACCEPTED admission
	now       func() time.Time
	logger    *logger.Logger

	stopCh  chan struct{}
	done    chan struct{}
	started bool
}

// NewGovernor creates a governor for the named gateway instance with the
// given policy. Background sweeps are not running until StartSweeps is called.
func NewGovernor(name string, policy Policy) (*Governor, error) {
	if name == "" {
		return nil, fmt.Errorf("name cannot be empty")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid admission policy: %w", err)
	}

	return &Governor{
		policy:    policy,
		name:      name,
		conns:     make(map[string]*TrackedConn),
		perSource: make(map[string]int),
		lastAdmit: make(map[string]time.Time),
		now:       time.Now,
		logger:    logger.NewLogger(fmt.Sprintf("Governor(%s)", name)),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// CanAdmit reports whether a new connection from sourceKey would be accepted,
// and the rejection reason otherwise. It is a pure check with no side
// effects: repeated calls with no intervening Admit behave identically.
func (g *Governor) CanAdmit(sourceKey string) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.canAdmitLocked(sourceKey, g.now())
}

// canAdmitLocked evaluates the admission policy. Order matters: global
// capacity first, then per-source capacity, then the rate limit.
func (g *Governor) canAdmitLocked(sourceKey string, now time.Time) (bool, string) {
	if len(g.conns) >= g.policy.MaxConnections {
		return false, ReasonGlobalLimit
	}
	if g.perSource[sourceKey] >= g.policy.MaxPerSource {
		return false, ReasonSourceLimit
	}
	if last, ok := g.lastAdmit[sourceKey]; ok && now.Sub(last) < g.policy.MinAdmitInterval {
		return false, ReasonRateLimit
	}
	return true, ""
}

// Admit registers a connection under the given id and source key. It re-runs
// the admission check and returns false without mutating anything if the
// check fails, so callers racing between CanAdmit and Admit stay correct.
// The caller must guarantee id uniqueness; admitting an id that is already
// registered is rejected.
func (g *Governor) Admit(id, sourceKey string, handle Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if _, exists := g.conns[id]; exists {
		g.logger.Warnf("Rejecting admit of duplicate connection id %s", id)
		return false
	}

	if ok, reason := g.canAdmitLocked(sourceKey, now); !ok {
		g.logger.Debugf("Rejected connection from %s: %s", sourceKey, reason)
		metrics.RecordAdmissionRejected(g.name, reason)
		return false
	}

	g.conns[id] = &TrackedConn{
		ID:           id,
		SourceKey:    sourceKey,
		CreatedAt:    now,
		LastActivity: now,
		Handle:       handle,
	}
	g.perSource[sourceKey]++
	g.lastAdmit[sourceKey] = now

	total := len(g.conns)
	metrics.RecordAdmissionAccepted(g.name)
	metrics.SetActiveConnections(g.name, total)
	g.logger.Infof("Admitted connection %s from %s (%d total)", id, sourceKey, total)
	return true
}

// Touch refreshes the activity timestamp for id. Unknown ids are a no-op:
// the connection may already have been reclaimed by a sweep.
func (g *Governor) Touch(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if tc, ok := g.conns[id]; ok {
		tc.LastActivity = g.now()
	}
}

// Remove deregisters a connection. It is idempotent: removing an unknown or
// already-removed id is a no-op. Remove does not close the transport; that
// is the caller's responsibility.
func (g *Governor) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(id)
}

func (g *Governor) removeLocked(id string) {
	tc, ok := g.conns[id]
	if !ok {
		return
	}
	delete(g.conns, id)

	if n := g.perSource[tc.SourceKey]; n <= 1 {
		delete(g.perSource, tc.SourceKey)
	} else {
		g.perSource[tc.SourceKey] = n - 1
	}

	metrics.SetActiveConnections(g.name, len(g.conns))
	g.logger.Debugf("Removed connection %s from %s (%d total)", id, tc.SourceKey, len(g.conns))
}

// Stats returns a snapshot of the registry for observability and tests.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	perSource := make(map[string]int, len(g.perSource))
	for k, v := range g.perSource {
		perSource[k] = v
	}

	var oldest *time.Time
	for _, tc := range g.conns {
		if oldest == nil || tc.CreatedAt.Before(*oldest) {
			t := tc.CreatedAt
			oldest = &t
		}
	}

	return Stats{
		Total:           len(g.conns),
		PerSource:       perSource,
		OldestCreatedAt: oldest,
		Policy:          g.policy,
	}
}

// ForceCleanup closes every tracked connection with reason "server cleanup"
// and clears all internal state, including rate-limit timestamps. Intended
// for orderly process shutdown; safe to call on an empty registry.
func (g *Governor) ForceCleanup() {
	g.mu.Lock()
	victims := make([]*TrackedConn, 0, len(g.conns))
	for _, tc := range g.conns {
		victims = append(victims, tc)
	}
	g.conns = make(map[string]*TrackedConn)
	g.perSource = make(map[string]int)
	g.lastAdmit = make(map[string]time.Time)
	metrics.SetActiveConnections(g.name, 0)
	g.mu.Unlock()

	for _, tc := range victims {
		g.closeConn(tc, CloseReasonShutdown)
	}

	if len(victims) > 0 {
		g.logger.Infof("Force cleanup closed %d connections", len(victims))
	}
}

// closeConn requests a graceful close of the transport. Close failures are
// logged, never propagated: one misbehaving connection must not block
// reclamation of the rest.
func (g *Governor) closeConn(tc *TrackedConn, reason string) {
	if tc.Handle == nil {
		return
	}
	if err := tc.Handle.Close(reason); err != nil {
		g.logger.Warnf("Failed to close connection %s (%s): %v", tc.ID, reason, err)
	}
	metrics.RecordEviction(g.name, reason)
}
