package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/kevinswiber/shadowcat/envelope"
	"github.com/kevinswiber/shadowcat/mcp"
	"github.com/kevinswiber/shadowcat/metrics"
)

// LivenessProbe is the transport-supplied capability the heartbeat task uses
// to decide whether a session's underlying connection is still alive.
// Implementations must bias toward "alive" when uncertain; the heartbeat
// additionally treats probe timeouts as alive.
type LivenessProbe interface {
	IsAlive(ctx context.Context) bool
}

// Config configures the session manager. Values are plain; loading and
// validation happen outside the core.
type Config struct {
	// CleanupInterval is the period of the background cleanup task.
	CleanupInterval time.Duration
	// MaxSessions bounds live-session occupancy.
	MaxSessions int
	// MaxIdleTime and MaxSessionAge are the periodic-tier eviction rules.
	MaxIdleTime   time.Duration
	MaxSessionAge time.Duration

	// MemoryPressureThreshold and EmergencyThreshold are occupancy ratios
	// (live / MaxSessions) that trigger the shortened-rule tiers.
	MemoryPressureThreshold float64
	EmergencyThreshold      float64
	// PressureIdleTime and PressureSessionAge are the shortened rules used
	// by the pressure and emergency tiers.
	PressureIdleTime   time.Duration
	PressureSessionAge time.Duration
	// LRUEvictionPercent caps how much of the live set a single emergency
	// pass may evict by recency. EmergencyTargetOccupancy is the occupancy
	// ratio emergency eviction drives toward.
	LRUEvictionPercent       float64
	EmergencyTargetOccupancy float64

	// HeartbeatInterval is the period of the liveness task; ProbeTimeout
	// bounds each probe, resolving to "alive" on expiry.
	HeartbeatInterval time.Duration
	ProbeTimeout      time.Duration

	Metrics metrics.Sink
	Logger  *slog.Logger
	Clock   clockwork.Clock
}

func (c *Config) applyDefaults() {
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = 1000
	}
	if c.MaxIdleTime == 0 {
		c.MaxIdleTime = 30 * time.Minute
	}
	if c.MaxSessionAge == 0 {
		c.MaxSessionAge = 24 * time.Hour
	}
	if c.MemoryPressureThreshold == 0 {
		c.MemoryPressureThreshold = 0.85
	}
	if c.EmergencyThreshold == 0 {
		c.EmergencyThreshold = 0.95
	}
	if c.PressureIdleTime == 0 {
		c.PressureIdleTime = 5 * time.Minute
	}
	if c.PressureSessionAge == 0 {
		c.PressureSessionAge = time.Hour
	}
	if c.LRUEvictionPercent == 0 {
		c.LRUEvictionPercent = 10
	}
	if c.EmergencyTargetOccupancy == 0 {
		c.EmergencyTargetOccupancy = 0.90
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Nop()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// CreateHint carries what the boundary transport knows about a new logical
// connection at first contact.
type CreateHint struct {
	// SessionID, if set, pins the id instead of generating one.
	SessionID string
	Transport envelope.TransportKind
	Client    mcp.ClientInfo
}

// Manager owns the session lifecycle: creation, state transitions, activity
// tracking, heartbeat liveness, and tiered cleanup. All store failures are
// absorbed: the manager degrades to stateless operation rather than
// surfacing backend errors to callers.
type Manager struct {
	cfg     Config
	store   Store
	clock   clockwork.Clock
	log     *slog.Logger
	metrics metrics.Sink

	probesMu sync.Mutex
	probes   map[string]LivenessProbe

	// sessionLocks serializes load-mutate-store sequences per session id so
	// a removal cannot interleave with an in-flight mutation and have the
	// stale record re-persisted afterwards.
	sessionLocks sync.Map

	degraded atomic.Bool

	// onEvict runs after any session removal so stream state can be
	// released; set by the proxy before Start.
	onEvict func(sessionID string)

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager constructs a Manager over the given store.
func NewManager(store Store, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:     cfg,
		store:   store,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		probes:  make(map[string]LivenessProbe),
	}
}

// SetEvictionHook registers a callback invoked with the session id after any
// removal (explicit, cleanup, or heartbeat). Must be called before Start.
func (m *Manager) SetEvictionHook(fn func(sessionID string)) {
	m.onEvict = fn
}

// Degraded reports whether the manager is currently operating statelessly
// because the store backend is unavailable.
func (m *Manager) Degraded() bool { return m.degraded.Load() }

// CreateSession creates a session on first contact from a new logical
// connection. The session is returned even when persistence fails; it is
// then ephemeral for the duration of the outage.
func (m *Manager) CreateSession(ctx context.Context, hint CreateHint) (*Session, error) {
	now := m.clock.Now().UTC()
	id := hint.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	sess := &Session{
		ID:           id,
		State:        StateUninitialized,
		Transport:    hint.Transport,
		Client:       hint.Client,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActivity: now,
	}
	unlock := m.lockSession(id)
	err := m.store.Put(ctx, sess)
	unlock()
	if err != nil {
		m.storeFailure(ctx, "put", err)
	} else {
		m.storeRecovered()
	}
	m.metrics.IncCounter(metrics.SessionsCreated, nil)

	m.maybeTriggeredCleanup(ctx)

	return sess.Clone(), nil
}

// GetSession returns the session or ErrSessionNotFound. Store outages read
// as not-found so callers treat the request as a fresh/unknown session.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			m.storeFailure(ctx, "get", err)
		}
		return nil, ErrSessionNotFound
	}
	m.storeRecovered()
	return sess, nil
}

// Touch updates the session's last-activity timestamp. Best-effort.
func (m *Manager) Touch(ctx context.Context, sessionID string) {
	now := m.clock.Now().UTC()
	_, err := m.mutate(ctx, sessionID, func(s *Session) error {
		s.LastActivity = now
		return nil
	})
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		m.log.DebugContext(ctx, "session.touch.failed", slog.String("session_id", sessionID), slog.String("err", err.Error()))
	}
}

// BeginInitialize marks receipt of an initialize request.
func (m *Manager) BeginInitialize(ctx context.Context, sessionID string) error {
	_, err := m.mutate(ctx, sessionID, func(s *Session) error {
		if s.State == StateInitializing {
			return nil
		}
		return s.transition(StateInitializing)
	})
	return err
}

// TrackInitialize records the negotiated protocol version and activates the
// session. Valid from the uninitialized or initializing states.
func (m *Manager) TrackInitialize(ctx context.Context, sessionID string, negotiatedVersion string) error {
	_, err := m.mutate(ctx, sessionID, func(s *Session) error {
		if err := s.transition(StateActive); err != nil {
			return err
		}
		s.ProtocolVersion = negotiatedVersion
		return nil
	})
	return err
}

// CloseSession drives the session through closing to closed and removes it.
// Used for explicit shutdown notifications and heartbeat-detected death.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	_, err := m.mutate(ctx, sessionID, func(s *Session) error {
		if s.State.CanTransitionTo(StateClosing) {
			if err := s.transition(StateClosing); err != nil {
				return err
			}
		}
		if s.State != StateClosed {
			return s.transition(StateClosed)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	return m.RemoveSession(ctx, sessionID)
}

// RemoveSession deletes the session and releases associated resources.
func (m *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	unlock := m.lockSession(sessionID)
	err := m.store.Delete(ctx, sessionID)
	m.sessionLocks.Delete(sessionID)
	unlock()
	if err != nil {
		m.storeFailure(ctx, "delete", err)
	}
	m.UnregisterLiveness(sessionID)
	if m.onEvict != nil {
		m.onEvict(sessionID)
	}
	return nil
}

// SessionCount returns the current live-session count, zero during outages.
func (m *Manager) SessionCount(ctx context.Context) int {
	all, err := m.store.List(ctx)
	if err != nil {
		m.storeFailure(ctx, "list", err)
		return 0
	}
	m.storeRecovered()
	return len(all)
}

// RegisterLiveness associates a transport liveness probe with a session.
func (m *Manager) RegisterLiveness(sessionID string, probe LivenessProbe) {
	m.probesMu.Lock()
	m.probes[sessionID] = probe
	m.probesMu.Unlock()
}

// UnregisterLiveness removes the probe for a session, if any.
func (m *Manager) UnregisterLiveness(sessionID string) {
	m.probesMu.Lock()
	delete(m.probes, sessionID)
	m.probesMu.Unlock()
}

// lockSession takes the per-session mutation lock and returns its release.
// A removal deletes the lock entry while holding it; any later mutation gets
// a fresh lock but finds the record gone, so nothing stale is written back.
func (m *Manager) lockSession(sessionID string) func() {
	v, _ := m.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// mutate loads, mutates, stamps, and persists a session record. The
// load-store pair holds the per-session lock so a concurrent removal cannot
// be undone by re-persisting the loaded record.
func (m *Manager) mutate(ctx context.Context, sessionID string, fn func(*Session) error) (*Session, error) {
	unlock := m.lockSession(sessionID)
	defer unlock()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			m.storeFailure(ctx, "get", err)
		}
		return nil, ErrSessionNotFound
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.UpdatedAt = m.clock.Now().UTC()
	if err := m.store.Put(ctx, sess); err != nil {
		m.storeFailure(ctx, "put", err)
		return sess, nil
	}
	m.storeRecovered()
	return sess, nil
}

func (m *Manager) storeFailure(ctx context.Context, op string, err error) {
	if m.degraded.CompareAndSwap(false, true) {
		m.log.WarnContext(ctx, "sessions.store.degraded",
			slog.String("op", op), slog.String("err", err.Error()))
	}
	m.metrics.IncCounter(metrics.SessionsDegraded, nil)
}

func (m *Manager) storeRecovered() {
	if m.degraded.CompareAndSwap(true, false) {
		m.log.Info("sessions.store.recovered")
	}
}
