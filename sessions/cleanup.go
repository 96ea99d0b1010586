package sessions

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/kevinswiber/shadowcat/metrics"
)

// CleanupTier identifies which rule set a cleanup pass applies.
type CleanupTier string

const (
	TierPeriodic  CleanupTier = "periodic"
	TierPressure  CleanupTier = "pressure"
	TierEmergency CleanupTier = "emergency"
	TierShutdown  CleanupTier = "shutdown"
)

// Start launches the background cleanup and heartbeat tasks. They run until
// the supplied context is cancelled or Shutdown is called.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		m.cancel = cancel

		m.wg.Add(2)
		go m.runCleanupLoop(runCtx)
		go m.runHeartbeatLoop(runCtx)
	})
}

// Shutdown stops the background tasks, waits for them to finish (bounded by
// ctx), and runs one final synchronous flush pass.
func (m *Manager) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
	}

	if err := m.flushSessions(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

func (m *Manager) runCleanupLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			tier := m.tierForOccupancy(ctx)
			evicted := m.RunCleanupPass(ctx, tier)
			if evicted > 0 {
				m.log.InfoContext(ctx, "sessions.cleanup.pass",
					slog.String("tier", string(tier)), slog.Int("evicted", evicted))
			}
		}
	}
}

// maybeTriggeredCleanup runs an event-triggered pass when session creation
// pushes occupancy across a pressure threshold.
func (m *Manager) maybeTriggeredCleanup(ctx context.Context) {
	switch tier := m.tierForOccupancy(ctx); tier {
	case TierPressure, TierEmergency:
		evicted := m.RunCleanupPass(ctx, tier)
		m.log.InfoContext(ctx, "sessions.cleanup.triggered",
			slog.String("tier", string(tier)), slog.Int("evicted", evicted))
	}
}

func (m *Manager) tierForOccupancy(ctx context.Context) CleanupTier {
	live := m.SessionCount(ctx)
	if m.cfg.MaxSessions <= 0 {
		return TierPeriodic
	}
	occupancy := float64(live) / float64(m.cfg.MaxSessions)
	switch {
	case occupancy >= m.cfg.EmergencyThreshold:
		return TierEmergency
	case occupancy >= m.cfg.MemoryPressureThreshold:
		return TierPressure
	default:
		return TierPeriodic
	}
}

// RunCleanupPass applies one tier's rules and returns the eviction count.
// Exposed so operators can force a pass (e.g. from an admin surface).
func (m *Manager) RunCleanupPass(ctx context.Context, tier CleanupTier) int {
	all, err := m.store.List(ctx)
	if err != nil {
		m.storeFailure(ctx, "list", err)
		return 0
	}
	m.storeRecovered()

	now := m.clock.Now().UTC()
	idleLimit, ageLimit := m.tierLimits(tier)

	evicted := 0
	remaining := make([]*Session, 0, len(all))
	for _, sess := range all {
		if sess.IdleFor(now) > idleLimit || sess.Age(now) > ageLimit {
			m.evict(ctx, sess.ID, tier)
			evicted++
			continue
		}
		remaining = append(remaining, sess)
	}

	if tier == TierEmergency {
		evicted += m.evictLRU(ctx, remaining)
	}

	return evicted
}

// tierLimits returns the idle and age thresholds for a tier. Pressure and
// emergency shorten both; shutdown reuses the periodic rules.
func (m *Manager) tierLimits(tier CleanupTier) (idle, age time.Duration) {
	switch tier {
	case TierPressure, TierEmergency:
		return m.cfg.PressureIdleTime, m.cfg.PressureSessionAge
	default:
		return m.cfg.MaxIdleTime, m.cfg.MaxSessionAge
	}
}

// evictLRU removes the least-recently-active sessions until occupancy drops
// to the emergency target, bounded per pass by LRUEvictionPercent.
func (m *Manager) evictLRU(ctx context.Context, live []*Session) int {
	target := int(m.cfg.EmergencyTargetOccupancy * float64(m.cfg.MaxSessions))
	need := len(live) - target
	if need <= 0 {
		return 0
	}
	limit := int(math.Ceil(float64(len(live)) * m.cfg.LRUEvictionPercent / 100))
	if need > limit {
		need = limit
	}

	sort.Slice(live, func(i, j int) bool {
		return live[i].LastActivity.Before(live[j].LastActivity)
	})
	for i := 0; i < need; i++ {
		m.evict(ctx, live[i].ID, TierEmergency)
	}
	return need
}

func (m *Manager) evict(ctx context.Context, sessionID string, tier CleanupTier) {
	_ = m.RemoveSession(ctx, sessionID)
	m.metrics.IncCounter(metrics.SessionsEvicted, map[string]string{"tier": string(tier)})
}

// flushSessions persists the final state of every live session. Run once,
// synchronously, during shutdown.
func (m *Manager) flushSessions(ctx context.Context) error {
	all, err := m.store.List(ctx)
	if err != nil {
		m.storeFailure(ctx, "list", err)
		return nil
	}

	var result *multierror.Error
	now := m.clock.Now().UTC()
	for _, sess := range all {
		sess.UpdatedAt = now
		if err := m.store.Put(ctx, sess); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
