package sessions

import (
	"context"
	"log/slog"

	"github.com/kevinswiber/shadowcat/metrics"
)

func (m *Manager) runHeartbeatLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.RunHeartbeatPass(ctx)
		}
	}
}

// RunHeartbeatPass probes every session that has a registered liveness
// capability. Sessions confirmed dead are closed and removed immediately
// rather than deferred to the next cleanup tick. A probe that times out is
// uncertain and counts as alive; a wrong "dead" verdict would sever a
// healthy connection, while a wrong "alive" self-corrects on the next pass.
func (m *Manager) RunHeartbeatPass(ctx context.Context) {
	all, err := m.store.List(ctx)
	if err != nil {
		m.storeFailure(ctx, "list", err)
		return
	}
	m.storeRecovered()

	// Copy the probe table out from under the lock; probing suspends.
	m.probesMu.Lock()
	probes := make(map[string]LivenessProbe, len(m.probes))
	for id, p := range m.probes {
		probes[id] = p
	}
	m.probesMu.Unlock()

	for _, sess := range all {
		probe, ok := probes[sess.ID]
		if !ok {
			continue
		}
		m.metrics.IncCounter(metrics.HeartbeatChecks, nil)
		if m.probeAlive(ctx, probe) {
			continue
		}
		m.metrics.IncCounter(metrics.DeadSessionsDetected, nil)
		m.log.InfoContext(ctx, "sessions.heartbeat.dead",
			slog.String("session_id", sess.ID))
		if err := m.CloseSession(ctx, sess.ID); err != nil {
			m.log.WarnContext(ctx, "sessions.heartbeat.close.failed",
				slog.String("session_id", sess.ID), slog.String("err", err.Error()))
		}
	}
}

// probeAlive runs the probe bounded by ProbeTimeout. Timeout and
// cancellation both resolve to alive.
func (m *Manager) probeAlive(ctx context.Context, probe LivenessProbe) bool {
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan bool, 1)
	go func() {
		result <- probe.IsAlive(probeCtx)
	}()

	select {
	case alive := <-result:
		return alive
	case <-m.clock.After(m.cfg.ProbeTimeout):
		return true
	case <-ctx.Done():
		return true
	}
}
