package sessions_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kevinswiber/shadowcat/metrics"
	"github.com/kevinswiber/shadowcat/sessions"
)

func TestPeriodicPassEvictsIdleSessions(t *testing.T) {
	rec := metrics.NewRecorder()
	mgr, _, fc := newTestManager(t, sessions.Config{
		MaxIdleTime: 30 * time.Minute,
		Metrics:     rec,
	})
	ctx := context.Background()

	if _, err := mgr.CreateSession(ctx, sessions.CreateHint{SessionID: "idle"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	fc.Advance(20 * time.Minute)
	if _, err := mgr.CreateSession(ctx, sessions.CreateHint{SessionID: "fresh"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	fc.Advance(15 * time.Minute) // "idle" is now 35m idle, "fresh" 15m

	evicted := mgr.RunCleanupPass(ctx, sessions.TierPeriodic)
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if _, err := mgr.GetSession(ctx, "idle"); err == nil {
		t.Fatal("idle session should have been evicted")
	}
	if _, err := mgr.GetSession(ctx, "fresh"); err != nil {
		t.Fatalf("fresh session evicted unexpectedly: %v", err)
	}
	if rec.Count(metrics.SessionsEvicted, map[string]string{"tier": "periodic"}) != 1 {
		t.Fatal("expected periodic eviction counter")
	}
}

func TestPressureTierShortensLimits(t *testing.T) {
	mgr, _, fc := newTestManager(t, sessions.Config{
		MaxIdleTime:      30 * time.Minute,
		PressureIdleTime: 5 * time.Minute,
	})
	ctx := context.Background()

	if _, err := mgr.CreateSession(ctx, sessions.CreateHint{SessionID: "s1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	fc.Advance(10 * time.Minute)

	// 10m idle survives the periodic rules but not the pressure rules.
	if evicted := mgr.RunCleanupPass(ctx, sessions.TierPeriodic); evicted != 0 {
		t.Fatalf("periodic evicted = %d, want 0", evicted)
	}
	if evicted := mgr.RunCleanupPass(ctx, sessions.TierPressure); evicted != 1 {
		t.Fatalf("pressure evicted = %d, want 1", evicted)
	}
}

func TestEmergencyLRUEvictionIsBounded(t *testing.T) {
	rec := metrics.NewRecorder()
	mgr, store, fc := newTestManager(t, sessions.Config{
		MaxSessions:              900,
		MaxIdleTime:              24 * time.Hour,
		MaxSessionAge:            48 * time.Hour,
		PressureIdleTime:         24 * time.Hour,
		PressureSessionAge:       48 * time.Hour,
		LRUEvictionPercent:       10,
		EmergencyTargetOccupancy: 0.90,
		Metrics:                  rec,
	})
	ctx := context.Background()

	// 1000 live sessions, none violating idle or age rules. Target occupancy
	// is 810 but a single pass may only evict 10% of the live set.
	base := fc.Now().UTC()
	for i := 0; i < 1000; i++ {
		sess := &sessions.Session{
			ID:           fmt.Sprintf("s%04d", i),
			State:        sessions.StateActive,
			CreatedAt:    base,
			UpdatedAt:    base,
			LastActivity: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Put(ctx, sess); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	evicted := mgr.RunCleanupPass(ctx, sessions.TierEmergency)
	if evicted != 100 {
		t.Fatalf("evicted = %d, want 100 (10%% cap)", evicted)
	}
	if got := mgr.SessionCount(ctx); got != 900 {
		t.Fatalf("remaining = %d, want 900", got)
	}
	if rec.Count(metrics.SessionsEvicted, map[string]string{"tier": "emergency"}) != 100 {
		t.Fatal("expected emergency eviction counter = 100")
	}

	// The least recently active sessions go first.
	if _, err := mgr.GetSession(ctx, "s0000"); err == nil {
		t.Fatal("oldest session should have been evicted")
	}
	if _, err := mgr.GetSession(ctx, "s0999"); err != nil {
		t.Fatalf("most recent session evicted unexpectedly: %v", err)
	}
}

func TestShutdownFlushesAndStops(t *testing.T) {
	mgr, store, _ := newTestManager(t, sessions.Config{})
	ctx := context.Background()

	sess, err := mgr.CreateSession(ctx, sessions.CreateHint{SessionID: "s1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	mgr.Start(ctx)
	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// The flush pass persisted the session rather than evicting it.
	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get after shutdown: %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("flushed session id = %s, want %s", got.ID, sess.ID)
	}
}
