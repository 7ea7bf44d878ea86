package analytics_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missioncore/internal/alloc"
	"missioncore/internal/analytics"
	"missioncore/internal/bus"
	"missioncore/internal/config"
	"missioncore/internal/db"
	"missioncore/internal/domain"
	"missioncore/internal/events"
	"missioncore/internal/migrate"
	"missioncore/internal/repo"
)

type testEnv struct {
	Engine *analytics.Engine
	Repo   repo.Repo
	Bus    *bus.Bus
	Cfg    *config.Config
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	r := repo.Repo{DB: conn}
	b := bus.New(100, zerolog.Nop())
	t.Cleanup(b.Close)
	cfg := config.Default()
	ev := events.Writer{Repo: r, Bus: b}
	a := alloc.New(cfg, r, ev, zerolog.Nop())
	eng := analytics.New(cfg, r, b, a, ev, zerolog.Nop())
	return testEnv{Engine: eng, Repo: r, Bus: b, Cfg: cfg, Ctx: context.Background()}
}

// start runs the engine loop for the duration of the test.
func (env testEnv) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(env.Ctx)
	t.Cleanup(cancel)
	go env.Engine.Run(ctx)
}

// publish delivers one mission event over the bus under a fixed correlation
// id, so tests can re-send it until the subscription has caught it without
// ever double counting.
func (env testEnv) publish(corr, evtType, missionID, payload string) {
	evt := domain.Event{
		CorrelationID: corr,
		MissionID:     missionID,
		Topic:         domain.TopicMissions,
		Type:          evtType,
		Payload:       payload,
		EmittedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	data, _ := json.Marshal(evt)
	env.Bus.Publish(domain.TopicMissions, bus.Message{
		CorrelationID: corr,
		Type:          evtType,
		Payload:       data,
	})
}

func (env testEnv) publishUntil(t *testing.T, corr, evtType, missionID, payload string, seen func(analytics.Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		env.publish(corr, evtType, missionID, payload)
		return seen(env.Engine.Current(env.Ctx))
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCountersFollowMissionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	env.publishUntil(t, uuid.NewString(), "mission.submitted", "m1", "{}",
		func(s analytics.Snapshot) bool { return s.Queued == 1 })

	env.publishUntil(t, uuid.NewString(), "mission.state_changed", "m1", `{"from":"queued","to":"assigned"}`,
		func(s analytics.Snapshot) bool { return s.Active == 1 && s.Queued == 0 })

	env.publishUntil(t, uuid.NewString(), "mission.state_changed", "m1", `{"from":"optimizing","to":"completed"}`,
		func(s analytics.Snapshot) bool { return s.Completed == 1 && s.Active == 0 })

	snap := env.Engine.Current(env.Ctx)
	assert.Equal(t, 1.0, snap.SuccessRate)
}

func TestDuplicateDeliveriesCountOnce(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	corr := uuid.NewString()
	env.publishUntil(t, corr, "mission.submitted", "m1", "{}",
		func(s analytics.Snapshot) bool { return s.Queued == 1 })
	for i := 0; i < 5; i++ {
		env.publish(corr, "mission.submitted", "m1", "{}")
	}

	// a distinct later event proves the duplicates were already consumed
	env.publishUntil(t, uuid.NewString(), "mission.submitted", "m2", "{}",
		func(s analytics.Snapshot) bool { return s.Queued == 2 })
	assert.Equal(t, 2, env.Engine.Current(env.Ctx).Queued)
}

func TestFailureAndCancellationCounters(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	env.publishUntil(t, uuid.NewString(), "mission.failed", "m1", `{"reason":"boom"}`,
		func(s analytics.Snapshot) bool { return s.Failed == 1 })
	env.publishUntil(t, uuid.NewString(), "mission.cancelled", "m2", `{"from":"queued"}`,
		func(s analytics.Snapshot) bool { return s.Cancelled == 1 })
	env.publishUntil(t, uuid.NewString(), "mission.state_changed", "m3", `{"from":"optimizing","to":"completed"}`,
		func(s analytics.Snapshot) bool { return s.Completed == 1 })

	snap := env.Engine.Current(env.Ctx)
	assert.InDelta(t, 0.5, snap.SuccessRate, 0.001)
}

func TestSnapshotRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	taken := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	env.Engine.SetNow(func() time.Time { return taken })

	require.NoError(t, env.Engine.TakeSnapshot(env.Ctx))

	history, err := env.Engine.History(env.Ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].TakenAt.Equal(taken))

	trends, err := env.Engine.Trends(env.Ctx)
	require.NoError(t, err)
	require.Len(t, trends, 1)
	assert.Equal(t, history[0].SuccessRate, trends[0].SuccessRate)
}

func TestHistoryHonorsLookbackWindow(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	env.Engine.SetNow(func() time.Time { return now.Add(-2 * env.Cfg.Analytics.TrendLookback) })
	require.NoError(t, env.Engine.TakeSnapshot(env.Ctx))

	env.Engine.SetNow(func() time.Time { return now })
	require.NoError(t, env.Engine.TakeSnapshot(env.Ctx))

	history, err := env.Engine.History(env.Ctx)
	require.NoError(t, err)
	require.Len(t, history, 1, "the stale snapshot should fall outside the window")
	assert.True(t, history[0].TakenAt.Equal(now))
}
