package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missioncore/internal/alloc"
	"missioncore/internal/bus"
	"missioncore/internal/config"
	"missioncore/internal/db"
	"missioncore/internal/domain"
	"missioncore/internal/events"
	"missioncore/internal/migrate"
	"missioncore/internal/repo"
)

func newDetectEngine(t *testing.T) (*Engine, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	r := repo.Repo{DB: conn}
	b := bus.New(10, zerolog.Nop())
	t.Cleanup(b.Close)
	cfg := config.Default()
	ev := events.Writer{Repo: r, Bus: b}
	a := alloc.New(cfg, r, ev, zerolog.Nop())
	return New(cfg, r, b, a, ev, zerolog.Nop()), r
}

func TestDetectAgainstPreviousAggregate(t *testing.T) {
	e, r := newDetectEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	prev := &Snapshot{TakenAt: now.Add(-5 * time.Second), SuccessRate: 0.9, AvgDurationSec: 10, DomainAvgRep: 0.9}
	snap := Snapshot{TakenAt: now, SuccessRate: 0.5, AvgDurationSec: 25, DomainAvgRep: 0.7}

	e.detect(ctx, snap, prev)

	anomalies := e.Anomalies()
	require.Len(t, anomalies, 3)
	kinds := map[string]bool{}
	for _, a := range anomalies {
		kinds[a.Kind] = true
	}
	assert.True(t, kinds["success_rate_drop"])
	assert.True(t, kinds["duration_spike"])
	assert.True(t, kinds["reputation_decline"])

	evts, err := r.EventsAfter(ctx, 0, domain.TopicAnalytics, "", "", 10)
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, "anomaly.detected", evts[0].Type)
}

func TestDetectWithinToleranceIsQuiet(t *testing.T) {
	e, _ := newDetectEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	prev := &Snapshot{TakenAt: now.Add(-5 * time.Second), SuccessRate: 0.9, AvgDurationSec: 10, DomainAvgRep: 0.9}
	snap := Snapshot{TakenAt: now, SuccessRate: 0.8, AvgDurationSec: 15, DomainAvgRep: 0.85}

	e.detect(ctx, snap, prev)

	assert.Empty(t, e.Anomalies())
}

func TestDetectPrefersPersistedBaseline(t *testing.T) {
	e, _ := newDetectEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	e.SetNow(func() time.Time { return now })

	// two healthy persisted snapshots form the baseline
	for i := 2; i >= 1; i-- {
		e.mu.Lock()
		e.completed = 9
		e.failed = 1
		e.mu.Unlock()
		require.NoError(t, e.TakeSnapshot(ctx))
	}

	// the previous in-process aggregate is already degraded; the persisted
	// baseline must be what the fresh aggregate is judged against
	prev := &Snapshot{TakenAt: now.Add(-5 * time.Second), SuccessRate: 0.5}
	snap := Snapshot{TakenAt: now, SuccessRate: 0.5}

	e.detect(ctx, snap, prev)

	anomalies := e.Anomalies()
	require.Len(t, anomalies, 1)
	assert.Equal(t, "success_rate_drop", anomalies[0].Kind)
	assert.InDelta(t, 0.9, anomalies[0].Baseline, 0.001)
}

func TestDetectNeedsSomethingToCompareAgainst(t *testing.T) {
	e, _ := newDetectEngine(t)
	e.detect(context.Background(), Snapshot{SuccessRate: 0.1}, nil)
	assert.Empty(t, e.Anomalies())
}
