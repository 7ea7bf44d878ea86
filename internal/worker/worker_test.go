package worker_test

import (
	"context"
	"encoding/json"
	"sync"
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
	"missioncore/internal/worker"
)

type testEnv struct {
	Pool  *worker.Pool
	Alloc *alloc.Allocator
	Repo  repo.Repo
	Bus   *bus.Bus
	Cfg   *config.Config
	Ctx   context.Context
}

// progressLog collects mission.progress reports seen on the agents topic.
type progressLog struct {
	mu      sync.Mutex
	reports []progressReport
}

type progressReport struct {
	MissionID string              `json:"mission_id"`
	State     domain.MissionState `json:"state"`
	Error     string              `json:"error"`
}

func (l *progressLog) states(missionID string) []domain.MissionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.MissionState
	for _, r := range l.reports {
		if r.MissionID == missionID && r.Error == "" {
			out = append(out, r.State)
		}
	}
	return out
}

func (l *progressLog) lastError(missionID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.reports) - 1; i >= 0; i-- {
		if l.reports[i].MissionID == missionID && l.reports[i].Error != "" {
			return l.reports[i].Error
		}
	}
	return ""
}

func newTestEnv(t *testing.T) (testEnv, *progressLog) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	r := repo.Repo{DB: conn}
	b := bus.New(100, zerolog.Nop())
	t.Cleanup(b.Close)
	cfg := config.Default()
	cfg.Worker.StepDelay = 0
	ev := events.Writer{Repo: r, Bus: b}
	a := alloc.New(cfg, r, ev, zerolog.Nop())
	pool := worker.New(cfg, r, b, a, zerolog.Nop())

	log := &progressLog{}
	cancelSub := b.Subscribe(domain.TopicAgents, func(msg bus.Message) {
		if msg.Type != "mission.progress" {
			return
		}
		var rep progressReport
		if json.Unmarshal(msg.Payload, &rep) != nil {
			return
		}
		log.mu.Lock()
		log.reports = append(log.reports, rep)
		log.mu.Unlock()
	})
	t.Cleanup(cancelSub)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go pool.Run(ctx)

	return testEnv{Pool: pool, Alloc: a, Repo: r, Bus: b, Cfg: cfg, Ctx: context.Background()}, log
}

// dispatch persists the mission row first; task writes reference it by
// foreign key. The scheduler does the same before handing work over.
func dispatch(t *testing.T, env testEnv, m domain.Mission) {
	t.Helper()
	if m.State == "" {
		m.State = domain.StateAssigned
	}
	m.SubmittedAt = time.Now().UTC()
	m.UpdatedAt = m.SubmittedAt
	require.NoError(t, env.Repo.InsertMission(env.Ctx, m))

	payload, err := json.Marshal(m)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		reply, err := env.Bus.Request(env.Ctx, domain.TopicAgents, "mission.execute", payload, time.Second)
		return err == nil && reply.Type == "mission.accepted"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestLeadReactivationRunsToCompletion(t *testing.T) {
	env, log := newTestEnv(t)
	m := domain.Mission{ID: "msn_lead", TenantID: "t1", Type: domain.MissionLeadReactivation, CrewID: "default"}

	dispatch(t, env, m)

	require.Eventually(t, func() bool {
		states := log.states(m.ID)
		return len(states) > 0 && states[len(states)-1] == domain.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	states := log.states(m.ID)
	assert.Equal(t, domain.StateExecuting, states[0], "execution must be announced first")

	tasks, err := env.Repo.ListTasks(env.Ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 4)
	for _, task := range tasks {
		assert.Equal(t, domain.StateCompleted, task.State)
	}
}

func TestProfileExtractionRecordsItsSteps(t *testing.T) {
	env, log := newTestEnv(t)
	m := domain.Mission{ID: "msn_profile", TenantID: "t1", Type: domain.MissionProfileExtraction, CrewID: "default"}

	dispatch(t, env, m)

	require.Eventually(t, func() bool {
		states := log.states(m.ID)
		return len(states) > 0 && states[len(states)-1] == domain.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	tasks, err := env.Repo.ListTasks(env.Ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}

func TestCampaignWithoutDomainsReportsError(t *testing.T) {
	env, log := newTestEnv(t)
	m := domain.Mission{ID: "msn_campaign", TenantID: "t1", Type: domain.MissionCampaignExecution, CrewID: "default"}

	dispatch(t, env, m)

	require.Eventually(t, func() bool {
		return log.lastError(m.ID) != ""
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, log.lastError(m.ID), "select sending domain")
}

func TestConcurrentCampaignsRunIndependently(t *testing.T) {
	env, log := newTestEnv(t)
	_, err := env.Alloc.AddDomain(env.Ctx, "send.example.com", domain.TierPrewarmed)
	require.NoError(t, err)

	ids := []string{"msn_camp_a", "msn_camp_b", "msn_camp_c"}
	for _, id := range ids {
		dispatch(t, env, domain.Mission{ID: id, TenantID: "t1", Type: domain.MissionCampaignExecution, CrewID: "default"})
	}

	// every execution rolls its own delivery outcome: a bounce surfaces
	// as an error report, a delivery as the completed sequence
	for _, id := range ids {
		require.Eventually(t, func() bool {
			if log.lastError(id) != "" {
				return true
			}
			states := log.states(id)
			return len(states) > 0 && states[len(states)-1] == domain.StateCompleted
		}, 5*time.Second, 20*time.Millisecond, "mission %s never finished", id)
	}
}

func TestUnknownMissionTypeReportsError(t *testing.T) {
	env, log := newTestEnv(t)
	m := domain.Mission{ID: "msn_odd", TenantID: "t1", Type: "mission-impossible", CrewID: "default"}

	dispatch(t, env, m)

	require.Eventually(t, func() bool {
		return log.lastError(m.ID) != ""
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, log.lastError(m.ID), "no handler")
}
