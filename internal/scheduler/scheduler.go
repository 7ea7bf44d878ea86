// Package scheduler owns the mission priority queue and drives every mission
// through the lifecycle state machine. It is the only mutator of mission
// state; all changes flow through the decision engine and are published as
// events.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"missioncore/internal/alloc"
	"missioncore/internal/bus"
	"missioncore/internal/config"
	"missioncore/internal/decision"
	"missioncore/internal/domain"
	"missioncore/internal/events"
	"missioncore/internal/repo"
)

var (
	ErrInvalidPriority   = errors.New("priority must be within 0..100")
	ErrUnknownType       = errors.New("unknown mission type")
	ErrCancelNotAllowed  = errors.New("cancellation only valid while queued or assigned")
	ErrInvalidTransition = errors.New("invalid mission state transition")
)

// Scheduler coordinates the queue, the allocator and the decision engine.
// Queue access is the one point of mutual exclusion; everything else runs
// concurrently.
type Scheduler struct {
	cfg   *config.Config
	repo  repo.Repo
	alloc *alloc.Allocator
	eng   *decision.Engine
	bus   *bus.Bus
	ev    events.Writer
	log   zerolog.Logger
	now   func() time.Time

	mu    sync.Mutex
	queue *missionQueue
}

func New(cfg *config.Config, r repo.Repo, a *alloc.Allocator, eng *decision.Engine, b *bus.Bus, ev events.Writer, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		cfg:   cfg,
		repo:  r,
		alloc: a,
		eng:   eng,
		bus:   b,
		ev:    ev,
		log:   log.With().Str("component", "scheduler").Logger(),
		now:   time.Now,
		queue: newMissionQueue(),
	}
	// registered here, not in Run, so a mission dispatched before the
	// loops start can never report into the void
	s.subscribeProgress(context.Background())
	return s
}

// SetNow overrides the clock for tests.
func (s *Scheduler) SetNow(now func() time.Time) { s.now = now }

// Rebuild reloads queued missions from the store after a restart.
func (s *Scheduler) Rebuild(ctx context.Context) error {
	queued, err := s.repo.ListByState(ctx, domain.StateQueued)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range queued {
		item := queueItem{missionID: m.ID, priority: m.Priority, submittedAt: m.SubmittedAt}
		if m.NotBefore != nil {
			item.notBefore = *m.NotBefore
		}
		s.queue.push(item)
	}
	s.log.Debug().Int("queued", len(queued)).Msg("scheduler queue rebuilt")
	return nil
}

// Submit validates and enqueues a new mission, returning its id.
func (s *Scheduler) Submit(ctx context.Context, m domain.Mission) (string, error) {
	if m.Priority < 0 || m.Priority > 100 {
		return "", ErrInvalidPriority
	}
	if !domain.KnownMissionType(m.Type) {
		return "", ErrUnknownType
	}
	if m.ID == "" {
		m.ID = "msn_" + uuid.NewString()
	}
	if m.CrewID == "" {
		m.CrewID = "default"
	}
	now := s.now().UTC()
	m.State = domain.StateQueued
	m.SubmittedAt = now
	m.UpdatedAt = now
	if err := s.repo.InsertMission(ctx, m); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.queue.push(queueItem{missionID: m.ID, priority: m.Priority, submittedAt: m.SubmittedAt})
	s.mu.Unlock()

	_, _ = s.ev.Append(ctx, events.Record{
		Topic:     domain.TopicMissions,
		Type:      "mission.submitted",
		MissionID: m.ID,
		TenantID:  m.TenantID,
		Payload:   events.EventPayload{"type": m.Type, "priority": m.Priority, "crew_id": m.CrewID},
	})
	s.log.Info().Str("mission", m.ID).Str("type", string(m.Type)).Int("priority", m.Priority).Msg("mission submitted")
	return m.ID, nil
}

// Cancel tears a mission down before it starts executing. Reservations are
// released synchronously before the state flips, so cancellation can never
// leak capacity.
func (s *Scheduler) Cancel(ctx context.Context, missionID string) (domain.Mission, error) {
	m, err := s.repo.GetMission(ctx, missionID)
	if err != nil {
		return m, err
	}
	if m.State != domain.StateQueued && m.State != domain.StateAssigned {
		return m, ErrCancelNotAllowed
	}

	s.mu.Lock()
	s.queue.remove(missionID)
	s.mu.Unlock()

	s.alloc.ReleaseMission(ctx, missionID)
	from := m.State
	m.State = domain.StateCancelled
	m.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateMission(ctx, m); err != nil {
		return m, err
	}
	_, _ = s.ev.Append(ctx, events.Record{
		Topic:     domain.TopicMissions,
		Type:      "mission.cancelled",
		MissionID: m.ID,
		TenantID:  m.TenantID,
		Payload:   events.EventPayload{"from": from},
	})
	return m, nil
}

// Run starts the periodic loops and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"tick", s.cfg.Scheduler.TickInterval, s.Tick},
		{"monitor", s.cfg.Scheduler.MonitorInterval, s.Monitor},
		{"recover", s.cfg.Scheduler.RecoverInterval, s.Recover},
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(name string, interval time.Duration, fn func(context.Context)) {
			defer wg.Done()
			t := time.NewTicker(interval)
			defer t.Stop()
			s.log.Info().Str("loop", name).Dur("interval", interval).Msg("loop started")
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					fn(ctx)
				}
			}
		}(loop.name, loop.interval, loop.fn)
	}
	wg.Wait()
}

// Tick pops eligible queued missions and tries to move each through
// queued -> assigned. Exhaustion parks the mission with backoff; one
// mission's failure never stops the batch.
func (s *Scheduler) Tick(ctx context.Context) {
	// pick up missions written by other processes; push dedupes by id
	if err := s.Rebuild(ctx); err != nil {
		s.log.Error().Err(err).Msg("tick: queue refresh failed")
	}
	now := s.now().UTC()
	s.mu.Lock()
	batch := s.queue.popEligible(now, s.cfg.Resources.CrewCapacity*4)
	s.mu.Unlock()

	for _, item := range batch {
		if err := s.processQueued(ctx, item, now); err != nil {
			s.log.Error().Err(err).Str("mission", item.missionID).Msg("tick: mission processing failed")
		}
	}
}

func (s *Scheduler) processQueued(ctx context.Context, item queueItem, now time.Time) error {
	m, err := s.repo.GetMission(ctx, item.missionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil // cancelled and gone; drop silently
		}
		return err
	}
	if m.State != domain.StateQueued {
		return nil
	}
	dc := decision.Context{
		Target:          domain.StateAssigned,
		QueuedFor:       now.Sub(m.SubmittedAt),
		IdleWorkerSlots: s.idleSlots(m.CrewID),
	}
	d := s.eng.Decide(ctx, m, dc)
	return s.Apply(ctx, m, d)
}

func (s *Scheduler) idleSlots(crewID string) int {
	// feasibility by asking, never by inferring: probe successive amounts
	idle := 0
	for s.alloc.CanAllocate(domain.ResourceWorker, crewID, idle+1) {
		idle++
		if idle >= s.cfg.Resources.CrewCapacity {
			break
		}
	}
	return idle
}

// Apply executes one decision for one mission. It is the single place where
// mission state changes are persisted and announced.
func (s *Scheduler) Apply(ctx context.Context, m domain.Mission, d decision.Decision) error {
	switch act := d.Action.(type) {
	case decision.Advance:
		return s.advance(ctx, m, act.To)
	case decision.Hold:
		return s.park(ctx, m, s.cfg.Scheduler.BackoffBase, m.Priority, act.Reason)
	case decision.Requeue:
		return s.park(ctx, m, act.Delay, act.Priority, d.Rationale)
	case decision.Retry:
		return s.retry(ctx, m, act.Delay)
	case decision.Fail:
		return s.fail(ctx, m, act.Reason)
	case decision.RotateDomain:
		if _, err := s.alloc.RotateDomain(ctx, act.DomainID); err != nil {
			return err
		}
		return s.park(ctx, m, s.cfg.Scheduler.BackoffBase, m.Priority, "identity rotated; requeued")
	default:
		return fmt.Errorf("unhandled decision action %q", d.Action.Kind())
	}
}

func (s *Scheduler) advance(ctx context.Context, m domain.Mission, to domain.MissionState) error {
	if !domain.ValidNext(m.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.State, to)
	}
	from := m.State
	now := s.now().UTC()

	if to == domain.StateAssigned {
		h, err := s.alloc.Reserve(ctx, m.ID, domain.ResourceWorker, m.CrewID, 1)
		if err != nil {
			if errors.Is(err, alloc.ErrResourceExhausted) {
				return s.park(ctx, m, s.cfg.Scheduler.BackoffBase, m.Priority, "waiting for capacity")
			}
			return err
		}
		worker := h.InstanceID + "/" + h.ID[:8]
		m.WorkerID = &worker
	}
	if to == domain.StateExecuting && m.StartedAt == nil {
		m.StartedAt = &now
	}

	m.State = to
	m.UpdatedAt = now
	if domain.IsTerminal(to) || to == domain.StateCompleted {
		s.alloc.ReleaseMission(ctx, m.ID)
		m.WorkerID = nil
	}
	if err := s.repo.UpdateMission(ctx, m); err != nil {
		return err
	}
	_, _ = s.ev.Append(ctx, events.Record{
		Topic:     domain.TopicMissions,
		Type:      "mission.state_changed",
		MissionID: m.ID,
		TenantID:  m.TenantID,
		Payload:   events.EventPayload{"from": from, "to": to},
	})

	if to == domain.StateAssigned {
		s.dispatch(ctx, m)
	}
	return nil
}

// dispatch hands the mission to the worker adapter over the bus. A worker
// that does not acknowledge in time sends the mission through the retry
// path; the monitor loop would catch it regardless.
func (s *Scheduler) dispatch(ctx context.Context, m domain.Mission) {
	payload, _ := json.Marshal(m)
	go func() {
		reply, err := s.bus.Request(context.Background(), domain.TopicAgents, "mission.execute", payload, s.cfg.Bus.RequestTimeout)
		if err != nil {
			s.log.Warn().Err(err).Str("mission", m.ID).Msg("worker did not acknowledge dispatch")
			current, gerr := s.repo.GetMission(context.Background(), m.ID)
			if gerr != nil || current.State != domain.StateAssigned {
				return
			}
			msg := "worker unavailable"
			current.LastError = &msg
			_ = s.fail(context.Background(), current, msg)
			return
		}
		s.log.Debug().Str("mission", m.ID).Str("reply", reply.Type).Msg("dispatch acknowledged")
	}()
}

// park returns a mission to the queue, optionally re-prioritized, with an
// embargo. This covers Hold, Requeue and priority boosts.
func (s *Scheduler) park(ctx context.Context, m domain.Mission, delay time.Duration, priority int, reason string) error {
	now := s.now().UTC()
	nb := now.Add(delay)
	m.NotBefore = &nb
	m.UpdatedAt = now
	if m.State != domain.StateQueued {
		if !domain.ValidNext(m.State, domain.StateQueued) {
			// an active mission can only rejoin the queue through the
			// failure path
			return s.retry(ctx, m, delay)
		}
		m.State = domain.StateQueued
	}
	if err := s.repo.UpdateMission(ctx, m); err != nil {
		return err
	}
	s.mu.Lock()
	s.queue.push(queueItem{missionID: m.ID, priority: priority, submittedAt: m.SubmittedAt, notBefore: nb})
	s.mu.Unlock()
	s.log.Debug().Str("mission", m.ID).Dur("delay", delay).Str("reason", reason).Msg("mission parked")
	return nil
}

// retry routes a live mission through failed -> queued in one step,
// incrementing the attempt counter and applying backoff.
func (s *Scheduler) retry(ctx context.Context, m domain.Mission, delay time.Duration) error {
	now := s.now().UTC()
	s.alloc.ReleaseMission(ctx, m.ID)
	// a live mission passes through failed on its way back to the queue so
	// the observed state sequence stays a legal path
	if m.State != domain.StateFailed {
		from := m.State
		m.State = domain.StateFailed
		m.UpdatedAt = now
		if err := s.repo.UpdateMission(ctx, m); err != nil {
			return err
		}
		_, _ = s.ev.Append(ctx, events.Record{
			Topic:     domain.TopicMissions,
			Type:      "mission.state_changed",
			MissionID: m.ID,
			TenantID:  m.TenantID,
			Payload:   events.EventPayload{"from": from, "to": domain.StateFailed},
		})
	}
	m.RetryCount++
	m.WorkerID = nil
	m.StartedAt = nil
	m.State = domain.StateQueued
	nb := now.Add(delay)
	m.NotBefore = &nb
	m.UpdatedAt = now
	if err := s.repo.UpdateMission(ctx, m); err != nil {
		return err
	}
	s.mu.Lock()
	s.queue.push(queueItem{missionID: m.ID, priority: m.Priority, submittedAt: m.SubmittedAt, notBefore: nb})
	s.mu.Unlock()
	_, _ = s.ev.Append(ctx, events.Record{
		Topic:     domain.TopicMissions,
		Type:      "mission.retried",
		MissionID: m.ID,
		TenantID:  m.TenantID,
		Payload:   events.EventPayload{"retry_count": m.RetryCount, "delay_seconds": int(delay.Seconds())},
	})
	return nil
}

// fail moves a mission to failed, releases its resources and escalates when
// the retry budget is spent. Recovery may pick it up again while retries
// remain.
func (s *Scheduler) fail(ctx context.Context, m domain.Mission, reason string) error {
	now := s.now().UTC()
	s.alloc.ReleaseMission(ctx, m.ID)
	from := m.State
	m.State = domain.StateFailed
	m.LastError = &reason
	m.WorkerID = nil
	m.UpdatedAt = now
	if err := s.repo.UpdateMission(ctx, m); err != nil {
		return err
	}
	_, _ = s.ev.Append(ctx, events.Record{
		Topic:     domain.TopicMissions,
		Type:      "mission.failed",
		MissionID: m.ID,
		TenantID:  m.TenantID,
		Payload:   events.EventPayload{"from": from, "reason": reason, "retry_count": m.RetryCount},
	})
	if m.RetryCount >= s.cfg.Scheduler.MaxRetries {
		_, _ = s.ev.Append(ctx, events.Record{
			Topic:     domain.TopicErrors,
			Type:      "mission.escalated",
			MissionID: m.ID,
			TenantID:  m.TenantID,
			Payload:   events.EventPayload{"reason": reason, "retry_count": m.RetryCount},
		})
		s.log.Error().Str("mission", m.ID).Int("retries", m.RetryCount).Msg("mission failed terminally")
	}
	return nil
}

// Monitor scans active missions for staleness and the hard wall-clock bound.
// Stalled missions go back through the decision engine; they are never
// special-cased.
func (s *Scheduler) Monitor(ctx context.Context) {
	active, err := s.repo.ListActive(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("monitor: list active failed")
		return
	}
	now := s.now().UTC()
	rate := s.errorRate(ctx)
	for _, m := range active {
		stalled := now.Sub(m.UpdatedAt) > s.cfg.Scheduler.StaleAfter
		overWall := m.StartedAt != nil && now.Sub(*m.StartedAt) > s.cfg.Scheduler.MaxWallClock
		if !stalled && !overWall {
			continue
		}
		dc := decision.Context{
			Stalled:         stalled,
			OverWallClock:   overWall,
			ErrorRate:       rate,
			IdleWorkerSlots: s.idleSlots(m.CrewID),
		}
		d := s.eng.Decide(ctx, m, dc)
		if err := s.Apply(ctx, m, d); err != nil {
			s.log.Error().Err(err).Str("mission", m.ID).Msg("monitor: apply failed")
		}
	}
}

// errorRate is the failure ratio across missions that reached a terminal
// state. Zero until anything terminates.
func (s *Scheduler) errorRate(ctx context.Context) float64 {
	counts, err := s.repo.CountByState(ctx)
	if err != nil {
		return 0
	}
	done := counts[domain.StateCompleted] + counts[domain.StateFailed]
	if done == 0 {
		return 0
	}
	return float64(counts[domain.StateFailed]) / float64(done)
}

// Recover re-queues failed missions that still have retry budget, applying
// exponential backoff per attempt. Missions past the budget stay terminally
// failed.
func (s *Scheduler) Recover(ctx context.Context) {
	failed, err := s.repo.ListByState(ctx, domain.StateFailed)
	if err != nil {
		s.log.Error().Err(err).Msg("recover: list failed missions")
		return
	}
	for _, m := range failed {
		if m.RetryCount >= s.cfg.Scheduler.MaxRetries {
			continue
		}
		delay := s.cfg.Scheduler.BackoffBase
		for i := 0; i < m.RetryCount; i++ {
			delay *= time.Duration(s.cfg.Scheduler.BackoffFactor)
		}
		if err := s.retry(ctx, m, delay); err != nil {
			s.log.Error().Err(err).Str("mission", m.ID).Msg("recover: retry failed")
		}
	}
}

// subscribeProgress wires worker progress reports back into the lifecycle.
// Reports are idempotent by correlation id: a duplicate delivery of the same
// step is rejected by the transition table.
func (s *Scheduler) subscribeProgress(ctx context.Context) {
	s.bus.Subscribe(domain.TopicAgents, func(msg bus.Message) {
		if msg.Type != "mission.progress" {
			return
		}
		var report struct {
			MissionID string              `json:"mission_id"`
			State     domain.MissionState `json:"state"`
			Error     string              `json:"error,omitempty"`
		}
		if err := json.Unmarshal(msg.Payload, &report); err != nil {
			s.log.Warn().Err(err).Msg("malformed progress report")
			return
		}
		m, err := s.repo.GetMission(ctx, report.MissionID)
		if err != nil {
			return
		}
		if report.Error != "" {
			dc := decision.Context{Stalled: true, ErrorRate: s.errorRate(ctx)}
			m.LastError = &report.Error
			d := s.eng.Decide(ctx, m, dc)
			if err := s.Apply(ctx, m, d); err != nil {
				s.log.Error().Err(err).Str("mission", m.ID).Msg("progress: apply failed")
			}
			return
		}
		if !domain.ValidNext(m.State, report.State) {
			// the bus delivers in publish order per subscriber, so a
			// non-adjacent report here is a duplicate re-send
			s.log.Debug().Str("mission", m.ID).Str("from", string(m.State)).Str("to", string(report.State)).Msg("progress report ignored")
			return
		}
		dc := decision.Context{Target: report.State}
		d := s.eng.Decide(ctx, m, dc)
		if err := s.Apply(ctx, m, d); err != nil {
			s.log.Error().Err(err).Str("mission", m.ID).Msg("progress: apply failed")
		}
	})
}

// QueueDepth reports the number of queued missions, for analytics.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}
