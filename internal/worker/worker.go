// Package worker hosts the in-process execution adapters. Each mission type
// has a handler that walks the mission through its plan step by step,
// reporting progress over the bus. The pool bounds concurrent executions
// with a weighted semaphore so a burst of dispatches cannot starve the
// process.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"missioncore/internal/alloc"
	"missioncore/internal/bus"
	"missioncore/internal/config"
	"missioncore/internal/domain"
	"missioncore/internal/repo"
)

// Pool executes dispatched missions. It acknowledges each dispatch
// immediately and runs the handler on its own goroutine, gated by the
// semaphore.
type Pool struct {
	cfg   *config.Config
	repo  repo.Repo
	bus   *bus.Bus
	alloc *alloc.Allocator
	log   zerolog.Logger
	sem   *semaphore.Weighted
	wg    sync.WaitGroup
}

func New(cfg *config.Config, r repo.Repo, b *bus.Bus, a *alloc.Allocator, log zerolog.Logger) *Pool {
	return &Pool{
		cfg:   cfg,
		repo:  r,
		bus:   b,
		alloc: a,
		log:   log.With().Str("component", "worker").Logger(),
		sem:   semaphore.NewWeighted(int64(cfg.Worker.MaxConcurrent)),
	}
}

// Run subscribes to dispatch requests and blocks until ctx is done, then
// waits for in-flight executions to finish.
func (p *Pool) Run(ctx context.Context) {
	cancel := p.bus.Subscribe(domain.TopicAgents, func(msg bus.Message) {
		if msg.Type != "mission.execute" {
			return
		}
		var m domain.Mission
		if err := json.Unmarshal(msg.Payload, &m); err != nil {
			p.log.Warn().Err(err).Msg("malformed dispatch")
			return
		}
		p.bus.Respond(msg, "mission.accepted", []byte(fmt.Sprintf(`{"mission_id":%q}`, m.ID)))
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.execute(ctx, m)
		}()
	})
	<-ctx.Done()
	cancel()
	p.wg.Wait()
}

// execute runs the handler for the mission type, reporting each lifecycle
// step back to the scheduler over the bus.
func (p *Pool) execute(ctx context.Context, m domain.Mission) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	p.log.Info().Str("mission", m.ID).Str("type", string(m.Type)).Msg("execution started")
	p.report(m.ID, domain.StateExecuting, "")

	h := p.handler(m.Type)
	if h == nil {
		p.report(m.ID, "", fmt.Sprintf("no handler for mission type %q", m.Type))
		return
	}
	if err := h(ctx, m); err != nil {
		p.log.Warn().Err(err).Str("mission", m.ID).Msg("execution failed")
		p.report(m.ID, "", err.Error())
		return
	}

	p.report(m.ID, domain.StateCollecting, "")
	p.report(m.ID, domain.StateAnalyzing, "")
	p.report(m.ID, domain.StateOptimizing, "")
	p.report(m.ID, domain.StateCompleted, "")
	p.log.Info().Str("mission", m.ID).Msg("execution finished")
}

// report publishes a progress message on the agents topic. state and
// errMsg are mutually exclusive.
func (p *Pool) report(missionID string, state domain.MissionState, errMsg string) {
	payload, _ := json.Marshal(map[string]any{
		"mission_id": missionID,
		"state":      state,
		"error":      errMsg,
	})
	p.bus.Publish(domain.TopicAgents, bus.Message{Type: "mission.progress", Payload: payload})
}

type handlerFunc func(ctx context.Context, m domain.Mission) error

func (p *Pool) handler(t domain.MissionType) handlerFunc {
	switch t {
	case domain.MissionLeadReactivation:
		return p.runLeadReactivation
	case domain.MissionCampaignExecution:
		return p.runCampaignExecution
	case domain.MissionProfileExtraction:
		return p.runProfileExtraction
	}
	return nil
}

// step records one task-level unit of work and pauses for the configured
// delay so tests and demos show a realistic cadence.
func (p *Pool) step(ctx context.Context, missionID string, ordinal int, name string, result map[string]any) error {
	data, _ := json.Marshal(result)
	t := domain.Task{
		ID:        missionID + "/" + name,
		MissionID: missionID,
		State:     domain.StateCompleted,
		Ordinal:   ordinal,
		Result:    string(data),
		UpdatedAt: time.Now().UTC(),
	}
	if err := p.repo.UpsertTask(ctx, t); err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}
	if p.cfg.Worker.StepDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.Worker.StepDelay):
		}
	}
	return nil
}

func (p *Pool) runLeadReactivation(ctx context.Context, m domain.Mission) error {
	steps := []string{"load-segment", "score-leads", "draft-outreach", "queue-sends"}
	for i, name := range steps {
		if err := p.step(ctx, m.ID, i, name, map[string]any{"step": name}); err != nil {
			return err
		}
	}
	return nil
}

// runCampaignExecution is the only handler that touches sending domains: it
// selects one, simulates the send batch and feeds the outcome back into the
// reputation model.
func (p *Pool) runCampaignExecution(ctx context.Context, m domain.Mission) error {
	d, err := p.alloc.SelectDomain(ctx, domain.TierPrewarmed)
	if err != nil {
		return fmt.Errorf("select sending domain: %w", err)
	}
	if err := p.step(ctx, m.ID, 0, "prepare-batch", map[string]any{"domain": d.Name}); err != nil {
		return err
	}
	outcome := simulateDelivery(d)
	if err := p.alloc.RecordOutcome(ctx, d.ID, outcome); err != nil {
		p.log.Warn().Err(err).Str("domain", d.ID).Msg("outcome not recorded")
	}
	if outcome != domain.OutcomeDelivered {
		return fmt.Errorf("delivery via %s ended in %s", d.Name, outcome)
	}
	return p.step(ctx, m.ID, 1, "send-batch", map[string]any{"domain": d.Name, "outcome": string(outcome)})
}

func (p *Pool) runProfileExtraction(ctx context.Context, m domain.Mission) error {
	steps := []string{"resolve-targets", "fetch-profiles", "normalize-fields"}
	for i, name := range steps {
		if err := p.step(ctx, m.ID, i, name, map[string]any{"step": name}); err != nil {
			return err
		}
	}
	return nil
}

// simulateDelivery biases outcomes by current reputation: well-reputed
// domains almost always deliver. The top-level source is used because
// executions roll concurrently.
func simulateDelivery(d domain.DomainIdentity) domain.DeliveryOutcome {
	roll := rand.Float64()
	switch {
	case roll < 0.02*(2-d.Reputation):
		return domain.OutcomeComplaint
	case roll < 0.10*(2-d.Reputation):
		return domain.OutcomeBounced
	default:
		return domain.OutcomeDelivered
	}
}
