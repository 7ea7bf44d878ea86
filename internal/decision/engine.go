// Package decision turns (mission, context) into one decision using three
// increasingly expensive tiers: a deterministic state-table lookup, an
// ordered rule list, and a language-model reasoning fallback. The first two
// tiers are pure; only the third may block on an external call.
package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"missioncore/internal/alloc"
	"missioncore/internal/config"
	"missioncore/internal/domain"
	"missioncore/internal/events"
)

// Tier names, recorded on every published decision so operators can audit
// how often the expensive path was needed.
const (
	TierDeterministic = "deterministic"
	TierRule          = "rule"
	TierReasoning     = "reasoning"
	TierDefault       = "fallback-default"
)

// Action is the sealed set of things the scheduler can be told to do. Every
// consumer switches over the concrete types and can handle all cases
// exhaustively.
type Action interface {
	isAction()
	Kind() string
}

// Advance moves the mission to the next lifecycle state.
type Advance struct {
	To domain.MissionState
}

// Retry re-queues a failed mission after a delay.
type Retry struct {
	Delay time.Duration
}

// Fail terminates the mission with a reason.
type Fail struct {
	Reason string
}

// Requeue puts the mission back in the queue, optionally at a different
// priority. This is the only sanctioned way to change effective priority.
type Requeue struct {
	Priority int
	Delay    time.Duration
}

// RotateDomain asks for the mission's sending identity to be rotated before
// work continues.
type RotateDomain struct {
	DomainID string
}

// Hold leaves the mission where it is; nothing to do this cycle.
type Hold struct {
	Reason string
}

func (Advance) isAction()      {}
func (Retry) isAction()        {}
func (Fail) isAction()         {}
func (Requeue) isAction()      {}
func (RotateDomain) isAction() {}
func (Hold) isAction()         {}

func (Advance) Kind() string      { return "advance" }
func (Retry) Kind() string        { return "retry" }
func (Fail) Kind() string         { return "fail" }
func (Requeue) Kind() string      { return "requeue" }
func (RotateDomain) Kind() string { return "rotate_domain" }
func (Hold) Kind() string         { return "hold" }

// Decision is the engine's answer: what to do, how sure it is, and why.
type Decision struct {
	Action     Action
	Confidence float64
	Rationale  string
	Tier       string
}

// Context carries the system-state signals a decision may need. All fields
// are observations computed by the caller; the engine itself only reads the
// allocator for feasibility and never mutates anything.
type Context struct {
	Target           domain.MissionState // requested transition, if any
	Stalled          bool                // no progress inside the stale window
	OverWallClock    bool                // exceeded the hard execution bound
	ErrorRate        float64             // recent failure ratio across missions
	QueuedFor        time.Duration       // time spent waiting in queue
	IdleWorkerSlots  int                 // free capacity on the mission's crew
	DomainID         string              // identity currently attached, if any
	DomainReputation float64
	DomainTier       domain.DomainTier
}

// Reasoner is the tier-3 collaborator. Implementations receive an already
// redacted narrative and return a structured decision.
type Reasoner interface {
	Decide(ctx context.Context, narrative string) (Decision, error)
}

// Engine resolves decisions tier by tier, first match wins.
type Engine struct {
	cfg      *config.Config
	alloc    *alloc.Allocator
	reasoner Reasoner
	ev       events.Writer
	log      zerolog.Logger
	rules    []rule
}

func New(cfg *config.Config, a *alloc.Allocator, reasoner Reasoner, ev events.Writer, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		alloc:    a,
		reasoner: reasoner,
		ev:       ev,
		log:      log.With().Str("component", "decision").Logger(),
		rules:    defaultRules(cfg),
	}
}

// Decide resolves one decision and publishes it with the tier that resolved
// it. Resolution never returns an error for the first two tiers; a reasoning
// failure degrades to the conservative default instead of propagating.
func (e *Engine) Decide(ctx context.Context, m domain.Mission, dc Context) Decision {
	d, ok := e.deterministic(m, dc)
	if !ok {
		d, ok = e.evaluateRules(m, dc)
	}
	if !ok {
		d = e.reason(ctx, m, dc)
	}
	e.publish(ctx, m, d)
	return d
}

// deterministic is a pure table lookup: a requested target that is the
// unambiguous next state, with no anomaly signals in the context, resolves
// immediately with confidence 1.0. This handles the large majority of calls.
func (e *Engine) deterministic(m domain.Mission, dc Context) (Decision, bool) {
	if dc.Stalled || dc.OverWallClock {
		return Decision{}, false
	}
	target := dc.Target
	if target == "" {
		fwd, ok := domain.ForwardState(m.State)
		if !ok {
			return Decision{}, false
		}
		target = fwd
	}
	if !domain.ValidNext(m.State, target) {
		return Decision{}, false
	}
	// moving out of queued still needs capacity; that ambiguity belongs to
	// the rule tier
	if m.State == domain.StateQueued && target == domain.StateAssigned {
		if !e.alloc.CanAllocate(domain.ResourceWorker, m.CrewID, 1) {
			return Decision{}, false
		}
	}
	return Decision{
		Action:     Advance{To: target},
		Confidence: 1.0,
		Rationale:  fmt.Sprintf("single valid transition %s -> %s", m.State, target),
		Tier:       TierDeterministic,
	}, true
}

func (e *Engine) evaluateRules(m domain.Mission, dc Context) (Decision, bool) {
	for _, r := range e.rules {
		if r.when(m, dc) {
			d := r.decide(m, dc)
			d.Tier = TierRule
			d.Rationale = r.name + ": " + d.Rationale
			return d, true
		}
	}
	return Decision{}, false
}

// reason is the only tier permitted non-deterministic latency. Unavailability
// or timeout degrades to a conservative requeue at lower priority; a total
// failure to resolve is itself an anomaly worth surfacing, never a silent
// default.
func (e *Engine) reason(ctx context.Context, m domain.Mission, dc Context) Decision {
	if e.reasoner != nil {
		rctx, cancel := context.WithTimeout(ctx, e.cfg.Reasoning.Timeout)
		defer cancel()
		d, err := e.reasoner.Decide(rctx, Narrative(m, dc))
		if err == nil {
			d.Tier = TierReasoning
			return d
		}
		e.log.Warn().Err(err).Str("mission", m.ID).Msg("reasoning unavailable; using conservative default")
	}
	prio := m.Priority - e.cfg.Reasoning.RequeueDrop
	if prio < 0 {
		prio = 0
	}
	d := Decision{
		Action:     Requeue{Priority: prio, Delay: e.cfg.Scheduler.BackoffBase},
		Confidence: 0.3,
		Rationale:  "reasoning tier unavailable; requeued at reduced priority",
		Tier:       TierDefault,
	}
	_, _ = e.ev.Append(ctx, events.Record{
		Topic:     domain.TopicErrors,
		Type:      "decision.unresolved",
		MissionID: m.ID,
		TenantID:  m.TenantID,
		Payload:   events.EventPayload{"state": m.State, "rationale": d.Rationale},
	})
	return d
}

func (e *Engine) publish(ctx context.Context, m domain.Mission, d Decision) {
	conf := d.Confidence
	_, err := e.ev.Append(ctx, events.Record{
		Topic:      domain.TopicMissions,
		Type:       "decision.made",
		MissionID:  m.ID,
		TenantID:   m.TenantID,
		Confidence: &conf,
		Payload: events.EventPayload{
			"action":    d.Action.Kind(),
			"tier":      d.Tier,
			"rationale": d.Rationale,
			"state":     m.State,
		},
	})
	if err != nil {
		e.log.Error().Err(err).Str("mission", m.ID).Msg("publish decision failed")
	}
}
