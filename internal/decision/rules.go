package decision

import (
	"fmt"
	"time"

	"missioncore/internal/config"
	"missioncore/internal/domain"
)

// rule is one independent, side-effect-free predicate plus the decision it
// recommends. Rules are evaluated in order; the first match wins.
type rule struct {
	name   string
	when   func(m domain.Mission, dc Context) bool
	decide func(m domain.Mission, dc Context) Decision
}

func defaultRules(cfg *config.Config) []rule {
	floor := func(tier domain.DomainTier) float64 {
		if tier == domain.TierPrewarmed {
			return cfg.Domains.PrewarmedFloor
		}
		return cfg.Domains.CustomFloor
	}
	return []rule{
		{
			// a hung mission past the hard bound is failed outright so its
			// resources come back; retry eligibility is the scheduler's call
			name: "wall-clock-exceeded",
			when: func(m domain.Mission, dc Context) bool {
				return dc.OverWallClock
			},
			decide: func(m domain.Mission, dc Context) Decision {
				return Decision{
					Action:     Fail{Reason: "exceeded maximum execution wall-clock"},
					Confidence: 1.0,
					Rationale:  "hard execution bound reached",
				}
			},
		},
		{
			name: "error-rate-escalation",
			when: func(m domain.Mission, dc Context) bool {
				if m.RetryCount >= cfg.Scheduler.MaxRetries {
					return true
				}
				// under a failing fleet, stop granting retries to
				// missions that already burned one
				return dc.Stalled && m.RetryCount > 0 && dc.ErrorRate >= cfg.Scheduler.ErrorRateEscalate
			},
			decide: func(m domain.Mission, dc Context) Decision {
				if m.RetryCount >= cfg.Scheduler.MaxRetries {
					reason := "retry budget exhausted"
					if m.LastError != nil {
						reason = *m.LastError
					}
					return Decision{
						Action:     Fail{Reason: reason},
						Confidence: 0.95,
						Rationale:  fmt.Sprintf("%d retries used of %d allowed", m.RetryCount, cfg.Scheduler.MaxRetries),
					}
				}
				return Decision{
					Action:     Fail{Reason: "failing fast under elevated fleet error rate"},
					Confidence: 0.85,
					Rationale:  fmt.Sprintf("fleet error rate %.2f at or above the %.2f escalation bound", dc.ErrorRate, cfg.Scheduler.ErrorRateEscalate),
				}
			},
		},
		{
			name: "stalled-retry",
			when: func(m domain.Mission, dc Context) bool {
				return dc.Stalled && m.RetryCount < cfg.Scheduler.MaxRetries
			},
			decide: func(m domain.Mission, dc Context) Decision {
				delay := backoff(cfg, m.RetryCount)
				return Decision{
					Action:     Retry{Delay: delay},
					Confidence: 0.9,
					Rationale:  fmt.Sprintf("no progress inside stale window; retry after %s", delay),
				}
			},
		},
		{
			name: "domain-rotation-needed",
			when: func(m domain.Mission, dc Context) bool {
				return dc.DomainID != "" && dc.DomainReputation < floor(dc.DomainTier)
			},
			decide: func(m domain.Mission, dc Context) Decision {
				return Decision{
					Action:     RotateDomain{DomainID: dc.DomainID},
					Confidence: 0.9,
					Rationale:  fmt.Sprintf("identity reputation %.2f below %.2f floor", dc.DomainReputation, floor(dc.DomainTier)),
				}
			},
		},
		{
			// checked before the plain capacity hold so long-waiting
			// missions climb instead of being parked forever
			name: "priority-boost-eligible",
			when: func(m domain.Mission, dc Context) bool {
				return m.State == domain.StateQueued && m.Priority < 100 &&
					dc.QueuedFor > 10*cfg.Scheduler.TickInterval
			},
			decide: func(m domain.Mission, dc Context) Decision {
				prio := m.Priority + 10
				if prio > 100 {
					prio = 100
				}
				return Decision{
					Action:     Requeue{Priority: prio},
					Confidence: 0.8,
					Rationale:  fmt.Sprintf("queued %s; boosting priority %d -> %d", dc.QueuedFor.Round(time.Second), m.Priority, prio),
				}
			},
		},
		{
			name: "resource-allocation-insufficient",
			when: func(m domain.Mission, dc Context) bool {
				return m.State == domain.StateQueued && dc.IdleWorkerSlots == 0
			},
			decide: func(m domain.Mission, dc Context) Decision {
				return Decision{
					Action:     Hold{Reason: "waiting for capacity"},
					Confidence: 0.95,
					Rationale:  "no free worker slots; mission stays queued",
				}
			},
		},
		{
			name: "idle-capacity-optimization",
			when: func(m domain.Mission, dc Context) bool {
				return m.State == domain.StateQueued && dc.IdleWorkerSlots > 0
			},
			decide: func(m domain.Mission, dc Context) Decision {
				return Decision{
					Action:     Advance{To: domain.StateAssigned},
					Confidence: 0.85,
					Rationale:  fmt.Sprintf("%d idle worker slots available", dc.IdleWorkerSlots),
				}
			},
		},
	}
}

// backoff returns the delay before attempt n+1: base doubling (or the
// configured factor) per attempt.
func backoff(cfg *config.Config, attempts int) time.Duration {
	d := cfg.Scheduler.BackoffBase
	for i := 0; i < attempts; i++ {
		d *= time.Duration(cfg.Scheduler.BackoffFactor)
	}
	if max := cfg.Scheduler.MaxWallClock; d > max {
		d = max
	}
	return d
}
