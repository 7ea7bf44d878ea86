// Package analytics turns the event stream into operational insight. It
// subscribes to the bus, keeps rolling counters, persists hourly snapshots
// and raises anomaly events. It never mutates mission or resource state.
package analytics

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"missioncore/internal/alloc"
	"missioncore/internal/bus"
	"missioncore/internal/config"
	"missioncore/internal/domain"
	"missioncore/internal/events"
	"missioncore/internal/repo"
)

// Snapshot is one point-in-time aggregate, also the persisted hourly form.
type Snapshot struct {
	TakenAt        time.Time               `json:"taken_at"`
	Queued         int                     `json:"queued"`
	Active         int                     `json:"active"`
	Completed      int64                   `json:"completed"`
	Failed         int64                   `json:"failed"`
	Cancelled      int64                   `json:"cancelled"`
	SuccessRate    float64                 `json:"success_rate"`
	AvgDurationSec float64                 `json:"avg_duration_sec"`
	Utilization    []alloc.CrewUtilization `json:"utilization"`
	DomainAvgRep   float64                 `json:"domain_avg_reputation"`
}

// TrendPoint is one snapshot reduced for trend queries.
type TrendPoint struct {
	TakenAt        time.Time `json:"taken_at"`
	SuccessRate    float64   `json:"success_rate"`
	AvgDurationSec float64   `json:"avg_duration_sec"`
	DomainAvgRep   float64   `json:"domain_avg_reputation"`
}

// Anomaly is a statistically significant deviation from the trailing
// baseline.
type Anomaly struct {
	Kind       string    `json:"kind"`
	Observed   float64   `json:"observed"`
	Baseline   float64   `json:"baseline"`
	DetectedAt time.Time `json:"detected_at"`
	Detail     string    `json:"detail"`
}

// Engine consumes the event stream. Duplicate deliveries are filtered by
// correlation id, as the bus is at-least-once.
type Engine struct {
	cfg   *config.Config
	repo  repo.Repo
	bus   *bus.Bus
	alloc *alloc.Allocator
	ev    events.Writer
	log   zerolog.Logger
	now   func() time.Time

	mu           sync.Mutex
	queued       int
	active       int
	completed    int64
	failed       int64
	cancelled    int64
	durations    []float64 // seconds, completed missions in this process
	starts       map[string]time.Time
	seen         map[string]struct{}
	seenOrder    []string
	anomalies    []Anomaly
	lastSnapshot *Snapshot
}

const seenLimit = 4096

func New(cfg *config.Config, r repo.Repo, b *bus.Bus, a *alloc.Allocator, ev events.Writer, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		repo:   r,
		bus:    b,
		alloc:  a,
		ev:     ev,
		log:    log.With().Str("component", "analytics").Logger(),
		now:    time.Now,
		starts: make(map[string]time.Time),
		seen:   make(map[string]struct{}),
	}
}

// SetNow overrides the clock for tests.
func (e *Engine) SetNow(now func() time.Time) { e.now = now }

// Run subscribes, starts the aggregation ticker and the hourly snapshot
// cron, and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	cancelMissions := e.bus.Subscribe(domain.TopicMissions, e.onMissionEvent)
	defer cancelMissions()

	c := cron.New()
	_, err := c.AddFunc(e.cfg.Analytics.SnapshotCron, func() {
		if err := e.TakeSnapshot(ctx); err != nil {
			e.log.Error().Err(err).Msg("hourly snapshot failed")
		}
	})
	if err != nil {
		e.log.Error().Err(err).Str("cron", e.cfg.Analytics.SnapshotCron).Msg("invalid snapshot schedule")
	} else {
		c.Start()
		defer c.Stop()
	}

	t := time.NewTicker(e.cfg.Analytics.AggregateInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.aggregate(ctx)
		}
	}
}

// dedupe returns false when the correlation id was already processed.
// Callers must hold e.mu.
func (e *Engine) dedupe(corr string) bool {
	if _, ok := e.seen[corr]; ok {
		return false
	}
	e.seen[corr] = struct{}{}
	e.seenOrder = append(e.seenOrder, corr)
	if len(e.seenOrder) > seenLimit {
		drop := e.seenOrder[0]
		e.seenOrder = e.seenOrder[1:]
		delete(e.seen, drop)
	}
	return true
}

func (e *Engine) onMissionEvent(msg bus.Message) {
	var evt domain.Event
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dedupe(msg.CorrelationID + "/" + evt.Type) {
		return
	}
	switch evt.Type {
	case "mission.submitted":
		e.queued++
	case "mission.cancelled":
		e.cancelled++
		if e.queued > 0 {
			e.queued--
		}
	case "mission.failed":
		e.failed++
		e.active--
		if e.active < 0 {
			e.active = 0
		}
		delete(e.starts, evt.MissionID)
	case "mission.retried":
		e.queued++
	case "mission.state_changed":
		var p struct {
			From domain.MissionState `json:"from"`
			To   domain.MissionState `json:"to"`
		}
		_ = json.Unmarshal([]byte(evt.Payload), &p)
		switch {
		case p.From == domain.StateQueued && p.To == domain.StateAssigned:
			if e.queued > 0 {
				e.queued--
			}
			e.active++
			e.starts[evt.MissionID] = e.now().UTC()
		case p.To == domain.StateCompleted:
			e.completed++
			e.active--
			if e.active < 0 {
				e.active = 0
			}
			if start, ok := e.starts[evt.MissionID]; ok {
				e.durations = append(e.durations, e.now().UTC().Sub(start).Seconds())
				delete(e.starts, evt.MissionID)
			}
		case p.To == domain.StateFailed:
			// counted via mission.failed
		}
	}
}

// snapshotLocked computes the current aggregate. Callers must hold e.mu.
func (e *Engine) snapshotLocked(ctx context.Context) Snapshot {
	snap := Snapshot{
		TakenAt:     e.now().UTC(),
		Queued:      e.queued,
		Active:      e.active,
		Completed:   e.completed,
		Failed:      e.failed,
		Cancelled:   e.cancelled,
		Utilization: e.alloc.Utilization(),
	}
	total := e.completed + e.failed
	if total > 0 {
		snap.SuccessRate = float64(e.completed) / float64(total)
	}
	if len(e.durations) > 0 {
		var sum float64
		for _, d := range e.durations {
			sum += d
		}
		snap.AvgDurationSec = sum / float64(len(e.durations))
	}
	if domains, err := e.repo.ListDomains(ctx); err == nil && len(domains) > 0 {
		var sum float64
		for _, d := range domains {
			sum += d.Reputation
		}
		snap.DomainAvgRep = sum / float64(len(domains))
	}
	return snap
}

// Current returns the latest real-time aggregate.
func (e *Engine) Current(ctx context.Context) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(ctx)
}

// aggregate refreshes the rolling aggregate and checks it against the
// trailing baseline.
func (e *Engine) aggregate(ctx context.Context) {
	e.mu.Lock()
	snap := e.snapshotLocked(ctx)
	prev := e.lastSnapshot
	e.lastSnapshot = &snap
	e.mu.Unlock()
	e.detect(ctx, snap, prev)
}

// TakeSnapshot persists the point-in-time aggregate for trend queries.
func (e *Engine) TakeSnapshot(ctx context.Context) error {
	snap := e.Current(ctx)
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := e.repo.InsertSnapshot(ctx, snap.TakenAt, string(data)); err != nil {
		return err
	}
	e.log.Debug().Time("taken_at", snap.TakenAt).Msg("snapshot persisted")
	return nil
}

// History returns snapshots inside the lookback window.
func (e *Engine) History(ctx context.Context) ([]Snapshot, error) {
	rows, err := e.repo.SnapshotsSince(ctx, e.now().Add(-e.cfg.Analytics.TrendLookback))
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		var s Snapshot
		if err := json.Unmarshal([]byte(row.Snapshot), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Trends reduces the lookback window to per-snapshot trend points.
func (e *Engine) Trends(ctx context.Context) ([]TrendPoint, error) {
	history, err := e.History(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TrendPoint, 0, len(history))
	for _, s := range history {
		out = append(out, TrendPoint{
			TakenAt:        s.TakenAt,
			SuccessRate:    s.SuccessRate,
			AvgDurationSec: s.AvgDurationSec,
			DomainAvgRep:   s.DomainAvgRep,
		})
	}
	return out, nil
}

// Anomalies returns anomalies observed since startup, newest last.
func (e *Engine) Anomalies() []Anomaly {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Anomaly, len(e.anomalies))
	copy(out, e.anomalies)
	return out
}
