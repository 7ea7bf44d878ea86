package analytics

import (
	"context"
	"fmt"

	"missioncore/internal/domain"
	"missioncore/internal/events"
)

// detect compares the fresh aggregate against the trailing baseline and
// raises an event per anomaly. The baseline is the mean over persisted
// snapshots inside the lookback window, falling back to the previous
// in-process aggregate when no history exists yet.
func (e *Engine) detect(ctx context.Context, snap Snapshot, prev *Snapshot) {
	baseRate, baseDur, baseRep, ok := e.baseline(ctx)
	if !ok {
		if prev == nil {
			return
		}
		baseRate, baseDur, baseRep = prev.SuccessRate, prev.AvgDurationSec, prev.DomainAvgRep
	}

	var found []Anomaly
	if baseRate > 0 && baseRate-snap.SuccessRate >= e.cfg.Analytics.SuccessDropDelta {
		found = append(found, Anomaly{
			Kind:       "success_rate_drop",
			Observed:   snap.SuccessRate,
			Baseline:   baseRate,
			DetectedAt: snap.TakenAt,
			Detail:     fmt.Sprintf("success rate %.2f below baseline %.2f", snap.SuccessRate, baseRate),
		})
	}
	if baseDur > 0 && snap.AvgDurationSec >= baseDur*e.cfg.Analytics.DurationSpikeMult {
		found = append(found, Anomaly{
			Kind:       "duration_spike",
			Observed:   snap.AvgDurationSec,
			Baseline:   baseDur,
			DetectedAt: snap.TakenAt,
			Detail:     fmt.Sprintf("avg duration %.1fs is %.1fx baseline %.1fs", snap.AvgDurationSec, snap.AvgDurationSec/baseDur, baseDur),
		})
	}
	if baseRep > 0 && baseRep-snap.DomainAvgRep >= e.cfg.Analytics.ReputationDelta {
		found = append(found, Anomaly{
			Kind:       "reputation_decline",
			Observed:   snap.DomainAvgRep,
			Baseline:   baseRep,
			DetectedAt: snap.TakenAt,
			Detail:     fmt.Sprintf("mean domain reputation %.2f below baseline %.2f", snap.DomainAvgRep, baseRep),
		})
	}
	if len(found) == 0 {
		return
	}

	e.mu.Lock()
	e.anomalies = append(e.anomalies, found...)
	e.mu.Unlock()

	for _, a := range found {
		e.log.Warn().Str("kind", a.Kind).Float64("observed", a.Observed).Float64("baseline", a.Baseline).Msg("anomaly detected")
		if _, err := e.ev.Append(ctx, events.Record{
			Topic:   domain.TopicAnalytics,
			Type:    "anomaly.detected",
			Payload: events.EventPayload{"kind": a.Kind, "observed": a.Observed, "baseline": a.Baseline, "detail": a.Detail},
		}); err != nil {
			e.log.Error().Err(err).Msg("anomaly event append failed")
		}
	}
}

// baseline averages the persisted snapshots over the lookback window.
func (e *Engine) baseline(ctx context.Context) (rate, dur, rep float64, ok bool) {
	history, err := e.History(ctx)
	if err != nil || len(history) == 0 {
		return 0, 0, 0, false
	}
	for _, s := range history {
		rate += s.SuccessRate
		dur += s.AvgDurationSec
		rep += s.DomainAvgRep
	}
	n := float64(len(history))
	return rate / n, dur / n, rep / n, true
}
