package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"missioncore/internal/bus"
	"missioncore/internal/domain"
	"missioncore/internal/repo"
)

// Writer appends an event to the durable log and publishes it on the bus in
// one call, so producers cannot persist without announcing or vice versa.
type Writer struct {
	Repo repo.Repo
	Bus  *bus.Bus
	Now  func() time.Time
}

type EventPayload map[string]any

// Record describes one event to append.
type Record struct {
	Topic         string
	Type          string
	MissionID     string
	TenantID      string
	CorrelationID string
	Confidence    *float64
	Payload       EventPayload
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append persists the event and publishes it. The stored row is the audit
// copy; the bus delivery is best-effort fan-out.
func (w Writer) Append(ctx context.Context, rec Record) (domain.Event, error) {
	if rec.Payload == nil {
		rec.Payload = EventPayload{}
	}
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	if rec.CorrelationID == "" {
		rec.CorrelationID = uuid.NewString()
	}
	evt := domain.Event{
		CorrelationID: rec.CorrelationID,
		MissionID:     rec.MissionID,
		TenantID:      rec.TenantID,
		Topic:         rec.Topic,
		Type:          rec.Type,
		Payload:       string(data),
		Confidence:    rec.Confidence,
		EmittedAt:     w.now().UTC().Format(time.RFC3339Nano),
	}
	id, err := w.Repo.AppendEvent(ctx, evt)
	if err != nil {
		return domain.Event{}, err
	}
	evt.ID = id
	if w.Bus != nil {
		body, _ := json.Marshal(evt)
		w.Bus.Publish(rec.Topic, bus.Message{
			CorrelationID: rec.CorrelationID,
			Type:          rec.Type,
			Payload:       body,
		})
	}
	return evt, nil
}
