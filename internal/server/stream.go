package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"missioncore/internal/app"
	"missioncore/internal/bus"
	"missioncore/internal/domain"
)

type keepAlive struct {
	At time.Time `json:"at"`
}

// registerStream exposes the live event feed over Server-Sent Events.
// Clients pick topics with ?topics=, and reconnecting clients resume from
// the durable log via Last-Event-ID.
func registerStream(api huma.API, a *app.App) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-events",
		Method:      http.MethodGet,
		Path:        "/stream",
		Summary:     "Live event stream",
	}, map[string]any{
		"event":      domain.Event{},
		"keep-alive": keepAlive{},
	}, func(ctx context.Context, input *struct {
		Topics      string `query:"topics" example:"missions,errors"`
		Replay      int    `query:"replay" minimum:"0" maximum:"1000"`
		LastEventID string `header:"Last-Event-ID"`
	}, send sse.Sender) {
		scope, serr := eventScope(ctx)
		if serr != nil {
			return
		}
		topics := splitTopics(input.Topics)

		// Resume from the durable log first so a reconnecting client
		// misses nothing between its last id and the live feed.
		if input.LastEventID != "" {
			if cursor, err := strconv.ParseInt(input.LastEventID, 10, 64); err == nil {
				streamBacklog(ctx, a, send, cursor, topics, scope)
			}
		} else if input.Replay > 0 {
			for _, topic := range topics {
				for _, msg := range a.Bus.Replay(topic, input.Replay) {
					sendBusEvent(send, msg, scope)
				}
			}
		}

		ch := make(chan bus.Message, 64)
		var cancels []func()
		for _, topic := range topics {
			cancels = append(cancels, a.Bus.Subscribe(topic, func(msg bus.Message) {
				select {
				case ch <- msg:
				default:
					// slow client, drop; the durable log covers the gap
				}
			}))
		}
		defer func() {
			for _, c := range cancels {
				c()
			}
		}()

		ka := time.NewTicker(a.Config.Server.KeepAlive)
		defer ka.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ch:
				if err := sendBusEvent(send, msg, scope); err != nil {
					return
				}
			case t := <-ka.C:
				if err := send.Data(keepAlive{At: t.UTC()}); err != nil {
					return
				}
			}
		}
	})
}

// streamBacklog pages the durable log from cursor onward through the SSE
// sender, confined to the caller's tenant scope.
func streamBacklog(ctx context.Context, a *app.App, send sse.Sender, cursor int64, topics []string, scope string) {
	want := make(map[string]bool, len(topics))
	for _, t := range topics {
		want[t] = true
	}
	for {
		events, err := a.Repo.EventsAfter(ctx, cursor, "", "", scope, 200)
		if err != nil || len(events) == 0 {
			return
		}
		for _, evt := range events {
			cursor = evt.ID
			if !want[evt.Topic] {
				continue
			}
			if err := send(sse.Message{ID: int(evt.ID), Data: evt}); err != nil {
				return
			}
		}
		if len(events) < 200 {
			return
		}
	}
}

func splitTopics(raw string) []string {
	if raw == "" {
		return []string{
			domain.TopicMissions, domain.TopicAgents, domain.TopicDomains,
			domain.TopicAnalytics, domain.TopicErrors, domain.TopicSystem,
		}
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" && domain.KnownTopic(t) {
			out = append(out, t)
		}
	}
	return out
}

// sendBusEvent forwards one live bus message as an SSE event, dropping
// anything outside the caller's tenant scope. Tenant-less system events pass
// through for everyone.
func sendBusEvent(send sse.Sender, msg bus.Message, scope string) error {
	var evt domain.Event
	if err := json.Unmarshal(msg.Payload, &evt); err != nil || evt.Type == "" {
		// bus chatter without event structure carries no tenant tag, so
		// only unscoped callers get it
		if scope != "" {
			return nil
		}
		evt = domain.Event{
			CorrelationID: msg.CorrelationID,
			Topic:         msg.Topic,
			Type:          msg.Type,
			Payload:       string(msg.Payload),
			EmittedAt:     msg.PublishedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	if scope != "" && evt.TenantID != "" && evt.TenantID != scope {
		return nil
	}
	return send(sse.Message{ID: int(evt.ID), Data: evt})
}
