package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"missioncore/internal/domain"
)

// Narrative renders the mission and context as redacted prose for the
// reasoning tier. Personally identifying fields are scrubbed before anything
// leaves the process; this is the only tier that ships context externally.
func Narrative(m domain.Mission, dc Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mission %s of type %s for tenant %s is in state %q with priority %d.\n",
		m.ID, m.Type, m.TenantID, m.State, m.Priority)
	fmt.Fprintf(&b, "It has been retried %d times.", m.RetryCount)
	if m.LastError != nil {
		fmt.Fprintf(&b, " Last error: %s.", Redact(*m.LastError))
	}
	b.WriteString("\n")
	if dc.Stalled {
		b.WriteString("The mission has shown no progress inside the staleness window.\n")
	}
	if dc.OverWallClock {
		b.WriteString("The mission has exceeded its maximum execution wall-clock.\n")
	}
	if dc.QueuedFor > 0 {
		fmt.Fprintf(&b, "It has been waiting in queue for %s.\n", dc.QueuedFor.Round(time.Second))
	}
	fmt.Fprintf(&b, "Free worker slots on its crew: %d.\n", dc.IdleWorkerSlots)
	if dc.DomainID != "" {
		fmt.Fprintf(&b, "Attached sending identity has reputation %.2f (tier %s).\n", dc.DomainReputation, dc.DomainTier)
	}
	if m.Payload != "" {
		fmt.Fprintf(&b, "Payload summary: %s\n", Redact(truncate(m.Payload, 500)))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

const systemPrompt = `You are the escalation arbiter for a mission scheduler.
Given the situation, answer with a JSON object and nothing else:
{"action":"advance|retry|fail|requeue|hold","target_state":"","delay_seconds":0,"priority":-1,"confidence":0.0,"rationale":""}
Valid target states: assigned, executing, collecting, analyzing, optimizing, completed.
Prefer retry over fail when a transient cause is plausible. Keep rationale to one sentence.`

// GenAIReasoner is the production tier-3 collaborator, backed by the Gemini
// API.
type GenAIReasoner struct {
	client *genai.Client
	model  string
}

func NewGenAIReasoner(ctx context.Context, apiKey, model string) (*GenAIReasoner, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("reasoning API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GenAIReasoner{client: client, model: model}, nil
}

type reasonedDecision struct {
	Action       string  `json:"action"`
	TargetState  string  `json:"target_state"`
	DelaySeconds int     `json:"delay_seconds"`
	Priority     int     `json:"priority"`
	Confidence   float64 `json:"confidence"`
	Rationale    string  `json:"rationale"`
}

// Decide submits the narrative and parses the structured reply.
func (r *GenAIReasoner) Decide(ctx context.Context, narrative string) (Decision, error) {
	result, err := r.client.Models.GenerateContent(ctx, r.model,
		genai.Text(systemPrompt+"\n\nSituation:\n"+narrative),
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return Decision{}, fmt.Errorf("reasoning call: %w", err)
	}
	text := result.Text()
	if text == "" {
		return Decision{}, fmt.Errorf("reasoning returned empty response")
	}
	return parseReasoned(text)
}

func parseReasoned(text string) (Decision, error) {
	// models sometimes wrap JSON in fences despite the MIME type
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var rd reasonedDecision
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &rd); err != nil {
		return Decision{}, fmt.Errorf("parse reasoned decision: %w", err)
	}
	if rd.Confidence <= 0 || rd.Confidence > 1 {
		rd.Confidence = 0.5
	}
	delay := time.Duration(rd.DelaySeconds) * time.Second
	var action Action
	switch rd.Action {
	case "advance":
		st := domain.MissionState(rd.TargetState)
		if st == "" {
			return Decision{}, fmt.Errorf("advance without target state")
		}
		action = Advance{To: st}
	case "retry":
		action = Retry{Delay: delay}
	case "fail":
		action = Fail{Reason: rd.Rationale}
	case "requeue":
		prio := rd.Priority
		if prio < 0 {
			prio = 0
		}
		if prio > 100 {
			prio = 100
		}
		action = Requeue{Priority: prio, Delay: delay}
	case "hold":
		action = Hold{Reason: rd.Rationale}
	default:
		return Decision{}, fmt.Errorf("unknown reasoned action %q", rd.Action)
	}
	return Decision{Action: action, Confidence: rd.Confidence, Rationale: rd.Rationale}, nil
}
