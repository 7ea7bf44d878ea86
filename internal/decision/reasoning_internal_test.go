package decision

import (
	"testing"
	"time"
)

func TestParseReasoned(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"action":"hold","confidence":0.8,"rationale":"wait"}`, "hold"},
		{"fenced", "```json\n{\"action\":\"retry\",\"delay_seconds\":30,\"confidence\":0.9,\"rationale\":\"r\"}\n```", "retry"},
		{"advance", `{"action":"advance","target_state":"collecting","confidence":0.9,"rationale":"r"}`, "advance"},
		{"requeue", `{"action":"requeue","priority":40,"confidence":0.9,"rationale":"r"}`, "requeue"},
		{"fail", `{"action":"fail","confidence":0.9,"rationale":"dead"}`, "fail"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := parseReasoned(tc.in)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got := d.Action.Kind(); got != tc.want {
				t.Fatalf("action = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseReasonedRejectsMalformed(t *testing.T) {
	for _, in := range []string{
		"not json",
		`{"action":"explode","confidence":0.9}`,
		`{"action":"advance","confidence":0.9}`, // no target state
	} {
		if _, err := parseReasoned(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestParseReasonedClampsOutOfRangeValues(t *testing.T) {
	d, err := parseReasoned(`{"action":"requeue","priority":400,"delay_seconds":15,"confidence":5,"rationale":"r"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rq := d.Action.(Requeue)
	if rq.Priority != 100 {
		t.Fatalf("priority = %d, want clamp to 100", rq.Priority)
	}
	if rq.Delay != 15*time.Second {
		t.Fatalf("delay = %s, want 15s", rq.Delay)
	}
	if d.Confidence != 0.5 {
		t.Fatalf("confidence = %v, want fallback 0.5", d.Confidence)
	}

	d, err = parseReasoned(`{"action":"requeue","priority":-3,"confidence":0.9,"rationale":"r"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := d.Action.(Requeue).Priority; got != 0 {
		t.Fatalf("priority = %d, want clamp to 0", got)
	}
}
