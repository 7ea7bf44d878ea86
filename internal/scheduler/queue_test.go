package scheduler

import (
	"fmt"
	"testing"
	"time"
)

func TestQueueOrdersByPriorityThenFIFO(t *testing.T) {
	q := newMissionQueue()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		q.push(queueItem{missionID: fmt.Sprintf("low-%d", i), priority: 50, submittedAt: base.Add(time.Duration(i) * time.Second)})
	}
	q.push(queueItem{missionID: "high", priority: 80, submittedAt: base.Add(time.Hour)})

	out := q.popEligible(base.Add(2*time.Hour), 11)
	if len(out) != 11 {
		t.Fatalf("expected 11 items, got %d", len(out))
	}
	if out[0].missionID != "high" {
		t.Fatalf("priority 80 should pop first, got %s", out[0].missionID)
	}
	for i := 1; i < len(out); i++ {
		want := fmt.Sprintf("low-%d", i-1)
		if out[i].missionID != want {
			t.Fatalf("position %d: expected %s (FIFO within priority), got %s", i, want, out[i].missionID)
		}
	}
}

func TestQueueEmbargoedItemsStayParked(t *testing.T) {
	q := newMissionQueue()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	q.push(queueItem{missionID: "ready", priority: 50, submittedAt: now})
	q.push(queueItem{missionID: "parked", priority: 90, submittedAt: now, notBefore: now.Add(time.Minute)})

	out := q.popEligible(now, 10)
	if len(out) != 1 || out[0].missionID != "ready" {
		t.Fatalf("expected only the ready item, got %v", out)
	}
	if !q.contains("parked") {
		t.Fatal("embargoed item should be re-parked")
	}

	out = q.popEligible(now.Add(2*time.Minute), 10)
	if len(out) != 1 || out[0].missionID != "parked" {
		t.Fatalf("embargo elapsed, expected parked item, got %v", out)
	}
}

func TestQueueDedupesByMissionID(t *testing.T) {
	q := newMissionQueue()
	now := time.Now()
	q.push(queueItem{missionID: "m1", priority: 10, submittedAt: now})
	q.push(queueItem{missionID: "m1", priority: 99, submittedAt: now})
	if q.Len() != 1 {
		t.Fatalf("duplicate push should be ignored, len=%d", q.Len())
	}
}

func TestQueueRemove(t *testing.T) {
	q := newMissionQueue()
	now := time.Now()
	q.push(queueItem{missionID: "m1", priority: 10, submittedAt: now})
	q.push(queueItem{missionID: "m2", priority: 20, submittedAt: now})

	if !q.remove("m1") {
		t.Fatal("remove of present item should report true")
	}
	if q.remove("m1") {
		t.Fatal("second remove should report false")
	}
	if q.contains("m1") || !q.contains("m2") {
		t.Fatal("unexpected queue membership after remove")
	}

	out := q.popEligible(now.Add(time.Second), 10)
	if len(out) != 1 || out[0].missionID != "m2" {
		t.Fatalf("expected only m2 left, got %v", out)
	}
}
