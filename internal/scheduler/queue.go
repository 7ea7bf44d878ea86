package scheduler

import (
	"container/heap"
	"time"
)

// queueItem is one queued mission reference. The queue holds references, not
// mission rows; the store stays authoritative.
type queueItem struct {
	missionID   string
	priority    int
	submittedAt time.Time
	notBefore   time.Time
}

// missionQueue is a heap keyed by (priority desc, submitted_at asc), the
// ordering promised to tenants: higher priority first, FIFO within a
// priority.
type missionQueue struct {
	items []queueItem
	ids   map[string]struct{}
}

func newMissionQueue() *missionQueue {
	q := &missionQueue{ids: make(map[string]struct{})}
	heap.Init(q)
	return q
}

func (q *missionQueue) Len() int { return len(q.items) }

func (q *missionQueue) Less(i, j int) bool {
	if q.items[i].priority != q.items[j].priority {
		return q.items[i].priority > q.items[j].priority
	}
	return q.items[i].submittedAt.Before(q.items[j].submittedAt)
}

func (q *missionQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *missionQueue) Push(x any) {
	item := x.(queueItem)
	q.items = append(q.items, item)
	q.ids[item.missionID] = struct{}{}
}

func (q *missionQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	delete(q.ids, item.missionID)
	return item
}

func (q *missionQueue) push(item queueItem) {
	if _, ok := q.ids[item.missionID]; ok {
		return
	}
	heap.Push(q, item)
}

// popEligible removes and returns up to max items whose notBefore has
// passed. Items still embargoed are pushed back.
func (q *missionQueue) popEligible(now time.Time, max int) []queueItem {
	var out []queueItem
	var parked []queueItem
	for q.Len() > 0 && len(out) < max {
		item := heap.Pop(q).(queueItem)
		if item.notBefore.After(now) {
			parked = append(parked, item)
			continue
		}
		out = append(out, item)
	}
	for _, item := range parked {
		q.push(item)
	}
	return out
}

// remove drops a mission from the queue if present. Used by cancel.
func (q *missionQueue) remove(missionID string) bool {
	if _, ok := q.ids[missionID]; !ok {
		return false
	}
	for i, item := range q.items {
		if item.missionID == missionID {
			heap.Remove(q, i)
			return true
		}
	}
	return false
}

func (q *missionQueue) contains(missionID string) bool {
	_, ok := q.ids[missionID]
	return ok
}
