package bus_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missioncore/internal/bus"
)

func newBus(t *testing.T) *bus.Bus {
	t.Helper()
	return bus.New(100, zerolog.Nop())
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := newBus(t)
	defer b.Close()

	got := make(chan bus.Message, 1)
	cancel := b.Subscribe("missions", func(msg bus.Message) {
		got <- msg
	})
	defer cancel()

	b.Publish("missions", bus.Message{Type: "mission.submitted", Payload: []byte(`{"id":"m1"}`)})

	select {
	case msg := <-got:
		assert.Equal(t, "mission.submitted", msg.Type)
		assert.Equal(t, "missions", msg.Topic)
		assert.NotEmpty(t, msg.CorrelationID)
		assert.False(t, msg.PublishedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestSubscriberSeesMessagesInPublishOrder(t *testing.T) {
	b := newBus(t)
	defer b.Close()

	var mu sync.Mutex
	var got []string
	cancel := b.Subscribe("missions", func(msg bus.Message) {
		mu.Lock()
		got = append(got, msg.Type)
		mu.Unlock()
	})
	defer cancel()

	want := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		typ := fmt.Sprintf("step-%03d", i)
		want = append(want, typ)
		b.Publish("missions", bus.Message{Type: typ})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got, "delivery must preserve publish order per subscriber")
}

func TestTopicsAreIsolated(t *testing.T) {
	b := newBus(t)
	defer b.Close()

	var missions, errors atomic.Int32
	b.Subscribe("missions", func(bus.Message) { missions.Add(1) })
	b.Subscribe("errors", func(bus.Message) { errors.Add(1) })

	b.Publish("missions", bus.Message{Type: "a"})
	b.Publish("missions", bus.Message{Type: "b"})

	assert.Eventually(t, func() bool { return missions.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, errors.Load())
}

func TestPanickingSubscriberDoesNotAffectOthers(t *testing.T) {
	b := newBus(t)
	defer b.Close()

	got := make(chan struct{}, 1)
	b.Subscribe("missions", func(bus.Message) { panic("boom") })
	b.Subscribe("missions", func(bus.Message) { got <- struct{}{} })

	b.Publish("missions", bus.Message{Type: "x"})

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy subscriber starved by panicking one")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := newBus(t)
	defer b.Close()

	var n atomic.Int32
	cancel := b.Subscribe("missions", func(bus.Message) { n.Add(1) })
	b.Publish("missions", bus.Message{Type: "one"})
	assert.Eventually(t, func() bool { return n.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	b.Publish("missions", bus.Message{Type: "two"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), n.Load())
}

func TestReplayReturnsRetainedTail(t *testing.T) {
	b := bus.New(3, zerolog.Nop())
	defer b.Close()

	for _, typ := range []string{"a", "b", "c", "d", "e"} {
		b.Publish("missions", bus.Message{Type: typ})
	}

	tail := b.Replay("missions", 0)
	require.Len(t, tail, 3)
	assert.Equal(t, "c", tail[0].Type)
	assert.Equal(t, "e", tail[2].Type)

	last := b.Replay("missions", 1)
	require.Len(t, last, 1)
	assert.Equal(t, "e", last[0].Type)

	assert.Empty(t, b.Replay("unknown", 0))
}

func TestRequestRespond(t *testing.T) {
	b := newBus(t)
	defer b.Close()

	b.Subscribe("agents", func(msg bus.Message) {
		if msg.Type != "mission.execute" {
			return
		}
		b.Respond(msg, "mission.accepted", []byte(`{"ok":true}`))
	})

	reply, err := b.Request(context.Background(), "agents", "mission.execute", []byte(`{}`), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "mission.accepted", reply.Type)
}

func TestRequestTimesOutWithoutResponder(t *testing.T) {
	b := newBus(t)
	defer b.Close()

	_, err := b.Request(context.Background(), "agents", "mission.execute", nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, bus.ErrTimeout)
}

func TestRequestHonorsContext(t *testing.T) {
	b := newBus(t)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Request(ctx, "agents", "mission.execute", nil, time.Minute)
	assert.Error(t, err)
}
