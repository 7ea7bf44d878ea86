// Package bus is the in-process publish/subscribe fabric that decouples the
// scheduler, allocator and decision engine from their observers. Delivery is
// at-least-once to currently subscribed handlers; consumers deduplicate by
// correlation id.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrTimeout = errors.New("bus: request timed out")

// Message is one unit on a topic. Every message carries a correlation id for
// tracing and idempotent consumption.
type Message struct {
	CorrelationID string    `json:"correlation_id"`
	Topic         string    `json:"topic"`
	Type          string    `json:"type"`
	ReplyTo       string    `json:"reply_to,omitempty"`
	Payload       []byte    `json:"payload"`
	PublishedAt   time.Time `json:"published_at"`
}

// Handler consumes one message. Each subscription drains its queue on a
// dedicated goroutine, so one subscriber sees a topic's messages in publish
// order while a slow or panicking handler never blocks other subscribers.
type Handler func(msg Message)

type subscriber struct {
	id      int
	handler Handler
	log     zerolog.Logger

	mu      sync.Mutex
	pending []Message
	wake    chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func newSubscriber(id int, handler Handler, log zerolog.Logger) *subscriber {
	return &subscriber{
		id:      id,
		handler: handler,
		log:     log,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

func (s *subscriber) enqueue(msg Message) {
	s.mu.Lock()
	s.pending = append(s.pending, msg)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run drains pending messages in publish order until the subscription is
// cancelled. Progress reports and lifecycle events depend on this ordering.
func (s *subscriber) run() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			s.dispatch(msg)
		}
	}
}

func (s *subscriber) dispatch(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("topic", msg.Topic).
				Str("type", msg.Type).
				Interface("panic", r).
				Msg("subscriber panicked; isolated")
		}
	}()
	s.handler(msg)
}

func (s *subscriber) shutdown() {
	s.once.Do(func() { close(s.stop) })
}

// Bus is a topic-based in-memory broker with a bounded retained buffer per
// topic. The retained buffer exists for late-subscriber replay and debugging,
// not durability.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*subscriber
	retain  map[string][]Message
	nextID  int
	keepN   int
	log     zerolog.Logger
	closed  bool
}

// New creates a bus retaining the most recent keepN messages per topic.
func New(keepN int, log zerolog.Logger) *Bus {
	if keepN < 1 {
		keepN = 1000
	}
	return &Bus{
		subs:   make(map[string][]*subscriber),
		retain: make(map[string][]Message),
		keepN:  keepN,
		log:    log.With().Str("component", "bus").Logger(),
	}
}

// Publish delivers msg to every current subscriber of topic, in publish
// order per subscriber. Fire and forget: the caller never waits for
// handlers. A correlation id is assigned when the caller did not set one.
func (b *Bus) Publish(topic string, msg Message) {
	msg.Topic = topic
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	ring := append(b.retain[topic], msg)
	if len(ring) > b.keepN {
		ring = ring[len(ring)-b.keepN:]
	}
	b.retain[topic] = ring
	subs := make([]*subscriber, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(msg)
	}
}

// Subscribe registers handler for every message on topic and returns an
// unsubscribe function.
func (b *Bus) Subscribe(topic string, handler Handler) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := newSubscriber(b.nextID, handler, b.log)
	b.subs[topic] = append(b.subs[topic], sub)
	go sub.run()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == sub.id {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
		sub.shutdown()
	}
}

// Replay returns up to limit retained messages on topic, oldest first. Zero
// limit means all retained.
func (b *Bus) Replay(topic string, limit int) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ring := b.retain[topic]
	if limit > 0 && len(ring) > limit {
		ring = ring[len(ring)-limit:]
	}
	out := make([]Message, len(ring))
	copy(out, ring)
	return out
}

// Request publishes payload on topic and waits for a single reply on a
// temporary reply topic, correlated by id. Responders must publish their
// answer to msg.ReplyTo with the same correlation id.
func (b *Bus) Request(ctx context.Context, topic, msgType string, payload []byte, timeout time.Duration) (Message, error) {
	corr := uuid.NewString()
	replyTopic := "reply." + corr
	ch := make(chan Message, 1)
	cancel := b.Subscribe(replyTopic, func(msg Message) {
		if msg.CorrelationID != corr {
			return
		}
		select {
		case ch <- msg:
		default:
		}
	})
	defer cancel()

	b.Publish(topic, Message{
		CorrelationID: corr,
		Type:          msgType,
		ReplyTo:       replyTopic,
		Payload:       payload,
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-ch:
		return msg, nil
	case <-timer.C:
		return Message{}, ErrTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Respond publishes a reply for a request message. No-op for messages that
// were not requests.
func (b *Bus) Respond(req Message, msgType string, payload []byte) {
	if req.ReplyTo == "" {
		return
	}
	b.Publish(req.ReplyTo, Message{
		CorrelationID: req.CorrelationID,
		Type:          msgType,
		Payload:       payload,
	})
}

// Close stops accepting publications and winds down the delivery
// goroutines. A handler already running finishes on its own.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, list := range b.subs {
		for _, s := range list {
			s.shutdown()
		}
	}
}
