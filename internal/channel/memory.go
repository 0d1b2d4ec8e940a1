package channel

import (
	"context"
	"fmt"
	"sync"
)

// MemoryTransport is an in-process loopback transport. Every published
// message is kept in the topic log and fanned out to the topic's
// subscriptions. Events records publishes and acks in order.
type MemoryTransport struct {
	topo Topology

	mu      sync.Mutex
	closed  bool
	seq     int
	ensured int
	topics  map[string][]Message
	subs    map[string]*memorySub // subscription name -> queue
	events  []string
}

type memorySub struct {
	topic   string
	pending []Message
	ready   chan struct{}
}

func NewMemoryTransport(topo Topology) *MemoryTransport {
	return &MemoryTransport{
		topo:   topo,
		topics: map[string][]Message{},
		subs:   map[string]*memorySub{},
	}
}

func (t *MemoryTransport) Ensure(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensured++
	for _, topic := range []string{t.topo.RequestTopic, t.topo.ResponseTopic} {
		if _, ok := t.topics[topic]; !ok {
			t.topics[topic] = nil
		}
	}
	t.subscribe(t.topo.RequestSubscription, t.topo.RequestTopic)
	if t.topo.ResponseSubscription != "" {
		t.subscribe(t.topo.ResponseSubscription, t.topo.ResponseTopic)
	}
	return nil
}

func (t *MemoryTransport) subscribe(name, topic string) {
	if _, ok := t.subs[name]; ok {
		return
	}
	t.subs[name] = &memorySub{topic: topic, ready: make(chan struct{}, 1)}
}

func (t *MemoryTransport) Publish(_ context.Context, topic string, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.seq++
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("%s-%d", topic, t.seq)
	}
	t.topics[topic] = append(t.topics[topic], msg)
	t.events = append(t.events, "publish:"+topic)
	for _, s := range t.subs {
		if s.topic != topic {
			continue
		}
		s.pending = append(s.pending, msg)
		select {
		case s.ready <- struct{}{}:
		default:
		}
	}
	return nil
}

// Receive drains the request subscription.
func (t *MemoryTransport) Receive(ctx context.Context) ([]Delivery, error) {
	return t.receive(ctx, t.topo.RequestSubscription)
}

// ReceiveFrom drains any ensured subscription. Tests use it to read replies.
func (t *MemoryTransport) ReceiveFrom(ctx context.Context, subscription string) ([]Delivery, error) {
	return t.receive(ctx, subscription)
}

func (t *MemoryTransport) receive(ctx context.Context, name string) ([]Delivery, error) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, ErrClosed
		}
		s, ok := t.subs[name]
		if !ok {
			t.mu.Unlock()
			return nil, fmt.Errorf("channel: subscription %q does not exist", name)
		}
		if len(s.pending) > 0 {
			batch := s.pending
			s.pending = nil
			t.mu.Unlock()
			out := make([]Delivery, len(batch))
			for i, m := range batch {
				id := m.ID
				out[i] = Delivery{Message: m, Ack: func(context.Context) error {
					t.mu.Lock()
					defer t.mu.Unlock()
					t.events = append(t.events, "ack:"+id)
					return nil
				}}
			}
			return out, nil
		}
		ready := s.ready
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ready:
		}
	}
}

// Published returns a copy of every message published to topic.
func (t *MemoryTransport) Published(topic string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.topics[topic]...)
}

// EnsureCalls reports how many times Ensure ran.
func (t *MemoryTransport) EnsureCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensured
}

func (t *MemoryTransport) Events() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, s := range t.subs {
		select {
		case s.ready <- struct{}{}:
		default:
		}
	}
	return nil
}
