package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type memoryItem struct {
	msg       Message
	expiresAt time.Time
}

// Memory is an in-process Queue for single-broker deployments and tests.
// Unlike the Redis driver, TTL applies per message.
type Memory struct {
	mu      sync.Mutex
	queues  map[string][]memoryItem
	changed chan struct{}
	subs    map[string]map[*memorySubscription]struct{}
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{
		queues:  make(map[string][]memoryItem),
		changed: make(chan struct{}),
		subs:    make(map[string]map[*memorySubscription]struct{}),
	}
}

func (m *Memory) Send(ctx context.Context, name string, msg Message, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	item := memoryItem{msg: msg}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}
	m.queues[name] = append(m.queues[name], item)

	close(m.changed)
	m.changed = make(chan struct{})
	return nil
}

func (m *Memory) Receive(ctx context.Context, name string, timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if msg, ok := m.popLocked(name); ok {
			m.mu.Unlock()
			return msg, nil
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return nil, ErrEmpty
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Memory) popLocked(name string) (*Message, bool) {
	items := m.queues[name]
	now := time.Now()
	for len(items) > 0 {
		item := items[0]
		items = items[1:]
		if !item.expiresAt.IsZero() && now.After(item.expiresAt) {
			continue
		}
		m.store(name, items)
		msg := item.msg
		return &msg, true
	}
	m.store(name, items)
	return nil, false
}

func (m *Memory) store(name string, items []memoryItem) {
	if len(items) == 0 {
		delete(m.queues, name)
		return
	}
	m.queues[name] = items
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	for sub := range m.subs[topic] {
		select {
		case sub.out <- append([]byte(nil), payload...):
		default:
			slog.Warn("Subscriber buffer full, dropping message", "topic", topic)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		memory: m,
		topic:  topic,
		out:    make(chan []byte, subscriptionBuffer),
	}
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*memorySubscription]struct{})
	}
	m.subs[topic][sub] = struct{}{}
	return sub, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.changed)

	for _, subs := range m.subs {
		for sub := range subs {
			close(sub.out)
		}
	}
	m.subs = nil
	return nil
}

type memorySubscription struct {
	memory *Memory
	topic  string
	out    chan []byte
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.memory.mu.Lock()
	defer s.memory.mu.Unlock()

	subs, ok := s.memory.subs[s.topic]
	if !ok {
		return nil
	}
	if _, ok := subs[s]; !ok {
		return nil
	}
	delete(subs, s)
	close(s.out)
	return nil
}
