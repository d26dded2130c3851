package bus

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process Bus for single-instance deployments and tests.
// Slow subscribers lose events rather than block the publisher, matching
// the best-effort contract.
type Memory struct {
	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	bus     *Memory
	pattern string
	ch      chan Event
	once    sync.Once
}

func NewMemory() *Memory {
	return &Memory{subs: map[*memorySub]struct{}{}}
}

func (m *Memory) Publish(_ context.Context, channel string, evt Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for sub := range m.subs {
		if !patternMatch(sub.pattern, channel) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, pattern string) (Subscription, error) {
	sub := &memorySub{bus: m, pattern: pattern, ch: make(chan Event, 256)}
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	return sub, nil
}

func (m *Memory) Healthy(context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

func (m *Memory) Close() error {
	m.mu.Lock()
	subs := make([]*memorySub, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.closed = true
	m.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

func (s *memorySub) Events() <-chan Event { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

// patternMatch supports the single trailing-star form used by the backbone
// ("room.*", "doc.*") plus exact matches.
func patternMatch(pattern, channel string) bool {
	if pattern == channel || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
