package store

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// subscriberBuffer bounds each in-memory subscriber. A subscriber that
// falls this far behind loses messages rather than stalling publishers.
const subscriberBuffer = 1024

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory implements Backend inside one process. It is only shared between
// goroutines of that process, so it suits the gateway with embedded workers
// and tests.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memoryEntry

	qmu     sync.Mutex
	lists   map[string][][]byte
	waiters map[string]chan struct{}

	psmu   sync.RWMutex
	topics map[string]map[*memorySubscription]struct{}

	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
	cleanupInterval time.Duration
}

// NewMemory creates an in-process backend.
// If cleanupInterval is not positive a default of 5 minutes is used.
func NewMemory(cleanupInterval time.Duration) *Memory {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	m := &Memory{
		items:           make(map[string]memoryEntry),
		lists:           make(map[string][][]byte),
		waiters:         make(map[string]chan struct{}),
		topics:          make(map[string]map[*memorySubscription]struct{}),
		stopCleanup:     make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}

	go m.cleanupExpired()

	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	entry, ok := m.items[key]
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		m.mu.Lock()
		if e, exists := m.items[key]; exists && now.After(e.expiresAt) {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}

	return bytes.Clone(entry.value), true, nil
}

// Set stores a copy of value. A non-positive ttl removes the key.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		return nil
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	m.mu.Lock()
	m.items[key] = memoryEntry{
		value:     valueCopy,
		expiresAt: time.Now().Add(ttl),
	}
	m.mu.Unlock()

	return nil
}

func (m *Memory) Push(_ context.Context, name string, value []byte) error {
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	m.qmu.Lock()
	m.lists[name] = append(m.lists[name], valueCopy)
	if w, ok := m.waiters[name]; ok {
		close(w)
		delete(m.waiters, name)
	}
	m.qmu.Unlock()
	return nil
}

// Pop removes the head of the list under the queue lock, so concurrent
// poppers never observe the same element.
func (m *Memory) Pop(ctx context.Context, name string, timeout time.Duration) ([]byte, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.qmu.Lock()
		if items := m.lists[name]; len(items) > 0 {
			head := items[0]
			items[0] = nil
			if len(items) == 1 {
				delete(m.lists, name)
			} else {
				m.lists[name] = items[1:]
			}
			m.qmu.Unlock()
			return head, true, nil
		}
		wait, ok := m.waiters[name]
		if !ok {
			wait = make(chan struct{})
			m.waiters[name] = wait
		}
		m.qmu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return nil, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

func (m *Memory) Publish(_ context.Context, topic string, message string) error {
	m.psmu.RLock()
	defer m.psmu.RUnlock()

	for sub := range m.topics[topic] {
		select {
		case sub.out <- message:
		default:
			// subscriber buffer full: drop
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, topic string) (Subscription, error) {
	sub := &memorySubscription{
		owner: m,
		topic: topic,
		out:   make(chan string, subscriberBuffer),
	}

	m.psmu.Lock()
	subs, ok := m.topics[topic]
	if !ok {
		subs = make(map[*memorySubscription]struct{})
		m.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	m.psmu.Unlock()

	return sub, nil
}

func (m *Memory) unsubscribe(sub *memorySubscription) {
	m.psmu.Lock()
	if subs, ok := m.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(m.topics, sub.topic)
		}
	}
	// Publish holds the read lock while sending, so closing here cannot
	// race with a send.
	close(sub.out)
	m.psmu.Unlock()
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

// cleanupExpired runs periodically to remove expired entries.
func (m *Memory) cleanupExpired() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, v := range m.items {
				if now.After(v.expiresAt) {
					delete(m.items, k)
				}
			}
			m.mu.Unlock()
		case <-m.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine. Call this on shutdown or in tests.
func (m *Memory) Close() error {
	m.cleanupOnce.Do(func() {
		close(m.stopCleanup)
	})
	return nil
}

// Len returns the number of key/value entries currently held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// QueueLen returns the number of pending elements in list name.
func (m *Memory) QueueLen(name string) int {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	return len(m.lists[name])
}

type memorySubscription struct {
	owner     *Memory
	topic     string
	out       chan string
	closeOnce sync.Once
}

func (s *memorySubscription) Messages() <-chan string {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.owner.unsubscribe(s)
	})
	return nil
}
