// Package messenger delivers one-shot completion events keyed by recording
// ID: the dispatch loop subscribes for the recording it just handed to the
// detection page, and whichever handler finishes that recording publishes.
package messenger

import (
	"fmt"
	"sync"
)

// Outcome describes how a detection task ended.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeCleared  Outcome = "cleared"
	OutcomeFailed   Outcome = "failed"
)

// Messenger tracks at most one waiter per recording ID.
type Messenger struct {
	mu      sync.Mutex
	waiters map[string]chan Outcome
}

func New() *Messenger {
	return &Messenger{waiters: make(map[string]chan Outcome)}
}

// Subscribe registers a one-shot waiter for the ID. The returned channel
// receives exactly one outcome; cancel releases the subscription and must be
// called on every path the caller can take, including timeouts.
func (m *Messenger) Subscribe(id string) (<-chan Outcome, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.waiters[id]; exists {
		return nil, nil, fmt.Errorf("subscription for %s already exists", id)
	}

	ch := make(chan Outcome, 1)
	m.waiters[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if current, ok := m.waiters[id]; ok && current == ch {
			delete(m.waiters, id)
		}
	}
	return ch, cancel, nil
}

// Publish delivers an outcome to the ID's waiter, if any, and consumes the
// subscription. Reports whether a waiter was present.
func (m *Messenger) Publish(id string, outcome Outcome) bool {
	m.mu.Lock()
	ch, ok := m.waiters[id]
	if ok {
		delete(m.waiters, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	ch <- outcome
	return true
}
