// Package events provides run-state and log event fan-out for live
// subscribers. Publishing never blocks: each subscriber has a bounded queue
// and a slow subscriber only loses its own oldest events.
package events

import (
	"sync"
	"time"

	"github.com/gibbon-labs/gibbon/pkg/core"
)

// Global is the topic that receives summary-level change events for all
// runs, feeding dashboard list views.
const Global = "*"

// queueCapacity bounds each subscriber's outgoing queue. It must be at
// least as large as a run's log tail so a backlog replay always fits.
const queueCapacity = 1000

// Type identifies the kind of event.
type Type string

// Event types.
const (
	TypeRunCreated  Type = "run_created"
	TypeRunUpdated  Type = "run_updated"
	TypeStep        Type = "step"
	TypeLog         Type = "log"
	TypeRunFinished Type = "run_finished"

	// TypeConfigsChanged is published on the global topic when the test
	// config directory changes on disk.
	TypeConfigsChanged Type = "configs_changed"
)

// Event is one run-state change or log line. Seq is a per-run monotone
// sequence number assigned under the run's lock, so subscribers can detect
// duplicates across the backlog/live handover.
type Event struct {
	Type  Type             `json:"type"`
	RunID string           `json:"run_id"`
	Seq   uint64           `json:"seq"`
	Time  time.Time        `json:"ts"`
	Run   *core.RunSummary `json:"run,omitempty"`
	Step  *core.Step       `json:"step,omitempty"`
	Line  string           `json:"line,omitempty"`
}

// Subscription is one subscriber's handle on a topic. The caller must
// Close it when done to release resources.
type Subscription struct {
	b     *Broadcaster
	topic string
	ch    chan Event
}

// Events returns the subscription's receive channel. It is closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.b.unsubscribe(s)
}

// Broadcaster fans events out to per-topic subscribers. Topics are run ids,
// plus the Global topic for summary-level events.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// New creates a Broadcaster with no subscribers.
func New() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber on the given topic.
func (b *Broadcaster) Subscribe(topic string) *Subscription {
	return b.SubscribeWithBacklog(topic, nil)
}

// SubscribeWithBacklog registers a new subscriber and pre-fills its queue
// with the given backlog. Registration and replay happen under the
// broadcaster lock, so no event published afterwards can be ordered before
// the backlog.
func (b *Broadcaster) SubscribeWithBacklog(topic string, backlog []Event) *Subscription {
	s := &Subscription{b: b, topic: topic, ch: make(chan Event, queueCapacity)}

	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if m == nil {
		m = make(map[*Subscription]struct{})
		b.subs[topic] = m
	}
	m[s] = struct{}{}
	for _, ev := range backlog {
		s.deliver(ev)
	}
	return s
}

func (b *Broadcaster) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[s.topic]
	if m == nil {
		return
	}
	if _, ok := m[s]; !ok {
		return
	}
	delete(m, s)
	if len(m) == 0 {
		delete(b.subs, s.topic)
	}
	close(s.ch)
}

// Publish delivers the event to every subscriber of the topic. It never
// blocks: a full queue drops that subscriber's oldest buffered event.
func (b *Broadcaster) Publish(topic string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[topic] {
		s.deliver(ev)
	}
}

// deliver enqueues non-blocking with drop-oldest overflow. Called with the
// broadcaster lock held, so sends never race with channel close.
func (s *Subscription) deliver(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Queue full: make room by dropping the oldest buffered event.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}
