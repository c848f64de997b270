// Package status records orchestration events and fans them out to
// subscribers such as the websocket event stream.
package status

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened
type EventType string

const (
	EventLifecycle       EventType = "lifecycle"
	EventBreaker         EventType = "breaker"
	EventScaling         EventType = "scaling"
	EventAnomaly         EventType = "anomaly"
	EventTerminalFailure EventType = "terminal_failure"
	EventRetryDelivered  EventType = "retry_delivered"
	EventServiceMode     EventType = "service_mode"
)

// Event is one notable change in the orchestration core
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Adapter   string                 `json:"adapter,omitempty"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Tracker keeps a bounded history of events and publishes new ones to
// subscribers. Publishing never blocks: a subscriber that falls behind misses
// events.
type Tracker struct {
	mu          sync.RWMutex
	history     []Event
	maxHistory  int
	subscribers map[uint64]chan Event
	nextSub     uint64
	dropped     uint64
	now         func() time.Time
}

// TrackerConfig configures event tracking behavior
type TrackerConfig struct {
	MaxHistorySize int `json:"max_history_size"`
	// SubscriberBuffer is the channel capacity handed to each subscriber.
	SubscriberBuffer int              `json:"subscriber_buffer"`
	Now              func() time.Time `json:"-"`
}

// DefaultTrackerConfig returns default configuration
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxHistorySize:   1000,
		SubscriberBuffer: 64,
	}
}

// NewTracker creates a new event tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 1000
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Tracker{
		history:     make([]Event, 0, config.MaxHistorySize),
		maxHistory:  config.MaxHistorySize,
		subscribers: make(map[uint64]chan Event),
		now:         config.Now,
	}
}

// Publish stamps e, records it and hands it to every subscriber.
func (t *Tracker) Publish(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now()
	}

	t.mu.Lock()
	t.history = append(t.history, e)
	if over := len(t.history) - t.maxHistory; over > 0 {
		t.history = append(t.history[:0:0], t.history[over:]...)
	}

	// sends happen under the lock so Unsubscribe never closes a channel mid-send
	for _, ch := range t.subscribers {
		select {
		case ch <- e:
		default:
			t.dropped++
		}
	}
	t.mu.Unlock()
	return e
}

// Subscribe returns a channel of new events and a function that ends the
// subscription and closes the channel.
func (t *Tracker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultTrackerConfig().SubscriberBuffer
	}
	ch := make(chan Event, buffer)

	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subscribers[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, id)
			close(ch)
			t.mu.Unlock()
		})
	}
}

// History returns up to limit of the most recent events, newest first.
// A limit of zero or less returns everything retained.
func (t *Tracker) History(limit int) []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}
	out := make([]Event, 0, limit)
	for i := len(t.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.history[i])
	}
	return out
}

// Filter returns retained events of one type, newest first.
func (t *Tracker) Filter(typ EventType, limit int) []Event {
	var out []Event
	for _, e := range t.History(0) {
		if e.Type != typ {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Subscribers returns the number of open subscriptions.
func (t *Tracker) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (t *Tracker) Dropped() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dropped
}
