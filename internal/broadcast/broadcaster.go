package broadcast

import (
	"sort"
	"sync"
	"time"

	"github.com/vulnscope/internal/metrics"
)

// DefaultBuffer is the per-subscriber event buffer size
const DefaultBuffer = 64

// Event is a progress update for one scan
type Event struct {
	ScanID    string    `json:"scanId"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	TargetURL string    `json:"targetUrl"`
	StartTime time.Time `json:"startTime"`
	Error     string    `json:"error,omitempty"`
}

// Terminal reports whether the event ends its scan
func (e Event) Terminal() bool {
	return e.Status == "completed" || e.Status == "failed"
}

// Subscription receives events published after it was registered
type Subscription struct {
	id     uint64
	events chan Event
	b      *Broadcaster
	once   sync.Once
}

// Events returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Unsubscribe deregisters the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.b.remove(s.id)
	})
}

// Broadcaster fans progress events out to live subscribers
type Broadcaster struct {
	mu          sync.Mutex
	nextID      uint64
	subscribers []*Subscription // registration order
	latest      map[string]Event
	buffer      int
	metrics     *metrics.Metrics
}

// NewBroadcaster creates a broadcaster. m may be nil.
func NewBroadcaster(buffer int, m *metrics.Metrics) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		latest:  make(map[string]Event),
		buffer:  buffer,
		metrics: m,
	}
}

// Subscribe registers a subscriber and returns the latest state of every
// active scan. No event published after the snapshot is missed.
func (b *Broadcaster) Subscribe() ([]Event, *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		events: make(chan Event, b.buffer),
		b:      b,
	}
	b.subscribers = append(b.subscribers, sub)
	b.reportSubscribers()

	return b.snapshotLocked(), sub
}

// Snapshot returns the latest event of every active scan, oldest first
func (b *Broadcaster) Snapshot() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Broadcaster) snapshotLocked() []Event {
	events := make([]Event, 0, len(b.latest))
	for _, e := range b.latest {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].StartTime.Equal(events[j].StartTime) {
			return events[i].ScanID < events[j].ScanID
		}
		return events[i].StartTime.Before(events[j].StartTime)
	})
	return events
}

// Publish delivers e to every subscriber in registration order. A subscriber
// whose buffer is full misses the event; others are unaffected.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e.Terminal() {
		delete(b.latest, e.ScanID)
	} else {
		b.latest[e.ScanID] = e
	}

	for _, sub := range b.subscribers {
		select {
		case sub.events <- e:
		default:
			if b.metrics != nil {
				b.metrics.RecordProgressDropped()
			}
		}
	}
}

// SubscriberCount returns the number of registered subscribers
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub.id == id {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub.events)
			break
		}
	}
	b.reportSubscribers()
}

func (b *Broadcaster) reportSubscribers() {
	if b.metrics != nil {
		b.metrics.SetProgressSubscribers(len(b.subscribers))
	}
}
