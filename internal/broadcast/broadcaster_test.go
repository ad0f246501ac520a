package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vulnscope/internal/metrics"
)

func event(id string, status string, progress int) Event {
	return Event{
		ScanID:    id,
		Type:      "crawl",
		Status:    status,
		Progress:  progress,
		TargetURL: "https://example.com",
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestBroadcaster_SnapshotThenEvents(t *testing.T) {
	b := NewBroadcaster(8, nil)
	b.Publish(event("a", "running", 10))
	b.Publish(event("a", "running", 20))
	b.Publish(event("b", "running", 5))

	snapshot, sub := b.Subscribe()
	defer sub.Unsubscribe()

	require.Len(t, snapshot, 2)
	assert.Equal(t, "a", snapshot[0].ScanID)
	assert.Equal(t, 20, snapshot[0].Progress)

	b.Publish(event("b", "running", 50))
	got := <-sub.Events()
	assert.Equal(t, "b", got.ScanID)
	assert.Equal(t, 50, got.Progress)
}

func TestBroadcaster_TerminalEventLeavesSnapshot(t *testing.T) {
	b := NewBroadcaster(8, nil)
	b.Publish(event("a", "running", 90))
	b.Publish(event("a", "completed", 100))

	assert.Empty(t, b.Snapshot())
}

func TestBroadcaster_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	b := NewBroadcaster(1, m)

	_, slow := b.Subscribe()
	defer slow.Unsubscribe()
	_, fast := b.Subscribe()
	defer fast.Unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			b.Publish(event("a", "running", i*10))
			<-fast.Events()
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// slow kept only the first event
	first := <-slow.Events()
	assert.Equal(t, 0, first.Progress)
	select {
	case e := <-slow.Events():
		t.Fatalf("unexpected buffered event %+v", e)
	default:
	}
}

func TestBroadcaster_UnsubscribeIsIdempotent(t *testing.T) {
	b := NewBroadcaster(4, nil)
	_, sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub.Events()
	assert.False(t, open)

	// publishing after unsubscribe must not panic
	b.Publish(event("a", "running", 1))
}

func TestBroadcaster_RegistrationOrder(t *testing.T) {
	b := NewBroadcaster(4, nil)
	var subs []*Subscription
	for i := 0; i < 3; i++ {
		_, s := b.Subscribe()
		subs = append(subs, s)
	}
	subs[1].Unsubscribe()

	b.mu.Lock()
	ids := []uint64{b.subscribers[0].id, b.subscribers[1].id}
	b.mu.Unlock()
	assert.Equal(t, []uint64{1, 3}, ids)

	subs[0].Unsubscribe()
	subs[2].Unsubscribe()
}

func TestBroadcaster_ConcurrentSubscribeAndPublish(t *testing.T) {
	b := NewBroadcaster(256, nil)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, sub := b.Subscribe()
			b.Publish(event("a", "running", 1))
			sub.Unsubscribe()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, b.SubscriberCount())
}
