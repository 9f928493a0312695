package viewers

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcast/beamcast/pkg/logging"
)

func newTestRegistry() *Registry {
	return NewRegistry(logging.New("error"), nil)
}

// drain reads every buffered event from a subscription.
func drain(sub *Subscription) []Event {
	var events []Event
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, e)
		default:
			return events
		}
	}
}

func TestRegistryCountsConnectsAndDisconnects(t *testing.T) {
	r := newTestRegistry()

	a := r.Connect("demo")
	b := r.Connect("demo")
	assert.Equal(t, 2, r.Count("demo"))

	a.Close()
	assert.Equal(t, 1, r.Count("demo"))
	b.Close()
	assert.Equal(t, 0, r.Count("demo"))
}

func TestRegistrySnapshotPrecedesBroadcasts(t *testing.T) {
	r := newTestRegistry()
	r.StreamStarted("demo")

	sub := r.Connect("demo")
	defer sub.Close()

	events := drain(sub)
	require.NotEmpty(t, events)
	assert.Equal(t, EventStreamStarted, events[0].Type, "snapshot is the first event")
	require.Len(t, events, 2)
	assert.Equal(t, EventViewerCount, events[1].Type)
	assert.Equal(t, 1, events[1].Count)
}

func TestRegistrySnapshotForUnknownStreamIsEnded(t *testing.T) {
	r := newTestRegistry()

	sub := r.Connect("never-live")
	defer sub.Close()

	events := drain(sub)
	require.NotEmpty(t, events)
	assert.Equal(t, EventStreamEnded, events[0].Type)
}

func TestRegistryBroadcastSequenceTwoViewersOneLeaves(t *testing.T) {
	r := newTestRegistry()

	a := r.Connect("demo")
	b := r.Connect("demo")
	b.Close()

	var counts []int
	for _, e := range drain(a) {
		if e.Type == EventViewerCount {
			counts = append(counts, e.Count)
		}
	}
	assert.Equal(t, []int{1, 2, 1}, counts)
	a.Close()
}

func TestRegistryCountNeverNegative(t *testing.T) {
	r := newTestRegistry()

	sub := r.Connect("demo")
	sub.Close()
	sub.Close() // double close is a no-op

	assert.Equal(t, 0, r.Count("demo"))
}

func TestRegistryLifecycleEventsReachViewers(t *testing.T) {
	r := newTestRegistry()

	sub := r.Connect("demo")
	drain(sub)

	r.StreamStarted("demo")
	r.StreamEnded("demo")

	events := drain(sub)
	require.Len(t, events, 2)
	assert.Equal(t, EventStreamStarted, events[0].Type)
	assert.Equal(t, EventStreamEnded, events[1].Type)
	sub.Close()
}

func TestRegistryEndedEmptyStreamIsForgotten(t *testing.T) {
	r := newTestRegistry()

	r.StreamStarted("demo")
	sub := r.Connect("demo")
	sub.Close()
	r.StreamEnded("demo")

	r.mu.Lock()
	_, tracked := r.streams["demo"]
	r.mu.Unlock()
	assert.False(t, tracked, "ended stream with no viewers is cleaned up")
}

func TestRegistryConcurrentConnectDisconnect(t *testing.T) {
	r := newTestRegistry()

	const n = 50
	var wg sync.WaitGroup
	subs := make(chan *Subscription, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			subs <- r.Connect("demo")
		}()
	}
	wg.Wait()
	close(subs)

	assert.Equal(t, n, r.Count("demo"))

	var closers []*Subscription
	for sub := range subs {
		closers = append(closers, sub)
	}
	for _, sub := range closers[:20] {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			s.Close()
		}(sub)
	}
	wg.Wait()

	assert.Equal(t, n-20, r.Count("demo"))
	for _, sub := range closers[20:] {
		sub.Close()
	}
	assert.Equal(t, 0, r.Count("demo"))
}
