package viewers

import (
	"sync"

	"github.com/beamcast/beamcast/pkg/logging"
	"github.com/beamcast/beamcast/pkg/metrics"
)

// Server-to-viewer event types.
const (
	EventViewerCount   = "viewer-count"
	EventStreamStarted = "stream-started"
	EventStreamEnded   = "stream-ended"
)

// Event is one registry broadcast. Count carries the viewer count at the
// moment the event was produced.
type Event struct {
	Type   string `json:"type"`
	Stream string `json:"stream"`
	Count  int    `json:"count"`
}

// Registry tracks concurrent viewers per stream id and fans lifecycle and
// count events out to them. It is independent of the encoding path: the
// session controller's started/ended hooks are its only input besides
// viewer connects.
type Registry struct {
	log     logging.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	streams map[string]*streamState
}

type streamState struct {
	count int
	live  bool
	subs  map[*Subscription]struct{}
}

// Subscription is one connected viewer.
type Subscription struct {
	registry *Registry
	streamID string
	send     chan Event
	closed   bool
}

// Events is the viewer's ordered event feed. The channel is closed when
// the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.send
}

// Close disconnects the viewer and decrements the stream's count.
func (s *Subscription) Close() {
	s.registry.disconnect(s)
}

func NewRegistry(log logging.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		log:     log,
		metrics: m,
		streams: make(map[string]*streamState),
	}
}

// Connect registers a viewer on a stream. The new viewer's feed begins
// with exactly one snapshot of the stream's last known live/ended state,
// before any broadcast it shares with other viewers; then the incremented
// count is broadcast to everyone, the new viewer included.
func (r *Registry) Connect(streamID string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.streams[streamID]
	if st == nil {
		st = &streamState{subs: make(map[*Subscription]struct{})}
		r.streams[streamID] = st
	}

	sub := &Subscription{
		registry: r,
		streamID: streamID,
		send:     make(chan Event, 64),
	}

	snapshot := EventStreamEnded
	if st.live {
		snapshot = EventStreamStarted
	}
	sub.send <- Event{Type: snapshot, Stream: streamID, Count: st.count}

	st.subs[sub] = struct{}{}
	st.count++
	r.broadcastLocked(streamID, st, EventViewerCount)
	r.setGaugeLocked(streamID, st)
	return sub
}

func (r *Registry) disconnect(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true

	st := r.streams[sub.streamID]
	if st == nil {
		close(sub.send)
		return
	}
	delete(st.subs, sub)
	close(sub.send)
	if st.count > 0 {
		st.count--
	}
	r.broadcastLocked(sub.streamID, st, EventViewerCount)
	r.setGaugeLocked(sub.streamID, st)
	r.cleanupLocked(sub.streamID, st)
}

// StreamStarted marks a stream live and tells its viewers. Idempotent.
func (r *Registry) StreamStarted(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.streams[streamID]
	if st == nil {
		st = &streamState{subs: make(map[*Subscription]struct{})}
		r.streams[streamID] = st
	}
	st.live = true
	r.broadcastLocked(streamID, st, EventStreamStarted)
}

// StreamEnded marks a stream not live and tells its viewers. Idempotent.
func (r *Registry) StreamEnded(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.streams[streamID]
	if st == nil {
		return
	}
	st.live = false
	r.broadcastLocked(streamID, st, EventStreamEnded)
	r.cleanupLocked(streamID, st)
}

// Count returns a stream's current viewer count.
func (r *Registry) Count(streamID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.streams[streamID]; st != nil {
		return st.count
	}
	return 0
}

// broadcastLocked delivers an event to every subscriber without blocking
// the registry; a viewer that cannot keep up loses events, not the count's
// correctness, since every event carries the current count.
func (r *Registry) broadcastLocked(streamID string, st *streamState, eventType string) {
	event := Event{Type: eventType, Stream: streamID, Count: st.count}
	for sub := range st.subs {
		select {
		case sub.send <- event:
		default:
			r.log.WithField("stream", streamID).Warn("viewer event buffer full, dropping event")
		}
	}
}

func (r *Registry) setGaugeLocked(streamID string, st *streamState) {
	if r.metrics != nil {
		r.metrics.SetViewers(streamID, st.count)
	}
}

// cleanupLocked drops bookkeeping for streams that are ended and empty.
func (r *Registry) cleanupLocked(streamID string, st *streamState) {
	if !st.live && st.count == 0 && len(st.subs) == 0 {
		delete(r.streams, streamID)
	}
}
