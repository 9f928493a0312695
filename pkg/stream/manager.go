package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/beamcast/beamcast/pkg/config"
	"github.com/beamcast/beamcast/pkg/hls"
	"github.com/beamcast/beamcast/pkg/logging"
	"github.com/beamcast/beamcast/pkg/metrics"
	"github.com/beamcast/beamcast/pkg/signal"
)

// Hooks notify the rest of the server about stream lifecycle edges.
type Hooks struct {
	OnStarted func(streamID string)
	OnEnded   func(streamID string)
}

// Manager runs the answering side of every stream: it joins each
// publisher's signaling room as an in-process participant, negotiates one
// peer session per stream id and replaces it when a new publisher shows
// up. At most one controller is live per stream id.
type Manager struct {
	cfg      *config.Config
	log      logging.Logger
	metrics  *metrics.Metrics
	relay    *signal.Relay
	launcher hls.Launcher
	store    StateStore
	hooks    Hooks

	mu      sync.Mutex
	streams map[string]*managedStream
	wg      sync.WaitGroup
	closed  bool
}

// managedStream is the manager's handle on one signaling room.
type managedStream struct {
	lp   *signal.LocalParticipant
	mu   sync.Mutex
	ctrl *Controller
}

func (ms *managedStream) controller() *Controller {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.ctrl
}

func (ms *managedStream) setController(c *Controller) {
	ms.mu.Lock()
	ms.ctrl = c
	ms.mu.Unlock()
}

// NewManager creates a stream manager and registers it on the relay's
// room-created hook.
func NewManager(cfg *config.Config, relay *signal.Relay, launcher hls.Launcher, store StateStore, m *metrics.Metrics, log logging.Logger, hooks Hooks) *Manager {
	mgr := &Manager{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		relay:    relay,
		launcher: launcher,
		store:    store,
		hooks:    hooks,
		streams:  make(map[string]*managedStream),
	}
	relay.OnRoomCreated = mgr.handleRoom
	return mgr
}

// handleRoom attaches the answering participant to a freshly created room
// and serves its envelopes until the room empties.
func (m *Manager) handleRoom(streamID string) {
	lp := m.relay.AttachLocal(streamID)
	ms := &managedStream{lp: lp}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		lp.Close()
		return
	}
	m.streams[streamID] = ms
	m.wg.Add(1)
	m.mu.Unlock()

	go m.serveRoom(streamID, ms)
}

func (m *Manager) serveRoom(streamID string, ms *managedStream) {
	defer m.wg.Done()
	defer m.finishStream(streamID, ms)

	log := m.log.WithField("stream", streamID)
	log.Info("signaling room opened")

	for env := range ms.lp.Receive() {
		switch env.Type {
		case signal.TypeOffer:
			m.handleOffer(streamID, ms, env)

		case signal.TypeICECandidate:
			ctrl := ms.controller()
			if ctrl == nil || ctrl.Terminated() || ctrl.PublisherID() != env.Src {
				continue
			}
			var candidate webrtc.ICECandidateInit
			if err := json.Unmarshal(env.Payload, &candidate); err != nil {
				log.WithError(err).Warn("malformed ice candidate")
				continue
			}
			if err := ctrl.AddICECandidate(candidate); err != nil {
				log.WithError(err).Warn("ice candidate rejected")
			}

		case signal.TypeLeft:
			var id string
			if err := json.Unmarshal(env.Payload, &id); err != nil {
				continue
			}
			if ctrl := ms.controller(); ctrl != nil && ctrl.PublisherID() == id {
				log.Info("publisher left signaling")
				ctrl.Shutdown()
			}
			// Only the in-process participant left: release the room.
			if m.relay.ParticipantCount(streamID) <= 1 {
				ms.lp.Close()
			}
		}
	}
}

// handleOffer negotiates an answer. A first offer creates the stream's
// controller; an offer from a different participant, or one arriving after
// the session terminated, replaces the old controller before negotiating.
// A repeat offer from the live publisher renegotiates in place.
func (m *Manager) handleOffer(streamID string, ms *managedStream, env signal.Envelope) {
	log := m.log.WithField("stream", streamID)

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(env.Payload, &offer); err != nil {
		log.WithError(err).Warn("malformed offer")
		return
	}

	ctrl := ms.controller()
	if ctrl != nil && (ctrl.Terminated() || ctrl.PublisherID() != env.Src) {
		log.WithField("publisher", env.Src).Info("replacing publisher session")
		ctrl.Shutdown()
		go m.drainController(ctrl)
		ctrl = nil
	}

	if ctrl == nil {
		var err error
		ctrl, err = NewController(ControllerConfig{
			StreamID:       streamID,
			PublisherID:    env.Src,
			OutputRoot:     m.cfg.OutputDir,
			Input:          m.inputSpec(),
			SegmentSeconds: m.cfg.SegmentSeconds,
			DeleteSegments: m.cfg.DeleteSegments,
			StallTimeout:   m.cfg.StallTimeout,
			Launcher:       m.launcher,
			STUNURLs:       m.cfg.STUNURLs,
			ConnectTimeout: m.cfg.ConnectTimeout,
			Logger:         m.log,
			Metrics:        m.metrics,
			OnStarted:      m.streamStarted,
			OnEnded:        m.streamEnded,
			OnLocalCandidate: func(candidate webrtc.ICECandidateInit) {
				if err := ms.lp.Send(signal.TypeICECandidate, candidate); err != nil {
					log.WithError(err).Warn("local candidate send failed")
				}
			},
		})
		if err != nil {
			log.WithError(err).Error("controller start failed")
			return
		}
		ms.setController(ctrl)
	}

	answer, err := ctrl.HandleOffer(offer)
	if err != nil {
		log.WithError(err).Error("offer negotiation failed")
		return
	}
	if err := ms.lp.Send(signal.TypeAnswer, answer); err != nil {
		log.WithError(err).Warn("answer send failed")
	}
}

func (m *Manager) inputSpec() hls.InputSpec {
	return hls.InputSpec{
		VideoFormat: m.cfg.VideoInput,
		AudioFormat: m.cfg.AudioInput,
		FrameRate:   m.cfg.FrameRate,
		SampleRate:  48000,
		Channels:    2,
	}
}

func (m *Manager) streamStarted(streamID string) {
	if err := m.store.SetLive(streamID, true); err != nil {
		m.log.WithError(err).Error("state store update failed")
	}
	if m.hooks.OnStarted != nil {
		m.hooks.OnStarted(streamID)
	}
}

func (m *Manager) streamEnded(streamID string) {
	if err := m.store.SetLive(streamID, false); err != nil {
		m.log.WithError(err).Error("state store update failed")
	}
	if m.hooks.OnEnded != nil {
		m.hooks.OnEnded(streamID)
	}
}

// finishStream tears the stream down after its room closed.
func (m *Manager) finishStream(streamID string, ms *managedStream) {
	m.mu.Lock()
	if m.streams[streamID] == ms {
		delete(m.streams, streamID)
	}
	m.mu.Unlock()

	if ctrl := ms.controller(); ctrl != nil {
		ctrl.Shutdown()
		m.drainController(ctrl)
	}
	m.log.WithField("stream", streamID).Info("signaling room closed")
}

// drainController waits out a stopped controller's encoders, bounded so a
// wedged subprocess cannot leak the goroutine forever.
func (m *Manager) drainController(ctrl *Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ctrl.Drain(ctx); err != nil {
		m.log.WithField("stream", ctrl.StreamID()).WithError(err).Warn("encoder drain timed out")
	}
}

// Shutdown stops every stream and waits for their rooms to wind down.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	active := make([]*managedStream, 0, len(m.streams))
	for _, ms := range m.streams {
		active = append(active, ms)
	}
	m.mu.Unlock()

	for _, ms := range active {
		if ctrl := ms.controller(); ctrl != nil {
			ctrl.Shutdown()
		}
		ms.lp.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
