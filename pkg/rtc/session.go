package rtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"

	"github.com/beamcast/beamcast/pkg/logging"
	"github.com/beamcast/beamcast/pkg/media"
)

// State is the lifecycle state of a publisher peer session.
type State string

const (
	StateNew         State = "new"
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
	StateFailed      State = "failed"
)

// ErrSessionClosed is returned for operations on a terminal session.
var ErrSessionClosed = errors.New("rtc: session closed")

// keyframeInterval is how often a picture loss indication is sent upstream
// so the publisher refreshes geometry-bearing keyframes.
const keyframeInterval = 3 * time.Second

// Config configures a Session.
type Config struct {
	StreamID       string
	STUNURLs       []string
	ConnectTimeout time.Duration
	Logger         logging.Logger
	Sink           media.Sink

	// OnLocalCandidate surfaces locally gathered ICE candidates for the
	// signaling layer to forward to the publisher.
	OnLocalCandidate func(webrtc.ICECandidateInit)
	// OnConnected fires once when the transport reaches connected.
	OnConnected func()
	// OnClosed fires once when the transport is lost or the session fails;
	// the controller uses it to tear the stream down. It does not fire for
	// an explicit Close.
	OnClosed func(err error)
}

// Session owns one negotiated publisher connection. Exactly one session is
// active per stream id; the stream manager closes the previous session
// before negotiating a replacement.
type Session struct {
	cfg Config
	log logging.Entry
	pc  *webrtc.PeerConnection

	mu        sync.Mutex
	state     State
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	video     *webrtc.TrackRemote
	audio     *webrtc.TrackRemote

	startTap   sync.Once
	closeOnce  sync.Once
	notifyOnce sync.Once

	connectTimer *time.Timer
	done         chan struct{}
}

// NewSession creates the peer connection and arms the negotiation timeout.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		return nil, errors.New("rtc: logger is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("rtc: sink is required")
	}

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNURLs))
	for _, url := range cfg.STUNURLs {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("rtc: create peer connection: %w", err)
	}

	s := &Session{
		cfg:   cfg,
		log:   cfg.Logger.WithField("stream", cfg.StreamID),
		pc:    pc,
		state: StateNew,
		done:  make(chan struct{}),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || cfg.OnLocalCandidate == nil {
			return
		}
		cfg.OnLocalCandidate(candidate.ToJSON())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.WithField("state", state.String()).Debug("peer connection state changed")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.setConnected()
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.transportLost(fmt.Errorf("rtc: transport %s", state.String()))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.handleTrack(track)
	})

	if cfg.ConnectTimeout > 0 {
		s.connectTimer = time.AfterFunc(cfg.ConnectTimeout, func() {
			s.failIfNotConnected()
		})
	}

	return s, nil
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HandleOffer applies the publisher's offer and synchronously produces the
// local answer. Remote candidates buffered before the offer are applied in
// arrival order once the remote description is set. A negotiation error is
// terminal: the session moves to failed and tears down immediately.
func (s *Session) HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return webrtc.SessionDescription{}, ErrSessionClosed
	}
	s.state = StateNegotiating
	s.mu.Unlock()

	if err := s.pc.SetRemoteDescription(offer); err != nil {
		err = fmt.Errorf("rtc: set remote description: %w", err)
		s.transportLost(err)
		return webrtc.SessionDescription{}, err
	}

	s.mu.Lock()
	s.remoteSet = true
	buffered := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, cand := range buffered {
		if err := s.pc.AddICECandidate(cand); err != nil {
			s.log.WithError(err).Warn("buffered ice candidate rejected")
		}
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		err = fmt.Errorf("rtc: create answer: %w", err)
		s.transportLost(err)
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		err = fmt.Errorf("rtc: set local description: %w", err)
		s.transportLost(err)
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// AddICECandidate applies a remote candidate, buffering it when it arrives
// before the remote description. Buffered candidates are never dropped.
func (s *Session) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.remoteSet {
		s.pending = append(s.pending, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.pc.AddICECandidate(candidate)
}

// handleTrack records an arriving track and starts the media tap once both
// kinds are present. Track arrival order is not guaranteed; the tap start
// is idempotent.
func (s *Session) handleTrack(track *webrtc.TrackRemote) {
	s.mu.Lock()
	switch track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		s.video = track
	case webrtc.RTPCodecTypeAudio:
		s.audio = track
	}
	video, audio := s.video, s.audio
	s.mu.Unlock()

	s.log.WithField("kind", track.Kind().String()).Info("track received")

	if video != nil && audio != nil {
		s.startTap.Do(func() {
			t := newTap(video, audio, s.cfg.Sink, s.log, s.done)
			go t.runVideo()
			go t.runAudio()
			go s.keyframeLoop(video)
		})
	}
}

// keyframeLoop periodically requests a keyframe from the publisher.
func (s *Session) keyframeLoop(video *webrtc.TrackRemote) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(video.SSRC())}
			if err := s.pc.WriteRTCP([]rtcp.Packet{pli}); err != nil {
				return
			}
		}
	}
}

func (s *Session) setConnected() {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	timer := s.connectTimer
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if s.cfg.OnConnected != nil {
		s.cfg.OnConnected()
	}
}

// failIfNotConnected enforces the negotiation timeout: a session that never
// reaches connected is torn down identically to a disconnect.
func (s *Session) failIfNotConnected() {
	s.mu.Lock()
	if s.state == StateConnected || s.terminalLocked() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.transportLost(fmt.Errorf("rtc: negotiation timed out after %s", s.cfg.ConnectTimeout))
}

// transportLost moves the session to failed and notifies the controller.
func (s *Session) transportLost(cause error) {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.mu.Unlock()

	s.teardown()
	s.notifyOnce.Do(func() {
		if s.cfg.OnClosed != nil {
			s.cfg.OnClosed(cause)
		}
	})
}

// Close explicitly tears the session down. It stops the media tap and the
// underlying transport synchronously; it never waits on downstream
// encoders. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	s.mu.Unlock()

	s.teardown()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	// Suppress the transport-loss callback that pc.Close triggers.
	s.notifyOnce.Do(func() {})
	return nil
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		if s.connectTimer != nil {
			s.connectTimer.Stop()
		}
		close(s.done)
		if err := s.pc.Close(); err != nil {
			s.log.WithError(err).Debug("peer connection close")
		}
	})
}

func (s *Session) terminalLocked() bool {
	return s.state == StateClosing || s.state == StateClosed || s.state == StateFailed
}
