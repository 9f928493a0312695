package rtc

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcast/beamcast/pkg/logging"
	"github.com/beamcast/beamcast/pkg/media"
)

type discardSink struct{}

func (discardSink) WriteFrame(media.FrameEvent) error { return nil }
func (discardSink) WriteAudio(media.AudioChunk) error { return nil }

func newTestSession(t *testing.T, mutate func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		StreamID: "demo",
		Logger:   logging.New("error"),
		Sink:     discardSink{},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSession(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// publisherOffer produces a real offer with one video and one audio track.
func publisherOffer(t *testing.T) (*webrtc.PeerConnection, webrtc.SessionDescription) {
	t.Helper()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "publisher")
	require.NoError(t, err)
	_, err = pc.AddTrack(video)
	require.NoError(t, err)

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "publisher")
	require.NoError(t, err)
	_, err = pc.AddTrack(audio)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))

	return pc, offer
}

func TestSessionStartsNew(t *testing.T) {
	s := newTestSession(t, nil)
	assert.Equal(t, StateNew, s.State())
}

func TestSessionHandleOfferProducesAnswer(t *testing.T) {
	s := newTestSession(t, nil)
	_, offer := publisherOffer(t)

	answer, err := s.HandleOffer(offer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.NotEmpty(t, answer.SDP)
}

func TestSessionBuffersEarlyCandidates(t *testing.T) {
	s := newTestSession(t, nil)

	// Candidates before the remote description must be buffered, not lost.
	require.NoError(t, s.AddICECandidate(webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 40000 typ host",
	}))
	require.NoError(t, s.AddICECandidate(webrtc.ICECandidateInit{
		Candidate: "candidate:2 1 udp 2130706431 192.0.2.2 40001 typ host",
	}))

	s.mu.Lock()
	buffered := len(s.pending)
	s.mu.Unlock()
	assert.Equal(t, 2, buffered)

	_, offer := publisherOffer(t)
	_, err := s.HandleOffer(offer)
	require.NoError(t, err)

	s.mu.Lock()
	buffered = len(s.pending)
	s.mu.Unlock()
	assert.Zero(t, buffered, "buffered candidates applied with the offer")
}

func TestSessionMalformedOfferFailsImmediately(t *testing.T) {
	closed := make(chan error, 1)
	s := newTestSession(t, func(cfg *Config) {
		cfg.ConnectTimeout = time.Minute
		cfg.OnClosed = func(err error) { closed <- err }
	})

	_, err := s.HandleOffer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "not an sdp",
	})
	require.Error(t, err)
	assert.Equal(t, StateFailed, s.State(), "negotiation errors are terminal, not timeout-deferred")

	select {
	case cause := <-closed:
		require.Error(t, cause)
	case <-time.After(time.Second):
		t.Fatal("failure was not reported")
	}

	_, err = s.HandleOffer(webrtc.SessionDescription{})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionCloseIsTerminalAndIdempotent(t *testing.T) {
	var mu sync.Mutex
	var closedErr []error
	s := newTestSession(t, func(cfg *Config) {
		cfg.OnClosed = func(err error) {
			mu.Lock()
			closedErr = append(closedErr, err)
			mu.Unlock()
		}
	})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())

	_, err := s.HandleOffer(webrtc.SessionDescription{})
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.AddICECandidate(webrtc.ICECandidateInit{}), ErrSessionClosed)

	// Explicit close never reports a transport loss.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, closedErr)
}

func TestSessionConnectTimeoutFails(t *testing.T) {
	closed := make(chan error, 1)
	s := newTestSession(t, func(cfg *Config) {
		cfg.ConnectTimeout = 30 * time.Millisecond
		cfg.OnClosed = func(err error) { closed <- err }
	})

	select {
	case err := <-closed:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
	case <-time.After(2 * time.Second):
		t.Fatal("connect timeout never fired")
	}
	assert.Equal(t, StateFailed, s.State())
}

func TestSessionOnClosedFiresAtMostOnce(t *testing.T) {
	var calls sync.WaitGroup
	calls.Add(1)
	count := 0
	s := newTestSession(t, func(cfg *Config) {
		cfg.ConnectTimeout = 20 * time.Millisecond
		cfg.OnClosed = func(error) {
			count++
			calls.Done()
		}
	})

	calls.Wait()
	// A second failure path (explicit close after timeout) must not re-fire.
	s.Close()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, count)
}
