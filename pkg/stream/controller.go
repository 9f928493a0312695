package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/beamcast/beamcast/pkg/hls"
	"github.com/beamcast/beamcast/pkg/logging"
	"github.com/beamcast/beamcast/pkg/media"
	"github.com/beamcast/beamcast/pkg/metrics"
	"github.com/beamcast/beamcast/pkg/rtc"
)

// ControllerConfig wires one publisher to one segment writer.
type ControllerConfig struct {
	StreamID    string
	PublisherID string

	OutputRoot     string
	Ladder         []hls.Rendition
	Input          hls.InputSpec
	SegmentSeconds int
	DeleteSegments bool
	StallTimeout   time.Duration
	Launcher       hls.Launcher

	STUNURLs       []string
	ConnectTimeout time.Duration

	Logger  logging.Logger
	Metrics *metrics.Metrics

	// OnStarted fires when the stream's first epoch opens; OnEnded fires
	// when a started stream ends. Each fires at most once per controller.
	OnStarted func(streamID string)
	OnEnded   func(streamID string)

	// OnLocalCandidate forwards locally gathered ICE candidates to the
	// publisher via signaling.
	OnLocalCandidate func(webrtc.ICECandidateInit)
}

// Controller owns the lifecycle of one publishing attempt: a peer session
// feeding a segment writer. Transport loss, negotiation timeout, publisher
// departure and fatal storage errors all converge on the same two-phase
// teardown: Shutdown stops media flow immediately, Drain waits for the
// encoders to finish.
type Controller struct {
	cfg     ControllerConfig
	log     logging.Entry
	writer  *hls.Writer
	session *rtc.Session

	started    atomic.Bool
	terminated atomic.Bool
	startOnce  sync.Once
	endOnce    sync.Once
	stopOnce   sync.Once
}

// NewController builds the writer and the answering peer session for one
// publisher. The session starts negotiating on the first offer.
func NewController(cfg ControllerConfig) (*Controller, error) {
	c := &Controller{
		cfg: cfg,
		log: cfg.Logger.WithField("stream", cfg.StreamID),
	}

	writer, err := hls.NewWriter(hls.WriterConfig{
		StreamID:       cfg.StreamID,
		OutputRoot:     cfg.OutputRoot,
		Ladder:         cfg.Ladder,
		Input:          cfg.Input,
		SegmentSeconds: cfg.SegmentSeconds,
		DeleteSegments: cfg.DeleteSegments,
		Launcher:       cfg.Launcher,
		Logger:         cfg.Logger,
		Metrics:        cfg.Metrics,
		StallTimeout:   cfg.StallTimeout,
		OnFirstEpoch:   c.markStarted,
	})
	if err != nil {
		return nil, err
	}
	c.writer = writer

	session, err := rtc.NewSession(rtc.Config{
		StreamID:         cfg.StreamID,
		STUNURLs:         cfg.STUNURLs,
		ConnectTimeout:   cfg.ConnectTimeout,
		Logger:           cfg.Logger,
		Sink:             fatalSink{c},
		OnLocalCandidate: cfg.OnLocalCandidate,
		OnConnected: func() {
			c.log.Info("publisher connected")
		},
		OnClosed: c.transportLost,
	})
	if err != nil {
		writer.Stop()
		return nil, err
	}
	c.session = session

	return c, nil
}

// HandleOffer negotiates with the publisher and returns the answer.
func (c *Controller) HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return c.session.HandleOffer(offer)
}

// AddICECandidate forwards a remote candidate to the session.
func (c *Controller) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.session.AddICECandidate(candidate)
}

// StreamID returns the stream this controller serves.
func (c *Controller) StreamID() string { return c.cfg.StreamID }

// PublisherID returns the signaling participant id of the publisher.
func (c *Controller) PublisherID() string { return c.cfg.PublisherID }

// Terminated reports whether the controller has been shut down, by either
// an explicit Shutdown or a transport loss.
func (c *Controller) Terminated() bool { return c.terminated.Load() }

// Shutdown is the stop phase: it closes the peer session and finalizes the
// open epoch without waiting for encoder exit. Idempotent.
func (c *Controller) Shutdown() {
	c.stopOnce.Do(func() {
		c.terminated.Store(true)
		c.session.Close()
		c.writer.Stop()
		c.markEnded()
		c.log.Info("stream shut down")
	})
}

// Drain is the second phase: it resolves once every encoder spawned for
// this stream has exited.
func (c *Controller) Drain(ctx context.Context) error {
	return c.writer.Drain(ctx)
}

// Health exposes the writer's per-rendition error state.
func (c *Controller) Health() map[string]error {
	return c.writer.Health()
}

// transportLost handles the session's failure callback: disconnect,
// negotiation timeout or ICE failure.
func (c *Controller) transportLost(cause error) {
	c.log.WithError(cause).Info("publisher transport lost")
	c.Shutdown()
}

func (c *Controller) markStarted() {
	c.startOnce.Do(func() {
		c.started.Store(true)
		c.log.Info("stream started")
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.StreamStarted()
		}
		if c.cfg.OnStarted != nil {
			c.cfg.OnStarted(c.cfg.StreamID)
		}
	})
}

// markEnded fires the ended hook for streams that actually went live, so
// started/ended observations stay paired.
func (c *Controller) markEnded() {
	c.endOnce.Do(func() {
		if !c.started.Load() {
			return
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.StreamEnded()
		}
		if c.cfg.OnEnded != nil {
			c.cfg.OnEnded(c.cfg.StreamID)
		}
	})
}

// fatalSink feeds the writer and escalates fatal writer errors (storage
// failure, no startable encoder) into a stream teardown. Media pushed
// after shutdown is quietly discarded.
type fatalSink struct {
	c *Controller
}

func (s fatalSink) WriteFrame(f media.FrameEvent) error {
	err := s.c.writer.WriteFrame(f)
	if err != nil && !errors.Is(err, hls.ErrWriterStopped) {
		s.c.log.WithError(err).Error("segment writer failed")
		go s.c.Shutdown()
	}
	return err
}

func (s fatalSink) WriteAudio(chunk media.AudioChunk) error {
	return s.c.writer.WriteAudio(chunk)
}
