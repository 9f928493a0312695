package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/beamcast/beamcast/pkg/logging"
	"github.com/beamcast/beamcast/pkg/media"
	"github.com/beamcast/beamcast/pkg/metrics"
)

// ErrWriterStopped is returned for media pushed after Stop.
var ErrWriterStopped = errors.New("hls: writer stopped")

// WriterConfig configures a segment writer for one stream id.
type WriterConfig struct {
	StreamID       string
	OutputRoot     string
	Ladder         []Rendition
	Input          InputSpec
	SegmentSeconds int
	DeleteSegments bool
	Launcher       Launcher
	Logger         logging.Logger
	Metrics        *metrics.Metrics

	// StallTimeout force-finalizes an epoch whose encoder stops reading
	// its pipes for this long. Zero disables the watchdog.
	StallTimeout time.Duration

	// OnFirstEpoch fires once, the instant the stream's first epoch opens.
	OnFirstEpoch func()
}

// Writer materializes one adaptive-bitrate segmented asset per stream id
// from a frame sequence plus an audio chunk sequence, self-healing across
// geometry changes. At most one epoch is open at a time; finalize-and-
// replace happens atomically with respect to media delivery.
type Writer struct {
	cfg       WriterConfig
	log       logging.Entry
	streamDir string

	mu         sync.Mutex
	cur        *epoch
	epochCount int
	stopped    bool

	procs sync.WaitGroup

	healthMu sync.Mutex
	health   map[string]error
}

// epoch is one run of constant frame geometry, backed by one encoder
// subprocess per rendition tier.
type epoch struct {
	geometry media.Geometry
	pipes    []*renditionPipe
	closed   bool
}

type renditionPipe struct {
	name     string
	enc      Encoder
	video    frameSink
	audio    chunkSink
	rawVideo io.WriteCloser
	rawAudio io.WriteCloser
	dead     bool
}

// NewWriter creates the stream's output directory and a writer over it.
// A storage error here is fatal for the stream (§ error taxonomy:
// the controller reports the stream ended early).
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Launcher == nil {
		return nil, errors.New("hls: launcher is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("hls: logger is required")
	}
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = DefaultLadder()
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 4
	}

	streamDir := filepath.Join(cfg.OutputRoot, cfg.StreamID)
	if err := os.MkdirAll(streamDir, 0o755); err != nil {
		return nil, fmt.Errorf("hls: create output directory: %w", err)
	}

	return &Writer{
		cfg:       cfg,
		log:       cfg.Logger.WithField("stream", cfg.StreamID),
		streamDir: streamDir,
		health:    make(map[string]error),
	}, nil
}

// WriteFrame appends a video frame to the open epoch, rolling the epoch
// over first when the frame's geometry differs (or no epoch is open yet).
// Backpressure from a slow encoder blocks the caller; frames are never
// dropped inside an epoch.
func (w *Writer) WriteFrame(f media.FrameEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrWriterStopped
	}

	if w.cur == nil || w.cur.geometry != f.Geometry() {
		if err := w.rolloverLocked(f.Geometry()); err != nil {
			w.stopped = true
			return err
		}
	}

	w.writeToEpochLocked(f)
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.IncFrames(w.cfg.StreamID)
	}
	return nil
}

// WriteAudio appends an audio chunk to the open epoch. Chunks arriving
// while no epoch is open (between finalize and the next frame) are
// dropped; audio is never fed into a closed pipe.
func (w *Writer) WriteAudio(c media.AudioChunk) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped || w.cur == nil || w.cur.closed {
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.IncDroppedAudio(w.cfg.StreamID)
		}
		return nil
	}

	for _, p := range w.cur.pipes {
		if p.dead {
			continue
		}
		w.armStallDeadline(p.rawAudio)
		if err := p.audio.WriteChunk(c); err != nil {
			w.handlePipeError(p, err)
		}
	}
	return nil
}

// Stop finalizes the open epoch without opening a replacement and returns
// immediately; it never waits for encoder exit. Use Drain for that.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cur != nil {
		w.finalizeLocked(w.cur, false)
		w.cur = nil
	}
}

// Drain resolves once every encoder process ever spawned for this stream
// has exited, so callers can treat the on-disk output as complete.
func (w *Writer) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.procs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports the last error per rendition, keyed by rendition name.
// Healthy renditions are absent.
func (w *Writer) Health() map[string]error {
	w.healthMu.Lock()
	defer w.healthMu.Unlock()
	out := make(map[string]error, len(w.health))
	for k, v := range w.health {
		out[k] = v
	}
	return out
}

// EpochCount returns how many epochs have been opened.
func (w *Writer) EpochCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.epochCount
}

// rolloverLocked finalizes the open epoch (if any) and opens its
// replacement for the given geometry: per-rendition segment offsets are
// read from durable storage, one encoder is spawned per tier, and the
// master manifest is refreshed. Called with w.mu held, which is what makes
// finalize-plus-open atomic with respect to media delivery.
func (w *Writer) rolloverLocked(geo media.Geometry) error {
	if w.cur != nil {
		w.finalizeLocked(w.cur, false)
		w.cur = nil
	}

	if err := writeMasterManifest(w.streamDir, w.cfg.Ladder, geo); err != nil {
		return fmt.Errorf("hls: write master manifest: %w", err)
	}

	pipes := make([]*renditionPipe, 0, len(w.cfg.Ladder))
	// A storage failure partway through aborts the whole epoch; encoders
	// launched for earlier tiers must not outlive it.
	abort := func(err error) error {
		for _, p := range pipes {
			p.video.Close()
			p.audio.Close()
			p.enc.Kill()
		}
		return err
	}
	for _, r := range w.cfg.Ladder {
		dir := filepath.Join(w.streamDir, r.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return abort(fmt.Errorf("hls: create rendition directory: %w", err))
		}
		start, err := countSegments(dir)
		if err != nil {
			return abort(fmt.Errorf("hls: count segments: %w", err))
		}

		enc, err := w.cfg.Launcher.Launch(EncodeJob{
			StreamID:       w.cfg.StreamID,
			Rendition:      r,
			Input:          w.cfg.Input,
			Geometry:       geo,
			OutputDir:      dir,
			StartNumber:    start,
			SegmentSeconds: w.cfg.SegmentSeconds,
			DeleteSegments: w.cfg.DeleteSegments,
		})
		if err != nil {
			// A rendition that cannot start leaves its playlist stale; the
			// stream carries on with the remaining tiers.
			w.recordHealth(r.Name, err)
			w.log.WithField("rendition", r.Name).WithError(err).Error("encoder launch failed")
			continue
		}

		pipes = append(pipes, &renditionPipe{
			name:     r.Name,
			enc:      enc,
			video:    newVideoMux(w.cfg.Input.VideoFormat, enc.Video(), geo, w.cfg.Input.FrameRate),
			audio:    newAudioMux(w.cfg.Input.AudioFormat, enc.Audio(), w.cfg.Input.SampleRate, w.cfg.Input.Channels),
			rawVideo: enc.Video(),
			rawAudio: enc.Audio(),
		})
		w.procs.Add(1)
		go w.monitor(r.Name, enc)
	}

	if len(pipes) == 0 {
		return fmt.Errorf("hls: no encoder could be started for %s", w.cfg.StreamID)
	}

	w.cur = &epoch{geometry: geo, pipes: pipes}
	w.epochCount++
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.IncEpochs(w.cfg.StreamID)
	}
	w.log.WithFields(logging.Fields{
		"epoch":    w.epochCount,
		"geometry": geo.String(),
		"tiers":    len(pipes),
	}).Info("epoch opened")

	if w.epochCount == 1 && w.cfg.OnFirstEpoch != nil {
		w.cfg.OnFirstEpoch()
	}
	return nil
}

// writeToEpochLocked fans a frame out to every live rendition pipe.
func (w *Writer) writeToEpochLocked(f media.FrameEvent) {
	live := 0
	for _, p := range w.cur.pipes {
		if p.dead {
			continue
		}
		w.armStallDeadline(p.rawVideo)
		if err := p.video.WriteFrame(f); err != nil {
			w.handlePipeError(p, err)
			continue
		}
		live++
	}
	if live == 0 {
		// Every tier is gone; drop the epoch so the next frame opens a
		// fresh one with fresh encoders.
		w.finalizeLocked(w.cur, true)
		w.cur = nil
	}
}

// finalizeLocked closes the epoch's pipes, signaling end-of-stream to its
// encoders without waiting for them to exit. No media can be appended to
// the epoch afterwards.
func (w *Writer) finalizeLocked(e *epoch, kill bool) {
	if e.closed {
		return
	}
	e.closed = true
	for _, p := range e.pipes {
		p.audio.Close()
		p.video.Close()
		if kill {
			p.enc.Kill()
		}
	}
	w.log.WithField("geometry", e.geometry.String()).Info("epoch finalized")
}

// handlePipeError takes a failed rendition pipe out of rotation. A stall
// (write deadline exceeded) is handled per deployment policy by killing
// the stuck encoder; either way the stream keeps going.
func (w *Writer) handlePipeError(p *renditionPipe, err error) {
	p.dead = true
	p.rawVideo.Close()
	p.rawAudio.Close()
	if os.IsTimeout(err) {
		w.log.WithField("rendition", p.name).Warn("encoder stalled, killing")
		p.enc.Kill()
		err = fmt.Errorf("hls: stalled after %s: %w", w.cfg.StallTimeout, err)
	}
	w.recordHealth(p.name, err)
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.IncEncoderFailures(w.cfg.StreamID, p.name)
	}
	w.log.WithField("rendition", p.name).WithError(err).Error("rendition pipe failed")
}

// armStallDeadline sets a write deadline on pipes that support one.
func (w *Writer) armStallDeadline(pipe io.WriteCloser) {
	if w.cfg.StallTimeout <= 0 {
		return
	}
	type deadlineWriter interface {
		SetWriteDeadline(time.Time) error
	}
	if dw, ok := pipe.(deadlineWriter); ok {
		dw.SetWriteDeadline(time.Now().Add(w.cfg.StallTimeout))
	}
}

// monitor waits for one encoder's exit and records the result.
func (w *Writer) monitor(rendition string, enc Encoder) {
	defer w.procs.Done()
	if err := <-enc.Done(); err != nil {
		w.recordHealth(rendition, err)
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.IncEncoderFailures(w.cfg.StreamID, rendition)
		}
		w.log.WithField("rendition", rendition).WithError(err).Error("encoder exited with error")
		return
	}
	w.log.WithField("rendition", rendition).Debug("encoder exited")
}

func (w *Writer) recordHealth(rendition string, err error) {
	w.healthMu.Lock()
	w.health[rendition] = err
	w.healthMu.Unlock()
}
