package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcast/beamcast/pkg/hls"
	"github.com/beamcast/beamcast/pkg/logging"
	"github.com/beamcast/beamcast/pkg/media"
)

// nullEncoder discards its input and exits as soon as its pipes close.
type nullEncoder struct {
	video *nullPipe
	audio *nullPipe
	done  chan error

	mu        sync.Mutex
	remaining int
}

type nullPipe struct {
	enc *nullEncoder
}

func (p *nullPipe) Write(b []byte) (int, error) { return len(b), nil }

func (p *nullPipe) Close() error {
	p.enc.mu.Lock()
	defer p.enc.mu.Unlock()
	p.enc.remaining--
	if p.enc.remaining == 0 {
		p.enc.done <- nil
	}
	return nil
}

func (e *nullEncoder) Video() io.WriteCloser { return e.video }
func (e *nullEncoder) Audio() io.WriteCloser { return e.audio }
func (e *nullEncoder) Done() <-chan error    { return e.done }
func (e *nullEncoder) Kill() error           { return nil }

type nullLauncher struct {
	mu       sync.Mutex
	launched int
	err      error
}

func (l *nullLauncher) Launch(hls.EncodeJob) (hls.Encoder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.launched++
	e := &nullEncoder{done: make(chan error, 1), remaining: 2}
	e.video = &nullPipe{enc: e}
	e.audio = &nullPipe{enc: e}
	return e, nil
}

type lifecycleLog struct {
	mu      sync.Mutex
	started []string
	ended   []string
}

func (l *lifecycleLog) onStarted(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, id)
}

func (l *lifecycleLog) onEnded(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended = append(l.ended, id)
}

func (l *lifecycleLog) snapshot() (started, ended []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.started...), append([]string(nil), l.ended...)
}

func newTestController(t *testing.T, launcher hls.Launcher, events *lifecycleLog) *Controller {
	t.Helper()
	ctrl, err := NewController(ControllerConfig{
		StreamID:       "demo",
		PublisherID:    "pub-1",
		OutputRoot:     t.TempDir(),
		Input:          hls.InputSpec{VideoFormat: "rawvideo", AudioFormat: "s16le", FrameRate: 30, SampleRate: 48000, Channels: 2},
		SegmentSeconds: 4,
		Launcher:       launcher,
		ConnectTimeout: time.Minute,
		Logger:         logging.New("error"),
		OnStarted:      events.onStarted,
		OnEnded:        events.onEnded,
	})
	require.NoError(t, err)
	return ctrl
}

func TestControllerStartedEndedExactlyOnce(t *testing.T) {
	launcher := &nullLauncher{}
	events := &lifecycleLog{}
	ctrl := newTestController(t, launcher, events)

	sink := fatalSink{ctrl}
	require.NoError(t, sink.WriteFrame(media.FrameEvent{Width: 1280, Height: 720, Data: []byte("f1")}))
	require.NoError(t, sink.WriteFrame(media.FrameEvent{Width: 854, Height: 480, Data: []byte("f2")}))

	ctrl.Shutdown()
	ctrl.Shutdown()

	started, ended := events.snapshot()
	assert.Equal(t, []string{"demo"}, started)
	assert.Equal(t, []string{"demo"}, ended)
	assert.True(t, ctrl.Terminated())

	require.NoError(t, ctrl.Drain(context.Background()))
}

func TestControllerNeverStartedDoesNotFireEnded(t *testing.T) {
	launcher := &nullLauncher{}
	events := &lifecycleLog{}
	ctrl := newTestController(t, launcher, events)

	ctrl.Shutdown()

	started, ended := events.snapshot()
	assert.Empty(t, started)
	assert.Empty(t, ended, "ended is only reported for streams that went live")
}

func TestControllerFatalWriterErrorTearsDown(t *testing.T) {
	launcher := &nullLauncher{err: errors.New("ffmpeg missing")}
	events := &lifecycleLog{}
	ctrl := newTestController(t, launcher, events)

	sink := fatalSink{ctrl}
	require.Error(t, sink.WriteFrame(media.FrameEvent{Width: 1280, Height: 720, Data: []byte("f")}))

	require.Eventually(t, ctrl.Terminated, time.Second, 10*time.Millisecond)

	started, _ := events.snapshot()
	assert.Empty(t, started, "stream never went live")
}

func TestControllerMediaAfterShutdownIsRejected(t *testing.T) {
	launcher := &nullLauncher{}
	ctrl := newTestController(t, launcher, &lifecycleLog{})

	sink := fatalSink{ctrl}
	require.NoError(t, sink.WriteFrame(media.FrameEvent{Width: 1280, Height: 720, Data: []byte("f")}))
	ctrl.Shutdown()

	assert.ErrorIs(t, sink.WriteFrame(media.FrameEvent{Width: 1280, Height: 720, Data: []byte("late")}), hls.ErrWriterStopped)
	assert.NoError(t, sink.WriteAudio(media.AudioChunk{Data: []byte("late")}), "late audio is discarded, not an error")
}
