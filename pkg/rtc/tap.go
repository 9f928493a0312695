package rtc

import (
	"errors"
	"io"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"

	"github.com/pion/rtp/codecs"

	"github.com/beamcast/beamcast/pkg/logging"
	"github.com/beamcast/beamcast/pkg/media"
)

// maxLateVideo is the samplebuilder reorder window in packets. Frames with
// packets later than this are given up on rather than stalling the tap.
const maxLateVideo = 128

// opusSampleRate is fixed by the codec on the wire.
const opusSampleRate = 48000

// defaultOpusSamples is the granule increment assumed for the first packet,
// before an RTP timestamp delta is available (20 ms at 48 kHz).
const defaultOpusSamples = 960

// tap drains a session's remote tracks and pushes the two elementary
// streams into the configured sink. Video packets are reassembled into
// whole frames; geometry is read from VP8 keyframe headers and carried
// sticky across delta frames. Frames preceding the first keyframe are
// discarded since their geometry is unknown.
type tap struct {
	video *webrtc.TrackRemote
	audio *webrtc.TrackRemote
	sink  media.Sink
	log   logging.Entry
	done  <-chan struct{}
}

func newTap(video, audio *webrtc.TrackRemote, sink media.Sink, log logging.Entry, done <-chan struct{}) *tap {
	return &tap{video: video, audio: audio, sink: sink, log: log, done: done}
}

func (t *tap) runVideo() {
	builder := samplebuilder.New(maxLateVideo, &codecs.VP8Packet{}, 90000)
	var geo media.Geometry

	for {
		pkt, _, err := t.video.ReadRTP()
		if err != nil {
			t.finish("video", err)
			return
		}
		builder.Push(pkt)

		for sample := builder.Pop(); sample != nil; sample = builder.Pop() {
			if len(sample.Data) == 0 {
				continue
			}
			keyframe := vp8IsKeyframe(sample.Data)
			if keyframe {
				if g, ok := vp8Geometry(sample.Data); ok {
					geo = g
				}
			}
			if geo.IsZero() {
				continue
			}
			frame := media.FrameEvent{
				Width:    geo.Width,
				Height:   geo.Height,
				Keyframe: keyframe,
				Data:     sample.Data,
			}
			if err := t.sink.WriteFrame(frame); err != nil {
				t.finish("video", err)
				return
			}
		}
	}
}

func (t *tap) runAudio() {
	channels := int(t.audio.Codec().Channels)
	if channels == 0 {
		channels = 2
	}

	var lastTS uint32
	haveTS := false

	for {
		pkt, _, err := t.audio.ReadRTP()
		if err != nil {
			t.finish("audio", err)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		samples := defaultOpusSamples
		if haveTS {
			if delta := pkt.Timestamp - lastTS; delta > 0 && delta < opusSampleRate {
				samples = int(delta)
			}
		}
		lastTS = pkt.Timestamp
		haveTS = true

		chunk := media.AudioChunk{
			Data:       pkt.Payload,
			SampleRate: opusSampleRate,
			Channels:   channels,
			Samples:    samples,
		}
		if err := t.sink.WriteAudio(chunk); err != nil {
			t.finish("audio", err)
			return
		}
	}
}

// finish logs the reason a track loop ended. EOF and closed-session errors
// are the normal shutdown path.
func (t *tap) finish(kind string, err error) {
	select {
	case <-t.done:
		return
	default:
	}
	if errors.Is(err, io.EOF) {
		t.log.WithField("kind", kind).Debug("track ended")
		return
	}
	t.log.WithField("kind", kind).WithError(err).Warn("track read ended")
}
