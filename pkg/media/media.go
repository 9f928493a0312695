package media

import "fmt"

// Geometry is the pixel dimensions of a video frame.
type Geometry struct {
	Width  int
	Height int
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d", g.Width, g.Height)
}

// IsZero reports whether the geometry is unset.
func (g Geometry) IsZero() bool {
	return g.Width == 0 && g.Height == 0
}

// FrameEvent is one decoded video frame tapped from a publisher track.
// Data is an opaque payload in the configured input format; the packaging
// layer forwards it without inspecting the contents.
type FrameEvent struct {
	Width    int
	Height   int
	Rotation int
	Keyframe bool
	Data     []byte
}

// Geometry returns the frame's dimensions.
func (f FrameEvent) Geometry() Geometry {
	return Geometry{Width: f.Width, Height: f.Height}
}

// AudioChunk is one block of audio payload tapped from a publisher track.
type AudioChunk struct {
	Data       []byte
	SampleRate int
	Channels   int
	Samples    int // samples represented by Data, at SampleRate
}

// VideoSink consumes video frames in arrival order.
type VideoSink interface {
	WriteFrame(FrameEvent) error
}

// AudioSink consumes audio chunks in arrival order.
type AudioSink interface {
	WriteAudio(AudioChunk) error
}

// Sink consumes both elementary streams of a publisher session.
type Sink interface {
	VideoSink
	AudioSink
}
