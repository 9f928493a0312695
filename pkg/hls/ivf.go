package hls

import (
	"encoding/binary"
	"io"

	"github.com/beamcast/beamcast/pkg/media"
)

// frameSink consumes video frames for one rendition pipe.
type frameSink interface {
	WriteFrame(media.FrameEvent) error
	Close() error
}

// chunkSink consumes audio chunks for one rendition pipe.
type chunkSink interface {
	WriteChunk(media.AudioChunk) error
	Close() error
}

// newVideoMux wraps an encoder's video pipe in the container framing the
// encoder expects for the configured input format.
func newVideoMux(format string, w io.WriteCloser, geo media.Geometry, frameRate int) frameSink {
	if format == "rawvideo" {
		return &rawFrameMux{w: w}
	}
	return &ivfMux{w: w, geo: geo, frameRate: frameRate}
}

// rawFrameMux passes frame payloads straight through.
type rawFrameMux struct {
	w io.WriteCloser
}

func (m *rawFrameMux) WriteFrame(f media.FrameEvent) error {
	_, err := m.w.Write(f.Data)
	return err
}

func (m *rawFrameMux) Close() error { return m.w.Close() }

// ivfMux writes an IVF byte stream: a 32-byte file header on the first
// frame, then a 12-byte header (length + presentation index) per frame.
// Same layout pion's ivfwriter produces; written here because the epoch
// feeds whole frames, not RTP packets.
type ivfMux struct {
	w          io.WriteCloser
	geo        media.Geometry
	frameRate  int
	started    bool
	frameIndex uint64
}

func (m *ivfMux) WriteFrame(f media.FrameEvent) error {
	if !m.started {
		if err := m.writeFileHeader(); err != nil {
			return err
		}
		m.started = true
	}

	header := make([]byte, 12)
	binary.LittleEndian.PutUint32(header[0:], uint32(len(f.Data)))
	binary.LittleEndian.PutUint64(header[4:], m.frameIndex)
	if _, err := m.w.Write(header); err != nil {
		return err
	}
	if _, err := m.w.Write(f.Data); err != nil {
		return err
	}
	m.frameIndex++
	return nil
}

func (m *ivfMux) writeFileHeader() error {
	header := make([]byte, 32)
	copy(header[0:], "DKIF")
	binary.LittleEndian.PutUint16(header[4:], 0)  // version
	binary.LittleEndian.PutUint16(header[6:], 32) // header size
	copy(header[8:], "VP80")
	binary.LittleEndian.PutUint16(header[12:], uint16(m.geo.Width))
	binary.LittleEndian.PutUint16(header[14:], uint16(m.geo.Height))
	binary.LittleEndian.PutUint32(header[16:], uint32(m.frameRate)) // timebase denominator
	binary.LittleEndian.PutUint32(header[20:], 1)                   // timebase numerator
	binary.LittleEndian.PutUint32(header[24:], 0)                   // frame count, unknown up front
	_, err := m.w.Write(header)
	return err
}

func (m *ivfMux) Close() error { return m.w.Close() }
