package hls

import (
	"encoding/binary"
	"io"
	"math/rand"

	"github.com/beamcast/beamcast/pkg/media"
)

// newAudioMux wraps an encoder's audio pipe in the container framing the
// encoder expects for the configured input format.
func newAudioMux(format string, w io.WriteCloser, sampleRate, channels int) chunkSink {
	if format == "s16le" {
		return &rawChunkMux{w: w}
	}
	return &oggMux{w: w, sampleRate: sampleRate, channels: channels, serial: rand.Uint32()}
}

// rawChunkMux passes audio payloads straight through.
type rawChunkMux struct {
	w io.WriteCloser
}

func (m *rawChunkMux) WriteChunk(c media.AudioChunk) error {
	_, err := m.w.Write(c.Data)
	return err
}

func (m *rawChunkMux) Close() error { return m.w.Close() }

// oggMux packages Opus packets into an Ogg stream: OpusHead and OpusTags
// header pages first, then one page per packet with the cumulative sample
// count as granule position. Modeled on pion's oggwriter page layout;
// written here because that writer binds to files and RTP packets while
// the epoch restarts fresh streams over anonymous pipes.
type oggMux struct {
	w          io.WriteCloser
	sampleRate int
	channels   int
	serial     uint32
	pageIndex  uint32
	granule    uint64
	started    bool
	closed     bool
}

const (
	oggHeaderTypeContinued = 0x01
	oggHeaderTypeBegin     = 0x02
	oggHeaderTypeEnd       = 0x04
)

func (m *oggMux) WriteChunk(c media.AudioChunk) error {
	if !m.started {
		if err := m.writeHeaders(); err != nil {
			return err
		}
		m.started = true
	}
	m.granule += uint64(c.Samples)
	return m.writePage(c.Data, 0, m.granule)
}

func (m *oggMux) writeHeaders() error {
	// OpusHead: version 1, channel count, pre-skip 0, input sample rate,
	// output gain 0, mapping family 0.
	head := make([]byte, 19)
	copy(head[0:], "OpusHead")
	head[8] = 1
	head[9] = byte(m.channels)
	binary.LittleEndian.PutUint16(head[10:], 0)
	binary.LittleEndian.PutUint32(head[12:], uint32(m.sampleRate))
	binary.LittleEndian.PutUint16(head[16:], 0)
	head[18] = 0
	if err := m.writePage(head, oggHeaderTypeBegin, 0); err != nil {
		return err
	}

	vendor := "beamcast"
	tags := make([]byte, 8+4+len(vendor)+4)
	copy(tags[0:], "OpusTags")
	binary.LittleEndian.PutUint32(tags[8:], uint32(len(vendor)))
	copy(tags[12:], vendor)
	binary.LittleEndian.PutUint32(tags[12+len(vendor):], 0) // no user comments
	return m.writePage(tags, 0, 0)
}

// writePage emits one Ogg page holding the whole payload.
func (m *oggMux) writePage(payload []byte, headerType byte, granule uint64) error {
	segments := len(payload)/255 + 1
	page := make([]byte, 27+segments+len(payload))

	copy(page[0:], "OggS")
	page[4] = 0
	page[5] = headerType
	binary.LittleEndian.PutUint64(page[6:], granule)
	binary.LittleEndian.PutUint32(page[14:], m.serial)
	binary.LittleEndian.PutUint32(page[18:], m.pageIndex)
	// page[22:26] is the checksum, filled below
	page[26] = byte(segments)

	remaining := len(payload)
	for i := 0; i < segments; i++ {
		if remaining >= 255 {
			page[27+i] = 255
			remaining -= 255
		} else {
			page[27+i] = byte(remaining)
			remaining = 0
		}
	}
	copy(page[27+segments:], payload)

	binary.LittleEndian.PutUint32(page[22:], oggChecksum(page))
	m.pageIndex++

	_, err := m.w.Write(page)
	return err
}

// Close emits an empty end-of-stream page before closing the pipe.
func (m *oggMux) Close() error {
	if m.started && !m.closed {
		m.closed = true
		if err := m.writePage(nil, oggHeaderTypeEnd, m.granule); err != nil {
			m.w.Close()
			return err
		}
	}
	return m.w.Close()
}

// Ogg CRC32 with polynomial 0x04c11db7, no pre- or post-conditioning.
var oggCRCTable = func() [256]uint32 {
	var table [256]uint32
	const poly = 0x04c11db7
	for i := range table {
		crc := uint32(i) << 24
		for bit := 0; bit < 8; bit++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}()

func oggChecksum(page []byte) uint32 {
	var crc uint32
	for _, b := range page {
		crc = crc<<8 ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}
