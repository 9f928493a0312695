package rtc

import "github.com/beamcast/beamcast/pkg/media"

// vp8IsKeyframe reports whether a reassembled VP8 frame is a keyframe.
// The lowest bit of the first frame-tag byte is 0 for keyframes.
func vp8IsKeyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}

// vp8Geometry extracts width and height from a VP8 keyframe header.
// Layout: 3-byte frame tag, 3-byte start code 0x9d 0x01 0x2a, then
// 14-bit width and height, little endian, two bytes each.
func vp8Geometry(frame []byte) (media.Geometry, bool) {
	if len(frame) < 10 || !vp8IsKeyframe(frame) {
		return media.Geometry{}, false
	}
	if frame[3] != 0x9d || frame[4] != 0x01 || frame[5] != 0x2a {
		return media.Geometry{}, false
	}
	width := int(uint16(frame[6]) | uint16(frame[7])<<8&0x3f00)
	height := int(uint16(frame[8]) | uint16(frame[9])<<8&0x3f00)
	if width == 0 || height == 0 {
		return media.Geometry{}, false
	}
	return media.Geometry{Width: width, Height: height}, true
}
