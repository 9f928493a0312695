package hls

import "strings"

// Rendition is one quality tier of the adaptive-bitrate ladder. Bitrates
// are in kbps. Segment duration is fixed per writer, not per rendition, so
// tiers stay switchable mid-playback.
type Rendition struct {
	Name         string
	Width        int
	CRF          int
	VideoBitrate int
	MaxBitrate   int
	BufSize      int
	AudioBitrate int
}

// Bandwidth returns the tier's declared peak bandwidth in bits per second
// for the master manifest, with ~10% container overhead.
func (r Rendition) Bandwidth() int {
	return (r.VideoBitrate + r.AudioBitrate) * 1000 * 110 / 100
}

// OutputHeight computes the tier's output height for a source geometry,
// preserving aspect ratio and rounding down to an even value.
func (r Rendition) OutputHeight(srcWidth, srcHeight int) int {
	if srcWidth <= 0 || srcHeight <= 0 {
		return 0
	}
	h := r.Width * srcHeight / srcWidth
	return h &^ 1
}

// DefaultLadder is the default three-tier ladder.
func DefaultLadder() []Rendition {
	return []Rendition{
		{Name: "720p", Width: 1280, CRF: 23, VideoBitrate: 2500, MaxBitrate: 2675, BufSize: 3750, AudioBitrate: 128},
		{Name: "480p", Width: 854, CRF: 25, VideoBitrate: 1200, MaxBitrate: 1284, BufSize: 1800, AudioBitrate: 128},
		{Name: "360p", Width: 640, CRF: 26, VideoBitrate: 800, MaxBitrate: 856, BufSize: 1200, AudioBitrate: 96},
	}
}

// RenditionByName finds a ladder entry by name (case-insensitive).
func RenditionByName(ladder []Rendition, name string) *Rendition {
	name = strings.ToLower(name)
	for i := range ladder {
		if strings.ToLower(ladder[i].Name) == name {
			return &ladder[i]
		}
	}
	return nil
}
